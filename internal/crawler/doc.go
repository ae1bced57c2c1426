// Package crawler holds the domain types, collaborator interfaces and error
// taxonomy shared by the extraction, pipeline and orchestration packages.
package crawler
