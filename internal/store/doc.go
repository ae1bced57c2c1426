// Package store declares the run-history repository shared by the destination
// store backends. Implementations live in the postgres, sqlite and memory
// subpackages; this package must not import database drivers.
package store
