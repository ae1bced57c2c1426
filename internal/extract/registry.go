package extract

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/campus-ingest/internal/crawler"
)

// Registry keeps a mapping from driver names to parsers and from source ids
// to their bound extractors.
type Registry struct {
	mu      sync.RWMutex
	fetcher crawler.Fetcher
	logger  *zap.Logger
	parsers map[string]Parser
	sources map[string]crawler.Extractor
	configs map[string]crawler.SourceConfig
}

// NewRegistry builds a registry with the html and json drivers registered.
func NewRegistry(fetcher crawler.Fetcher, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		fetcher: fetcher,
		logger:  logger,
		parsers: map[string]Parser{},
		sources: map[string]crawler.Extractor{},
		configs: map[string]crawler.SourceConfig{},
	}
	r.RegisterDriver(DriverHTML, HTMLParser{})
	r.RegisterDriver(DriverJSON, JSONParser{})
	return r
}

// RegisterDriver adds or replaces a driver.
func (r *Registry) RegisterDriver(name string, parser Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsers[name] = parser
}

// Drivers lists registered driver names.
func (r *Registry) Drivers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.parsers))
	for name := range r.parsers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Bind validates src and binds its id to an extractor for its driver.
// Record kinds are stored in canonical form.
func (r *Registry) Bind(src crawler.SourceConfig) (crawler.Extractor, error) {
	src = src.Normalize()
	if err := src.Validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	parser, ok := r.parsers[src.Driver]
	if !ok {
		return nil, fmt.Errorf("source %s: driver %s is not registered", src.ID, src.Driver)
	}
	if _, dup := r.sources[src.ID]; dup {
		return nil, fmt.Errorf("source %s is already registered", src.ID)
	}
	ext := NewPageExtractor(src.Driver, r.fetcher, parser, r.logger.Named(src.Driver))
	r.sources[src.ID] = ext
	r.configs[src.ID] = src
	return ext, nil
}

// Resolve returns the extractor and configuration bound to sourceID.
func (r *Registry) Resolve(sourceID string) (crawler.Extractor, crawler.SourceConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ext, ok := r.sources[sourceID]
	if !ok {
		return nil, crawler.SourceConfig{}, fmt.Errorf("source %s is not registered", sourceID)
	}
	return ext, r.configs[sourceID], nil
}

// Sources lists the bound source ids in order.
func (r *Registry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sources))
	for id := range r.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
