package app

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/campus-ingest/internal/config"
	"github.com/JakeFAU/campus-ingest/internal/crawler"
	"github.com/JakeFAU/campus-ingest/internal/fetcher/headless"
	pubsubpub "github.com/JakeFAU/campus-ingest/internal/publisher/pubsub"
	"github.com/JakeFAU/campus-ingest/internal/storage/gcs"
	"github.com/JakeFAU/campus-ingest/internal/storage/local"
	"github.com/JakeFAU/campus-ingest/internal/store"
	"github.com/JakeFAU/campus-ingest/internal/store/memory"
	"github.com/JakeFAU/campus-ingest/internal/store/postgres"
	"github.com/JakeFAU/campus-ingest/internal/store/sqlite"
)

// Destination is a record store that also keeps the run history.
type Destination interface {
	crawler.Store
	store.RunRepository
}

func newDestination(ctx context.Context, cfg config.StoreConfig, dryRun bool, logger *zap.Logger) (Destination, error) {
	if dryRun {
		return memory.New(), nil
	}
	switch cfg.Driver {
	case config.StoreMemory:
		return memory.New(), nil
	case config.StoreSQLite:
		st, err := sqlite.Open(ctx, cfg.DSN, logger)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, nil
	case config.StorePostgres:
		st, err := postgres.New(ctx, postgres.Config{DSN: cfg.DSN, MaxConns: cfg.MaxConns}, logger)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		if err := st.EnsureSchema(ctx); err != nil {
			_ = st.Close()
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// newArchive returns nil when archiving is off. The returned closer releases
// the cloud client, if any.
func newArchive(ctx context.Context, cfg config.ArchiveConfig) (crawler.BlobStore, func() error, error) {
	switch cfg.Driver {
	case config.ArchiveNone, "":
		return nil, nil, nil
	case config.ArchiveLocal:
		blobs, err := local.New(local.Config{BaseDir: cfg.Dir})
		if err != nil {
			return nil, nil, fmt.Errorf("local archive: %w", err)
		}
		return blobs, nil, nil
	case config.ArchiveGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("gcs client: %w", err)
		}
		blobs, err := gcs.New(client, gcs.Config{Bucket: cfg.Bucket})
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("gcs archive: %w", err)
		}
		return blobs, client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown archive driver %q", cfg.Driver)
	}
}

// newRenderer returns nil when headless rendering is disabled.
func newRenderer(cfg config.HeadlessConfig, userAgent string) (*headless.Renderer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	r, err := headless.NewChromedp(headless.Config{
		MaxParallel:       cfg.MaxParallel,
		UserAgent:         userAgent,
		NavigationTimeout: cfg.NavTimeout,
		Settle:            cfg.Settle,
	})
	if err != nil {
		return nil, fmt.Errorf("headless renderer: %w", err)
	}
	return r, nil
}

// newPublisher returns nil when no topic is configured.
func newPublisher(ctx context.Context, cfg config.PubSubConfig) (*pubsubpub.Publisher, func() error, error) {
	if cfg.Topic == "" {
		return nil, nil, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub client: %w", err)
	}
	pub := pubsubpub.New(client)
	return pub, func() error {
		pub.Close()
		return client.Close()
	}, nil
}
