package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/Veraticus/spice-categorizer/internal/cache"
	"github.com/Veraticus/spice-categorizer/internal/common"
	"github.com/Veraticus/spice-categorizer/internal/confidence"
	"github.com/Veraticus/spice-categorizer/internal/config"
	"github.com/Veraticus/spice-categorizer/internal/engine"
	"github.com/Veraticus/spice-categorizer/internal/learner"
	"github.com/Veraticus/spice-categorizer/internal/metrics"
	"github.com/Veraticus/spice-categorizer/internal/normalize"
	"github.com/Veraticus/spice-categorizer/internal/service"
	"github.com/Veraticus/spice-categorizer/internal/similarity"
	"github.com/Veraticus/spice-categorizer/internal/storage"
)

// app is the categorizer wired from configuration for one command invocation.
type app struct {
	cfg        *config.EngineConfig
	store      *storage.SQLiteStorage
	tier       *cache.RedisTier
	cache      *cache.PatternCache
	normalizer *normalize.Normalizer
	learner    *learner.Learner
	engine     *engine.Engine
	reader     *sdkmetric.ManualReader
	provider   *sdkmetric.MeterProvider
}

type appOptions struct {
	applier service.TransactionApplier
}

func loadConfig() (*config.EngineConfig, error) {
	return config.LoadEngineConfig(viper.GetViper())
}

// openStore opens and migrates the pattern store at the configured path.
func openStore(ctx context.Context, dbPath string) (*storage.SQLiteStorage, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	store, err := storage.NewSQLiteStorage(dbPath)
	if err != nil {
		return nil, common.NewUserError("Could not open the pattern database at "+dbPath, err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, common.NewUserError("Could not migrate the pattern database; try 'spice snapshot restore'", err)
	}
	slog.Debug("Opened pattern store", "path", dbPath, "fts5", store.Capabilities().FTS5)
	return store, nil
}

// openApp builds every component. A configured but unreachable redis degrades to the local tier.
func openApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, reader: sdkmetric.NewManualReader()}
	a.provider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(a.reader))
	otel.SetMeterProvider(a.provider)
	sink := metrics.NewOTelSink(a.provider)

	if a.store, err = openStore(ctx, cfg.Database.Path); err != nil {
		return nil, err
	}

	cacheOpts := []cache.Option{cache.WithMetrics(sink)}
	if cfg.Cache.RedisURL != "" {
		tier, err := cache.NewRedisTier(ctx, cfg.Cache.RedisURL, cfg.Cache.Namespace)
		if err != nil {
			slog.Warn("shared cache unavailable, using the local tier only", "error", err)
		} else {
			a.tier = tier
			cacheOpts = append(cacheOpts, cache.WithSharedTier(tier))
		}
	}

	steps := []func() error{
		func() (err error) {
			a.cache, err = cache.New(a.store, cfg.Cache, cacheOpts...)
			return err
		},
		func() (err error) {
			a.normalizer, err = normalize.New(cfg.Normalizer)
			return err
		},
		func() (err error) {
			a.learner, err = learner.New(a.store, a.cache, a.normalizer, cfg.Learner, learner.WithMetrics(sink))
			return err
		},
		func() error {
			sim, err := similarity.New(cfg.Similarity)
			if err != nil {
				return err
			}
			calc, err := confidence.New(cfg.Confidence)
			if err != nil {
				return err
			}
			a.engine, err = engine.New(engine.Deps{
				Source:     a.cache,
				Feedback:   a.learner,
				Normalizer: a.normalizer,
				Similarity: sim,
				Confidence: calc,
				Usage:      a.store,
				Applier:    opts.applier,
			}, cfg.Match, engine.WithMetrics(sink))
			return err
		},
	}
	for _, step := range steps {
		if err := step(); err != nil {
			_ = a.Close()
			return nil, err
		}
	}
	return a, nil
}

// Close flushes usage and releases every resource.
func (a *app) Close() error {
	var errs []error
	if a.engine != nil {
		errs = append(errs, a.engine.Close())
	}
	if a.provider != nil {
		errs = append(errs, a.provider.Shutdown(context.Background()))
	}
	if a.tier != nil {
		errs = append(errs, a.tier.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

// snapshots returns the snapshot manager for the open store.
func (a *app) snapshots() (*storage.SnapshotManager, error) {
	return storage.NewSnapshotManager(a.store)
}

// printStats writes the metrics recorded during this invocation.
func (a *app) printStats(ctx context.Context, w io.Writer) error {
	var rm metricdata.ResourceMetrics
	if err := a.reader.Collect(ctx, &rm); err != nil {
		return fmt.Errorf("failed to collect metrics: %w", err)
	}

	var lines []string
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					lines = append(lines, fmt.Sprintf("%-28s %-28s %d", m.Name, labels(dp.Attributes), dp.Value))
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					mean := 0.0
					if dp.Count > 0 {
						mean = dp.Sum / float64(dp.Count)
					}
					lines = append(lines, fmt.Sprintf("%-28s %-28s n=%d mean=%.4f", m.Name, labels(dp.Attributes), dp.Count, mean))
				}
			}
		}
	}
	sort.Strings(lines)
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

func labels(set attribute.Set) string {
	if set.Len() == 0 {
		return "-"
	}
	return set.Encoded(attribute.DefaultEncoder())
}
