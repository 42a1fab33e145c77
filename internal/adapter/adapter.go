// Package adapter implements the local storage and usage plugin on top of the
// document store and the usage client.
package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/csp-billing-adapter/csp-billing-adapter-local/internal/config"
	"github.com/csp-billing-adapter/csp-billing-adapter-local/internal/hooks"
	"github.com/csp-billing-adapter/csp-billing-adapter-local/internal/store"
	"github.com/csp-billing-adapter/csp-billing-adapter-local/internal/usage"
)

// PluginName is the name the plugin registers under.
const PluginName = "local"

// Plugin serves the cache, csp_config and usage hooks.
type Plugin struct {
	store   store.Store
	usage   *usage.Client
	metrics *metrics
	now     func() time.Time
	logger  *logrus.Entry
}

var (
	_ hooks.CacheHooks     = (*Plugin)(nil)
	_ hooks.CSPConfigHooks = (*Plugin)(nil)
	_ hooks.UsageHooks     = (*Plugin)(nil)
)

// New creates a Plugin persisting documents under cfg.Local.Storage.
// Metrics are registered on reg unless it is nil.
func New(cfg *config.Config, logger *logrus.Entry, reg prometheus.Registerer) (*Plugin, error) {
	sc := cfg.Local.Storage
	st := store.NewFileStore(sc.BaseDir, sc.CacheFile, sc.CSPConfigFile, logger)
	return NewWithStore(st, cfg, logger, reg)
}

// NewWithStore creates a Plugin on top of an existing store.
func NewWithStore(st store.Store, cfg *config.Config, logger *logrus.Entry, reg prometheus.Registerer) (*Plugin, error) {
	log := logger.WithField("component", "adapter")

	m, err := newMetrics(reg)
	if err != nil {
		return nil, err
	}

	uc := cfg.Local.Usage
	client := usage.New(usage.Options{
		Timeout:              uc.Timeout(),
		RetryDelay:           uc.RetryDelay(),
		MaxRequestsPerSecond: uc.MaxRequestsPerSecond,
		BurstRequests:        uc.BurstRequests,
		OnAttempt:            func(int) { m.fetchAttempts.Inc() },
	}, logger)

	log.WithFields(logrus.Fields{
		"metrics": len(cfg.UsageMetrics),
	}).Debug("plugin created")

	return &Plugin{
		store:   st,
		usage:   client,
		metrics: m,
		now:     time.Now,
		logger:  log,
	}, nil
}

// Register adds the plugin to reg. It is dispatched to after every other
// implementation so that hosts can override it.
func (p *Plugin) Register(reg *hooks.Registry) error {
	return reg.Register(PluginName, p, hooks.TryLast())
}

// GetCache returns the persisted cache.
func (p *Plugin) GetCache(ctx context.Context, _ *config.Config) (store.Document, error) {
	return p.read(ctx, store.Cache)
}

// UpdateCache merges doc into the cache, or replaces it when replace is true.
func (p *Plugin) UpdateCache(ctx context.Context, _ *config.Config, doc store.Document, replace bool) error {
	return p.write(ctx, store.Cache, doc, modeOf(replace), "update")
}

// SaveCache replaces the cache with doc.
func (p *Plugin) SaveCache(ctx context.Context, _ *config.Config, doc store.Document) error {
	return p.write(ctx, store.Cache, doc, store.ModeReplace, "save")
}

// GetCSPConfig returns the persisted CSP configuration snapshot.
func (p *Plugin) GetCSPConfig(ctx context.Context, _ *config.Config) (store.Document, error) {
	return p.read(ctx, store.CSPConfig)
}

// UpdateCSPConfig merges doc into the snapshot, or replaces it when replace is true.
func (p *Plugin) UpdateCSPConfig(ctx context.Context, _ *config.Config, doc store.Document, replace bool) error {
	return p.write(ctx, store.CSPConfig, doc, modeOf(replace), "update")
}

// SaveCSPConfig replaces the snapshot with doc.
func (p *Plugin) SaveCSPConfig(ctx context.Context, _ *config.Config, doc store.Document) error {
	return p.write(ctx, store.CSPConfig, doc, store.ModeReplace, "save")
}

// GetUsageData fetches the current usage from cfg.API and stamps it with the
// reporting time.
func (p *Plugin) GetUsageData(ctx context.Context, cfg *config.Config) (usage.Snapshot, error) {
	start := time.Now()
	record, err := p.usage.GetUsageData(ctx, cfg.API, cfg.ExpectedMetrics())
	p.metrics.fetchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		p.metrics.fetchFailures.WithLabelValues(usage.Reason(err)).Inc()
		return usage.Snapshot{}, err
	}

	now := p.now().UTC()
	p.metrics.lastSuccess.Set(float64(now.Unix()))
	return usage.Snapshot{Metrics: record, ReportingTime: now}, nil
}

func (p *Plugin) read(ctx context.Context, name store.Name) (store.Document, error) {
	p.metrics.documentOperations.WithLabelValues(string(name), "get").Inc()
	doc, err := p.store.Read(ctx, name)
	if err != nil {
		p.metrics.documentErrors.WithLabelValues(string(name)).Inc()
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	return doc, nil
}

func (p *Plugin) write(ctx context.Context, name store.Name, doc store.Document, mode store.Mode, op string) error {
	p.metrics.documentOperations.WithLabelValues(string(name), op).Inc()
	if _, err := p.store.Write(ctx, name, doc, mode); err != nil {
		p.metrics.documentErrors.WithLabelValues(string(name)).Inc()
		return fmt.Errorf("writing %s: %w", name, err)
	}
	p.logger.WithFields(logrus.Fields{
		"document": name,
		"mode":     mode.String(),
		"keys":     len(doc),
	}).Debug("document written")
	return nil
}

func modeOf(replace bool) store.Mode {
	if replace {
		return store.ModeReplace
	}
	return store.ModeMerge
}
