// Package service wires the whole pipeline together and owns its lifecycle:
// open the coordination store, construct every stage, run them concurrently,
// and shut down in an order that never loses committed work: a
// recovery-on-open constructor, several independent loops run as
// goroutines, and a Stop sequence that is documented step by step rather
// than left to goroutine scheduling luck.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/jobdispatcherd/internal/collector"
	"github.com/ChuLiYu/jobdispatcherd/internal/config"
	"github.com/ChuLiYu/jobdispatcherd/internal/coord"
	"github.com/ChuLiYu/jobdispatcherd/internal/dispatch"
	"github.com/ChuLiYu/jobdispatcherd/internal/intake"
	"github.com/ChuLiYu/jobdispatcherd/internal/metrics"
	"github.com/ChuLiYu/jobdispatcherd/internal/query"
	"github.com/ChuLiYu/jobdispatcherd/internal/rules"
	"github.com/ChuLiYu/jobdispatcherd/internal/schema"
	"github.com/ChuLiYu/jobdispatcherd/internal/splitter"
)

// Service owns the coordination store and every pipeline stage built on it.
type Service struct {
	store    *coord.Store
	sess     *coord.Session
	registry *rules.Registry
	cfg      *config.Config
	metrics  *metrics.Collector

	Intake     *intake.Intake
	Query      *query.Query
	splitter   *splitter.Splitter
	dispatcher *dispatch.Dispatcher
	collector  *collector.Collector

	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *slog.Logger
}

// New opens the coordination store (replaying its WAL and snapshot, per
// coord.NewStore) and constructs every pipeline stage against it. It does
// not start any background loop; call Start for that.
func New(cfg *config.Config, executor dispatch.Executor, registry *rules.Registry) (*Service, error) {
	for _, p := range []string{cfg.Store.WALPath, cfg.Store.SnapshotPath} {
		if dir := filepath.Dir(p); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("service: create store directory %s: %w", dir, err)
			}
		}
	}
	store, err := coord.NewStore(cfg.Store.WALPath, cfg.Store.SnapshotPath, cfg.Store.BufferSize, cfg.FlushInterval())
	if err != nil {
		return nil, fmt.Errorf("service: open coordination store: %w", err)
	}
	sess := store.NewSession()

	var mc *metrics.Collector
	if cfg.Metrics.Enabled {
		mc = metrics.NewCollector()
	}

	s := &Service{
		store:    store,
		sess:     sess,
		registry: registry,
		cfg:      cfg,
		metrics:  mc,
		Intake:   intake.New(store, sess, registry, mc),
		Query:    query.New(store, sess),
		splitter: splitter.New(store, sess, registry, mc),
		dispatcher: dispatch.New(store, sess, executor, dispatch.Config{
			MaxJobs:      cfg.Dispatch.MaxJobs,
			MaxJobsSleep: cfg.MaxJobsSleep(),
		}, mc),
		collector: collector.New(store, sess, collector.Config{
			RunningSweepInterval: cfg.RunningSweepInterval(),
			ControlSweepInterval: cfg.ControlSweepInterval(),
			DelayWindow:          cfg.DelayWindow(),
			DoneLifetime:         cfg.DoneLifetime(),
			RecycledPriority:     cfg.Collector.RecycledPriority,
		}, mc),
		log: slog.Default().With("component", "service"),
	}
	s.Intake.SetInputLimit(cfg.API.InputLimit)
	return s, nil
}

// Roles selects which pipeline stages Start runs in this process: Front
// runs the splitter (the stage downstream of intake, which every process
// can call directly since Service.Intake has no loop of its own), Worker
// runs the dispatcher, Collector runs the reaping sweeps.
type Roles struct {
	Front     bool
	Worker    bool
	Collector bool
}

// AllRoles runs every stage in one process - the default for the demo
// binary and for small deployments that do not need to scale stages
// independently.
func AllRoles() Roles { return Roles{Front: true, Worker: true, Collector: true} }

// Start launches the pipeline stages selected by roles, plus the metrics
// HTTP server if enabled, and returns immediately; the loops run until ctx
// is cancelled or Stop is called.
func (s *Service) Start(ctx context.Context, roles Roles) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if roles.Front {
		s.run(func(ctx context.Context) error { return s.splitter.Run(ctx) }, ctx)
	}
	if roles.Worker {
		s.run(func(ctx context.Context) error { return s.dispatcher.Run(ctx) }, ctx)
	}
	if roles.Collector {
		s.run(func(ctx context.Context) error { return s.collector.Run(ctx) }, ctx)
	}

	if s.cfg.Metrics.Enabled {
		s.run(func(ctx context.Context) error { return s.sampleQueueStats(ctx) }, ctx)
		go func() {
			if err := metrics.StartServer(s.cfg.Metrics.Port); err != nil {
				s.log.Error("service: metrics server stopped", "err", err)
			}
		}()
	}

	s.log.Info("service: started", "roles", roles, "max_jobs", s.cfg.Dispatch.MaxJobs, "metrics_enabled", s.cfg.Metrics.Enabled)
}

// sampleQueueStats refreshes the ready-depth and running-count gauges on a
// fixed cadence; both are instantaneous reads, so sampling (rather than
// instrumenting every transition) keeps the hot paths free of extra reads.
func (s *Service) sampleQueueStats(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			ready, err := s.store.Children(schema.Ready + "/entries")
			if err != nil {
				ready = nil
			}
			running, err := s.store.Children(schema.Running)
			if err != nil {
				running = nil
			}
			s.metrics.UpdateQueueStats(len(ready), len(running))
		}
	}
}

func (s *Service) run(loop func(context.Context) error, ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := loop(ctx); err != nil {
			s.log.Error("service: pipeline loop exited with error", "err", err)
		}
	}()
}

// Stop shuts the service down in the order that keeps the coordination
// store consistent:
//  1. cancel the loop context, so the splitter/dispatcher/collector stop
//     claiming new work;
//  2. wait for every in-flight loop iteration to return;
//  3. take a final snapshot, so a later restart replays the least possible
//     WAL;
//  4. close the session, releasing every ephemeral node it still holds
//     (running-locks for tasks that were mid-dispatch at shutdown - the
//     collector's running sweep will reclaim them after restart);
//  5. close the store, flushing and closing the WAL file.
func (s *Service) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	if err := s.store.Snapshot(); err != nil {
		s.log.Error("service: final snapshot failed", "err", err)
	}
	s.sess.Close()

	if err := s.store.Close(); err != nil {
		return fmt.Errorf("service: close store: %w", err)
	}
	s.log.Info("service: stopped")
	return nil
}
