// Package app assembles the dispatch service from configuration: stores,
// conflict gate, aggregator, reschedule coordinator, notification fanout,
// metrics sinks, the optional MQTT feed bridge and the HTTP surface.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/fieldops/dispatchd/api"
	"github.com/fieldops/dispatchd/config"
	"github.com/fieldops/dispatchd/core/availability"
	"github.com/fieldops/dispatchd/core/board"
	"github.com/fieldops/dispatchd/core/conflict"
	coremetrics "github.com/fieldops/dispatchd/core/metrics"
	"github.com/fieldops/dispatchd/core/notify"
	"github.com/fieldops/dispatchd/core/reschedule"
	"github.com/fieldops/dispatchd/core/schedule"
	"github.com/fieldops/dispatchd/core/store"
	"github.com/fieldops/dispatchd/infra/feed"
	"github.com/fieldops/dispatchd/infra/logger"
	"github.com/fieldops/dispatchd/infra/metrics"
	"github.com/fieldops/dispatchd/infra/postgres"
)

// jobStore joins the persistence contract with the feed-bridge seam.
type jobStore interface {
	store.JobStore
	Apply(ev store.ChangeEvent)
	Close()
}

type blockStore interface {
	store.StatusBlockStore
	Apply(ev store.ChangeEvent)
	Close()
}

// Service owns every long-lived component of the dispatch process.
type Service struct {
	Aggregator  *schedule.Aggregator
	Board       *board.Board
	Coordinator *reschedule.Coordinator

	jobs   jobStore
	blocks blockStore
	bridge *feed.Bridge
	db     *sql.DB
	influx *metrics.InfluxSink
	server *http.Server
	log    logger.Logger

	promEnabled bool
	promPort    string
}

// New creates a Service from the configuration.
func New(cfg *config.Config) (*Service, error) {
	logg := logger.New("service")
	origin := uuid.NewString()

	sink, influx, err := buildSinks(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	var (
		jobs          jobStore
		blocks        blockStore
		notifications store.NotificationStore
		db            *sql.DB
	)
	switch cfg.Store.Backend {
	case "postgres":
		db, err = postgres.Open(cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
		if cfg.Store.Migrate {
			if err := postgres.Migrate(context.Background(), db); err != nil {
				db.Close()
				return nil, fmt.Errorf("store: %w", err)
			}
		}
		jobs = postgres.NewJobStore(db, origin)
		blocks = postgres.NewStatusBlockStore(db, origin)
		notifications = postgres.NewNotificationStore(db)
	default:
		jobs = store.NewMemoryJobStore(origin)
		blocks = store.NewMemoryStatusBlockStore(origin)
		notifications = store.NewMemoryNotificationStore()
	}

	checker := conflict.New(jobs, conflict.Policy{MinGap: cfg.Scheduling.MinGap()})
	colors := schedule.NewColorTable(cfg.Scheduling.ColorOverrides, cfg.Scheduling.ColorPalette)
	agg := schedule.New(jobs, blocks, colors, logger.New("aggregator"), sink, schedule.Config{
		ResubscribeBase: cfg.Scheduling.ResubscribeBase(),
		ResubscribeMax:  cfg.Scheduling.ResubscribeMax,
	})

	fanout := notify.New(notifications, logger.New("fanout"), sink)
	b, err := board.New(jobs, checker, fanout, logger.New("board"))
	if err != nil {
		return nil, err
	}
	coord, err := reschedule.NewCoordinator(checker, agg, jobs, blocks, logger.New("reschedule"), sink)
	if err != nil {
		return nil, err
	}
	avail := availability.NewService(blocks, logger.New("availability"))
	roster := store.NewStaticRoster(cfg.Workers)

	var bridge *feed.Bridge
	if cfg.Feed.Enabled {
		bridge, err = feed.NewBridge(cfg.Feed, origin, jobs, blocks)
		if err != nil {
			return nil, fmt.Errorf("feed bridge: %w", err)
		}
	}

	handler := api.NewHandler(b, coord, avail, agg, notifications, roster, jobs, logger.New("api"))
	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler.Router(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutS) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutS) * time.Second,
	}

	return &Service{
		Aggregator:  agg,
		Board:       b,
		Coordinator: coord,
		jobs:        jobs,
		blocks:      blocks,
		bridge:      bridge,
		db:          db,
		influx:      influx,
		server:      server,
		log:         logg,
		promEnabled: cfg.Metrics.PrometheusEnabled,
		promPort:    cfg.Metrics.PrometheusPort,
	}, nil
}

func buildSinks(cfg coremetrics.Config) (coremetrics.Sink, *metrics.InfluxSink, error) {
	var (
		sinks  []coremetrics.Sink
		influx *metrics.InfluxSink
	)
	if cfg.PrometheusEnabled {
		sink, err := metrics.NewPromSink(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("prom sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	if cfg.InfluxEnabled {
		sink := metrics.NewInfluxSinkWithFallback(cfg)
		if is, ok := sink.(*metrics.InfluxSink); ok {
			influx = is
		}
		sinks = append(sinks, sink)
	}
	switch len(sinks) {
	case 0:
		return coremetrics.NopSink{}, nil, nil
	case 1:
		return sinks[0], influx, nil
	default:
		return metrics.NewMultiSink(sinks...), influx, nil
	}
}

// Run starts the service and blocks until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Aggregator.Start(ctx); err != nil {
		return fmt.Errorf("aggregator start: %w", err)
	}
	if s.bridge != nil {
		s.bridge.Start()
	}
	if s.promEnabled {
		go func() {
			if err := metrics.StartPromServer(ctx, s.promPort); err != nil {
				s.log.Errorf("prom server: %v", err)
			}
		}()
	}
	go func() {
		for err := range s.Aggregator.Errors() {
			s.log.Errorf("schedule feed: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.log.Errorf("server shutdown: %v", err)
		}
	}()

	s.log.Infof("dispatch API listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close releases resources held by the service.
func (s *Service) Close() error {
	if s.bridge != nil {
		s.bridge.Close()
	}
	s.Aggregator.Stop()
	s.jobs.Close()
	s.blocks.Close()
	if s.influx != nil {
		s.influx.Close()
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
