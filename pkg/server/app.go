package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"SignalDesk/internal/domain/models"
	drepo "SignalDesk/internal/domain/repository"
	"SignalDesk/internal/service/feed"
	"SignalDesk/internal/usecase"
	"SignalDesk/pkg/cache"
	pkgch "SignalDesk/pkg/clickhouse"
	"SignalDesk/pkg/config"
	xhttp "SignalDesk/pkg/http"
	pkgkafka "SignalDesk/pkg/kafka"
	applogger "SignalDesk/pkg/logger"
)

// Deps are the collaborators the App drives. Optional infrastructure is nil
// when the matching config section is disabled.
type Deps struct {
	Logger     *applogger.Logger
	Store      drepo.SignalStore
	Publisher  drepo.EventPublisher
	Cache      cache.Service
	Feed       *feed.Manager
	Automation *usecase.Automation
	Closer     *usecase.SignalCloser
	Handler    xhttp.Handler

	ClickHouse   *pkgch.Client
	Producer     *pkgkafka.Producer
	Consumer     *pkgkafka.Consumer
	TicksHandler pkgkafka.MessageHandler
}

// App encapsulates the entire application lifecycle.
type App struct {
	cfg  *config.Config
	d    Deps
	l    *applogger.Logger
	http *xhttp.Server

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a new App instance with all dependencies.
func New(cfg *config.Config, d Deps) *App {
	l := d.Logger
	if l == nil {
		l = applogger.NewNop()
	}
	return &App{cfg: cfg, d: d, l: l}
}

// Serve runs the automation loop and the control API until ctx is done. With
// no interval configured it performs a single batch run instead.
func (a *App) Serve(ctx context.Context) error {
	if a.d.Automation.Interval() <= 0 {
		a.l.Info("automation interval not set, running a single batch")
		_, err := a.RunBatch(ctx)
		return err
	}

	if a.cfg.Log.Collector.Enabled && a.d.Producer != nil {
		a.l.AddCollector(&applogger.CollectionConfig{
			TimeInterval:   a.cfg.Log.Collector.Interval,
			CountThreshold: a.cfg.Log.Collector.Threshold,
			Topic:          a.cfg.Log.Collector.Topic,
			Publisher:      a.d.Producer,
		})
		a.l.Info("log collector started", applogger.String("topic", a.cfg.Log.Collector.Topic))
	}

	if err := a.d.Feed.Start(ctx); err != nil {
		return fmt.Errorf("start feed: %w", err)
	}

	if a.d.Consumer != nil && a.d.TicksHandler != nil {
		a.d.Consumer.RegisterHandler(a.d.TicksHandler)
		if err := a.d.Consumer.Start(); err != nil {
			a.l.Error("kafka consumer start error", applogger.Error(err))
			return errors.Join(err, a.Shutdown(context.Background()))
		}
		a.l.Info("kafka consumer started", applogger.String("topic", a.d.TicksHandler.Topic()))
	}

	a.http = xhttp.NewServer(a.d.Handler, a.serverOptions()...)
	if err := a.http.Start(); err != nil {
		a.l.Error("http server start error", applogger.Error(err))
		return errors.Join(err, a.Shutdown(context.Background()))
	}

	if err := a.d.Automation.Start(ctx); err != nil {
		return errors.Join(err, a.Shutdown(context.Background()))
	}

	<-ctx.Done()
	a.l.Info("shutdown signal received")
	return a.Shutdown(context.Background())
}

// RunBatch performs exactly one automation pass and releases every resource.
func (a *App) RunBatch(ctx context.Context) (models.RunStats, error) {
	if err := a.d.Feed.Start(ctx); err != nil {
		return models.RunStats{}, fmt.Errorf("start feed: %w", err)
	}
	stats, err := a.d.Automation.RunOnce(ctx)
	if err != nil {
		a.l.Error("batch run failed", applogger.Error(err))
	}
	return stats, errors.Join(err, a.Shutdown(context.Background()))
}

// CloseSignal closes one signal by hand outside the automation loop.
func (a *App) CloseSignal(ctx context.Context, cmd usecase.CloseCommand) (models.Signal, error) {
	sig, err := a.d.Closer.Close(ctx, cmd)
	return sig, errors.Join(err, a.Shutdown(context.Background()))
}

func (a *App) serverOptions() []xhttp.ServerOption {
	opts := []xhttp.ServerOption{
		xhttp.WithLogger(a.l),
		xhttp.WithHost(a.cfg.Server.Host),
		xhttp.WithPort(a.cfg.Server.Port),
		xhttp.WithTimeouts(a.cfg.Server.ReadTimeout, a.cfg.Server.WriteTimeout, a.cfg.Server.ShutdownTimeout),
		xhttp.WithCORS(a.cfg.Server.CORS),
		xhttp.WithHealthCheck("store", a.d.Store.Health),
	}
	if a.cfg.Metrics.Enabled {
		opts = append(opts, xhttp.WithMetricsPath(a.cfg.Metrics.Path))
	} else {
		opts = append(opts, xhttp.WithMetricsPath(""))
	}
	if a.d.ClickHouse != nil {
		opts = append(opts, xhttp.WithHealthCheck("clickhouse", a.d.ClickHouse.Health))
	}
	if rc, ok := a.d.Cache.(*cache.RedisCache); ok {
		opts = append(opts, xhttp.WithHealthCheck("redis", func(ctx context.Context) error {
			return rc.Client().Ping(ctx).Err()
		}))
	}
	return opts
}

// Shutdown stops every component in reverse start order. It is safe to call
// more than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() { a.shutdownErr = a.shutdown(ctx) })
	return a.shutdownErr
}

func (a *App) shutdown(ctx context.Context) error {
	a.l.Info("shutting down...")
	var errs []error

	a.d.Automation.Stop()

	if a.http != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.Server.ShutdownTimeout)
		if err := a.http.Stop(shutdownCtx); err != nil {
			a.l.Error("http shutdown error", applogger.Error(err))
			errs = append(errs, err)
		}
		cancel()
	}

	if a.d.Consumer != nil {
		stopCtx, cancel := context.WithTimeout(ctx, a.cfg.Server.ShutdownTimeout)
		if err := a.d.Consumer.Stop(stopCtx); err != nil {
			a.l.Warn("kafka consumer stop error", applogger.Error(err))
		}
		cancel()
	}

	if err := a.d.Feed.Stop(); err != nil {
		a.l.Warn("feed stop error", applogger.Error(err))
	}

	a.l.RemoveCollector()

	if err := a.d.Publisher.Close(); err != nil {
		a.l.Warn("event publisher close error", applogger.Error(err))
	}
	if a.d.Producer != nil {
		if err := a.d.Producer.Close(); err != nil {
			a.l.Warn("kafka producer close error", applogger.Error(err))
		}
	}
	if err := a.d.Store.Close(); err != nil {
		a.l.Warn("signal store close error", applogger.Error(err))
	}
	if a.d.ClickHouse != nil {
		if err := a.d.ClickHouse.Close(); err != nil {
			a.l.Warn("clickhouse close error", applogger.Error(err))
		}
	}
	if a.d.Cache != nil {
		if err := a.d.Cache.Close(); err != nil {
			a.l.Warn("cache close error", applogger.Error(err))
		}
	}

	a.l.Info("shutdown complete")
	return errors.Join(errs...)
}
