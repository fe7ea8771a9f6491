// Package app wires configuration, storage, the delivery client, the
// publisher and its surfaces into one process with hot config reload.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"autopost/internal/admin"
	"autopost/internal/config"
	"autopost/internal/eventbus"
	"autopost/internal/metrics"
	"autopost/internal/observability/pprof"
	"autopost/internal/publisher"
	"autopost/internal/storage"
	"autopost/internal/sweep"
	"autopost/internal/xapi"
	logx "autopost/pkg/logx"
)

const defaultMetricsAddr = "127.0.0.1:9090"

type App struct {
	cfgm  *config.Manager
	log   logx.Logger
	logs  *logx.Service
	stats *metrics.Collector
	bus   eventbus.Bus

	store    storage.Store
	pub      *publisher.Service
	sweeper  *sweep.Service
	adminSrv *admin.Server
	profiler *pprof.Service

	// mu guards the verification state shown on /status and the
	// metrics listener swap.
	mu       sync.Mutex
	verified bool
	authErr  string
	msrv     *http.Server
	maddr    string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLogging(cfg.Logging))
	log = log.With(logx.String("comp", "app"))

	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{Path: cfg.Storage.Path, BusyTimeout: busy},
		logs.Logger().With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	stats := metrics.New()
	bus := eventbus.New()
	pub := publisher.New(mapShare(cfg.Share), store, storage.AsSource(store),
		logs.Logger().With(logx.String("comp", "publisher")), stats, bus)

	a := &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logs,
		stats: stats,
		bus:   bus,
		store: store,
		pub:   pub,
	}
	a.sweeper = sweep.New(a.runSweep, logs.Logger().With(logx.String("comp", "sweep")))
	a.adminSrv = admin.NewServer(pub, store, a.status, logs.Logger())
	a.profiler = pprof.New(logs.Logger())
	return a, nil
}

// Publisher exposes the orchestrator for embedding callers.
func (a *App) Publisher() *publisher.Service { return a.pub }

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	cfg := a.cfgm.Get()

	// A bad credential set must not keep the daemon down; the failure is
	// recorded and shown on /status instead.
	if cfg.API.Configured() {
		a.connect(runCtx, cfg.API)
	} else {
		a.log.Info("api credentials not configured; deliveries disabled until set")
	}

	interval, err := cfg.Share.SweepInterval()
	if err != nil {
		cancel()
		return err
	}
	a.sweeper.Start(runCtx, interval)
	a.adminSrv.Apply(runCtx, cfg.Admin)
	a.profiler.Apply(runCtx, mapPprof(cfg.Pprof))
	a.applyMetrics(cfg.Metrics)

	a.cfgm.SetLogger(a.logs.Logger().With(logx.String("comp", "config")))

	// Debug trace of pipeline events; components can also subscribe
	// themselves.
	events, unsubEvents := a.bus.Subscribe(128)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer unsubEvents()
		for {
			select {
			case <-runCtx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event",
					logx.String("type", e.Type), logx.Int64("content_id", e.ContentID))
			}
		}
	}()

	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(runCtx, sub, cfg)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	a.log.Info("started", logx.String("storage", cfg.Storage.Path))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}

	a.sweeper.Stop()
	a.adminSrv.Stop(ctx)
	a.profiler.Stop(ctx)

	a.mu.Lock()
	msrv := a.msrv
	a.msrv = nil
	a.maddr = ""
	a.mu.Unlock()
	if msrv != nil {
		shCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		_ = msrv.Shutdown(shCtx)
		cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		a.log.Warn("background loops did not stop in time")
	}

	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close", logx.Err(err))
	}

	a.log.Info("stopped")
	return a.logs.Close()
}

// runSweep is the cron callback. Outcomes are summarized at info level;
// per-item details stay at debug.
func (a *App) runSweep(ctx context.Context) {
	results, err := a.pub.ProcessPending(ctx)
	if err != nil {
		a.log.Warn("sweep failed", logx.Err(err))
		return
	}
	ok, failed := 0, 0
	for _, r := range results {
		if r.Status == "success" {
			ok++
		} else {
			failed++
			a.log.Debug("sweep item failed",
				logx.Int64("content_id", r.ID), logx.String("msg", r.Message))
		}
	}
	if len(results) > 0 {
		a.log.Info("sweep done", logx.Int("delivered", ok), logx.Int("failed", failed))
	}
}

// connect builds and verifies the delivery client, recording the outcome
// for the status surface. Credential values themselves are never logged.
func (a *App) connect(ctx context.Context, api config.APIConfig) {
	opts := []xapi.Option{}
	if api.RatePerSec > 0 && api.Burst > 0 {
		opts = append(opts, xapi.WithRateLimit(api.RatePerSec, api.Burst))
	}
	client, err := xapi.New(ctx, xapi.Credentials{
		Key:         api.Key,
		Secret:      api.Secret,
		Token:       api.Token,
		TokenSecret: api.TokenSecret,
	}, a.logs.Logger().With(logx.String("comp", "xapi")), opts...)

	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.verified = false
		a.authErr = err.Error()
		a.pub.SetClient(nil)
		a.log.Warn("credential verification failed", logx.Err(err))
		return
	}
	a.verified = true
	a.authErr = ""
	a.pub.SetClient(client)
	a.log.Info("credentials verified")
}

func (a *App) disconnect() {
	a.mu.Lock()
	a.verified = false
	a.authErr = ""
	a.mu.Unlock()
	a.pub.SetClient(nil)
}

func (a *App) status() admin.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return admin.Status{
		Configured: a.pub.Configured(),
		Verified:   a.verified,
		AuthError:  a.authErr,
	}
}

// applyMetrics starts, stops or rebinds the Prometheus listener.
func (a *App) applyMetrics(cfg config.MetricsConfig) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = defaultMetricsAddr
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !cfg.Enabled {
		if a.msrv != nil {
			shCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = a.msrv.Shutdown(shCtx)
			cancel()
			a.msrv = nil
			a.maddr = ""
		}
		return
	}
	if a.msrv != nil && a.maddr == addr {
		return
	}
	if a.msrv != nil {
		shCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = a.msrv.Shutdown(shCtx)
		cancel()
		a.msrv = nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", a.stats.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		a.log.Warn("metrics listen failed", logx.String("addr", addr), logx.Err(err))
		return
	}
	a.msrv = srv
	a.maddr = addr
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics server stopped", logx.Err(err))
		}
	}()
	a.log.Info("metrics listening", logx.String("addr", addr))
}

// reloadLoop applies hot config changes. Bursts are coalesced so only
// the newest config is applied.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config, last *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
					continue
				default:
				}
				break
			}
			a.applyConfig(ctx, last, newCfg)
			last = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLogging(newCfg.Logging))
		case "api":
			if newCfg.API.Configured() {
				a.connect(ctx, newCfg.API)
			} else {
				a.disconnect()
				a.log.Info("api credentials cleared; deliveries disabled")
			}
		case "share":
			a.pub.Apply(mapShare(newCfg.Share))
			if interval, err := newCfg.Share.SweepInterval(); err == nil {
				a.sweeper.Apply(interval)
			}
		case "storage":
			a.log.Warn("storage config changed; restart required for changes to take effect")
		case "admin":
			a.adminSrv.Apply(ctx, newCfg.Admin)
		case "pprof":
			a.profiler.Apply(ctx, mapPprof(newCfg.Pprof))
		case "metrics":
			a.applyMetrics(newCfg.Metrics)
		}
	}

	a.log.Info("config reloaded", fields...)
}

func mapLogging(lc config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
	}
}

func mapPprof(pc config.PprofConfig) pprof.Config {
	return pprof.Config{Enabled: pc.Enabled, Addr: pc.Addr, Token: pc.Token}
}

func mapShare(sc config.ShareConfig) publisher.Config {
	return publisher.Config{
		Template:          sc.Template,
		AllowedCategories: sc.Categories,
		AutoShare:         sc.AutoShare,
		RetryCap:          sc.RetryMax,
		SweepLimit:        sc.BatchLimit,
	}
}
