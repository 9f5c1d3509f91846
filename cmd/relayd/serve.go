package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/flitsinc/go-relay/internal/api"
	"github.com/flitsinc/go-relay/internal/config"
	"github.com/flitsinc/go-relay/internal/middleware"
	"github.com/flitsinc/go-relay/internal/reconcile"
	"github.com/flitsinc/go-relay/internal/relay"
	"github.com/flitsinc/go-relay/internal/restart"
	"github.com/flitsinc/go-relay/internal/store"
	"github.com/flitsinc/go-relay/internal/web"
)

const defaultSyncInterval = 5 * time.Minute

// units holds the middleware that must be reachable after startup.
type units struct {
	policy  *middleware.Policy
	tenants *middleware.Tenants
}

func buildChain(cfg config.Config, file config.File) (*middleware.Chain, units) {
	var u units
	var list []middleware.Unit
	if len(file.Tenants.Allowed) > 0 {
		u.tenants = middleware.NewTenants(file.TenantsConfig())
		list = append(list, u.tenants)
	}
	list = append(list,
		middleware.NewAuth(file.AuthConfig(cfg.RelayURL), nil),
		middleware.NewRateLimit(file.RateLimitConfig(), nil),
	)
	u.policy = middleware.NewPolicy(file.PolicyConfig(), nil)
	list = append(list, u.policy)
	if len(file.Private) > 0 {
		list = append(list, middleware.NewPrivateKinds(file.Private...))
	}
	return middleware.NewChain(list...), u
}

func openRelay(cfg config.Config, file config.File, logger *zap.Logger) (*relay.Dispatcher, *store.SQLite, units) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Fatal("create data dir", zap.Error(err))
	}
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Fatal("open db", zap.String("path", cfg.DBPath), zap.Error(err))
	}
	st := store.NewSQLite(db)
	chain, u := buildChain(cfg, file)
	d, err := relay.New(st, chain, file.RelayConfig(), relay.WithLogger(logger))
	if err != nil {
		_ = st.Close()
		logger.Fatal("create relay", zap.Error(err))
	}
	return d, st, u
}

func serve(cfg config.Config, file config.File, logger *zap.Logger) {
	d, st, u := openRelay(cfg, file, logger)
	defer st.Close()

	watcher := config.NewWatcher(cfg.ConfigFile, file, logger)
	watcher.OnPolicy(func(f config.File) {
		u.policy.SetBlocked(f.Policy.BlockedPubkeys)
		if u.tenants != nil {
			u.tenants.Update(f.TenantsConfig())
		}
	})
	if cfg.ConfigFile != "" {
		stopWatch, err := watcher.Watch()
		if err != nil {
			logger.Warn("config hot reload disabled", zap.Error(err))
		} else {
			defer stopWatch()
		}
	}

	syncCtx, stopSync := context.WithCancel(context.Background())
	var syncs sync.WaitGroup
	for _, peer := range file.Sync.Peers {
		syncs.Add(1)
		go func() {
			defer syncs.Done()
			runPeer(syncCtx, peer, file.Sync.SecretKey, st, d, logger)
		}()
	}

	listener, inherited, err := restart.Listen(cfg.HTTPAddr)
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}

	var httpServer *http.Server
	serverCtx, serverCancel := context.WithCancel(context.Background())

	restarter := &restart.Restarter{
		Listener: listener,
		Args:     os.Args,
		Env:      os.Environ(),
		Log:      logger,
	}
	var restartOnce sync.Once
	restartFn := func() error {
		if err := restarter.Restart(); err != nil {
			return err
		}
		restartOnce.Do(func() {
			go func() {
				time.Sleep(750 * time.Millisecond)
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = d.Shutdown(ctx, "restarting")
				_ = httpServer.Shutdown(ctx)
				os.Exit(0)
			}()
		})
		return nil
	}

	var hostTenants []string
	if file.Tenants.Hosts {
		hostTenants = file.Tenants.Allowed
	}
	chain := d.Chain()
	var unitNames []string
	for _, unit := range chain.Units() {
		unitNames = append(unitNames, unit.Name())
	}

	apiServer := &api.Server{
		Relay:           d,
		Info:            api.NewRelayInfo(file.Info, d.Config(), chain, file.Limits.MaxMessageBytes),
		Tenants:         api.NewTenantResolver(cfg.TenantSecret, hostTenants),
		Web:             (&web.Server{Dir: cfg.WebDir, Name: file.Info.Name, Description: file.Info.Description, URL: cfg.RelayURL}).Handler(),
		MaxMessageBytes: file.Limits.MaxMessageBytes,
		AdminToken:      cfg.AdminToken,
		Restart:         restartFn,
		StartedAt:       time.Now(),
		Diagnostics: api.DiagnosticsInfo{
			HTTPAddr:   cfg.HTTPAddr,
			DataDir:    cfg.DataDir,
			DBPath:     cfg.DBPath,
			WebDir:     cfg.WebDir,
			ConfigFile: cfg.ConfigFile,
			AuthMode:   chain.AuthMode().String(),
			Units:      unitNames,
		},
		Log: logger,
	}

	httpServer = &http.Server{
		Handler:           api.AccessLog(logger, apiServer.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return serverCtx
		},
	}

	go func() {
		logger.Info("relayd listening", zap.Stringer("addr", listener.Addr()), zap.Bool("inherited", inherited))
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range stop {
		if sig != syscall.SIGHUP {
			logger.Info("shutting down", zap.Stringer("signal", sig))
			break
		}
		if err := restartFn(); err != nil {
			logger.Error("restart failed", zap.Error(err))
			continue
		}
		logger.Info("restart requested")
	}

	stopSync()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Shutdown(ctx, "shutting down"); err != nil {
		logger.Warn("relay shutdown", zap.Error(err))
	}
	serverCancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("server shutdown error", zap.Error(err))
	}
	_ = httpServer.Close()
	syncs.Wait()
}

// runPeer syncs with one configured peer until ctx is done.
func runPeer(ctx context.Context, p config.Peer, secretKey string, st store.Store, d *relay.Dispatcher, logger *zap.Logger) {
	dir, err := reconcile.ParseDirection(p.Direction)
	if err != nil {
		logger.Error("skip sync peer", zap.String("peer", p.URL), zap.Error(err))
		return
	}
	interval := p.Interval
	if interval <= 0 {
		interval = defaultSyncInterval
	}
	log := logger.With(zap.String("peer", p.URL), zap.String("scope", p.Scope))
	reconcile.Periodic(ctx, nil, interval, func(ctx context.Context) {
		peer, err := reconcile.DialRelay(ctx, p.URL, reconcile.PeerOptions{SecretKey: secretKey, Log: log})
		if err != nil {
			log.Warn("dial sync peer", zap.Error(err))
			return
		}
		defer peer.Close()
		s := reconcile.Session{
			Scope:     p.Scope,
			Filter:    p.Filter(),
			Store:     st,
			Ingester:  d,
			Peer:      peer,
			Direction: dir,
			Log:       log,
		}
		if _, err := s.Run(ctx); err != nil && ctx.Err() == nil {
			log.Warn("sync failed", zap.Error(err))
		}
	})
}
