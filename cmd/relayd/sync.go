package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"go.uber.org/zap"

	"github.com/flitsinc/go-relay/internal/config"
	"github.com/flitsinc/go-relay/internal/filter"
	"github.com/flitsinc/go-relay/internal/reconcile"
)

// syncOnce reconciles the local database with one relay and prints the
// resulting counts.
func syncOnce(cfg config.Config, file config.File, opts docopt.Opts, logger *zap.Logger) {
	url, _ := opts.String("<url>")
	scope, _ := opts.String("--scope")
	dirStr, _ := opts.String("--direction")
	kindsStr, _ := opts.String("--kinds")

	dir, err := reconcile.ParseDirection(dirStr)
	if err != nil {
		logger.Fatal("invalid --direction", zap.Error(err))
	}
	kinds, err := parseKinds(kindsStr)
	if err != nil {
		logger.Fatal("invalid --kinds", zap.Error(err))
	}

	d, st, _ := openRelay(cfg, file, logger)
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	peer, err := reconcile.DialRelay(ctx, url, reconcile.PeerOptions{SecretKey: file.Sync.SecretKey, Log: logger})
	if err != nil {
		logger.Error("dial", zap.Error(err))
		os.Exit(1)
	}
	s := reconcile.Session{
		Scope:     scope,
		Filter:    filter.Filter{Kinds: kinds},
		Store:     st,
		Ingester:  d,
		Peer:      peer,
		Direction: dir,
		Log:       logger,
	}
	stats, err := s.Run(ctx)
	_ = peer.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = d.Shutdown(shutdownCtx, "sync finished")

	printJSON(logger, stats)
	if err != nil {
		logger.Error("sync failed", zap.Error(err))
		os.Exit(1)
	}
}
