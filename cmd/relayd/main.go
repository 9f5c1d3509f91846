package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docopt/docopt-go"
	"go.uber.org/zap"

	"github.com/flitsinc/go-relay/internal/api"
	"github.com/flitsinc/go-relay/internal/config"
	"github.com/flitsinc/go-relay/internal/logging"
)

const usage = `Nostr relay.

Settings come from RELAY_* environment variables (and .env); limits and
policy come from the YAML file named by RELAY_CONFIG.

Usage:
    relayd [serve]
    relayd sync <url> [--scope=<scope>] [--direction=<direction>] [--kinds=<kinds>]
    relayd token <tenant> [--ttl=<ttl>]
    relayd -h | --help
    relayd --version

Options:
    -h --help                Show this screen.
    --version                Show version.
    --scope=<scope>          Local scope to sync, the default scope when omitted.
    --direction=<direction>  both, down or up [default: both].
    --kinds=<kinds>          Comma separated kinds to sync, all when empty.
    --ttl=<ttl>              Token lifetime, 0 for no expiry [default: 720h].`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], api.Version)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	cfg := config.Load()

	if token, _ := opts.Bool("token"); token {
		issueToken(cfg, opts)
		return
	}

	file, err := config.LoadFile(cfg.ConfigFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if syncCmd, _ := opts.Bool("sync"); syncCmd {
		syncOnce(cfg, file, opts, logger)
		return
	}
	serve(cfg, file, logger)
}

func issueToken(cfg config.Config, opts docopt.Opts) {
	tenant, _ := opts.String("<tenant>")
	ttlStr, _ := opts.String("--ttl")
	ttl, err := time.ParseDuration(ttlStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid --ttl: %v\n", err)
		os.Exit(2)
	}
	token, err := api.IssueToken(cfg.TenantSecret, tenant, ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}

func parseKinds(s string) ([]int, error) {
	var kinds []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("kind %q: %w", part, err)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

func printJSON(logger *zap.Logger, v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		logger.Error("write output", zap.Error(err))
	}
}
