package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/flitsinc/go-relay/internal/filter"
	"github.com/flitsinc/go-relay/internal/middleware"
	"github.com/flitsinc/go-relay/internal/reconcile"
	"github.com/flitsinc/go-relay/internal/relay"
	"github.com/flitsinc/go-relay/internal/subscription"
)

// File is the YAML relay configuration.
type File struct {
	Info      Info      `yaml:"info"`
	Limits    Limits    `yaml:"limits"`
	Auth      Auth      `yaml:"auth"`
	RateLimit RateLimit `yaml:"rate_limit"`
	Policy    Policy    `yaml:"policy"`
	Private   []int     `yaml:"private_kinds"`
	Tenants   Tenants   `yaml:"tenants"`
	Sync      Sync      `yaml:"sync"`
}

// Info feeds the NIP-11 relay information document.
type Info struct {
	Name        string `yaml:"name" json:"name,omitempty"`
	Description string `yaml:"description" json:"description,omitempty"`
	Pubkey      string `yaml:"pubkey" json:"pubkey,omitempty"`
	Contact     string `yaml:"contact" json:"contact,omitempty"`
}

type Limits struct {
	MaxSubscriptions int           `yaml:"max_subscriptions"`
	MaxFilters       int           `yaml:"max_filters"`
	MaxFilterValues  int           `yaml:"max_filter_values"`
	DefaultLimit     int           `yaml:"default_limit"`
	MaxLimit         int           `yaml:"max_limit"`
	OutboxSize       int           `yaml:"outbox_size"`
	Overflow         string        `yaml:"overflow"`
	CloseGrace       time.Duration `yaml:"close_grace"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	MaxMessageBytes  int64         `yaml:"max_message_bytes"`
}

type Auth struct {
	Mode           string        `yaml:"mode"`
	Window         time.Duration `yaml:"window"`
	ProtectedKinds []int         `yaml:"protected_kinds"`
}

type RateLimit struct {
	EventsPerSecond        float64 `yaml:"events_per_second"`
	EventBurst             int     `yaml:"event_burst"`
	SubscriptionsPerSecond float64 `yaml:"subscriptions_per_second"`
	SubscriptionBurst      int     `yaml:"subscription_burst"`
	MaxViolations          int     `yaml:"max_violations"`
}

// Policy is the hot-reloadable part of the file.
type Policy struct {
	BlockedPubkeys   []string      `yaml:"blocked_pubkeys"`
	AllowedKinds     []int         `yaml:"allowed_kinds"`
	MaxContentLength int           `yaml:"max_content_length"`
	MaxTags          int           `yaml:"max_tags"`
	MaxFutureDrift   time.Duration `yaml:"max_future_drift"`
	MaxAge           time.Duration `yaml:"max_age"`
}

// Tenants is empty when every scope is admitted.
type Tenants struct {
	Allowed []string         `yaml:"allowed"`
	Hosts   bool             `yaml:"hosts"`
	Kinds   map[string][]int `yaml:"kinds"`
}

type Sync struct {
	SecretKey string `yaml:"secret_key"`
	Peers     []Peer `yaml:"peers"`
}

type Peer struct {
	URL       string        `yaml:"url"`
	Scope     string        `yaml:"scope"`
	Direction string        `yaml:"direction"`
	Interval  time.Duration `yaml:"interval"`
	Kinds     []int         `yaml:"kinds"`
	Authors   []string      `yaml:"authors"`
}

func Defaults() File {
	def := relay.DefaultConfig()
	return File{
		Info: Info{Name: "go-relay"},
		Limits: Limits{
			MaxSubscriptions: def.Limits.MaxSubscriptions,
			MaxFilters:       def.Limits.MaxFilters,
			MaxFilterValues:  def.Limits.MaxFilterValues,
			DefaultLimit:     def.DefaultLimit,
			MaxLimit:         def.MaxLimit,
			OutboxSize:       def.OutboxSize,
			Overflow:         def.Overflow.String(),
			CloseGrace:       def.CloseGrace,
			WriteTimeout:     def.WriteTimeout,
			MaxMessageBytes:  512 << 10,
		},
		Auth: Auth{Mode: "off", Window: 10 * time.Minute},
		RateLimit: RateLimit{
			EventsPerSecond:        10,
			EventBurst:             30,
			SubscriptionsPerSecond: 5,
			SubscriptionBurst:      20,
			MaxViolations:          50,
		},
		Policy: Policy{
			MaxContentLength: 64 << 10,
			MaxTags:          2000,
			MaxFutureDrift:   15 * time.Minute,
		},
	}
}

// LoadFile reads path over Defaults. An empty path returns the defaults.
func LoadFile(path string) (File, error) {
	f := Defaults()
	if path == "" {
		return f, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := f.Validate(); err != nil {
		return File{}, fmt.Errorf("config %s: %w", path, err)
	}
	return f, nil
}

// Validate reports every nonsensical value at once.
func (f File) Validate() error {
	var errs error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf(format, args...))
		}
	}
	l := f.Limits
	check(l.MaxSubscriptions >= 0, "limits.max_subscriptions must not be negative")
	check(l.MaxFilters >= 0, "limits.max_filters must not be negative")
	check(l.MaxFilterValues >= 0, "limits.max_filter_values must not be negative")
	check(l.DefaultLimit >= 0, "limits.default_limit must not be negative")
	check(l.MaxLimit >= 0, "limits.max_limit must not be negative")
	check(l.MaxLimit == 0 || l.DefaultLimit <= l.MaxLimit, "limits.default_limit %d exceeds max_limit %d", l.DefaultLimit, l.MaxLimit)
	check(l.OutboxSize >= 0, "limits.outbox_size must not be negative")
	check(l.MaxMessageBytes >= 0, "limits.max_message_bytes must not be negative")
	_, err := f.overflow()
	check(err == nil, "%w", err)
	_, err = f.authMode()
	check(err == nil, "%w", err)

	r := f.RateLimit
	check(r.EventsPerSecond >= 0 && r.SubscriptionsPerSecond >= 0, "rate_limit rates must not be negative")
	check(r.EventBurst >= 0 && r.SubscriptionBurst >= 0, "rate_limit bursts must not be negative")
	check(r.EventsPerSecond == 0 || r.EventBurst > 0, "rate_limit.event_burst must be positive when events_per_second is set")
	check(r.SubscriptionsPerSecond == 0 || r.SubscriptionBurst > 0, "rate_limit.subscription_burst must be positive when subscriptions_per_second is set")

	p := f.Policy
	check(p.MaxContentLength >= 0 && p.MaxTags >= 0, "policy limits must not be negative")
	check(p.MaxFutureDrift >= 0 && p.MaxAge >= 0, "policy durations must not be negative")

	for i, peer := range f.Sync.Peers {
		check(peer.URL != "", "sync.peers[%d].url is required", i)
		_, err := reconcile.ParseDirection(peer.Direction)
		check(err == nil, "sync.peers[%d]: %w", i, err)
		check(peer.Interval >= 0, "sync.peers[%d].interval must not be negative", i)
	}
	return errs
}

var errUnknownValue = errors.New("unknown value")

func (f File) overflow() (relay.OverflowPolicy, error) {
	switch f.Limits.Overflow {
	case "", "drop-oldest":
		return relay.DropOldest, nil
	case "strict":
		return relay.Strict, nil
	}
	return 0, fmt.Errorf("limits.overflow %q: %w", f.Limits.Overflow, errUnknownValue)
}

func (f File) authMode() (middleware.AuthMode, error) {
	switch f.Auth.Mode {
	case "", "off":
		return middleware.AuthOff, nil
	case "optional":
		return middleware.AuthOptional, nil
	case "required":
		return middleware.AuthRequired, nil
	}
	return 0, fmt.Errorf("auth.mode %q: %w", f.Auth.Mode, errUnknownValue)
}

// RelayConfig maps the limits section onto the dispatcher configuration.
// It assumes Validate passed.
func (f File) RelayConfig() relay.Config {
	cfg := relay.DefaultConfig()
	cfg.Limits = subscription.Limits{
		MaxSubscriptions: f.Limits.MaxSubscriptions,
		MaxFilters:       f.Limits.MaxFilters,
		MaxFilterValues:  f.Limits.MaxFilterValues,
	}
	cfg.DefaultLimit = f.Limits.DefaultLimit
	cfg.MaxLimit = f.Limits.MaxLimit
	cfg.OutboxSize = f.Limits.OutboxSize
	cfg.Overflow, _ = f.overflow()
	cfg.CloseGrace = f.Limits.CloseGrace
	cfg.WriteTimeout = f.Limits.WriteTimeout
	return cfg
}

func (f File) AuthConfig(relayURL string) middleware.AuthConfig {
	mode, _ := f.authMode()
	return middleware.AuthConfig{
		Mode:           mode,
		RelayURL:       relayURL,
		Window:         f.Auth.Window,
		ProtectedKinds: f.Auth.ProtectedKinds,
	}
}

func (f File) RateLimitConfig() middleware.RateLimitConfig {
	return middleware.RateLimitConfig(f.RateLimit)
}

func (f File) PolicyConfig() middleware.PolicyConfig {
	return middleware.PolicyConfig(f.Policy)
}

func (f File) TenantsConfig() middleware.TenantsConfig {
	return middleware.TenantsConfig{Allowed: f.Tenants.Allowed, Kinds: f.Tenants.Kinds}
}

// Filter is the sync filter of a peer.
func (p Peer) Filter() filter.Filter {
	return filter.Filter{Kinds: p.Kinds, Authors: p.Authors}
}
