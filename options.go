package dunlite

import (
	"time"
)

type engineConfig struct {
	path       string
	db         Database
	logger     Logger
	scheduler  RetryScheduler
	gateway    PaymentGateway
	clock      func() time.Time
	thresholds AdaptiveThresholds

	windowWidth    time.Duration
	skewHorizon    time.Duration
	mirrorTTL      time.Duration
	gatewayTimeout time.Duration
}

type engineOption func(*engineConfig)

// WithPath stores durable state in a sqlite file at path.
func WithPath(path string) engineOption {
	return func(c *engineConfig) {
		c.path = path
		c.db = nil
	}
}

// WithMemory keeps durable state in process memory. Handy for tests and
// throwaway runs; nothing survives a restart.
func WithMemory() engineOption {
	return func(c *engineConfig) {
		c.path = ""
		c.db = NewMemoryDatabase()
	}
}

// WithDatabase plugs in a caller-owned Database.
func WithDatabase(db Database) engineOption {
	return func(c *engineConfig) {
		c.db = db
	}
}

func WithLogger(logger Logger) engineOption {
	return func(c *engineConfig) {
		c.logger = logger
	}
}

// WithScheduler replaces the default gocron scheduler, mostly so tests can
// fire retries by hand.
func WithScheduler(s RetryScheduler) engineOption {
	return func(c *engineConfig) {
		c.scheduler = s
	}
}

// WithGateway wires the payment execution collaborator. Required.
func WithGateway(g PaymentGateway) engineOption {
	return func(c *engineConfig) {
		c.gateway = g
	}
}

// WithClock fixes the engine clock. Tests use this to place outcomes in
// known window buckets.
func WithClock(clock func() time.Time) engineOption {
	return func(c *engineConfig) {
		c.clock = clock
	}
}

// WithAdaptiveThresholds overrides the SuccessRateAdaptive tuning.
func WithAdaptiveThresholds(t AdaptiveThresholds) engineOption {
	return func(c *engineConfig) {
		c.thresholds = t
	}
}

func WithWindowWidth(width time.Duration) engineOption {
	return func(c *engineConfig) {
		c.windowWidth = width
	}
}

func WithSkewHorizon(horizon time.Duration) engineOption {
	return func(c *engineConfig) {
		c.skewHorizon = horizon
	}
}

func WithMirrorTTL(ttl time.Duration) engineOption {
	return func(c *engineConfig) {
		c.mirrorTTL = ttl
	}
}

func WithGatewayTimeout(timeout time.Duration) engineOption {
	return func(c *engineConfig) {
		c.gatewayTimeout = timeout
	}
}
