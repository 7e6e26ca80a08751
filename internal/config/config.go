// Package config holds the process-wide tunables every component reads
// from, exposed as an atomically-swappable snapshot so the CLI layer can
// apply flag overrides once at startup without passing a config object
// through every constructor.
package config

import (
	"os"
	"sync/atomic"
	"time"
)

// Config is an immutable snapshot of runtime tunables. Callers obtain one
// via Load and should not mutate it; to change settings, build a new
// Config and call Swap or Update.
type Config struct {
	// Peer session (spec §4.3/§4.5).
	ConnectTimeout    time.Duration
	ReadTimeout       time.Duration
	SessionIdleTimeout time.Duration
	BitfieldSkipLimit int
	SessionMaxRetries int
	SessionRetryUnit  time.Duration

	// Tracker (spec §4.7).
	HTTPConnectTimeout time.Duration
	HTTPTotalTimeout   time.Duration
	UDPTimeout         time.Duration
	TrackerMaxRetries  int

	// Swarm driver (spec §4.6).
	StallTimeout      time.Duration
	StallTimeoutFinal time.Duration
	PollInterval      time.Duration
	PollIntervalFinal time.Duration
	TrackerPause      time.Duration
	MaxTrackerRounds  int
	MaxOutboundDials  int

	// Identity and filesystem defaults.
	PeerIDPrefix      string
	DefaultOutputDir  string
}

// Default returns the configuration specified by the source behavior
// documented in spec.md §4–§7.
func Default() Config {
	return Config{
		ConnectTimeout:     15 * time.Second,
		ReadTimeout:        30 * time.Second,
		SessionIdleTimeout: 120 * time.Second,
		BitfieldSkipLimit:  100,
		SessionMaxRetries:  5,
		SessionRetryUnit:   2 * time.Second,

		HTTPConnectTimeout: 5 * time.Second,
		HTTPTotalTimeout:   10 * time.Second,
		UDPTimeout:         8 * time.Second,
		TrackerMaxRetries:  10,

		StallTimeout:      30 * time.Second,
		StallTimeoutFinal: 60 * time.Second,
		PollInterval:      time.Second,
		PollIntervalFinal: 500 * time.Millisecond,
		TrackerPause:      10 * time.Second,
		MaxTrackerRounds:  10,
		MaxOutboundDials:  40,

		PeerIDPrefix:     "-RB0001-",
		DefaultOutputDir: defaultDownloadDir(),
	}
}

// defaultDownloadDir picks a fallback output directory when the CLI
// caller doesn't specify one: the user's home directory, else the
// current working directory, else ".". It does not branch on the OS.
func defaultDownloadDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}

var global atomic.Value

// Init installs cfg as the process-wide configuration. Must be called
// once before any component calls Load.
func Init(cfg Config) { global.Store(cfg) }

// Load returns the current configuration snapshot.
func Load() Config {
	v := global.Load()
	if v == nil {
		return Default()
	}
	return v.(Config)
}

// Update atomically replaces the configuration with the result of
// mutating a copy of the current one.
func Update(mutate func(*Config)) {
	cfg := Load()
	mutate(&cfg)
	global.Store(cfg)
}

// Swap installs next as the current configuration, discarding the prior
// snapshot.
func Swap(next Config) { global.Store(next) }
