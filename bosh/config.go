package bosh

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config bounds the parameters a client may negotiate. Zero values are
// replaced by the defaults in the env tags.
type Config struct {
	// MaxConnections caps the held connections per session and is the
	// upper bound for the negotiated hold.
	MaxConnections int `env:"BOSH_MAX_CONNECTIONS,default=2"`
	// WindowSize is the number of rids ahead of or behind the current rid
	// the server accepts.
	WindowSize           int           `env:"BOSH_WINDOW_SIZE,default=2"`
	DefaultWait          time.Duration `env:"BOSH_DEFAULT_WAIT,default=60s"`
	MaxWait              time.Duration `env:"BOSH_MAX_WAIT,default=120s"`
	DefaultInactivity    time.Duration `env:"BOSH_DEFAULT_INACTIVITY,default=70s"`
	MaxInactivity        time.Duration `env:"BOSH_MAX_INACTIVITY,default=160s"`
	MaxStreamsPerSession int           `env:"BOSH_MAX_STREAMS_PER_SESSION,default=8"`
	// LegacyClient includes sid on empty timeout bodies until the first
	// response has been sent, for clients that expect it there.
	LegacyClient bool `env:"BOSH_LEGACY_CLIENT,default=false"`
}

// DefaultConfig returns the built-in limits.
func DefaultConfig() Config { return Config{}.withDefaults() }

// ConfigFromEnv reads BOSH_* variables. Unset variables fall back to the
// defaults.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode bosh config: %w", err)
	}
	return cfg.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 2
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 2
	}
	if c.DefaultWait <= 0 {
		c.DefaultWait = 60 * time.Second
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 120 * time.Second
	}
	if c.DefaultWait > c.MaxWait {
		c.DefaultWait = c.MaxWait
	}
	if c.DefaultInactivity <= 0 {
		c.DefaultInactivity = 70 * time.Second
	}
	if c.MaxInactivity <= 0 {
		c.MaxInactivity = 160 * time.Second
	}
	if c.DefaultInactivity > c.MaxInactivity {
		c.DefaultInactivity = c.MaxInactivity
	}
	if c.MaxStreamsPerSession <= 0 {
		c.MaxStreamsPerSession = 8
	}
	return c
}

func (c Config) negotiateWait(requested *int) time.Duration {
	if requested == nil || *requested <= 0 {
		return c.DefaultWait
	}
	return min(time.Duration(*requested)*time.Second, c.MaxWait)
}

// negotiateHold leaves one pool slot above hold, so a client keeping hold+1
// requests outstanding stays within MaxConnections.
func (c Config) negotiateHold(requested *int) int {
	limit := max(c.MaxConnections-1, 1)
	if requested == nil || *requested < 1 {
		return 1
	}
	return min(*requested, limit)
}

func (c Config) negotiateInactivity(requested *int) time.Duration {
	if requested == nil || *requested <= 0 {
		return c.DefaultInactivity
	}
	return min(time.Duration(*requested)*time.Second, c.MaxInactivity)
}

// protocolVersion is the highest XEP-0124 version implemented.
const protocolVersion = "1.6"

// negotiateVersion picks the highest supported version not above the
// client's. Unparseable or missing versions get ours.
func negotiateVersion(client string) string {
	cMaj, cMin, ok := parseVersion(client)
	if !ok {
		return protocolVersion
	}
	sMaj, sMin, _ := parseVersion(protocolVersion)
	if cMaj < sMaj || (cMaj == sMaj && cMin < sMin) {
		return client
	}
	return protocolVersion
}

func parseVersion(v string) (major, minor int, ok bool) {
	a, b, found := strings.Cut(v, ".")
	if !found {
		return 0, 0, false
	}
	major, err := strconv.Atoi(a)
	if err != nil {
		return 0, 0, false
	}
	minor, err = strconv.Atoi(b)
	if err != nil {
		return 0, 0, false
	}
	return major, minor, true
}

func seconds(d time.Duration) string {
	return strconv.FormatInt(int64(d/time.Second), 10)
}
