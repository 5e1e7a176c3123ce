// Package conf holds the tunable options consulted by the path manager and
// the virtual device dispatcher. Options are read at call time through a
// Store, never cached by the callers, so a running system picks up updates
// on the next operation.
package conf

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Duration is a [time.Duration] that unmarshals from either a duration
// string ("400ms") or a bare integer millisecond count.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	// the integer form must be tried first: yaml happily hands a bare scalar
	// like 1000 over as the string "1000", which ParseDuration rejects
	var ms int64
	if err := unmarshal(&ms); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", s)
	}
	*d = Duration(v)
	return nil
}

// Config is one consistent snapshot of the disk options.
type Config struct {
	// ResetMaxRetries bounds how many times a target reset is reissued while
	// outstanding commands drain before it is forced complete.
	ResetMaxRetries int `yaml:"resetMaxRetries"`
	// ResetPeriod is the time allowed for a drain before a reset is reissued.
	ResetPeriod Duration `yaml:"resetPeriod"`
	// MinResetWorkers/MaxResetWorkers bound the blocking reset worker pool.
	MinResetWorkers int `yaml:"minResetWorkers"`
	MaxResetWorkers int `yaml:"maxResetWorkers"`
	// ResetWorkerExpires is the idle time after which a worker beyond the
	// minimum pool size exits.
	ResetWorkerExpires Duration `yaml:"resetWorkerExpires"`
	// ResetLatency is the watchdog scan period.
	ResetLatency Duration `yaml:"resetLatency"`
	// MaxResetLatency is the overdue threshold past which the watchdog spawns
	// extra workers.
	MaxResetLatency Duration `yaml:"maxResetLatency"`
	// OverdueResetLogPeriod rate-limits overdue-reset warnings.
	OverdueResetLogPeriod Duration `yaml:"overdueResetLogPeriod"`

	// DelayOnBusy, when nonzero, delays delivery of BUSY and NO_CONNECT
	// completions by this much to damp guest retry storms.
	DelayOnBusy Duration `yaml:"delayOnBusy"`

	// ResetOnFailover forces a bus reset whenever the active path moves to a
	// different adapter, reservation or not.
	ResetOnFailover bool `yaml:"resetOnFailover"`
	// PathEvalTime is the period of the background path health sweep.
	PathEvalTime Duration `yaml:"pathEvalTime"`
	// SVCNotReadyRetries is how many consecutive NOT READY probe results an
	// SVC-class path tolerates before it is declared dead.
	SVCNotReadyRetries int `yaml:"svcNotReadyRetries"`

	// ActivePassiveFailoverModels supplements the built-in table of array
	// models that require manual controller switchover. Entries are matched
	// against the INQUIRY vendor+model string by prefix.
	ActivePassiveFailoverModels []string `yaml:"activePassiveFailoverModels"`
}

// Default returns the shipped option values.
func Default() *Config {
	return &Config{
		ResetMaxRetries:       5,
		ResetPeriod:           Duration(30 * time.Second),
		MinResetWorkers:       1,
		MaxResetWorkers:       8,
		ResetWorkerExpires:    Duration(10 * time.Minute),
		ResetLatency:          Duration(time.Second),
		MaxResetLatency:       Duration(10 * time.Second),
		OverdueResetLogPeriod: Duration(time.Minute),
		DelayOnBusy:           Duration(400 * time.Millisecond),
		ResetOnFailover:       false,
		PathEvalTime:          Duration(5 * time.Minute),
		SVCNotReadyRetries:    12,
	}
}

// Load reads a YAML option file and overlays it on the defaults. Fields
// absent from the file keep their default values.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	c := Default()
	if err := yaml.UnmarshalStrict(b, c); err != nil {
		return nil, errors.Wrapf(err, "parse config %q", path)
	}
	return c, nil
}

// Store hands out the current Config snapshot. Readers call Current on every
// decision; Update swaps in a new snapshot atomically.
type Store struct {
	v atomic.Pointer[Config]
}

// NewStore returns a Store seeded with c, or with the defaults when c is nil.
func NewStore(c *Config) *Store {
	s := &Store{}
	if c == nil {
		c = Default()
	}
	s.v.Store(c)
	return s
}

// Current returns the live snapshot. The returned Config must not be mutated.
func (s *Store) Current() *Config {
	return s.v.Load()
}

// Update replaces the live snapshot.
func (s *Store) Update(c *Config) {
	s.v.Store(c)
}
