// Package config holds the pre-built configuration value the storage/ingest
// core is opened with. Parsing configuration files is out of scope for the
// core (spec.md section 1); callers build a Config by whatever means they
// like and pass it to engine.Open.
package config

import (
	"time"

	"github.com/go-kit/kit/log"
)

// FsyncPolicy controls when the WAL is fsynced.
type FsyncPolicy int

const (
	// FsyncAlways fsyncs the WAL after every append.
	FsyncAlways FsyncPolicy = iota
	// FsyncInterval fsyncs at flush boundaries rather than per append.
	FsyncInterval
	// FsyncNone fsyncs neither per append nor at flush boundaries. Under
	// every policy the WAL is still fsynced on rotation and on shutdown.
	FsyncNone
)

func (p FsyncPolicy) String() string {
	switch p {
	case FsyncAlways:
		return "always"
	case FsyncInterval:
		return "interval"
	case FsyncNone:
		return "none"
	default:
		return "unknown"
	}
}

// TimestampUnit resolves the hour_bucket Open Question from spec.md section
// 9: the engine must know whether caller timestamps are seconds or
// milliseconds to keep segment bucketing and retention cutoff math
// consistent.
type TimestampUnit int

const (
	// UnitSeconds treats ts as a second-granularity Unix timestamp.
	UnitSeconds TimestampUnit = iota
	// UnitMillis treats ts as a millisecond-granularity Unix timestamp.
	UnitMillis
)

// UnitsPerHour returns the number of timestamp units in one hour for this
// unit, used to compute hour_bucket = ts / UnitsPerHour().
func (u TimestampUnit) UnitsPerHour() int64 {
	switch u {
	case UnitMillis:
		return 3600 * 1000
	default:
		return 3600
	}
}

// PerSecond returns how many timestamp units make up one second, used for
// retention cutoff math (ttl_days * 86400 seconds converted to ts units).
func (u TimestampUnit) PerSecond() int64 {
	switch u {
	case UnitMillis:
		return 1000
	default:
		return 1
	}
}

// FromTime converts t to this unit's epoch representation, so callers can
// compare a wall-clock time against caller-supplied point timestamps
// without assuming which unit those are in.
func (u TimestampUnit) FromTime(t time.Time) int64 {
	if u == UnitMillis {
		return t.UnixMilli()
	}
	return t.Unix()
}

// Config is the full set of recognized options from spec.md section 6.6.
type Config struct {
	// DataDir is the root directory for all on-disk state.
	DataDir string

	// Fsync selects the WAL fsync policy.
	Fsync FsyncPolicy

	// FlushInterval is the time-triggered flush cadence.
	FlushInterval time.Duration

	// MemtableMaxBytes is the size-triggered flush threshold.
	MemtableMaxBytes int64

	// RetentionDays is the global TTL in days; 0 disables retention.
	RetentionDays int

	// RetentionNamespaceOverrides maps a series-name namespace (the prefix
	// before the first '.') to a TTL in days, overriding RetentionDays for
	// series in that namespace. Resolving a series to its namespace is the
	// external collaborator's job; the core is handed the already-resolved
	// per-series TTL at retention time (see retention.Resolver).
	RetentionNamespaceOverrides map[string]int

	// MemLimitBytes is a soft, observed-only upper bound on total memory
	// usage. The core neither enforces nor reports it.
	MemLimitBytes int64

	// TimestampUnit decides whether ts is seconds or milliseconds.
	TimestampUnit TimestampUnit

	// QueueCapacity bounds the ingest queue (spec.md section 4.6).
	QueueCapacity int

	// WALSegmentBytes is the rotation threshold for WAL segments. Defaults
	// to 64 MiB per spec.md section 4.4 when zero.
	WALSegmentBytes int64

	// Logger receives structured log lines from every component. A nil
	// Logger is replaced with log.NewNopLogger(), matching the teacher's
	// OpenSegmentWAL default.
	Logger log.Logger

	// Now, when set, overrides time.Now for retention cutoff and flush
	// interval computations. Tests inject a deterministic clock here.
	Now func() time.Time
}

const (
	defaultFlushInterval    = time.Second
	defaultMemtableMaxBytes = 64 << 20
	defaultWALSegmentBytes  = 64 << 20
	defaultQueueCapacity    = 4096
)

// Default returns a Config with conservative defaults and no data directory
// set; callers must set DataDir before calling engine.Open.
func Default() Config {
	return Config{
		Fsync:            FsyncInterval,
		FlushInterval:    defaultFlushInterval,
		MemtableMaxBytes: defaultMemtableMaxBytes,
		TimestampUnit:    UnitSeconds,
		QueueCapacity:    defaultQueueCapacity,
		WALSegmentBytes:  defaultWALSegmentBytes,
		Logger:           log.NewNopLogger(),
		Now:              time.Now,
	}
}

// WithDefaults fills in zero-valued fields of c with Default()'s values and
// returns the result. It does not mutate c.
func (c Config) WithDefaults() Config {
	d := Default()
	if c.FlushInterval == 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.MemtableMaxBytes == 0 {
		c.MemtableMaxBytes = d.MemtableMaxBytes
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = d.QueueCapacity
	}
	if c.WALSegmentBytes == 0 {
		c.WALSegmentBytes = d.WALSegmentBytes
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
	if c.Now == nil {
		c.Now = d.Now
	}
	return c
}
