// Package retention implements the TTL-based segment pruning described in
// spec.md section 4.8: prune the in-memory manifest, delete superseded
// segment files best-effort, and never rewrite the on-disk MANIFEST.
package retention

import (
	"os"
	"path/filepath"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/sydradb/sydra/config"
	"github.com/sydradb/sydra/manifest"
	"github.com/sydradb/sydra/schema"
)

// Resolver maps a SeriesId to its TTL in days, honoring any namespace
// override (spec.md section 4.8's "optional per-namespace override
// resolved externally"). The core never parses series names itself; the
// resolver is supplied by the caller that owns the name/tag schema.
type Resolver func(sid schema.SeriesId) int

// Static returns a Resolver that always returns ttlDays, for callers with
// no per-namespace overrides.
func Static(ttlDays int) Resolver {
	return func(schema.SeriesId) int { return ttlDays }
}

// Run prunes every manifest entry whose end_ts is older than its
// resolved TTL relative to nowTs (in the configured TimestampUnit), best-
// effort deletes the corresponding segment file, and returns the number of
// entries dropped. A TTL of 0 disables retention for that series.
func Run(m *manifest.Manifest, dataDir string, resolve Resolver, unit config.TimestampUnit, nowTs int64, logger log.Logger) int {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	entries := m.Iter()
	keep := make([]schema.SegmentDescriptor, 0, len(entries))
	var dropped []schema.SegmentDescriptor

	for _, d := range entries {
		ttlDays := resolve(d.SeriesId)
		if ttlDays <= 0 {
			keep = append(keep, d)
			continue
		}
		cutoff := nowTs - int64(ttlDays)*86400*unit.PerSecond()
		if d.EndTs < cutoff {
			dropped = append(dropped, d)
			continue
		}
		keep = append(keep, d)
	}

	if len(dropped) == 0 {
		return 0
	}

	m.Replace(keep)

	for _, d := range dropped {
		path := filepath.Join(dataDir, d.Path)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			level.Warn(logger).Log("msg", "retention: failed to delete segment file", "path", path, "err", err)
		}
	}
	return len(dropped)
}
