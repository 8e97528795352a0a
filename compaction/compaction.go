// Package compaction implements the manifest-group merge described in
// spec.md section 4.9: group descriptors by (series_id, hour_bucket), for
// every group with more than one entry merge-sort-dedup their points into
// one new segment, delete the old files best-effort, and update the
// manifest.
package compaction

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	"github.com/sydradb/sydra/manifest"
	"github.com/sydradb/sydra/schema"
	"github.com/sydradb/sydra/segment"
)

type groupKey struct {
	seriesID schema.SeriesId
	hour     int64
}

// Run groups the manifest's current entries by (series_id, hour_bucket)
// and compacts every group with more than one segment. nowMs seeds the
// replacement segment's filename suffix (spec.md section 4.2). Returns the
// number of groups compacted.
func Run(m *manifest.Manifest, dataDir string, nowMs int64, logger log.Logger) (int, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	entries := m.Iter()
	groups := make(map[groupKey][]schema.SegmentDescriptor)
	var order []groupKey
	for _, d := range entries {
		k := groupKey{seriesID: d.SeriesId, hour: d.HourBucket}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], d)
	}

	compacted := 0
	for _, k := range order {
		members := groups[k]
		if len(members) <= 1 {
			continue
		}

		merged, err := mergeGroup(dataDir, members)
		if err != nil {
			level.Warn(logger).Log("msg", "compaction: failed to merge group", "series_id", uint64(k.seriesID), "hour", k.hour, "err", err)
			continue
		}

		newPath, err := segment.WriteSegment(dataDir, k.seriesID, k.hour, merged, nowMs)
		if err != nil {
			level.Warn(logger).Log("msg", "compaction: failed to write merged segment", "series_id", uint64(k.seriesID), "hour", k.hour, "err", err)
			continue
		}

		// Drop the superseded entries and durably record the replacement
		// before touching disk: spec.md section 5 requires the in-memory
		// manifest to stop referencing a segment before its file is
		// deleted, so a reader that takes its Iter snapshot after this
		// point never sees a path we are about to remove.
		remaining := removeGroup(m.Iter(), k)
		m.Replace(remaining)
		if err := m.Append(schema.SegmentDescriptor{
			SeriesId:   k.seriesID,
			HourBucket: k.hour,
			StartTs:    merged[0].Ts,
			EndTs:      merged[len(merged)-1].Ts,
			Count:      uint32(len(merged)),
			Path:       newPath,
		}); err != nil {
			return compacted, errors.Wrap(err, "compaction.Run: append merged descriptor")
		}

		removeMemberPaths(dataDir, members, logger)
		compacted++
	}
	return compacted, nil
}

// mergeGroup reads every member segment, concatenates, sorts by ts, and
// deduplicates equal timestamps with last-occurring-wins semantics
// (spec.md section 4.9 step 3).
func mergeGroup(dataDir string, members []schema.SegmentDescriptor) ([]schema.Point, error) {
	var all []schema.Point
	for i, d := range members {
		pts, err := segment.ReadAll(dataDir, d.Path)
		if err != nil {
			return nil, errors.Wrapf(err, "read segment %d of group", i)
		}
		all = append(all, pts...)
	}
	if len(all) == 0 {
		return nil, errors.New("compaction: empty merge group")
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].Ts < all[j].Ts })

	deduped := make([]schema.Point, 0, len(all))
	for i := 0; i < len(all); i++ {
		if i+1 < len(all) && all[i+1].Ts == all[i].Ts {
			continue // a later entry with the same ts supersedes this one
		}
		deduped = append(deduped, all[i])
	}
	return deduped, nil
}

func removeMemberPaths(dataDir string, members []schema.SegmentDescriptor, logger log.Logger) {
	for _, d := range members {
		path := filepath.Join(dataDir, d.Path)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			level.Warn(logger).Log("msg", "compaction: failed to delete old segment file", "path", path, "err", err)
		}
	}
}

func removeGroup(entries []schema.SegmentDescriptor, k groupKey) []schema.SegmentDescriptor {
	out := entries[:0]
	for _, d := range entries {
		if d.SeriesId == k.seriesID && d.HourBucket == k.hour {
			continue
		}
		out = append(out, d)
	}
	return out
}
