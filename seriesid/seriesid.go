// Package seriesid derives a schema.SeriesId from a series name and its
// tag set, as the external collaborator mentioned in spec.md section 1.2's
// naming/tag resolution step would call before handing an already-resolved
// SeriesId down to the ingest path. Hashing uses cespare/xxhash/v2, the
// same hasher the journal/WAL-style code in the retrieval pack reaches for
// when it needs a fast, non-cryptographic digest over an append-only
// stream.
package seriesid

import (
	"github.com/cespare/xxhash/v2"

	"github.com/sydradb/sydra/schema"
)

// Derive hashes name and the canonical tag bytes (caller-supplied,
// typically a sorted key=value JSON or similar deterministic encoding)
// into a SeriesId. Equal (name, tagsCanonical) pairs always yield the same
// id; the core treats collisions as out of scope (spec.md section 1).
func Derive(name string, tagsCanonical []byte) schema.SeriesId {
	d := xxhash.New()
	_, _ = d.WriteString(name)
	_, _ = d.Write([]byte{0}) // separator so "ab"+"c" != "a"+"bc"
	_, _ = d.Write(tagsCanonical)
	return schema.SeriesId(d.Sum64())
}
