package objectstore

import (
	"sync"

	"k8s.io/klog/v2"

	"github.com/kptdev/gitd/internal/giterrors"
	"github.com/kptdev/gitd/pkg/objfmt"
)

// Tier names where an object's bytes currently live.
type Tier string

const (
	TierHot    Tier = "hot"    // local/FSBackend loose objects
	TierWarm   Tier = "warm"   // S3/R2-compatible object store
	TierCold   Tier = "cold"   // parquet-backed archival tier
	TierPacked Tier = "packed" // inside a retained packfile on any tier
)

// ObjectLocation records where one object's bytes live (spec §4.5): the
// index is authoritative for fetch routing, not the bytes themselves.
type ObjectLocation struct {
	SHA    string
	Tier   Tier
	PackID string // non-empty when Tier == TierPacked
	Offset int64  // byte offset within PackID, when applicable
	Size   int64
}

// BatchLookupResult is ObjectIndex.BatchLookup's return shape: spec
// §4.5 calls out "one database hit, two return sets" as the point of
// batching, e.g. when resolving every sha referenced by a tree.
type BatchLookupResult struct {
	Found   map[string]ObjectLocation
	Missing []string
}

// ObjectIndex is the multi-tier location map. The in-memory
// implementation here is sufficient for a single-process server; a
// production deployment would back this with the same durable table the
// Backend's CAS operations use, which is why RecordLocation/
// UpdateLocation are structured as idempotent upserts rather than
// append-only log entries.
type ObjectIndex struct {
	mu   sync.RWMutex
	locs map[string]ObjectLocation
}

func NewObjectIndex() *ObjectIndex {
	return &ObjectIndex{locs: make(map[string]ObjectLocation)}
}

// RecordLocation rejects a degenerate content address (spec §4.5: a
// repeated-character sha, ZeroSHA included, must never resolve through
// the index) before admitting loc.
func (idx *ObjectIndex) RecordLocation(loc ObjectLocation) error {
	sha, err := objfmt.ValidateContentSHA(loc.SHA)
	if err != nil {
		return err
	}
	loc.SHA = sha

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.locs[loc.SHA] = loc
	return nil
}

func (idx *ObjectIndex) LookupLocation(sha string) (ObjectLocation, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	loc, ok := idx.locs[sha]
	return loc, ok
}

func (idx *ObjectIndex) BatchLookup(shas []string) BatchLookupResult {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	res := BatchLookupResult{Found: make(map[string]ObjectLocation, len(shas))}
	for _, sha := range shas {
		if loc, ok := idx.locs[sha]; ok {
			res.Found[sha] = loc
		} else {
			res.Missing = append(res.Missing, sha)
		}
	}
	return res
}

// UpdateLocation moves sha to a new tier, preserving sha as identity
// (spec §4.5: "movement between tiers rewrites location but preserves
// sha"). It's an error to move an object the index doesn't know about.
func (idx *ObjectIndex) UpdateLocation(sha string, newTier Tier, packID string, offset int64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	loc, ok := idx.locs[sha]
	if !ok {
		return giterrors.New(giterrors.NotFound, "no location recorded for %s", sha)
	}
	prevTier := loc.Tier
	loc.Tier = newTier
	loc.PackID = packID
	loc.Offset = offset
	idx.locs[sha] = loc
	klog.V(2).Infof("objectstore: %s migrated %s -> %s", sha, prevTier, newTier)
	return nil
}

// TierStats reports per-tier object counts and byte totals.
type TierStats struct {
	Count      int
	TotalBytes int64
}

func (idx *ObjectIndex) TierStats() map[Tier]TierStats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make(map[Tier]TierStats)
	for _, loc := range idx.locs {
		s := out[loc.Tier]
		s.Count++
		s.TotalBytes += loc.Size
		out[loc.Tier] = s
	}
	return out
}
