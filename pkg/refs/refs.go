// Package refs implements Git reference storage and resolution (spec.md
// §4.6): loose and packed refs, symbolic-ref resolution with cycle
// detection, compare-and-swap updates, and packed-refs compaction.
package refs

import (
	"os"
	"sort"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/kptdev/gitd/internal/giterrors"
	"github.com/kptdev/gitd/pkg/objfmt"
	"github.com/kptdev/gitd/pkg/storage"
)

// DefaultMaxResolveDepth is spec §4.6's symbolic-ref chase limit.
const DefaultMaxResolveDepth = 10

// Ref is the externally visible shape of a single ref lookup.
type Ref struct {
	Name   string
	Target string // sha for a direct ref, another ref name for symbolic
	Kind   storage.RefKind
}

// ResolveResult is what Resolve returns: the terminal ref/sha reached
// by following symbolic refs, and the chain of names visited.
type ResolveResult struct {
	FinalRef string
	FinalSHA string
	Chain    []string
}

// UpdateOptions mirrors spec §4.6's update_ref option bag. Open question
// (DESIGN.md): the spec distinguishes "old_value explicitly null" from
// "old_value undefined", a three-state distinction Go's *string can't
// carry; both collapse to OldValue == nil here, resolved toward the
// stricter reading via AllowBlindOverwrite (default false: a nil
// OldValue against an existing ref is rejected, not silently accepted).
type UpdateOptions struct {
	OldValue            *string // nil means "no old value asserted"; non-nil is a CAS check
	AllowBlindOverwrite bool    // when true, a nil OldValue may overwrite an existing ref
	Force               bool    // accepted for caller bookkeeping; fast-forward enforcement lives in C8/C7
}

// Store is the C6 ref-storage surface over a storage.Backend.
type Store struct {
	backend storage.Backend
	locks   *lockTable
}

func New(backend storage.Backend) *Store {
	return &Store{backend: backend, locks: newLockTable()}
}

// GetRef checks the loose file first, then the packed-refs map, per
// spec §4.6's read path. Returns nil, nil if the ref doesn't exist.
func (s *Store) GetRef(name string) (*Ref, error) {
	target, err := s.backend.GetRef(name)
	if err != nil {
		return nil, err
	}
	if target != nil {
		return refFromTarget(name, target), nil
	}

	packed, err := s.readPacked()
	if err != nil {
		return nil, err
	}
	if e, ok := packed[name]; ok {
		return &Ref{Name: name, Target: e.SHA, Kind: storage.Direct}, nil
	}
	return nil, nil
}

func refFromTarget(name string, t *storage.RefTarget) *Ref {
	if t.Kind == storage.Symbolic {
		return &Ref{Name: name, Target: t.Target, Kind: storage.Symbolic}
	}
	return &Ref{Name: name, Target: t.SHA, Kind: storage.Direct}
}

func (s *Store) readPacked() (map[string]packedEntry, error) {
	raw, err := s.backend.ReadFile(packedRefsPath)
	if err != nil {
		if giterrors.Of(err, giterrors.NotFound) {
			return map[string]packedEntry{}, nil
		}
		return nil, err
	}
	return parsePackedRefs(raw)
}

// Resolve follows symbolic refs up to maxDepth (DefaultMaxResolveDepth
// if <= 0), detecting cycles via the set of visited names.
func (s *Store) Resolve(name string, maxDepth int) (*ResolveResult, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxResolveDepth
	}
	visited := make(map[string]bool)
	chain := []string{name}
	curr := name
	for depth := 0; ; depth++ {
		if visited[curr] {
			return nil, giterrors.New(giterrors.CircularRef, "ref resolution cycle detected at %s", curr)
		}
		visited[curr] = true

		ref, err := s.GetRef(curr)
		if err != nil {
			return nil, err
		}
		if ref == nil {
			return nil, giterrors.New(giterrors.NotFound, "ref %s not found", curr)
		}
		if ref.Kind == storage.Direct {
			return &ResolveResult{FinalRef: curr, FinalSHA: ref.Target, Chain: chain}, nil
		}
		if depth+1 >= maxDepth {
			return nil, giterrors.New(giterrors.MaxDepthExceeded, "symbolic ref chain exceeded max depth %d", maxDepth)
		}
		curr = ref.Target
		chain = append(chain, curr)
	}
}

// UpdateRef implements spec §4.6's update semantics.
func (s *Store) UpdateRef(name string, newSHA string, opts UpdateOptions) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if _, err := objfmt.NormalizeSHA(newSHA); err != nil {
		return err
	}

	lock := s.locks.refLock(name)
	lock.Lock()
	defer lock.Unlock()

	curr, err := s.currentValue(name)
	if err != nil {
		return err
	}

	switch {
	case opts.OldValue == nil:
		if curr != nil && !opts.AllowBlindOverwrite {
			return giterrors.New(giterrors.AlreadyExists, "ref %s already exists", name)
		}
	default:
		if curr == nil || *curr != *opts.OldValue {
			return giterrors.New(giterrors.Conflict, "ref %s current value does not match expected old value", name)
		}
	}

	return s.backend.SetRef(name, &storage.RefTarget{Kind: storage.Direct, SHA: newSHA})
}

// currentValue returns the ref's current direct value (loose or
// packed), or nil if absent. A symbolic ref is rejected with an
// InvalidName error rather than resolved; update_ref only ever targets
// direct refs in this implementation, matching spec §4.6 (symbolic refs
// are written via SetSymbolicRef instead).
func (s *Store) currentValue(name string) (*string, error) {
	ref, err := s.GetRef(name)
	if err != nil {
		return nil, err
	}
	if ref == nil {
		return nil, nil
	}
	if ref.Kind == storage.Symbolic {
		return nil, giterrors.New(giterrors.InvalidName, "ref %s is symbolic; use SetSymbolicRef", name)
	}
	sha := ref.Target
	return &sha, nil
}

// SetSymbolicRef writes name as a symbolic ref pointing at target (spec
// §4.6: "written as the literal text ref: {target}\n"). target must not
// equal name.
func (s *Store) SetSymbolicRef(name, target string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := ValidateName(target); err != nil {
		return err
	}
	if name == target {
		return giterrors.New(giterrors.InvalidName, "symbolic ref %s cannot target itself", name)
	}
	lock := s.locks.refLock(name)
	lock.Lock()
	defer lock.Unlock()
	return s.backend.SetRef(name, &storage.RefTarget{Kind: storage.Symbolic, Target: target})
}

// DeleteRef removes name, forbidden for HEAD, optionally CAS-guarded by
// oldValue.
func (s *Store) DeleteRef(name string, oldValue *string) error {
	if name == "HEAD" {
		return giterrors.New(giterrors.InvalidName, "HEAD cannot be deleted")
	}
	lock := s.locks.refLock(name)
	lock.Lock()
	defer lock.Unlock()

	curr, err := s.currentValue(name)
	if err != nil {
		return err
	}
	if curr == nil {
		return giterrors.New(giterrors.NotFound, "ref %s not found", name)
	}
	if oldValue != nil && *curr != *oldValue {
		return giterrors.New(giterrors.Conflict, "ref %s current value does not match expected old value", name)
	}
	if err := s.backend.DeleteRef(name); err != nil {
		return err
	}
	packed, err := s.readPacked()
	if err != nil {
		return err
	}
	if _, ok := packed[name]; ok {
		delete(packed, name)
		return s.backend.WriteFile(packedRefsPath, encodePackedRefs(packed))
	}
	return nil
}

// ListRefs returns loose and packed ref names under prefix, deduplicated
// and sorted (loose entries shadow packed ones of the same name).
func (s *Store) ListRefs(prefix string) ([]string, error) {
	loose, err := s.backend.ListRefs(prefix)
	if err != nil {
		return nil, err
	}
	packed, err := s.readPacked()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(loose))
	out := append([]string(nil), loose...)
	for _, n := range loose {
		seen[n] = true
	}
	for name := range packed {
		if !seen[name] && strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// DefaultPackRefsTimeout bounds how long PackRefs waits to acquire every
// qualifying ref's lock before aborting without changes.
const DefaultPackRefsTimeout = 5 * time.Second

// PackRefs compacts loose, non-symbolic, non-HEAD refs into packed-refs
// (spec §4.6). If any lock cannot be acquired within timeout, it aborts
// without changes.
func (s *Store) PackRefs(annotatedTagPeeler func(sha string) (peeled string, ok bool, err error), timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultPackRefsTimeout
	}

	names, err := s.backend.ListRefs("refs/")
	if err != nil {
		return err
	}
	var qualifying []string
	for _, n := range names {
		if n == "HEAD" {
			continue
		}
		target, err := s.backend.GetRef(n)
		if err != nil {
			return err
		}
		if target != nil && target.Kind == storage.Direct {
			qualifying = append(qualifying, n)
		}
	}
	sort.Strings(qualifying)

	held, err := s.locks.acquireAll(qualifying, timeout)
	if err != nil {
		return err
	}
	defer releaseAll(held)

	packed, err := s.readPacked()
	if err != nil {
		return err
	}

	for _, n := range qualifying {
		target, err := s.backend.GetRef(n)
		if err != nil {
			return err
		}
		if target == nil {
			continue // raced away between listing and locking; skip rather than fail the whole compaction
		}
		entry := packedEntry{Name: n, SHA: target.SHA}
		if annotatedTagPeeler != nil && strings.HasPrefix(n, "refs/tags/") {
			if peeled, ok, perr := annotatedTagPeeler(target.SHA); perr == nil && ok {
				entry.Peeled = peeled
			}
		}
		packed[n] = entry
	}

	if err := s.backend.WriteFile(packedRefsPath, encodePackedRefs(packed)); err != nil {
		return err
	}
	for _, n := range qualifying {
		if err := s.backend.DeleteRef(n); err != nil && !os.IsNotExist(err) {
			klog.Warningf("refs: pack_refs left loose file %s in place after compaction: %v", n, err)
		}
	}
	return nil
}
