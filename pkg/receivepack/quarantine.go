package receivepack

import (
	"sync"

	"github.com/kptdev/gitd/pkg/objfmt"
	"github.com/kptdev/gitd/pkg/packfile"
	"github.com/kptdev/gitd/pkg/storage"
)

// Quarantine is spec §4.8's create_quarantine wrapper: writes land only
// in the quarantine's own map; reads union-query (quarantine first, then
// the main store). commit transfers everything to the target via
// put_object; abort discards. It also satisfies packfile.BaseResolver so
// REF_DELTA bases already visible through the union view resolve without
// a second round trip (open question 2 in DESIGN.md: bases are resolved
// through this view at unpack time, not re-resolved after promotion).
type Quarantine struct {
	id   string
	main storage.ObjectTier

	mu      sync.Mutex
	staged  map[string]stagedObject
}

type stagedObject struct {
	kind    objfmt.Kind
	content []byte
}

func NewQuarantine(id string, main storage.ObjectTier) *Quarantine {
	return &Quarantine{id: id, main: main, staged: make(map[string]stagedObject)}
}

func (q *Quarantine) ID() string { return q.id }

func (q *Quarantine) PutObject(kind objfmt.Kind, content []byte) (string, error) {
	sha := objfmt.ComputeSHA(kind, content)
	q.mu.Lock()
	q.staged[sha] = stagedObject{kind: kind, content: content}
	q.mu.Unlock()
	return sha, nil
}

func (q *Quarantine) GetObject(sha string) (objfmt.Kind, []byte, error) {
	q.mu.Lock()
	obj, ok := q.staged[sha]
	q.mu.Unlock()
	if ok {
		return obj.kind, obj.content, nil
	}
	return q.main.GetObject(sha)
}

func (q *Quarantine) HasObject(sha string) (bool, error) {
	q.mu.Lock()
	_, ok := q.staged[sha]
	q.mu.Unlock()
	if ok {
		return true, nil
	}
	return q.main.HasObject(sha)
}

// ResolveBase implements packfile.BaseResolver against the quarantine's
// union view, so REF_DELTA bases already in the main store resolve
// without requiring the pusher to have sent them in this pack.
func (q *Quarantine) ResolveBase(sha string) (objfmt.Kind, []byte, bool, error) {
	kind, content, err := q.GetObject(sha)
	if err != nil {
		return "", nil, false, nil // not found is not an error here, just "keep looking"
	}
	return kind, content, true, nil
}

// ObjectSHAs returns every sha currently staged in the quarantine.
func (q *Quarantine) ObjectSHAs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	shas := make([]string, 0, len(q.staged))
	for sha := range q.staged {
		shas = append(shas, sha)
	}
	return shas
}

// Commit transfers every staged object to target via PutObject, making
// them visible in the main store.
func (q *Quarantine) Commit(target storage.ObjectTier) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for sha, obj := range q.staged {
		got, err := target.PutObject(obj.kind, obj.content)
		if err != nil {
			return err
		}
		if got != sha {
			// Serialize is deterministic; a mismatch here means the
			// quarantine's sha bookkeeping itself is broken, not bad
			// input, so this is a programmer error rather than input.
			panic("quarantine: committed sha " + got + " does not match staged sha " + sha)
		}
	}
	return nil
}

// Abort discards every staged object without touching the main store.
func (q *Quarantine) Abort() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.staged = make(map[string]stagedObject)
}

var _ packfile.BaseResolver = (*Quarantine)(nil)
var _ storage.ObjectTier = (*Quarantine)(nil)
