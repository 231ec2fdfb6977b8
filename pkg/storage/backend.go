// Package storage implements the abstract capability set spec.md §4.4
// describes: object/ref/file I/O behind a single interface, so the rest
// of the system (object store, ref storage, receive-pack) is agnostic
// to whether bytes live on a local disk or in an S3-compatible bucket.
package storage

import (
	"github.com/kptdev/gitd/pkg/objfmt"
)

// RefKind distinguishes a direct (sha) ref from a symbolic one.
type RefKind int

const (
	Direct RefKind = iota
	Symbolic
)

// RefTarget is the raw, unresolved value stored at a ref path: either a
// sha or, for a symbolic ref such as HEAD, another ref name.
type RefTarget struct {
	Kind   RefKind
	SHA    string // set when Kind == Direct
	Target string // set when Kind == Symbolic; another ref name
}

// Backend is the capability set a storage implementation must provide.
// Two conformant implementations are expected (spec §4.4): FSBackend for
// the CLI/single-node case, and a durable-table-backed implementation
// (S3Backend, here) for the server case. The contract is identical;
// only latency and durability characteristics differ.
type Backend interface {
	ObjectTier

	GetRef(name string) (*RefTarget, error) // nil, nil if absent
	SetRef(name string, target *RefTarget) error
	DeleteRef(name string) error
	ListRefs(prefix string) ([]string, error)
	// CompareAndSwapRef fuses the read-compare-write sequence C6 would
	// otherwise perform through its own per-ref lock. expectedOld == nil
	// means "must not currently exist".
	CompareAndSwapRef(name string, expectedOld *string, newSHA string) (bool, error)

	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte) error
	DeleteFile(path string) error
	Exists(path string) (bool, error)
	ReadDir(path string) ([]string, error)
	MkdirAll(path string) error
}

// ObjectTier is the narrower capability C5's multi-tier ObjectIndex
// addresses objects through; both Backend implementations and bare
// object-only tiers (e.g. the parquet cold store) satisfy it.
type ObjectTier interface {
	PutObject(kind objfmt.Kind, content []byte) (sha string, err error)
	GetObject(sha string) (kind objfmt.Kind, content []byte, err error)
	HasObject(sha string) (bool, error)
}
