package storage

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"

	"github.com/kptdev/gitd/internal/giterrors"
	"github.com/kptdev/gitd/pkg/objfmt"
)

// FSBackend is the filesystem-backed Backend (spec §4.4's "filesystem
// for CLI" implementation), grounded on the teacher's
// osfs.New(path)+filesystem.NewStorage pairing in gogit.go — here
// applied directly to a billy.Filesystem instead of routing through
// go-git's own storer, since object/ref encoding is this module's own.
type FSBackend struct {
	fs billy.Filesystem

	// refMu serializes CompareAndSwapRef; real cross-process exclusion
	// for loose ref writes still comes from write-then-rename atomicity,
	// this only protects the read-compare-write window within one process.
	refMu sync.Mutex
}

// NewFSBackend roots a filesystem backend at path, creating it if absent.
func NewFSBackend(path string) (*FSBackend, error) {
	root := osfs.New(path)
	if err := root.MkdirAll("objects", 0o755); err != nil {
		return nil, giterrors.Wrap(giterrors.NotFound, err, "creating objects directory")
	}
	if err := root.MkdirAll("refs", 0o755); err != nil {
		return nil, giterrors.Wrap(giterrors.NotFound, err, "creating refs directory")
	}
	return &FSBackend{fs: root}, nil
}

func objectPath(sha string) string {
	return fmt.Sprintf("objects/%s/%s", sha[:2], sha[2:])
}

func (b *FSBackend) PutObject(kind objfmt.Kind, content []byte) (string, error) {
	sha, deflated, err := objfmt.Serialize(kind, content)
	if err != nil {
		return "", err
	}
	path := objectPath(sha)
	if err := b.fs.MkdirAll(b.fs.Join("objects", sha[:2]), 0o755); err != nil {
		return "", giterrors.Wrap(giterrors.CorruptObject, err, "creating object shard directory")
	}
	if err := b.atomicWrite(path, deflated); err != nil {
		return "", err
	}
	return sha, nil
}

func (b *FSBackend) GetObject(sha string) (objfmt.Kind, []byte, error) {
	sha, err := objfmt.ValidateContentSHA(sha)
	if err != nil {
		return "", nil, err
	}
	raw, err := b.readAll(objectPath(sha))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil, giterrors.New(giterrors.NotFound, "object %s not found", sha)
		}
		return "", nil, giterrors.Wrap(giterrors.CorruptObject, err, "reading object %s", sha)
	}
	return objfmt.Parse(raw, sha)
}

func (b *FSBackend) HasObject(sha string) (bool, error) {
	sha, err := objfmt.ValidateContentSHA(sha)
	if err != nil {
		return false, err
	}
	return b.Exists(objectPath(sha))
}

func (b *FSBackend) GetRef(name string) (*RefTarget, error) {
	raw, err := b.readAll(name)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, giterrors.Wrap(giterrors.NotFound, err, "reading ref %s", name)
	}
	return decodeRefTarget(raw)
}

func (b *FSBackend) SetRef(name string, target *RefTarget) error {
	dir := parentDir(name)
	if dir != "" {
		if err := b.fs.MkdirAll(dir, 0o755); err != nil {
			return giterrors.Wrap(giterrors.Locked, err, "creating ref directory %s", dir)
		}
	}
	return b.atomicWrite(name, encodeRefTarget(target))
}

func (b *FSBackend) DeleteRef(name string) error {
	if err := b.fs.Remove(name); err != nil && !os.IsNotExist(err) {
		return giterrors.Wrap(giterrors.NotFound, err, "deleting ref %s", name)
	}
	return nil
}

func (b *FSBackend) ListRefs(prefix string) ([]string, error) {
	var out []string
	var walk func(dir string) error
	walk = func(dir string) error {
		entries, err := b.fs.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		for _, e := range entries {
			full := b.fs.Join(dir, e.Name())
			if e.IsDir() {
				if err := walk(full); err != nil {
					return err
				}
				continue
			}
			if strings.HasPrefix(full, prefix) {
				out = append(out, full)
			}
		}
		return nil
	}
	if err := walk("refs"); err != nil {
		return nil, giterrors.Wrap(giterrors.NotFound, err, "listing refs under %s", prefix)
	}
	sort.Strings(out)
	return out, nil
}

func (b *FSBackend) CompareAndSwapRef(name string, expectedOld *string, newSHA string) (bool, error) {
	b.refMu.Lock()
	defer b.refMu.Unlock()

	curr, err := b.GetRef(name)
	if err != nil {
		return false, err
	}
	var currSHA *string
	if curr != nil && curr.Kind == Direct {
		currSHA = &curr.SHA
	}
	switch {
	case expectedOld == nil && currSHA != nil:
		return false, nil
	case expectedOld != nil && (currSHA == nil || *currSHA != *expectedOld):
		return false, nil
	}
	if err := b.SetRef(name, &RefTarget{Kind: Direct, SHA: newSHA}); err != nil {
		return false, err
	}
	return true, nil
}

func (b *FSBackend) ReadFile(path string) ([]byte, error) {
	data, err := b.readAll(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, giterrors.New(giterrors.NotFound, "file %s not found", path)
		}
		return nil, err
	}
	return data, nil
}

func (b *FSBackend) WriteFile(path string, data []byte) error {
	dir := parentDir(path)
	if dir != "" {
		if err := b.fs.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return b.atomicWrite(path, data)
}

func (b *FSBackend) DeleteFile(path string) error {
	if err := b.fs.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (b *FSBackend) Exists(path string) (bool, error) {
	_, err := b.fs.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (b *FSBackend) ReadDir(path string) ([]string, error) {
	entries, err := b.fs.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names, nil
}

func (b *FSBackend) MkdirAll(path string) error {
	return b.fs.MkdirAll(path, 0o755)
}

// atomicWrite satisfies spec §4.4's "write-then-rename" requirement for
// loose file/ref writes using a billy temp file in the same directory.
func (b *FSBackend) atomicWrite(path string, data []byte) error {
	dir := parentDir(path)
	f, err := b.fs.TempFile(dir, ".tmp-")
	if err != nil {
		return err
	}
	tmpName := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		b.fs.Remove(tmpName)
		return err
	}
	if err := f.Close(); err != nil {
		b.fs.Remove(tmpName)
		return err
	}
	if err := b.fs.Rename(tmpName, path); err != nil {
		b.fs.Remove(tmpName)
		return err
	}
	return nil
}

func (b *FSBackend) readAll(path string) ([]byte, error) {
	f, err := b.fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func parentDir(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return ""
	}
	return path[:idx]
}

func decodeRefTarget(raw []byte) (*RefTarget, error) {
	s := strings.TrimRight(string(raw), "\n")
	if strings.HasPrefix(s, "ref: ") {
		return &RefTarget{Kind: Symbolic, Target: strings.TrimSpace(s[len("ref: "):])}, nil
	}
	sha, err := objfmt.NormalizeSHA(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	return &RefTarget{Kind: Direct, SHA: sha}, nil
}

func encodeRefTarget(t *RefTarget) []byte {
	if t.Kind == Symbolic {
		return []byte(fmt.Sprintf("ref: %s\n", t.Target))
	}
	return []byte(t.SHA + "\n")
}
