package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/kptdev/gitd/pkg/objfmt"
	"github.com/kptdev/gitd/pkg/refs"
)

func TestPackRefsOptionsAddFlagsDefaultsTimeout(t *testing.T) {
	o := NewPackRefsOptions(os.Stdout, os.Stderr)
	o.AddFlags(&pflag.FlagSet{})
	if o.Timeout != 30*time.Second {
		t.Fatalf("expected default 30s timeout, got %s", o.Timeout)
	}
}

func TestPackRefsOptionsValidateRequiresConfig(t *testing.T) {
	o := NewPackRefsOptions(os.Stdout, os.Stderr)
	if err := o.Validate(nil); err == nil {
		t.Fatal("expected an error when --config is unset")
	}
}

func TestPackRefsOptionsCompactsLooseRefs(t *testing.T) {
	root := t.TempDir()
	cfgPath := filepath.Join(root, "gitd.yaml")
	body := "listen: \":0\"\nstorage:\n  kind: fs\n  fs_root: " + filepath.Join(root, "data") + "\n"
	if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	o := NewPackRefsOptions(os.Stdout, os.Stderr)
	o.ConfigPath = cfgPath
	if err := o.Complete(); err != nil {
		t.Fatalf("Complete(): %v", err)
	}
	if err := o.Validate(nil); err != nil {
		t.Fatalf("Validate(): %v", err)
	}

	sha, err := o.objStore.Put(objfmt.Blob, []byte("hello"))
	if err != nil {
		t.Fatalf("Put(): %v", err)
	}
	if err := o.refStore.UpdateRef("refs/heads/main", sha, refs.UpdateOptions{}); err != nil {
		t.Fatalf("UpdateRef(): %v", err)
	}

	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run(): %v", err)
	}
}
