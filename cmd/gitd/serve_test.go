package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
)

func TestServeOptionsAddFlagsDefaultsRepositoryID(t *testing.T) {
	o := NewServeOptions(os.Stdout, os.Stderr)
	o.AddFlags(&pflag.FlagSet{})
	if o.RepositoryID != "default" {
		t.Fatalf("expected default repository id, got %q", o.RepositoryID)
	}
}

func TestServeOptionsValidateRequiresConfig(t *testing.T) {
	o := NewServeOptions(os.Stdout, os.Stderr)
	if err := o.Validate(nil); err == nil {
		t.Fatal("expected an error when --config is unset")
	}
}

func TestServeOptionsCompleteAndValidateWithFSConfig(t *testing.T) {
	root := t.TempDir()
	cfgPath := filepath.Join(root, "gitd.yaml")
	body := "listen: \":0\"\nstorage:\n  kind: fs\n  fs_root: " + filepath.Join(root, "data") + "\n"
	if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	o := NewServeOptions(os.Stdout, os.Stderr)
	o.ConfigPath = cfgPath
	if err := o.Complete(); err != nil {
		t.Fatalf("Complete(): %v", err)
	}
	if err := o.Validate(nil); err != nil {
		t.Fatalf("Validate(): %v", err)
	}
}

func TestServeOptionsValidateRejectsNonFSStorage(t *testing.T) {
	root := t.TempDir()
	cfgPath := filepath.Join(root, "gitd.yaml")
	if err := os.WriteFile(cfgPath, []byte("listen: \":0\"\nstorage:\n  kind: s3\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	o := NewServeOptions(os.Stdout, os.Stderr)
	o.ConfigPath = cfgPath
	if err := o.Complete(); err != nil {
		t.Fatalf("Complete(): %v", err)
	}
	if err := o.Validate(nil); err == nil {
		t.Fatal("expected Validate to reject storage.kind s3")
	}
}
