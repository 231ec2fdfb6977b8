package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/kptdev/gitd/pkg/config"
	"github.com/kptdev/gitd/pkg/objectstore"
	"github.com/kptdev/gitd/pkg/objfmt"
	"github.com/kptdev/gitd/pkg/refs"
	"github.com/kptdev/gitd/pkg/storage"
)

// PackRefsOptions drives the `pack-refs` maintenance command: compact
// loose refs into packed-refs, peeling annotated tags along the way
// (spec §4.6's packed-refs compaction).
type PackRefsOptions struct {
	ConfigPath string
	Timeout    time.Duration

	cfg      *config.ServerConfig
	objStore *objectstore.Store
	refStore *refs.Store

	StdOut io.Writer
	StdErr io.Writer
}

func NewPackRefsOptions(out, errOut io.Writer) *PackRefsOptions {
	return &PackRefsOptions{Timeout: 30 * time.Second, StdOut: out, StdErr: errOut}
}

func NewCommandPackRefs(ctx context.Context, defaults *PackRefsOptions) *cobra.Command {
	o := *defaults
	cmd := &cobra.Command{
		Use:   "pack-refs",
		Short: "Compact loose refs into packed-refs",
		RunE: func(c *cobra.Command, args []string) error {
			if err := o.Complete(); err != nil {
				return err
			}
			if err := o.Validate(args); err != nil {
				return err
			}
			return o.Run(ctx)
		},
	}

	flags := cmd.Flags()
	o.AddFlags(flags)
	return cmd
}

func (o *PackRefsOptions) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.ConfigPath, "config", o.ConfigPath, "path to the gitd server config YAML")
	fs.DurationVar(&o.Timeout, "timeout", o.Timeout, "per-ref lock timeout while compacting")
}

func (o PackRefsOptions) Validate(args []string) error {
	if o.ConfigPath == "" {
		return fmt.Errorf("--config is required")
	}
	if o.cfg.Storage.Kind != "fs" {
		return fmt.Errorf("storage.kind %q is not supported by pack-refs (only fs backs refs)", o.cfg.Storage.Kind)
	}
	return nil
}

func (o *PackRefsOptions) Complete() error {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return err
	}
	o.cfg = cfg

	if cfg.Storage.Kind != "fs" {
		return nil
	}

	backend, err := storage.NewFSBackend(cfg.Storage.FSRoot)
	if err != nil {
		return fmt.Errorf("opening storage at %s: %w", cfg.Storage.FSRoot, err)
	}
	o.objStore = objectstore.New(backend)
	o.refStore = refs.New(backend)
	return nil
}

// Run peels annotated tags via the object store and hands the
// compaction off to refs.Store.PackRefs.
func (o *PackRefsOptions) Run(ctx context.Context) error {
	peeler := func(sha string) (string, bool, error) {
		kind, content, err := o.objStore.Get(sha)
		if err != nil {
			return "", false, err
		}
		if kind != objfmt.Tag {
			return "", false, nil
		}
		tag, err := objfmt.DecodeTag(content)
		if err != nil {
			return "", false, err
		}
		return tag.TargetSHA, true, nil
	}

	if err := o.refStore.PackRefs(peeler, o.Timeout); err != nil {
		return err
	}
	klog.Info("pack-refs: compaction complete")
	return nil
}
