package main

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/kptdev/gitd/pkg/auth"
	"github.com/kptdev/gitd/pkg/config"
	"github.com/kptdev/gitd/pkg/httpapi"
	"github.com/kptdev/gitd/pkg/objectstore"
	"github.com/kptdev/gitd/pkg/protection"
	"github.com/kptdev/gitd/pkg/query"
	"github.com/kptdev/gitd/pkg/receivepack"
	"github.com/kptdev/gitd/pkg/refs"
	"github.com/kptdev/gitd/pkg/storage"
)

// ServeOptions contains state for the `gitd serve` command, following
// the teacher's Options-struct shape (PorchServerOptions): fields first
// set from flags, then resolved into runnable state by Complete.
type ServeOptions struct {
	ConfigPath     string
	ListenOverride string
	RepositoryID   string

	cfg      *config.ServerConfig
	backend  storage.Backend
	refStore *refs.Store
	objStore *objectstore.Store
	index    *objectstore.ObjectIndex
	registry *protection.Registry
	policy   auth.Policy

	StdOut io.Writer
	StdErr io.Writer
}

func NewServeOptions(out, errOut io.Writer) *ServeOptions {
	return &ServeOptions{
		RepositoryID: "default",
		StdOut:       out,
		StdErr:       errOut,
	}
}

// NewCommandServe builds the `serve` subcommand: RunE sequences
// Complete -> Validate -> Run, matching start.go's RunE shape.
func NewCommandServe(ctx context.Context, defaults *ServeOptions) *cobra.Command {
	o := *defaults
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gitd HTTP server",
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

func (o *ServeOptions) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.ConfigPath, "config", o.ConfigPath, "path to the gitd server config YAML")
	fs.StringVar(&o.ListenOverride, "listen", o.ListenOverride, "listen address, overrides the config file's listen setting")
	fs.StringVar(&o.RepositoryID, "repository-id", o.RepositoryID, "repository identifier used in session traces and hook payloads")
}

func (o ServeOptions) Validate(args []string) error {
	if o.ConfigPath == "" {
		return fmt.Errorf("--config is required")
	}
	if o.cfg.Storage.Kind != "fs" {
		return fmt.Errorf("storage.kind %q is not supported by serve (only fs backs refs + hot objects)", o.cfg.Storage.Kind)
	}
	if o.cfg.Storage.FSRoot == "" {
		return fmt.Errorf("storage.fs_root is required for storage.kind fs")
	}
	return nil
}

// Complete fills in fields required to have valid data: loads the
// config file and constructs every dependency serve's HTTP handlers
// need, mirroring start.go's Complete deriving runtime fields from raw
// flag input.
func (o *ServeOptions) Complete() error {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return err
	}
	if o.ListenOverride != "" {
		cfg.Listen = o.ListenOverride
	}
	o.cfg = cfg

	if cfg.Storage.Kind != "fs" {
		// Left for Validate to reject with a clear message; constructing
		// an FSBackend from an unrelated kind's settings would just
		// misbehave rather than fail cleanly.
		return nil
	}

	backend, err := storage.NewFSBackend(cfg.Storage.FSRoot)
	if err != nil {
		return fmt.Errorf("opening storage at %s: %w", cfg.Storage.FSRoot, err)
	}
	o.backend = backend
	o.refStore = refs.New(backend)
	o.objStore = objectstore.New(backend)
	o.index = objectstore.NewObjectIndex()

	var dispatcher *protection.WebhookDispatcher
	for _, h := range cfg.HookList() {
		if h.Webhook != nil {
			dispatcher = protection.NewWebhookDispatcher(http.DefaultClient)
			break
		}
	}
	o.registry = protection.NewRegistry(cfg.HookList(), dispatcher)

	policy := auth.Policy{
		AllowAnonymous:    cfg.Auth.AllowAnonymous,
		AnonymousReadOnly: cfg.Auth.AnonymousReadOnly,
		Realm:             cfg.Auth.Realm,
	}
	switch {
	case cfg.Auth.JWTSecret != "":
		secret := []byte(cfg.Auth.JWTSecret)
		policy.Provider = auth.JWTProvider{Keyfunc: func(t *jwt.Token) (interface{}, error) { return secret, nil }}
	case len(cfg.Auth.BasicUsers) > 0:
		policy.Provider = auth.BasicProvider{Credentials: cfg.Auth.BasicUsers}
	}
	o.policy = policy

	return nil
}

// Run starts the HTTP server and blocks until it exits.
func (o *ServeOptions) Run(ctx context.Context) error {
	surface := query.New(o.refStore, o.objStore, o.index, receivepack.NewSessionStore())
	repo := &httpapi.Repository{
		ID:       o.RepositoryID,
		RefStore: o.refStore,
		ObjStore: o.objStore,
		Index:    o.index,
		MainTier: o.backend,
		Registry: o.registry,
		Rules:    o.cfg.ProtectionRules(),
		Agent:    o.cfg.Agent,
		Sessions: surface.Sessions,
		Query:    surface,
	}

	server := httpapi.New(repo, o.policy)
	engine := gin.New()
	engine.Use(gin.Recovery())
	server.Routes(engine)

	klog.Infof("gitd listening on %s (repository %s, storage root %s)", o.cfg.Listen, o.RepositoryID, o.cfg.Storage.FSRoot)
	return http.ListenAndServe(o.cfg.Listen, engine)
}
