package main

import (
	"context"
	"io"

	"github.com/spf13/cobra"
)

// NewRootCommand wires gitd's subcommand tree, mirroring the teacher's
// `kpt` command tree shape: a `serve` subcommand starts the HTTP
// server, a `pack-refs` subcommand runs C6's offline maintenance task.
func NewRootCommand(ctx context.Context, out, errOut io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gitd",
		Short: "Git-compatible version control core",
		Long:  "gitd serves Git's object store, ref storage, and receive-pack protocol over HTTP.",
	}

	cmd.AddCommand(NewCommandServe(ctx, NewServeOptions(out, errOut)))
	cmd.AddCommand(NewCommandPackRefs(ctx, NewPackRefsOptions(out, errOut)))

	return cmd
}
