// Package cli implements the crystalctl command tree.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/nidhogg/crystalline/internal/client"
	"github.com/spf13/cobra"
)

type options struct {
	server  string
	owner   string
	json    bool
	timeout time.Duration
}

// NewRootCmd builds a fresh crystalctl command tree.
func NewRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "crystalctl",
		Short:         "Submit experiences to and query a crystald server",
		Long:          "crystalctl talks to a crystald server: it submits experiences, recalls crystals and inspects an owner's identity essence.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.server, "server", "", "server URL (default $CRYSTAL_SERVER_URL or http://localhost:3210)")
	root.PersistentFlags().StringVarP(&opts.owner, "owner", "o", "", "owner id")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "print raw JSON")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(
		newSubmitCmd(opts),
		newRecallCmd(opts),
		newStateCmd(opts),
		newRelatedCmd(opts),
		newAssociationsCmd(opts),
		newCollectiveCmd(opts),
		newSimilarCmd(opts),
		newHealthCmd(opts),
	)
	return root
}

// Execute runs crystalctl with os.Args.
func Execute() error {
	return NewRootCmd().Execute()
}

func (o *options) client() *client.Client {
	return client.New(o.server)
}

func (o *options) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), o.timeout)
}

func (o *options) requireOwner() error {
	if o.owner == "" {
		return fmt.Errorf("--owner is required")
	}
	return nil
}

// printJSON writes v indented when --json is set and reports whether it did.
func (o *options) printJSON(w io.Writer, v interface{}) (bool, error) {
	if !o.json {
		return false, nil
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return true, enc.Encode(v)
}
