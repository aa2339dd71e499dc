// Package cli implements edgectl, the operator tool for an edge device.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"edgeattend/internal/auth"
	"edgeattend/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format string // "json" | "text"
	URL    string

	Config config.App
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for edgectl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "edgectl",
		Short:         "Operate an attendance edge device",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return xerrors.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			cfg, err := config.Load()
			if err != nil {
				return xerrors.Errorf("load config: %w", err)
			}
			opts.Config = cfg
			if opts.URL == "" {
				opts.URL = cfg.EdgeURL
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.URL, "url", "", "daemon base URL (default $EDGE_URL)")

	cmd.AddCommand(NewTokenCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewBufferCommand(opts, "pending", "List records waiting to be synchronized", "pending"))
	cmd.AddCommand(NewBufferCommand(opts, "failed", "List records that exhausted their retry budget", "failed"))
	cmd.AddCommand(NewRequeueCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))

	return cmd
}

// Execute runs edgectl and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "edgectl: %v\n", err)
		return 1
	}
	return 0
}

// operatorToken mints a short-lived operator token for talking to the daemon.
func (o *RootOptions) operatorToken(now time.Time) (string, error) {
	tok, err := auth.Issue("edgectl", auth.RoleOperator, o.Config.DeviceID, o.Config.JWTIssuer, o.Config.JWTSigningKey, time.Minute, now)
	if err != nil {
		return "", err
	}
	return tok.Value, nil
}

func (o *RootOptions) client() (*client, error) {
	token, err := o.operatorToken(time.Now())
	if err != nil {
		return nil, xerrors.Errorf("mint operator token: %w", err)
	}
	return newClient(o.URL, token), nil
}

// writeJSON prints v indented when --format=json.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (o *RootOptions) print(w io.Writer, v any, text func(io.Writer) error) error {
	if o.Format == "json" {
		return writeJSON(w, v)
	}
	if err := text(w); err != nil {
		return xerrors.Errorf("write output: %w", err)
	}
	return nil
}

func printf(w io.Writer, format string, args ...any) error {
	_, err := fmt.Fprintf(w, format, args...)
	return err
}
