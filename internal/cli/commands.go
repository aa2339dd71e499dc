package cli

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"edgeattend/internal/auth"
	"edgeattend/internal/httpapi"
	"edgeattend/internal/syncengine"
)

// NewTokenCommand mints a bearer token for a scanner or operator.
func NewTokenCommand(root *RootOptions) *cobra.Command {
	var (
		role    string
		subject string
		ttl     time.Duration
		device  string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the device API",
		Long: `Mint a bearer token signed with JWT_SIGNING_KEY.

Scanner tokens may submit scans. Operator tokens may also list the buffer,
requeue failed records and trigger a sync pass.

Examples:
  edgectl token --role scanner --subject capture-1
  edgectl token --role operator --ttl 1h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if role != auth.RoleScanner && role != auth.RoleOperator {
				return xerrors.Errorf("invalid role %q: must be %s or %s", role, auth.RoleScanner, auth.RoleOperator)
			}
			if !cmd.Flags().Changed("device") {
				device = root.Config.DeviceID
			}
			if ttl <= 0 {
				ttl = root.Config.AccessTTL
			}
			tok, err := auth.Issue(subject, role, device, root.Config.JWTIssuer, root.Config.JWTSigningKey, ttl, time.Now())
			if err != nil {
				return xerrors.Errorf("issue token: %w", err)
			}
			return root.print(cmd.OutOrStdout(), tok, func(w io.Writer) error {
				return printf(w, "%s\n", tok.Value)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", auth.RoleScanner, "token role (scanner|operator)")
	cmd.Flags().StringVar(&subject, "subject", "edgectl", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default $ACCESS_TTL)")
	cmd.Flags().StringVar(&device, "device", "", "pin the token to a device id, empty for any device (default $DEVICE_ID)")
	return cmd
}

// NewStatusCommand shows the daemon's health.
func NewStatusCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show central connectivity and the pending backlog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := root.client()
			if err != nil {
				return err
			}
			var health struct {
				Status  string `json:"status"`
				Central bool   `json:"central"`
				Redis   *bool  `json:"redis,omitempty"`
				Pending *int   `json:"pending,omitempty"`
			}
			if err := c.do(cmd.Context(), http.MethodGet, "/healthz", &health); err != nil {
				return err
			}
			return root.print(cmd.OutOrStdout(), health, func(w io.Writer) error {
				line := fmt.Sprintf("status=%s central=%t", health.Status, health.Central)
				if health.Redis != nil {
					line += fmt.Sprintf(" redis=%t", *health.Redis)
				}
				if health.Pending != nil {
					line += fmt.Sprintf(" pending=%d", *health.Pending)
				}
				return printf(w, "%s\n", line)
			})
		},
	}
}

// NewBufferCommand lists buffered records in one sync state.
func NewBufferCommand(root *RootOptions, use, short, state string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := root.client()
			if err != nil {
				return err
			}
			var listing httpapi.BufferListing
			if err := c.do(cmd.Context(), http.MethodGet, "/v1/buffer?state="+state, &listing); err != nil {
				return err
			}
			return root.print(cmd.OutOrStdout(), listing, func(w io.Writer) error {
				if len(listing.Records) == 0 {
					return printf(w, "no %s records\n", state)
				}
				return writeBufferTable(w, listing.Records)
			})
		},
	}
}

func writeBufferTable(w io.Writer, records []httpapi.BufferEntry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tWORKER\tDATE\tTIME IN\tTIME OUT\tSTATE\tATTEMPTS\tLAST ERROR")
	for _, r := range records {
		out := "-"
		if r.TimeOut != nil {
			out = r.TimeOut.Format(time.TimeOnly)
		}
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			r.BufferID, r.WorkerID, r.Date, r.TimeIn.Format(time.TimeOnly), out, r.State, r.Attempts, r.LastError)
	}
	return tw.Flush()
}

// NewRequeueCommand gives a failed record a fresh retry budget.
func NewRequeueCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue BUFFER_ID",
		Short: "Move a failed record back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return xerrors.Errorf("invalid buffer id %q", args[0])
			}
			c, err := root.client()
			if err != nil {
				return err
			}
			var res struct {
				BufferID  int64  `json:"buffer_id"`
				SyncState string `json:"sync_state"`
			}
			if err := c.do(cmd.Context(), http.MethodPost, "/v1/buffer/"+strconv.FormatInt(id, 10)+"/requeue", &res); err != nil {
				return err
			}
			return root.print(cmd.OutOrStdout(), res, func(w io.Writer) error {
				return printf(w, "record %d is %s\n", res.BufferID, res.SyncState)
			})
		},
	}
}

// NewSyncCommand runs one synchronization pass on the daemon.
func NewSyncCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run a synchronization pass now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := root.client()
			if err != nil {
				return err
			}
			var res syncengine.Result
			if err := c.do(cmd.Context(), http.MethodPost, "/v1/sync", &res); err != nil {
				return err
			}
			return root.print(cmd.OutOrStdout(), res, func(w io.Writer) error {
				if res.Aborted {
					return printf(w, "central store unreachable, %d records pending\n", res.Pending)
				}
				return printf(w, "synced=%d failed=%d pending=%d\n", res.Synced, res.Failed, res.Pending)
			})
		},
	}
}
