// Package cli implements the receipts inspection commands.
package cli

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/meow-io/go-receipts"
	"github.com/meow-io/go-receipts/config"
	"github.com/meow-io/go-receipts/ids"
	"github.com/meow-io/go-receipts/receipt"
	"github.com/spf13/cobra"
)

const PasswordEnv = "RECEIPTS_PASSWORD"

type options struct {
	root       string
	configPath string
	debug      bool
}

// RootCmd returns the receipts command with all subcommands attached.
func RootCmd() *cobra.Command {
	o := &options{}
	rootCmd := &cobra.Command{
		Use:   "receipts",
		Short: "Inspect the return receipt database",
		Long: `receipts opens an existing receipt database and shows what has been reconciled.
The database password is read from ` + PasswordEnv + `.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&o.root, "root", "", "root directory of the receipt database")
	rootCmd.PersistentFlags().StringVar(&o.configPath, "config", "", "YAML config file")
	rootCmd.PersistentFlags().BoolVar(&o.debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(statusCmd(o))
	rootCmd.AddCommand(stalledCmd(o))
	rootCmd.AddCommand(drainCmd(o))
	rootCmd.AddCommand(malformedCmd(o))
	return rootCmd
}

// open opens an existing database. The caller must shut it down.
func (o *options) open() (*receipts.Receipts, error) {
	var opts []config.Option
	if o.configPath != "" {
		fileOpts, err := config.LoadFile(o.configPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, fileOpts...)
	}
	if o.root != "" {
		opts = append(opts, config.WithRootDir(o.root))
	}
	if o.debug {
		opts = append(opts, config.WithDebug(true))
	}
	opts = append(opts, config.WithLoggingPrefix("cli"))

	password, ok := os.LookupEnv(PasswordEnv)
	if !ok {
		return nil, fmt.Errorf("%s is not set", PasswordEnv)
	}

	r, err := receipts.NewReceipts(config.NewConfig(opts...))
	if err != nil {
		return nil, err
	}
	if r.New() {
		return nil, errors.New("no receipt database found")
	}
	key, err := r.NewKey(password)
	if err != nil {
		return nil, err
	}
	if err := r.Open(key); err != nil {
		return nil, fmt.Errorf("failed to open receipt database: %w", err)
	}
	return r, nil
}

func (o *options) run(f func(r *receipts.Receipts) error) error {
	r, err := o.open()
	if err != nil {
		return err
	}
	err = f(r)
	if shutdownErr := r.Shutdown(); err == nil {
		err = shutdownErr
	}
	return err
}

func statusCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status <message-id>",
		Short: "Show the reconciled status of a sent message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := ids.ParseID(args[0])
			if err != nil {
				return fmt.Errorf("invalid message id: %w", err)
			}
			return o.run(func(r *receipts.Receipts) error {
				status, err := r.MessageStatus(id)
				if err != nil {
					return fmt.Errorf("failed to get status: %w", err)
				}
				records, err := r.Records(id)
				if err != nil {
					return err
				}
				attachments, err := r.AttachmentStatuses(id)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Message %s: %s\n", id, statusColor(status).Sprint(status))
				for i, s := range attachments {
					fmt.Fprintf(out, "  attachment %d: %s\n", i, statusColor(s).Sprint(s))
				}
				fmt.Fprintln(out)

				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "RECIPIENT\tSENT\tDELIVERED\tREAD")
				fmt.Fprintln(w, "---------\t----\t---------\t----")
				for _, rec := range records {
					fmt.Fprintf(w, "%x\t%s\t%s\t%s\n", rec.RecipientIdentity, formatTimestamp(rec.SentAt), formatTimestamp(rec.DeliveredAt), formatTimestamp(rec.ReadAt))
				}
				return w.Flush()
			})
		},
	}
}

func stalledCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stalled",
		Short: "List receipts waiting for a key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(func(r *receipts.Receipts) error {
				stalled, err := r.Stalled()
				if err != nil {
					return fmt.Errorf("failed to list stalled receipts: %w", err)
				}
				out := cmd.OutOrStdout()
				if len(stalled) == 0 {
					fmt.Fprintln(out, "No stalled receipts.")
					return nil
				}

				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tOWNED\tNONCE\tSTASHED")
				fmt.Fprintln(w, "--\t-----\t-----\t-------")
				for _, s := range stalled {
					stashed := time.UnixMilli(int64(s.StashedAtMs)).UTC().Format(time.RFC3339)
					fmt.Fprintf(w, "%s\t%x\t%x\t%s\n", s.ID, s.OwnedIdentity, s.Nonce, stashed)
				}
				if err := w.Flush(); err != nil {
					return err
				}
				fmt.Fprintf(out, "\n%s\n", color.New(color.FgYellow).Sprintf("%d stalled", len(stalled)))
				return nil
			})
		},
	}
}

func malformedCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "malformed",
		Short: "List receipts that opened but could not be parsed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(func(r *receipts.Receipts) error {
				malformed, err := r.Malformed()
				if err != nil {
					return fmt.Errorf("failed to list malformed receipts: %w", err)
				}
				out := cmd.OutOrStdout()
				if len(malformed) == 0 {
					fmt.Fprintln(out, "No malformed receipts.")
					return nil
				}

				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tOWNED\tNONCE\tQUARANTINED\tREASON")
				fmt.Fprintln(w, "--\t-----\t-----\t-----------\t------")
				for _, m := range malformed {
					at := time.UnixMilli(int64(m.QuarantinedAtMs)).UTC().Format(time.RFC3339)
					fmt.Fprintf(w, "%s\t%x\t%x\t%s\t%s\n", m.ID, m.OwnedIdentity, m.Nonce, at, m.Reason)
				}
				if err := w.Flush(); err != nil {
					return err
				}
				fmt.Fprintf(out, "\n%s\n", color.New(color.FgRed).Sprintf("%d malformed", len(malformed)))
				return nil
			})
		},
	}
}

func drainCmd(o *options) *cobra.Command {
	var retry bool
	cmd := &cobra.Command{
		Use:   "drain <owned-identity> <nonce> [key]",
		Short: "Retry stalled receipts for a nonce",
		Long: `Decrypt stalled receipts for a nonce with the given hex encoded key. With --retry the
key is omitted and every key currently known for the nonce is tried.`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			decoded := make([][]byte, len(args))
			for i, a := range args {
				b, err := hex.DecodeString(a)
				if err != nil {
					return fmt.Errorf("argument %d is not hex: %w", i+1, err)
				}
				decoded[i] = b
			}
			if retry == (len(decoded) == 3) {
				return errors.New("give either a key or --retry")
			}

			return o.run(func(r *receipts.Receipts) error {
				var drained int
				var err error
				if retry {
					drained, err = r.RetryStalled(context.Background(), decoded[0], decoded[1])
				} else {
					drained, err = r.DrainStalled(context.Background(), decoded[0], decoded[1], decoded[2])
				}
				if err != nil {
					return fmt.Errorf("failed to drain: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s drained %d receipts\n", color.New(color.FgGreen).Sprint("✓"), drained)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&retry, "retry", false, "try every known key for the nonce")
	return cmd
}

func statusColor(s receipt.Status) *color.Color {
	switch s {
	case receipt.StatusReadAll, receipt.StatusDeliveredAll:
		return color.New(color.FgGreen)
	case receipt.StatusRead, receipt.StatusDelivered:
		return color.New(color.FgCyan)
	default:
		return color.New(color.FgYellow)
	}
}

func formatTimestamp(t receipt.Timestamp) string {
	if !t.IsSet() {
		return "-"
	}
	ms, ok := t.Ms()
	if !ok {
		return "yes"
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
