// Package quarantine provides commands that inspect and manage the running
// agent's quarantine vault.
package quarantine

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/sentinel-av/sentinel/cmd/remote"
	"github.com/sentinel-av/sentinel/internal/conf"
	"github.com/sentinel-av/sentinel/internal/quarantine"
)

// Command creates the quarantine command and its list, restore and purge
// subcommands.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quarantine",
		Short: "Manage quarantined files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("please specify a subcommand: list, restore or purge")
		},
	}
	cmd.AddCommand(listCommand(settings), restoreCommand(settings), purgeCommand(settings))
	return cmd
}

func listCommand(settings *conf.Settings) *cobra.Command {
	var (
		status string
		filter quarantine.Filter
		within time.Duration
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List quarantine records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" {
				st, err := quarantine.ParseStatus(status)
				if err != nil {
					return err
				}
				filter.Status = &st
			}
			if within > 0 {
				filter.Since = time.Now().Add(-within)
			}

			client, err := remote.Client(settings)
			if err != nil {
				return err
			}
			defer client.Close()

			records, err := client.Quarantine(cmd.Context(), filter)
			if err != nil {
				return err
			}
			printRecords(cmd.OutOrStdout(), records)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Only records in this state (active, restored, deleted)")
	cmd.Flags().StringVar(&filter.ThreatName, "threat", "", "Only records for this threat name")
	cmd.Flags().StringVar(&filter.PathPrefix, "path", "", "Only records whose original path starts with this prefix")
	cmd.Flags().DurationVar(&within, "within", 0, "Only records quarantined within this duration, e.g. 24h")
	return cmd
}

func restoreCommand(settings *conf.Settings) *cobra.Command {
	var opts quarantine.RestoreOptions

	cmd := &cobra.Command{
		Use:   "restore [id]",
		Short: "Restore a quarantined file",
		Long: "Decrypt a quarantined file back to its original location, or to --to. " +
			"The destination is not overwritten unless --overwrite is given.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := remote.Client(settings)
			if err != nil {
				return err
			}
			defer client.Close()

			rec, err := client.Restore(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			dest := opts.Path
			if dest == "" {
				dest = rec.OriginalPath
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored %s to %s\n", rec.ID, dest)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Path, "to", "", "Restore to this path instead of the original")
	cmd.Flags().BoolVar(&opts.Overwrite, "overwrite", false, "Replace an existing file at the destination")
	return cmd
}

func purgeCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "purge [id]",
		Short: "Securely delete a quarantined file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := remote.Client(settings)
			if err != nil {
				return err
			}
			defer client.Close()

			rec, err := client.Purge(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Purged %s (%s)\n", rec.ID, rec.OriginalPath)
			return nil
		},
	}
}

func printRecords(w io.Writer, records []quarantine.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No quarantine records")
		return
	}
	tw := remote.Table(w)
	fmt.Fprintln(tw, "ID\tSTATUS\tTHREAT\tSIZE\tQUARANTINED\tORIGINAL PATH")
	for _, r := range records {
		path := r.OriginalPath
		if r.Locked {
			path += " (locked)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Status, r.ThreatName, remote.Bytes(r.Size), remote.Timestamp(r.QuarantinedAt), path)
	}
	_ = tw.Flush()
}
