// Package status provides the command that reports the running agent's
// health, resources, sessions and history totals.
package status

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sentinel-av/sentinel/cmd/remote"
	"github.com/sentinel-av/sentinel/internal/api"
	"github.com/sentinel-av/sentinel/internal/conf"
	"github.com/sentinel-av/sentinel/internal/datastore"
	"github.com/sentinel-av/sentinel/internal/orchestrator"
	"github.com/sentinel-av/sentinel/internal/quarantine"
)

// Command creates the status command.
func Command(settings *conf.Settings) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show agent health and activity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := remote.Client(settings)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx := cmd.Context()
			st, err := client.Status(ctx)
			if err != nil {
				return fmt.Errorf("agent at %s unreachable: %w", settings.API.Listen, err)
			}
			res, err := client.Resources(ctx)
			if err != nil {
				return err
			}
			// History is optional on the agent side
			stats, statsErr := client.Statistics(ctx)

			w := cmd.OutOrStdout()
			printHealth(w, st, res)
			printSessions(w, st, all)
			if statsErr == nil {
				printStatistics(w, stats)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Include finished sessions")
	return cmd
}

func printHealth(w io.Writer, st api.StatusResponse, res api.ResourcesResponse) {
	tw := remote.Table(w)
	fmt.Fprintf(tw, "Health:\t%s\n", strings.ToUpper(st.Health.Level.String()))
	for _, r := range st.Health.Reasons {
		fmt.Fprintf(tw, "\t- %s\n", r)
	}
	fmt.Fprintf(tw, "Failsafe:\t%t\n", st.Health.Failsafe)
	fmt.Fprintf(tw, "Throttled:\t%t\n", res.Throttled)
	fmt.Fprintf(tw, "Signature database:\tv%d\n", st.DatabaseVersion)
	if st.Health.UpdateFailures > 0 {
		fmt.Fprintf(tw, "Update failures:\t%d\n", st.Health.UpdateFailures)
	}
	fmt.Fprintf(tw, "Uptime:\t%s\n", st.Uptime)
	fmt.Fprintf(tw, "CPU:\t%.1f%% (system %.1f%%)\n", res.Usage.CPUPercent, res.Usage.SystemCPUPercent)
	fmt.Fprintf(tw, "Memory:\t%.0f MB resident\n", res.Usage.ProcessRSSMB)
	if len(st.Quarantine) > 0 {
		fmt.Fprintf(tw, "Quarantine:\t%d active, %d restored, %d deleted\n",
			st.Quarantine[quarantine.StatusActive],
			st.Quarantine[quarantine.StatusRestored],
			st.Quarantine[quarantine.StatusDeleted])
	}
	_ = tw.Flush()
}

func printSessions(w io.Writer, st api.StatusResponse, all bool) {
	sessions := st.Sessions
	if !all {
		sessions = slices.DeleteFunc(slices.Clone(sessions), func(s orchestrator.Session) bool {
			return s.State.Terminal()
		})
	}
	fmt.Fprintln(w)
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No active scan sessions")
		return
	}
	tw := remote.Table(w)
	fmt.Fprintln(tw, "SESSION\tKIND\tSTATE\tSCANNED\tINFECTED\tSTARTED")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
			s.ID, s.Kind, s.State, s.Stats.FilesScanned, s.Stats.Infected, remote.Timestamp(s.StartedAt))
	}
	_ = tw.Flush()
}

func printStatistics(w io.Writer, stats datastore.Statistics) {
	fmt.Fprintln(w)
	tw := remote.Table(w)
	fmt.Fprintf(tw, "Threat events:\t%d\n", stats.TotalEvents)
	if !stats.LastEvent.IsZero() {
		fmt.Fprintf(tw, "Last event:\t%s\n", remote.Timestamp(stats.LastEvent))
	}
	for _, t := range stats.TopThreats {
		fmt.Fprintf(tw, "\t%s\t%d\n", t.ThreatName, t.Count)
	}
	_ = tw.Flush()
}
