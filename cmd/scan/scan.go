// Package scan provides the on-demand scan command.
package scan

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/sentinel-av/sentinel/cmd/remote"
	"github.com/sentinel-av/sentinel/internal/agent"
	"github.com/sentinel-av/sentinel/internal/buildinfo"
	"github.com/sentinel-av/sentinel/internal/conf"
	"github.com/sentinel-av/sentinel/internal/datastore"
	"github.com/sentinel-av/sentinel/internal/errors"
	"github.com/sentinel-av/sentinel/internal/orchestrator"
)

// ErrThreatsFound is returned when a scan finished with infected files.
var ErrThreatsFound = errors.NewStd("threats found")

const pollInterval = 500 * time.Millisecond

type options struct {
	remote bool
	detach bool
}

// Command creates the scan command.
func Command(settings *conf.Settings, info buildinfo.BuildInfo) *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "scan [path...]",
		Short: "Scan files and directories",
		Long: "Scan the given paths and quarantine malicious files. By default the scan runs " +
			"in this process; --remote submits it to the running agent instead.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			roots, err := absolute(args)
			if err != nil {
				return err
			}
			if opts.remote {
				return runRemote(cmd.Context(), cmd.OutOrStdout(), settings, roots, opts.detach)
			}
			return runLocal(cmd.Context(), cmd.OutOrStdout(), settings, info, roots)
		},
	}

	cmd.Flags().BoolVar(&opts.remote, "remote", false, "Submit the scan to the running agent")
	cmd.Flags().BoolVar(&opts.detach, "detach", false, "With --remote, return once the scan is accepted")
	return cmd
}

func absolute(paths []string) ([]string, error) {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("invalid path %q: %w", p, err)
		}
		out = append(out, abs)
	}
	return out, nil
}

func runLocal(ctx context.Context, w io.Writer, settings *conf.Settings, info buildinfo.BuildInfo, roots []string) error {
	a, err := agent.New(settings, info, agent.Standalone())
	if err != nil {
		return err
	}
	defer a.Stop()
	if err := a.Start(ctx); err != nil {
		return err
	}

	orch := a.Orchestrator()
	session, err := orch.StartScan(ctx, roots, orchestrator.KindManual)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Scan %s started\n", session.ID)

	done, err := orch.Wait(ctx, session.ID)
	if err != nil {
		if ctx.Err() != nil {
			_ = orch.Cancel(session.ID)
			if s, serr := orch.Session(session.ID); serr == nil {
				printSummary(w, s)
			}
		}
		return err
	}

	var events []datastore.ThreatEvent
	if h := a.History(); h != nil {
		events, err = h.ThreatEvents(context.WithoutCancel(ctx), datastore.Filter{SessionID: session.ID})
		if err != nil {
			fmt.Fprintf(w, "warning: could not read findings: %v\n", err)
		}
	}
	return report(w, done, events)
}

func runRemote(ctx context.Context, w io.Writer, settings *conf.Settings, roots []string, detach bool) error {
	client, err := remote.Client(settings)
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := client.StartScan(ctx, roots, orchestrator.KindManual)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Scan %s accepted by agent\n", session.ID)
	if detach {
		return nil
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for !session.State.Terminal() {
		select {
		case <-ctx.Done():
			cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), remote.RequestTimeout)
			defer cancel()
			if s, cerr := client.Cancel(cancelCtx, session.ID); cerr == nil {
				printSummary(w, s)
			}
			return ctx.Err()
		case <-ticker.C:
		}
		if session, err = client.Session(ctx, session.ID); err != nil {
			return err
		}
	}

	events, err := client.Threats(ctx, datastore.Filter{SessionID: session.ID})
	if err != nil {
		fmt.Fprintf(w, "warning: could not read findings: %v\n", err)
	}
	return report(w, session, events)
}

func report(w io.Writer, s orchestrator.Session, events []datastore.ThreatEvent) error {
	if len(events) > 0 {
		tw := remote.Table(w)
		fmt.Fprintln(tw, "PATH\tTHREAT\tSEVERITY\tACTION")
		for _, e := range events {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.FilePath, e.ThreatName, e.Severity, e.Action)
		}
		_ = tw.Flush()
		fmt.Fprintln(w)
	}
	printSummary(w, s)

	if s.State == orchestrator.StateAborted && s.LastError != "" {
		return fmt.Errorf("scan aborted: %s", s.LastError)
	}
	if s.Stats.Infected > 0 {
		return ErrThreatsFound
	}
	return nil
}

func printSummary(w io.Writer, s orchestrator.Session) {
	st := s.Stats
	tw := remote.Table(w)
	fmt.Fprintf(tw, "State:\t%s\n", s.State)
	fmt.Fprintf(tw, "Files scanned:\t%d (%s)\n", st.FilesScanned, remote.Bytes(st.Bytes))
	fmt.Fprintf(tw, "Infected:\t%d\n", st.Infected)
	fmt.Fprintf(tw, "Suspicious:\t%d\n", st.Suspicious)
	fmt.Fprintf(tw, "Quarantined:\t%d\n", st.Quarantined)
	if st.QuarantineFailures > 0 {
		fmt.Fprintf(tw, "Quarantine failures:\t%d\n", st.QuarantineFailures)
	}
	fmt.Fprintf(tw, "Skipped:\t%d\n", st.Skipped)
	fmt.Fprintf(tw, "Errors:\t%d\n", st.Errors)
	if st.TimedOut > 0 {
		fmt.Fprintf(tw, "Timed out:\t%d\n", st.TimedOut)
	}
	fmt.Fprintf(tw, "Elapsed:\t%s (%.1f files/s)\n", st.Elapsed.Round(time.Millisecond), st.FilesPerSecond)
	_ = tw.Flush()
}
