// Package agent provides the command that runs the resident protection agent.
package agent

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sentinel-av/sentinel/internal/agent"
	"github.com/sentinel-av/sentinel/internal/buildinfo"
	"github.com/sentinel-av/sentinel/internal/conf"
)

// Command creates the agent command.
func Command(settings *conf.Settings, info buildinfo.BuildInfo) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the protection agent",
		Long: "Run real-time monitoring, scheduled and manual scans, quarantine and the " +
			"local control API until interrupted.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := agent.New(settings, info)
			if err != nil {
				return fmt.Errorf("failed to start agent: %w", err)
			}
			return a.Run(cmd.Context())
		},
	}

	if err := setupFlags(cmd, settings); err != nil {
		panic(err)
	}
	return cmd
}

func setupFlags(cmd *cobra.Command, settings *conf.Settings) error {
	cmd.Flags().StringSliceVar(&settings.Monitor.Paths, "watch", viper.GetStringSlice("monitor.paths"), "Directories watched in real time")
	cmd.Flags().BoolVar(&settings.Monitor.Enabled, "realtime", viper.GetBool("monitor.enabled"), "Enable real-time monitoring")
	cmd.Flags().BoolVar(&settings.API.Enabled, "api-enabled", viper.GetBool("api.enabled"), "Serve the local control API")
	cmd.Flags().BoolVar(&settings.Metrics.Enabled, "metrics", viper.GetBool("metrics.enabled"), "Expose Prometheus metrics")
	cmd.Flags().IntVar(&settings.Scanner.Workers, "workers", viper.GetInt("scanner.workers"), "Scan worker pool size")

	for key, flag := range map[string]string{
		"monitor.paths":   "watch",
		"monitor.enabled": "realtime",
		"api.enabled":     "api-enabled",
		"metrics.enabled": "metrics",
		"scanner.workers": "workers",
	} {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("error binding flag %s: %w", flag, err)
		}
	}
	return nil
}
