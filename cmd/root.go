package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	agentcmd "github.com/sentinel-av/sentinel/cmd/agent"
	configcmd "github.com/sentinel-av/sentinel/cmd/config"
	"github.com/sentinel-av/sentinel/cmd/keygen"
	quarantinecmd "github.com/sentinel-av/sentinel/cmd/quarantine"
	"github.com/sentinel-av/sentinel/cmd/scan"
	"github.com/sentinel-av/sentinel/cmd/signatures"
	"github.com/sentinel-av/sentinel/cmd/status"
	updatecmd "github.com/sentinel-av/sentinel/cmd/update"
	"github.com/sentinel-av/sentinel/internal/buildinfo"
	"github.com/sentinel-av/sentinel/internal/conf"
)

// Exit codes follow the usual scanner convention.
const (
	exitThreatsFound = 1
	exitError        = 2
)

// RootCommand creates and returns the root command
func RootCommand(settings *conf.Settings, info *buildinfo.Context) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "sentinel",
		Short:         "Sentinel endpoint malware detection and containment",
		Version:       fmt.Sprintf("%s (built %s)", info.GetVersion(), info.GetBuildDate()),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	if err := setupFlags(rootCmd, settings); err != nil {
		// flag binding only fails on programming errors
		panic(err)
	}

	rootCmd.AddCommand(
		agentcmd.Command(settings, info),
		scan.Command(settings, info),
		quarantinecmd.Command(settings),
		status.Command(settings),
		updatecmd.Command(settings),
		signatures.Command(settings),
		keygen.Command(),
		configcmd.Command(settings),
	)

	// Flags may have changed settings after Load validated them
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return conf.ValidateSettings(settings)
	}
	return rootCmd
}

// ExitCode maps a command error to the process exit status.
func ExitCode(err error) int {
	if errors.Is(err, scan.ErrThreatsFound) {
		return exitThreatsFound
	}
	return exitError
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command, settings *conf.Settings) error {
	rootCmd.PersistentFlags().BoolVarP(&settings.Debug, "debug", "d", viper.GetBool("debug"), "Enable debug output")
	rootCmd.PersistentFlags().StringVar(&settings.API.Listen, "api", viper.GetString("api.listen"), "Control API address of the running agent")
	rootCmd.PersistentFlags().StringVar(&settings.API.Token, "token", viper.GetString("api.token"), "Bearer token for the control API")

	for key, flag := range map[string]string{"debug": "debug", "api.listen": "api", "api.token": "token"} {
		if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			return fmt.Errorf("error binding flag %s: %w", flag, err)
		}
	}
	return nil
}
