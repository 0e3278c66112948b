// Package update provides commands that build signed signature updates and
// push them to the running agent.
package update

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sentinel-av/sentinel/cmd/remote"
	"github.com/sentinel-av/sentinel/internal/conf"
	"github.com/sentinel-av/sentinel/internal/signature"
	"github.com/sentinel-av/sentinel/internal/update"
)

// Command creates the update command.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Build and apply signature database updates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("please specify a subcommand: apply or build")
		},
	}
	cmd.AddCommand(applyCommand(settings), buildCommand())
	return cmd
}

func applyCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "apply [package file]",
		Short: "Send an update package to the running agent",
		Long: "Upload a signed update package. The agent verifies it against its trusted key " +
			"and installs it, or keeps the active database if verification fails.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Decode locally first so obvious garbage never leaves the machine
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read update package: %w", err)
			}
			if _, err := update.Decode(data); err != nil {
				return err
			}

			client, err := remote.Client(settings)
			if err != nil {
				return err
			}
			defer client.Close()

			resp, err := client.ApplyUpdate(cmd.Context(), bytes.NewReader(data))
			if err != nil {
				return err
			}
			if resp.Retrying {
				fmt.Fprintf(cmd.OutOrStdout(), "Deferred %s update (%s), retrying in background; signature database still v%d\n",
					resp.Kind, resp.Error, resp.Version)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Installed %s update, signature database now v%d\n", resp.Kind, resp.Version)
			return nil
		},
	}
}

func buildCommand() *cobra.Command {
	var keyPath, basePath, outPath string

	cmd := &cobra.Command{
		Use:   "build [target payload]",
		Short: "Build a signed update package",
		Long: "Sign a target signature database payload as a full update, or as a delta " +
			"against --base. The payload is the signatures.json written by 'signatures build'.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := signature.LoadPrivateKey(keyPath)
			if err != nil {
				return err
			}
			target, err := readPayload(args[0])
			if err != nil {
				return err
			}

			var pkg *update.Package
			if basePath == "" {
				pkg, err = update.BuildFull(key, target)
			} else {
				var base *signature.Database
				if base, err = readPayload(basePath); err != nil {
					return err
				}
				if base.Version() >= target.Version() {
					return fmt.Errorf("base version %d is not older than target version %d", base.Version(), target.Version())
				}
				pkg, err = update.BuildDelta(key, base, target)
			}
			if err != nil {
				return fmt.Errorf("failed to build update: %w", err)
			}

			if outPath == "" {
				outPath = fmt.Sprintf("update-v%d-%s.json", pkg.Version, pkg.Kind())
			}
			if err := update.WriteFile(outPath, pkg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s update v%d to %s\n", pkg.Kind(), pkg.Version, outPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&keyPath, "key", "k", "", "PEM encoded RSA private key used to sign")
	cmd.Flags().StringVar(&basePath, "base", "", "Payload of the base version; builds a delta when set")
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "Output file (default: update-v<version>-<kind>.json)")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func readPayload(path string) (*signature.Database, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	return signature.DecodePayload(data)
}
