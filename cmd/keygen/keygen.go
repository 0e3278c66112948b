// Package keygen provides the command that creates the RSA-2048 key pair
// used to sign signature databases and updates.
package keygen

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/sentinel-av/sentinel/internal/signature"
)

const (
	privateKeyFile = "update_private.pem"
	publicKeyFile  = "update_public.pem"
)

// Command creates the keygen command.
func Command() *cobra.Command {
	var outDir string
	var force bool

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an update signing key pair",
		Long: "Generate an RSA-2048 key pair. Keep the private key off endpoints; " +
			"distribute the public key as signatures.publickeypath.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, pub, err := Generate(outDir, force)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Private key: %s\nPublic key:  %s\n", priv, pub)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outDir, "output", "o", ".", "Directory for the key files")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing key files")
	return cmd
}

// Generate writes a new key pair into dir and returns the file paths.
func Generate(dir string, force bool) (privPath, pubPath string, err error) {
	privPath = filepath.Join(dir, privateKeyFile)
	pubPath = filepath.Join(dir, publicKeyFile)
	if !force {
		for _, p := range []string{privPath, pubPath} {
			if _, err := os.Stat(p); err == nil {
				return "", "", fmt.Errorf("%s already exists, use --force to replace it", p)
			}
		}
	}

	key, err := signature.GenerateKey()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate key: %w", err)
	}
	privPEM, err := signature.EncodePrivateKeyPEM(key)
	if err != nil {
		return "", "", err
	}
	pubPEM, err := signature.EncodePublicKeyPEM(&key.PublicKey)
	if err != nil {
		return "", "", err
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", "", fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
		return "", "", fmt.Errorf("failed to write private key: %w", err)
	}
	if err := os.WriteFile(pubPath, pubPEM, 0o644); err != nil {
		return "", "", fmt.Errorf("failed to write public key: %w", err)
	}
	return privPath, pubPath, nil
}
