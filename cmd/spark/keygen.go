package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/spark/pkg/config"
	"github.com/cuemby/spark/pkg/security"
)

func newKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a key pair for this machine",
		Long: `Generate a fresh self-signed key pair for talking to the Lighthouse.

The private part is written as <name>_private.sec. The public certificate is
written as <name>.pub; copy it to the Lighthouse so that it trusts this
machine. The Lighthouse's own public key must be placed next to the private
key as <name>_lighthouse-server.pub.

Examples:
  # Keys for this host in the default location
  spark keygen

  # Keys for another machine
  spark keygen --name builder-07 --out /tmp/keys`,
		Args: cobra.NoArgs,
		RunE: runKeygen,
	}

	cmd.Flags().String("name", "", "Machine name (defaults to the host name)")
	cmd.Flags().String("out", "/etc/laniakea/keys", "Output directory")
	cmd.Flags().Duration("validity", 10*365*24*time.Hour, "Certificate validity")
	cmd.Flags().Bool("force", false, "Overwrite existing keys")

	return cmd
}

func runKeygen(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("name")
	outDir, _ := cmd.Flags().GetString("out")
	validity, _ := cmd.Flags().GetDuration("validity")
	force, _ := cmd.Flags().GetBool("force")

	if name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to determine host name, use --name: %w", err)
		}
		name = hostname
	}

	privPath := config.ClientKeyFile(outDir, name)
	pubPath := filepath.Join(outDir, name+".pub")

	if !force {
		if _, err := os.Stat(privPath); err == nil {
			return fmt.Errorf("%s already exists, use --force to overwrite", privPath)
		}
	}

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	cert, err := security.GenerateKeyPair(name, validity)
	if err != nil {
		return err
	}
	if err := security.WriteKeyPair(privPath, cert); err != nil {
		return err
	}
	if err := security.WritePublicCert(pubPath, cert); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✓ Private key written to %s\n", privPath)
	fmt.Fprintf(out, "✓ Public key written to %s\n", pubPath)
	fmt.Fprintf(out, "  Expires: %s\n", cert.Leaf.NotAfter.Format(time.RFC3339))
	return nil
}
