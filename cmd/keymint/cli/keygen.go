package cli

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

func newKeygenCmd() *cobra.Command {
	var (
		outDir string
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an ES256 signing key pair",
		Long: `Generate a P-256 ECDSA key pair for response signing.

The private key stays on the server (signing.private_key_file in the config);
the public key ships with client builds so they can verify responses.`,
		Example: `  keymint keygen
  keymint keygen --out ./keys`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeygen(outDir, force)
		},
	}

	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "Directory to write the key files to")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing key files")

	return cmd
}

func runKeygen(outDir string, force bool) error {
	privPath := filepath.Join(outDir, "signing_private.pem")
	pubPath := filepath.Join(outDir, "signing_public.pem")

	if !force {
		for _, path := range []string{privPath, pubPath} {
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
		}
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	privDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privDER})
	if err := os.WriteFile(privPath, privPEM, 0600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}

	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	if err := os.WriteFile(pubPath, pubPEM, 0644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}

	fmt.Println("Signing key pair generated:")
	fmt.Println()
	fmt.Printf("  Private key: %s  (keep on the server)\n", privPath)
	fmt.Printf("  Public key:  %s  (ship with clients)\n", pubPath)
	fmt.Println()
	fmt.Println("Point signing.private_key_file at the private key and restart the server.")
	return nil
}
