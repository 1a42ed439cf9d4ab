package cli

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/keymint/keymint/internal/model"
	"github.com/keymint/keymint/internal/store"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey"},
		Short:   "Manage client API keys",
		Long:    "Create, list, and revoke API keys used by devices to call the activation API.",
	}

	cmd.AddCommand(newKeyCreateCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyRevokeCmd())

	return cmd
}

// ---------- key create ----------

func newKeyCreateCmd() *cobra.Command {
	var label string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new API key",
		Long:  "Generate a new client API key. The raw key is shown once and cannot be retrieved again.",
		Example: `  keymint key create --label "desktop app v2"
  keymint key create`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyCreate(label)
		},
	}

	cmd.Flags().StringVar(&label, "label", "", "Human-readable label for the key")

	return cmd
}

func runKeyCreate(label string) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	// Generate 32 random bytes, hex encode, prefix with "km_"
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		return fmt.Errorf("generate random key: %w", err)
	}
	rawKey := "km_" + hex.EncodeToString(randomBytes)

	// Hash the key for storage
	keyHash := store.HashAPIKey(rawKey)

	// Use first 11 chars as prefix (km_ + 8 hex chars)
	keyPrefix := rawKey[:11]

	apiKey := &model.APIKey{
		KeyHash:   keyHash,
		KeyPrefix: keyPrefix,
		Label:     label,
		IsActive:  true,
	}

	if err := st.CreateAPIKey(context.Background(), apiKey); err != nil {
		return fmt.Errorf("create api key: %w", err)
	}

	fmt.Println("API Key created:")
	fmt.Println()
	fmt.Printf("  Key:   %s\n", rawKey)
	if label != "" {
		fmt.Printf("  Label: %s\n", label)
	}
	fmt.Println()
	fmt.Println("  Save this key now - it cannot be retrieved again.")
	return nil
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyList(jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runKeyList(jsonOutput bool) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	keys, err := st.ListAPIKeys(context.Background())
	if err != nil {
		return fmt.Errorf("list api keys: %w", err)
	}

	type keyRow struct {
		Prefix string `json:"prefix"`
		Label  string `json:"label"`
		Active bool   `json:"active"`
	}

	rows := make([]keyRow, len(keys))
	for i, k := range keys {
		rows[i] = keyRow{
			Prefix: k.KeyPrefix,
			Label:  k.Label,
			Active: k.IsActive,
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	if len(rows) == 0 {
		fmt.Println("No API keys configured. Use 'keymint key create' to create one.")
		return nil
	}

	fmt.Printf("%-16s %-24s %-8s\n", "PREFIX", "LABEL", "ACTIVE")
	fmt.Printf("%-16s %-24s %-8s\n", "------", "-----", "------")
	for _, k := range rows {
		active := "yes"
		if !k.Active {
			active = "no"
		}
		fmt.Printf("%-16s %-24s %-8s\n", k.Prefix, k.Label, active)
	}

	return nil
}

// ---------- key revoke ----------

func newKeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <prefix>",
		Short: "Revoke an API key by its prefix",
		Long:  "Deactivate an API key, preventing any further authenticated requests using that key.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyRevoke(args[0])
		},
	}

	return cmd
}

func runKeyRevoke(prefix string) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()

	keys, err := st.ListAPIKeys(ctx)
	if err != nil {
		return fmt.Errorf("list api keys: %w", err)
	}

	// Find key whose prefix starts with the given prefix
	var matchedKey *model.APIKey
	for i := range keys {
		if strings.HasPrefix(keys[i].KeyPrefix, prefix) || keys[i].KeyPrefix == prefix {
			matchedKey = &keys[i]
			break
		}
	}
	if matchedKey == nil {
		return fmt.Errorf("no API key found with prefix %q", prefix)
	}

	if err := st.RevokeAPIKey(ctx, matchedKey.ID); err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}

	fmt.Printf("Revoked API key with prefix %q\n", matchedKey.KeyPrefix)
	return nil
}
