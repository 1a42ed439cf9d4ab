package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/keymint/keymint/internal/codes"
	"github.com/keymint/keymint/internal/model"
	"github.com/keymint/keymint/internal/store"
)

func newCodesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "codes",
		Short: "Manage activation codes",
		Long:  "Generate, list, and clean up activation codes directly against the store.",
	}

	cmd.AddCommand(newCodesGenerateCmd())
	cmd.AddCommand(newCodesListCmd())
	cmd.AddCommand(newCodesCleanupCmd())

	return cmd
}

// ---------- codes generate ----------

func newCodesGenerateCmd() *cobra.Command {
	var (
		count     int
		expiresIn time.Duration
	)

	cmd := &cobra.Command{
		Use:     "generate",
		Aliases: []string{"gen"},
		Short:   "Generate a batch of activation codes",
		Example: `  keymint codes generate --count 100
  keymint codes generate --count 10 --expires-in 720h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCodesGenerate(count, expiresIn)
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of codes to generate")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "Expiry relative to now (0 = never expires)")

	return cmd
}

func runCodesGenerate(count int, expiresIn time.Duration) error {
	if count < 1 || count > 10000 {
		return fmt.Errorf("count must be between 1 and 10000, got %d", count)
	}

	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()

	var expiresAt *time.Time
	if expiresIn > 0 {
		t := time.Now().UTC().Add(expiresIn)
		expiresAt = &t
	}

	values, err := codes.GenerateBatch(count, count*5)
	if err != nil {
		return fmt.Errorf("generate codes: %w", err)
	}
	for i, v := range values {
		exists, err := st.CodeExists(ctx, v)
		if err != nil {
			return fmt.Errorf("check code: %w", err)
		}
		for retries := 0; exists; retries++ {
			if retries >= 5 {
				return fmt.Errorf("could not generate a unique code")
			}
			if v, err = codes.Generate(); err != nil {
				return fmt.Errorf("generate code: %w", err)
			}
			if exists, err = st.CodeExists(ctx, v); err != nil {
				return fmt.Errorf("check code: %w", err)
			}
		}
		values[i] = v
	}

	batch := make([]*model.ActivationCode, len(values))
	for i, v := range values {
		batch[i] = &model.ActivationCode{
			Code:      v,
			Status:    model.StatusUnused,
			ExpiresAt: expiresAt,
		}
	}
	if err := st.CreateCodes(ctx, batch); err != nil {
		return fmt.Errorf("store codes: %w", err)
	}

	for _, v := range values {
		fmt.Println(v)
	}
	fmt.Fprintf(os.Stderr, "Generated %d code(s)\n", len(values))
	if expiresAt != nil {
		fmt.Fprintf(os.Stderr, "Expires: %s\n", expiresAt.Format(time.RFC3339))
	}
	return nil
}

// ---------- codes list ----------

func newCodesListCmd() *cobra.Command {
	var (
		status     string
		search     string
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List activation codes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCodesList(status, search, limit, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (unused, used)")
	cmd.Flags().StringVar(&search, "search", "", "Search codes and device ids")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of codes to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runCodesList(status, search string, limit int, jsonOutput bool) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	list, total, err := st.ListCodes(context.Background(), store.CodeFilter{
		Status: status,
		Search: search,
		Limit:  limit,
	})
	if err != nil {
		return fmt.Errorf("list codes: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	}

	if len(list) == 0 {
		fmt.Println("No activation codes found. Use 'keymint codes generate' to create some.")
		return nil
	}

	fmt.Printf("%-22s %-8s %-28s %-20s\n", "CODE", "STATUS", "DEVICE", "EXPIRES")
	fmt.Printf("%-22s %-8s %-28s %-20s\n", "----", "------", "------", "-------")
	for _, c := range list {
		device := "-"
		if c.UsedByDeviceID != nil {
			device = *c.UsedByDeviceID
		}
		expires := "never"
		if c.ExpiresAt != nil {
			expires = c.ExpiresAt.Format("2006-01-02 15:04")
		}
		fmt.Printf("%-22s %-8s %-28s %-20s\n", c.Code, c.Status, device, expires)
	}
	fmt.Printf("\nShowing %d of %d code(s)\n", len(list), total)

	return nil
}

// ---------- codes cleanup ----------

func newCodesCleanupCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired codes that were never redeemed",
		Long:  "Remove expired unused codes from the store. Redeemed codes are kept as audit history regardless of expiry.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCodesCleanup(dryRun)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would be deleted without deleting")

	return cmd
}

func runCodesCleanup(dryRun bool) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	now := time.Now().UTC()

	if dryRun {
		stats, err := st.CleanupStats(ctx, now)
		if err != nil {
			return fmt.Errorf("cleanup stats: %w", err)
		}
		fmt.Printf("Would delete %d expired unused code(s)\n", stats.CleanableExpired)
		fmt.Printf("Expired total:  %d (redeemed ones are kept)\n", stats.TotalExpired)
		fmt.Printf("Codes in store: %d (%d unused, %d used)\n", stats.TotalCodes, stats.UnusedCodes, stats.UsedCodes)
		return nil
	}

	deleted, err := st.DeleteExpiredUnused(ctx, now)
	if err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}
	fmt.Printf("Deleted %d expired unused code(s)\n", deleted)
	return nil
}
