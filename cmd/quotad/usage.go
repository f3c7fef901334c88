package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/fatih/color"
	"github.com/orbisapp/quotad/internal/config"
	"github.com/orbisapp/quotad/internal/storage"
	"github.com/orbisapp/quotad/internal/usage"
	"github.com/spf13/cobra"
)

const rule = "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"

var (
	usageEmail   string
	usageFeature string
)

var usageCmd = &cobra.Command{
	Use:   "usage [flags] DEVICE",
	Short: "Show a device's usage and quota decision",
	Long:  `Show today's usage, premium state and the decision quotad would make for a device. Does not consume quota.`,
	Example: `  quotad -c config.yaml usage 3f2a9c1e-device
  quotad usage --email admin@example.com 3f2a9c1e-device`,
	Args: cobra.ExactArgs(1),
	RunE: runUsage,
}

var grantCmd = &cobra.Command{
	Use:     "grant DEVICE DAYS",
	Short:   "Grant premium to a device",
	Example: `  quotad grant 3f2a9c1e-device 30`,
	Args:    cobra.ExactArgs(2),
	RunE:    runGrant,
}

var verifyCmd = &cobra.Command{
	Use:     "verify DEVICE PURCHASE_TOKEN PRODUCT_ID",
	Short:   "Verify a purchase and grant premium",
	Example: `  quotad verify 3f2a9c1e-device "opaque-token" premium_monthly`,
	Args:    cobra.ExactArgs(3),
	RunE:    runVerify,
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove daily usage counters older than the retention window",
	Args:  cobra.NoArgs,
	RunE:  runPrune,
}

func init() {
	usageCmd.Flags().StringVar(&usageEmail, "email", "", "Signed-in email (admin override)")
	usageCmd.Flags().StringVar(&usageFeature, "feature", "", "Feature to check (default from configuration)")

	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(grantCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(pruneCmd)
}

// withTracker opens the configured store and builds a tracker for a one-shot command.
func withTracker(fn func(ctx context.Context, cfg *config.Config, store storage.Store, tracker *usage.Tracker) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := quietLogger()

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	tracker, _, err := newTracker(ctx, cfg, store, logger)
	if err != nil {
		return err
	}

	return fn(ctx, cfg, store, tracker)
}

func runUsage(cmd *cobra.Command, args []string) error {
	deviceID := args[0]

	return withTracker(func(ctx context.Context, _ *config.Config, _ storage.Store, tracker *usage.Tracker) error {
		snap, err := tracker.GetUsage(ctx, deviceID, usageEmail)
		if err != nil {
			return err
		}
		decision, err := tracker.CanUseFeature(ctx, deviceID, usageFeature, usageEmail)
		if err != nil {
			return err
		}

		printUsage(snap, decision)
		return nil
	})
}

func runGrant(cmd *cobra.Command, args []string) error {
	deviceID := args[0]
	days, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid number of days: %s", args[1])
	}

	return withTracker(func(ctx context.Context, _ *config.Config, _ storage.Store, tracker *usage.Tracker) error {
		receipt, err := tracker.GrantPremium(ctx, deviceID, days)
		if err != nil {
			return err
		}
		printReceipt("PREMIUM GRANT", deviceID, receipt)
		return nil
	})
}

func runVerify(cmd *cobra.Command, args []string) error {
	deviceID, token, productID := args[0], args[1], args[2]

	return withTracker(func(ctx context.Context, _ *config.Config, _ storage.Store, tracker *usage.Tracker) error {
		receipt, err := tracker.VerifyPurchase(ctx, deviceID, token, productID)
		if err != nil {
			return err
		}
		printReceipt("PURCHASE VERIFICATION", deviceID, receipt)
		return nil
	})
}

func runPrune(cmd *cobra.Command, args []string) error {
	return withTracker(func(ctx context.Context, cfg *config.Config, store storage.Store, _ *usage.Tracker) error {
		if cfg.Usage.RetentionDays < 1 {
			return fmt.Errorf("usage.retention_days is not set; nothing to prune")
		}

		rs, err := usage.NewRetentionScheduler(store.Usage(), cfg.Usage.RetentionDays, cfg.Usage.RetentionSchedule, usage.RealClock{}, quietLogger())
		if err != nil {
			return err
		}

		removed, err := rs.RunOnce(ctx)
		if err != nil {
			return err
		}

		green := color.New(color.FgGreen, color.Bold)
		_, _ = green.Printf("Removed %d daily counters before %s\n", removed, rs.Cutoff())
		return nil
	})
}

// printUsage prints the usage snapshot and decision with colors
func printUsage(snap *usage.Snapshot, decision *usage.Decision) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	fmt.Println()
	_, _ = cyan.Println(rule)
	_, _ = cyan.Println("USAGE CHECK")
	_, _ = cyan.Println(rule)
	fmt.Println()

	fmt.Printf("Device:       %s\n", snap.DeviceID)
	fmt.Printf("Today:        %d of %d free uses\n", snap.TodayUsage, snap.DailyLimit)
	fmt.Printf("Remaining:    %s\n", snap.Remaining)
	fmt.Printf("Admin:        %t\n", snap.IsAdmin)
	fmt.Printf("Premium:      %t\n", snap.IsPremium)
	if snap.PremiumUntil != nil {
		fmt.Printf("Premium until: %s\n", *snap.PremiumUntil)
	}
	fmt.Printf("Show ads:     %t\n", snap.ShowAds)
	fmt.Println()

	_, _ = cyan.Print("Decision:     ")
	switch decision.Reason {
	case usage.ReasonAdmin, usage.ReasonPremium:
		_, _ = green.Printf("ALLOW (%s)\n", decision.Reason)
		fmt.Println("              → Quota is not counted")
	case usage.ReasonFreeQuota:
		_, _ = yellow.Printf("ALLOW (%s)\n", decision.Reason)
		fmt.Printf("              → %s free uses left today\n", decision.Remaining)
	default:
		_, _ = red.Printf("DENY (%s)\n", decision.Reason)
		if decision.Message != "" {
			fmt.Printf("              → %s\n", decision.Message)
		}
	}

	fmt.Println()
	_, _ = cyan.Println(rule)
	fmt.Println()
}

// printReceipt prints the outcome of a grant or purchase
func printReceipt(title, deviceID string, receipt *usage.Receipt) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	fmt.Println()
	_, _ = cyan.Println(rule)
	_, _ = cyan.Println(title)
	_, _ = cyan.Println(rule)
	fmt.Println()

	fmt.Printf("Device:        %s\n", deviceID)
	if receipt.ProductID != "" {
		fmt.Printf("Product:       %s\n", receipt.ProductID)
	}

	_, _ = cyan.Print("Result:        ")
	if receipt.Success {
		_, _ = green.Println("GRANTED")
		fmt.Printf("Premium until: %s\n", receipt.PremiumUntil)
	} else {
		_, _ = red.Println("REJECTED")
		fmt.Printf("Reason:        %s\n", receipt.Error)
	}

	fmt.Println()
	_, _ = cyan.Println(rule)
	fmt.Println()
}
