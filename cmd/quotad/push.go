package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/orbisapp/quotad/internal/config"
	"github.com/orbisapp/quotad/internal/push"
	"github.com/spf13/cobra"
)

var (
	pushUser  string
	pushTopic string
	pushTitle string
	pushBody  string
	pushData  map[string]string
)

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Send push notifications through the configured provider",
}

var pushSendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send to a user's registered tokens or to a topic",
	Example: `  quotad push send --user uid-123 --title "Hello" --body "Your reading is ready"
  quotad push send --topic daily_horoscope --title "Today" --body "..." --data screen=daily`,
	Args: cobra.NoArgs,
	RunE: runPushSend,
}

var pushBroadcastCmd = &cobra.Command{
	Use:     "broadcast",
	Short:   "Send to every subscribed device",
	Example: `  quotad push broadcast --title "News" --body "Something happened"`,
	Args:    cobra.NoArgs,
	RunE:    runPushBroadcast,
}

func init() {
	pushSendCmd.Flags().StringVar(&pushUser, "user", "", "User id whose registered tokens receive the message")
	pushSendCmd.Flags().StringVar(&pushTopic, "topic", "", "Topic to send to")
	pushSendCmd.Flags().StringToStringVar(&pushData, "data", nil, "Extra data as key=value pairs")
	pushSendCmd.MarkFlagsOneRequired("user", "topic")
	pushSendCmd.MarkFlagsMutuallyExclusive("user", "topic")

	for _, c := range []*cobra.Command{pushSendCmd, pushBroadcastCmd} {
		c.Flags().StringVar(&pushTitle, "title", "", "Notification title (required)")
		c.Flags().StringVar(&pushBody, "body", "", "Notification body (required)")
		_ = c.MarkFlagRequired("title")
		_ = c.MarkFlagRequired("body")
	}

	pushCmd.AddCommand(pushSendCmd)
	pushCmd.AddCommand(pushBroadcastCmd)
	rootCmd.AddCommand(pushCmd)
}

func withPushService(fn func(ctx context.Context, svc *push.Service) (*push.SendResult, error)) error {
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
	svc, err := newPushService(ctx, cfg.Push, store, logger)
	if err != nil {
		return err
	}

	result, err := fn(ctx, svc)
	if err != nil {
		return err
	}

	printSendResult(result)
	return nil
}

func runPushSend(cmd *cobra.Command, args []string) error {
	return withPushService(func(ctx context.Context, svc *push.Service) (*push.SendResult, error) {
		if pushUser != "" {
			return svc.SendToUser(ctx, pushUser, pushTitle, pushBody, pushData)
		}
		return svc.SendToTopic(ctx, pushTopic, pushTitle, pushBody, pushData)
	})
}

func runPushBroadcast(cmd *cobra.Command, args []string) error {
	return withPushService(func(ctx context.Context, svc *push.Service) (*push.SendResult, error) {
		return svc.Broadcast(ctx, pushTitle, pushBody)
	})
}

func printSendResult(result *push.SendResult) {
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow)

	if result.Success {
		_, _ = green.Print("SENT")
	} else {
		_, _ = red.Print("NOT DELIVERED")
	}
	if result.MessageID != "" {
		fmt.Printf("  message id: %s", result.MessageID)
	}
	fmt.Println()

	if result.Batch == nil {
		return
	}
	fmt.Printf("  delivered: %d, failed: %d\n", result.Batch.SuccessCount, result.Batch.FailureCount)
	for _, resp := range result.Batch.Responses {
		if resp.Error != "" {
			_, _ = yellow.Printf("  %s: %s\n", truncateToken(resp.Token), resp.Error)
		}
	}
}

func truncateToken(token string) string {
	if len(token) <= 12 {
		return token
	}
	return token[:12] + "…"
}
