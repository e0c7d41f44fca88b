package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	ember "github.com/emberim/ember-go"
)

var sendImagePath string

func init() {
	sendCmd.Flags().StringVar(&sendImagePath, "image", "", "path to an image attachment")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <chat-id> [text]",
	Short: "Send a message to a chat",
	Long:  "Send a text message, an image, or both to a chat.\nExample: ember send chat-42 \"hello\" --image photo.jpg",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID := args[0]
		text := ""
		if len(args) == 2 {
			text = args[1]
		}
		if text == "" && sendImagePath == "" {
			return fmt.Errorf("nothing to send: provide text, --image, or both")
		}

		cfg := requireConfig()

		failed := false
		client := ember.NewClient(cfg.Default.BaseURL, cfg.Default.APIKey,
			ember.WithLogger(cliLogger()),
			ember.WithSendEvents(ember.SendEvents{
				OnFailedDelivery: func(id string) {
					failed = true
					fmt.Fprintf(os.Stderr, "Delivery failed (network). Message kept as %s for retry.\n", id)
				},
				OnBlockingError: func(err error) {
					failed = true
					fmt.Fprintf(os.Stderr, "Send rejected: %v\n", err)
				},
				OnRateLimited: func(retryAfter time.Duration) {
					failed = true
					if retryAfter > 0 {
						fmt.Fprintf(os.Stderr, "Rate limited. Try again in %s.\n", retryAfter.Round(time.Second))
					} else {
						fmt.Fprintln(os.Stderr, "Rate limited by the server. Try again shortly.")
					}
				},
			}),
		)

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		client.Sender.SetChat(chatID, cfg.Default.UserID)
		client.Send(ctx, text, sendImagePath)

		if failed {
			os.Exit(1)
		}
		fmt.Println("Sent.")
		return nil
	},
}
