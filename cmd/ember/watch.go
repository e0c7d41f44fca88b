package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	ember "github.com/emberim/ember-go"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch <chat-id>",
	Short: "Stream a chat live until interrupted",
	Long:  "Open a chat, print the newest page, then print messages as they arrive over the realtime feed.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID := args[0]
		cfg := requireConfig()

		client := ember.NewClient(cfg.Default.BaseURL, cfg.Default.APIKey,
			ember.WithLogger(cliLogger()))
		defer client.Close()

		seen := make(map[string]bool)
		client.Store.OnChange(func(gotChat string, pages ember.PageSet) {
			if gotChat != chatID {
				return
			}
			for pi := len(pages) - 1; pi >= 0; pi-- {
				for mi := len(pages[pi]) - 1; mi >= 0; mi-- {
					msg := pages[pi][mi]
					if seen[msg.ID] {
						continue
					}
					seen[msg.ID] = true
					renderMessage(msg)
				}
			}
		})

		client.Feed.OnDisconnected(func(reason string) {
			fmt.Fprintf(os.Stderr, "-- disconnected: %s\n", reason)
		})
		client.Feed.OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Fprintf(os.Stderr, "-- reconnecting (attempt %d, in %s)\n", attempt, delay.Round(time.Millisecond))
		})
		client.Feed.OnConnected(func() {
			fmt.Fprintln(os.Stderr, "-- connected")
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := client.OpenChat(ctx, chatID, cfg.Default.UserID); err != nil {
			return err
		}

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop
		fmt.Fprintln(os.Stderr, "-- closing")
		return nil
	},
}
