package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

var (
	historyLimit  int
	historyOffset int
	historyDirect bool
)

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 25, "rows per page")
	historyCmd.Flags().IntVar(&historyOffset, "offset", 0, "rows to skip (backward pagination)")
	historyCmd.Flags().BoolVar(&historyDirect, "direct", false, "query Postgres directly instead of the hosted API")
	rootCmd.AddCommand(historyCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history <chat-id>",
	Short: "Print a page of chat history, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := requireConfig()
		rows, err := rowStore(cfg, historyDirect)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		page, err := rows.SelectPage(ctx, args[0], historyOffset, historyLimit)
		if err != nil {
			return err
		}

		// Oldest first reads naturally in a terminal.
		for i := len(page) - 1; i >= 0; i-- {
			renderMessage(page[i])
		}
		return nil
	},
}
