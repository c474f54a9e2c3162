package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/LordLuceus/letta-bot/internal/config"
	"github.com/LordLuceus/letta-bot/internal/letta"
	"github.com/LordLuceus/letta-bot/internal/store"
)

// statusCmd checks the Letta server and prints the persisted presence
// history.
func statusCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check the Letta backend and show recent agent statuses",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}

			ctx := context.Background()

			client := letta.New(cfg.Letta.BaseURL, cfg.Letta.Token)
			if err := client.Healthcheck(ctx); err != nil {
				fmt.Printf("letta:  unreachable (%v)\n", err)
			} else {
				fmt.Printf("letta:  ok (%s)\n", cfg.Letta.BaseURL)
			}

			st, err := store.OpenStatusStore(config.ExpandHome(cfg.Store.Path))
			if err != nil {
				return err
			}
			defer st.Close()

			entries, err := st.History(ctx, limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("status: no history")
				return nil
			}
			fmt.Println("status history (newest first):")
			for _, e := range entries {
				fmt.Printf("  %s  %s\n", e.CreatedAt.Format(time.DateTime), e.Status)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 10, "number of history entries to show")
	return cmd
}
