package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and session status",
	Long:  "Display the current configuration and, when logged in, verify the session against the server.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Server:      %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		fmt.Fprintf(out, "  Push:        %s\n", valueOrDefault(cfg.Push.Transport, "websocket"))
		if cfg.Push.URL != "" {
			fmt.Fprintf(out, "  Push URL:    %s\n", cfg.Push.URL)
		}
		fmt.Fprintf(out, "  Poll:        %s\n", valueOrDefault(cfg.Sync.PollInterval, "10s"))

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Auth:")
		if cfg.Auth.Token == "" {
			fmt.Fprintln(out, "  Token:       (not logged in)")
			return nil
		}
		fmt.Fprintf(out, "  Token:       %s\n", maskKey(cfg.Auth.Token))
		if cfg.Auth.UserID != 0 {
			fmt.Fprintf(out, "  User:        %s (%d)\n", valueOrDefault(cfg.Auth.UserName, "?"), cfg.Auth.UserID)
		}

		client, err := newClient(cfg)
		if err != nil {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Live status:")
		user, err := client.CurrentUser(ctx)
		if err != nil {
			fmt.Fprintf(out, "  Error fetching current user: %v\n", err)
			return nil
		}
		fmt.Fprintf(out, "  Name:        %s\n", user.Name)
		fmt.Fprintf(out, "  Email:       %s\n", user.Email)

		threads, err := client.ListThreads(ctx)
		if err != nil {
			fmt.Fprintf(out, "  Error fetching threads: %v\n", err)
			return nil
		}
		unread := 0
		for _, t := range threads {
			unread += t.UnreadCount
		}
		fmt.Fprintf(out, "  Threads:     %d\n", len(threads))
		fmt.Fprintf(out, "  Unread:      %d\n", unread)
		return nil
	},
}
