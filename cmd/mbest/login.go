package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	mbest "github.com/DevHamza786/mbest-lms-sub001"
)

var loginServer string

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	loginCmd.Flags().StringVar(&loginServer, "server", "", "Server base URL (saved as default.base_url)")
}

var loginCmd = &cobra.Command{
	Use:   "login <token>",
	Short: "Verify a token and store the session in the config file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if loginServer != "" {
			cfg.Default.BaseURL = loginServer
		}
		client, err := newClient(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		user, err := mbest.NewSession().Login(ctx, client, args[0])
		if err != nil {
			return err
		}

		cfg.Auth.Token = args[0]
		cfg.Auth.UserID = int64(user.ID)
		cfg.Auth.UserName = user.Name
		cfg.Auth.Email = user.Email
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s (%d). Session saved to %s\n", user.Name, user.ID, path)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
		return nil
	},
}
