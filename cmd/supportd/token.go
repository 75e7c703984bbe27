package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aeolun/supportline/pkg/auth"
	"github.com/aeolun/supportline/pkg/server"
)

var tokenCmd = &cobra.Command{
	Use:   "token <username>",
	Short: "Issue an access token for a user",
	Long: `token signs a JWT for username with the secret from the config
file. Clients pass it as a bearer token or as ?token= on /ws.`,
	Args: cobra.ExactArgs(1),
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	ttl, _ := cmd.Flags().GetDuration("ttl")

	cfg, err := server.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not set; the server accepts unauthenticated clients")
	}

	verifier, err := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.JWTAlgorithm)
	if err != nil {
		return err
	}
	token, err := verifier.Sign(args[0], ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
