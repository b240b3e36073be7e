package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldops/dispatch/internal/auth"
	"github.com/fieldops/dispatch/internal/config"
	"github.com/fieldops/dispatch/internal/domain"
)

var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Mint a signed access token for development",
	Long: `Mint a signed access token for development.

The token is signed with AUTH_JWT_SECRET, read the same way the service
reads it (environment or .env), so it is accepted by a local server.

Example:
  notifyctl token alice --role STAFF
  notifyctl token billing --role SERVICE`,
	Args: cobra.ExactArgs(1),
	RunE: runToken,
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().String("role", string(domain.RoleUser), "role claim: USER, STAFF, DISPATCHER, ADMIN or SERVICE")
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	roleFlag, _ := cmd.Flags().GetString("role")
	role, err := parseRole(roleFlag)
	if err != nil {
		return err
	}

	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTLMinutes)
	token, expiresAt, err := tokens.GenerateToken(args[0], role)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
	return nil
}

func parseRole(s string) (domain.Role, error) {
	role := domain.Role(strings.ToUpper(s))
	switch role {
	case domain.RoleUser, domain.RoleStaff, domain.RoleDispatcher, domain.RoleAdmin, domain.RoleService:
		return role, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}
