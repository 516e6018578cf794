package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/panbishnoi/field-workforce-safety-ai-assistant/internal/config"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a starter config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			if output == "" {
				output = "safety-hub.json"
			}
			force, _ := cmd.Flags().GetBool("force")

			if _, err := os.Stat(output); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", output)
			}

			cfg := starterConfig()
			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(output, append(data, '\n'), 0o600); err != nil {
				return fmt.Errorf("write config: %w", err)
			}

			fmt.Printf("Wrote %s\n", output)
			fmt.Println("Fill in auth.region, auth.user_pool_id and auth.client_id (or set REGION, USER_POOL_ID, CLIENT_ID), then start with: safety-hub run " + output)
			return nil
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./safety-hub.json)")
	cmd.Flags().Bool("force", false, "overwrite an existing config file")
	return cmd
}

// starterConfig is a development-oriented default: local sqlite storage and
// the built-in local agent. Env vars can fill the auth settings later.
func starterConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"*"},
		},
		Auth: config.AuthConfig{
			Region:     os.Getenv("REGION"),
			UserPoolID: os.Getenv("USER_POOL_ID"),
			ClientID:   os.Getenv("CLIENT_ID"),
		},
		Storage: config.StorageConfig{
			Driver: "sqlite",
			DSN:    "safety-hub.db",
		},
		Agent: config.AgentConfig{
			Local: true,
		},
		Logging: config.LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
