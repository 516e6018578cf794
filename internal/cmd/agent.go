package cmd

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/panbishnoi/field-workforce-safety-ai-assistant/internal/config"
	"github.com/panbishnoi/field-workforce-safety-ai-assistant/internal/localagent"
	"github.com/panbishnoi/field-workforce-safety-ai-assistant/internal/tools"
)

// newAgentCmd serves the built-in local agent as a standalone streaming
// endpoint, so a hub configured with agent.endpoint can be pointed at it
// during development.
func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Serve the built-in local agent over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			configPath := resolveConfigPath(cmd, args, "safety-hub.json")

			toolsCfg := config.ToolsConfig{}
			if cfg, err := config.Load(configPath); err == nil {
				toolsCfg = cfg.Tools
			}

			logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

			opts := localagent.Options{}
			if toolsCfg.EmergencyFeedURL != "" {
				opts.Emergency = tools.NewEmergencyClient(toolsCfg.EmergencyFeedURL, toolsCfg.AlertRadiusKM, logger)
			}
			if toolsCfg.WeatherAPIKey != "" {
				opts.Weather = tools.NewWeatherClient(toolsCfg.WeatherAPIKey, toolsCfg.WeatherBaseURL, logger)
			}

			mux := http.NewServeMux()
			mux.Handle("/invoke", localagent.New(opts, logger).Handler())

			logger.Info("local agent listening", "addr", addr)
			return fmt.Errorf("agent server: %w", http.ListenAndServe(addr, mux))
		},
	}
	cmd.Flags().String("addr", ":8090", "listen address")
	return cmd
}
