package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/codebox/internal/client"
	"github.com/michaelbrown/codebox/internal/config"
)

var (
	configFlag string
	serverFlag string
)

var rootCmd = &cobra.Command{
	Use:   "codebox",
	Short: "codebox - run untrusted code in ephemeral sandboxes",
	Long: `codebox runs submitted source files inside short-lived Azure Container
Instances, waits for them under a bounded time budget, collects their
output, and always tears the sandbox and the uploaded artifact down.

Run "codebox serve" to start the orchestrator; the other commands talk to it
over HTTP.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default: ./codebox.yaml or ~/.codebox/codebox.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverFlag, "server", "", "Server URL (overrides server.url)")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func newClient() (*client.Client, error) {
	if serverFlag != "" {
		return client.New(serverFlag), nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return client.New(cfg.Server.URL), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
