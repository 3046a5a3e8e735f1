package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/michaelbrown/codebox/internal/artifact"
	"github.com/michaelbrown/codebox/internal/config"
	"github.com/michaelbrown/codebox/internal/credential"
	"github.com/michaelbrown/codebox/internal/logging"
	"github.com/michaelbrown/codebox/internal/metrics"
	"github.com/michaelbrown/codebox/internal/sandbox"
	"github.com/michaelbrown/codebox/internal/server"
	"github.com/michaelbrown/codebox/internal/storage/sqlite"
	"github.com/michaelbrown/codebox/internal/workflow"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the codebox orchestrator",
	Long: `Start the codebox HTTP server.

Submissions are accepted at POST /api/runs, run status is under /api/runs,
and Prometheus metrics are served at /metrics. Runs left unfinished by a
previous process are resumed at start-up.

Examples:
  codebox serve
  codebox serve --port 9090`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	// Open storage
	store, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	spec, err := cfg.SandboxSpec()
	if err != nil {
		return err
	}
	sandboxes, err := newProvisioner(cfg, spec, m)
	if err != nil {
		return err
	}

	blobs, err := artifact.NewBlobStore(cfg.Artifact.ConnectionString, cfg.Artifact.ReadURLTTL)
	if err != nil {
		return err
	}

	wf := workflow.New(sandboxes, blobs, store, m, logger, workflow.Config{
		NamePrefix: cfg.Sandbox.NamePrefix,
		Poll: workflow.PollConfig{
			MaxAttempts: cfg.Poll.MaxAttempts,
			Interval:    cfg.Poll.Interval,
		},
	})
	runs := server.NewRunManager(wf, store, logger)
	wf.OnTransition = runs.Publish

	srv := server.New(server.Options{
		Container:      cfg.Artifact.Container,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
	}, store, blobs, runs, registry, logger)

	resumed, err := runs.Recover(cmd.Context())
	if err != nil {
		return err
	}
	if resumed > 0 {
		logger.Info("resumed unfinished runs", zap.Int("count", resumed))
	}

	// Determine port
	port := cfg.Server.Port
	if portFlag > 0 {
		port = portFlag
	}

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	stopped := make(chan error, 1)

	go func() {
		<-sigCh
		stopped <- srv.Shutdown(context.Background())
	}()

	if err := srv.Start(port); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return <-stopped
}

// newProvisioner builds the configured sandbox backend. Azure Container
// Instances calls share one token cache.
func newProvisioner(cfg *config.Config, spec sandbox.Spec, m *metrics.Metrics) (sandbox.Provisioner, error) {
	if cfg.Sandbox.Backend == config.BackendDocker {
		return sandbox.NewDockerProvisioner(spec), nil
	}

	issuer, err := credential.NewAzureIssuer(cfg.Azure.TenantID, cfg.Azure.ClientID, cfg.Azure.ClientSecret)
	if err != nil {
		return nil, err
	}
	tokens := credential.NewCache(issuer, credential.ManagementScope,
		credential.WithRefreshBuffer(cfg.Token.RefreshBuffer))
	tokens.OnRefresh = m.TokenRefreshes.Inc

	return sandbox.NewContainerInstanceClient(sandbox.ContainerInstanceConfig{
		Endpoint:       cfg.Azure.ManagementEndpoint,
		SubscriptionID: cfg.Azure.SubscriptionID,
		ResourceGroup:  cfg.Azure.ResourceGroup,
		Spec:           spec,
	}, tokens), nil
}
