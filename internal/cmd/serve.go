package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/skywork/internal/config"
	"github.com/3leaps/skywork/internal/observability"
	"github.com/3leaps/skywork/internal/server"
	"github.com/3leaps/skywork/pkg/artifact"
	"github.com/3leaps/skywork/pkg/events"
	"github.com/3leaps/skywork/pkg/jobs"
	"github.com/3leaps/skywork/pkg/notify"
	"github.com/3leaps/skywork/pkg/uws"
	"github.com/3leaps/skywork/pkg/workdir"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job scheduler and its HTTP API",
	Long: `Run the scheduler: worker pools, the sweeper, the push-event bus,
notification delivery, UWS history import, and the HTTP API server.

Example:
  skywork serve
  skywork serve --config /etc/skywork/skywork.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
	}
	if err := observability.InitCLILogger(cfg.Logging.Level, cfg.Logging.Structured); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	log := observability.Component("serve")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := jobs.NewRegistry(jobs.RegistryConfig{
		ResultsBaseURL: cfg.Server.ResultsBaseURL,
	}, observability.Component("registry"))

	disp := jobs.NewDispatcher(ctx, reg, jobs.DispatcherConfig{
		MaxPackagers:      cfg.Job.MaxPackagers,
		PackagerQueue:     cfg.Job.PackagerQueue,
		WaitComplete:      cfg.Job.WaitComplete,
		ExecutionDuration: cfg.Job.ExecutionDuration,
		Retention:         cfg.Job.Retention,
	}, observability.Component("dispatcher"))

	bus := events.New()

	work := workdir.NewStore(cfg.Job.WorkDir, observability.Component("workdir"))
	reg.AddListener(work)

	store, err := buildArtifactStore(ctx, cfg)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to initialize artifact storage", err)
	}

	var sender notify.Sender
	if cfg.Email.Enabled {
		sender = notify.NewSMTPSender(notifyConfig(cfg))
	}
	notifier := notify.New(bus, sender, notifyConfig(cfg), observability.Component("notify"))
	reg.AddListener(notifier)

	uwsClient := uws.NewClient(uws.DefaultClientConfig(), observability.Component("uws"))
	importer := uws.NewImporter(reg, uwsClient, jobs.NewIDGenerator(), uws.ImporterConfig{
		Services:     cfg.History.Services,
		IgnoreRunIDs: cfg.History.IgnoreRunIDs,
	}, observability.Component("history"))

	sweeper := jobs.NewSweeper(reg, jobs.SweeperConfig{
		Interval:         cfg.Job.SweepInterval,
		Expiry:           cfg.Job.Expiry,
		UnmonitoredGrace: cfg.Job.UnmonitoredGrace,
	}, bus, observability.Component("sweeper"))
	go sweeper.Run(ctx)

	srv := server.New(cfg.Server.Host, cfg.Server.Port, server.Deps{
		Registry:       reg,
		Dispatcher:     disp,
		Bus:            bus,
		Notifier:       notifier,
		Importer:       importer,
		UWSClient:      uwsClient,
		Work:           work,
		Artifacts:      store,
		MaxBundleBytes: cfg.Job.MaxBundleBytes,
		Version: server.VersionInfo{
			Version:   versionInfo.Version,
			Commit:    versionInfo.Commit,
			BuildDate: versionInfo.BuildDate,
		},
		Log: observability.Component("server"),
	}, server.Timeouts{
		Read:  cfg.Server.ReadTimeout,
		Write: cfg.Server.WriteTimeout,
		Idle:  cfg.Server.IdleTimeout,
	})

	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("server shutdown incomplete", zap.Error(err))
		}
	}()

	if err := srv.Start(); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "API server failed", err)
	}

	// Let running jobs notice the cancelled base context, then drain.
	disp.Close()
	notifier.Drain()
	log.Info("shutdown complete")
	return nil
}

func buildArtifactStore(ctx context.Context, cfg *config.Config) (artifact.Store, error) {
	switch cfg.Artifact.Backend {
	case "s3":
		return artifact.NewS3Store(ctx, artifact.S3Config{
			Bucket:          cfg.Artifact.S3.Bucket,
			Prefix:          cfg.Artifact.S3.Prefix,
			Region:          cfg.Artifact.S3.Region,
			Endpoint:        cfg.Artifact.S3.Endpoint,
			Profile:         cfg.Artifact.S3.Profile,
			AccessKeyID:     cfg.Artifact.S3.AccessKeyID,
			SecretAccessKey: cfg.Artifact.S3.SecretAccessKey,
			ForcePathStyle:  cfg.Artifact.S3.ForcePathStyle,
			PresignTTL:      cfg.Artifact.S3.PresignTTL,
		})
	case "local":
		baseURL := cfg.Artifact.BaseURL
		if baseURL == "" {
			baseURL = fmt.Sprintf("http://%s:%d/artifacts", cfg.Server.Host, cfg.Server.Port)
		}
		return artifact.NewLocalStore(cfg.Artifact.LocalDir, baseURL)
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", cfg.Artifact.Backend)
	}
}

func notifyConfig(cfg *config.Config) notify.Config {
	return notify.Config{
		Enabled:     cfg.Email.Enabled,
		Host:        cfg.Email.Host,
		Port:        cfg.Email.Port,
		Username:    cfg.Email.Username,
		Password:    cfg.Email.Password,
		From:        cfg.Email.From,
		SupportAddr: cfg.Email.SupportAddr,
		AppName:     cfg.Email.AppName,
		AppURL:      cfg.Email.AppURL,
	}
}
