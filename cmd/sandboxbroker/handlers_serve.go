package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/cobra"

	"github.com/sandboxbroker/broker/internal/artifacts"
	"github.com/sandboxbroker/broker/internal/authn"
	"github.com/sandboxbroker/broker/internal/config"
	"github.com/sandboxbroker/broker/internal/httpapi"
	"github.com/sandboxbroker/broker/internal/manager"
	"github.com/sandboxbroker/broker/internal/registry"
	"github.com/sandboxbroker/broker/internal/sandbox"
	"github.com/sandboxbroker/broker/internal/telemetry"
	"github.com/sandboxbroker/broker/internal/wsruntime"
)

// runServe implements the serve command: it wires every configured
// component together and blocks until a shutdown signal arrives.
func runServe(ctx context.Context, cmd *cobra.Command, configPath string, debug bool) error {
	if debug {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting sandbox broker",
		"version", version, "commit", commit,
		"listen", cfg.Listen, "adapter", adapterKind(cfg.Adapter.Kind),
		"encryption", cfg.Encryption.Enabled,
	)

	reg := registry.New()
	if err := registerBuiltinTools(reg); err != nil {
		return fmt.Errorf("register builtin tools: %w", err)
	}

	adapterFactory, err := buildAdapterFactory(ctx, cfg.Adapter)
	if err != nil {
		return fmt.Errorf("build sandbox adapter: %w", err)
	}

	var sink *artifacts.Sink
	if cfg.Artifacts.Bucket != "" {
		sink, err = buildArtifactSink(ctx, cfg.Artifacts)
		if err != nil {
			return fmt.Errorf("build artifact sink: %w", err)
		}
	}

	mgr := manager.New(manager.Config{
		MaxSessions:       cfg.Limits.MaxSessions,
		CleanupInterval:   cfg.Limits.CleanupInterval,
		HeartbeatInterval: cfg.Limits.HeartbeatInterval,
		SessionTTL:        cfg.Limits.SessionTTL,
		MaxToolCalls:      cfg.Limits.MaxToolCalls,
		AdapterFactory:    adapterFactory,
		Registry:          reg,
		ArtifactSink:      sink,
		MaxResultBytes:    cfg.Artifacts.MaxResultBytes,
		Encrypt:           cfg.Encryption.Enabled,
	})
	defer mgr.Dispose()

	var verifier *authn.Verifier
	if cfg.Auth.Mode == "jwt" {
		verifier = authn.NewVerifier(cfg.Auth.HMACSecret)
	}

	if cfg.Telemetry.OTLPEndpoint != "" {
		provider, err := telemetry.Setup(ctx, cfg.Telemetry.OTLPEndpoint, version)
		if err != nil {
			return fmt.Errorf("setup telemetry: %w", err)
		}
		defer provider.Shutdown(context.Background())
	}

	watcher, err := config.WatchFile(configPath, slog.Default().With("component", "config-watcher"), func(reloaded config.Config) {
		slog.Info("configuration reloaded", "listen", reloaded.Listen, "encryption", reloaded.Encryption.Enabled)
	})
	if err != nil {
		slog.Warn("config hot-reload disabled", "error", err)
	} else {
		defer watcher.Close()
	}

	api := httpapi.New(mgr, slog.Default().With("component", "httpapi"), cfg.CORS.AllowedOrigins, verifier)
	mux := http.NewServeMux()
	mux.Handle("/", api.Handler())
	if cfg.Runtime.Enabled {
		mux.Handle(cfg.Runtime.Path, wsruntime.New(mgr, slog.Default().With("component", "wsruntime"), verifier))
	}

	server := &http.Server{Addr: cfg.Listen, Handler: mux}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", cfg.Listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	slog.Info("shutdown signal received, draining connections")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	slog.Info("sandbox broker stopped")
	return nil
}

func adapterKind(kind string) string {
	if kind == "" {
		return "reference"
	}
	return kind
}

// buildAdapterFactory selects the configured sandbox backend. An empty or
// unrecognized kind falls back to the in-process reference adapter.
func buildAdapterFactory(ctx context.Context, cfg config.AdapterConfig) (sandbox.Factory, error) {
	switch cfg.Kind {
	case "process":
		pool := sandbox.NewProcessPool(sandbox.ProcessConfig{
			Command:     cfg.Process.Command,
			Args:        cfg.Process.Args,
			PoolSize:    cfg.Process.PoolSize,
			StartupWait: cfg.Process.StartupWait,
		})
		return pool.NewAdapter, nil

	case "bedrock":
		opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Bedrock.Region)}
		if cfg.Bedrock.AccessKeyID != "" && cfg.Bedrock.SecretAccessKey != "" {
			opts = append(opts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(cfg.Bedrock.AccessKeyID, cfg.Bedrock.SecretAccessKey, "")))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		client := bedrockruntime.NewFromConfig(awsCfg)
		adapter := sandbox.NewBedrockAdapter(sandbox.BedrockConfig{Client: client, ModelID: cfg.Bedrock.ModelID})
		return func() sandbox.Adapter { return adapter }, nil

	case "firecracker":
		return sandbox.NewFirecrackerAdapter(sandbox.FirecrackerConfig{
			KernelImagePath: cfg.Firecracker.KernelImagePath,
			KernelArgs:      cfg.Firecracker.KernelArgs,
			RootDrivePath:   cfg.Firecracker.RootDrivePath,
			SocketDir:       cfg.Firecracker.SocketDir,
			VcpuCount:       cfg.Firecracker.VcpuCount,
			MemSizeMib:      cfg.Firecracker.MemSizeMib,
			GuestIP:         cfg.Firecracker.GuestIP,
			GuestPort:       cfg.Firecracker.GuestPort,
			BootTimeout:     cfg.Firecracker.BootTimeout,
		}), nil

	default:
		return func() sandbox.Adapter { return sandbox.NewReferenceAdapter() }, nil
	}
}

func buildArtifactSink(ctx context.Context, cfg config.ArtifactsConfig) (*artifacts.Sink, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return artifacts.New(client, cfg.Bucket, cfg.Prefix), nil
}
