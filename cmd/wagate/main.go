package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wagate/internal/config"
	"wagate/internal/domain"
	"wagate/internal/export"
	"wagate/internal/gateway"
	"wagate/internal/knowledge"
	"wagate/internal/provider"
	"wagate/internal/reply"
	"wagate/internal/server"
	"wagate/internal/store"
	"wagate/internal/transport"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "wagate",
		Short: "WAGate: WhatsApp messaging gateway with auto-reply",
		Long:  "WAGate bridges WhatsApp (Cloud API or browser session) to a retrieval-assisted auto-reply engine.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.wagate/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())
	root.AddCommand(exportCmd())
	root.AddCommand(importCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())
	root.AddCommand(doctorCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config and data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway and admin API",
		Long:  "Starts the message gateway, knowledge pipeline and admin HTTP API. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	setLogLevel(cfg.General.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.NewSQLiteStore(cfg.General.DBPath, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	provFactory := provider.NewFactory(cfg.Providers, logger)

	engine := reply.NewEngine(reply.EngineConfig{
		Settings:  st,
		Retriever: reply.NewLexicalRetriever(st),
		Providers: provFactory,
		ReplyLog:  st,
		TopK:      cfg.Knowledge.RetrievalTopK,
		Logger:    logger,
	})

	pipeline := knowledge.NewPipeline(knowledge.PipelineConfig{
		Store:  st,
		Logger: logger,
	})

	gw := gateway.New(gateway.Config{
		Factory:  transportFactory(cfg, logger),
		Messages: st,
		Replier:  engine,
		Logger:   logger,
	})

	porter := export.NewPorter(st, st, logger)
	webhook := gateway.NewWebhook(cfg.Transport.CloudAPI, gw, logger)

	// Bring up the configured default transport; a failure here is not fatal,
	// the operator can connect through the admin API.
	if kind := domain.TransportKind(cfg.Transport.Default); domain.ValidTransportKind(kind) {
		if err := gw.Connect(ctx, kind); err != nil {
			logger.Warn("default transport not connected at startup", "kind", kind, "err", err)
		}
	}

	srvErr := make(chan error, 1)
	if cfg.Server.Enabled {
		srv := server.New(server.Config{
			Server:    cfg.Server,
			Knowledge: cfg.Knowledge,
			Gateway:   gw,
			Pipeline:  pipeline,
			Store:     st,
			Models:    provFactory,
			Porter:    porter,
			Webhook:   webhook.Handler(),
			Logger:    logger,
		})
		go func() { srvErr <- srv.Start(ctx) }()
	}

	logger.Info("wagate started", "version", version)

	select {
	case <-ctx.Done():
	case err := <-srvErr:
		if err != nil {
			return fmt.Errorf("admin API: %w", err)
		}
	}

	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		gw.Disconnect(context.Background())
		gw.WaitReplies()
		pipeline.Tasks().Wait()
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
	return nil
}

// transportFactory builds a fresh transport per connect so no session state
// leaks across attempts.
func transportFactory(cfg *config.Config, logger *slog.Logger) gateway.TransportFactory {
	return func(kind domain.TransportKind) (domain.Transport, error) {
		switch kind {
		case domain.TransportCloudAPI:
			return transport.NewCloudAPI(transport.CloudAPIOptions{
				Config: cfg.Transport.CloudAPI,
				Logger: logger,
			}), nil
		case domain.TransportBrowserSession:
			return transport.NewBrowserSession(transport.BrowserSessionOptions{
				Config: cfg.Transport.Browser,
				Logger: logger,
			}), nil
		default:
			return nil, domain.Errorf(domain.KindConfiguration, "transportFactory",
				"unsupported transport kind: %s", kind)
		}
	}
}

func setLogLevel(level string) {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and provider health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Info("config", "path", cfgPath, "loaded", false)
				cfg = config.Defaults()
			} else {
				logger.Info("config", "path", cfgPath, "loaded", true)
			}

			logger.Info("transport", "default", cfg.Transport.Default)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			factory := provider.NewFactory(cfg.Providers, logger)
			models := factory.AvailableModels()
			logger.Info("models", "available", models)
			for _, model := range models {
				p, err := factory.Resolve(model)
				if err != nil {
					continue
				}
				if err := p.Healthy(ctx); err != nil {
					logger.Warn("provider", "name", p.Name(), "healthy", false, "err", err)
				} else {
					logger.Info("provider", "name", p.Name(), "healthy", true)
				}
				break // one health check per configured provider set is enough
			}
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. transport.default)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. transport.default browsersession)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return fmt.Errorf("resulting config invalid: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values (secrets masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			data, _ := json.MarshalIndent(config.Sanitize(cfg), "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}

func exportCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export settings and knowledge to a YAML snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			st, err := store.NewSQLiteStore(cfg.General.DBPath, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			out := os.Stdout
			if outputPath != "" {
				f, err := os.Create(outputPath)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}

			porter := export.NewPorter(st, st, logger)
			return porter.Export(cmd.Context(), out)
		},
	}
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "write snapshot to file instead of stdout")
	return cmd
}

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import [snapshot.yaml]",
		Short: "Import settings and knowledge from a YAML snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			st, err := store.NewSQLiteStore(cfg.General.DBPath, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			porter := export.NewPorter(st, st, logger)
			return porter.Import(cmd.Context(), f)
		},
	}
}
