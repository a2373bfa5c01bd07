// Command webrunnerd runs the automation task service: the REST API, the
// interval scheduler, and the browser driver behind them.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"webrunner/internal/api"
	"webrunner/internal/browser"
	"webrunner/internal/config"
	"webrunner/internal/llm"
	"webrunner/internal/logging"
	"webrunner/internal/normalize"
	"webrunner/internal/scheduler"
	"webrunner/internal/store"
	"webrunner/internal/tasks"
	"webrunner/internal/types"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "webrunnerd",
		Short: "Browser automation task service",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "webrunner.yaml", "path to config file")

	root.AddCommand(serveCmd())
	root.AddCommand(apikeyCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	if err := logging.Initialize(cfg.Logging.Dir, cfg.Logging.DebugMode, cfg.Logging.Level); err != nil {
		return fmt.Errorf("init category logs: %w", err)
	}
	defer logging.CloseAll()

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	logger.Info("store opened", zap.String("path", cfg.Database.Path))

	// The model backend is optional. Without it, tasks that request AI
	// processing fail at execution time and the /api/ai routes return 503.
	var processor *normalize.Normalizer
	if client, err := llm.New(cfg.LLM); err != nil {
		logger.Warn("model backend unavailable", zap.Error(err))
	} else {
		processor = normalize.New(client)
		logger.Info("model backend ready", zap.String("provider", cfg.LLM.Provider))
	}

	driver := browser.NewDriver(cfg.Browser, st)
	defer driver.Close()

	orch := tasks.New(st, tasks.RodDriver{Inner: driver}, processorOrNil(processor))

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched = scheduler.New(st, orch, cfg.Scheduler.IntervalDuration(), cfg.Scheduler.MaxPerTick)
	}

	watcher, err := config.NewWatcher(configPath)
	if err != nil {
		logger.Warn("config watcher unavailable", zap.Error(err))
	}

	handlers := api.NewHandlers(st, orch, st, aiOrNil(processor))
	server := api.NewServer(cfg.Server.Host, cfg.Server.Port, handlers)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if sched != nil {
		sched.Start(ctx)
	}
	if watcher != nil {
		watcher.Start(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		if sched != nil {
			sched.Stop()
		}
		if watcher != nil {
			watcher.Stop()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// processorOrNil avoids a typed-nil interface when no backend exists.
func processorOrNil(p *normalize.Normalizer) tasks.DataProcessor {
	if p == nil {
		return nil
	}
	return p
}

func aiOrNil(p *normalize.Normalizer) api.AIService {
	if p == nil {
		return nil
	}
	return p
}

func apikeyCmd() *cobra.Command {
	var userID string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--user is required")
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			st, err := store.Open(cfg.Database.Path)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			raw := make([]byte, 24)
			if _, err := rand.Read(raw); err != nil {
				return fmt.Errorf("generate key: %w", err)
			}
			key := newAPIKey(userID, "wr_"+hex.EncodeToString(raw), ttl)
			if err := st.CreateAPIKey(key); err != nil {
				return fmt.Errorf("store key: %w", err)
			}

			fmt.Println(key.Key)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user ID the key belongs to")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "key lifetime (0 means no expiry)")
	return cmd
}

func newAPIKey(userID, key string, ttl time.Duration) *types.APIKey {
	k := &types.APIKey{Key: key, UserID: userID, Active: true}
	if ttl > 0 {
		exp := time.Now().UTC().Add(ttl)
		k.ExpiresAt = &exp
	}
	return k
}
