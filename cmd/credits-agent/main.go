// credits-agent runs the credit reconciliation engine against a ledger
// service, with a simulated purchase provider for local development.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/figureai/credits-go-rewrite/internal/config"
	"github.com/figureai/credits-go-rewrite/internal/generation"
	"github.com/figureai/credits-go-rewrite/internal/identity"
	"github.com/figureai/credits-go-rewrite/internal/ledger"
	"github.com/figureai/credits-go-rewrite/internal/logging"
	"github.com/figureai/credits-go-rewrite/internal/purchase"
	"github.com/figureai/credits-go-rewrite/internal/reconcile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

var agentUp = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "credits_agent_up",
	Help: "Whether the credits agent is running (1 = up, 0 = down)",
})

var rootCmd = &cobra.Command{
	Use:     "credits-agent",
	Short:   "Credit ledger reconciliation agent",
	Long:    `Keeps a locally cached spendable balance consistent with the remote credit ledger and the purchase provider's entitlements.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgent()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("credits-agent %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
	},
}

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Inspect or reset the installation principal",
}

var identityShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the stored principal",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		store, err := identity.NewFileStore(cfg.DataDir)
		if err != nil {
			return err
		}
		principal, err := store.Load()
		if err != nil {
			return err
		}
		if principal == "" {
			fmt.Println("no principal stored")
			return nil
		}
		fmt.Println(principal)
		return nil
	},
}

var identityResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete the stored principal (a new ledger account will be created)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		store, err := identity.NewFileStore(cfg.DataDir)
		if err != nil {
			return err
		}
		return store.Delete()
	},
}

func init() {
	identityCmd.AddCommand(identityShowCmd, identityResetCmd)
	rootCmd.AddCommand(versionCmd, identityCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runAgent() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()
	logger := logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "credits-agent",
	})

	store, err := identity.NewFileStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("identity store: %w", err)
	}
	idProvider := identity.New(store, logger)

	principal, err := idProvider.GetOrCreate(ctx)
	if err != nil {
		return fmt.Errorf("obtain principal: %w", err)
	}
	logger.Info().Str("principal", principal).Bool("volatile", idProvider.Volatile()).Msg("principal ready")

	ledgerClient, err := ledger.New(ledger.Config{
		BaseURL:  cfg.LedgerURL,
		APIToken: cfg.LedgerToken,
		Timeout:  cfg.LedgerTimeout,
		Logger:   &logger,
	})
	if err != nil {
		return fmt.Errorf("ledger client: %w", err)
	}

	controller, err := reconcile.New(reconcile.Config{
		Principal:    principal,
		Ledger:       ledgerClient,
		Logger:       &logger,
		ViewInterval: cfg.ViewInterval,
	})
	if err != nil {
		return fmt.Errorf("reconcile controller: %w", err)
	}

	provider := purchase.NewSimulatedProvider(nil)
	adapter, err := purchase.New(purchase.Config{
		Provider: provider,
		Refresh: func(ctx context.Context) {
			if err := controller.Refresh(ctx, reconcile.TriggerPostPurchase); err != nil {
				logger.Debug().Err(err).Msg("post-purchase refresh failed")
			}
		},
		Logger:       &logger,
		PollInterval: cfg.PollInterval,
	})
	if err != nil {
		return fmt.Errorf("purchase adapter: %w", err)
	}

	if err := adapter.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize purchase adapter: %w", err)
	}
	if _, err := idProvider.BindToPurchaseProvider(ctx, provider); err != nil {
		logger.Warn().Err(err).Msg("could not bind principal to purchase provider")
	}
	if _, err := adapter.LoadProducts(ctx); err != nil {
		logger.Warn().Err(err).Msg("could not load product catalog")
	}

	// The generation provider is an opaque collaborator; the agent only
	// needs one so the credit gate is exercised end to end.
	genService, err := generation.New(echoProvider{}, controller, generation.DefaultCost, &logger)
	if err != nil {
		return fmt.Errorf("generation service: %w", err)
	}

	var watcher *config.Watcher
	if w, err := config.NewWatcher(cfg, func(updated *config.Config) {
		logging.SetLevel(updated.LogLevel)
		if err := ledgerClient.SetBaseURL(updated.LedgerURL); err != nil {
			logger.Warn().Err(err).Msg("invalid ledger URL in reloaded config")
		}
	}); err != nil {
		logger.Warn().Err(err).Msg("config watcher unavailable")
	} else if w != nil {
		if err := w.Start(); err != nil {
			logger.Warn().Err(err).Msg("config watcher failed to start")
		} else {
			watcher = w
		}
	}
	if watcher != nil {
		defer watcher.Stop()
	}

	agentUp.Set(1)
	defer agentUp.Set(0)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return controller.Run(groupCtx)
	})
	group.Go(func() error {
		return adapter.Run(groupCtx)
	})

	// SIGHUP simulates the app-foreground transition, SIGUSR1 runs one
	// gated generation. Both exist for manual testing against credits-sim.
	group.Go(func() error {
		hup := make(chan os.Signal, 1)
		usr1 := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		signal.Notify(usr1, syscall.SIGUSR1)
		defer signal.Stop(hup)
		defer signal.Stop(usr1)
		for {
			select {
			case <-groupCtx.Done():
				return groupCtx.Err()
			case <-hup:
				logger.Info().Msg("foreground transition")
				controller.Foreground(groupCtx)
				adapter.Foreground(groupCtx)
			case <-usr1:
				if _, err := genService.Generate(groupCtx, []byte("smoke"), "echo", "smoke test"); err != nil {
					logger.Warn().Err(err).Msg("generation rejected")
				} else {
					logger.Info().Int("credits", controller.View().Credits).Msg("generation succeeded")
				}
			}
		}
	})

	if cfg.MetricsAddr != "" {
		group.Go(func() error {
			return serveMetrics(groupCtx, cfg.MetricsAddr, logger)
		})
	}

	logger.Info().Str("ledger", cfg.LedgerURL).Msg("credits agent running")
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("credits agent stopped")
	return nil
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("metrics endpoint listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// echoProvider is a stand-in generation provider that returns its input.
type echoProvider struct{}

func (echoProvider) Generate(ctx context.Context, image []byte, model, prompt string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return image, nil
}
