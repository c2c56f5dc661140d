// Command engine runs the trade execution engine's Supervisor Loop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eddiefleurent/tradeengine/internal/broker"
	"github.com/eddiefleurent/tradeengine/internal/config"
	"github.com/eddiefleurent/tradeengine/internal/contract"
	"github.com/eddiefleurent/tradeengine/internal/dashboard"
	"github.com/eddiefleurent/tradeengine/internal/engine"
	"github.com/eddiefleurent/tradeengine/internal/evaluator"
	"github.com/eddiefleurent/tradeengine/internal/marketdata"
	"github.com/eddiefleurent/tradeengine/internal/models"
	"github.com/eddiefleurent/tradeengine/internal/notify"
	"github.com/eddiefleurent/tradeengine/internal/orders"
	"github.com/eddiefleurent/tradeengine/internal/reconcile"
	"github.com/eddiefleurent/tradeengine/internal/sheet"
	"github.com/eddiefleurent/tradeengine/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is stamped at build time via -ldflags; left as a default for
// local/dev builds.
var version = "dev"

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "engine",
	Short: "engine runs the automated options/equities trade execution loop",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		panic(err)
	}
	viper.SetEnvPrefix("ENGINE")
	viper.AutomaticEnv()

	rootCmd.AddCommand(runCmd, auditCmd, resetCmd, versionCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Starts the Supervisor Loop and runs until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		deps, err := wire()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigChan
			deps.log.Info("shutdown signal received")
			cancel()
		}()

		if deps.dashboard != nil {
			go func() {
				if err := deps.dashboard.Start(); err != nil {
					deps.log.WithError(err).Error("dashboard server stopped")
				}
			}()
			go func() {
				<-ctx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				if err := deps.dashboard.Shutdown(shutdownCtx); err != nil {
					deps.log.WithError(err).Warn("dashboard shutdown error")
				}
			}()
		}

		return deps.supervisor.Run(ctx)
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Flattens broker positions that have no open trade in the Trade Store",
	RunE: func(cmd *cobra.Command, args []string) error {
		deps, err := wire()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		open := make(map[string]bool)
		for _, t := range deps.store.ListTrades() {
			if t.Status != models.StatusClosed {
				open[models.Contract{
					SecType: t.SecType, Symbol: t.Symbol, Strike: t.Strike,
					Right: t.Right, Expiry: t.Expiry, Legs: t.Legs,
				}.Key()] = true
			}
		}
		if err := deps.reconciler.SyncOrphans(ctx, open); err != nil {
			return fmt.Errorf("audit: %w", err)
		}
		deps.log.Info("audit complete")
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clears the local Trade Store, re-initializing it from an empty state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if err := os.Remove(cfg.Store.Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing store file %q: %w", cfg.Store.Path, err)
		}
		fmt.Printf("store %q reset\n", cfg.Store.Path)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Prints the engine version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

type dependencies struct {
	store      *store.Store
	supervisor *engine.Supervisor
	reconciler *reconcile.Reconciler
	dashboard  *dashboard.Server
	log        *logrus.Entry
}

// wire constructs every component per the loaded configuration, mirroring
// the teacher's Bot struct assembly in cmd/bot/main.go but generalized to
// this engine's component set (§2.1, §2.2).
func wire() (*dependencies, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.Environment.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.JSONFormatter{})
	log := logrus.NewEntry(logger)

	st, err := store.New(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	var br broker.Broker = broker.NewPaperBroker()
	if cfg.Environment.Mode == "live" {
		tradierAPI := broker.NewTradierAPI(cfg.Broker.APIKey, cfg.Broker.AccountID, false)
		br = broker.NewLiveBroker(tradierAPI, cfg.Broker.StreamURL, log)
		br = broker.NewCircuitBreakerBrokerWithSettings(br, broker.CircuitBreakerSettings{
			MaxRequests:  cfg.Broker.CircuitMaxFail,
			Interval:     60 * time.Second,
			Timeout:      cfg.Broker.CircuitResetWait,
			MinRequests:  5,
			FailureRatio: 0.6,
		})
	}

	notifier := notify.New(cfg.Notify.WebhookURL, 5*time.Second, log)
	sheetGW := sheet.New(cfg.Sheet.BaseURL, cfg.Sheet.RetryMax, log)

	reg := contract.New(br, st, log, notifier)
	md := marketdata.New(br, st, log)
	eval := evaluator.New(func(key string) (models.Price, bool) { return st.GetPrice(key) }, cfg.Evaluator.LimitOffsetPct)
	orderMgr := orders.New(br, st, log,
		func(key string) (models.Price, bool) { return st.GetPrice(key) },
		notifier, sheetGW,
		orders.Config{
			PegTimeout:       cfg.Supervisor.PegTimeout,
			PegChaseInterval: cfg.Supervisor.PegChaseInterval,
		},
	)
	recon := reconcile.New(br, st, orderMgr, sheetGW, notifier, log)

	sup := engine.New(cfg, br, st, reg, md, eval, orderMgr, recon, sheetGW, notifier, log)

	var dash *dashboard.Server
	if cfg.Dashboard.Enabled {
		dash = dashboard.NewServer(dashboard.Config{
			Port:      cfg.Dashboard.Port,
			AuthToken: cfg.Dashboard.AuthToken,
		}, st, br, md, logger)
	}

	return &dependencies{store: st, supervisor: sup, reconciler: recon, dashboard: dash, log: log}, nil
}
