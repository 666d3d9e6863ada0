// Package cli provides the command-line interface for the execution engine.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Saravanaperu/Webportal-SingleUser/internal/broker"
	"github.com/Saravanaperu/Webportal-SingleUser/internal/config"
	"github.com/Saravanaperu/Webportal-SingleUser/internal/engine"
	"github.com/Saravanaperu/Webportal-SingleUser/internal/logging"
	"github.com/Saravanaperu/Webportal-SingleUser/internal/marketdata"
	"github.com/Saravanaperu/Webportal-SingleUser/internal/models"
	"github.com/Saravanaperu/Webportal-SingleUser/internal/notify"
	"github.com/Saravanaperu/Webportal-SingleUser/internal/orders"
	"github.com/Saravanaperu/Webportal-SingleUser/internal/risk"
	"github.com/Saravanaperu/Webportal-SingleUser/internal/store"
)

// Version information
const Version = "0.1.0"

// App holds the application dependencies.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Store  store.DataStore
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd() *cobra.Command {
	app := &App{}

	var configDir string
	var debug bool

	rootCmd := &cobra.Command{
		Use:   "engine",
		Short: "Automated options trading execution engine",
		Long: `An execution engine for intraday options trading on Angel One SmartAPI.

It manages the full order and position lifecycle, enforces daily risk
limits, aggregates the live tick feed into one-minute candles, and keeps
the broker session alive across disconnects.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// .env is optional; environment wins over credentials.toml
			_ = godotenv.Load()

			cfg, err := config.Load(configDir)
			if err != nil {
				return err
			}
			app.Config = cfg

			logCfg := logging.DefaultLogConfig()
			if debug {
				logCfg.Level = "debug"
			}
			app.Logger = logging.NewLoggerWithConfig(logCfg)

			st, err := store.NewSQLiteStore(cfg.Data.DBPath)
			if err != nil {
				return fmt.Errorf("opening database: %w", err)
			}
			app.Store = st
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if app.Store != nil {
				app.Store.Close()
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "configuration directory (default ~/.config/options-engine)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(newRunCmd(app))
	rootCmd.AddCommand(newStatusCmd(app))
	rootCmd.AddCommand(newResetDayCmd(app))
	rootCmd.AddCommand(newTradesCmd(app))

	return rootCmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRunCmd(app *App) *cobra.Command {
	var symbols []string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the execution engine",
		Long: `Connects to the broker, subscribes to the configured instruments
and runs the session loop until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !app.Config.HasCredentials() {
				return fmt.Errorf("broker credentials missing: set ANGEL_API_KEY, ANGEL_CLIENT_ID, ANGEL_PASSWORD and ANGEL_TOTP_SECRET")
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			connector := broker.NewConnector(app.Config, app.Logger)
			connector.SetSubscriptions(parseSubscriptions(symbols, app.Config.Trading.Exchange))
			defer connector.Close()

			session, err := connector.Connect(ctx)
			if err != nil {
				return err
			}

			account, err := session.Broker.GetAccountDetails(ctx)
			if err != nil {
				return fmt.Errorf("fetching account details: %w", err)
			}
			app.Logger.Info().
				Float64("available_cash", account.AvailableCash).
				Msg("account loaded")

			riskEngine := risk.NewEngine(app.Config.Risk, account.AvailableCash, app.Logger)
			today := time.Now().Format("2006-01-02")
			if state, err := app.Store.GetRiskState(ctx, today); err != nil {
				app.Logger.Warn().Err(err).Msg("loading risk state failed, starting fresh")
			} else {
				riskEngine.Restore(state)
			}
			riskEngine.AttachStore(app.Store)
			notifier := notify.NewTelegramNotifier(app.Config.Notifications, app.Logger)
			aggregator := marketdata.NewAggregator(app.Store, app.Config.Data.StaleDataTimeout, app.Logger)
			manager := orders.NewManager(session.Broker, app.Store, riskEngine,
				notifier, models.ProductType(app.Config.Trading.DefaultProduct), app.Logger)

			eng := engine.New(app.Config, connector, aggregator, manager, riskEngine, app.Logger)

			go watchEndOfDay(ctx, app, eng)

			notifier.Notify(ctx, "Execution engine started")
			err = eng.Run(ctx)
			if err == context.Canceled {
				app.Logger.Info().Msg("engine stopped")
				return nil
			}
			if err != nil {
				notifier.Notify(context.Background(), "Execution engine down: "+err.Error())
			}
			return err
		},
	}

	cmd.Flags().StringSliceVar(&symbols, "subscribe", nil, "instruments to subscribe, as SYMBOL:TOKEN pairs")
	return cmd
}

// watchEndOfDay closes all positions at the configured exit time.
func watchEndOfDay(ctx context.Context, app *App, eng *engine.Engine) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	closed := false
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if closed || !afterClock(now, app.Config.Trading.EndOfDayExit) {
				continue
			}
			app.Logger.Info().Msg("end of day, closing all positions")
			eng.CloseAll(ctx, "end of day")
			closed = true
		}
	}
}

// afterClock reports whether now is at or past an HH:MM local time.
func afterClock(now time.Time, clock string) bool {
	parts := strings.SplitN(clock, ":", 2)
	if len(parts) != 2 {
		return false
	}
	var h, m int
	fmt.Sscanf(clock, "%d:%d", &h, &m)
	cutoff := time.Date(now.Year(), now.Month(), now.Day(), h, m, 0, 0, now.Location())
	return !now.Before(cutoff)
}

func parseSubscriptions(pairs []string, defaultExchange string) []broker.SubscriptionToken {
	var subs []broker.SubscriptionToken
	for _, p := range pairs {
		parts := strings.SplitN(p, ":", 2)
		if len(parts) != 2 {
			continue
		}
		subs = append(subs, broker.SubscriptionToken{
			Symbol:   parts[0],
			Token:    parts[1],
			Exchange: models.Exchange(defaultExchange),
		})
	}
	return subs
}

func newStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show persisted positions and recent orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			positions, err := app.Store.GetOpenPositions(ctx)
			if err != nil {
				return err
			}
			if len(positions) == 0 {
				fmt.Println("No open positions")
			} else {
				fmt.Printf("Open positions (%d):\n", len(positions))
				for _, p := range positions {
					fmt.Printf("  %-24s %-4s qty=%-6d avg=%.2f sl=%.2f tp=%.2f\n",
						p.Symbol, p.Side, p.Quantity, p.AveragePrice, p.StopLoss, p.TakeProfit)
				}
			}

			ords, err := app.Store.GetOrders(ctx, 10)
			if err != nil {
				return err
			}
			if len(ords) > 0 {
				fmt.Printf("\nRecent orders (%d):\n", len(ords))
				for _, o := range ords {
					fmt.Printf("  %-24s %-4s qty=%-6d status=%-16s filled=%d@%.2f\n",
						o.Symbol, o.Side, o.Quantity, o.Status, o.FilledQuantity, o.AveragePrice)
				}
			}
			return nil
		},
	}
}

func newResetDayCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-day",
		Short: "Reset the daily risk counters",
		Long: `Clears the persisted daily loss and consecutive loss counters and
lifts the trading halt. Run before the market opens; the engine picks
up the fresh state on its next start.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			today := time.Now().Format("2006-01-02")
			if err := app.Store.DeleteRiskState(cmd.Context(), today); err != nil {
				return err
			}
			fmt.Println("Daily risk state reset for", today)
			return nil
		},
	}
}

func newTradesCmd(app *App) *cobra.Command {
	var limit int
	var symbol string

	cmd := &cobra.Command{
		Use:   "trades",
		Short: "Show closed trades",
		RunE: func(cmd *cobra.Command, args []string) error {
			trades, err := app.Store.GetTrades(cmd.Context(), store.TradeFilter{
				Symbol: symbol,
				Limit:  limit,
			})
			if err != nil {
				return err
			}
			if len(trades) == 0 {
				fmt.Println("No trades recorded")
				return nil
			}

			var total float64
			for _, t := range trades {
				fmt.Printf("  %s %-24s %-4s qty=%-6d %.2f -> %.2f pnl=%+.2f (%.1f min)\n",
					t.ExitTime.Format("15:04:05"), t.Symbol, t.Side, t.Quantity,
					t.EntryPrice, t.ExitPrice, t.PnL, t.HoldingMinutes)
				total += t.PnL
			}
			fmt.Printf("\nTotal PnL: %+.2f over %d trades\n", total, len(trades))
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum trades to show")
	cmd.Flags().StringVar(&symbol, "symbol", "", "filter by symbol")
	return cmd
}
