/*
main.go - Application entry point

PURPOSE:
  couponctl runs the coupon quota HTTP service and offers one-shot
  administrative commands against the same storage.

COMMANDS:
  serve                       Start the HTTP server
  add CODE                    Register a coupon
  check CODE [--user ID]      Evaluate eligibility (no side effects)
  redeem CODE [--user ID]     Consume one unit
  status CODE                 Print counters and utilization

STARTUP SEQUENCE (serve):
  1. Load configuration (.env, YAML, COUPON_* overrides)
  2. Build logger
  3. Open the configured store
  4. Register seed coupons (existing codes are skipped)
  5. Configure HTTP router and start server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (server.shutdown_timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  couponctl serve --config ./coupon.yaml
  COUPON_STORAGE_DRIVER=memory couponctl serve
  couponctl add SPRING --user-total 3 --user-daily 1 --user-weekly 2 --global 100
  couponctl redeem SPRING --user alice

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration sources
*/
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/warp/coupon-quota/api"
	"github.com/warp/coupon-quota/config"
	"github.com/warp/coupon-quota/coupon"
	"github.com/warp/coupon-quota/coupon/store"
	"github.com/warp/coupon-quota/logging"
	"github.com/warp/coupon-quota/metrics"
	"github.com/warp/coupon-quota/store/postgres"
	"github.com/warp/coupon-quota/store/sqlite"
)

type CLI struct {
	Serve  ServeCmd  `cmd:"" help:"Start the HTTP server."`
	Add    AddCmd    `cmd:"" help:"Register a coupon."`
	Check  CheckCmd  `cmd:"" help:"Check whether a coupon can be redeemed."`
	Redeem RedeemCmd `cmd:"" help:"Redeem a coupon once."`
	Status StatusCmd `cmd:"" help:"Show a coupon's counters."`

	Config    string `short:"c" help:"Path to config file." type:"path" env:"COUPON_CONFIG"`
	LogLevel  string `help:"Log level (debug, info, warn, error). Overrides the config file."`
	LogFormat string `help:"Log format (text, json). Overrides the config file."`
}

// =============================================================================
// APP - Shared wiring for every command
// =============================================================================

type app struct {
	cfg     config.Config
	logger  *slog.Logger
	engine  *coupon.Engine
	metrics *metrics.Collector
	ping    func(context.Context) error
	close   func() error
}

func (c *CLI) newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return nil, err
	}
	if c.LogLevel != "" {
		cfg.Log.Level = c.LogLevel
	}
	if c.LogFormat != "" {
		cfg.Log.Format = c.LogFormat
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}
	st, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	a.engine = coupon.NewEngine(st,
		coupon.WithLocation(loc),
		coupon.WithRetry(cfg.RetryPolicy()),
		coupon.WithObserver(a.metrics),
		coupon.WithLogger(logger),
	)
	return a, nil
}

func (a *app) openStore(ctx context.Context) (coupon.TxStore, error) {
	a.close = func() error { return nil }

	switch a.cfg.Storage.Driver {
	case config.DriverMemory:
		a.logger.Warn("using in-memory storage; state is lost on exit")
		return store.NewTxMemory(), nil

	case config.DriverSQLite:
		s, err := sqlite.New(a.cfg.Storage.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", a.cfg.Storage.SQLite.Path, err)
		}
		a.ping, a.close = s.Ping, s.Close
		a.logger.Info("storage ready", "driver", "sqlite", "path", a.cfg.Storage.SQLite.Path)
		return s, nil

	case config.DriverPostgres:
		pg := a.cfg.Storage.Postgres
		s, err := postgres.Open(ctx, pg.DSN, postgres.Options{
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: pg.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		a.ping, a.close = s.Ping, s.Close
		a.logger.Info("storage ready", "driver", "postgres")
		return s, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", a.cfg.Storage.Driver)
}

// seed registers configured coupons. Codes that already exist are left as is.
func (a *app) seed(ctx context.Context) error {
	for _, q := range a.cfg.Coupons {
		_, err := a.engine.Register(ctx, q)
		switch {
		case err == nil:
		case errors.Is(err, coupon.ErrDuplicateCode):
			a.logger.Debug("seed coupon already registered", "code", q.Code)
		default:
			return fmt.Errorf("seed coupon %s: %w", q.Code, err)
		}
	}
	return nil
}

// =============================================================================
// SERVE
// =============================================================================

type ServeCmd struct {
	Addr string `help:"Listen address. Overrides server.addr."`
}

func (s *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := cli.newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.seed(ctx); err != nil {
		return err
	}

	addr := a.cfg.Server.Addr
	if s.Addr != "" {
		addr = s.Addr
	}

	handler := api.NewHandler(a.engine, a.logger)
	handler.Ping = a.ping
	router := api.NewRouter(handler, api.RouterConfig{
		AllowedOrigins: a.cfg.Server.AllowedOrigins,
		Metrics:        a.metrics,
	})

	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("server starting", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	a.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.logger.Info("server stopped")
	return nil
}

// =============================================================================
// ADMIN COMMANDS
// =============================================================================

type AddCmd struct {
	Code       string `arg:"" help:"Coupon code."`
	UserTotal  int    `help:"Redemptions left across all users." default:"0"`
	UserDaily  int    `help:"Per-user redemptions per calendar day." default:"0"`
	UserWeekly int    `help:"Per-user redemptions per ISO week." default:"0"`
	Global     int    `help:"Redemptions left overall." required:""`
}

func (c *AddCmd) Run(cli *CLI) error {
	return cli.withApp(func(ctx context.Context, a *app) error {
		id, err := a.engine.AddQuota(ctx, c.Code, c.UserTotal, c.UserDaily, c.UserWeekly, c.Global)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"id": id, "code": c.Code})
	})
}

type CheckCmd struct {
	Code string `arg:"" help:"Coupon code."`
	User string `help:"User ID. Empty means anonymous."`
}

func (c *CheckCmd) Run(cli *CLI) error {
	return cli.withApp(func(ctx context.Context, a *app) error {
		d, err := a.engine.CheckEligibility(ctx, c.Code, coupon.UserID(c.User))
		if err != nil {
			return err
		}
		return printDecision(c.Code, d)
	})
}

type RedeemCmd struct {
	Code string `arg:"" help:"Coupon code."`
	User string `help:"User ID. Empty means anonymous."`
}

func (c *RedeemCmd) Run(cli *CLI) error {
	return cli.withApp(func(ctx context.Context, a *app) error {
		d, err := a.engine.Redeem(ctx, c.Code, coupon.UserID(c.User))
		if err != nil {
			return err
		}
		return printDecision(c.Code, d)
	})
}

type StatusCmd struct {
	Code string `arg:"" help:"Coupon code."`
}

func (c *StatusCmd) Run(cli *CLI) error {
	return cli.withApp(func(ctx context.Context, a *app) error {
		st, err := a.engine.Status(ctx, c.Code)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{
			"code":                 st.Code,
			"global_remaining":     st.GlobalRemaining,
			"global_limit":         st.GlobalLimit,
			"user_total_remaining": st.UserTotalRemaining,
			"user_daily_limit":     st.UserDailyLimit,
			"user_weekly_limit":    st.UserWeeklyLimit,
			"redeemed":             st.Redeemed,
			"utilization":          st.Utilization.String(),
		})
	})
}

func (c *CLI) withApp(fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := c.newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}

func printDecision(code string, d coupon.Decision) error {
	return printJSON(map[string]any{
		"code":    code,
		"allowed": d.Allowed,
		"reason":  string(d.Reason),
		"message": d.Reason.Message(),
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("couponctl"),
		kong.Description("Coupon quota tracking and redemption service."),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
