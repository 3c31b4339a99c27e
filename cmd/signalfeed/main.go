package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Rajchodisetti/signals-engine/internal/api"
	"github.com/Rajchodisetti/signals-engine/internal/config"
	"github.com/Rajchodisetti/signals-engine/internal/feed"
	"github.com/Rajchodisetti/signals-engine/internal/health"
	"github.com/Rajchodisetti/signals-engine/internal/observ"
	"github.com/Rajchodisetti/signals-engine/internal/pnl"
	"github.com/Rajchodisetti/signals-engine/internal/transport"
)

func main() {
	cfgPath := flag.String("config", "", "YAML config file (defaults only when empty)")
	envFile := flag.String("env", ".env", "dotenv file, ignored when missing")
	duration := flag.Duration("duration", 0, "stop after this long, 0 runs until interrupted")
	autoRetry := flag.Bool("auto-retry", false, "restart the stream with a fresh budget once reconnects are exhausted")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		l := zerolog.New(os.Stderr)
		l.Warn().Err(err).Str("file", *envFile).Msg("dotenv not loaded")
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("load config")
	}
	log := observ.NewLogger(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	if err := run(ctx, cfg, *autoRetry, log); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		log.Fatal().Err(err).Msg("signal feed failed")
	}
	log.Info().Msg("signal feed stopped")
}

func run(ctx context.Context, cfg config.Root, autoRetry bool, log zerolog.Logger) error {
	clock := clockwork.NewRealClock()

	if cfg.Metrics.Addr != "" {
		srv, err := observ.Serve(cfg.Metrics.Addr, log)
		if err != nil {
			return err
		}
		log.Info().Str("addr", cfg.Metrics.Addr).Msg("metrics endpoint started")
		defer func() {
			shutdown, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdown)
		}()
	}

	client, err := api.New(cfg.API, cfg.PnL, log)
	if err != nil {
		return err
	}
	dialer, err := transport.NewDialer(cfg.Stream, clock)
	if err != nil {
		return err
	}

	signals := feed.NewSignalFeed(dialer, client, cfg.SignalFeed(clock), log, nil)
	var equity *feed.EquityFeed
	if cfg.Feed.EquityEnabled {
		equity = feed.NewEquityFeed(dialer, client, cfg.EquityFeed(clock), log, nil)
	}
	poller := health.NewPoller(client, cfg.Health, clock, log, nil)

	log.Info().
		Str("api", cfg.API.BaseURL).
		Str("transport", cfg.Stream.Transport).
		Str("mode", cfg.Feed.Mode).
		Str("pair", cfg.Feed.Pair).
		Bool("equity", equity != nil).
		Msg("starting signal feed")

	signals.Enable(ctx)
	defer signals.Disable()
	if equity != nil {
		equity.Enable(ctx)
		defer equity.Disable()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return poller.Run(ctx) })
	if cfg.Feed.SummarySeconds > 0 {
		g.Go(func() error {
			return summarize(ctx, clock, time.Duration(cfg.Feed.SummarySeconds)*time.Second, signals, equity, poller, cfg.PnL, autoRetry, log)
		})
	}
	return g.Wait()
}

// summarize logs the connection state and simulated performance periodically
func summarize(ctx context.Context, clock clockwork.Clock, every time.Duration, signals *feed.SignalFeed, equity *feed.EquityFeed,
	poller *health.Poller, pnlCfg pnl.Config, autoRetry bool, log zerolog.Logger) error {
	ticker := clock.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		}

		st := signals.State()
		live := feed.Live(signals, equity)
		rep := signals.Performance(pnlCfg)
		hs := poller.Snapshot()

		kv := map[string]any{
			"signals":           len(st.Signals),
			"loading":           st.Loading,
			"connection":        st.Connection.Phase.String(),
			"attempt":           st.Connection.Attempt,
			"live":              live.IsLive(),
			"fully_connected":   live.FullyConnected(),
			"trades":            rep.Stats.TotalTrades,
			"win_rate":          rep.Stats.WinRate,
			"total_pnl":         rep.Stats.TotalPnL,
			"total_pnl_percent": rep.Stats.TotalPnLPercent,
			"sharpe":            rep.Stats.SharpeRatio,
			"max_drawdown_pct":  rep.Stats.MaxDrawdownPercent,
			"health":            string(hs.Last.Status),
			"health_p95_ms":     hs.LatencyP95.Milliseconds(),
		}
		if err := st.Err(); err != nil {
			kv["error"] = err.Error()
		}
		if equity != nil {
			es := equity.State()
			kv["equity_points"] = len(es.Points)
			kv["equity_source"] = es.Source
			if n := len(es.Points); n > 0 {
				kv["equity"] = es.Points[n-1].Equity
			}
		}
		observ.Log(log, "performance_summary", kv)

		recoverStream(st.Connection.Exhausted, autoRetry, signals.Retry, log)
	}
}

// recoverStream restarts an exhausted stream only when the operator asked for
// it with -auto-retry; otherwise the stream stays down and is reported.
func recoverStream(exhausted, autoRetry bool, retry func(), log zerolog.Logger) bool {
	if !exhausted {
		return false
	}
	if !autoRetry {
		log.Warn().Msg("stream gave up reconnecting, restart with -auto-retry to recover automatically")
		return false
	}
	log.Warn().Msg("stream gave up reconnecting, retrying with a fresh budget")
	retry()
	return true
}
