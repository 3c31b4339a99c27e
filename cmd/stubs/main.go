package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Rajchodisetti/signals-engine/internal/domain"
	"github.com/Rajchodisetti/signals-engine/internal/observ"
	"github.com/Rajchodisetti/signals-engine/internal/stubs"
)

func main() {
	addr := flag.String("addr", ":8000", "listen address")
	rate := flag.Int("rate", stubs.RateNormal, "signals per minute, 0 disables the generator")
	burst := flag.Int("burst", 0, "signals to emit at startup")
	mode := flag.String("mode", "paper", "mode stamped on generated signals")
	heartbeat := flag.Duration("heartbeat", 10*time.Second, "stream heartbeat interval")
	seed := flag.Int64("seed", 0, "random seed, 0 for time based")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	log := observ.NewLogger(*level)
	m, err := domain.ParseMode(*mode)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid mode")
	}

	sim := stubs.NewSimulator(stubs.SimConfig{Mode: m, Seed: *seed}, nil, log)
	if *burst > 0 {
		sim.Emit(*burst)
		log.Info().Int("count", *burst).Msg("burst emitted")
	}
	srv := &http.Server{
		Addr:              *addr,
		Handler:           stubs.NewServer(sim, stubs.ServerConfig{Heartbeat: *heartbeat}, log).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", *addr).Msg("stub signal service listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	})
	if *rate > 0 {
		g.Go(func() error {
			if err := sim.Run(ctx, *rate); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("stub service failed")
	}
	log.Info().Int("signals", sim.Stats().Count).Msg("stub service stopped")
}
