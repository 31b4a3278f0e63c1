package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsljw/Judge-final/internal/arbiter"
	"github.com/nsljw/Judge-final/internal/casefile"
	"github.com/nsljw/Judge-final/internal/casestore"
	"github.com/nsljw/Judge-final/internal/dispatch"
	"github.com/nsljw/Judge-final/internal/httpapi"
	"github.com/nsljw/Judge-final/internal/logging"
	"github.com/nsljw/Judge-final/internal/notify"
	"github.com/nsljw/Judge-final/internal/observability"
	"github.com/nsljw/Judge-final/internal/ratelimit"
	"github.com/nsljw/Judge-final/internal/reasoning"
	"github.com/nsljw/Judge-final/internal/retention"
	"github.com/nsljw/Judge-final/internal/verdictpdf"
)

func main() {
	dbPath := flag.String("db", "./data/cases.db", "path to the SQLite database file")
	attachmentsDir := flag.String("attachments", "./data/attachments", "directory holding evidence attachments")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	retentionDays := flag.Int("retention-days", 180, "days to keep cases before the nightly purge")
	flag.Parse()

	logger, err := logging.New(*logLevel)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := observability.Init(ctx, observability.Config{
		ServiceName: "judge-bot",
		Endpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Insecure:    os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
	})
	if err != nil {
		logger.Warnw("tracing init failed, continuing without it", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	store, err := casestore.New(*dbPath)
	if err != nil {
		logger.Fatalw("open case store", "db", *dbPath, "error", err)
	}
	defer store.Close()

	caller, err := reasoning.NewAnthropicCallerFromEnv()
	if err != nil {
		logger.Fatalw("init reasoning caller", "error", err)
	}
	gateway := reasoning.NewAnthropicGateway(reasoning.NewExecutor(caller))

	var limiter arbiter.StartLimiter
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		rl, err := ratelimit.NewRedisLimiterFromURL(redisURL, 0)
		if err != nil {
			logger.Fatalw("init rate limiter", "error", err)
		}
		defer rl.Close()
		limiter = rl
	} else {
		logger.Warn("REDIS_URL not set; case-start rate limiting disabled")
	}

	machine := arbiter.New(arbiter.Deps{
		Store:    store,
		Gateway:  gateway,
		Renderer: verdictpdf.NewChromiumRenderer(),
		Notifier: notify.NewLogNotifier(logger),
		Fetcher:  casefile.DirFetcher{Dir: *attachmentsDir},
		Limiter:  limiter,
		Log:      logger,
	}, arbiter.Config{})

	if err := machine.Recover(ctx); err != nil {
		logger.Errorw("recovery pass failed", "error", err)
	}

	dispatcher := dispatch.New(machine, logger)

	sweeper := retention.NewSweeper(store, time.Duration(*retentionDays)*24*time.Hour, logger)
	sweeper.Start()

	addr := ":8080"
	if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}
	srv := &http.Server{
		Addr:    addr,
		Handler: httpapi.NewServer(store, machine, dispatcher, logger),
	}

	go func() {
		logger.Infow("judge-bot listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalw("http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("http shutdown", "error", err)
	}
	dispatcher.Close()
	sweeper.Stop()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warnw("tracing shutdown", "error", err)
	}
}
