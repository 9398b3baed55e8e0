package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/OldEphraim/strategy-vault/archiver"
	"github.com/OldEphraim/strategy-vault/db"
	"github.com/OldEphraim/strategy-vault/utils/config"
	"github.com/OldEphraim/strategy-vault/utils/logging"
)

const (
	maxBackoffSleep   = 2 * time.Minute
	shortSuccessPause = 1 * time.Second
	idleSleep         = 5 * time.Minute
)

func main() {
	_ = godotenv.Load()

	var (
		configFile = flag.String("config", config.DefaultFile, "config file, relative to configs/")
		hourStr    = flag.String("hour", "", "UTC hour to export (e.g. 2025-10-12T00); if set, run once then exit")
		backfill   = flag.Bool("backfill", true, "Archive the oldest unarchived hour before the last closed one")
		timeout    = flag.Duration("timeout", 10*time.Minute, "Timeout per archived hour")
		settle     = flag.Duration("settle", archiver.DefaultSettle, "Wait this long after an hour closes before archiving it")
	)
	flag.Parse()

	cfg, err := config.NewLoader().Load(*configFile)
	if err != nil {
		log.Fatal("config: ", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}
	if cfg.Archive.Bucket == "" {
		log.Fatal("ARCHIVE_S3_BUCKET is required")
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	logger, err := logging.New("vault-archiver", cfg.LogDir, level)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Close()

	store, err := db.NewStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("db.NewStore: ", err)
	}
	defer store.Close()

	rootCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sink, err := archiver.NewS3Sink(rootCtx, cfg.Archive.Bucket, cfg.Archive.Region)
	if err != nil {
		log.Fatal("aws cfg: ", err)
	}

	runner := &archiver.Runner{
		Sink:   sink,
		Jobs:   &archiver.JobStore{Q: store.Queries},
		Dumper: &archiver.EventsDumper{Q: store.Queries},
		Table:  archiver.EventsTable,
		Prefix: cfg.Archive.Prefix,
		Settle: *settle,
		Log:    logger.Logger,
	}

	// One-shot mode
	if *hourStr != "" {
		t, err := time.Parse("2006-01-02T15", *hourStr)
		if err != nil {
			log.Fatalf("bad -hour: %v", err)
		}
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		w, _ := runner.SelectWindow(ctx, &t, false, time.Now())
		if _, err := runner.RunOnce(ctx, w); err != nil {
			logger.Error("one-shot archiving failed", "err", err)
			os.Exit(1)
		}
		return
	}

	backoff := time.Second
	for {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		now := time.Now()
		w, err := runner.SelectWindow(ctx, nil, *backfill, now)
		var lastClosed bool
		if err == nil {
			lastClosed = w == runner.LastSettledHour(now)
			_, err = runner.RunOnce(ctx, w)
		}
		cancel()

		var sleep time.Duration
		switch {
		case err != nil:
			backoff *= 2
			if backoff > maxBackoffSleep {
				backoff = maxBackoffSleep
			}
			sleep = backoff
			logger.Error("archive failed", "err", err, "backoff", sleep.String())
		case lastClosed:
			// caught up; wait for the next hour to close
			backoff = time.Second
			sleep = idleSleep
		default:
			backoff = time.Second
			sleep = shortSuccessPause
		}
		if err := sleepOrDone(rootCtx, sleep); err != nil {
			logger.Info("archiver shutting down")
			return
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
