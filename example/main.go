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

	"github.com/jpalmerr/intake"
	"github.com/jpalmerr/intake/exchange"
	"github.com/jpalmerr/intake/source/httpsource"
)

type job struct {
	ID   int    `json:"id"`
	Kind string `json:"kind"`
}

func main() {
	// start mock job feed (see mock_server.go)
	go StartMockJobServer(":9999")
	time.Sleep(100 * time.Millisecond)

	src, err := httpsource.New(httpsource.Config{URL: "http://localhost:9999/jobs"})
	if err != nil {
		slog.Error("failed to create source", "error", err)
		os.Exit(1)
	}
	defer src.Close()

	ep, err := intake.NewEndpoint("jobs", "http://localhost:9999/jobs",
		intake.WithLabels("team", "media"),
	)
	if err != nil {
		slog.Error("failed to create endpoint", "error", err)
		os.Exit(1)
	}

	// poll every 250ms; after 5 idle or 3 failed polls only every 10th tick polls
	consumer, err := intake.NewConsumer(ep, src,
		intake.WithDelay(250*time.Millisecond),
		intake.WithBackoffMultiplier(10),
		intake.WithBackoffIdleThreshold(5),
		intake.WithBackoffErrorThreshold(3),
		intake.WithExchangeFactory(exchange.NewPooledFactory(4)),
		intake.WithProcessor(intake.ProcessorFunc(handle)),
	)
	if err != nil {
		slog.Error("failed to create consumer", "error", err)
		os.Exit(1)
	}

	in, err := intake.New(
		intake.WithConsumer(consumer),
		intake.WithPort(8080),
		intake.WithHealthCallback(func(h intake.Health) {
			slog.Info("health", "consumer", h.Consumer, "state", h.State)
		}),
	)
	if err != nil {
		slog.Error("failed to create intake", "error", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("  intake demo")
	fmt.Println()
	fmt.Println("  Polling http://localhost:9999/jobs")
	fmt.Println("  Health at http://localhost:8080/api/consumers")
	fmt.Println("  Press Ctrl+C to stop")
	fmt.Println()

	// set up context with signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := in.Start(ctx); err != nil {
		slog.Error("intake error", "error", err)
		os.Exit(1)
	}
}

func handle(_ context.Context, ex *exchange.Exchange) error {
	body, _ := exchange.BodyBytes(ex.In())
	var j job
	if err := json.Unmarshal(body, &j); err != nil {
		return fmt.Errorf("decode job: %w", err)
	}
	slog.Info("job processed", "job_id", j.ID, "kind", j.Kind, "exchange_id", ex.ID())
	return nil
}
