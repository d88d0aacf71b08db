// Command queuedemo runs a durable request queue against an HTTP endpoint
// (https://httpbin.org unless -host names another) so the library can be
// exercised end-to-end outside of its test suite.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/scribd/lucid-requestqueue/internal/dispatch"
	"github.com/scribd/lucid-requestqueue/internal/request"
	"github.com/scribd/lucid-requestqueue/queue"
	"github.com/scribd/lucid-requestqueue/transport"
)

func main() {
	storageDir := flag.String("storage", "", "directory to persist the queue under (required)")
	host := flag.String("host", "https://httpbin.org", "default host for queued requests")
	path := flag.String("path", "/post", "path template for the demo request")
	flag.Parse()

	if *storageDir == "" {
		fmt.Fprintln(os.Stderr, "usage: queuedemo -storage <dir> [-host <url>] [-path <path>]")
		os.Exit(2)
	}

	log, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, "build logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	q, err := queue.New(queue.Config{
		StoragePath:             *storageDir,
		MaxConcurrentNonBarrier: 4,
		DefaultMaxAttempts:      5,
		DefaultBackoff: request.BackoffPolicy{
			InitialMS:  500,
			Multiplier: 2,
			MaxMS:      30_000,
		},
		Transport: transport.NewHTTPClient(&http.Client{Timeout: 10 * time.Second}, *host),
		Logger:    log,
	})
	if err != nil {
		log.Fatal("open queue", zap.Error(err))
	}
	defer q.Close()

	done := make(chan struct{})
	q.Register(dispatch.HandlerFunc(func(req request.Request, outcome dispatch.Outcome) {
		log.Info("outcome delivered",
			zap.String("tag", req.Config.Tag),
			zap.Int("kind", int(outcome.Kind)),
			zap.Int("status_code", outcome.StatusCode),
		)
		close(done)
	}))

	err = q.Append(request.Request{
		Config: request.Config{
			Method:       request.MethodPost,
			PathTemplate: *path,
			Policy: request.QueueingPolicy{
				Retry:       request.RetryOnNetworkErrors,
				MaxAttempts: 5,
			},
			Tag: "queuedemo-request",
		},
	})
	if err != nil {
		log.Fatal("append request", zap.Error(err))
	}

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Warn("timed out waiting for an outcome")
	}
}
