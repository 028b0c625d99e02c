package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cadre-oss/recall/internal/worker"
)

var workerPoolSize int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the embedding worker and session sweeper",
	Long: `Run the background half of recall: a pool of embedding workers
consuming flush jobs from the queue, plus the sweeper that flushes idle
sessions out of the fast cache.

The process runs until interrupted. It is safe to run several worker
processes against the same Redis; the consumer group splits jobs
between them.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().IntVarP(&workerPoolSize, "pool-size", "n", 0, "worker goroutines (default from config)")
}

func runWorker(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	size := a.cfg.Worker.PoolSize
	if workerPoolSize > 0 {
		size = workerPoolSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	pool := worker.NewPool(a.queue, a.processor, size, a.cfg.Queue.MaxAttempts, a.logger, a.metrics)
	pool.Start(ctx)
	a.sweeper.Start(ctx)

	a.logger.Info("worker started",
		"pool_size", size,
		"stream", a.cfg.Queue.Stream,
		"sweep_interval", a.cfg.SweepInterval().String())
	fmt.Printf("recall worker running (pool=%d). Press Ctrl+C to stop.\n", size)

	<-sigCh
	fmt.Println("\nShutting down...")
	cancel()

	a.sweeper.Stop()
	pool.Stop()

	// One last sweep so idle sessions land in the ledger before exit.
	a.sweeper.SweepOnce(context.Background())
	return nil
}
