package cli

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/cadre-oss/recall/internal/config"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check environment and dependencies",
	Long:  "Validate that Redis, the ledger, and the vector index are reachable with the current configuration.",
	RunE:  runDoctor,
}

func runDoctor(cmd *cobra.Command, args []string) error {
	fmt.Println("recall doctor — checking your environment")
	fmt.Println()
	allOK := true

	// 1. Go version
	fmt.Printf("  Go version: %s", runtime.Version())
	fmt.Println(" ✓")

	// 2. OS/Arch
	fmt.Printf("  Platform:   %s/%s", runtime.GOOS, runtime.GOARCH)
	fmt.Println(" ✓")

	// 3. Configuration
	cfg, err := config.Load(".")
	if err != nil {
		fmt.Printf("  Config:     INVALID (%s) ✗\n", err)
		fmt.Println("    → Run 'recall init' to create a starter recall.yaml")
		return fmt.Errorf("config check failed")
	}
	fmt.Printf("  Config:     %s v%s", cfg.Name, cfg.Version)
	fmt.Println(" ✓")

	a, err := newApp()
	if err != nil {
		fmt.Printf("  Wiring:     FAILED (%s) ✗\n", err)
		return fmt.Errorf("environment check failed")
	}
	defer a.close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 4. Redis
	if err := a.cache.Ping(ctx); err != nil {
		fmt.Printf("  Redis:      UNREACHABLE (%s) ✗\n", cfg.Redis.Addr)
		fmt.Println("    → Start it with 'redis-server' or fix redis.addr in recall.yaml")
		allOK = false
	} else {
		fmt.Printf("  Redis:      %s", cfg.Redis.Addr)
		fmt.Println(" ✓")
	}

	// 5. Ledger
	if _, err := a.ledger.ListRecent(ctx, "doctor", 1); err != nil {
		fmt.Printf("  Ledger:     FAILED (%s) ✗\n", err)
		allOK = false
	} else {
		fmt.Printf("  Ledger:     %s", cfg.Ledger.Path)
		fmt.Println(" ✓")
	}

	// 6. Vector index
	if _, err := a.index.Count(ctx, "doctor"); err != nil {
		fmt.Printf("  Index:      UNREACHABLE (%s backend) ✗\n", cfg.Index.Backend)
		if cfg.Index.Backend == "qdrant" {
			fmt.Printf("    → Check that Qdrant is running at %s\n", cfg.Index.QdrantURL)
		}
		allOK = false
	} else {
		fmt.Printf("  Index:      %s backend", cfg.Index.Backend)
		fmt.Println(" ✓")
	}

	// 7. Queue
	if _, err := a.queue.Stats(ctx); err != nil {
		fmt.Printf("  Queue:      UNREACHABLE (%s) ✗\n", err)
		allOK = false
	} else {
		fmt.Printf("  Queue:      %s", cfg.Queue.Stream)
		fmt.Println(" ✓")
	}

	fmt.Println()
	if !allOK {
		fmt.Println("Some checks failed. Fix the issues above and run 'recall doctor' again.")
		return fmt.Errorf("environment check failed")
	}
	fmt.Println("All checks passed.")
	return nil
}
