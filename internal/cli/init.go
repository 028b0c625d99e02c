package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init [directory]",
	Short: "Initialize a recall project",
	Long: `Create a starter recall.yaml and the local data directory.

The generated config uses the embedded vector index and a local Redis,
so a stock 'redis-server' is the only external dependency.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "overwrite an existing recall.yaml")
}

const starterConfig = `name: recall
version: "1.0"

redis:
  addr: localhost:6379

session:
  ttl: 2h
  sweep_interval: 1m
  op_timeout: 5s

ledger:
  path: .recall/ledger.db

queue:
  stream: recall:embed:jobs
  group: embedder
  dead_letter: recall:embed:dead
  max_attempts: 5
  backoff_base: 2s
  backoff_cap: 5m

index:
  backend: chromem
  path: .recall/index
  # backend: qdrant
  # qdrant_url: http://localhost:6333
  # api_key: ${env.QDRANT_API_KEY}
  # collection: conversations

prefs:
  path: .recall/prefs.db
  cache_ttl: 1h

search:
  k: 6
  min_similarity: 0.40

embedding:
  inline: false
  dimensions: 384

worker:
  pool_size: 2

logging:
  level: info
  format: text
`

func runInit(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	configPath := filepath.Join(dir, "recall.yaml")
	if _, err := os.Stat(configPath); err == nil && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
	}

	if err := os.WriteFile(configPath, []byte(starterConfig), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, ".recall"), 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	fmt.Printf("Created %s\n", configPath)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Start Redis:          redis-server")
	fmt.Println("  2. Start the worker:     recall worker")
	fmt.Println("  3. Record a turn:        recall record <user> <session> user \"hello\"")
	return nil
}
