// Command apollo-matcher runs one pass of the matcher workflow
// (spec.md §6): list every product with at least one active mirror,
// match each against its upstream candidates, clone what matched, and
// block what didn't. Scheduling (how often a pass runs) is left to an
// external scheduler, per spec.md §6 treating the orchestrator as an
// activity/workflow contract rather than owning its own clock.
//
// Wiring follows cmd/cctool/main.go's flag.FlagSet + os/signal
// cancellation shape, trimmed to this command's single subcommand.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rocky-linux/apollo/datastore/postgres"
	"github.com/rocky-linux/apollo/internal/orchestration"
)

type config struct {
	connString     string
	productID      int64
	allProducts    bool
	maxRepomdBytes int64
	blockOnDefunct bool
	poll           bool
	httpTimeout    time.Duration
}

func loadConfig() config {
	cfg := config{}
	flag.StringVar(&cfg.connString, "connection-string", envOr("CONNECTION_STRING", "host=localhost port=5432 user=apollo dbname=apollo sslmode=disable"), "Postgres connection string")
	flag.Int64Var(&cfg.productID, "product-id", 0, "restrict the pass to a single supported_product id (0 means every product)")
	flag.Int64Var(&cfg.maxRepomdBytes, "max-repomd-bytes", 512<<20, "maximum size of any single fetched repomd component")
	flag.BoolVar(&cfg.blockOnDefunct, "block-all-on-defunct", envOr("BLOCK_ALL_ON_DEFUNCT", "false") == "true", "block every remaining candidate for a mirror, not just ones left unmatched this pass")
	flag.BoolVar(&cfg.poll, "poll", false, "run poll_upstream instead of the match/block pass")
	flag.DurationVar(&cfg.httpTimeout, "http-timeout", 30*time.Second, "per-request timeout for the repomd HTTP client")
	flag.Parse()
	return cfg
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func main() {
	log := slog.Default().With("component", "cmd/apollo-matcher")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cfg := loadConfig()

	pool, err := postgres.Connect(ctx, cfg.connString, "apollo-matcher")
	if err != nil {
		log.Error("connect to database", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	store := postgres.NewStore(pool)

	if cfg.poll {
		if err := runPoll(ctx, store); err != nil {
			log.Error("poll workflow failed", "err", err)
			os.Exit(1)
		}
		return
	}

	if err := runMatch(ctx, store, cfg); err != nil {
		log.Error("matcher workflow failed", "err", err)
		os.Exit(1)
	}
}

// runMatch drives RhMatcherWorkflow's per-product loop itself, rather
// than calling it directly, so the matched-advisory-ID set
// MatchProduct returns can be threaded straight into
// BlockUnmatchedForProduct without a second matching pass, per
// MatchProduct's documented contract.
func runMatch(ctx context.Context, store *postgres.Store, cfg config) error {
	log := slog.Default().With("component", "cmd/apollo-matcher")
	client := &http.Client{Timeout: cfg.httpTimeout}
	opts := orchestration.Options{
		MaxRepomdBytes:    cfg.maxRepomdBytes,
		BlockAllOnDefunct: cfg.blockOnDefunct,
	}

	var productFilter *int64
	if cfg.productID != 0 {
		productFilter = &cfg.productID
	}

	listCtx, cancel := context.WithTimeout(ctx, orchestration.ListProductsDeadline)
	ids, err := store.ListProductsWithMirrors(listCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("listing products: %w", err)
	}

	for _, id := range ids {
		if productFilter != nil && *productFilter != id {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		matchCtx, cancel := context.WithTimeout(ctx, orchestration.MatchProductDeadline)
		matchedIDs, err := orchestration.MatchProduct(matchCtx, client, store, id, opts)
		cancel()
		if err != nil {
			log.Error("match_product failed", "product_id", id, "err", err)
			continue
		}
		log.Info("match_product completed", "product_id", id, "matched", len(matchedIDs))

		blockCtx, cancel := context.WithTimeout(ctx, orchestration.BlockUnmatchedDeadline)
		err = orchestration.BlockUnmatchedForProduct(blockCtx, store, id, matchedIDs, opts)
		cancel()
		if err != nil {
			log.Error("block_unmatched_for_product failed", "product_id", id, "err", err)
			continue
		}
		log.Info("block_unmatched_for_product completed", "product_id", id)
	}
	return nil
}

// runPoll implements the poll_upstream side of spec.md §6.
// poll_upstream's concrete implementation (fetching new upstream
// advisories) is out of scope for this module; orchestration.PollWorkflow
// only depends on the orchestration.UpstreamPoller interface, which
// nothing in this repo implements yet.
func runPoll(ctx context.Context, store *postgres.Store) error {
	return orchestration.PollWorkflow(ctx, store, noopPoller{})
}

type noopPoller struct{}

func (noopPoller) PollUpstream(ctx context.Context, from time.Time) error {
	return fmt.Errorf("cmd/apollo-matcher: poll_upstream is not implemented by this build")
}
