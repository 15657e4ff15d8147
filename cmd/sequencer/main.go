// Command sequencer is the process entrypoint: load configuration, build
// the store/tree/chain/prover collaborators, start the Supervisor, and
// serve /health and /metrics until SIGINT/SIGTERM, grounded on the
// teacher's main.go lifecycle (context.WithCancel background services,
// signal.Notify, graceful http.Server.Shutdown).
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/reilabs/signup-sequencer/pkg/chain"
	"github.com/reilabs/signup-sequencer/pkg/config"
	"github.com/reilabs/signup-sequencer/pkg/merkle"
	"github.com/reilabs/signup-sequencer/pkg/metrics"
	"github.com/reilabs/signup-sequencer/pkg/prover"
	"github.com/reilabs/signup-sequencer/pkg/sequencer"
	"github.com/reilabs/signup-sequencer/pkg/store"
	"github.com/reilabs/signup-sequencer/pkg/store/postgres"
)

func main() {
	logger := log.New(log.Writer(), "[main] ", log.LstdFlags)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if overlay := os.Getenv("PROVER_CONFIG_FILE"); overlay != "" {
		if err := cfg.LoadProverOverlay(overlay); err != nil {
			logger.Fatalf("load prover overlay: %v", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	st, err := buildStore(cfg)
	if err != nil {
		logger.Fatalf("build store: %v", err)
	}
	defer st.Close()

	tree, err := merkle.NewTree(cfg.TreeDepth, cfg.TreeGCThreshold)
	if err != nil {
		logger.Fatalf("build tree: %v", err)
	}

	providers, err := buildChainProviders(ctx, cfg)
	if err != nil {
		logger.Fatalf("build chain providers: %v", err)
	}

	proverClient := prover.NewClient(cfg.ProverURLs)

	seq := sequencer.New(cfg, tree, st, providers, proverClient)
	if err := seq.Start(ctx); err != nil {
		logger.Fatalf("start sequencer: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler(seq))
	mux.Handle("/metrics", metrics.Handler())

	httpServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		logger.Printf("listening on %s", cfg.MetricsAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Printf("shutting down")
	cancel()
	seq.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http server shutdown error: %v", err)
	}

	logger.Printf("stopped")
}

func buildStore(cfg *config.Config) (store.Store, error) {
	client, err := postgres.NewClient(cfg.DatabaseURL,
		postgres.WithMaxOpenConns(cfg.DBMaxOpenConns),
		postgres.WithMaxIdleConns(cfg.DBMaxIdleConns),
		postgres.WithConnMaxLifetime(cfg.DBConnMaxLifetime),
	)
	if err != nil {
		return nil, err
	}
	return postgres.NewStore(client), nil
}

func buildChainProviders(ctx context.Context, cfg *config.Config) (chain.Providers, error) {
	contract := common.HexToAddress(cfg.AnchorContractAddress)

	read, err := chain.DialRead(ctx, cfg.EthereumURL, cfg.EthChainID, contract)
	if err != nil {
		return chain.Providers{}, err
	}
	write, err := chain.DialWrite(ctx, cfg.EthereumURL, cfg.EthChainID, contract, cfg.EthPrivateKey)
	if err != nil {
		return chain.Providers{}, err
	}

	secondary := make(map[int64]chain.ReadProvider, len(cfg.SecondaryReadURLs))
	for chainID, url := range cfg.SecondaryReadURLs {
		r, err := chain.DialRead(ctx, url, chainID, contract)
		if err != nil {
			return chain.Providers{}, err
		}
		secondary[chainID] = r
	}

	return chain.Providers{Read: read, Write: write, SecondaryReads: secondary}, nil
}

type healthResponse struct {
	Status      string `json:"status"`
	MinedRoot   string `json:"mined_root"`
	Batching    string `json:"batching_root"`
	Processed   string `json:"processed_root"`
}

func healthHandler(seq *sequencer.Sequencer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mined, err := seq.Tree().Root(merkle.Mined)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		batching, err := seq.Tree().Root(merkle.Batching)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		processed, err := seq.Tree().Root(merkle.Processed)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(healthResponse{
			Status:    "ok",
			MinedRoot: mined.Hex(),
			Batching:  batching.Hex(),
			Processed: processed.Hex(),
		})
	}
}
