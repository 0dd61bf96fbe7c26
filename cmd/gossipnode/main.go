package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/VanDung-dev/HieraChain-Gossip/api"
	"github.com/VanDung-dev/HieraChain-Gossip/config"
	"github.com/VanDung-dev/HieraChain-Gossip/consensus"
	"github.com/VanDung-dev/HieraChain-Gossip/crypto"
	"github.com/VanDung-dev/HieraChain-Gossip/logging"
	"github.com/VanDung-dev/HieraChain-Gossip/monitoring"
	"github.com/VanDung-dev/HieraChain-Gossip/network"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	listen := flag.String("listen", "", "Override network.listen_address")
	bootstrap := flag.String("bootstrap", "", "Override network.bootstrap (comma separated)")
	publishEvery := flag.Duration("publish-every", 0, "Publish a demo block at this interval (0 disables)")
	flag.Parse()

	if err := run(*configPath, *listen, *bootstrap, *publishEvery); err != nil {
		fmt.Fprintf(os.Stderr, "gossipnode: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, listen, bootstrap string, publishEvery time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Network.ListenAddress = listen
	}
	if bootstrap != "" {
		cfg.Network.Bootstrap = strings.Split(bootstrap, ",")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	signer, err := loadSigner(cfg.Identity)
	if err != nil {
		return err
	}

	node, err := network.NewNode(cfg.Network,
		network.WithSigner(signer),
		network.WithLogger(logger),
		network.WithMetrics(monitoring.NewMetrics("gossip", prometheus.DefaultRegisterer)),
	)
	if err != nil {
		return err
	}
	consensus.Register(node)

	consensus.OnBlock(node, func(b *consensus.Block) error {
		logger.Info("block received", zap.Int64("slot", b.Slot), zap.String("proposer", b.Proposer))
		return nil
	})
	consensus.OnAggregate(node, func(a *consensus.Aggregate) error {
		logger.Info("aggregate received", zap.Int64("slot", a.Slot), zap.String("block_hash", a.BlockHash))
		return nil
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := node.Start(ctx); err != nil {
		return err
	}
	logger.Info("node started",
		zap.String("address", node.Addr().String()),
		zap.Strings("bootstrap", cfg.Network.Bootstrap))

	var admin *api.Server
	if cfg.Admin.Address != "" {
		admin = api.NewServer(cfg.Admin.Address, node, prometheus.DefaultGatherer, logger.Named("api"))
		if err := admin.Start(); err != nil {
			_ = node.Shutdown()
			return err
		}
	}

	if publishEvery > 0 {
		go publishBlocks(ctx, node, signer, publishEvery, logger)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	if admin != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := admin.Stop(shutdownCtx); err != nil {
			logger.Warn("admin server shutdown failed", zap.Error(err))
		}
	}
	return node.Shutdown()
}

func loadSigner(id config.Identity) (*crypto.Secp256k1Signer, error) {
	if id.KeyHex == "" {
		return crypto.GenerateSecp256k1Signer()
	}
	return crypto.Secp256k1SignerFromHex(id.KeyHex)
}

// publishBlocks proposes a block per tick until ctx ends.
func publishBlocks(ctx context.Context, node *network.Node, signer *crypto.Secp256k1Signer, every time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	proposer := fmt.Sprintf("%x", signer.PublicKey())
	parent := ""
	for slot := int64(1); ; slot++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		txs := []string{fmt.Sprintf("tx-%d", slot)}
		env, err := consensus.PublishBlock(node, &consensus.Block{
			Slot:         slot,
			Proposer:     proposer,
			Transactions: &txs,
			ParentHash:   parent,
			Timestamp:    time.Now().UnixMilli(),
		})
		if err != nil {
			logger.Warn("publish failed", zap.Int64("slot", slot), zap.Error(err))
			continue
		}
		parent = env.MessageID
		logger.Debug("block published", zap.Int64("slot", slot), zap.String("message_id", env.MessageID))
	}
}
