package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/VanDung-dev/HieraChain-Gossip/logging"
	"github.com/VanDung-dev/HieraChain-Gossip/network"
)

const stressTopic = "/stress/flood"

// StressTestConfig holds configuration for the flood simulation.
type StressTestConfig struct {
	Nodes       int
	MaxPeers    int
	Seeds       int
	Concurrency int
	Messages    int
	Settle      time.Duration
	Drain       time.Duration
	LogLevel    string
	ReportFile  string
}

// StressTestResult holds the results of a flood simulation.
type StressTestResult struct {
	Nodes          int
	AvgPeers       float64
	Broadcasts     int64
	FailedSends    int64
	Deliveries     int64
	Expected       int64
	Coverage       float64
	TotalDuration  time.Duration
	AvgLatency     time.Duration
	MaxLatency     time.Duration
	BroadcastsPerS float64
}

func main() {
	config := parseFlags()

	fmt.Println("=== Gossip Flood Simulation ===")
	fmt.Printf("Nodes: %d (max %d peers, %d seeds)\n", config.Nodes, config.MaxPeers, config.Seeds)
	fmt.Printf("Messages: %d from %d publishers\n", config.Messages, config.Concurrency)
	fmt.Println()

	result, err := runStressTest(config)
	if err != nil {
		log.Fatalf("Simulation failed: %v", err)
	}

	printResults(result)

	if config.ReportFile != "" {
		saveReport(config, result)
	}
}

func parseFlags() StressTestConfig {
	config := StressTestConfig{}

	flag.IntVar(&config.Nodes, "nodes", 30, "Number of simulated nodes")
	flag.IntVar(&config.MaxPeers, "max-peers", 6, "Peer set capacity per node")
	flag.IntVar(&config.Seeds, "seeds", 3, "Number of bootstrap nodes every node knows")
	flag.IntVar(&config.Concurrency, "c", 4, "Number of concurrent publishers")
	flag.IntVar(&config.Messages, "n", 200, "Total number of broadcasts")
	flag.DurationVar(&config.Settle, "settle", 3*time.Second, "Time allowed for discovery before publishing")
	flag.DurationVar(&config.Drain, "drain", 2*time.Second, "Time allowed for delivery after the last broadcast")
	flag.StringVar(&config.LogLevel, "log", "warn", "Node log level")
	flag.StringVar(&config.ReportFile, "o", "", "Output report file (JSON)")

	flag.Parse()

	return config
}

func runStressTest(config StressTestConfig) (StressTestResult, error) {
	logger, err := logging.New(config.LogLevel, logging.FormatConsole)
	if err != nil {
		return StressTestResult{}, err
	}

	hub := network.NewMemoryHub(network.StreamOptions{})
	seeds := make([]string, 0, config.Seeds)
	for i := 0; i < config.Seeds && i < config.Nodes; i++ {
		seeds = append(seeds, nodeAddress(i))
	}

	var (
		deliveries   atomic.Int64
		totalLatency atomic.Int64
		maxLatency   atomic.Int64
	)
	record := func(_ string, payload []byte) error {
		if len(payload) < 8 {
			return fmt.Errorf("short payload")
		}
		sent := int64(binary.BigEndian.Uint64(payload))
		lat := time.Now().UnixNano() - sent
		deliveries.Add(1)
		totalLatency.Add(lat)
		for {
			old := maxLatency.Load()
			if lat <= old || maxLatency.CompareAndSwap(old, lat) {
				break
			}
		}
		return nil
	}

	nodes := make([]*network.Node, 0, config.Nodes)
	defer func() {
		for _, n := range nodes {
			_ = n.Shutdown()
		}
	}()

	for i := 0; i < config.Nodes; i++ {
		cfg := network.DefaultConfig()
		cfg.ListenAddress = nodeAddress(i)
		cfg.Bootstrap = seeds
		cfg.MaxPeers = config.MaxPeers
		cfg.DiscoveryRetryInterval = 200 * time.Millisecond
		cfg.PeerListRequestTimeout = time.Second

		n, err := network.NewNode(cfg,
			network.WithTransport(hub),
			network.WithLogger(logger.With(zap.Int("node", i))),
		)
		if err != nil {
			return StressTestResult{}, err
		}
		n.Subscribe(stressTopic, record)
		if err := n.Start(context.Background()); err != nil {
			return StressTestResult{}, err
		}
		nodes = append(nodes, n)
	}

	time.Sleep(config.Settle)

	peerTotal := 0
	for _, n := range nodes {
		peerTotal += n.PeerCount()
	}

	var (
		broadcasts atomic.Int64
		failed     atomic.Int64
		next       atomic.Int64
		wg         sync.WaitGroup
	)
	startTime := time.Now()

	for i := 0; i < config.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for next.Add(1) <= int64(config.Messages) {
				origin := nodes[rand.IntN(len(nodes))]
				payload := make([]byte, 64)
				binary.BigEndian.PutUint64(payload, uint64(time.Now().UnixNano()))
				if _, err := origin.Broadcast(stressTopic, payload); err != nil {
					failed.Add(1)
					continue
				}
				broadcasts.Add(1)
			}
		}()
	}
	wg.Wait()
	publishTime := time.Since(startTime)

	time.Sleep(config.Drain)

	sent := broadcasts.Load()
	delivered := deliveries.Load()
	// origins do not deliver their own broadcasts
	expected := sent * int64(len(nodes)-1)

	result := StressTestResult{
		Nodes:         len(nodes),
		AvgPeers:      float64(peerTotal) / float64(len(nodes)),
		Broadcasts:    sent,
		FailedSends:   failed.Load(),
		Deliveries:    delivered,
		Expected:      expected,
		TotalDuration: time.Since(startTime),
		MaxLatency:    time.Duration(maxLatency.Load()),
	}
	if expected > 0 {
		result.Coverage = float64(delivered) / float64(expected)
	}
	if delivered > 0 {
		result.AvgLatency = time.Duration(totalLatency.Load() / delivered)
	}
	if publishTime > 0 {
		result.BroadcastsPerS = float64(sent) / publishTime.Seconds()
	}
	return result, nil
}

func nodeAddress(i int) string {
	return fmt.Sprintf("node-%d:7000", i)
}

func printResults(result StressTestResult) {
	fmt.Println("=== Results ===")
	fmt.Printf("Duration:        %v\n", result.TotalDuration.Round(time.Millisecond))
	fmt.Printf("Nodes:           %d (avg %.1f peers)\n", result.Nodes, result.AvgPeers)
	fmt.Printf("Broadcasts:      %d (%d failed)\n", result.Broadcasts, result.FailedSends)
	fmt.Printf("Broadcasts/sec:  %.2f\n", result.BroadcastsPerS)
	fmt.Printf("Deliveries:      %d of %d (%.2f%%)\n", result.Deliveries, result.Expected, result.Coverage*100)
	fmt.Printf("Avg Latency:     %v\n", result.AvgLatency.Round(time.Microsecond))
	fmt.Printf("Max Latency:     %v\n", result.MaxLatency.Round(time.Microsecond))
}

func saveReport(config StressTestConfig, result StressTestResult) {
	report := map[string]interface{}{
		"config": map[string]interface{}{
			"nodes":       config.Nodes,
			"max_peers":   config.MaxPeers,
			"seeds":       config.Seeds,
			"concurrency": config.Concurrency,
			"messages":    config.Messages,
		},
		"results": map[string]interface{}{
			"avg_peers":      result.AvgPeers,
			"broadcasts":     result.Broadcasts,
			"failed":         result.FailedSends,
			"deliveries":     result.Deliveries,
			"expected":       result.Expected,
			"coverage":       result.Coverage,
			"broadcasts_sec": result.BroadcastsPerS,
			"avg_latency_ms": float64(result.AvgLatency.Microseconds()) / 1000,
			"max_latency_ms": float64(result.MaxLatency.Microseconds()) / 1000,
		},
		"timestamp": time.Now().Format(time.RFC3339),
	}

	data, _ := json.MarshalIndent(report, "", "  ")
	if err := os.WriteFile(config.ReportFile, data, 0644); err != nil {
		log.Printf("Failed to write report: %v", err)
	} else {
		fmt.Printf("Report saved to: %s\n", config.ReportFile)
	}
}
