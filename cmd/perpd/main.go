package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"
	natsgo "github.com/nats-io/nats.go"

	"github.com/luxfi/perp/pkg/api"
	"github.com/luxfi/perp/pkg/config"
	"github.com/luxfi/perp/pkg/events"
	"github.com/luxfi/perp/pkg/feed"
	"github.com/luxfi/perp/pkg/metrics"
	"github.com/luxfi/perp/pkg/perp"
	"github.com/luxfi/perp/pkg/store"
	"github.com/luxfi/perp/pkg/websocket"
)

// multiSink fans engine events out to every attached sink.
type multiSink []perp.EventSink

func (m multiSink) TradeExecuted(ev perp.TradeEvent) {
	for _, s := range m {
		s.TradeExecuted(ev)
	}
}

func (m multiSink) PositionLiquidated(ev perp.LiquidationEvent) {
	for _, s := range m {
		s.PositionLiquidated(ev)
	}
}

func (m multiSink) FundingSettled(ev perp.FundingEvent) {
	for _, s := range m {
		s.FundingSettled(ev)
	}
}

type PerpNode struct {
	cfg    *config.Config
	ledger *store.Store
	engine *perp.Engine
	ws     *websocket.Server
	mtx    *metrics.Metrics
	logger log.Logger

	natsConn   *natsgo.Conn
	eventsConn *natsgo.Conn
	feed       *feed.NATS

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// noopRail accepts every withdrawal. Custody approval lives outside
// this daemon; operators wire a real rail in via the engine API.
type noopRail struct{}

func (noopRail) ApproveWithdrawal(accountID string, amount uint64) error { return nil }

func NewPerpNode(cfg *config.Config) (*PerpNode, error) {
	level, _ := log.ToLevel(cfg.Node.LogLevel)
	logger := log.NewTestLogger(level)
	logger.Info("Initializing perpd node")

	dataPath := cfg.Node.DataDir
	if !filepath.IsAbs(dataPath) {
		dataPath = filepath.Join(os.Getenv("HOME"), dataPath)
	}
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbManager := manager.NewManager(dataPath, nil)

	dbConfig := manager.DefaultBadgerDBConfig("badgerdb")
	dbConfig.Namespace = "perpd"
	if cfg.Node.DBEngine == "memory" {
		dbConfig = manager.DefaultMemoryConfig()
	}

	db, err := dbManager.New(dbConfig)
	if err != nil {
		logger.Warn("Failed to open BadgerDB", "error", err)
		memConfig := manager.DefaultMemoryConfig()
		db, err = dbManager.New(memConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
		logger.Info("Using in-memory database")
	} else {
		logger.Info("Database initialized",
			"engine", cfg.Node.DBEngine,
			"path", filepath.Join(dataPath, "badgerdb"))
	}

	ledger := store.New(db)

	node := &PerpNode{
		cfg:    cfg,
		ledger: ledger,
		logger: logger,
	}
	node.ctx, node.cancel = context.WithCancel(context.Background())

	// Oracle feed: NATS subscriber when configured, static otherwise.
	var priceFeed perp.PriceFeed
	if cfg.Feed.NATSURL != "" {
		conn, err := natsgo.Connect(cfg.Feed.NATSURL,
			natsgo.RetryOnFailedConnect(true),
			natsgo.MaxReconnects(-1))
		if err != nil {
			ledger.Close()
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		node.natsConn = conn

		natsFeed, err := feed.NewNATS(conn, cfg.Feed.SubjectPrefix, logger)
		if err != nil {
			conn.Close()
			ledger.Close()
			return nil, fmt.Errorf("failed to subscribe to price feed: %w", err)
		}
		node.feed = natsFeed
		priceFeed = natsFeed
		logger.Info("Oracle feed subscribed",
			"url", cfg.Feed.NATSURL,
			"subjects", cfg.Feed.SubjectPrefix+".>")
	} else {
		priceFeed = feed.NewStatic()
		logger.Warn("No oracle feed configured, using static feed")
	}

	node.engine = perp.NewEngine(ledger, priceFeed, noopRail{}, logger)

	node.ws = websocket.NewServer(node.engine, logger)

	sinks := multiSink{node.ws}
	if cfg.Events.NATSURL != "" {
		conn := node.natsConn
		if conn == nil || cfg.Events.NATSURL != cfg.Feed.NATSURL {
			conn, err = natsgo.Connect(cfg.Events.NATSURL,
				natsgo.RetryOnFailedConnect(true),
				natsgo.MaxReconnects(-1))
			if err != nil {
				node.closeIO()
				return nil, fmt.Errorf("failed to connect to NATS for events: %w", err)
			}
			node.eventsConn = conn
		}
		sinks = append(sinks, events.NewPublisher(conn, cfg.Events.SubjectPrefix, logger))
		logger.Info("Event publisher attached", "prefix", cfg.Events.SubjectPrefix)
	}
	node.engine.SetEventSink(sinks)

	if cfg.Metrics.Enabled {
		node.mtx, err = metrics.New("perpd")
		if err != nil {
			node.closeIO()
			return nil, fmt.Errorf("failed to create metrics: %w", err)
		}
	}

	return node, nil
}

func (n *PerpNode) Start() error {
	n.logger.Info("Starting perpd node",
		"rpcPort", n.cfg.API.RPCPort,
		"wsPort", n.cfg.API.WSPort,
		"crankInterval", n.cfg.Funding.CrankInterval)

	n.wg.Add(1)
	go n.runJSONRPCServer()

	n.wg.Add(1)
	go n.runWebSocketServer()

	n.wg.Add(1)
	go n.runFundingCrank()

	if n.mtx != nil {
		n.wg.Add(1)
		go n.runMetrics()
	}

	n.logger.Info("perpd node started successfully")
	return nil
}

func (n *PerpNode) runJSONRPCServer() {
	defer n.wg.Done()

	server := api.NewJSONRPCServer(n.engine, n.logger)
	if n.mtx != nil {
		server.SetRecorder(n.mtx)
	}

	if err := api.StartJSONRPCServer(n.ctx, n.cfg.API.RPCPort, server, n.logger); err != nil && n.ctx.Err() == nil {
		n.logger.Error("JSON-RPC server error", "error", err)
	}
}

func (n *PerpNode) runWebSocketServer() {
	defer n.wg.Done()

	go func() {
		<-n.ctx.Done()
		n.ws.Stop()
	}()

	if err := n.ws.Start(n.cfg.API.WSPort); err != nil && n.ctx.Err() == nil {
		n.logger.Error("WebSocket server error", "error", err)
	}
}

func (n *PerpNode) runMetrics() {
	defer n.wg.Done()

	go n.mtx.CollectSystemMetrics(n.ctx)

	port := fmt.Sprintf("%d", n.cfg.Metrics.Port)
	if err := n.mtx.StartServer(port); err != nil {
		n.logger.Error("Metrics server error", "error", err)
	}
	<-n.ctx.Done()
}

// runFundingCrank periodically settles funding for every account with a
// live position and refreshes per-market gauges and price broadcasts.
func (n *PerpNode) runFundingCrank() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.Funding.CrankInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.crankOnce()
		}
	}
}

func (n *PerpNode) crankOnce() {
	accountIDs, err := n.ledger.AccountIDs()
	if err != nil {
		n.logger.Error("Funding crank failed to list accounts", "error", err)
		return
	}

	var settled, failed int
	for _, id := range accountIDs {
		if id == perp.InsuranceFundAccountID {
			continue
		}
		acct, err := n.ledger.Account(id)
		if err != nil {
			continue
		}
		for _, marketIndex := range acct.LiveMarkets() {
			res, err := n.engine.SettleFunding(id, marketIndex)
			if err != nil {
				failed++
				n.logger.Debug("Funding settlement failed",
					"account", id, "market", marketIndex, "error", err)
				continue
			}
			if res.Settled {
				settled++
			}
		}
	}

	if settled > 0 || failed > 0 {
		n.logger.Info("Funding crank pass complete", "settled", settled, "failed", failed)
	}

	n.refreshMarketTelemetry()
}

func (n *PerpNode) refreshMarketTelemetry() {
	markets, err := n.engine.Markets()
	if err != nil {
		return
	}
	for _, m := range markets {
		n.ws.BroadcastPrice(m)

		if n.mtx == nil {
			continue
		}
		name := fmt.Sprintf("%d", m.Index)
		if price, err := m.MarkPrice(); err == nil {
			pf, _ := new(big.Float).SetInt(price).Float64()
			n.mtx.UpdateMarkPrice(name, pf/1e9)
		}
		rf, _ := new(big.Float).SetInt(m.LastFundingRate).Float64()
		n.mtx.UpdateFundingRate(name, rf/1e9)
		of, _ := new(big.Float).SetInt(m.OpenInterestBase).Float64()
		n.mtx.UpdateOpenInterest(name, of/1e9)
	}

	if n.mtx != nil {
		if balance, err := n.engine.InsuranceFund(); err == nil {
			n.mtx.UpdateInsuranceFund(float64(balance) / 1e6)
		}
	}
}

func (n *PerpNode) closeIO() {
	if n.feed != nil {
		n.feed.Close()
	}
	if n.eventsConn != nil {
		n.eventsConn.Close()
	}
	if n.natsConn != nil {
		n.natsConn.Close()
	}
	if n.ledger != nil {
		n.ledger.Close()
	}
}

func (n *PerpNode) Shutdown() {
	n.logger.Info("Shutting down perpd node...")

	n.cancel()
	n.wg.Wait()
	n.closeIO()

	n.logger.Info("perpd node shutdown complete")
}

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	dataDir := flag.String("data-dir", "", "Data directory (overrides config)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	rpcPort := flag.Int("rpc-port", 0, "JSON-RPC port (overrides config)")
	wsPort := flag.Int("ws-port", 0, "WebSocket port (overrides config)")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadAndValidate(*configPath)
		if err != nil {
			log.Root().Crit("Failed to load config", "error", err)
			os.Exit(1)
		}
	} else {
		cfg = config.Default()
	}

	if *dataDir != "" {
		cfg.Node.DataDir = *dataDir
	}
	if *logLevel != "" {
		cfg.Node.LogLevel = *logLevel
	}
	if *rpcPort != 0 {
		cfg.API.RPCPort = *rpcPort
	}
	if *wsPort != 0 {
		cfg.API.WSPort = *wsPort
	}

	rootLogger := log.Root()
	rootLogger.Info("perpd - perpetual futures clearing node",
		"platform", fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		"cpus", runtime.NumCPU(),
		"dataDir", cfg.Node.DataDir)

	node, err := NewPerpNode(cfg)
	if err != nil {
		rootLogger.Crit("Failed to create node", "error", err)
		os.Exit(1)
	}

	if err := node.Start(); err != nil {
		rootLogger.Crit("Failed to start node", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	rootLogger.Info("Received shutdown signal", "signal", sig)

	node.Shutdown()
}
