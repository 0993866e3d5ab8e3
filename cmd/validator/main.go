// Command validator is the process entrypoint: it wires every component in
// the one-way injection order from DESIGN.md (stores, routing table,
// verifier, node manager, scorer, weights engine, scheduler, admin API) and
// runs until signaled.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/mattdev071/subnet-42/api"
	"github.com/mattdev071/subnet-42/bus"
	"github.com/mattdev071/subnet-42/chainiface"
	"github.com/mattdev071/subnet-42/config"
	"github.com/mattdev071/subnet-42/monitor"
	"github.com/mattdev071/subnet-42/nodemanager"
	"github.com/mattdev071/subnet-42/registryclient"
	"github.com/mattdev071/subnet-42/routing"
	"github.com/mattdev071/subnet-42/scheduler"
	"github.com/mattdev071/subnet-42/store"
	"github.com/mattdev071/subnet-42/tee"
	"github.com/mattdev071/subnet-42/telemetryscorer"
	"github.com/mattdev071/subnet-42/transport"
	"github.com/mattdev071/subnet-42/types"
	"github.com/mattdev071/subnet-42/weights"
)

var flags = []cli.Flag{
	&cli.IntFlag{Name: "netuid", Usage: "subnet uid on the target chain", EnvVars: []string{"NETUID"}},
	&cli.StringFlag{Name: "subtensor.network", Usage: "chain network name", EnvVars: []string{"SUBTENSOR_NETWORK"}},
	&cli.StringFlag{Name: "subtensor.address", Usage: "chain RPC endpoint", EnvVars: []string{"SUBTENSOR_ADDRESS"}},
	&cli.IntFlag{Name: "validator.port", Usage: "admin HTTP listen port", EnvVars: []string{"VALIDATOR_PORT"}},
	&cli.StringFlag{Name: "data-dir", Usage: "directory holding the three SQLite store files", EnvVars: []string{"VALIDATOR_DATA_DIR"}},
	&cli.StringFlag{Name: "hotkey", Usage: "validator hotkey, 0x-prefixed 32-byte hex", EnvVars: []string{"VALIDATOR_HOTKEY"}},
}

func main() {
	app := &cli.App{
		Name:  "validator",
		Usage: "subnet-42 scraping-network validator control plane",
		Flags: flags,
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Crit("validator exited", "err", err)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if v := c.Int("netuid"); v != 0 {
		cfg.NetUID = v
	}
	if v := c.String("subtensor.network"); v != "" {
		cfg.SubtensorNetwork = v
	}
	if v := c.String("subtensor.address"); v != "" {
		cfg.SubtensorAddress = v
	}
	if v := c.Int("validator.port"); v != 0 {
		cfg.ValidatorPort = v
	}
	if v := c.String("data-dir"); v != "" {
		cfg.DataDir = v
	}

	hotkeyHex := c.String("hotkey")
	if hotkeyHex == "" {
		hotkeyHex = "0x" + fmt.Sprintf("%064x", 1)
	}
	hotkey, err := types.HotkeyFromHex(hotkeyHex)
	if err != nil {
		return fmt.Errorf("parse validator hotkey: %w", err)
	}

	// C1: persistent stores.
	routingStore, err := store.OpenRoutingStore(cfg.RoutingStorePath())
	if err != nil {
		return fmt.Errorf("open routing store: %w", err)
	}
	defer routingStore.Close()
	telemetryStore, err := store.OpenTelemetryStore(cfg.TelemetryStorePath())
	if err != nil {
		return fmt.Errorf("open telemetry store: %w", err)
	}
	defer telemetryStore.Close()
	errorStore, err := store.OpenErrorStore(cfg.ErrorStorePath())
	if err != nil {
		return fmt.Errorf("open error store: %w", err)
	}
	defer errorStore.Close()

	// C3: routing table, over C1.
	routingTable := routing.New(routingStore)

	// C2: TEE verifier.
	verifier := tee.New()

	// Out-of-scope external collaborators: Chain and SecureTransport have no
	// real implementation in this repository (spec.md §1 scopes them out as
	// named interfaces only); the validator runs against their in-memory
	// stubs until a real chain/transport client is wired in.
	chain := chainiface.NewStub(hotkey)
	secureTransport := transport.NewStub()

	// Central registry client, shared by the node manager (registers staged
	// unverified TEEs) and the telemetry scorer (active stat_name/version).
	registry := registryclient.New(cfg.MasaTEEAPI)

	// C4: node manager, over C3, transport and verifier.
	nodeManager := nodemanager.New(routingTable, secureTransport, verifier, errorStore,
		nodemanager.WithResultHost(cfg.TelemetryResultWorkerAddress),
		nodemanager.WithDevWhitelist(cfg.Env == config.EnvDev, cfg.MinerWhitelist),
		nodemanager.WithRegistry(registry),
	)

	// C5: telemetry scorer, over C3, verifier, registry client and C1.
	scorer := telemetryscorer.New(routingTable, verifier, registry, telemetryStore, errorStore, cfg.TelemetryResultWorkerAddress)

	// C6: weights engine and setter, over C1 and Chain.
	engine, err := weights.NewEngine(weights.DefaultEngineConfig)
	if err != nil {
		return fmt.Errorf("build weights engine: %w", err)
	}
	setter := weights.NewSetter(chain, engine, telemetryStore, cfg.NetUID)

	// MessageBus: real NATS if configured, otherwise an in-memory recorder so
	// the validator still runs standalone.
	var messageBus bus.MessageBus
	if cfg.NatsURL != "" {
		natsBus, err := bus.Dial(cfg.NatsURL)
		if err != nil {
			return fmt.Errorf("dial nats: %w", err)
		}
		defer natsBus.Close()
		messageBus = natsBus
	} else {
		messageBus = bus.NewRecorder()
	}

	// C8: process monitor, shared by the scheduler and exposed via the admin API.
	mon := monitor.New()

	// C7: scheduler, over every component above.
	schedCfg := scheduler.Config{
		SyncCadence:                   cfg.SyncCadence,
		UpdateTEECadence:              cfg.UpdateTEECadence,
		TelemetryCadence:              cfg.TelemetryCadence,
		SetWeightsCadence:             cfg.SetWeightsCadence,
		MonitorCleanupCadence:         cfg.MonitorCleanupCadence,
		MonitorRetentionHours:         cfg.MonitorRetentionHours,
		TelemetryExpirationHours:      cfg.TelemetryExpirationHours,
		UnregisteredTEERetentionHours: cfg.UnregisteredTEERetentionHours,
		NetUID:                        cfg.NetUID,
		ValidatorNodeID:               0,
		VersionKey:                    cfg.VersionKey,
		NatsChannel:                   cfg.NatsChannel,
		NatsPriorityChannel:           cfg.NatsPriorityChannel,
		PriorityListSize:              cfg.PriorityListSize,
	}
	sched := scheduler.New(schedCfg, chain, nodeManager, scorer, setter, engine, telemetryStore, routingTable, messageBus, mon)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	defer sched.Stop()

	// C9: admin HTTP API, read-only over every component above.
	adminServer := api.New(cfg, hotkey, routingTable, telemetryStore, errorStore, mon, sched)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ValidatorPort),
		Handler:           adminServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("admin api listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("admin api stopped", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down validator")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	return nil
}
