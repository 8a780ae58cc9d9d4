// main.go - shieldd service entrypoint.
//
// Boot order: config, logging, durable state restore, proving circuit and
// verification keys, rotation engine resumed from the persisted epoch table,
// entropy gate, transparent balances, gateway, HTTP surface. A state restore
// whose recomputed roots disagree with the persisted snapshot head aborts
// the boot.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	gnarklogger "github.com/consensys/gnark/logger"
	"github.com/holiman/uint256"

	"quakeshield/internal/entropy"
	"quakeshield/internal/gateway"
	"quakeshield/internal/rotation"
	"quakeshield/internal/shielded"
	"quakeshield/internal/store"
)

const serviceVersion = "1.1.0"

func main() {
	configPath := flag.String("config", "shieldd.json", "path to the service configuration file")
	listenAddr := flag.String("listen", "", "listen address override")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	auditPath := ""
	if cfg.EnableAudit {
		auditPath = cfg.AuditLogPath
	}
	logger, err := NewLogger(cfg.LogLevel, cfg.LogFile, auditPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()
	gnarklogger.Set(logger.zl)

	logger.Info("shieldd %s starting", serviceVersion)

	metrics := NewMetricsCollector()
	health := NewHealthChecker(serviceVersion)

	for _, dir := range []string{cfg.DataDir, cfg.KeyDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			logger.Fatal("failed to create %s: %v", dir, err)
		}
	}

	db, err := store.Open(filepath.Join(cfg.DataDir, "ledger"))
	if err != nil {
		logger.Fatal("store open failed: %v", err)
	}
	defer db.Close()

	state, err := db.Restore()
	if err != nil {
		logger.Fatal("state restore failed: %v", err)
	}
	logger.Info("state restored: %d commitments, %d nullifiers, %d stealth records, %d epochs",
		state.Accumulator.Len(), state.Nullifiers.Count(), state.Directory.Len(), len(state.Epochs))

	compileStart := time.Now()
	ccs, err := shielded.CompileTransferCircuit()
	if err != nil {
		logger.Fatal("transfer circuit compile failed: %v", err)
	}
	metrics.RecordCircuitCompile(time.Since(compileStart))
	logger.Info("transfer circuit compiled in %s", time.Since(compileStart).Round(time.Millisecond))

	pkPath := filepath.Join(cfg.KeyDir, "transfer_pk.bin")
	vkPath := filepath.Join(cfg.KeyDir, "transfer_vk.bin")
	_, vk, err := shielded.SetupOrLoadKeys(ccs, pkPath, vkPath)
	if err != nil {
		logger.Fatal("proving key setup failed: %v", err)
	}
	verifier, err := shielded.NewGroth16Verifier(vk)
	if err != nil {
		logger.Fatal("verifier init failed: %v", err)
	}

	var engine *rotation.Engine
	if len(state.Epochs) > 0 {
		engine, err = rotation.Resume(cfg.RotationConfig(), rotation.MiMCKeyDeriver, state.Epochs)
	} else {
		engine, err = rotation.NewEngine(cfg.RotationConfig(), rotation.MiMCKeyDeriver)
	}
	if err != nil {
		logger.Fatal("rotation engine init failed: %v", err)
	}
	if len(state.Epochs) == 0 {
		if err := db.WriteEpoch(engine.Current()); err != nil {
			logger.Fatal("genesis epoch persist failed: %v", err)
		}
	}
	logger.Info("rotation engine at epoch %d", engine.Current().ID)
	metrics.SetGauge(MetricCurrentEpoch, float64(engine.Current().ID), nil)

	// Signed-feed verification is deployment policy; the static trusted set
	// from the config vouches for sources here.
	gate, err := entropy.NewGate(cfg.EntropyConfig(), nil)
	if err != nil {
		logger.Fatal("entropy gate init failed: %v", err)
	}

	// Transparent balances are process state, re-seeded from the genesis
	// table on every boot. Only the shielded side is durable.
	balances := shielded.NewBalances()
	for account, amount := range cfg.GenesisAccounts {
		if err := balances.Credit(account, uint256.NewInt(amount)); err != nil {
			logger.Fatal("genesis credit failed for %s: %v", account, err)
		}
	}

	gw := gateway.New(verifier, engine, gate, state.Accumulator, state.Nullifiers,
		balances, state.Directory, db)

	health.RegisterComponent("gateway", func() (HealthStatus, string) {
		if err := gw.Healthy(); err != nil {
			return Unhealthy, err.Error()
		}
		return Healthy, fmt.Sprintf("%d transfers admitted", gw.Admitted())
	})
	health.RegisterComponent("rotation", func() (HealthStatus, string) {
		if err := engine.Healthy(); err != nil {
			return Unhealthy, err.Error()
		}
		if engine.State() != rotation.StateActive {
			return Degraded, "rotation due, awaiting entropy"
		}
		return Healthy, fmt.Sprintf("epoch %d", engine.Current().ID)
	})
	health.RegisterComponent("store", func() (HealthStatus, string) {
		if _, ok := db.Head(); !ok {
			return Healthy, "empty ledger"
		}
		return Healthy, "snapshot head present"
	})

	srv := NewServer(cfg, logger, metrics, health, gw, gate, engine, state.Directory, db)

	go func() {
		logger.Info("listening on %s", cfg.ListenAddr)
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	sig := <-stop
	logger.Info("received %s, shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeoutSecs)*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown incomplete: %v", err)
	}
	logger.Info("shieldd stopped")
}
