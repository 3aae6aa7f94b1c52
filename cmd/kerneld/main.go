package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	api "github.com/Whoisraeen/raeen-core/internal/api/http"
	"github.com/Whoisraeen/raeen-core/internal/config"
	"github.com/Whoisraeen/raeen-core/internal/contracts"
	"github.com/Whoisraeen/raeen-core/internal/kernel"
	"github.com/Whoisraeen/raeen-core/internal/kernel/defs"
	"github.com/Whoisraeen/raeen-core/internal/logging"
	"github.com/Whoisraeen/raeen-core/internal/monitoring"
)

func main() {
	// Parse flags
	bootPath := flag.String("boot", "", "TOML boot file sizing the machine")
	flag.Parse()

	// Environment first, boot file fills what the environment left unset
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *bootPath != "" {
		boot, err := config.LoadBoot(*bootPath)
		if err != nil {
			log.Fatalf("Failed to read boot file: %v", err)
		}
		if err := cfg.ApplyBoot(boot); err != nil {
			log.Fatalf("Failed to apply boot file: %v", err)
		}
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Logging.Level
	logCfg.Development = cfg.Logging.Development
	logger, err := logging.New(logCfg)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	metrics := monitoring.NewMetrics()

	// Assemble and boot the kernel
	k, err := kernel.New(kernel.Config{
		Cores:       cfg.Machine.Cores,
		Isolated:    defs.CoreMask(cfg.Machine.Isolated),
		Slice:       cfg.Machine.Slice,
		Frames:      cfg.Machine.Frames,
		TLBEntries:  cfg.Machine.TLBEntries,
		HandleSlots: cfg.Caps.HandleSlots,
		AuditRing:   cfg.Caps.AuditRing,
		AuditRate:   cfg.Caps.AuditRate,
		FlightRing:  cfg.Observe.FlightRing,
		SLOWindow:   cfg.Observe.SLOWindow,
		SwitchP99:   cfg.Observe.SwitchP99,
		RTTP99:      cfg.Observe.RTTP99,
	}, nil, logger, metrics)
	if err != nil {
		logger.Fatal("kernel assembly failed", zap.Error(err))
	}
	if err := k.Start(); err != nil {
		logger.Fatal("kernel start failed", zap.Error(err))
	}

	// Service contracts: registry file first, built-ins underneath
	registry := contracts.NewRegistry()
	if cfg.Contracts.Registry != "" {
		n, err := registry.LoadFile(cfg.Contracts.Registry)
		if err != nil {
			logger.Fatal("contract registry failed", zap.Error(err))
		}
		logger.Info("contracts loaded",
			zap.Int("count", n),
			zap.String("path", cfg.Contracts.Registry))
	}
	for _, c := range contracts.Builtin() {
		if err := registry.Ensure(c); err != nil {
			logger.Fatal("builtin contract failed",
				zap.String("endpoint", c.Endpoint),
				zap.Error(err))
		}
	}

	srv := api.NewServer(cfg, k, registry, logger, metrics)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Start server in goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := srv.Run(); err != nil {
			errChan <- err
		}
	}()

	// Wait for shutdown signal or error
	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case err := <-errChan:
		logger.Error("server error", zap.Error(err))
	}

	k.Stop()
	if err := srv.Close(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
}
