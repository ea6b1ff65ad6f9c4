// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chunkd License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nishisan-dev/n-chunkd/internal/config"
	"github.com/nishisan-dev/n-chunkd/internal/logging"
)

func main() {
	configPath := flag.String("config", "/etc/nchunkd/nchunkd.yaml", "path to daemon config file")
	deviceName := flag.String("device", "", "device name from the config")
	volume := flag.String("volume", "", "volume name")
	action := flag.String("action", "", "write|read|size|truncate|status|check")
	flag.Parse()

	cfg, err := config.LoadDaemonConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, closer := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer closer.Close()

	// Context com cancelamento via signal
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg, *deviceName, *volume, *action, logger); err != nil {
		logger.Error("nchunkd error", "error", err)
		os.Exit(1)
	}
}
