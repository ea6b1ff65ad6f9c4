// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chunkd License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/nishisan-dev/n-chunkd/internal/chunked"
	"github.com/nishisan-dev/n-chunkd/internal/config"
	"github.com/nishisan-dev/n-chunkd/internal/monitor"
	"github.com/nishisan-dev/n-chunkd/internal/remote"
	"github.com/nishisan-dev/n-chunkd/internal/remote/crud"
	"github.com/nishisan-dev/n-chunkd/internal/remote/s3"
)

// copyBlockSize é o tamanho de bloco das ações read e write.
const copyBlockSize = 256 * 1024

// run resolve o device configurado, monta o adapter e o engine e executa a
// ação pedida.
func run(ctx context.Context, cfg *config.DaemonConfig, deviceName, volume, action string, logger *slog.Logger) error {
	if deviceName == "" {
		return fmt.Errorf("flag -device is required")
	}
	devInfo, ok := cfg.Devices[deviceName]
	if !ok {
		return fmt.Errorf("device %q not found in config", deviceName)
	}

	opts, err := config.ParseDeviceOptions(devInfo.Options)
	if err != nil {
		return fmt.Errorf("device %q: %w", deviceName, err)
	}

	adapter, err := buildAdapter(ctx, cfg, devInfo.Backend, opts, logger)
	if err != nil {
		return fmt.Errorf("device %q: %w", deviceName, err)
	}

	inflight := chunked.NewInflightRegistry(cfg.WorkingDir)
	dev := chunked.NewDevice(adapter, chunked.Options{
		ChunkSize: opts.ChunkSize,
		IOThreads: opts.IOThreads,
		IOSlots:   opts.IOSlots,
		Retries:   opts.Retries,
	}, inflight, logger)
	defer dev.Shutdown(context.Background())

	if cfg.Monitor.Schedule != "" {
		sysmon := monitor.NewSystemMonitor(logger, cfg.WorkingDir, cfg.ScriptsDir)
		sysmon.Start()
		defer sysmon.Stop()

		reporter, err := monitor.NewStatsReporter(dev, sysmon, cfg.Monitor.Schedule, logger)
		if err != nil {
			return err
		}
		reporter.Start()
		defer reporter.Stop()
	}

	switch action {
	case "check":
		if err := dev.CheckConnection(ctx); err != nil {
			return err
		}
		fmt.Println("connection ok")
		return nil
	case "write":
		return runWrite(ctx, dev, volume)
	case "read":
		return runRead(ctx, dev, volume)
	case "size":
		return runSize(ctx, dev, volume)
	case "truncate":
		return runTruncate(ctx, dev, volume)
	case "status":
		return runStatus(dev)
	default:
		return fmt.Errorf("unknown action %q (want write|read|size|truncate|status|check)", action)
	}
}

// buildAdapter monta o remote.Adapter do backend configurado. As chaves
// extras da option string pertencem ao adapter: o s3 tem um conjunto
// enumerado próprio, o crud aceita apenas o que o helper declara em
// `options`; qualquer sobra é erro de configuração.
func buildAdapter(ctx context.Context, cfg *config.DaemonConfig, backend string, opts *config.DeviceOptions, logger *slog.Logger) (remote.Adapter, error) {
	switch backend {
	case "crud":
		storage := crud.NewStorage(logger)
		if opts.Program == "" {
			return nil, fmt.Errorf("option 'program' is required for the crud backend")
		}
		if err := storage.SetProgram(opts.Program, cfg.ScriptsDir); err != nil {
			return nil, err
		}
		storage.SetProgramTimeout(opts.ProgramTimeout)
		storage.SetLimits(opts.UploadLimit, opts.DownloadLimit)

		supported, err := storage.SupportedOptions(ctx)
		if err != nil {
			return nil, err
		}
		unknown := make(map[string]string, len(opts.Extra))
		for key, value := range opts.Extra {
			unknown[key] = value
		}
		for _, name := range supported {
			if value, ok := unknown[name]; ok {
				if err := storage.SetOption(name, value); err != nil {
					return nil, err
				}
				delete(unknown, name)
			}
		}
		if len(unknown) > 0 {
			names := make([]string, 0, len(unknown))
			for name := range unknown {
				names = append(names, name)
			}
			return nil, fmt.Errorf("unknown options encountered: %v", names)
		}
		return storage, nil

	case "s3":
		s3opts, err := s3.ParseOptions(opts.Extra)
		if err != nil {
			return nil, err
		}
		s3opts.UploadLimit = opts.UploadLimit
		s3opts.DownloadLimit = opts.DownloadLimit
		return s3.New(ctx, s3opts, logger)

	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}

// runWrite copia stdin para o volume e espera todos os chunks subirem.
func runWrite(ctx context.Context, dev *chunked.Device, volume string) error {
	if err := dev.Open(volume, chunked.ReadWrite); err != nil {
		return err
	}

	buf := make([]byte, copyBlockSize)
	var written int64
	for {
		n, rerr := os.Stdin.Read(buf)
		if n > 0 {
			if _, werr := dev.Write(ctx, buf[:n]); werr != nil {
				dev.Close(ctx)
				return werr
			}
			written += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			dev.Close(ctx)
			return rerr
		}
	}

	if err := dev.Close(ctx); err != nil {
		return err
	}
	if err := dev.Flush(ctx); err != nil {
		return err
	}
	fmt.Printf("%d bytes written to %s\n", written, volume)
	return nil
}

// runRead copia o volume para stdout até end-of-media.
func runRead(ctx context.Context, dev *chunked.Device, volume string) error {
	if err := dev.Open(volume, chunked.ReadOnly); err != nil {
		return err
	}
	defer dev.Close(ctx)

	buf := make([]byte, copyBlockSize)
	for {
		n, err := dev.Read(ctx, buf)
		if n > 0 {
			if _, werr := os.Stdout.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

func runSize(ctx context.Context, dev *chunked.Device, volume string) error {
	if err := dev.Open(volume, chunked.ReadOnly); err != nil {
		return err
	}
	defer dev.Close(ctx)

	size, err := dev.Size(ctx)
	if err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			fmt.Println("0")
			return nil
		}
		return err
	}
	fmt.Println(size)
	return nil
}

func runTruncate(ctx context.Context, dev *chunked.Device, volume string) error {
	if err := dev.Open(volume, chunked.ReadWrite); err != nil {
		return err
	}
	defer dev.Close(ctx)

	if err := dev.Truncate(ctx, volume); err != nil {
		return err
	}
	fmt.Printf("volume %s truncated\n", volume)
	return nil
}

func runStatus(dev *chunked.Device) error {
	pending := dev.Status()
	if len(pending) == 0 {
		fmt.Println("No Pending IO flush requests")
		return nil
	}
	fmt.Println("Pending IO flush requests:")
	for _, p := range pending {
		fmt.Printf("   /%s/%s - %d\n", p.Volume, chunked.ChunkName(p.Chunk), p.Length)
	}
	return nil
}
