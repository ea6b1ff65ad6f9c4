// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chunkd License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package monitor

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nishisan-dev/n-chunkd/internal/chunked"
)

// DeviceStatus é a visão que o reporter tem de um device do engine.
type DeviceStatus interface {
	Status() []chunked.PendingFlush
	InflightCount() int
	ReadOnly() bool
}

// pendingSnapshot captura uma entrada pendente para o log estruturado.
type pendingSnapshot struct {
	Entry string `json:"entry"`
	Bytes int    `json:"bytes"`
}

// StatsReporter emite métricas periódicas do device no log, na cadência de
// uma cron expression.
type StatsReporter struct {
	device    DeviceStatus
	sysmon    *SystemMonitor
	cron      *cron.Cron
	logger    *slog.Logger
	startTime time.Time
}

// NewStatsReporter cria um StatsReporter com a cron schedule configurada.
func NewStatsReporter(device DeviceStatus, sysmon *SystemMonitor, schedule string, logger *slog.Logger) (*StatsReporter, error) {
	sr := &StatsReporter{
		device:    device,
		sysmon:    sysmon,
		logger:    logger.With("component", "stats_reporter"),
		startTime: time.Now(),
	}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(
		slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))

	if _, err := c.AddFunc(schedule, sr.report); err != nil {
		return nil, fmt.Errorf("adding stats reporter cron job: %w", err)
	}

	sr.cron = c
	return sr, nil
}

// Start inicia o reporter.
func (sr *StatsReporter) Start() {
	sr.cron.Start()
	sr.logger.Info("stats reporter started")
}

// Stop para o reporter e aguarda um report em andamento.
func (sr *StatsReporter) Stop() {
	<-sr.cron.Stop().Done()
	sr.logger.Info("stats reporter stopped")
}

func (sr *StatsReporter) report() {
	pending := sr.device.Status()

	snapshots := make([]pendingSnapshot, 0, len(pending))
	for _, p := range pending {
		snapshots = append(snapshots, pendingSnapshot{
			Entry: fmt.Sprintf("/%s/%s - %d", p.Volume, chunked.ChunkName(p.Chunk), p.Length),
			Bytes: p.Length,
		})
	}

	attrs := []any{
		"uptime_s", time.Since(sr.startTime).Seconds(),
		"pending_flushes", len(pending),
		"inflight_chunks", sr.device.InflightCount(),
		"read_only", sr.device.ReadOnly(),
	}
	if len(snapshots) > 0 {
		attrs = append(attrs, "pending", snapshots)
	}
	if sr.sysmon != nil {
		stats := sr.sysmon.Stats()
		attrs = append(attrs,
			"cpu_percent", stats.CPUPercent,
			"memory_percent", stats.MemoryPercent,
			"load_avg", stats.LoadAverage,
		)
		for path, pct := range stats.DiskPercent {
			attrs = append(attrs, "disk_percent_"+path, pct)
		}
	}

	sr.logger.Info("device stats", attrs...)
}
