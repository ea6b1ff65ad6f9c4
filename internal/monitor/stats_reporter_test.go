// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chunkd License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package monitor

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/nishisan-dev/n-chunkd/internal/chunked"
)

type fakeDevice struct {
	pending  []chunked.PendingFlush
	inflight int
	readOnly bool
}

func (f *fakeDevice) Status() []chunked.PendingFlush { return f.pending }
func (f *fakeDevice) InflightCount() int             { return f.inflight }
func (f *fakeDevice) ReadOnly() bool                 { return f.readOnly }

// syncBuffer serializa escritas do handler de log.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStatsReporter_RejectsBadSchedule(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&syncBuffer{}, nil))
	if _, err := NewStatsReporter(&fakeDevice{}, nil, "not a cron expr", logger); err == nil {
		t.Fatal("expected error for an invalid cron expression")
	}
}

func TestStatsReporter_Report(t *testing.T) {
	out := &syncBuffer{}
	logger := slog.New(slog.NewJSONHandler(out, nil))

	dev := &fakeDevice{
		pending: []chunked.PendingFlush{
			{Volume: "vol-A", Chunk: 3, Length: 512},
		},
		inflight: 2,
		readOnly: true,
	}

	sr, err := NewStatsReporter(dev, nil, "* * * * *", logger)
	if err != nil {
		t.Fatalf("NewStatsReporter: %v", err)
	}

	// Invoca o report diretamente, sem esperar o cron disparar.
	sr.report()

	logged := out.String()
	for _, want := range []string{"device stats", "/vol-A/0003 - 512", "\"inflight_chunks\":2", "\"read_only\":true"} {
		if !strings.Contains(logged, want) {
			t.Errorf("expected log to contain %q, got %s", want, logged)
		}
	}
}
