// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chunkd License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package chunked

import (
	"bytes"
	"testing"
	"time"
)

func newTestRequest(volume string, chunk int, data []byte) *FlushRequest {
	return &FlushRequest{
		VolumeName: volume,
		Chunk:      chunk,
		Buffer:     data,
		Length:     len(data),
		Release:    true,
	}
}

func TestOrderedCircBuf_EnqueueDequeue(t *testing.T) {
	cb := NewOrderedCircBuf(4)

	req := newTestRequest("vol-A", 0, []byte("data"))
	if got := cb.Enqueue(req, false, false); got != req {
		t.Fatalf("expected enqueue to return the same request")
	}
	if cb.Empty() {
		t.Fatal("queue should not be empty after enqueue")
	}

	got := cb.Dequeue(false, false, time.Second)
	if got != req {
		t.Fatalf("expected the enqueued request back, got %+v", got)
	}
	if !cb.Empty() {
		t.Fatal("queue should be empty after dequeue")
	}
}

func TestOrderedCircBuf_PreservesInsertionOrder(t *testing.T) {
	cb := NewOrderedCircBuf(8)

	reqs := []*FlushRequest{
		newTestRequest("vol-B", 3, []byte("b3")),
		newTestRequest("vol-A", 1, []byte("a1")),
		newTestRequest("vol-A", 0, []byte("a0")),
	}
	for _, req := range reqs {
		cb.Enqueue(req, false, false)
	}

	for i, want := range reqs {
		got := cb.Dequeue(false, false, time.Second)
		if got != want {
			t.Fatalf("dequeue %d: expected %s/%d, got %s/%d",
				i, want.VolumeName, want.Chunk, got.VolumeName, got.Chunk)
		}
	}
}

func TestOrderedCircBuf_DedupMergesLargerSameBuffer(t *testing.T) {
	cb := NewOrderedCircBuf(4)

	buf := make([]byte, 16)
	buf[0] = 'x'
	first := &FlushRequest{VolumeName: "vol-A", Chunk: 0, Buffer: buf, Length: 1}
	cb.Enqueue(first, false, false)

	// Mesma chave, mesmo buffer, mais bytes válidos: funde na entrada
	// existente e a posse fica com a fila.
	buf[1] = 'y'
	second := &FlushRequest{VolumeName: "vol-A", Chunk: 0, Buffer: buf, Length: 2, Release: true}
	got := cb.Enqueue(second, false, false)

	if got != first {
		t.Fatal("expected merge to return the pre-existing entry")
	}
	if first.Length != 2 {
		t.Fatalf("expected merged length 2, got %d", first.Length)
	}
	if !first.Release {
		t.Fatal("expected existing entry to adopt the newcomer's release flag")
	}
	if second.Release {
		t.Fatal("expected newcomer's release flag to be cleared")
	}

	// Só uma entrada na fila.
	count := 0
	cb.PeekList(func(string, int, int) { count++ })
	if count != 1 {
		t.Fatalf("expected exactly one entry for the chunk, got %d", count)
	}
}

func TestOrderedCircBuf_DedupIgnoresSmallerOrForeignBuffer(t *testing.T) {
	cb := NewOrderedCircBuf(4)

	buf := make([]byte, 16)
	first := &FlushRequest{VolumeName: "vol-A", Chunk: 0, Buffer: buf, Length: 4}
	cb.Enqueue(first, false, false)

	// Menos bytes válidos: a entrada existente não regride.
	smaller := &FlushRequest{VolumeName: "vol-A", Chunk: 0, Buffer: buf, Length: 2}
	if got := cb.Enqueue(smaller, false, false); got != first {
		t.Fatal("expected the pre-existing entry back")
	}
	if first.Length != 4 {
		t.Fatalf("expected length to stay 4, got %d", first.Length)
	}

	// Buffer diferente: sem update-in-place.
	other := &FlushRequest{VolumeName: "vol-A", Chunk: 0, Buffer: make([]byte, 16), Length: 8}
	if got := cb.Enqueue(other, false, false); got != first {
		t.Fatal("expected the pre-existing entry back")
	}
	if first.Length != 4 {
		t.Fatalf("expected length to stay 4, got %d", first.Length)
	}
}

func TestOrderedCircBuf_BlocksWhenFull(t *testing.T) {
	cb := NewOrderedCircBuf(1)
	cb.Enqueue(newTestRequest("vol-A", 0, []byte("a")), false, false)

	done := make(chan struct{})
	go func() {
		cb.Enqueue(newTestRequest("vol-A", 1, []byte("b")), false, false)
		close(done)
	}()

	// Verifica que ainda está bloqueado após 100ms
	select {
	case <-done:
		t.Fatal("Enqueue should have blocked on a full queue")
	case <-time.After(100 * time.Millisecond):
		// OK, está bloqueado
	}

	// Dequeue libera espaço
	cb.Dequeue(false, false, time.Second)

	select {
	case <-done:
		// OK
	case <-time.After(time.Second):
		t.Fatal("Enqueue should have unblocked after dequeue")
	}
}

func TestOrderedCircBuf_ReservedSlotRequeue(t *testing.T) {
	cb := NewOrderedCircBuf(1)
	req := newTestRequest("vol-A", 0, []byte("a"))
	cb.Enqueue(req, false, false)

	// Dequeue com reserva: a fila continua logicamente cheia.
	got := cb.Dequeue(true, false, time.Second)
	if got != req {
		t.Fatal("expected the enqueued request back")
	}

	blocked := make(chan struct{})
	go func() {
		cb.Enqueue(newTestRequest("vol-B", 0, []byte("b")), false, false)
		close(blocked)
	}()
	select {
	case <-blocked:
		t.Fatal("slot is reserved, enqueue without it should block")
	case <-time.After(100 * time.Millisecond):
	}

	// O requeue do worker usa o slot reservado sem bloquear.
	done := make(chan struct{})
	go func() {
		cb.Enqueue(got, true, true)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue with reserved slot should not block")
	}
}

func TestOrderedCircBuf_Unreserve(t *testing.T) {
	cb := NewOrderedCircBuf(1)
	cb.Enqueue(newTestRequest("vol-A", 0, []byte("a")), false, false)

	cb.Dequeue(true, false, time.Second)
	cb.Unreserve()

	done := make(chan struct{})
	go func() {
		cb.Enqueue(newTestRequest("vol-B", 0, []byte("b")), false, false)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue should not block after Unreserve")
	}
}

func TestOrderedCircBuf_FlushWakesDequeuers(t *testing.T) {
	cb := NewOrderedCircBuf(4)

	done := make(chan *FlushRequest, 1)
	go func() {
		done <- cb.Dequeue(false, false, time.Minute)
	}()

	time.Sleep(50 * time.Millisecond)
	cb.Flush()

	select {
	case got := <-done:
		if got != nil {
			t.Fatalf("expected nil from dequeue after flush, got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("Dequeue should have returned after Flush")
	}

	if !cb.IsFlushing() {
		t.Fatal("queue should report flushing")
	}
	if cb.Enqueue(newTestRequest("vol-A", 0, []byte("a")), false, false) != nil {
		t.Fatal("Enqueue after Flush should return nil")
	}
}

func TestOrderedCircBuf_RequeuedDequeueWaits(t *testing.T) {
	cb := NewOrderedCircBuf(4)
	cb.Enqueue(newTestRequest("vol-A", 0, []byte("a")), false, false)

	// Com requeued=true o dequeue espera o recheck antes de pegar trabalho.
	start := time.Now()
	got := cb.Dequeue(false, true, 200*time.Millisecond)
	elapsed := time.Since(start)

	if got == nil {
		t.Fatal("expected a request after the recheck interval")
	}
	if elapsed < 150*time.Millisecond {
		t.Fatalf("requeued dequeue returned too early: %v", elapsed)
	}
}

func TestOrderedCircBuf_PeekLast(t *testing.T) {
	cb := NewOrderedCircBuf(8)
	cb.Enqueue(newTestRequest("vol-A", 0, []byte("a0")), false, false)
	cb.Enqueue(newTestRequest("vol-B", 7, []byte("b7")), false, false)
	cb.Enqueue(newTestRequest("vol-A", 1, []byte("a1x")), false, false)

	req, ok := cb.PeekLast("vol-A")
	if !ok {
		t.Fatal("expected a pending entry for vol-A")
	}
	if req.Chunk != 1 || req.Length != 3 {
		t.Fatalf("expected chunk 1 with 3 bytes, got chunk %d with %d", req.Chunk, req.Length)
	}

	if _, ok := cb.PeekLast("vol-C"); ok {
		t.Fatal("expected no entry for vol-C")
	}
}

func TestOrderedCircBuf_PeekClone(t *testing.T) {
	cb := NewOrderedCircBuf(4)
	cb.Enqueue(newTestRequest("vol-A", 2, []byte("hello")), false, false)

	dst := make([]byte, 16)
	n, ok := cb.PeekClone("vol-A", 2, dst)
	if !ok {
		t.Fatal("expected clone to succeed")
	}
	if !bytes.Equal(dst[:n], []byte("hello")) {
		t.Fatalf("expected %q, got %q", "hello", dst[:n])
	}

	if _, ok := cb.PeekClone("vol-A", 3, dst); ok {
		t.Fatal("expected no clone for a chunk not on the queue")
	}
}

func TestOrderedCircBuf_Drain(t *testing.T) {
	cb := NewOrderedCircBuf(4)
	cb.Enqueue(newTestRequest("vol-A", 0, []byte("a")), false, false)
	cb.Flush()

	if req := cb.Drain(); req == nil {
		t.Fatal("expected to drain the remaining request")
	}
	if req := cb.Drain(); req != nil {
		t.Fatal("expected nil after the queue is drained")
	}
}
