// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chunkd License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package chunked

import (
	"context"
	"errors"

	"github.com/nishisan-dev/n-chunkd/internal/remote"
)

// ioThread é o loop de um worker de upload. Retira flush requests da fila
// reservando o slot (para poder reenfileirar em falha sem risco de fila
// cheia), sobe o chunk e, esgotado o budget de retries, coloca o device em
// read-only. O worker sai quando a fila entra em flush.
func (dev *Device) ioThread(id int) {
	defer dev.wg.Done()

	logger := dev.logger.With("worker", id)
	requeued := false

	for {
		if dev.cb.IsFlushing() {
			logger.Debug("io worker stopping")
			return
		}

		req := dev.cb.Dequeue(true, requeued, dev.recheckInterval)
		if req == nil {
			logger.Debug("io worker stopping")
			return
		}
		requeued = false

		logger.Debug("flushing chunk",
			"volume", req.VolumeName, "chunk", req.Chunk, "bytes", req.Length)

		err := dev.flushRemoteChunk(context.Background(), req)
		if err == nil {
			dev.cb.Unreserve()
			continue
		}

		req.Tries++
		if dev.opts.Retries > 0 && req.Tries >= int(dev.opts.Retries) {
			// Budget esgotado: fence. Escritas subsequentes falham até um
			// reopen limpo em nível de processo.
			logger.Error("unable to flush chunk, fencing device read-only",
				"volume", req.VolumeName, "chunk", req.Chunk,
				"tries", req.Tries, "error", err)
			dev.readonly.Store(true)
			dev.cb.Unreserve()
			continue
		}

		// Reenfileira no slot reservado, sem sinalizar: acordar outro
		// worker agora só faria o mesmo upload falhar de novo. O próximo
		// dequeue deste worker espera o intervalo de recheck antes de
		// pegar o request de volta.
		logger.Warn("chunk flush failed, requeueing",
			"volume", req.VolumeName, "chunk", req.Chunk,
			"tries", req.Tries, "error", err)
		if dev.cb.Enqueue(req, true, true) == nil {
			return
		}
		requeued = true
	}
}

// flushRemoteChunk sobe um chunk para o backend. Chunks vazios são pulados.
// O par (volume, chunk) entra no inflight registry durante o upload; se já
// está presente, outro worker é dono do upload e este desiste em silêncio.
// Um chunk já existente no backend com mais bytes que o request é tratado
// como sucesso sem upload: chunks só crescem, reenviar um prefixo menor
// seria errado.
func (dev *Device) flushRemoteChunk(ctx context.Context, req *FlushRequest) error {
	if req.Length == 0 {
		dev.logger.Debug("not flushing empty chunk",
			"volume", req.VolumeName, "chunk", req.Chunk)
		return nil
	}

	name := ChunkName(req.Chunk)

	if !dev.inflight.Set(req.VolumeName, req.Chunk) {
		dev.logger.Debug("chunk already inflight, dropping request",
			"volume", req.VolumeName, "chunk", req.Chunk)
		return nil
	}
	defer dev.inflight.Clear(req.VolumeName, req.Chunk)

	size, err := dev.adapter.StatChunk(ctx, req.VolumeName, name)
	switch {
	case err == nil && size > int64(req.Length):
		dev.logger.Debug("remote chunk is larger, skipping upload",
			"volume", req.VolumeName, "chunk", req.Chunk,
			"remote_bytes", size, "bytes", req.Length)
		return nil
	case err != nil && !errors.Is(err, remote.ErrNotFound):
		// Stat falhou por outro motivo; o upload decide.
	}

	return dev.adapter.PutChunk(ctx, req.VolumeName, name, req.Buffer[:req.Length])
}
