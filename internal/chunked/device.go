// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chunkd License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package chunked implementa o volume engine: volumes lógicos de acesso
// randômico fatiados em chunks numerados de tamanho fixo, armazenados em um
// backend de blobs via remote.Adapter. O engine mantém um único chunk em
// memória por volume aberto (a janela), drena chunks sujos para o backend
// por um pool de io-workers e reconcilia o estado em memória, em voo e
// remoto nas consultas de tamanho.
package chunked

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/n-chunkd/internal/remote"
)

const (
	// DefaultChunkSize é o tamanho de chunk usado quando nenhum é
	// configurado. Também é o piso: a camada de configuração eleva
	// valores menores a ele.
	DefaultChunkSize = 10 * 1024 * 1024

	// MaxChunks limita o número de chunks por volume. Os nomes de chunk
	// usam quatro dígitos decimais (0000-9999); alterar isso exige mudar
	// o formato dos nomes.
	MaxChunks = 10000

	// defaultRecheckInterval é o intervalo com que os io-workers acordam
	// para reavaliar uploads requeuados quando a fila está parada.
	defaultRecheckInterval = 300 * time.Second

	// drainPollInterval é o intervalo de polling de Flush enquanto espera
	// a fila esvaziar e os uploads em voo terminarem.
	drainPollInterval = 10 * time.Second

	// inflightRetries e inflightRetryTime limitam a espera de um leitor
	// por um chunk em voo (120 × 5s = 10 minutos). Esgotado o budget, a
	// entrada do registry é considerada stale e é removida à força.
	inflightRetries   = 120
	inflightRetryTime = 5 * time.Second
)

// chunkNameRe reconhece nomes de blob que são chunks. Qualquer outro nome
// sob o namespace do volume é ignorado pelo engine e preservado pelo
// truncate.
var chunkNameRe = regexp.MustCompile(`^[0-9]{4}$`)

// ChunkName formata o índice de um chunk na forma textual usada nos nomes
// de blob e no protocolo do helper.
func ChunkName(chunk int) string {
	return fmt.Sprintf("%04d", chunk)
}

// IsChunkName reporta se name é o nome de um chunk.
func IsChunkName(name string) bool {
	return chunkNameRe.MatchString(name)
}

// OpenMode define o modo de abertura de um volume.
type OpenMode int

const (
	// ReadOnly abre o volume apenas para leitura.
	ReadOnly OpenMode = iota
	// ReadWrite abre o volume para leitura e escrita.
	ReadWrite
)

// Options contém os parâmetros do engine para um device.
type Options struct {
	// ChunkSize em bytes; 0 usa DefaultChunkSize.
	ChunkSize int64
	// IOThreads é o número de workers de upload; 0 faz flush síncrono no
	// caller.
	IOThreads uint8
	// IOSlots dimensiona a fila de flush (IOThreads × IOSlots); 0 usa 10.
	IOSlots uint8
	// Retries limita as tentativas de upload de um chunk antes do device
	// entrar em read-only; 0 = infinitas.
	Retries uint8
}

// chunkDescriptor é a janela de chunk: o único chunk em memória de um
// volume aberto.
type chunkDescriptor struct {
	chunkSize    int64
	buffer       []byte // região de exatamente chunkSize bytes
	buflen       int64  // bytes válidos no buffer
	startOffset  int64  // offset lógico do primeiro byte da janela
	endOffset    int64  // startOffset + chunkSize - 1
	needFlushing bool   // dados sujos aguardando flush
	chunkSetup   bool   // janela posicionada em um chunk definido
	writing      bool   // modo de abertura permite escrita
	opened       bool   // janela viva
}

// PendingFlush descreve uma entrada pendente na fila de flush, para status.
type PendingFlush struct {
	Volume string
	Chunk  int
	Length int
}

// Erros do engine.
var (
	// ErrNotOpen indica operação sobre um volume não aberto.
	ErrNotOpen = errors.New("chunked: volume not open")

	// ErrReadOnly indica que o device entrou em read-only após esgotar as
	// tentativas de upload de algum chunk. Estado pegajoso: só um reopen
	// limpo em nível de processo destrava.
	ErrReadOnly = errors.New("chunked: device fenced read-only after failed uploads")

	// ErrEndOfMedia indica uma escrita que ultrapassaria o tamanho máximo
	// do volume (MaxChunks × chunk size).
	ErrEndOfMedia = errors.New("chunked: end of media")
)

// Device é o volume engine para um device da storage. Mantém uma janela de
// chunk por volume aberto e um pool de io-workers com vida útil do device
// (não do volume). As operações do caller (Open/Read/Write/Seek/...) são
// serializadas pelo próprio caller; os workers sincronizam apenas pela fila
// e pelo inflight registry.
type Device struct {
	opts     Options
	adapter  remote.Adapter
	inflight *InflightRegistry
	logger   *slog.Logger

	cb               *OrderedCircBuf
	ioThreadsStarted bool
	startMu          sync.Mutex
	wg               sync.WaitGroup

	current    *chunkDescriptor
	volname    string
	offset     int64
	endOfMedia bool
	readonly   atomic.Bool

	// Ajustáveis em teste; inicializados com as constantes do pacote.
	recheckInterval  time.Duration
	drainInterval    time.Duration
	inflightRetryMax int
	inflightRetryDur time.Duration
}

// NewDevice cria um Device sobre o adapter. O inflight registry pode ser
// compartilhado entre devices do mesmo processo.
func NewDevice(adapter remote.Adapter, opts Options, inflight *InflightRegistry, logger *slog.Logger) *Device {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.IOSlots == 0 {
		opts.IOSlots = 10
	}
	if inflight == nil {
		inflight = NewInflightRegistry("")
	}
	return &Device{
		opts:             opts,
		adapter:          adapter,
		inflight:         inflight,
		logger:           logger.With("component", "chunked_device"),
		recheckInterval:  defaultRecheckInterval,
		drainInterval:    drainPollInterval,
		inflightRetryMax: inflightRetries,
		inflightRetryDur: inflightRetryTime,
	}
}

// CheckConnection verifica o backend. Chamada no máximo uma vez por setup.
func (dev *Device) CheckConnection(ctx context.Context) error {
	return dev.adapter.CheckConnection(ctx)
}

// Open prepara a janela para um volume. Não toca o backend: o primeiro
// read, write ou seek posiciona a janela. Falha com ErrReadOnly se o device
// está fenced e o modo pede escrita.
func (dev *Device) Open(volname string, mode OpenMode) error {
	if volname == "" {
		return fmt.Errorf("chunked: empty volume name")
	}
	if mode == ReadWrite && dev.readonly.Load() {
		return ErrReadOnly
	}

	if dev.current == nil {
		dev.current = &chunkDescriptor{
			chunkSize:   dev.opts.ChunkSize,
			startOffset: -1,
			endOffset:   -1,
		}
	}

	cur := dev.current
	if cur.opened {
		// Reopen: invalida a janela.
		cur.buflen = 0
		cur.startOffset = -1
		cur.endOffset = -1
	}

	cur.writing = mode == ReadWrite
	cur.opened = true
	cur.chunkSetup = false

	dev.offset = 0
	dev.endOfMedia = false
	dev.volname = volname

	dev.logger.Debug("volume opened", "volume", volname, "writing", cur.writing)
	return nil
}

// Read lê a partir do offset corrente, atravessando chunks conforme
// necessário. Um chunk ausente no backend marca end-of-media e Read retorna
// os bytes acumulados até ali; com zero bytes acumulados retorna io.EOF.
func (dev *Device) Read(ctx context.Context, p []byte) (int, error) {
	cur := dev.current
	if cur == nil || !cur.opened {
		return 0, ErrNotOpen
	}
	if dev.endOfMedia {
		return 0, io.EOF
	}

	// Leitura iniciando sem janela posicionada: começa no chunk 0 direto
	// do backend. Um seek teria carregado o chunk correto.
	if !cur.chunkSetup {
		cur.startOffset = 0
		cur.endOffset = cur.chunkSize - 1
		cur.buflen = 0
		if cur.buffer == nil {
			cur.buffer = make([]byte, cur.chunkSize)
		}
		if err := dev.readChunk(ctx); err != nil {
			cur.chunkSetup = true
			if errors.Is(err, remote.ErrNotFound) {
				dev.endOfMedia = true
				return 0, io.EOF
			}
			return 0, err
		}
		cur.chunkSetup = true
	}

	total := 0
	for total < len(p) {
		within := dev.offset - cur.startOffset
		if within < 0 {
			return total, fmt.Errorf("chunked: offset %d before current chunk window at %d",
				dev.offset, cur.startOffset)
		}

		if within < cur.buflen {
			n := copy(p[total:], cur.buffer[within:cur.buflen])
			dev.offset += int64(n)
			total += n
			continue
		}

		// Janela esgotada: avança para o próximo chunk.
		cur.startOffset += cur.chunkSize
		cur.endOffset = cur.startOffset + cur.chunkSize - 1
		cur.buflen = 0
		if err := dev.readChunk(ctx); err != nil {
			if errors.Is(err, remote.ErrNotFound) {
				dev.endOfMedia = true
				break
			}
			return total, err
		}
	}

	if total == 0 && dev.endOfMedia {
		return 0, io.EOF
	}
	return total, nil
}

// Write copia bytes para a janela a partir do offset corrente. Ao cruzar o
// fim da janela o chunk corrente é despachado para flush e a janela avança
// para o próximo chunk (com um buffer novo quando o antigo foi para a fila).
// Falha com ErrReadOnly em device fenced e com
// ErrEndOfMedia, sem modificar nenhum chunk, se a escrita ultrapassaria o
// tamanho máximo do volume.
func (dev *Device) Write(ctx context.Context, p []byte) (int, error) {
	if dev.readonly.Load() {
		return 0, ErrReadOnly
	}
	cur := dev.current
	if cur == nil || !cur.opened {
		return 0, ErrNotOpen
	}
	if dev.offset+int64(len(p)) > int64(MaxChunks)*cur.chunkSize {
		return 0, ErrEndOfMedia
	}

	// Escrita iniciando sem janela posicionada: volume vazio, chunk 0
	// fresco. Um seek teria carregado o chunk correto.
	if !cur.chunkSetup {
		cur.startOffset = 0
		cur.endOffset = cur.chunkSize - 1
		cur.buflen = 0
		cur.chunkSetup = true
		if cur.buffer == nil {
			cur.buffer = make([]byte, cur.chunkSize)
		}
	}

	total := 0
	for total < len(p) {
		within := dev.offset - cur.startOffset
		if within < 0 || within > cur.chunkSize {
			return total, fmt.Errorf("chunked: offset %d outside current chunk window at %d",
				dev.offset, cur.startOffset)
		}

		if within < cur.chunkSize {
			n := copy(cur.buffer[within:cur.chunkSize], p[total:])
			if within+int64(n) > cur.buflen {
				cur.buflen = within + int64(n)
			}
			cur.needFlushing = true
			dev.offset += int64(n)
			total += n
			if total == len(p) {
				break
			}
		}

		// Cruzou o fim da janela: despacha o chunk e avança.
		if err := dev.flushChunk(ctx, true, true); err != nil {
			return total, err
		}
	}

	return total, nil
}

// Seek ajusta o offset lógico. io.SeekEnd consulta o tamanho do volume
// (fila, inflight e backend) e falha se ele não puder ser determinado.
// Após o ajuste a janela é carregada para o chunk do novo offset.
func (dev *Device) Seek(ctx context.Context, offset int64, whence int) (int64, error) {
	cur := dev.current
	if cur == nil || !cur.opened {
		return 0, ErrNotOpen
	}

	switch whence {
	case io.SeekStart:
		dev.offset = offset
	case io.SeekCurrent:
		dev.offset += offset
	case io.SeekEnd:
		size, err := dev.Size(ctx)
		if err != nil {
			return 0, fmt.Errorf("chunked: determining volume size: %w", err)
		}
		dev.offset = size + offset
	default:
		return 0, fmt.Errorf("chunked: invalid whence %d", whence)
	}

	if err := dev.loadChunk(ctx); err != nil {
		return 0, err
	}
	return dev.offset, nil
}

// Truncate remove todos os chunks do volume no backend e reinicializa a
// janela como um chunk 0 fresco. Apenas blobs com nome de chunk são
// removidos; qualquer outro blob sob o namespace é preservado. O nome do
// volume é relido do caller, que pode tê-lo relabelado entre o open e o
// truncate.
func (dev *Device) Truncate(ctx context.Context, volname string) error {
	cur := dev.current
	if cur == nil || !cur.opened {
		return ErrNotOpen
	}
	if volname == "" {
		volname = dev.volname
	}

	chunks, err := dev.adapter.ListChunks(ctx, volname)
	if err != nil {
		return fmt.Errorf("chunked: listing chunks of %s: %w", volname, err)
	}
	for name := range chunks {
		if !IsChunkName(name) {
			continue
		}
		if err := dev.adapter.RemoveChunk(ctx, volname, name); err != nil &&
			!errors.Is(err, remote.ErrNotFound) {
			return fmt.Errorf("chunked: removing chunk %s/%s: %w", volname, name, err)
		}
	}

	// Reinicializa a janela como chunk 0 vazio.
	cur.startOffset = 0
	cur.endOffset = cur.chunkSize - 1
	cur.buflen = 0
	cur.chunkSetup = true
	cur.needFlushing = false
	if cur.buffer == nil {
		cur.buffer = make([]byte, cur.chunkSize)
	}

	dev.volname = volname
	return nil
}

// Size determina o tamanho lógico do volume reconciliando as três fontes:
// a fila de flush tem o estado mais recente ainda não subido; o inflight
// registry pode segurar um chunk prestes a reaparecer de um dos dois lados;
// só com ambos vazios a listagem do backend é uma visão completa.
func (dev *Device) Size(ctx context.Context) (int64, error) {
	cur := dev.current
	if cur == nil {
		return 0, ErrNotOpen
	}

	// Dados sujos ainda na janela não estão na fila nem no backend; o fim
	// deles é um candidato a fim do volume (um seek-to-end logo após um
	// write precisa enxergar a escrita).
	windowEnd := int64(-1)
	if cur.opened && cur.chunkSetup && cur.needFlushing {
		windowEnd = cur.startOffset + cur.buflen
	}

	if dev.opts.IOThreads > 0 && dev.cb != nil {
		for {
			if !dev.cb.Empty() {
				if req, ok := dev.cb.PeekLast(dev.volname); ok {
					size := int64(req.Chunk)*cur.chunkSize + int64(req.Length)
					if windowEnd > size {
						size = windowEnd
					}
					return size, nil
				}
			}

			if dev.inflight.CountFor(dev.volname) > 0 {
				retries := dev.inflightRetryMax
				for dev.inflight.CountFor(dev.volname) > 0 && retries > 0 {
					select {
					case <-ctx.Done():
						return 0, ctx.Err()
					case <-time.After(dev.inflightRetryDur):
					}
					retries--
				}
				if retries == 0 {
					// Entradas stale: remove à força e segue para o
					// backend.
					dev.logger.Warn("clearing stale inflight entries",
						"volume", dev.volname)
					dev.inflight.ClearVolume(dev.volname)
					break
				}
				// O chunk subiu ou voltou para a fila; tenta de novo.
				continue
			}
			break
		}
	}

	size, err := dev.remoteVolumeSize(ctx)
	if err != nil {
		if windowEnd >= 0 && errors.Is(err, remote.ErrNotFound) {
			// Volume novo: só a janela tem dados.
			return windowEnd, nil
		}
		return 0, err
	}
	if windowEnd > size {
		size = windowEnd
	}
	return size, nil
}

// remoteVolumeSize soma os tamanhos dos chunks listados no backend.
func (dev *Device) remoteVolumeSize(ctx context.Context) (int64, error) {
	chunks, err := dev.adapter.ListChunks(ctx, dev.volname)
	if err != nil {
		return 0, err
	}

	var total int64
	found := false
	for name, size := range chunks {
		if IsChunkName(name) {
			total += size
			found = true
		}
	}
	if !found {
		return 0, fmt.Errorf("chunked: volume %s has no chunks: %w",
			dev.volname, remote.ErrNotFound)
	}
	return total, nil
}

// Flush espera todos os flush requests pendentes deste device serem
// processados: a fila vazia e nenhum upload do volume em voo.
func (dev *Device) Flush(ctx context.Context) error {
	if dev.opts.IOThreads == 0 || dev.cb == nil {
		return nil
	}

	for {
		if dev.cb.Empty() && dev.inflight.CountFor(dev.volname) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(dev.drainInterval):
		}
	}
}

// Close despacha um flush terminal se a janela está suja, transferindo a
// posse do buffer para a fila, e invalida a janela. Os io-workers não são
// parados: a vida deles é a do device, não a do volume.
func (dev *Device) Close(ctx context.Context) error {
	cur := dev.current
	if cur == nil || !cur.opened {
		return ErrNotOpen
	}

	var err error
	if cur.needFlushing {
		err = dev.flushChunk(ctx, true, false)
	}

	cur.writing = false
	cur.opened = false
	cur.chunkSetup = false
	cur.buflen = 0
	cur.startOffset = -1
	cur.endOffset = -1

	return err
}

// Status retorna as entradas pendentes da fila de flush, na ordem da fila.
func (dev *Device) Status() []PendingFlush {
	if dev.cb == nil {
		return nil
	}
	var pending []PendingFlush
	dev.cb.PeekList(func(volume string, chunk, length int) {
		pending = append(pending, PendingFlush{Volume: volume, Chunk: chunk, Length: length})
	})
	return pending
}

// InflightCount retorna o número de uploads em voo do processo.
func (dev *Device) InflightCount() int {
	return dev.inflight.Count()
}

// ReadOnly reporta se o device está fenced em read-only.
func (dev *Device) ReadOnly() bool {
	return dev.readonly.Load()
}

// Shutdown encerra os io-workers: sinaliza o flush da fila, espera os
// workers saírem e descarta requests remanescentes. Idempotente.
func (dev *Device) Shutdown(ctx context.Context) error {
	dev.startMu.Lock()
	started := dev.ioThreadsStarted
	dev.ioThreadsStarted = false
	dev.startMu.Unlock()

	if !started || dev.cb == nil {
		return nil
	}

	dev.cb.Flush()

	done := make(chan struct{})
	go func() {
		dev.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		req := dev.cb.Drain()
		if req == nil {
			break
		}
		dev.logger.Warn("discarding unflushed chunk on shutdown",
			"volume", req.VolumeName, "chunk", req.Chunk, "bytes", req.Length)
	}
	return nil
}

// flushChunk despacha o chunk corrente: para a fila quando há io-workers,
// ou direto para o backend (uma tentativa) no modo síncrono. release
// transfere a posse do buffer; moveNext avança a janela para o próximo
// chunk. Com io-workers a janela recebe um buffer novo (o antigo foi para a
// fila); no modo síncrono o upload já terminou e o mesmo buffer é reusado.
func (dev *Device) flushChunk(ctx context.Context, release, moveNext bool) error {
	cur := dev.current
	req := &FlushRequest{
		VolumeName: dev.volname,
		Chunk:      int(cur.startOffset / cur.chunkSize),
		Buffer:     cur.buffer,
		Length:     int(cur.buflen),
		Release:    release,
	}

	var err error
	if dev.opts.IOThreads > 0 {
		err = dev.enqueueChunk(req)
	} else {
		err = dev.flushRemoteChunk(ctx, req)
	}

	cur.needFlushing = false

	if moveNext {
		if dev.opts.IOThreads > 0 {
			// O buffer foi para a fila; a janela precisa de um novo.
			cur.buffer = make([]byte, cur.chunkSize)
		}
		cur.startOffset += cur.chunkSize
		cur.endOffset = cur.startOffset + cur.chunkSize - 1
		cur.buflen = 0
	} else if release && dev.opts.IOThreads > 0 {
		cur.buffer = nil
	}

	return err
}

// enqueueChunk entrega um flush request à fila, iniciando os io-workers na
// primeira vez. A fila pode fundir o request com uma entrada existente para
// o mesmo (volume, chunk).
func (dev *Device) enqueueChunk(req *FlushRequest) error {
	dev.startMu.Lock()
	if !dev.ioThreadsStarted {
		dev.startIOThreads()
	}
	dev.startMu.Unlock()

	enqueued := dev.cb.Enqueue(req, false, false)
	if enqueued == nil {
		return fmt.Errorf("chunked: flush queue is shutting down")
	}
	if enqueued != req {
		dev.logger.Debug("flush request merged with pending entry",
			"volume", req.VolumeName, "chunk", req.Chunk, "bytes", enqueued.Length)
	}
	return nil
}

// startIOThreads cria a fila e os workers. Chamada com startMu.
func (dev *Device) startIOThreads() {
	if dev.cb == nil {
		dev.cb = NewOrderedCircBuf(int(dev.opts.IOThreads) * int(dev.opts.IOSlots))
	}
	for i := 0; i < int(dev.opts.IOThreads); i++ {
		dev.wg.Add(1)
		go dev.ioThread(i)
	}
	dev.ioThreadsStarted = true
	dev.logger.Debug("io workers started", "workers", dev.opts.IOThreads,
		"slots", int(dev.opts.IOThreads)*int(dev.opts.IOSlots))
}

// loadChunk garante que a janela contém o chunk do offset corrente. Se o
// chunk alvo ainda está na fila de flush, os dados são clonados de lá (o
// backend ainda não tem a versão mais recente); se está em voo, espera com
// budget limitado; só então lê do backend. Um chunk inexistente com a
// janela em modo de escrita é declarado fresco.
func (dev *Device) loadChunk(ctx context.Context) error {
	cur := dev.current
	start := (dev.offset / cur.chunkSize) * cur.chunkSize

	if start != cur.startOffset {
		// Dados sujos na janela precisam ir para a fila antes de
		// reposicionar, senão se perdem.
		if cur.needFlushing {
			if err := dev.flushChunk(ctx, true, false); err != nil {
				return err
			}
		}
		cur.buflen = 0
		cur.startOffset = start
		cur.endOffset = start + cur.chunkSize - 1
		chunk := int(start / cur.chunkSize)

		if cur.buffer == nil {
			cur.buffer = make([]byte, cur.chunkSize)
		}

		cloned := false
		if dev.opts.IOThreads > 0 && dev.cb != nil {
			for {
				if !dev.cb.Empty() {
					if n, ok := dev.cb.PeekClone(dev.volname, chunk, cur.buffer); ok {
						cur.buflen = int64(n)
						cloned = true
						break
					}
				}

				if dev.inflight.IsInflight(dev.volname, chunk) {
					retries := dev.inflightRetryMax
					for dev.inflight.IsInflight(dev.volname, chunk) && retries > 0 {
						select {
						case <-ctx.Done():
							return ctx.Err()
						case <-time.After(dev.inflightRetryDur):
						}
						retries--
					}
					if retries == 0 {
						// Entrada stale no registry.
						dev.logger.Warn("clearing stale inflight entry",
							"volume", dev.volname, "chunk", chunk)
						dev.inflight.Clear(dev.volname, chunk)
						break
					}
					// Subiu ou voltou para a fila; tenta o clone de novo.
					continue
				}
				break
			}
		}

		if !cloned {
			if err := dev.readChunk(ctx); err != nil {
				if errors.Is(err, remote.ErrNotFound) {
					// Chunk fresco ao escrever além do fim do volume;
					// ao ler, a janela vazia vira end-of-media no Read.
					if cur.writing {
						cur.endOffset = start + cur.chunkSize - 1
					}
				} else {
					return err
				}
			}
		}
	} else if cur.buffer == nil {
		cur.buffer = make([]byte, cur.chunkSize)
	}

	cur.chunkSetup = true
	return nil
}

// readChunk lê o chunk da janela corrente do backend para o buffer.
func (dev *Device) readChunk(ctx context.Context) error {
	cur := dev.current
	chunk := int(cur.startOffset / cur.chunkSize)
	name := ChunkName(chunk)

	size, err := dev.adapter.StatChunk(ctx, dev.volname, name)
	if err != nil {
		cur.buflen = 0
		return err
	}
	if size > cur.chunkSize {
		return &remote.SizeMismatchError{
			Volume: dev.volname, Chunk: name, Size: size, Limit: cur.chunkSize,
		}
	}

	n, err := dev.adapter.GetChunk(ctx, dev.volname, name, cur.buffer[:size])
	if err != nil {
		cur.buflen = 0
		return err
	}

	cur.buflen = int64(n)
	cur.endOffset = cur.startOffset + cur.chunkSize - 1
	return nil
}
