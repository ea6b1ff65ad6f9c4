// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chunkd License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package s3

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

// codec aplica a compressão em repouso dos chunks. Com modo vazio todas as
// operações são passthrough.
type codec struct {
	mode string
	enc  *zstd.Encoder
	dec  *zstd.Decoder
}

// sizeOverflow sinaliza que o conteúdo descomprimido excede o destino.
type sizeOverflow struct {
	size int64
}

func (e *sizeOverflow) Error() string {
	return fmt.Sprintf("decompressed size %d exceeds destination", e.size)
}

func newCodec(mode string) (*codec, error) {
	c := &codec{mode: mode}
	switch mode {
	case CompressionNone, CompressionGzip:
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("s3: creating zstd encoder: %w", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("s3: creating zstd decoder: %w", err)
		}
		c.enc = enc
		c.dec = dec
	default:
		return nil, fmt.Errorf("s3: unknown compression mode %q", mode)
	}
	return c, nil
}

func (c *codec) enabled() bool {
	return c.mode != CompressionNone
}

// compress devolve o payload a armazenar. EncodeAll e o writer do pgzip são
// seguros para uso concorrente pelos io-workers (cada chamada usa estado
// próprio).
func (c *codec) compress(data []byte) ([]byte, error) {
	switch c.mode {
	case CompressionNone:
		return data, nil
	case CompressionZstd:
		return c.enc.EncodeAll(data, nil), nil
	case CompressionGzip:
		var buf bytes.Buffer
		w := pgzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("s3: unknown compression mode %q", c.mode)
}

// decompress expande stored em dst e retorna o número de bytes escritos.
// Conteúdo maior que dst é sizeOverflow, nunca truncado em silêncio.
func (c *codec) decompress(stored []byte, dst []byte) (int, error) {
	switch c.mode {
	case CompressionNone:
		if len(stored) > len(dst) {
			return 0, &sizeOverflow{size: int64(len(stored))}
		}
		return copy(dst, stored), nil
	case CompressionZstd:
		out, err := c.dec.DecodeAll(stored, nil)
		if err != nil {
			return 0, err
		}
		if len(out) > len(dst) {
			return 0, &sizeOverflow{size: int64(len(out))}
		}
		return copy(dst, out), nil
	case CompressionGzip:
		r, err := pgzip.NewReader(bytes.NewReader(stored))
		if err != nil {
			return 0, err
		}
		defer r.Close()
		n, err := io.ReadFull(r, dst)
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			// Conteúdo menor que dst: fim legítimo do stream.
			return n, nil
		}
		if err != nil {
			return n, err
		}
		// dst cheio: o stream precisa terminar aqui.
		var trailer [1]byte
		if t, _ := r.Read(trailer[:]); t != 0 {
			return n, &sizeOverflow{size: int64(n) + 1}
		}
		return n, nil
	}
	return 0, fmt.Errorf("s3: unknown compression mode %q", c.mode)
}
