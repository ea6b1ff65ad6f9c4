// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chunkd License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package s3 implementa o remote.Adapter nativo para object stores
// compatíveis com S3. Cada chunk vira um objeto sob
// <prefix>/<volume>/<chunk>. Opcionalmente os chunks são comprimidos em
// repouso (gzip ou zstd); o tamanho lógico fica nos metadados do objeto
// para que stat e list continuem enxergando bytes descomprimidos e a regra
// grow-only siga valendo.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/time/rate"

	"github.com/nishisan-dev/n-chunkd/internal/remote"
	"github.com/nishisan-dev/n-chunkd/internal/throttle"
)

// rawLengthKey é a chave de metadado que guarda o tamanho lógico
// (descomprimido) de um chunk comprimido em repouso.
const rawLengthKey = "raw-length"

// Modos de compressão em repouso.
const (
	CompressionNone = ""
	CompressionGzip = "gzip"
	CompressionZstd = "zst"
)

// Options contém a configuração do adapter, extraída das opções do device.
type Options struct {
	Bucket      string
	Prefix      string
	Region      string
	Endpoint    string
	AccessKey   string
	SecretKey   string
	Compression string // ""|gzip|zst

	UploadLimit   int64 // bytes/s, 0 desabilita
	DownloadLimit int64
}

// ParseOptions extrai a configuração do adapter das opções extras do
// device. Qualquer chave desconhecida é erro de configuração.
func ParseOptions(extra map[string]string) (Options, error) {
	var opts Options
	for key, value := range extra {
		switch key {
		case "bucket":
			opts.Bucket = value
		case "prefix":
			opts.Prefix = value
		case "region":
			opts.Region = value
		case "endpoint":
			opts.Endpoint = value
		case "access_key":
			opts.AccessKey = value
		case "secret_key":
			opts.SecretKey = value
		case "compression":
			switch value {
			case CompressionNone, CompressionGzip, CompressionZstd:
				opts.Compression = value
			default:
				return Options{}, fmt.Errorf("s3: invalid compression %q (want gzip or zst)", value)
			}
		default:
			return Options{}, fmt.Errorf("s3: unknown option %q", key)
		}
	}
	if opts.Bucket == "" {
		return Options{}, fmt.Errorf("s3: option 'bucket' is required")
	}
	return opts, nil
}

// uploadBurst limita o burst do rate limiter de upload (256KB), alinhado ao
// tamanho de bloco dos adapters.
const uploadBurst = 256 * 1024

// Storage é o adapter S3.
type Storage struct {
	client *awss3.Client
	opts   Options
	codec  *codec
	logger *slog.Logger

	// upLimiter marca o passo dos uploads quando upload_limit está
	// configurado. O corpo do PutObject precisa ser seekable (o SDK assina
	// o payload), então o pacing consome os tokens antes do envio em vez
	// de embrulhar o reader.
	upLimiter *rate.Limiter
}

// New monta o client S3 a partir das Options. Credenciais estáticas quando
// access_key/secret_key estão presentes, cadeia default caso contrário.
func New(ctx context.Context, opts Options, logger *slog.Logger) (*Storage, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3: loading AWS config: %w", err)
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	codec, err := newCodec(opts.Compression)
	if err != nil {
		return nil, err
	}

	s := &Storage{
		client: client,
		opts:   opts,
		codec:  codec,
		logger: logger.With("component", "s3_storage", "bucket", opts.Bucket),
	}
	if opts.UploadLimit > 0 {
		burst := int(opts.UploadLimit)
		if burst > uploadBurst {
			burst = uploadBurst
		}
		s.upLimiter = rate.NewLimiter(rate.Limit(opts.UploadLimit), burst)
	}
	return s, nil
}

// key monta a chave do objeto de um chunk.
func (s *Storage) key(volume, chunk string) string {
	if s.opts.Prefix == "" {
		return volume + "/" + chunk
	}
	return s.opts.Prefix + "/" + volume + "/" + chunk
}

// volumePrefix monta o prefixo de listagem de um volume.
func (s *Storage) volumePrefix(volume string) string {
	if s.opts.Prefix == "" {
		return volume + "/"
	}
	return s.opts.Prefix + "/" + volume + "/"
}

// CheckConnection implementa remote.Adapter via HeadBucket.
func (s *Storage) CheckConnection(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &awss3.HeadBucketInput{
		Bucket: aws.String(s.opts.Bucket),
	})
	if err != nil {
		return fmt.Errorf("s3: bucket %s unreachable: %w", s.opts.Bucket, err)
	}
	return nil
}

// StatChunk implementa remote.Adapter. Para chunks comprimidos o tamanho
// lógico vem do metadado raw-length.
func (s *Storage) StatChunk(ctx context.Context, volume, chunk string) (int64, error) {
	out, err := s.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(s.key(volume, chunk)),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, fmt.Errorf("s3: stat %s/%s: %w", volume, chunk, remote.ErrNotFound)
		}
		return 0, fmt.Errorf("s3: stat %s/%s: %w", volume, chunk, err)
	}
	return s.logicalSize(out.ContentLength, out.Metadata), nil
}

// ListChunks implementa remote.Adapter paginando sobre o prefixo do volume.
// Com compressão habilitada, o tamanho lógico exige um HeadObject por chunk
// listado (a listagem só devolve o tamanho em repouso).
func (s *Storage) ListChunks(ctx context.Context, volume string) (map[string]int64, error) {
	prefix := s.volumePrefix(volume)
	result := make(map[string]int64)

	paginator := awss3.NewListObjectsV2Paginator(s.client, &awss3.ListObjectsV2Input{
		Bucket: aws.String(s.opts.Bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3: list %s: %w", volume, err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			size := aws.ToInt64(obj.Size)
			if s.codec.enabled() && isChunkName(name) {
				logical, err := s.StatChunk(ctx, volume, name)
				if err != nil {
					return nil, err
				}
				size = logical
			}
			result[name] = size
		}
	}
	return result, nil
}

// PutChunk implementa remote.Adapter. O PutObject do S3 é atômico do ponto
// de vista de um leitor: ou a versão antiga ou a nova é visível.
func (s *Storage) PutChunk(ctx context.Context, volume, chunk string, data []byte) error {
	payload, err := s.codec.compress(data)
	if err != nil {
		return fmt.Errorf("s3: compressing %s/%s: %w", volume, chunk, err)
	}

	if s.upLimiter != nil {
		remaining := len(payload)
		for remaining > 0 {
			block := remaining
			if block > s.upLimiter.Burst() {
				block = s.upLimiter.Burst()
			}
			if err := s.upLimiter.WaitN(ctx, block); err != nil {
				return fmt.Errorf("s3: upload %s/%s: %w", volume, chunk, err)
			}
			remaining -= block
		}
	}

	input := &awss3.PutObjectInput{
		Bucket:        aws.String(s.opts.Bucket),
		Key:           aws.String(s.key(volume, chunk)),
		Body:          bytes.NewReader(payload),
		ContentLength: aws.Int64(int64(len(payload))),
	}
	if s.codec.enabled() {
		input.Metadata = map[string]string{
			rawLengthKey: strconv.Itoa(len(data)),
		}
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("s3: upload %s/%s: %w", volume, chunk, err)
	}
	s.logger.Debug("chunk uploaded", "volume", volume, "chunk", chunk,
		"bytes", len(data), "stored_bytes", len(payload))
	return nil
}

// GetChunk implementa remote.Adapter. Falha se o objeto tem mais bytes
// lógicos do que cabem em dst. Sem compressão, falha também se o corpo
// termina antes ou continua depois do ContentLength; com compressão, o
// conteúdo descomprimido só precisa caber em dst (o metadado raw-length não
// é conferido).
func (s *Storage) GetChunk(ctx context.Context, volume, chunk string, dst []byte) (int, error) {
	out, err := s.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(s.key(volume, chunk)),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, fmt.Errorf("s3: download %s/%s: %w", volume, chunk, remote.ErrNotFound)
		}
		return 0, fmt.Errorf("s3: download %s/%s: %w", volume, chunk, err)
	}
	defer out.Body.Close()

	body := throttle.NewThrottledReader(ctx, out.Body, s.opts.DownloadLimit)

	if !s.codec.enabled() {
		size := aws.ToInt64(out.ContentLength)
		if size > int64(len(dst)) {
			return 0, &remote.SizeMismatchError{
				Volume: volume, Chunk: chunk, Size: size, Limit: int64(len(dst)),
			}
		}
		n, err := io.ReadFull(body, dst[:size])
		if err != nil {
			return n, fmt.Errorf("s3: short download of %s/%s after %d of %d bytes: %w",
				volume, chunk, n, size, err)
		}
		var trailer [1]byte
		if t, _ := body.Read(trailer[:]); t != 0 {
			return n, &remote.ProtocolError{
				Op:     "download",
				Detail: fmt.Sprintf("additional data after declared size of %s/%s", volume, chunk),
			}
		}
		return n, nil
	}

	stored, err := io.ReadAll(body)
	if err != nil {
		return 0, fmt.Errorf("s3: download %s/%s: %w", volume, chunk, err)
	}
	n, err := s.codec.decompress(stored, dst)
	if err != nil {
		var mismatch *sizeOverflow
		if errors.As(err, &mismatch) {
			return 0, &remote.SizeMismatchError{
				Volume: volume, Chunk: chunk, Size: mismatch.size, Limit: int64(len(dst)),
			}
		}
		return 0, fmt.Errorf("s3: decompressing %s/%s: %w", volume, chunk, err)
	}
	return n, nil
}

// RemoveChunk implementa remote.Adapter. O DeleteObject do S3 já tolera
// chave inexistente.
func (s *Storage) RemoveChunk(ctx context.Context, volume, chunk string) error {
	_, err := s.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(s.key(volume, chunk)),
	})
	if err != nil {
		return fmt.Errorf("s3: remove %s/%s: %w", volume, chunk, err)
	}
	return nil
}

// logicalSize resolve o tamanho lógico de um objeto: o metadado raw-length
// quando presente (chunk comprimido), o ContentLength caso contrário.
func (s *Storage) logicalSize(contentLength *int64, metadata map[string]string) int64 {
	if raw, ok := metadata[rawLengthKey]; ok {
		if size, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return size
		}
	}
	return aws.ToInt64(contentLength)
}

// isNotFound reporta se o erro do SDK significa objeto inexistente.
func isNotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	return errors.As(err, &notFound) || errors.As(err, &noSuchKey)
}

// isChunkName espelha o filtro do engine: exatamente quatro dígitos.
func isChunkName(name string) bool {
	if len(name) != 4 {
		return false
	}
	for _, c := range name {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
