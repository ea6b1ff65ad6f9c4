// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chunkd License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MinChunkSize é o piso do tamanho de chunk. Valores configurados abaixo
// disso são elevados ao piso.
const MinChunkSize = 10 * 1024 * 1024

// DeviceOptions contém as opções de um device reconhecidas pelo engine.
// Chaves que o engine não reconhece ficam em Extra e são repassadas ao
// adapter: o helper crud as aceita apenas se declaradas em `options`, o
// adapter s3 tem seu próprio conjunto enumerado.
type DeviceOptions struct {
	ChunkSize int64
	IOThreads uint8
	IOSlots   uint8
	Retries   uint8

	Program        string
	ProgramTimeout time.Duration

	UploadLimit   int64 // bytes/s, 0 desabilita
	DownloadLimit int64

	Extra map[string]string
}

// ParseDeviceOptions interpreta a option string de um device: pares
// key=value separados por vírgula (ou flags sem valor).
//
//	chunksize=10mb,iothreads=4,ioslots=10,retries=3,program=s3.sh
func ParseDeviceOptions(s string) (*DeviceOptions, error) {
	opts := &DeviceOptions{
		ChunkSize: MinChunkSize,
		IOSlots:   10,
		Extra:     make(map[string]string),
	}

	if strings.TrimSpace(s) == "" {
		return opts, nil
	}

	seen := make(map[string]bool)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		key, value, _ := strings.Cut(pair, "=")
		key = strings.TrimSpace(strings.ToLower(key))
		value = strings.TrimSpace(value)
		if key == "" {
			return nil, fmt.Errorf("device option %q has empty key", pair)
		}
		if seen[key] {
			return nil, fmt.Errorf("duplicate device option %q", key)
		}
		seen[key] = true

		var err error
		switch key {
		case "chunksize":
			opts.ChunkSize, err = ParseByteSize(value)
			if err == nil && opts.ChunkSize < MinChunkSize {
				opts.ChunkSize = MinChunkSize
			}
		case "iothreads":
			opts.IOThreads, err = parseUint8(value)
		case "ioslots":
			opts.IOSlots, err = parseUint8(value)
			if err == nil && opts.IOSlots == 0 {
				opts.IOSlots = 10
			}
		case "retries":
			opts.Retries, err = parseUint8(value)
		case "program":
			opts.Program = value
		case "program_timeout":
			var secs uint64
			secs, err = strconv.ParseUint(value, 10, 32)
			opts.ProgramTimeout = time.Duration(secs) * time.Second
		case "upload_limit":
			opts.UploadLimit, err = ParseByteSize(value)
		case "download_limit":
			opts.DownloadLimit, err = ParseByteSize(value)
		default:
			opts.Extra[key] = value
		}
		if err != nil {
			return nil, fmt.Errorf("device option %q: %w", key, err)
		}
	}

	return opts, nil
}

func parseUint8(value string) (uint8, error) {
	n, err := strconv.ParseUint(value, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("must be an integer between 0 and 255: %w", err)
	}
	return uint8(n), nil
}

// ParseByteSize converte strings human-readable como "256mb", "10 MB",
// "1gb" para bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.ReplaceAll(strings.TrimSpace(strings.ToLower(s)), " ", "")
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Ordenado do sufixo mais longo para o mais curto
	// para evitar que "mb" matche como "b"
	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"g", 1024 * 1024 * 1024},
		{"m", 1024 * 1024},
		{"k", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	// Tenta interpretar como número puro (bytes)
	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
