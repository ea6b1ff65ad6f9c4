// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chunkd License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package crud implementa o remote.Adapter que delega o armazenamento de
// chunks a um programa helper externo, um sub-comando por invocação, com
// dados crus via stdin/stdout:
//
//	<prog> options                      # opções suportadas, uma por linha
//	<prog> testconnection               # exit 0 = alcançável
//	<prog> stat <volume> <chunk>        # imprime "<size>\n"
//	<prog> list <volume>                # imprime linhas "<name> <size>\n"
//	<prog> upload <volume> <chunk>      # lê os bytes de stdin
//	<prog> download <volume> <chunk>    # escreve os bytes em stdout
//	<prog> remove <volume> <chunk>      # exit 0
//
// Opções configuradas cujo nome o helper declara em `options` viram
// variáveis de ambiente em toda invocação. Cada chamada tem um watchdog
// próprio: sem progresso de I/O dentro do timeout o helper é morto e a
// falha é tratada como transitória.
package crud

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nishisan-dev/n-chunkd/internal/remote"
	"github.com/nishisan-dev/n-chunkd/internal/throttle"
)

// defaultProgramTimeout é o watchdog por invocação quando program_timeout
// não é configurado.
const defaultProgramTimeout = 30 * time.Second

// pipeBlockSize é o tamanho de bloco usado para alimentar e drenar o pipe
// do helper. Cada bloco transferido com sucesso rearma o watchdog.
const pipeBlockSize = 256 * 1024

// envNameRe valida nomes de variável de ambiente: letras, dígitos e
// underscore, sem dígito inicial (POSIX.1-2024).
var envNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Storage fala o protocolo do helper sobre um pipe bidirecional.
type Storage struct {
	program       string
	timeout       time.Duration
	env           map[string]string
	uploadLimit   int64
	downloadLimit int64
	logger        *slog.Logger
}

// NewStorage cria um Storage sem programa configurado. SetProgram é
// obrigatório antes de qualquer operação.
func NewStorage(logger *slog.Logger) *Storage {
	return &Storage{
		program: "/bin/false",
		timeout: defaultProgramTimeout,
		env:     make(map[string]string),
		logger:  logger.With("component", "crud_storage"),
	}
}

// SetProgram configura o caminho do helper. Caminhos relativos são
// resolvidos contra scriptsDir. A existência do programa é verificada aqui:
// erro de configuração, não de runtime.
func (s *Storage) SetProgram(program, scriptsDir string) error {
	if program == "" {
		return fmt.Errorf("crud: empty program path")
	}
	if !filepath.IsAbs(program) {
		program = filepath.Join(scriptsDir, program)
	}
	if _, err := os.Stat(program); err != nil {
		return fmt.Errorf("crud: program path %s does not exist: %w", program, err)
	}
	s.program = program
	s.logger.Debug("using helper program", "program", program)
	return nil
}

// SetProgramTimeout configura o watchdog por invocação. Zero mantém o
// default do adapter.
func (s *Storage) SetProgramTimeout(timeout time.Duration) {
	if timeout > 0 {
		s.timeout = timeout
	}
}

// SetLimits configura rate limiting de upload e download em bytes/segundo.
// Zero desabilita.
func (s *Storage) SetLimits(uploadBps, downloadBps int64) {
	s.uploadLimit = uploadBps
	s.downloadLimit = downloadBps
}

// SupportedOptions pergunta ao helper quais opções ele aceita, uma por
// linha na saída do sub-comando options. A descoberta acontece antes de
// qualquer opção ser confiada: esta invocação roda sem as env vars
// registradas, independente da ordem em que o caller chamou SetOption.
func (s *Storage) SupportedOptions(ctx context.Context) ([]string, error) {
	out, err := s.capture(s.commandEnv(ctx, false, "options"), "options")
	if err != nil {
		return nil, fmt.Errorf("crud: querying supported options: %w", err)
	}

	var options []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			options = append(options, line)
		}
	}
	return options, nil
}

// SetOption registra uma opção que será passada ao helper como variável de
// ambiente em toda invocação. O nome precisa ser um nome de variável de
// ambiente válido.
func (s *Storage) SetOption(name, value string) error {
	if !envNameRe.MatchString(name) {
		return fmt.Errorf("crud: option name %q is not usable as environment variable", name)
	}
	s.env[name] = value
	s.logger.Debug("helper option set", "name", name)
	return nil
}

// CheckConnection implementa remote.Adapter via o sub-comando
// testconnection.
func (s *Storage) CheckConnection(ctx context.Context) error {
	if _, err := s.runCapture(ctx, "testconnection"); err != nil {
		return fmt.Errorf("crud: backend unreachable: %w", err)
	}
	return nil
}

// StatChunk implementa remote.Adapter. Um exit não-zero do helper é
// interpretado como chunk inexistente.
func (s *Storage) StatChunk(ctx context.Context, volume, chunk string) (int64, error) {
	out, err := s.runCapture(ctx, "stat", volume, chunk)
	if err != nil {
		if remote.IsTransient(err) {
			return 0, err
		}
		return 0, fmt.Errorf("crud: stat %s/%s: %w", volume, chunk, remote.ErrNotFound)
	}

	var size int64
	if n, _ := fmt.Sscanf(string(out), "%d", &size); n != 1 || size < 0 {
		return 0, &remote.ProtocolError{
			Op:     "stat",
			Detail: fmt.Sprintf("unparseable size %q for %s/%s", firstLine(out), volume, chunk),
		}
	}
	return size, nil
}

// ListChunks implementa remote.Adapter: linhas "<name> <size>" do
// sub-comando list.
func (s *Storage) ListChunks(ctx context.Context, volume string) (map[string]int64, error) {
	out, err := s.runCapture(ctx, "list", volume)
	if err != nil {
		return nil, fmt.Errorf("crud: list %s: %w", volume, err)
	}

	result := make(map[string]int64)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var name string
		var size int64
		if n, _ := fmt.Sscanf(line, "%s %d", &name, &size); n != 2 || size < 0 {
			return nil, &remote.ProtocolError{
				Op:     "list",
				Detail: fmt.Sprintf("unparseable line %q for volume %s", line, volume),
			}
		}
		result[name] = size
	}
	return result, nil
}

// PutChunk implementa remote.Adapter alimentando o helper com exatamente
// len(data) bytes via stdin. Um EPIPE durante a escrita significa que o
// helper rejeitou o upload: falha permanente.
func (s *Storage) PutChunk(ctx context.Context, volume, chunk string, data []byte) error {
	cmd := s.command(ctx, "upload", volume, chunk)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("crud: upload %s/%s: %w", volume, chunk, err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	wd, err := s.startWithWatchdog(cmd)
	if err != nil {
		return fmt.Errorf("crud: upload %s/%s: starting helper: %w", volume, chunk, err)
	}

	var w io.Writer = stdin
	if s.uploadLimit > 0 {
		w = throttle.NewThrottledWriter(ctx, stdin, s.uploadLimit)
	}

	writeErr := func() error {
		remaining := data
		for len(remaining) > 0 {
			block := remaining
			if len(block) > pipeBlockSize {
				block = block[:pipeBlockSize]
			}
			if _, err := w.Write(block); err != nil {
				if errors.Is(err, syscall.EPIPE) {
					return fmt.Errorf("crud: broken pipe after writing %d of %d bytes into %s/%s",
						len(data)-len(remaining), len(data), volume, chunk)
				}
				return fmt.Errorf("crud: writing %s/%s to helper: %w", volume, chunk, err)
			}
			wd.reset()
			remaining = remaining[len(block):]
		}
		return nil
	}()
	stdin.Close()

	waitErr := wd.wait(cmd, "upload")
	if writeErr != nil {
		return writeErr
	}
	if waitErr != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("crud: upload %s/%s: %w: %s", volume, chunk, waitErr, msg)
		}
		return fmt.Errorf("crud: upload %s/%s: %w", volume, chunk, waitErr)
	}
	return nil
}

// GetChunk implementa remote.Adapter. O tamanho declarado pelo stat dita o
// destino: EOF prematuro ou bytes sobrando depois dele são erros.
func (s *Storage) GetChunk(ctx context.Context, volume, chunk string, dst []byte) (int, error) {
	size, err := s.StatChunk(ctx, volume, chunk)
	if err != nil {
		return 0, err
	}
	if size > int64(len(dst)) {
		return 0, &remote.SizeMismatchError{
			Volume: volume, Chunk: chunk, Size: size, Limit: int64(len(dst)),
		}
	}
	dst = dst[:size]

	cmd := s.command(ctx, "download", volume, chunk)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("crud: download %s/%s: %w", volume, chunk, err)
	}

	wd, err := s.startWithWatchdog(cmd)
	if err != nil {
		return 0, fmt.Errorf("crud: download %s/%s: starting helper: %w", volume, chunk, err)
	}

	var r io.Reader = stdout
	if s.downloadLimit > 0 {
		r = throttle.NewThrottledReader(ctx, stdout, s.downloadLimit)
	}

	total := 0
	readErr := func() error {
		for total < len(dst) {
			block := len(dst) - total
			if block > pipeBlockSize {
				block = pipeBlockSize
			}
			n, err := io.ReadFull(r, dst[total:total+block])
			total += n
			wd.reset()
			if err != nil {
				return fmt.Errorf("crud: unexpected EOF after reading %d of %d bytes of %s/%s: %w",
					total, len(dst), volume, chunk, err)
			}
		}

		// O stream precisa terminar exatamente aqui.
		var trailer [1]byte
		if n, _ := r.Read(trailer[:]); n != 0 {
			return &remote.ProtocolError{
				Op:     "download",
				Detail: fmt.Sprintf("additional data after expected end of stream for %s/%s", volume, chunk),
			}
		}
		return nil
	}()

	waitErr := wd.wait(cmd, "download")
	if readErr != nil {
		return total, readErr
	}
	if waitErr != nil {
		return total, fmt.Errorf("crud: download %s/%s: %w", volume, chunk, waitErr)
	}
	return total, nil
}

// RemoveChunk implementa remote.Adapter via o sub-comando remove.
func (s *Storage) RemoveChunk(ctx context.Context, volume, chunk string) error {
	if _, err := s.runCapture(ctx, "remove", volume, chunk); err != nil {
		return fmt.Errorf("crud: remove %s/%s: %w", volume, chunk, err)
	}
	return nil
}

// command monta o exec.Cmd de uma invocação com o ambiente do processo mais
// as opções registradas.
func (s *Storage) command(ctx context.Context, args ...string) *exec.Cmd {
	return s.commandEnv(ctx, true, args...)
}

// commandEnv monta o exec.Cmd de uma invocação. withOptions controla se as
// opções registradas entram no ambiente do helper; a descoberta de opções
// roda sem elas.
func (s *Storage) commandEnv(ctx context.Context, withOptions bool, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, s.program, args...)
	env := os.Environ()
	if withOptions {
		for name, value := range s.env {
			env = append(env, name+"="+value)
		}
	}
	cmd.Env = env
	return cmd
}

// runCapture executa uma invocação sem payload, capturando stdout inteiro.
func (s *Storage) runCapture(ctx context.Context, args ...string) ([]byte, error) {
	return s.capture(s.command(ctx, args...), args[0])
}

// capture roda um cmd já montado até o fim, capturando stdout inteiro.
// O watchdog cobre a execução completa.
func (s *Storage) capture(cmd *exec.Cmd, op string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	wd, err := s.startWithWatchdog(cmd)
	if err != nil {
		return nil, fmt.Errorf("starting helper: %w", err)
	}

	if err := wd.wait(cmd, op); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}

// watchdog mata o helper quando o timeout expira sem progresso. Cada bloco
// de I/O transferido com sucesso rearma o timer.
type watchdog struct {
	timer   *time.Timer
	timeout time.Duration
	fired   atomic.Bool
}

func (s *Storage) startWithWatchdog(cmd *exec.Cmd) (*watchdog, error) {
	// Um filho do helper que herdou os pipes sobreviveria ao kill e
	// seguraria o Wait até sair; WaitDelay fecha os pipes pouco depois.
	cmd.WaitDelay = time.Second
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	wd := &watchdog{timeout: s.timeout}
	wd.timer = time.AfterFunc(s.timeout, func() {
		wd.fired.Store(true)
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
	})
	return wd, nil
}

func (wd *watchdog) reset() {
	wd.timer.Reset(wd.timeout)
}

// wait coleta o helper e traduz o resultado: exit 0 é sucesso, um kill do
// watchdog é falha transitória, qualquer outro exit ou sinal é falha da
// chamada.
func (wd *watchdog) wait(cmd *exec.Cmd, op string) error {
	err := cmd.Wait()
	wd.timer.Stop()

	if err == nil {
		return nil
	}
	if wd.fired.Load() {
		return &remote.TransientError{
			Err: fmt.Errorf("helper %s killed by watchdog after %s without progress", op, wd.timeout),
		}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("helper %s returned %d", op, exitErr.ExitCode())
	}
	return fmt.Errorf("helper %s: %w", op, err)
}

func firstLine(out []byte) string {
	if i := bytes.IndexByte(out, '\n'); i >= 0 {
		return string(out[:i])
	}
	return string(out)
}
