package store

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/scalperguard/resale-guard/internal/adapter"
	"github.com/scalperguard/resale-guard/internal/domain"
	"github.com/scalperguard/resale-guard/internal/logger"
)

const (
	// DefaultTransfersFile is the transfer log file name inside the log directory
	DefaultTransfersFile = "transfers.jsonl"
	// DefaultAllowlistFile is the allowlist log file name inside the log directory
	DefaultAllowlistFile = "allowlist.jsonl"
)

// JSONLConfig holds the configuration of the file-backed record log
type JSONLConfig struct {
	Dir           string
	TransfersFile string
	AllowlistFile string
}

// jsonlStore keeps one self-contained canonical JSON line per record
type jsonlStore struct {
	transfers *jsonlLog
	allowlist *jsonlLog
	fs        adapter.FileSystem
	json      adapter.JSON
}

// jsonlLog is a single append-only file with its idempotence index
type jsonlLog struct {
	path string

	mu   sync.Mutex
	file adapter.File
	size int64
	keys map[domain.Position]struct{}
	last *domain.Position

	// poisoned is set when a failed write could not be rolled back
	poisoned error
}

// NewJSONLStore opens (creating if needed) the transfer and allowlist logs.
// A torn trailing line left by a crash is truncated; any other malformed line
// is an error.
func NewJSONLStore(cfg JSONLConfig, fs adapter.FileSystem, jsonAdapter adapter.JSON) (RecordLog, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("%w: log directory is required", domain.ErrInvalidConfig)
	}
	if cfg.TransfersFile == "" {
		cfg.TransfersFile = DefaultTransfersFile
	}
	if cfg.AllowlistFile == "" {
		cfg.AllowlistFile = DefaultAllowlistFile
	}

	if err := fs.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	s := &jsonlStore{fs: fs, json: jsonAdapter}

	var err error
	s.transfers, err = openJSONLLog(filepath.Join(cfg.Dir, cfg.TransfersFile), fs, jsonAdapter)
	if err != nil {
		return nil, err
	}
	s.allowlist, err = openJSONLLog(filepath.Join(cfg.Dir, cfg.AllowlistFile), fs, jsonAdapter)
	if err != nil {
		_ = s.transfers.close()
		return nil, err
	}

	return s, nil
}

func openJSONLLog(path string, fs adapter.FileSystem, jsonAdapter adapter.JSON) (*jsonlLog, error) {
	file, err := fs.OpenAppend(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log %s: %w", path, err)
	}

	data, err := io.ReadAll(file)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to read log %s: %w", path, err)
	}

	l := &jsonlLog{
		path: path,
		file: file,
		keys: make(map[domain.Position]struct{}),
	}

	complete := len(data)
	if i := bytes.LastIndexByte(data, '\n'); i+1 != len(data) {
		complete = i + 1
		logger.Warn("Truncating torn record at end of log",
			zap.String("path", path),
			zap.Int("bytes", len(data)-complete))
		if err := file.Truncate(int64(complete)); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("failed to truncate torn record in %s: %w", path, err)
		}
	}
	l.size = int64(complete)

	lineNo := 0
	for _, line := range bytes.Split(data[:complete], []byte{'\n'}) {
		lineNo++
		if len(line) == 0 {
			continue
		}
		var pos domain.Position
		if err := jsonAdapter.Unmarshal(line, &pos); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("malformed record at %s:%d: %w", path, lineNo, err)
		}
		l.keys[pos] = struct{}{}
		if domain.After(l.last, pos) {
			p := pos
			l.last = &p
		}
	}

	return l, nil
}

// append writes one line. On a failed write or sync the file is cut back so no
// partial record stays behind. If the cut itself fails the log refuses every
// later append until it is reopened.
func (l *jsonlLog) append(pos domain.Position, line []byte) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.poisoned != nil {
		return false, l.poisoned
	}
	if _, ok := l.keys[pos]; ok {
		return false, nil
	}
	if !domain.After(l.last, pos) {
		return false, fmt.Errorf("%w: %s is before %s", domain.ErrOutOfOrder, pos, l.last)
	}

	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')

	n, err := l.file.Write(buf)
	if err == nil {
		err = l.file.Sync()
	}
	if err != nil {
		if n > 0 {
			if terr := l.file.Truncate(l.size); terr != nil {
				l.poisoned = fmt.Errorf("log %s holds a partial record after a failed rollback: %w", l.path, terr)
				logger.Error(l.poisoned, zap.Int64("size", l.size))
				return false, fmt.Errorf("failed to append to %s: %w (rollback failed: %v)", l.path, err, terr)
			}
		}
		return false, fmt.Errorf("failed to append to %s: %w", l.path, err)
	}

	l.size += int64(n)
	l.keys[pos] = struct{}{}
	l.last = &pos
	return true, nil
}

func (l *jsonlLog) lastPosition() *domain.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.last == nil {
		return nil
	}
	p := *l.last
	return &p
}

func (l *jsonlLog) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// readJSONL scans a log with its own handle. A trailing line without a newline
// is an append in progress and is ignored. visit returns false to stop.
func readJSONL[T any](fs adapter.FileSystem, jsonAdapter adapter.JSON, path string, visit func(T) bool) error {
	f, err := fs.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open log %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read log %s: %w", path, err)
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var rec T
		if err := jsonAdapter.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("malformed record in %s: %w", path, err)
		}
		if !visit(rec) {
			return nil
		}
	}
}

// AppendTransfer appends a transfer record as one canonical JSON line
func (s *jsonlStore) AppendTransfer(ctx context.Context, record domain.TransferRecord) (bool, error) {
	line, err := s.json.MarshalCanonical(record)
	if err != nil {
		return false, fmt.Errorf("failed to marshal transfer record: %w", err)
	}
	return s.transfers.append(record.Position(), line)
}

// AppendAllowlist appends an allowlist record as one canonical JSON line
func (s *jsonlStore) AppendAllowlist(ctx context.Context, record domain.AllowlistRecord) (bool, error) {
	line, err := s.json.MarshalCanonical(record)
	if err != nil {
		return false, fmt.Errorf("failed to marshal allowlist record: %w", err)
	}
	return s.allowlist.append(record.Position(), line)
}

// LastPosition returns the position of the last line of a log
func (s *jsonlStore) LastPosition(ctx context.Context, kind domain.EventKind) (*domain.Position, error) {
	switch kind {
	case domain.EventKindTransfer:
		return s.transfers.lastPosition(), nil
	case domain.EventKindAllowlistUpdated:
		return s.allowlist.lastPosition(), nil
	default:
		return nil, fmt.Errorf("%w: unknown event kind %q", domain.ErrInvalidEvent, kind)
	}
}

// ListTransfers scans the transfer log
func (s *jsonlStore) ListTransfers(ctx context.Context, filter TransferFilter) ([]domain.TransferRecord, error) {
	var out []domain.TransferRecord
	err := readJSONL(s.fs, s.json, s.transfers.path, func(r domain.TransferRecord) bool {
		if filter.Match(r) {
			out = append(out, r)
		}
		return filter.Limit <= 0 || len(out) < filter.Limit
	})
	return out, err
}

// ListAllowlist scans the allowlist log
func (s *jsonlStore) ListAllowlist(ctx context.Context, filter AllowlistFilter) ([]domain.AllowlistRecord, error) {
	var out []domain.AllowlistRecord
	err := readJSONL(s.fs, s.json, s.allowlist.path, func(r domain.AllowlistRecord) bool {
		if filter.Match(r) {
			out = append(out, r)
		}
		return filter.Limit <= 0 || len(out) < filter.Limit
	})
	return out, err
}

// Close closes both log files
func (s *jsonlStore) Close() error {
	return errors.Join(s.transfers.close(), s.allowlist.close())
}
