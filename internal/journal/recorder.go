package journal

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"coinlink-go/internal/alert"
)

// JSONLRecorder appends alerts as JSON lines for later analysis.
type JSONLRecorder struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewJSONLRecorder creates/opens the target file and returns a recorder.
func NewJSONLRecorder(path string) (*JSONLRecorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &JSONLRecorder{
		file: file,
		enc:  json.NewEncoder(file),
	}, nil
}

// Record writes a single alert to the underlying JSONL file.
func (r *JSONLRecorder) Record(rec alert.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return os.ErrClosed
	}
	return r.enc.Encode(rec)
}

// Close flushes and closes the file handle.
func (r *JSONLRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// Journal feeds alerts into the ledger and, when configured, the JSONL file.
type Journal struct {
	Ledger   *Ledger
	recorder *JSONLRecorder
	log      zerolog.Logger
}

// New builds a journal; recorder may be nil.
func New(ledger *Ledger, recorder *JSONLRecorder, log zerolog.Logger) *Journal {
	return &Journal{Ledger: ledger, recorder: recorder, log: log}
}

// Run records events until ctx ends or events closes, then closes the file.
func (j *Journal) Run(ctx context.Context, events <-chan alert.Event) error {
	if j.recorder != nil {
		defer j.recorder.Close()
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			j.safeRecord(ev)
		}
	}
}

func (j *Journal) safeRecord(ev alert.Event) {
	defer func() {
		if r := recover(); r != nil {
			j.log.Error().Interface("panic", r).Str("alert", ev.ID).Msg("journal entry aborted")
		}
	}()
	rec := ev.Record()
	j.Ledger.Record(rec)
	if j.recorder == nil {
		return
	}
	if err := j.recorder.Record(rec); err != nil {
		j.log.Warn().Err(err).Str("alert", rec.ID).Msg("journal write failed")
	}
}
