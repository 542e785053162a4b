package indicator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"marketcore/internal/model"
)

const (
	stateFormat  = "marketcore.indicator-state"
	stateVersion = 1
)

// EngineState is the persisted form of an Engine.
type EngineState struct {
	Format  string       `json:"format"`
	Version int          `json:"version"` // schema version for forward compat
	SavedAt time.Time    `json:"saved_at"`
	RunID   string       `json:"run_id"`
	Entries []EntryState `json:"entries"`
}

// EntryState is the persisted state of one Key.
type EntryState struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	Signature string    `json:"signature"`
	Columns   []string  `json:"columns"`
	Rows      int       `json:"rows"`
	LastTime  time.Time `json:"last_time"`
	State     State     `json:"state"`
}

// Snapshot captures the full state of the engine, entries sorted by key.
func (e *Engine) Snapshot() EngineState {
	keys := e.Keys()
	st := EngineState{
		Format:  stateFormat,
		Version: stateVersion,
		SavedAt: time.Now().UTC(),
		RunID:   e.runID,
		Entries: make([]EntryState, 0, len(keys)),
	}
	for _, k := range keys {
		ent := e.entries[k]
		st.Entries = append(st.Entries, EntryState{
			Symbol:    k.Symbol,
			Timeframe: k.Timeframe,
			Signature: k.Signature,
			Columns:   append([]string(nil), ent.cols...),
			Rows:      ent.rows,
			LastTime:  ent.lastTime,
			State:     ent.rec.State(),
		})
	}
	return st
}

// Restore replaces the engine state with st. Every entry is rebuilt and
// restored before the swap, so on error the engine is unchanged.
func (e *Engine) Restore(st EngineState) error {
	if st.Format != stateFormat {
		return model.NewStateError("restore", fmt.Errorf("unknown format %q", st.Format))
	}
	if st.Version != stateVersion {
		return model.NewStateError("restore", fmt.Errorf("unsupported version %d (want %d)", st.Version, stateVersion))
	}

	entries := make(map[Key]*entry, len(st.Entries))
	for i, es := range st.Entries {
		op := fmt.Sprintf("restore entry %d", i)
		spec, err := ParseSpec(es.Signature)
		if err != nil {
			return model.NewStateError(op, fmt.Errorf("signature %q: %w", es.Signature, err))
		}
		r, rec, err := spec.build(e.loc)
		if err != nil {
			return model.NewStateError(op, err)
		}
		if r.signature() != es.Signature {
			return model.NewStateError(op, fmt.Errorf("signature %q is not canonical", es.Signature))
		}
		if es.State.payloads() != 1 {
			return model.NewStateError(op, fmt.Errorf("%s: state must carry exactly one payload", es.Signature))
		}
		if err := rec.Restore(es.State); err != nil {
			return model.NewStateError(op, err)
		}
		cols := es.Columns
		if len(cols) != len(rec.Outputs()) {
			cols = rec.Outputs()
		}
		key := Key{Symbol: es.Symbol, Timeframe: es.Timeframe, Signature: es.Signature}
		if _, dup := entries[key]; dup {
			return model.NewStateError(op, fmt.Errorf("duplicate key %s", key))
		}
		entries[key] = &entry{rec: rec, cols: cols, rows: es.Rows, lastTime: es.LastTime}
	}

	e.entries = entries
	e.keys.Store(int64(len(entries)))
	e.log.Info("indicator state restored",
		slog.Int("keys", len(entries)),
		slog.String("saved_by", st.RunID),
		slog.Time("saved_at", st.SavedAt))
	return nil
}

// MarshalState encodes the engine state as JSON.
func (e *Engine) MarshalState() ([]byte, error) {
	return json.Marshal(e.Snapshot())
}

// UnmarshalState decodes and restores JSON produced by MarshalState.
func (e *Engine) UnmarshalState(data []byte) error {
	var st EngineState
	if err := json.Unmarshal(data, &st); err != nil {
		return model.NewStateError("decode state", err)
	}
	return e.Restore(st)
}

// SaveState writes the engine state to path atomically: a temp file in the
// same directory is written, synced and renamed over path.
func (e *Engine) SaveState(path string) error {
	data, err := e.MarshalState()
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("save state %s: %w", path, err)
	}
	e.log.Debug("indicator state saved", slog.String("path", path), slog.Int("keys", len(e.entries)))
	return nil
}

// LoadState replaces the engine state with the one saved at path. A missing,
// unreadable or invalid file is a StateError and leaves the engine as it was.
func (e *Engine) LoadState(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.NewStateError("load state", err)
	}
	if err := e.UnmarshalState(data); err != nil {
		return model.NewStateError("load state "+path, err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
