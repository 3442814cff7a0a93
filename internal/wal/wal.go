// Package wal implements the append-only write-ahead log described in
// spec.md §4.5: O(1) append/markApplied, O(n) getPending/markFailed,
// and an isomorphic materialize/compact pair.
package wal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/agensys/reviewbot/internal/model"
)

// WAL is a single-writer, append-only JSONL log of WALEntry/WALDelta records.
type WAL struct {
	path                string
	minEntries          int
	compactionThreshold float64

	nowFn func() time.Time
	idFn  func() string
}

// Option configures a WAL.
type Option func(*WAL)

// WithClock overrides the time source (for deterministic tests).
func WithClock(fn func() time.Time) Option {
	return func(w *WAL) { w.nowFn = fn }
}

// WithIDGenerator overrides the id source (for deterministic tests).
func WithIDGenerator(fn func() string) Option {
	return func(w *WAL) { w.idFn = fn }
}

// WithCompactionPolicy overrides maybeCompact's thresholds.
func WithCompactionPolicy(minEntries int, threshold float64) Option {
	return func(w *WAL) {
		w.minEntries = minEntries
		w.compactionThreshold = threshold
	}
}

// New opens (without requiring existence) the WAL file at path.
func New(path string, opts ...Option) *WAL {
	w := &WAL{
		path:                path,
		minEntries:          50,
		compactionThreshold: 0.5,
		nowFn:               time.Now,
		idFn:                func() string { return uuid.NewString() },
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

type record struct {
	raw   json.RawMessage
	isDelta bool
}

// readRecords streams raw lines, classifying each as entry or delta. File
// absence is equivalent to empty.
func (w *WAL) readRecords() ([]record, error) {
	f, err := os.Open(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var recs []record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		var probe struct {
			Delta bool `json:"_delta"`
		}
		_ = json.Unmarshal(cp, &probe)
		recs = append(recs, record{raw: cp, isDelta: probe.Delta})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

// Materialize replays records in order, applying deltas onto their target
// entry, and returns entries in first-seen order. A delta whose target is
// absent is ignored.
func Materialize(recs []json.RawMessage) ([]model.WALEntry, error) {
	byID := map[string]*model.WALEntry{}
	var order []string
	for _, raw := range recs {
		var probe struct {
			Delta bool `json:"_delta"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			return nil, err
		}
		if probe.Delta {
			var d model.WALDelta
			if err := json.Unmarshal(raw, &d); err != nil {
				return nil, err
			}
			e, ok := byID[d.EntryID]
			if !ok {
				continue
			}
			applyDelta(e, d)
			continue
		}
		var e model.WALEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, err
		}
		if _, exists := byID[e.ID]; !exists {
			order = append(order, e.ID)
		}
		stored := e
		byID[e.ID] = &stored
	}
	out := make([]model.WALEntry, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}

func applyDelta(e *model.WALEntry, d model.WALDelta) {
	if v, ok := d.Updates["status"]; ok {
		if s, ok := v.(string); ok {
			e.Status = model.WALStatus(s)
		}
	}
	if v, ok := d.Updates["error"]; ok {
		if s, ok := v.(string); ok {
			e.Error = s
		}
	}
	if v, ok := d.Updates["retryCount"]; ok {
		switch n := v.(type) {
		case float64:
			e.RetryCount = int(n)
		case int:
			e.RetryCount = n
		}
	}
}

func (w *WAL) materializedEntries() ([]model.WALEntry, []record, error) {
	recs, err := w.readRecords()
	if err != nil {
		return nil, nil, err
	}
	raws := make([]json.RawMessage, len(recs))
	for i, r := range recs {
		raws[i] = r.raw
	}
	entries, err := Materialize(raws)
	return entries, recs, err
}

// Append writes a new pending entry. O(1).
func (w *WAL) Append(operation string, beadID string, payload any) (model.WALEntry, error) {
	e := model.WALEntry{
		ID:        w.idFn(),
		Timestamp: w.nowFn().UTC().Format(time.RFC3339Nano),
		Operation: operation,
		BeadID:    beadID,
		Payload:   payload,
		Status:    model.WALPending,
	}
	if err := w.appendLine(e); err != nil {
		return model.WALEntry{}, err
	}
	return e, nil
}

func (w *WAL) appendLine(v any) error {
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("wal: mkdir parent: %w", err)
	}
	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("wal: open for append: %w", err)
	}
	defer f.Close()

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		return err
	}
	return nil
}

// GetPending streams all records, materializes them, and returns pending entries.
func (w *WAL) GetPending() ([]model.WALEntry, error) {
	entries, _, err := w.materializedEntries()
	if err != nil {
		return nil, err
	}
	var pending []model.WALEntry
	for _, e := range entries {
		if e.Status == model.WALPending {
			pending = append(pending, e)
		}
	}
	return pending, nil
}

// MarkApplied appends a delta marking id applied. O(1).
func (w *WAL) MarkApplied(id string) error {
	return w.appendLine(model.WALDelta{
		Delta:   true,
		EntryID: id,
		Updates: map[string]any{"status": string(model.WALApplied)},
	})
}

// MarkFailed reads resolved state for retryCount, then appends a delta.
// Missing id is a no-op.
func (w *WAL) MarkFailed(id string, errMsg string, maxRetries int) error {
	entries, _, err := w.materializedEntries()
	if err != nil {
		return err
	}
	var target *model.WALEntry
	for i := range entries {
		if entries[i].ID == id {
			target = &entries[i]
			break
		}
	}
	if target == nil {
		return nil // no-op
	}

	nextRetry := target.RetryCount + 1
	status := model.WALPending
	if nextRetry >= maxRetries {
		status = model.WALFailed
	}
	return w.appendLine(model.WALDelta{
		Delta:   true,
		EntryID: id,
		Updates: map[string]any{
			"status":     string(status),
			"error":      errMsg,
			"retryCount": nextRetry,
		},
	})
}

// Replay invokes exec for each pending entry; success marks applied, a
// returned error marks failed (stringified). Returns the success count.
func (w *WAL) Replay(exec func(model.WALEntry) error, maxRetries int) (int, error) {
	pending, err := w.GetPending()
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, e := range pending {
		if err := exec(e); err != nil {
			if merr := w.MarkFailed(e.ID, err.Error(), maxRetries); merr != nil {
				return applied, merr
			}
			continue
		}
		if merr := w.MarkApplied(e.ID); merr != nil {
			return applied, merr
		}
		applied++
	}
	return applied, nil
}

// Truncate drops applied entries with timestamp < cutoff and rewrites the
// file compacted (no deltas).
func (w *WAL) Truncate(cutoff time.Time) error {
	entries, _, err := w.materializedEntries()
	if err != nil {
		return err
	}
	kept := entries[:0:0]
	for _, e := range entries {
		if e.Status == model.WALApplied {
			ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
			if err == nil && ts.Before(cutoff) {
				continue
			}
		}
		kept = append(kept, e)
	}
	return w.rewrite(kept)
}

// Compact unconditionally rewrites the file in materialized form; returns
// true if any delta records existed (i.e. the rewrite actually compacted
// something).
func (w *WAL) Compact() (bool, error) {
	entries, recs, err := w.materializedEntries()
	if err != nil {
		return false, err
	}
	hadDeltas := false
	for _, r := range recs {
		if r.isDelta {
			hadDeltas = true
			break
		}
	}
	if err := w.rewrite(entries); err != nil {
		return false, err
	}
	return hadDeltas, nil
}

// MaybeCompact compacts only when rawRecordCount >= minEntries AND
// appliedCount/totalEntries >= compactionThreshold.
func (w *WAL) MaybeCompact() (bool, error) {
	entries, recs, err := w.materializedEntries()
	if err != nil {
		return false, err
	}
	if len(recs) < w.minEntries || len(entries) == 0 {
		return false, nil
	}
	applied := 0
	for _, e := range entries {
		if e.Status == model.WALApplied {
			applied++
		}
	}
	if float64(applied)/float64(len(entries)) < w.compactionThreshold {
		return false, nil
	}
	return w.Compact()
}

func (w *WAL) rewrite(entries []model.WALEntry) error {
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		// Writes to unwritable directories are swallowed (warn, continue).
		return nil
	}
	tmp := w.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil // swallow: unwritable directory
	}
	bw := bufio.NewWriter(f)
	for _, e := range entries {
		b, err := json.Marshal(e)
		if err != nil {
			f.Close()
			return err
		}
		if _, err := bw.Write(append(b, '\n')); err != nil {
			f.Close()
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, w.path)
}

// RawRecordCount returns the number of raw lines (entries+deltas) currently
// on disk, used by operator tooling to decide whether to compact manually.
func (w *WAL) RawRecordCount() (int, error) {
	recs, err := w.readRecords()
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}
