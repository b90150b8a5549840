package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// FileConfig configures a File store.
type FileConfig struct {
	Dir    string
	Name   string
	AutoSave     bool
	SaveInterval time.Duration
	// WriteThreshold, when > 0, triggers an async Snapshot once that many
	// op-log lines have been appended since the last one, independent of
	// SaveInterval.
	WriteThreshold int
	Logger         zerolog.Logger
}

func (c *FileConfig) applyDefaults() {
	if c.SaveInterval <= 0 {
		c.SaveInterval = time.Minute
	}
}

// opRecord is one line of the append-only LATEST.LOG.
type opRecord struct {
	Op    string          `json:"op"`
	Key   string          `json:"key"`
	Field string          `json:"field,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// snapRecord is one line of a DATA.SNAP file.
type snapRecord struct {
	Kind  string                     `json:"kind"` // "kv" | "set" | "hash"
	Key   string                     `json:"key"`
	Value json.RawMessage            `json:"value,omitempty"`
	Set   []string                   `json:"set,omitempty"`
	Hash  map[string]json.RawMessage `json:"hash,omitempty"`
}

// File is a durable Store backed by an append-only op log with periodic
// snapshot compaction, matching the `<name>_LATEST.LOG` /
// `<name>_PREV.LOG` / `<name>_DATA.SNAP` / `<name>_DATA_PREV.SNAP` layout.
// The exact on-disk encoding is this package's own choice.
type File struct {
	cfg FileConfig

	mu     sync.Mutex
	kv     map[string]json.RawMessage
	sets   map[string]map[string]struct{}
	hashes map[string]map[string]json.RawMessage

	log       *os.File
	writer    *bufio.Writer
	snapshot  int32 // atomic: 1 while a Snapshot is in progress
	writesLog int    // op-log lines appended since the last snapshot

	stopCh chan struct{}
	ticker *time.Ticker
}

// NewFile returns a File store rooted at cfg.Dir using cfg.Name as the
// filename prefix. Call Load before use.
func NewFile(cfg FileConfig) *File {
	cfg.applyDefaults()
	return &File{
		cfg:    cfg,
		kv:     make(map[string]json.RawMessage),
		sets:   make(map[string]map[string]struct{}),
		hashes: make(map[string]map[string]json.RawMessage),
	}
}

func (f *File) path(suffix string) string {
	return filepath.Join(f.cfg.Dir, fmt.Sprintf("%s_%s", f.cfg.Name, suffix))
}

// Load replays DATA.SNAP followed by LATEST.LOG into memory, then opens
// LATEST.LOG for further appends.
func (f *File) Load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(f.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("store: mkdir: %w", err)
	}

	if err := f.loadSnapshotLocked(); err != nil {
		return err
	}
	if err := f.replayLogLocked(); err != nil {
		return err
	}

	logFile, err := os.OpenFile(f.path("LATEST.LOG"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("store: open log: %w", err)
	}
	f.log = logFile
	f.writer = bufio.NewWriter(logFile)

	if f.cfg.AutoSave {
		f.stopCh = make(chan struct{})
		f.ticker = time.NewTicker(f.cfg.SaveInterval)
		go f.autoSaveLoop()
	}
	return nil
}

func (f *File) autoSaveLoop() {
	for {
		select {
		case <-f.ticker.C:
			if err := f.Snapshot(); err != nil {
				f.cfg.Logger.Warn().Err(err).Msg("store: periodic snapshot failed")
			}
		case <-f.stopCh:
			return
		}
	}
}

func (f *File) loadSnapshotLocked() error {
	path := f.path("DATA.SNAP")
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var rec snapRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return fmt.Errorf("store: corrupt snapshot line: %w", err)
		}
		switch rec.Kind {
		case "kv":
			f.kv[rec.Key] = rec.Value
		case "set":
			members := make(map[string]struct{}, len(rec.Set))
			for _, m := range rec.Set {
				members[m] = struct{}{}
			}
			f.sets[rec.Key] = members
		case "hash":
			f.hashes[rec.Key] = rec.Hash
		}
	}
	return scanner.Err()
}

func (f *File) replayLogLocked() error {
	path := f.path("LATEST.LOG")
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var rec opRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return fmt.Errorf("store: corrupt log line: %w", err)
		}
		f.applyLocked(rec)
	}
	return scanner.Err()
}

func (f *File) applyLocked(rec opRecord) {
	switch rec.Op {
	case "set":
		f.kv[rec.Key] = rec.Value
	case "del":
		delete(f.kv, rec.Key)
	case "clear":
		f.kv = make(map[string]json.RawMessage)
		f.sets = make(map[string]map[string]struct{})
		f.hashes = make(map[string]map[string]json.RawMessage)
	case "sset":
		members, ok := f.sets[rec.Key]
		if !ok {
			members = make(map[string]struct{})
			f.sets[rec.Key] = members
		}
		members[rec.Field] = struct{}{}
	case "sdel":
		if members, ok := f.sets[rec.Key]; ok {
			delete(members, rec.Field)
			if len(members) == 0 {
				delete(f.sets, rec.Key)
			}
		}
	case "hset":
		fields, ok := f.hashes[rec.Key]
		if !ok {
			fields = make(map[string]json.RawMessage)
			f.hashes[rec.Key] = fields
		}
		fields[rec.Field] = rec.Value
	case "hdel":
		if fields, ok := f.hashes[rec.Key]; ok {
			delete(fields, rec.Field)
			if len(fields) == 0 {
				delete(f.hashes, rec.Key)
			}
		}
	}
}

func (f *File) appendLocked(rec opRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := f.writer.Write(line); err != nil {
		return err
	}
	if err := f.writer.WriteByte('\n'); err != nil {
		return err
	}
	if err := f.writer.Flush(); err != nil {
		return err
	}

	if f.cfg.WriteThreshold > 0 {
		f.writesLog++
		if f.writesLog >= f.cfg.WriteThreshold {
			f.writesLog = 0
			go func() {
				if err := f.Snapshot(); err != nil {
					f.cfg.Logger.Warn().Err(err).Msg("store: write-threshold snapshot failed")
				}
			}()
		}
	}
	return nil
}

func (f *File) Get(key string) (json.RawMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.kv[key]
	return v, ok
}

func (f *File) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.appendLocked(opRecord{Op: "set", Key: key, Value: raw}); err != nil {
		return err
	}
	f.kv[key] = raw
	return nil
}

func (f *File) SSet(key, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.appendLocked(opRecord{Op: "sset", Key: key, Field: member}); err != nil {
		return err
	}
	f.applyLocked(opRecord{Op: "sset", Key: key, Field: member})
	return nil
}

func (f *File) SDel(key, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.appendLocked(opRecord{Op: "sdel", Key: key, Field: member}); err != nil {
		return err
	}
	f.applyLocked(opRecord{Op: "sdel", Key: key, Field: member})
	return nil
}

func (f *File) HSet(key, field string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.appendLocked(opRecord{Op: "hset", Key: key, Field: field, Value: raw}); err != nil {
		return err
	}
	f.applyLocked(opRecord{Op: "hset", Key: key, Field: field, Value: raw})
	return nil
}

func (f *File) HDel(key, field string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.appendLocked(opRecord{Op: "hdel", Key: key, Field: field}); err != nil {
		return err
	}
	f.applyLocked(opRecord{Op: "hdel", Key: key, Field: field})
	return nil
}

func (f *File) Del(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.appendLocked(opRecord{Op: "del", Key: key}); err != nil {
		return err
	}
	delete(f.kv, key)
	return nil
}

func (f *File) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.appendLocked(opRecord{Op: "clear"}); err != nil {
		return err
	}
	f.applyLocked(opRecord{Op: "clear"})
	return nil
}

func (f *File) ForEach(ctx context.Context, fn func(key string, value json.RawMessage) error) error {
	f.mu.Lock()
	snapshot := make(map[string]json.RawMessage, len(f.kv))
	for k, v := range f.kv {
		snapshot[k] = v
	}
	f.mu.Unlock()

	for k, v := range snapshot {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

func (f *File) ForEachSync(fn func(key string, value json.RawMessage) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, v := range f.kv {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// Idle reports whether no Snapshot compaction is in progress.
func (f *File) Idle() bool {
	return atomic.LoadInt32(&f.snapshot) == 0
}

// Snapshot rotates LATEST.LOG to PREV.LOG and writes the current
// in-memory state to DATA.SNAP (via a DATA_PREV.SNAP staging file,
// renamed into place for atomicity).
func (f *File) Snapshot() error {
	atomic.StoreInt32(&f.snapshot, 1)
	defer atomic.StoreInt32(&f.snapshot, 0)

	f.mu.Lock()
	defer f.mu.Unlock()

	stagePath := f.path("DATA_PREV.SNAP")
	stage, err := os.Create(stagePath)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(stage)
	for k, v := range f.kv {
		if err := writeSnapLine(w, snapRecord{Kind: "kv", Key: k, Value: v}); err != nil {
			stage.Close()
			return err
		}
	}
	for k, members := range f.sets {
		list := make([]string, 0, len(members))
		for m := range members {
			list = append(list, m)
		}
		if err := writeSnapLine(w, snapRecord{Kind: "set", Key: k, Set: list}); err != nil {
			stage.Close()
			return err
		}
	}
	for k, fields := range f.hashes {
		if err := writeSnapLine(w, snapRecord{Kind: "hash", Key: k, Hash: fields}); err != nil {
			stage.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		stage.Close()
		return err
	}
	if err := stage.Close(); err != nil {
		return err
	}
	if err := os.Rename(stagePath, f.path("DATA.SNAP")); err != nil {
		return err
	}

	if err := f.writer.Flush(); err != nil {
		return err
	}
	if err := f.log.Close(); err != nil {
		return err
	}
	_ = os.Rename(f.path("LATEST.LOG"), f.path("PREV.LOG"))
	logFile, err := os.OpenFile(f.path("LATEST.LOG"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	f.log = logFile
	f.writer = bufio.NewWriter(logFile)
	return nil
}

func writeSnapLine(w *bufio.Writer, rec snapRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := w.Write(line); err != nil {
		return err
	}
	return w.WriteByte('\n')
}

// Stop flushes a final snapshot and closes the log file.
func (f *File) Stop() error {
	if f.ticker != nil {
		f.ticker.Stop()
		close(f.stopCh)
	}
	if err := f.Snapshot(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.log.Close()
}
