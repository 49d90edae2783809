package cron

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// runLog stores run history as one append-only jsonl file per job, pruned to
// the most recent retain entries. Records are never edited in place.
type runLog struct {
	dir    string
	retain int

	mu     sync.Mutex
	counts map[string]int // jobID → line count, lazily populated
}

func newRunLog(dir string, retain int) *runLog {
	return &runLog{
		dir:    dir,
		retain: retain,
		counts: make(map[string]int),
	}
}

func (l *runLog) path(jobID string) string {
	return filepath.Join(l.dir, jobID+".jsonl")
}

// Append writes one record and prunes the file when it grows past 2x the
// retention cap; pruning rewrites via temp + rename.
func (l *runLog) Append(rec *RunRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("create runs dir: %w", err)
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}

	path := l.path(rec.JobID)
	count, ok := l.counts[rec.JobID]
	if !ok {
		count, err = countLines(path)
		if err != nil {
			return err
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open run log: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("append run log: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close run log: %w", err)
	}

	count++
	l.counts[rec.JobID] = count

	if count > l.retain*2 {
		if err := l.pruneLocked(rec.JobID); err != nil {
			return err
		}
	}
	return nil
}

// Tail returns the newest records first, up to limit (default 20).
func (l *runLog) Tail(jobID string, limit int) ([]RunRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit <= 0 {
		limit = 20
	}

	lines, err := readLines(l.path(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []RunRecord
	for i := len(lines) - 1; i >= 0 && len(out) < limit; i-- {
		var rec RunRecord
		if err := json.Unmarshal([]byte(lines[i]), &rec); err != nil {
			continue // skip torn or hand-edited lines
		}
		out = append(out, rec)
	}
	return out, nil
}

func (l *runLog) pruneLocked(jobID string) error {
	path := l.path(jobID)
	lines, err := readLines(path)
	if err != nil {
		return err
	}
	if len(lines) <= l.retain {
		return nil
	}
	keep := lines[len(lines)-l.retain:]

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("prune run log: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, line := range keep {
		w.WriteString(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("prune run log: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("prune run log: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("prune run log: %w", err)
	}

	l.counts[jobID] = len(keep)
	return nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, sc.Err()
}

func countLines(path string) (int, error) {
	lines, err := readLines(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return len(lines), nil
}
