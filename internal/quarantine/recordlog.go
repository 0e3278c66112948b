package quarantine

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// logEntry is one line of the append-only record log. Every status change
// appends the full record, so replay keeps the last entry per id.
type logEntry struct {
	Seq    uint64    `json:"seq"`
	ID     string    `json:"id"`
	Status Status    `json:"status"`
	At     time.Time `json:"at"`
	Record Record    `json:"record"`
}

// recordLog is the append-only JSON lines file. Appends are serialized and
// synced before they return.
type recordLog struct {
	mu   sync.Mutex
	f    *os.File
	seq  uint64
	path string
}

// openRecordLog opens (or creates) the log and replays it. A torn final line
// left by a crash mid-append is truncated away.
func openRecordLog(path string) (*recordLog, []logEntry, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, filePerm)
	if err != nil {
		return nil, nil, err
	}

	entries, validLen, err := replay(f)
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	if info.Size() != validLen {
		if err := f.Truncate(validLen); err != nil {
			_ = f.Close()
			return nil, nil, err
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return nil, nil, err
		}
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		_ = f.Close()
		return nil, nil, err
	}

	l := &recordLog{f: f, path: path}
	if n := len(entries); n > 0 {
		l.seq = entries[n-1].Seq
	}
	return l, entries, nil
}

// replay parses complete lines. It returns the byte length covered by
// complete, well-formed lines; a malformed line before the end is an error.
func replay(r io.Reader) ([]logEntry, int64, error) {
	var (
		entries  []logEntry
		validLen int64
		lineNo   int
	)
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			lineNo++
			if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
				var e logEntry
				if jerr := json.Unmarshal(trimmed, &e); jerr != nil {
					// Only a torn last line is recoverable.
					if _, perr := br.Peek(1); perr == io.EOF {
						return entries, validLen, nil
					}
					return nil, 0, fmt.Errorf("record log line %d: %w", lineNo, jerr)
				}
				entries = append(entries, e)
			}
			validLen += int64(len(line))
		}
		if err == io.EOF {
			return entries, validLen, nil
		}
		if err != nil {
			return nil, 0, err
		}
	}
}

// append writes rec with its current status as a new entry.
func (l *recordLog) append(rec Record, at time.Time) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return 0, ErrVaultClosed
	}

	e := logEntry{Seq: l.seq + 1, ID: rec.ID, Status: rec.Status, At: at, Record: rec}
	data, err := json.Marshal(e)
	if err != nil {
		return 0, err
	}
	data = append(data, '\n')

	off, err := l.f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := l.f.Write(data); err != nil {
		l.rewind(off)
		return 0, err
	}
	if err := l.f.Sync(); err != nil {
		l.rewind(off)
		return 0, err
	}
	l.seq = e.Seq
	return e.Seq, nil
}

// rewind drops a partially written entry so later appends start on a
// clean line.
func (l *recordLog) rewind(off int64) {
	if err := l.f.Truncate(off); err == nil {
		_, _ = l.f.Seek(off, io.SeekStart)
	}
}

func (l *recordLog) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
