package logger

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

const (
	logFileBufferSize    = 16 * 1024
	defaultFlushInterval = 5 * time.Second
)

var errLogFileClosed = errors.New("log file closed")

// LogFile is an append-only buffered log file. Lines reach the OS on Flush or
// every flush interval; Sync and Close also fsync.
type LogFile struct {
	path string

	mu     sync.Mutex
	file   *os.File
	buf    *bufio.Writer
	closed bool

	stop chan struct{}
	done chan struct{}
}

// OpenLogFile opens path for appending, creating its directory. A positive
// flushInterval starts a background flusher that Close stops.
func OpenLogFile(path string, flushInterval time.Duration) (*LogFile, error) {
	if err := ensureFileDirectory(path); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, LogFilePermissions) //nolint:gosec // path comes from config
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}

	lf := &LogFile{
		path: path,
		file: f,
		buf:  bufio.NewWriterSize(f, logFileBufferSize),
	}
	if flushInterval > 0 {
		lf.stop = make(chan struct{})
		lf.done = make(chan struct{})
		go lf.flushEvery(flushInterval)
	}
	return lf, nil
}

func (lf *LogFile) flushEvery(interval time.Duration) {
	defer close(lf.done)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-lf.stop:
			return
		case <-t.C:
			// errors resurface on the next Write
			_ = lf.Flush()
		}
	}
}

// Path returns the file path.
func (lf *LogFile) Path() string { return lf.path }

func (lf *LogFile) Write(p []byte) (int, error) {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	if lf.closed {
		return 0, errLogFileClosed
	}
	return lf.buf.Write(p)
}

// Flush hands buffered lines to the OS without fsync.
func (lf *LogFile) Flush() error {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	if lf.closed {
		return nil
	}
	return lf.buf.Flush()
}

// Sync flushes and fsyncs.
func (lf *LogFile) Sync() error {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	if lf.closed {
		return nil
	}
	return lf.syncLocked()
}

func (lf *LogFile) syncLocked() error {
	if err := lf.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush %s: %w", lf.path, err)
	}
	if err := lf.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", lf.path, err)
	}
	return nil
}

// Close syncs and closes the file. Further writes fail; repeated Close calls
// return nil.
func (lf *LogFile) Close() error {
	lf.mu.Lock()
	if lf.closed {
		lf.mu.Unlock()
		return nil
	}
	lf.closed = true
	lf.mu.Unlock()

	if lf.stop != nil {
		close(lf.stop)
		<-lf.done
	}

	lf.mu.Lock()
	defer lf.mu.Unlock()
	return errors.Join(lf.syncLocked(), lf.file.Close())
}
