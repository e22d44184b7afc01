package logging

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// ErrSinkClosed is returned when enqueueing into a sink that was shut down
var ErrSinkClosed = errors.New("sink is closed")

// ErrSinkFull is returned when the sink's buffer has no room
var ErrSinkFull = errors.New("sink buffer is full")

// FileSink writes ledger events as JSON Lines to local files with
// size-based rotation. It is the audit sink of standalone deployments.
type FileSink struct {
	fileTemplate  string        // e.g. "/var/log/llm-access/ledger-%s.jsonl"
	maxSize       int64         // maximum size in bytes before rotation
	maxFiles      int           // maximum number of rotated files to keep
	flushInterval time.Duration // flush the buffer every flushInterval if not empty

	mu          sync.Mutex
	currentFile string
	file        *os.File
	writer      *bufio.Writer
	currentSize int64
	rotations   int

	eventCh chan *LedgerEvent
	doneCh  chan struct{}
	wg      sync.WaitGroup
	closed  bool
}

// NewFileSink opens the first file and starts the writer goroutine.
// bufferSize bounds how many events can wait before Enqueue fails.
func NewFileSink(fileTemplate string, maxSize int64, maxFiles, bufferSize int, flushInterval time.Duration) (*FileSink, error) {
	if maxFiles <= 0 {
		maxFiles = 1
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}

	s := &FileSink{
		fileTemplate:  fileTemplate,
		maxSize:       maxSize,
		maxFiles:      maxFiles,
		flushInterval: flushInterval,
		eventCh:       make(chan *LedgerEvent, bufferSize),
		doneCh:        make(chan struct{}),
	}

	if err := s.openFile(); err != nil {
		return nil, err
	}

	s.wg.Add(1)
	go s.run()

	return s, nil
}

// newFileName applies the current timestamp and a rotation counter to the template
func (s *FileSink) newFileName() string {
	stamp := fmt.Sprintf("%s-%04d", time.Now().UTC().Format("20060102150405"), s.rotations)
	return fmt.Sprintf(s.fileTemplate, stamp)
}

// openFile opens the next file; the caller holds mu or owns s exclusively
func (s *FileSink) openFile() error {
	s.currentFile = s.newFileName()
	s.rotations++

	dir := filepath.Dir(s.currentFile)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	file, err := os.OpenFile(s.currentFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open ledger file: %w", err)
	}
	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}

	s.currentSize = fi.Size()
	s.file = file
	s.writer = bufio.NewWriter(file)
	return nil
}

// rotateIfNeeded starts a new file when n more bytes would pass maxSize
func (s *FileSink) rotateIfNeeded(n int) error {
	if s.maxSize <= 0 || s.currentSize == 0 || s.currentSize+int64(n) < s.maxSize {
		return nil
	}

	if err := s.writer.Flush(); err != nil {
		return err
	}
	if err := s.file.Close(); err != nil {
		return err
	}
	if err := s.openFile(); err != nil {
		return err
	}
	return s.cleanupOldFiles()
}

// cleanupOldFiles removes the oldest files beyond maxFiles
func (s *FileSink) cleanupOldFiles() error {
	matches, err := filepath.Glob(fmt.Sprintf(s.fileTemplate, "*"))
	if err != nil {
		return err
	}

	// names embed a sortable timestamp and counter
	sort.Strings(matches)

	excess := len(matches) - s.maxFiles
	for i := 0; i < excess; i++ {
		_ = os.Remove(matches[i])
	}
	return nil
}

func (s *FileSink) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-s.eventCh:
			s.writeEvent(ev)
		case <-ticker.C:
			s.mu.Lock()
			_ = s.writer.Flush()
			s.mu.Unlock()
		case <-s.doneCh:
			for {
				select {
				case ev := <-s.eventCh:
					s.writeEvent(ev)
				default:
					s.mu.Lock()
					_ = s.writer.Flush()
					_ = s.file.Close()
					s.mu.Unlock()
					return
				}
			}
		}
	}
}

func (s *FileSink) writeEvent(ev *LedgerEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.rotateIfNeeded(len(data)); err != nil {
		fmt.Fprintf(os.Stderr, "ledger file rotation failed: %v\n", err)
	}
	n, _ := s.writer.Write(data)
	s.currentSize += int64(n)
}

// Enqueue queues an event without blocking
func (s *FileSink) Enqueue(ev *LedgerEvent) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSinkClosed
	}

	select {
	case s.eventCh <- ev:
		return nil
	default:
		return ErrSinkFull
	}
}

// Shutdown drains pending events and closes the file
func (s *FileSink) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.doneCh)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CurrentFile returns the file being written
func (s *FileSink) CurrentFile() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentFile
}
