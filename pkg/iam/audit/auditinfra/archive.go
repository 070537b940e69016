package auditinfra

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/truxeio/truxe/pkg/fsx"
	"github.com/truxeio/truxe/pkg/iam/audit"
	"github.com/truxeio/truxe/pkg/logx"
)

// ArchiveSink buffers audit events as JSONL and flushes batches to a
// fsx.FileSystem (local directory or S3 depending on deployment). Flushes
// happen when the buffer reaches flushSize or on the flush interval,
// whichever comes first.
type ArchiveSink struct {
	fs       fsx.FileSystem
	dir      string
	flushSize int

	mu     sync.Mutex
	buf    []audit.Event
	stop   chan struct{}
	stopped sync.Once
}

func NewArchiveSink(fs fsx.FileSystem, dir string, flushSize int, flushInterval time.Duration) *ArchiveSink {
	if flushSize <= 0 {
		flushSize = 500
	}
	if flushInterval <= 0 {
		flushInterval = time.Minute
	}
	s := &ArchiveSink{
		fs:        fs,
		dir:       dir,
		flushSize: flushSize,
		stop:      make(chan struct{}),
	}
	go s.flushLoop(flushInterval)
	return s
}

func (s *ArchiveSink) Record(_ context.Context, event audit.Event) {
	s.mu.Lock()
	s.buf = append(s.buf, event)
	full := len(s.buf) >= s.flushSize
	s.mu.Unlock()

	if full {
		s.Flush(context.Background())
	}
}

// Flush writes the buffered events to a timestamped JSONL object.
func (s *ArchiveSink) Flush(ctx context.Context) {
	s.mu.Lock()
	if len(s.buf) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.buf
	s.buf = nil
	s.mu.Unlock()

	var out bytes.Buffer
	enc := json.NewEncoder(&out)
	for _, event := range batch {
		if err := enc.Encode(event); err != nil {
			logx.WithError(err).Warn("audit: archive encode failed, event dropped")
		}
	}

	path := s.fs.Join(s.dir, fmt.Sprintf("audit-%s.jsonl", time.Now().UTC().Format("20060102T150405.000000000")))
	if err := s.fs.WriteFile(ctx, path, out.Bytes()); err != nil {
		logx.WithError(err).WithField("path", path).Warn("audit: archive flush failed, re-buffering batch")
		s.mu.Lock()
		s.buf = append(batch, s.buf...)
		s.mu.Unlock()
	}
}

// Close flushes the remaining buffer and stops the flush loop.
func (s *ArchiveSink) Close() {
	s.stopped.Do(func() { close(s.stop) })
	s.Flush(context.Background())
}

func (s *ArchiveSink) flushLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Flush(context.Background())
		}
	}
}
