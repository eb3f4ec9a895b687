package worker

import (
	"strings"
	"sync"
)

// excerptSize is how much job output is collected before it is passed on
const excerptSize = 2 * 1024

// excerptWriter batches output into excerpts of at least size bytes. The
// remainder is passed on by Flush.
type excerptWriter struct {
	mu   sync.Mutex
	size int
	buf  strings.Builder
	emit func(string)
}

func newExcerptWriter(size int, emit func(string)) *excerptWriter {
	return &excerptWriter{size: size, emit: emit}
}

func (w *excerptWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	if w.buf.Len() >= w.size {
		w.flushLocked()
	}
	return len(p), nil
}

// Flush passes on any buffered output
func (w *excerptWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushLocked()
}

func (w *excerptWriter) flushLocked() {
	if w.buf.Len() == 0 {
		return
	}
	excerpt := w.buf.String()
	w.buf.Reset()
	w.emit(excerpt)
}
