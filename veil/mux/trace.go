package mux

import (
	"fmt"
	"sync"
	"time"

	"github.com/armon/circbuf"
)

// TraceSize is how many bytes of recent events a Trace keeps.
const TraceSize = 64 << 10

// Trace records recent mux events as text lines, overwriting the oldest.
type Trace struct {
	mu  sync.Mutex
	buf *circbuf.Buffer
}

func NewTrace(size int64) (*Trace, error) {
	buf, err := circbuf.NewBuffer(size)
	if err != nil {
		return nil, err
	}
	return &Trace{buf: buf}, nil
}

// Message records one message sent (dir '>') or received (dir '<').
func (t *Trace) Message(dir byte, m *Message) {
	if t == nil {
		return
	}
	t.Event("%c %s stream=%d seq=%d ack=%d win=%d sack=%d len=%d", dir, m.Kind, m.Stream, m.Seq, m.Ack, m.Window, len(m.SACK), len(m.Payload))
}

func (t *Trace) Event(format string, args ...any) {
	if t == nil {
		return
	}
	line := time.Now().Format("15:04:05.000000 ") + fmt.Sprintf(format, args...) + "\n"
	t.mu.Lock()
	_, _ = t.buf.Write([]byte(line))
	t.mu.Unlock()
}

// String returns the retained events, oldest first. The first line may be cut.
func (t *Trace) String() string {
	if t == nil {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}

// Written is the total number of bytes ever recorded.
func (t *Trace) Written() int64 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.TotalWritten()
}
