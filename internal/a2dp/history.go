package a2dp

import (
	"fmt"
	"io"
	"sync"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

// historyRecord is one processed event. Sequence numbers are used instead of
// times so dumps are stable under test.
type historyRecord struct {
	seq   uint64
	from  ConnectionState
	to    ConnectionState
	event string
}

func (r historyRecord) String() string {
	if r.from == r.to {
		return fmt.Sprintf("#%d %s: %s", r.seq, r.from, r.event)
	}
	return fmt.Sprintf("#%d %s -> %s: %s", r.seq, r.from, r.to, r.event)
}

// history keeps the most recent processed events, overwriting the oldest.
type history struct {
	mu          sync.Mutex
	buf         mpmc.RichOverlappedRingBuffer[historyRecord]
	seq         uint64
	overwritten uint64
}

func newHistory(size uint32) *history {
	if size == 0 {
		return nil
	}
	return &history{buf: mpmc.NewOverlappedRingBuffer[historyRecord](size)}
}

func (h *history) add(from, to ConnectionState, event string) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	overwrites, err := h.buf.EnqueueM(historyRecord{seq: h.seq, from: from, to: to, event: event})
	if err == nil {
		h.overwritten += uint64(overwrites)
	}
}

// records returns the buffered records oldest first without consuming them.
func (h *history) records() []historyRecord {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []historyRecord
	for !h.buf.IsEmpty() {
		rec, err := h.buf.Dequeue()
		if err != nil {
			break
		}
		out = append(out, rec)
	}
	for _, rec := range out {
		_, _ = h.buf.EnqueueM(rec)
	}
	return out
}

func (h *history) write(w io.Writer) error {
	recs := h.records()
	if len(recs) == 0 {
		_, err := fmt.Fprintln(w, "  (none)")
		return err
	}
	for _, rec := range recs {
		if _, err := fmt.Fprintf(w, "  %s\n", rec); err != nil {
			return err
		}
	}
	return nil
}
