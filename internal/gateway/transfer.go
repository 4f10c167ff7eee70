package gateway

import (
	"context"
	"io"
	"sync"
	"time"
)

const progressInterval = 100 * time.Millisecond

// transfer counts bytes written through it and reports throttled Progress
// events. Several streams may share one transfer; emit is called under its
// lock so the sink never sees concurrent calls.
type transfer struct {
	mu       sync.Mutex
	total    int64
	done     int64
	start    time.Time
	last     time.Time
	filename string
	emit     func(Progress)
	now      func() time.Time
}

func newTransfer(total int64, filename string, emit func(Progress)) *transfer {
	if emit == nil {
		emit = func(Progress) {}
	}
	t := &transfer{total: total, filename: filename, emit: emit, now: time.Now}
	t.start = t.now()
	return t
}

// grow adds n bytes to the expected total, used when a stream length is
// only known once the request starts.
func (t *transfer) grow(n int64) {
	t.mu.Lock()
	t.total += n
	t.mu.Unlock()
}

func (t *transfer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done += int64(len(b))
	now := t.now()
	if now.Sub(t.last) >= progressInterval || (t.total > 0 && t.done >= t.total) {
		t.last = now
		t.emit(t.progress(now))
	}
	return len(b), nil
}

func (t *transfer) progress(now time.Time) Progress {
	p := Progress{
		Status:     StatusDownloading,
		Downloaded: t.done,
		Total:      t.total,
		Filename:   t.filename,
	}
	if elapsed := now.Sub(t.start).Seconds(); elapsed > 0 {
		p.Speed = float64(t.done) / elapsed
	}
	if p.Speed > 0 && t.total > t.done {
		p.ETA = int(float64(t.total-t.done) / p.Speed)
	}
	return p
}

// finish reports the end of the byte transfer.
func (t *transfer) finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.emit(Progress{
		Status:     StatusFinished,
		Downloaded: t.done,
		Total:      t.total,
		Filename:   t.filename,
	})
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	return io.Copy(dst, &ctxReader{ctx: ctx, r: src})
}
