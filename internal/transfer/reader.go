package transfer

import (
	"io"
	"time"
)

// pacedReader wraps an upload's body, invoking a Governor between chunks
// and reporting cumulative bytes read so the orchestrator can keep
// BytesTransferred current while a transfer is InProgress.
type pacedReader struct {
	r          io.Reader
	governor   Governor
	token      any
	start      time.Time
	total      int64
	onProgress func(total int64)
}

func (p *pacedReader) Read(buf []byte) (int, error) {
	if p.start.IsZero() {
		p.start = time.Now()
	}
	n, err := p.r.Read(buf)
	if n > 0 {
		p.total += int64(n)
		if p.onProgress != nil {
			p.onProgress(p.total)
		}
		if p.governor != nil {
			if d := p.governor(p.total, time.Since(p.start), p.token); d > 0 {
				time.Sleep(d)
			}
		}
	}
	return n, err
}
