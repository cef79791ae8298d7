package session

import (
	"sync"
	"time"
)

const DefaultScanWindow = 2 * time.Second

// Debouncer drops repeated reads of the same code on a terminal within the
// window. A different code always passes and becomes the new reference.
type Debouncer struct {
	mu     sync.Mutex
	window time.Duration
	last   map[string]scan
	now    func() time.Time
}

type scan struct {
	code string
	at   time.Time
}

func NewDebouncer(window time.Duration) *Debouncer {
	if window <= 0 {
		window = DefaultScanWindow
	}
	return &Debouncer{window: window, last: map[string]scan{}, now: time.Now}
}

func (d *Debouncer) Allow(terminalID string, code string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	prev, ok := d.last[terminalID]
	if ok && prev.code == code && now.Sub(prev.at) < d.window {
		return false
	}
	d.last[terminalID] = scan{code: code, at: now}
	return true
}
