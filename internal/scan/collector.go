package scan

import (
	"sync"
	"time"
)

// DefaultWindow is the inactivity gap after which a scan burst is flushed.
const DefaultWindow = 150 * time.Millisecond

// KeyEvent is a single key press reported by the input source.
type KeyEvent struct {
	Key      string `json:"key"`
	Editable bool   `json:"editable"` // focus is on an editable field
}

// IsDigit reports whether the key is a single ASCII digit.
func (e KeyEvent) IsDigit() bool {
	return len(e.Key) == 1 && e.Key[0] >= '0' && e.Key[0] <= '9'
}

// IsEnter reports whether the key terminates a scan.
func (e KeyEvent) IsEnter() bool {
	return e.Key == "Enter" || e.Key == "\n" || e.Key == "\r"
}

// Sinks receive flushed buffers. Submit gets complete account ids only;
// Partial (optional) gets shorter buffers abandoned by a flush.
type Sinks struct {
	Submit  func(token string)
	Partial func(text string)
}

// Collector reassembles scanner keystrokes into account ids.
// It is safe for concurrent use.
type Collector struct {
	window time.Duration
	sinks  Sinks

	mu    sync.Mutex
	buf   []byte
	timer *time.Timer
	gen   uint64 // bumped on every reset so stale timers do nothing
}

// NewCollector builds a collector with the given inactivity window.
func NewCollector(window time.Duration, sinks Sinks) *Collector {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Collector{window: window, sinks: sinks, buf: make([]byte, 0, TokenLen)}
}

// Accumulating reports whether a burst is in progress.
func (c *Collector) Accumulating() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf) > 0
}

// Feed consumes one key event. Digits typed while an editable field has
// focus belong to that field; Enter always flushes.
func (c *Collector) Feed(e KeyEvent) {
	switch {
	case e.IsEnter():
		c.mu.Lock()
		buf := c.resetLocked()
		c.mu.Unlock()
		c.flush(buf)
	case e.IsDigit() && !e.Editable:
		c.mu.Lock()
		c.buf = append(c.buf, Normalize(e.Key)...)
		if len(c.buf) >= TokenLen {
			buf := c.resetLocked()
			c.mu.Unlock()
			c.flush(buf)
			return
		}
		if c.timer != nil {
			c.timer.Stop()
		}
		gen := c.gen
		c.timer = time.AfterFunc(c.window, func() { c.expire(gen) })
		c.mu.Unlock()
	}
}

func (c *Collector) expire(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	buf := c.resetLocked()
	c.mu.Unlock()
	c.flush(buf)
}

// resetLocked returns the buffered digits and moves back to idle.
func (c *Collector) resetLocked() string {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
	buf := Normalize(string(c.buf))
	c.buf = c.buf[:0]
	return buf
}

func (c *Collector) flush(buf string) {
	switch {
	case buf == "":
	case len(buf) == TokenLen:
		if c.sinks.Submit != nil {
			c.sinks.Submit(buf)
		}
	default:
		if c.sinks.Partial != nil {
			c.sinks.Partial(buf)
		}
	}
}
