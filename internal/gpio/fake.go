package gpio

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// Fake is an in-memory chip for tests and for running without hardware.
type Fake struct {
	mu       sync.Mutex
	values   map[int]int
	open     map[int]bool
	handlers map[int]func()
	failing  map[int]bool
}

func NewFake() *Fake {
	return &Fake{
		values:   map[int]int{},
		open:     map[int]bool{},
		handlers: map[int]func(){},
		failing:  map[int]bool{},
	}
}

// Fail makes requests and writes on pin fail.
func (f *Fake) Fail(pin int, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[pin] = fail
}

// Value returns the last level driven on pin.
func (f *Fake) Value(pin int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values[pin]
}

// Open reports whether pin is requested.
func (f *Fake) Open(pin int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open[pin]
}

// Pulse delivers n rising edges to the watcher of pin.
func (f *Fake) Pulse(pin int, n int) {
	f.mu.Lock()
	h := f.handlers[pin]
	f.mu.Unlock()
	if h == nil {
		return
	}
	for range n {
		h()
	}
}

func (f *Fake) RequestOutput(pin int, initial int) (Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[pin] {
		return nil, fmt.Errorf("pin %d: device busy", pin)
	}
	f.open[pin] = true
	f.values[pin] = initial
	return &fakeLine{f: f, pin: pin}, nil
}

func (f *Fake) WatchRisingEdges(pin int, handler func()) (io.Closer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[pin] {
		return nil, fmt.Errorf("pin %d: device busy", pin)
	}
	f.open[pin] = true
	f.handlers[pin] = handler
	return &fakeLine{f: f, pin: pin}, nil
}

func (f *Fake) Close() error {
	return nil
}

type fakeLine struct {
	f   *Fake
	pin int
}

func (l *fakeLine) SetValue(v int) error {
	l.f.mu.Lock()
	defer l.f.mu.Unlock()
	if !l.f.open[l.pin] {
		return errors.New("line closed")
	}
	if l.f.failing[l.pin] {
		return fmt.Errorf("pin %d: write failed", l.pin)
	}
	l.f.values[l.pin] = v
	return nil
}

func (l *fakeLine) Close() error {
	l.f.mu.Lock()
	defer l.f.mu.Unlock()
	l.f.open[l.pin] = false
	delete(l.f.handlers, l.pin)
	return nil
}

var _ Chip = (*Fake)(nil)
