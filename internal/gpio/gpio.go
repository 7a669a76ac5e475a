// Package gpio hands out GPIO lines by pin number. Lines are requested once
// per pin and shared by every user of that pin.
package gpio

import (
	"errors"
	"fmt"
	"io"
	"sync"

	gpiod "github.com/warthog618/go-gpiocdev"
)

type Output interface {
	SetValue(v int) error
	Close() error
}

type Chip interface {
	RequestOutput(pin int, initial int) (Output, error)
	// WatchRisingEdges calls handler from a separate goroutine on every rising
	// edge until the returned closer is closed.
	WatchRisingEdges(pin int, handler func()) (io.Closer, error)
	Close() error
}

type cdevChip struct {
	c *gpiod.Chip
}

// OpenChip opens a GPIO character device such as "gpiochip0".
func OpenChip(name string) (Chip, error) {
	c, err := gpiod.NewChip(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open GPIO chip %s: %w", name, err)
	}
	return &cdevChip{c: c}, nil
}

func (c *cdevChip) RequestOutput(pin int, initial int) (Output, error) {
	l, err := c.c.RequestLine(pin, gpiod.AsOutput(initial))
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (c *cdevChip) WatchRisingEdges(pin int, handler func()) (io.Closer, error) {
	l, err := c.c.RequestLine(pin,
		gpiod.AsInput,
		gpiod.WithPullUp,
		gpiod.WithRisingEdge,
		gpiod.WithEventHandler(func(gpiod.LineEvent) { handler() }))
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (c *cdevChip) Close() error {
	return c.c.Close()
}

var ErrPinBusy = errors.New("pin is already watched")

type sharedOutput struct {
	out  Output
	refs int
}

// Registry owns the lines of one chip.
type Registry struct {
	chip Chip

	mu       sync.Mutex
	outputs  map[int]*sharedOutput
	watchers map[int]io.Closer
}

func NewRegistry(chip Chip) *Registry {
	return &Registry{
		chip:     chip,
		outputs:  map[int]*sharedOutput{},
		watchers: map[int]io.Closer{},
	}
}

// Pin is a reference to a shared output line.
type Pin struct {
	r    *Registry
	pin  int
	once sync.Once
}

// Output returns the output line for pin, requesting it driven low on first
// use.
func (r *Registry) Output(pin int) (*Pin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.watchers[pin]; ok {
		return nil, fmt.Errorf("pin %d: %w", pin, ErrPinBusy)
	}
	so := r.outputs[pin]
	if so == nil {
		out, err := r.chip.RequestOutput(pin, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to request output pin %d: %w", pin, err)
		}
		so = &sharedOutput{out: out}
		r.outputs[pin] = so
	}
	so.refs++
	return &Pin{r: r, pin: pin}, nil
}

func (p *Pin) Number() int {
	return p.pin
}

func (p *Pin) Set(high bool) error {
	p.r.mu.Lock()
	so := p.r.outputs[p.pin]
	p.r.mu.Unlock()
	if so == nil {
		return fmt.Errorf("pin %d is released", p.pin)
	}
	v := 0
	if high {
		v = 1
	}
	if err := so.out.SetValue(v); err != nil {
		return fmt.Errorf("failed to set pin %d: %w", p.pin, err)
	}
	return nil
}

// Release drops the reference; the line is closed with the last one.
func (p *Pin) Release() error {
	var err error
	p.once.Do(func() {
		p.r.mu.Lock()
		defer p.r.mu.Unlock()
		so := p.r.outputs[p.pin]
		if so == nil {
			return
		}
		so.refs--
		if so.refs == 0 {
			delete(p.r.outputs, p.pin)
			err = so.out.Close()
		}
	})
	return err
}

// Watch counts rising edges on an input pin. A pin has at most one watcher.
func (r *Registry) Watch(pin int, handler func()) (io.Closer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.watchers[pin]; ok {
		return nil, fmt.Errorf("pin %d: %w", pin, ErrPinBusy)
	}
	if _, ok := r.outputs[pin]; ok {
		return nil, fmt.Errorf("pin %d: %w", pin, ErrPinBusy)
	}
	c, err := r.chip.WatchRisingEdges(pin, handler)
	if err != nil {
		return nil, fmt.Errorf("failed to watch pin %d: %w", pin, err)
	}
	r.watchers[pin] = c
	return watcher{r: r, pin: pin, c: c}, nil
}

type watcher struct {
	r   *Registry
	pin int
	c   io.Closer
}

func (w watcher) Close() error {
	w.r.mu.Lock()
	defer w.r.mu.Unlock()
	if w.r.watchers[w.pin] != w.c {
		return nil
	}
	delete(w.r.watchers, w.pin)
	return w.c.Close()
}

// Close releases every line and the chip.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for pin, so := range r.outputs {
		errs = append(errs, so.out.Close())
		delete(r.outputs, pin)
	}
	for pin, w := range r.watchers {
		errs = append(errs, w.Close())
		delete(r.watchers, pin)
	}
	errs = append(errs, r.chip.Close())
	return errors.Join(errs...)
}
