package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dottedmag/tj"
)

const (
	sinkBufferSize = 200
	sinkPacketSize = 50
)

// Publisher delivers a payload to an MQTT topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Connected() bool
}

// MQTTSink buffers log lines and forwards them in batches to a log topic.
// Lines logged while the broker is unreachable are kept up to the buffer
// size, oldest dropped first.
type MQTTSink struct {
	topic string
	min   Level
	now   func() time.Time

	mu      sync.Mutex
	pub     Publisher
	pending []tj.O
	dropped int
}

func NewMQTTSink(topic string, min Level) *MQTTSink {
	return &MQTTSink{topic: topic, min: min, now: time.Now}
}

// Attach sets the publisher. Lines are buffered until one is attached.
func (s *MQTTSink) Attach(pub Publisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pub = pub
}

func (s *MQTTSink) add(level Level, format string, args ...any) {
	if level < s.min {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == sinkBufferSize {
		s.pending = s.pending[1:]
		s.dropped++
	}
	s.pending = append(s.pending, tj.O{
		"ts":    s.now().Unix(),
		"level": level.String(),
		"msg":   fmt.Sprintf(format, args...),
	})
}

func (s *MQTTSink) Debug(format string, args ...any)   { s.add(LevelDebug, format, args...) }
func (s *MQTTSink) Info(format string, args ...any)    { s.add(LevelInfo, format, args...) }
func (s *MQTTSink) Warning(format string, args ...any) { s.add(LevelWarning, format, args...) }
func (s *MQTTSink) Error(format string, args ...any)   { s.add(LevelError, format, args...) }

// Flush publishes buffered lines in packets. Lines of a failed packet are
// put back in front of the buffer.
func (s *MQTTSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	pub := s.pub
	if pub == nil || !pub.Connected() || len(s.pending) == 0 {
		s.mu.Unlock()
		return nil
	}
	batch := s.pending
	dropped := s.dropped
	s.pending = nil
	s.dropped = 0
	s.mu.Unlock()

	for len(batch) > 0 {
		n := min(len(batch), sinkPacketSize)
		packet := tj.O{"lines": batch[:n]}
		if dropped > 0 {
			packet["dropped"] = dropped
		}
		payload, err := json.Marshal(packet)
		if err == nil {
			err = pub.Publish(ctx, s.topic, payload)
		}
		if err != nil {
			s.requeue(batch, dropped)
			return err
		}
		dropped = 0
		batch = batch[n:]
	}
	return nil
}

func (s *MQTTSink) requeue(batch []tj.O, dropped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := append(append([]tj.O(nil), batch...), s.pending...)
	if over := len(merged) - sinkBufferSize; over > 0 {
		merged = merged[over:]
		dropped += over
	}
	s.pending = merged
	s.dropped += dropped
}

// Run flushes every interval until ctx is done.
func (s *MQTTSink) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_ = s.Flush(ctx)
		}
	}
}

var _ Logger = (*MQTTSink)(nil)
