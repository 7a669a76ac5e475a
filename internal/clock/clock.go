// Package clock provides wall-clock sources for the scheduler. A source
// reports whether its time can be trusted; nothing is scheduled until it can.
package clock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/beevik/ntp"

	"github.com/dottedmag/farm/internal/logger"
)

type Source interface {
	Now() time.Time
	Online() bool
}

// System trusts the host clock, for hosts already synchronised by the OS.
type System struct{}

func (System) Now() time.Time { return time.Now() }
func (System) Online() bool    { return true }

// NTP corrects the host clock by the offset measured against an NTP server.
// It is offline until the first successful query.
type NTP struct {
	server string
	period time.Duration
	log    logger.Logger
	query  func(server string) (time.Duration, error)

	mu       sync.Mutex
	offset   time.Duration
	online   bool
	lastSync time.Time
}

func NewNTP(server string, period time.Duration, log logger.Logger) *NTP {
	return &NTP{
		server: server,
		period: period,
		log:    log,
		query:  queryNTP,
	}
}

func queryNTP(server string) (time.Duration, error) {
	resp, err := ntp.Query(server)
	if err != nil {
		return 0, err
	}
	if err := resp.Validate(); err != nil {
		return 0, err
	}
	return resp.ClockOffset, nil
}

var ntpSyncFailures = metrics.NewCounter("farm_ntp_sync_failures_total")

// Sync queries the server once. A failed query keeps the previous offset and
// online state.
func (n *NTP) Sync() error {
	if n.server == "" {
		return errors.New("no NTP server configured")
	}
	offset, err := n.query(n.server)
	if err != nil {
		ntpSyncFailures.Inc()
		return fmt.Errorf("failed to query NTP server %s: %w", n.server, err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.online {
		n.log.Info("Clock synchronised with %s, offset %v", n.server, offset)
	}
	n.offset = offset
	n.online = true
	n.lastSync = time.Now()
	return nil
}

func (n *NTP) Now() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	return time.Now().Add(n.offset)
}

func (n *NTP) Online() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.online
}

// LastSync returns the host time of the last successful query.
func (n *NTP) LastSync() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastSync
}

// Run resyncs every period until ctx is done. While offline it retries every
// few seconds.
func (n *NTP) Run(ctx context.Context) {
	for {
		wait := n.period
		if err := n.Sync(); err != nil {
			n.log.Warning("%v", err)
			if !n.Online() {
				wait = min(wait, 5*time.Second)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// Manual is a settable clock for tests and simulations.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	online bool
}

func NewManual(now time.Time) *Manual {
	return &Manual{now: now, online: true}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

func (m *Manual) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online = online
}

var (
	_ Source = System{}
	_ Source = (*NTP)(nil)
	_ Source = (*Manual)(nil)
)
