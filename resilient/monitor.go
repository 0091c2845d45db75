package resilient

import (
	"context"
	"time"

	"github.com/dmitrijs2005/profilekeeper/logging"
	"github.com/dmitrijs2005/profilekeeper/remote"
)

// pingTimeout bounds a single reachability probe.
const pingTimeout = 3 * time.Second

// Monitor probes the store on a fixed interval and flips the sender's
// online state. The offline→online transition fires onReconnect, which the
// orchestrator uses to trigger queue replay.
type Monitor struct {
	remote      remote.Client
	sender      *Sender
	interval    time.Duration
	onReconnect func(ctx context.Context)
	log         logging.Logger
}

func NewMonitor(rc remote.Client, sender *Sender, interval time.Duration, onReconnect func(ctx context.Context), log logging.Logger) *Monitor {
	return &Monitor{
		remote:      rc,
		sender:      sender,
		interval:    interval,
		onReconnect: onReconnect,
		log:         log,
	}
}

// Run blocks, probing until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Check(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Check performs one reachability probe and updates the sender.
func (m *Monitor) Check(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	err := m.remote.Ping(pingCtx)
	cancel()

	if err != nil {
		m.sender.SetOnline(false)
		return
	}

	wasOnline := m.sender.Online()
	m.sender.SetOnline(true)
	if !wasOnline && m.onReconnect != nil {
		m.log.Info(ctx, "connectivity restored, replaying offline queue")
		m.onReconnect(ctx)
	}
}
