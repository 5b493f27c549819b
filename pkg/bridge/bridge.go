package bridge

import (
	"sync"

	"github.com/samsamfire/canspi"
	"github.com/samsamfire/canspi/internal/metrics"
	log "github.com/sirupsen/logrus"
)

// Direction labels, also used as metric label values
const (
	AToB = "a_to_b"
	BToA = "b_to_a"
)

// Filter decides whether a frame travelling in direction is forwarded
type Filter func(direction string, frame canspi.Frame) bool

// Bridge forwards every frame received on one bus to the other.
// Both buses are expected to be connected by the caller.
type Bridge struct {
	a, b    canspi.Bus
	mu      sync.RWMutex
	filter  Filter
	running bool
	logger  *log.Entry
}

func NewBridge(a, b canspi.Bus) *Bridge {
	return &Bridge{a: a, b: b, logger: log.WithField("component", "bridge")}
}

// SetFilter installs a forwarding filter, nil forwards everything
func (br *Bridge) SetFilter(filter Filter) {
	br.mu.Lock()
	defer br.mu.Unlock()
	br.filter = filter
}

// Start subscribes to both buses, replacing any previous subscriber
func (br *Bridge) Start() error {
	br.mu.Lock()
	br.running = true
	br.mu.Unlock()
	if err := br.a.Subscribe(br.forwarder(AToB, br.b)); err != nil {
		return err
	}
	return br.b.Subscribe(br.forwarder(BToA, br.a))
}

// Stop drops frames received from now on, subscriptions stay in place
func (br *Bridge) Stop() {
	br.mu.Lock()
	defer br.mu.Unlock()
	br.running = false
}

func (br *Bridge) forwarder(direction string, to canspi.Bus) canspi.FrameListener {
	return canspi.FrameListenerFunc(func(frame canspi.Frame) {
		br.mu.RLock()
		running, filter := br.running, br.filter
		br.mu.RUnlock()
		if !running || (filter != nil && !filter(direction, frame)) {
			return
		}
		if err := to.Send(frame); err != nil {
			metrics.IncError(metrics.ErrBridge)
			br.logger.WithError(err).WithFields(log.Fields{
				"direction": direction,
				"frame":     frame,
			}).Warn("failed to forward frame")
			return
		}
		metrics.IncBridged(direction)
	})
}
