package upstream

import (
	"sync"
	"time"

	"golang-tick-streamer/internal/logger"
	"golang-tick-streamer/internal/subscription"
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// StatusFunc receives human-readable connection lifecycle notifications for
// downstream observability (backend_status events).
type StatusFunc func(message string)

// Manager supervises exactly one upstream connection: it drives the
// DISCONNECTED -> CONNECTING -> CONNECTED state machine, replays the
// subscription registry on every open, and schedules a single fixed-delay
// reconnect on close or error. All transitions happen under one mutex; the
// mutex is never held across streamer calls or channel sends.
type Manager struct {
	streamer Streamer
	registry *subscription.Registry
	mode     string
	delay    time.Duration
	batches  chan<- []byte
	notify   StatusFunc
	log      *logger.Entry

	mu        sync.Mutex
	state     State
	lastToken string
	stopped   bool
}

// NewManager wires a manager to its streamer, registry and ingest channel.
// notify may be nil.
func NewManager(streamer Streamer, registry *subscription.Registry, mode string, reconnectDelay time.Duration, batches chan<- []byte, notify StatusFunc, log *logger.Log) *Manager {
	return &Manager{
		streamer: streamer,
		registry: registry,
		mode:     mode,
		delay:    reconnectDelay,
		batches:  batches,
		notify:   notify,
		log:      log.WithComponent("upstream"),
	}
}

// Start opens the upstream connection asynchronously. It is a guarded no-op
// when the token is empty or a connection attempt is already in flight; the
// guard is what keeps overlapping close+error signals from producing two
// parallel reconnects.
func (m *Manager) Start(accessToken string) {
	if accessToken == "" {
		m.log.Warn("access token not available, not connecting")
		m.status("Access token not available.")
		return
	}

	m.mu.Lock()
	if m.stopped || m.state != StateDisconnected {
		state := m.state
		m.mu.Unlock()
		m.log.WithFields(logger.Fields{"state": state.String()}).Debug("start ignored, connection already in progress")
		m.status("Streamer is already " + state.String() + ".")
		return
	}
	m.state = StateConnecting
	m.lastToken = accessToken
	m.mu.Unlock()

	go m.connect(accessToken)
}

func (m *Manager) connect(accessToken string) {
	m.log.Info("connecting to market data feed")

	err := m.streamer.Connect(accessToken, Callbacks{
		OnOpen:    m.handleOpen,
		OnMessage: m.handleMessage,
		OnClose:   m.handleClose,
		OnError:   m.handleError,
	})
	if err != nil {
		m.log.WithError(err).Error("failed to connect to market data feed")
		m.transitionDown("Error connecting to market data feed.")
	}
}

func (m *Manager) handleOpen() {
	m.mu.Lock()
	m.state = StateConnected
	m.mu.Unlock()

	m.log.Info("connected to market data feed")
	m.status("Connected to market data feed.")

	// The upstream forgets subscriptions across reconnects: replay the whole
	// working set as a single subscribe call.
	keys := m.registry.Snapshot()
	if len(keys) == 0 {
		return
	}
	if err := m.streamer.Subscribe(keys, m.mode); err != nil {
		m.log.WithError(err).WithFields(logger.Fields{"keys": len(keys)}).Error("subscription replay failed, will retry on next reconnect")
		return
	}
	m.log.WithFields(logger.Fields{"keys": len(keys)}).Info("replayed subscriptions")
}

// handleMessage hands the raw batch to the ingest worker. The buffered
// channel keeps persistence and fan-out off the receive loop while a single
// consumer preserves arrival order.
func (m *Manager) handleMessage(raw []byte) {
	m.batches <- raw
}

func (m *Manager) handleClose(code int, reason string) {
	m.log.WithFields(logger.Fields{"code": code, "reason": reason}).Warn("market data feed connection closed")
	m.transitionDown("Disconnected from market data feed.")
}

func (m *Manager) handleError(err error) {
	m.log.WithError(err).Error("market data feed error")
	m.transitionDown("Market data feed error.")
}

// transitionDown moves to DISCONNECTED and schedules one reconnect attempt
// with the last known token. A second close/error arriving while already
// DISCONNECTED is collapsed here; Start's guard covers the remaining races.
func (m *Manager) transitionDown(message string) {
	m.mu.Lock()
	if m.stopped || m.state == StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.state = StateDisconnected
	token := m.lastToken
	m.mu.Unlock()

	m.status(message)
	m.log.WithFields(logger.Fields{"delay": m.delay.String()}).Info("scheduling reconnect")
	time.AfterFunc(m.delay, func() {
		m.Start(token)
	})
}

// Subscribe records the new keys in the registry and, when connected, sends
// only the delta upstream. Keys recorded while disconnected are replayed on
// the next open; so are keys whose subscribe call failed.
func (m *Manager) Subscribe(instrumentKeys []string) {
	delta := m.registry.AddAndDiff(instrumentKeys)
	if len(delta) == 0 {
		return
	}

	m.mu.Lock()
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected {
		m.log.WithFields(logger.Fields{"keys": len(delta)}).Info("not connected, new keys queued for replay on connect")
		return
	}

	if err := m.streamer.Subscribe(delta, m.mode); err != nil {
		m.log.WithError(err).WithFields(logger.Fields{"keys": len(delta)}).Error("subscribe failed, keys remain queued for replay")
		return
	}
	m.log.WithFields(logger.Fields{"keys": len(delta)}).Info("subscribed to new instruments")
}

// IsConnected reports whether the manager currently holds an open connection.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stop disables reconnects and closes the connection. Used only at process
// shutdown.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.state = StateDisconnected
	m.mu.Unlock()

	if err := m.streamer.Disconnect(); err != nil {
		m.log.WithError(err).Warn("error closing feed connection")
	}
}

func (m *Manager) status(message string) {
	if m.notify != nil {
		m.notify(message)
	}
}
