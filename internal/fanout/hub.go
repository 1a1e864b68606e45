// Package fanout routes enriched ticks to the viewer sessions subscribed to
// each instrument's room and manages viewer membership. Delivery is
// send-and-forget: there is no acknowledgment and no replay for live ticks.
package fanout

import (
	"sort"
	"sync"

	"golang-tick-streamer/internal/logger"
	"golang-tick-streamer/internal/storage"
	"golang-tick-streamer/internal/tick"
)

// Downstream event names.
const (
	EventAvailableSecurities = "available_securities"
	EventHistoricalTicks     = "historical_ticks"
	EventLiveTick            = "live_tick"
	EventBackendStatus       = "backend_status"
)

// SecuritiesPayload lists the catalog of known instrument keys, sorted.
type SecuritiesPayload struct {
	Securities []string `json:"securities"`
}

// HistoricalTicksPayload carries one instrument's full pre-start history.
type HistoricalTicksPayload struct {
	SecurityID string      `json:"securityId"`
	Ticks      []tick.Tick `json:"ticks"`
}

// LiveTickPayload carries one live tick to a room.
type LiveTickPayload struct {
	SecurityID string    `json:"securityId"`
	Tick       tick.Tick `json:"tick"`
}

// StatusPayload carries a backend lifecycle notification.
type StatusPayload struct {
	Message string `json:"message"`
}

// Session is one connected viewer. Send must not block the caller; transport
// implementations queue and drop on overflow.
type Session interface {
	ID() string
	Send(event string, data interface{})
}

type viewer struct {
	session       Session
	instrumentKey string // at most one subscription; empty until the first request
}

// Hub owns the viewer session table, the per-instrument rooms and the live
// securities catalog.
type Hub struct {
	history *storage.History
	log     *logger.Entry

	seedOnce sync.Once

	mu        sync.Mutex
	viewers   map[string]*viewer
	rooms     map[string]map[string]Session
	catalog   []string
	inCatalog map[string]struct{}
}

// NewHub creates a hub backed by the given historical cache.
func NewHub(history *storage.History, log *logger.Log) *Hub {
	return &Hub{
		history:   history,
		log:       log.WithComponent("fanout"),
		viewers:   make(map[string]*viewer),
		rooms:     make(map[string]map[string]Session),
		inCatalog: make(map[string]struct{}),
	}
}

// ensureSeeded blocks until the historical load completes, then folds the
// loaded catalog into the live one exactly once. Keys discovered from live
// ticks before the load finished are preserved.
func (h *Hub) ensureSeeded() {
	<-h.history.Done()
	h.seedOnce.Do(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, key := range h.history.Catalog() {
			if _, ok := h.inCatalog[key]; ok {
				continue
			}
			h.inCatalog[key] = struct{}{}
			h.catalog = insertSorted(h.catalog, key)
		}
	})
}

// OnViewerConnected registers a session with no subscription and delivers the
// full securities catalog to it once the historical load completes. The
// connection-accept path is never blocked on the load.
func (h *Hub) OnViewerConnected(s Session) {
	h.mu.Lock()
	h.viewers[s.ID()] = &viewer{session: s}
	total := len(h.viewers)
	h.mu.Unlock()

	h.log.WithFields(logger.Fields{"session": s.ID(), "viewers": total}).Info("viewer connected")

	go func() {
		h.ensureSeeded()
		s.Send(EventAvailableSecurities, SecuritiesPayload{Securities: h.catalogSnapshot()})
	}()
}

// OnViewerSubscribeRequest joins the session to the instrument's room (last
// subscription wins) and delivers that instrument's history to the session
// alone once the load completes. An empty key is silently ignored.
func (h *Hub) OnViewerSubscribeRequest(sessionID, instrumentKey string) {
	if instrumentKey == "" {
		return
	}

	h.mu.Lock()
	v, ok := h.viewers[sessionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if v.instrumentKey != "" {
		h.leaveRoomLocked(v.instrumentKey, sessionID)
	}
	v.instrumentKey = instrumentKey
	if h.rooms[instrumentKey] == nil {
		h.rooms[instrumentKey] = make(map[string]Session)
	}
	h.rooms[instrumentKey][sessionID] = v.session
	session := v.session
	h.mu.Unlock()

	h.log.WithFields(logger.Fields{"session": sessionID, "instrument": instrumentKey}).Info("viewer subscribed")

	go func() {
		h.ensureSeeded()
		ticks := h.history.Ticks(instrumentKey)
		if ticks == nil {
			ticks = []tick.Tick{}
		}
		session.Send(EventHistoricalTicks, HistoricalTicksPayload{SecurityID: instrumentKey, Ticks: ticks})
	}()
}

// OnViewerDisconnected revokes the session's room membership and discards the
// session record. Idempotent against duplicate disconnect signals.
func (h *Hub) OnViewerDisconnected(sessionID string) {
	h.mu.Lock()
	v, ok := h.viewers[sessionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if v.instrumentKey != "" {
		h.leaveRoomLocked(v.instrumentKey, sessionID)
	}
	delete(h.viewers, sessionID)
	total := len(h.viewers)
	h.mu.Unlock()

	h.log.WithFields(logger.Fields{"session": sessionID, "viewers": total}).Info("viewer disconnected")
}

// OnTickArrived routes one enriched batch: the tick goes to its instrument's
// room immediately; an instrument key not yet in the catalog is folded in
// only after the historical seed, then the updated catalog is broadcast to
// every session. Folding after the seed keeps every broadcast catalog a
// superset of the journal's instruments.
func (h *Hub) OnTickArrived(batch *tick.Batch) {
	for _, key := range batch.Keys() {
		feed := batch.Feeds[key]

		h.mu.Lock()
		_, known := h.inCatalog[key]
		var members []Session
		for _, s := range h.rooms[key] {
			members = append(members, s)
		}
		h.mu.Unlock()

		for _, s := range members {
			s.Send(EventLiveTick, LiveTickPayload{SecurityID: key, Tick: *feed.LTPC})
		}

		if known {
			continue
		}

		h.ensureSeeded()

		h.mu.Lock()
		var all []Session
		var catalog []string
		if _, seeded := h.inCatalog[key]; !seeded {
			h.inCatalog[key] = struct{}{}
			h.catalog = insertSorted(h.catalog, key)
			catalog = append([]string(nil), h.catalog...)
			all = h.sessionsLocked()
		}
		h.mu.Unlock()

		if catalog != nil {
			h.log.WithFields(logger.Fields{"instrument": key}).Info("discovered new security, broadcasting updated catalog")
			for _, s := range all {
				s.Send(EventAvailableSecurities, SecuritiesPayload{Securities: catalog})
			}
		}
	}
}

// BroadcastStatus sends a backend_status notification to every session.
func (h *Hub) BroadcastStatus(message string) {
	h.mu.Lock()
	all := h.sessionsLocked()
	h.mu.Unlock()

	for _, s := range all {
		s.Send(EventBackendStatus, StatusPayload{Message: message})
	}
}

// ViewerCount returns the number of connected sessions.
func (h *Hub) ViewerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.viewers)
}

func (h *Hub) catalogSnapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.catalog...)
}

func (h *Hub) sessionsLocked() []Session {
	all := make([]Session, 0, len(h.viewers))
	for _, v := range h.viewers {
		all = append(all, v.session)
	}
	return all
}

func (h *Hub) leaveRoomLocked(instrumentKey, sessionID string) {
	room := h.rooms[instrumentKey]
	if room == nil {
		return
	}
	delete(room, sessionID)
	if len(room) == 0 {
		delete(h.rooms, instrumentKey)
	}
}

func insertSorted(sorted []string, key string) []string {
	i := sort.SearchStrings(sorted, key)
	sorted = append(sorted, "")
	copy(sorted[i+1:], sorted[i:])
	sorted[i] = key
	return sorted
}
