package upstream

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"golang-tick-streamer/internal/logger"
	"golang-tick-streamer/internal/subscription"
)

type fakeStreamer struct {
	mu         sync.Mutex
	cb         Callbacks
	connects   int
	connectErr error
	subscribes [][]string
	modes      []string
}

func (f *fakeStreamer) Connect(accessToken string, cb Callbacks) error {
	f.mu.Lock()
	f.connects++
	f.cb = cb
	err := f.connectErr
	f.mu.Unlock()
	return err
}

func (f *fakeStreamer) Subscribe(keys []string, mode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	f.subscribes = append(f.subscribes, sorted)
	f.modes = append(f.modes, mode)
	return nil
}

func (f *fakeStreamer) Disconnect() error { return nil }

func (f *fakeStreamer) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeStreamer) subscribeCalls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	calls := make([][]string, len(f.subscribes))
	copy(calls, f.subscribes)
	return calls
}

func (f *fakeStreamer) open() {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	cb.OnOpen()
}

func (f *fakeStreamer) dropConnection(code int, reason string) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	cb.OnClose(code, reason)
}

type statusRecorder struct {
	mu       sync.Mutex
	messages []string
}

func (s *statusRecorder) record(message string) {
	s.mu.Lock()
	s.messages = append(s.messages, message)
	s.mu.Unlock()
}

func (s *statusRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestManager(t *testing.T) (*Manager, *fakeStreamer, *statusRecorder, chan []byte) {
	t.Helper()
	log := logger.New()
	log.SetOutput(io.Discard)

	fake := &fakeStreamer{}
	status := &statusRecorder{}
	batches := make(chan []byte, 16)
	registry := subscription.NewRegistry()
	m := NewManager(fake, registry, "ltpc", 10*time.Millisecond, batches, status.record, log)
	return m, fake, status, batches
}

func TestStartWithEmptyTokenIsReportedNoOp(t *testing.T) {
	m, fake, status, _ := newTestManager(t)

	m.Start("")

	time.Sleep(20 * time.Millisecond)
	if fake.connectCount() != 0 {
		t.Errorf("expected no connection attempt, got %d", fake.connectCount())
	}
	if status.count() == 0 {
		t.Error("expected a status notification")
	}
	if m.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", m.State())
	}
}

func TestOverlappingStartsProduceOneConnection(t *testing.T) {
	m, fake, _, _ := newTestManager(t)

	for i := 0; i < 5; i++ {
		go m.Start("token")
	}

	waitFor(t, "connect attempt", func() bool { return fake.connectCount() >= 1 })
	time.Sleep(50 * time.Millisecond)
	if got := fake.connectCount(); got != 1 {
		t.Errorf("connect attempts = %d, want 1", got)
	}
}

func TestOpenReplaysRegistryAndReconnectReplaysAgain(t *testing.T) {
	m, fake, _, _ := newTestManager(t)

	// Recorded while disconnected: queued, not sent.
	m.Subscribe([]string{"NSE_EQ|A", "NSE_EQ|B"})
	if len(fake.subscribeCalls()) != 0 {
		t.Fatal("subscribe must not reach the streamer while disconnected")
	}

	m.Start("token")
	waitFor(t, "connect attempt", func() bool { return fake.connectCount() == 1 })
	fake.open()

	waitFor(t, "replay", func() bool { return len(fake.subscribeCalls()) == 1 })
	if got := fake.subscribeCalls()[0]; fmt.Sprint(got) != "[NSE_EQ|A NSE_EQ|B]" {
		t.Errorf("replay = %v, want [NSE_EQ|A NSE_EQ|B]", got)
	}
	if !m.IsConnected() {
		t.Error("expected connected state after open")
	}

	// Drop; the manager schedules exactly one reconnect and replays again.
	fake.dropConnection(1006, "gone")
	waitFor(t, "reconnect", func() bool { return fake.connectCount() == 2 })
	fake.open()

	waitFor(t, "second replay", func() bool { return len(fake.subscribeCalls()) == 2 })
	if got := fake.subscribeCalls()[1]; fmt.Sprint(got) != "[NSE_EQ|A NSE_EQ|B]" {
		t.Errorf("reconnect replay = %v", got)
	}
}

func TestSubscribeWhileConnectedSendsOnlyDelta(t *testing.T) {
	m, fake, _, _ := newTestManager(t)

	m.Start("token")
	waitFor(t, "connect attempt", func() bool { return fake.connectCount() == 1 })
	fake.open()

	m.Subscribe([]string{"NSE_EQ|A", "NSE_EQ|B"})
	waitFor(t, "first subscribe", func() bool { return len(fake.subscribeCalls()) == 1 })

	m.Subscribe([]string{"NSE_EQ|B", "NSE_EQ|C"})
	waitFor(t, "second subscribe", func() bool { return len(fake.subscribeCalls()) == 2 })

	if got := fake.subscribeCalls()[1]; fmt.Sprint(got) != "[NSE_EQ|C]" {
		t.Errorf("delta = %v, want [NSE_EQ|C]", got)
	}

	// Already-known keys produce no upstream call at all.
	m.Subscribe([]string{"NSE_EQ|A", "NSE_EQ|C"})
	time.Sleep(20 * time.Millisecond)
	if got := len(fake.subscribeCalls()); got != 2 {
		t.Errorf("subscribe calls = %d, want 2", got)
	}
}

func TestOverlappingCloseAndErrorScheduleOneReconnect(t *testing.T) {
	m, fake, _, _ := newTestManager(t)

	m.Start("token")
	waitFor(t, "connect attempt", func() bool { return fake.connectCount() == 1 })
	fake.open()

	// Close and error land back to back for the same drop.
	fake.dropConnection(1006, "gone")
	fake.mu.Lock()
	cb := fake.cb
	fake.mu.Unlock()
	cb.OnError(fmt.Errorf("read: connection reset"))

	waitFor(t, "reconnect", func() bool { return fake.connectCount() == 2 })
	time.Sleep(50 * time.Millisecond)
	if got := fake.connectCount(); got != 2 {
		t.Errorf("connect attempts = %d, want exactly 2", got)
	}
}

func TestMessagesAreHandedToIngestChannelInOrder(t *testing.T) {
	m, fake, _, batches := newTestManager(t)

	m.Start("token")
	waitFor(t, "connect attempt", func() bool { return fake.connectCount() == 1 })
	fake.open()

	fake.mu.Lock()
	cb := fake.cb
	fake.mu.Unlock()

	for i := 0; i < 3; i++ {
		cb.OnMessage([]byte{byte('0' + i)})
	}

	for i := 0; i < 3; i++ {
		select {
		case raw := <-batches:
			if raw[0] != byte('0'+i) {
				t.Fatalf("batch %d out of order: %s", i, raw)
			}
		case <-time.After(time.Second):
			t.Fatal("batch not delivered")
		}
	}
}

func TestStopPreventsReconnect(t *testing.T) {
	m, fake, _, _ := newTestManager(t)

	m.Start("token")
	waitFor(t, "connect attempt", func() bool { return fake.connectCount() == 1 })
	fake.open()

	m.Stop()
	fake.dropConnection(1000, "shutdown")

	time.Sleep(50 * time.Millisecond)
	if got := fake.connectCount(); got != 1 {
		t.Errorf("connect attempts after stop = %d, want 1", got)
	}
}
