package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/quantrelay/tradecore/errs"
	"github.com/quantrelay/tradecore/internal/adapter"
	"github.com/quantrelay/tradecore/internal/bus/eventbus"
	"github.com/quantrelay/tradecore/internal/schema"
)

// recordingBus captures published events without dispatching them.
type recordingBus struct {
	mu     sync.Mutex
	events []*schema.Event
}

func (b *recordingBus) Publish(evt *schema.Event) {
	b.mu.Lock()
	b.events = append(b.events, evt)
	b.mu.Unlock()
}

func (b *recordingBus) Subscribe(schema.EventType, eventbus.Handler) {}
func (b *recordingBus) Unsubscribe(schema.EventType, string)        {}
func (b *recordingBus) SubscribeAll(eventbus.Handler)               {}
func (b *recordingBus) UnsubscribeAll(string)                       {}

func (b *recordingBus) states() []schema.ConnectionState {
	b.mu.Lock()
	defer b.mu.Unlock()
	var states []schema.ConnectionState
	for _, evt := range b.events {
		if payload, ok := evt.Payload.(schema.ConnectionStatusPayload); ok {
			states = append(states, payload.State)
		}
	}
	return states
}

// stubAdapter scripts connect and ping outcomes for state machine tests.
type stubAdapter struct {
	name string

	mu              sync.Mutex
	connectErrs     []error
	connects        int
	connectGate     chan struct{}
	pingErr         error
	subscribed      map[string]int
	accountQueries  int
	positionQueries int
	resync          bool
}

func newStubAdapter(name string) *stubAdapter {
	return &stubAdapter{name: name, subscribed: make(map[string]int)}
}

func (a *stubAdapter) Name() string         { return a.name }
func (a *stubAdapter) SupportsResync() bool { return a.resync }

func (a *stubAdapter) Connect(_ context.Context, _ adapter.Settings) error {
	a.mu.Lock()
	a.connects++
	var err error
	if len(a.connectErrs) > 0 {
		err = a.connectErrs[0]
		a.connectErrs = a.connectErrs[1:]
	}
	gate := a.connectGate
	a.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.pingErr = nil
	a.mu.Unlock()
	return nil
}

func (a *stubAdapter) Disconnect(context.Context) error { return nil }

func (a *stubAdapter) Ping(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pingErr
}

func (a *stubAdapter) setPingErr(err error) {
	a.mu.Lock()
	a.pingErr = err
	a.mu.Unlock()
}

// setConnectGate makes subsequent Connect calls block until the gate closes.
func (a *stubAdapter) setConnectGate(gate chan struct{}) {
	a.mu.Lock()
	a.connectGate = gate
	a.mu.Unlock()
}

func (a *stubAdapter) queueConnectErrs(errors ...error) {
	a.mu.Lock()
	a.connectErrs = append(a.connectErrs, errors...)
	a.mu.Unlock()
}

func (a *stubAdapter) connectCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connects
}

func (a *stubAdapter) subscribeCount(symbol string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.subscribed[symbol]
}

func (a *stubAdapter) Subscribe(_ context.Context, req schema.SubscribeRequest) error {
	a.mu.Lock()
	a.subscribed[req.Symbol]++
	a.mu.Unlock()
	return nil
}

func (a *stubAdapter) Unsubscribe(_ context.Context, req schema.SubscribeRequest) error {
	return nil
}

func (a *stubAdapter) SendOrder(context.Context, schema.OrderRequest) (schema.OrderAck, error) {
	return schema.OrderAck{}, nil
}

func (a *stubAdapter) CancelOrder(context.Context, schema.CancelRequest) error { return nil }

func (a *stubAdapter) QueryAccount(context.Context) error {
	a.mu.Lock()
	a.accountQueries++
	a.mu.Unlock()
	return nil
}

func (a *stubAdapter) QueryPositions(context.Context) error {
	a.mu.Lock()
	a.positionQueries++
	a.mu.Unlock()
	return nil
}

// recordingResetter tracks venue resets requested by recovery.
type recordingResetter struct {
	mu     sync.Mutex
	venues []string
}

func (r *recordingResetter) ResetVenue(venue string) {
	r.mu.Lock()
	r.venues = append(r.venues, venue)
	r.mu.Unlock()
}

func (r *recordingResetter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.venues)
}

// recordingSleeper returns immediately while remembering each requested delay.
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return nil
}

func (s *recordingSleeper) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.delays))
	copy(out, s.delays)
	return out
}

func testSettings() adapter.Settings {
	return adapter.Settings{
		ConnectTimeout:      time.Second,
		HeartbeatInterval:   10 * time.Millisecond,
		MaxMissedHeartbeats: 2,
		ReconnectBaseDelay:  100 * time.Millisecond,
		ReconnectMaxDelay:   time.Second,
	}
}

func waitForConnects(t *testing.T, adp *stubAdapter, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if adp.connectCount() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("connect attempts: %d, want at least %d", adp.connectCount(), want)
}

func waitForState(t *testing.T, conn *Connection, want schema.ConnectionState) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if conn.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state is %s, want %s", conn.State(), want)
}

func TestConnectionConnectReplaysRecordedSubscriptions(t *testing.T) {
	bus := new(recordingBus)
	adp := newStubAdapter("STUB")
	sleeper := new(recordingSleeper)
	conn := newConnection("STUB", adp, testSettings(), bus, nil, sleeper.sleep)
	defer conn.Close()

	// Recorded while disconnected, established by the connect.
	if err := conn.Subscribe(context.Background(), schema.SubscribeRequest{Symbol: "BTC-USDT", Venue: "STUB"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if got := adp.subscribeCount("BTC-USDT"); got != 0 {
		t.Fatalf("subscription forwarded before connect: %d", got)
	}

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if conn.State() != schema.StateConnected {
		t.Fatalf("state after connect: %s", conn.State())
	}
	if got := adp.subscribeCount("BTC-USDT"); got != 1 {
		t.Fatalf("subscription replay count: %d", got)
	}
}

func TestConnectionConnectRejectedFromNonDisconnectedStates(t *testing.T) {
	bus := new(recordingBus)
	adp := newStubAdapter("STUB")
	conn := newConnection("STUB", adp, testSettings(), bus, nil, nil)

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := conn.Connect(context.Background()); !errs.IsCode(err, errs.CodeInvalid) {
		t.Fatalf("second connect: %v", err)
	}

	conn.Close()
	if err := conn.Connect(context.Background()); !errs.IsCode(err, errs.CodeInvalid) {
		t.Fatalf("connect after close: %v", err)
	}
}

func TestConnectionRecoversAfterMissedHeartbeats(t *testing.T) {
	bus := new(recordingBus)
	adp := newStubAdapter("STUB")
	resetter := new(recordingResetter)
	sleeper := new(recordingSleeper)
	conn := newConnection("STUB", adp, testSettings(), bus, resetter, sleeper.sleep)
	defer conn.Close()

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := conn.Subscribe(context.Background(), schema.SubscribeRequest{Symbol: "BTC-USDT", Venue: "STUB"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// One transient failure during recovery so two backoff delays land.
	adp.queueConnectErrs(errs.New("STUB", errs.CodeTransientNetwork, errs.WithMessage("still down")))
	adp.setPingErr(errs.New("STUB", errs.CodeTransientNetwork, errs.WithMessage("silence")))

	// Initial connect plus a failed and a successful recovery attempt.
	waitForConnects(t, adp, 3)
	waitForState(t, conn, schema.StateConnected)

	delays := sleeper.recorded()
	if len(delays) < 2 {
		t.Fatalf("recorded delays: %v", delays)
	}
	if delays[0] != 100*time.Millisecond {
		t.Errorf("first delay: %v", delays[0])
	}
	if delays[1] < delays[0] {
		t.Errorf("backoff shrank: %v then %v", delays[0], delays[1])
	}

	// Degraded and Reconnecting were announced on the way back.
	states := bus.states()
	sawDegraded, sawReconnecting := false, false
	for _, state := range states {
		if state == schema.StateDegraded {
			sawDegraded = true
		}
		if state == schema.StateReconnecting {
			sawReconnecting = true
		}
	}
	if !sawDegraded || !sawReconnecting {
		t.Errorf("transitions seen: %v", states)
	}

	// Venue cannot resync, so the store was reset and snapshots re-pulled.
	if resetter.count() == 0 {
		t.Error("venue state was not reset after reconnect")
	}
	adp.mu.Lock()
	accountQueries, positionQueries := adp.accountQueries, adp.positionQueries
	adp.mu.Unlock()
	if accountQueries == 0 || positionQueries == 0 {
		t.Errorf("snapshot refresh after reconnect: accounts=%d positions=%d", accountQueries, positionQueries)
	}

	// Subscription replayed: once at connect, once per successful reconnect.
	if got := adp.subscribeCount("BTC-USDT"); got < 2 {
		t.Errorf("subscription replay count: %d", got)
	}
}

func TestConnectionResyncVenueSkipsReset(t *testing.T) {
	bus := new(recordingBus)
	adp := newStubAdapter("STUB")
	adp.resync = true
	resetter := new(recordingResetter)
	sleeper := new(recordingSleeper)
	conn := newConnection("STUB", adp, testSettings(), bus, resetter, sleeper.sleep)
	defer conn.Close()

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	adp.setPingErr(errs.New("STUB", errs.CodeTransientNetwork, errs.WithMessage("silence")))
	waitForConnects(t, adp, 2)
	waitForState(t, conn, schema.StateConnected)

	if resetter.count() != 0 {
		t.Errorf("resync-capable venue was reset %d times", resetter.count())
	}
}

func TestConnectionAuthFailureDuringRecoveryEscalates(t *testing.T) {
	bus := new(recordingBus)
	adp := newStubAdapter("STUB")
	sleeper := new(recordingSleeper)
	conn := newConnection("STUB", adp, testSettings(), bus, nil, sleeper.sleep)

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	adp.queueConnectErrs(errs.New("STUB", errs.CodeAuth, errs.WithMessage("credentials revoked")))
	adp.setPingErr(errs.New("STUB", errs.CodeTransientNetwork, errs.WithMessage("silence")))

	waitForState(t, conn, schema.StateClosed)

	// Exactly one recovery connect attempt: auth errors are never retried.
	if got := adp.connectCount(); got != 2 {
		t.Errorf("connect attempts: %d", got)
	}

	bus.mu.Lock()
	defer bus.mu.Unlock()
	sawError := false
	for _, evt := range bus.events {
		payload, ok := evt.Payload.(schema.ErrorPayload)
		if !ok {
			continue
		}
		sawError = true
		if payload.Code != string(errs.CodeAuth) {
			t.Errorf("escalation error code: %s", payload.Code)
		}
	}
	if !sawError {
		t.Error("escalation did not publish an error event")
	}
}

func TestConnectionExhaustedAttemptsEscalate(t *testing.T) {
	bus := new(recordingBus)
	adp := newStubAdapter("STUB")
	sleeper := new(recordingSleeper)
	settings := testSettings()
	settings.MaxReconnectAttempts = 2
	conn := newConnection("STUB", adp, settings, bus, nil, sleeper.sleep)

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	adp.queueConnectErrs(
		errs.New("STUB", errs.CodeTransientNetwork, errs.WithMessage("down")),
		errs.New("STUB", errs.CodeTransientNetwork, errs.WithMessage("down")),
		errs.New("STUB", errs.CodeTransientNetwork, errs.WithMessage("down")),
	)
	adp.setPingErr(errs.New("STUB", errs.CodeTransientNetwork, errs.WithMessage("silence")))

	waitForState(t, conn, schema.StateClosed)

	// Initial connect plus the configured attempt budget.
	if got := adp.connectCount(); got != 3 {
		t.Errorf("connect attempts: %d", got)
	}
}

func TestConnectionClosePromptlyCancelsRecovery(t *testing.T) {
	bus := new(recordingBus)
	adp := newStubAdapter("STUB")
	settings := testSettings()
	settings.ReconnectBaseDelay = time.Hour
	settings.ReconnectMaxDelay = time.Hour
	conn := newConnection("STUB", adp, settings, bus, nil, nil)

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	adp.setPingErr(errs.New("STUB", errs.CodeTransientNetwork, errs.WithMessage("silence")))
	waitForState(t, conn, schema.StateReconnecting)

	done := make(chan struct{})
	go func() {
		conn.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("close blocked on the pending reconnect delay")
	}
	if conn.State() != schema.StateClosed {
		t.Fatalf("state after close: %s", conn.State())
	}
}

func TestConnectionCloseDuringReconnectStaysClosed(t *testing.T) {
	bus := new(recordingBus)
	adp := newStubAdapter("STUB")
	sleeper := new(recordingSleeper)
	conn := newConnection("STUB", adp, testSettings(), bus, nil, sleeper.sleep)

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// The reconnect attempt parks inside the adapter while Close runs, then
	// returns success.
	gate := make(chan struct{})
	adp.setConnectGate(gate)
	adp.setPingErr(errs.New("STUB", errs.CodeTransientNetwork, errs.WithMessage("silence")))
	waitForConnects(t, adp, 2)

	done := make(chan struct{})
	go func() {
		conn.Close()
		close(done)
	}()
	waitForState(t, conn, schema.StateClosed)
	close(gate)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("close did not finish after the reconnect attempt returned")
	}

	if got := conn.State(); got != schema.StateClosed {
		t.Fatalf("state after close: %s", got)
	}
	closedSeen := false
	for _, state := range bus.states() {
		if state == schema.StateClosed {
			closedSeen = true
			continue
		}
		if closedSeen && state == schema.StateConnected {
			t.Fatal("connected announced after closed")
		}
	}
	if !closedSeen {
		t.Fatal("closed transition not announced")
	}
}

func TestConnectionBackoffBoundedByMaxDelay(t *testing.T) {
	bus := new(recordingBus)
	adp := newStubAdapter("STUB")
	sleeper := new(recordingSleeper)
	settings := testSettings()
	settings.ReconnectBaseDelay = 100 * time.Millisecond
	settings.ReconnectMaxDelay = 250 * time.Millisecond
	conn := newConnection("STUB", adp, settings, bus, nil, sleeper.sleep)
	defer conn.Close()

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	outage := errs.New("STUB", errs.CodeTransientNetwork, errs.WithMessage("down"))
	adp.queueConnectErrs(outage, outage, outage, outage)
	adp.setPingErr(errs.New("STUB", errs.CodeTransientNetwork, errs.WithMessage("silence")))

	// Initial connect plus four failed and one successful recovery attempt.
	waitForConnects(t, adp, 6)
	waitForState(t, conn, schema.StateConnected)

	delays := sleeper.recorded()
	if len(delays) < 5 {
		t.Fatalf("recorded delays: %v", delays)
	}
	for i, delay := range delays {
		if delay > settings.ReconnectMaxDelay {
			t.Errorf("delay %d exceeds cap: %v", i, delay)
		}
		if i > 0 && delay < delays[i-1] {
			t.Errorf("backoff shrank at %d: %v then %v", i, delays[i-1], delay)
		}
	}
	if delays[3] != settings.ReconnectMaxDelay || delays[4] != settings.ReconnectMaxDelay {
		t.Errorf("delays did not saturate at the cap: %v", delays)
	}
}

func TestConnectionBackoffResetsAfterHealthyPeriod(t *testing.T) {
	bus := new(recordingBus)
	adp := newStubAdapter("STUB")
	sleeper := new(recordingSleeper)
	settings := testSettings()
	settings.MaxReconnectAttempts = 2
	conn := newConnection("STUB", adp, settings, bus, nil, sleeper.sleep)
	defer conn.Close()

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// First outage consumes the full attempt budget: one failure, one success.
	adp.queueConnectErrs(errs.New("STUB", errs.CodeTransientNetwork, errs.WithMessage("down")))
	adp.setPingErr(errs.New("STUB", errs.CodeTransientNetwork, errs.WithMessage("silence")))
	waitForConnects(t, adp, 3)
	waitForState(t, conn, schema.StateConnected)

	// A healthy heartbeat lands and resets the attempt counter and policy.
	time.Sleep(15 * settings.HeartbeatInterval)

	adp.setPingErr(errs.New("STUB", errs.CodeTransientNetwork, errs.WithMessage("silence")))
	waitForConnects(t, adp, 4)
	waitForState(t, conn, schema.StateConnected)

	delays := sleeper.recorded()
	if len(delays) < 3 {
		t.Fatalf("recorded delays: %v", delays)
	}
	// Without the reset the second outage would exhaust the attempt budget
	// and close the venue; with it, the delay sequence restarts at the base.
	if delays[2] != settings.ReconnectBaseDelay {
		t.Errorf("post-recovery delay did not restart at the base: %v", delays)
	}
	if got := conn.State(); got != schema.StateConnected {
		t.Fatalf("state after second recovery: %s", got)
	}
}

func TestSupervisorRegistry(t *testing.T) {
	bus := new(recordingBus)
	sup := New(bus, nil)

	if _, err := sup.Register("ALPHA", newStubAdapter("ALPHA"), testSettings()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := sup.Register("ALPHA", newStubAdapter("ALPHA"), testSettings()); !errs.IsCode(err, errs.CodeInvalid) {
		t.Fatalf("duplicate register: %v", err)
	}
	if _, err := sup.Register("", nil, testSettings()); !errs.IsCode(err, errs.CodeInvalid) {
		t.Fatalf("empty register: %v", err)
	}

	if err := sup.Connect(context.Background(), "MISSING"); !errs.IsCode(err, errs.CodeNotFound) {
		t.Fatalf("connect unknown venue: %v", err)
	}
	if err := sup.Subscribe(context.Background(), "MISSING", schema.SubscribeRequest{}); !errs.IsCode(err, errs.CodeNotFound) {
		t.Fatalf("subscribe unknown venue: %v", err)
	}
	if _, ok := sup.State("MISSING"); ok {
		t.Fatal("state reported for unknown venue")
	}

	if _, err := sup.Register("BETA", newStubAdapter("BETA"), testSettings()); err != nil {
		t.Fatalf("register: %v", err)
	}
	venues := sup.Venues()
	if len(venues) != 2 || venues[0] != "ALPHA" || venues[1] != "BETA" {
		t.Fatalf("venues: %v", venues)
	}

	sup.CloseAll()
	if state, _ := sup.State("ALPHA"); state != schema.StateClosed {
		t.Fatalf("state after close all: %s", state)
	}
}
