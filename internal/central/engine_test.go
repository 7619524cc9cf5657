package central

import (
	"errors"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/srg/gattq/internal/transport"
	"github.com/srg/gattq/internal/transport/transporttest"
)

const (
	peerA = "aa:bb:cc:dd:ee:01"
	peerB = "aa:bb:cc:dd:ee:02"
)

// recorder captures listener events in arrival order for assertions.
type recorder struct {
	mu         sync.Mutex
	ups        []string
	downs      []downEvent
	fails      []failEvent
	discovered []string
	results    []resultEvent
	notifs     []notifEvent
	mtus       []mtuEvent
}

type downEvent struct {
	addr string
	err  error
}

type failEvent struct {
	addr string
	err  error
}

type resultEvent struct {
	addr string
	res  OperationResult
}

type notifEvent struct {
	addr    string
	char    string
	payload []byte
}

type mtuEvent struct {
	addr string
	mtu  int
}

func (r *recorder) ConnectionUp(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ups = append(r.ups, addr)
}

func (r *recorder) ConnectionDown(addr string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.downs = append(r.downs, downEvent{addr: addr, err: err})
}

func (r *recorder) ConnectionFailed(addr string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fails = append(r.fails, failEvent{addr: addr, err: err})
}

func (r *recorder) AttributesDiscovered(addr string, _ *transport.Tree) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discovered = append(r.discovered, addr)
}

func (r *recorder) OperationCompleted(addr string, res OperationResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, resultEvent{addr: addr, res: res})
}

func (r *recorder) NotificationReceived(addr, charUUID string, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifs = append(r.notifs, notifEvent{addr: addr, char: charUUID, payload: payload})
}

func (r *recorder) TransmissionUnitChanged(addr string, mtu int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mtus = append(r.mtus, mtuEvent{addr: addr, mtu: mtu})
}

func (r *recorder) Ups() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ups...)
}

func (r *recorder) Downs() []downEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]downEvent(nil), r.downs...)
}

func (r *recorder) Fails() []failEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]failEvent(nil), r.fails...)
}

func (r *recorder) Discovered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.discovered...)
}

func (r *recorder) Results(addr string) []OperationResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []OperationResult
	for _, ev := range r.results {
		if ev.addr == addr {
			out = append(out, ev.res)
		}
	}
	return out
}

func (r *recorder) ResultFor(token transport.Token) (OperationResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.results {
		if ev.res.Token == token {
			return ev.res, true
		}
	}
	return OperationResult{}, false
}

func (r *recorder) Notifs() []notifEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notifEvent(nil), r.notifs...)
}

func (r *recorder) MTUs() []mtuEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]mtuEvent(nil), r.mtus...)
}

// EngineTestSuite drives the session engine against a scripted transport
// and a mock clock. The heart-rate style profile carries two notifiable
// characteristics, one readable value and one writable control point.
type EngineTestSuite struct {
	suite.Suite
	fake *transporttest.Fake
	clk  *clock.Mock
	rec  *recorder
	eng  *Engine
}

func (s *EngineTestSuite) SetupTest() {
	s.fake = transporttest.NewProfile().
		WithService("180d").
		WithCharacteristic("2a37", "notify", nil).
		WithCharacteristic("2a38", "read", []byte{0x21}).
		WithCharacteristic("2a39", "write", nil).
		WithService("180f").
		WithCharacteristic("2a19", "read,notify", []byte{0x64}).
		Build()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel) // Reduce noise in test output

	s.clk = clock.NewMock()
	s.rec = &recorder{}
	s.eng = New(s.fake, Options{Listener: s.rec, Logger: logger, Clock: s.clk})
}

func (s *EngineTestSuite) TearDownTest() {
	s.Empty(s.fake.Violations(), "engine violated the transport contract")
}

// retryCount reads the session's retry counter, which has no public
// accessor on purpose.
func (s *EngineTestSuite) retryCount(addr string) int {
	p, ok := s.eng.peers.Get(addr)
	s.Require().True(ok, "no session for %s", addr)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.retryCount
}

// TestConnectHappyPath covers the full establishment flow under default
// parameters.
func (s *EngineTestSuite) TestConnectHappyPath() {
	// GOAL: Verify a default connect reaches Connected and runs the post-discovery
	// workflow: exactly one transmission-unit negotiation followed by one
	// subscription enable per notifiable characteristic
	//
	// TEST SCENARIO: Connect with defaults → transport completes everything →
	// verify command order, subscriptions, negotiated unit and event sequence
	s.Require().NoError(s.eng.Connect(peerA, DefaultConfig()))

	s.Equal(StateConnected, s.eng.ConnectionState(peerA))
	s.Equal([]string{peerA}, s.rec.Ups())
	s.Equal([]string{peerA}, s.rec.Discovered())
	s.Equal(0, s.retryCount(peerA))

	s.Equal([]string{"connect", "discover", "exchange-mtu", "set-notification", "set-notification"},
		s.fake.KindsFor(peerA))

	reqs := s.fake.Requests(peerA)
	s.Require().Len(reqs, 3)
	s.Equal(transport.ExchangeMTU{MTU: 247}, reqs[0])
	s.Equal(transport.SetNotification{Characteristic: "2a37", Enable: true}, reqs[1])
	s.Equal(transport.SetNotification{Characteristic: "2a19", Enable: true}, reqs[2])

	s.True(s.fake.Subscribed(peerA, "2a37"))
	s.True(s.fake.Subscribed(peerA, "2a19"))
	s.Equal(247, s.eng.MTU(peerA))
	s.Equal([]mtuEvent{{addr: peerA, mtu: 247}}, s.rec.MTUs())

	// Workflow operations are internal and never reach the listener
	s.Empty(s.rec.Results(peerA))

	tree, ok := s.eng.Attributes(peerA)
	s.Require().True(ok)
	s.Equal(2, tree.Len())
}

// TestConnectStates covers connect calls against every pre-existing
// session state.
func (s *EngineTestSuite) TestConnectStates() {
	// GOAL: Verify connect is rejected while a dial is pending, a no-op when
	// already connected, and rejected for unusable parameters
	//
	// TEST SCENARIO: Issue connect in each state → verify the distinct outcomes
	s.Run("AlreadyInProgress", func() {
		s.fake.SilenceConnect(peerA, 1)
		s.Require().NoError(s.eng.Connect(peerA, DefaultConfig()))
		s.Equal(StateConnecting, s.eng.ConnectionState(peerA))

		err := s.eng.Connect(peerA, DefaultConfig())
		s.True(errors.Is(err, ErrAlreadyInProgress), "got %v", err)
		s.Equal(1, s.fake.ConnectAttempts(peerA))

		s.fake.CompleteConnect(peerA, transport.StatusSuccess)
		s.Equal(StateConnected, s.eng.ConnectionState(peerA))
	})

	s.Run("ConnectedNoOp", func() {
		upsBefore := len(s.rec.Ups())
		attempts := s.fake.ConnectAttempts(peerA)

		s.NoError(s.eng.Connect(peerA, DefaultConfig()))

		s.Equal(attempts, s.fake.ConnectAttempts(peerA))
		s.Len(s.rec.Ups(), upsBefore)
		s.Equal(StateConnected, s.eng.ConnectionState(peerA))
	})

	s.Run("InvalidConfig", func() {
		err := s.eng.Connect(peerB, Config{MTU: 5})
		s.True(errors.Is(err, ErrConnectFailed), "got %v", err)
		s.Equal(StateDisconnected, s.eng.ConnectionState(peerB))
		s.NotContains(s.eng.Peers(), peerB)
	})
}

// TestRetriesExhausted covers the reconnect budget end to end.
func (s *EngineTestSuite) TestRetriesExhausted() {
	// GOAL: Verify two retries after the initial dial produce three attempts in
	// total, then a terminal retries-exhausted failure and registry removal
	//
	// TEST SCENARIO: Silence three dials → let the connection timeout fire each
	// time → verify attempt count, terminal error and removal
	cfg := DefaultConfig()
	cfg.AutoReconnect = true
	cfg.MaxRetries = 2

	s.fake.SilenceConnect(peerA, 3)
	s.Require().NoError(s.eng.Connect(peerA, cfg))

	// Attempt 1 times out, first retry is scheduled
	s.clk.Add(cfg.ConnectionTimeout)
	s.Equal(StateError, s.eng.ConnectionState(peerA))
	s.Equal(1, s.retryCount(peerA))
	s.Empty(s.rec.Fails())

	// Attempt 2 dials and times out
	s.clk.Add(cfg.RetryDelay)
	s.Equal(StateConnecting, s.eng.ConnectionState(peerA))
	s.clk.Add(cfg.ConnectionTimeout)
	s.Equal(2, s.retryCount(peerA))

	// Attempt 3 dials, times out and exhausts the budget
	s.clk.Add(cfg.RetryDelay)
	s.clk.Add(cfg.ConnectionTimeout)

	s.Equal(3, s.fake.ConnectAttempts(peerA))

	fails := s.rec.Fails()
	s.Require().Len(fails, 1)
	s.Equal(peerA, fails[0].addr)
	s.True(errors.Is(fails[0].err, ErrRetriesExhausted), "got %v", fails[0].err)
	s.Contains(fails[0].err.Error(), "gave up after 3 attempts")

	s.Equal(StateDisconnected, s.eng.ConnectionState(peerA))
	s.Empty(s.eng.Peers())
}

// TestQueueBeforeDiscovery covers operations enqueued while the session
// is still being established.
func (s *EngineTestSuite) TestQueueBeforeDiscovery() {
	// GOAL: Verify operations enqueued during Connecting are accepted, execute
	// after the post-discovery workflow and keep their relative order
	//
	// TEST SCENARIO: Silence the dial → enqueue three writes → complete the dial →
	// verify workflow operations run first, then the writes in order
	s.fake.SilenceConnect(peerA, 1)
	s.Require().NoError(s.eng.Connect(peerA, DefaultConfig()))

	t1, err := s.eng.Write(peerA, "", "2a39", []byte{0x01}, false)
	s.Require().NoError(err)
	t2, err := s.eng.Write(peerA, "", "2a39", []byte{0x02}, false)
	s.Require().NoError(err)
	t3, err := s.eng.Write(peerA, "", "2a39", []byte{0x03}, false)
	s.Require().NoError(err)
	s.Empty(s.rec.Results(peerA))

	s.fake.CompleteConnect(peerA, transport.StatusSuccess)

	reqs := s.fake.Requests(peerA)
	s.Require().Len(reqs, 6)
	s.Equal("exchange-mtu", reqs[0].Kind())
	s.Equal("set-notification", reqs[1].Kind())
	s.Equal("set-notification", reqs[2].Kind())
	s.Equal(transport.WriteCharacteristic{Characteristic: "2a39", Payload: []byte{0x01}}, reqs[3])
	s.Equal(transport.WriteCharacteristic{Characteristic: "2a39", Payload: []byte{0x02}}, reqs[4])
	s.Equal(transport.WriteCharacteristic{Characteristic: "2a39", Payload: []byte{0x03}}, reqs[5])

	results := s.rec.Results(peerA)
	s.Require().Len(results, 3)
	s.Equal(t1, results[0].Token)
	s.Equal(t2, results[1].Token)
	s.Equal(t3, results[2].Token)
	for _, res := range results {
		s.NoError(res.Err)
	}

	s.Equal([]byte{0x03}, s.fake.Value("2a39"))
}

// TestOperationTimeout covers the abandon-on-timeout policy.
func (s *EngineTestSuite) TestOperationTimeout() {
	// GOAL: Verify a timed-out operation is abandoned without retry, the queue
	// advances to the next operation, and a late completion is ignored
	//
	// TEST SCENARIO: Stall a write → enqueue a read behind it → fire the
	// operation timeout → verify abandon, cancel, advance and late-result drop
	cfg := DefaultConfig()
	s.Require().NoError(s.eng.Connect(peerA, cfg))

	s.fake.SilenceExecute(1)
	t1, err := s.eng.Write(peerA, "", "2a39", []byte{0xaa}, false)
	s.Require().NoError(err)
	t2, err := s.eng.Read(peerA, "", "2a38")
	s.Require().NoError(err)
	s.Empty(s.rec.Results(peerA), "nothing completes while the write is outstanding")

	s.clk.Add(cfg.OperationTimeout)

	results := s.rec.Results(peerA)
	s.Require().Len(results, 2)

	s.Equal(t1, results[0].Token)
	s.True(errors.Is(results[0].Err, ErrOperationTimeout), "got %v", results[0].Err)

	s.Equal(t2, results[1].Token)
	s.NoError(results[1].Err)
	s.Equal([]byte{0x21}, results[1].Payload)

	s.Contains(s.fake.KindsFor(peerA), "cancel")
	s.Equal(StateConnected, s.eng.ConnectionState(peerA), "a timed out operation does not end the session")

	// The transport completing the abandoned write later changes nothing
	s.fake.CompleteOperation(peerA, t1, transport.StatusSuccess, []byte{0x99})
	s.Len(s.rec.Results(peerA), 2)
}

// TestDisconnect covers requested teardowns.
func (s *EngineTestSuite) TestDisconnect() {
	// GOAL: Verify a requested disconnect fails everything pending, reports a
	// clean closure, and repeated or unknown disconnects stay no-ops
	//
	// TEST SCENARIO: Stall a write with two operations queued behind it →
	// disconnect → verify failures, event, removal and idempotence
	s.Run("DropsQueuedOperations", func() {
		s.Require().NoError(s.eng.Connect(peerA, DefaultConfig()))

		s.fake.SilenceExecute(1)
		t1, err := s.eng.Write(peerA, "", "2a39", []byte{0x01}, false)
		s.Require().NoError(err)
		t2, err := s.eng.Read(peerA, "", "2a38")
		s.Require().NoError(err)
		t3, err := s.eng.Read(peerA, "", "2a19")
		s.Require().NoError(err)

		s.Require().NoError(s.eng.Disconnect(peerA))

		results := s.rec.Results(peerA)
		s.Require().Len(results, 3)
		s.Equal(t1, results[0].Token)
		s.Equal(t2, results[1].Token)
		s.Equal(t3, results[2].Token)
		for _, res := range results {
			s.True(errors.Is(res.Err, ErrOperationNotConnected), "got %v", res.Err)
		}

		downs := s.rec.Downs()
		s.Require().Len(downs, 1)
		s.Equal(peerA, downs[0].addr)
		s.NoError(downs[0].err, "a requested disconnect carries no error")

		s.Equal(StateDisconnected, s.eng.ConnectionState(peerA))
		s.Empty(s.eng.Peers())

		// Without a session, new operations are rejected synchronously
		_, err = s.eng.Write(peerA, "", "2a39", []byte{0x04}, false)
		s.True(errors.Is(err, ErrOperationNotConnected), "got %v", err)
	})

	s.Run("Idempotent", func() {
		s.NoError(s.eng.Disconnect(peerA), "second disconnect is a no-op")
		s.NoError(s.eng.Disconnect("ff:ff:ff:ff:ff:ff"), "unknown peer is a no-op")
		s.Len(s.rec.Downs(), 1, "no duplicate closure events")
	})

	s.Run("CancelsPendingReconnect", func() {
		cfg := DefaultConfig()
		cfg.AutoReconnect = true
		cfg.MaxRetries = 2

		s.fake.SilenceConnect(peerB, 1)
		s.Require().NoError(s.eng.Connect(peerB, cfg))
		s.clk.Add(cfg.ConnectionTimeout)
		s.Equal(StateError, s.eng.ConnectionState(peerB))
		attempts := s.fake.ConnectAttempts(peerB)

		s.Require().NoError(s.eng.Disconnect(peerB))
		s.Empty(s.eng.Peers())

		// The scheduled retry fires into a removed session and does nothing
		s.clk.Add(cfg.RetryDelay)
		s.Equal(attempts, s.fake.ConnectAttempts(peerB))
	})
}

// TestPeerIsolation covers independent progress across sessions.
func (s *EngineTestSuite) TestPeerIsolation() {
	// GOAL: Verify one peer's stalled queue never blocks another peer's
	// operations
	//
	// TEST SCENARIO: Connect two peers → stall peer A's write → verify peer B's
	// read completes immediately while A only resolves via its own timeout
	cfg := DefaultConfig()
	s.Require().NoError(s.eng.Connect(peerA, cfg))
	s.Require().NoError(s.eng.Connect(peerB, cfg))

	s.fake.SilenceExecute(1)
	tA, err := s.eng.Write(peerA, "", "2a39", []byte{0x0a}, false)
	s.Require().NoError(err)

	tB, err := s.eng.Read(peerB, "", "2a38")
	s.Require().NoError(err)

	resB, ok := s.rec.ResultFor(tB)
	s.Require().True(ok, "peer B completes while peer A is stalled")
	s.NoError(resB.Err)
	s.Equal([]byte{0x21}, resB.Payload)

	_, ok = s.rec.ResultFor(tA)
	s.False(ok, "peer A is still outstanding")

	s.clk.Add(cfg.OperationTimeout)
	resA, ok := s.rec.ResultFor(tA)
	s.Require().True(ok)
	s.True(errors.Is(resA.Err, ErrOperationTimeout), "got %v", resA.Err)

	// Tearing peer B down leaves peer A's session alone
	s.Require().NoError(s.eng.Disconnect(peerB))
	s.Equal(StateConnected, s.eng.ConnectionState(peerA))
	s.Equal(StateDisconnected, s.eng.ConnectionState(peerB))
}

// TestUnresolvableOperations covers dispatch-time attribute resolution.
func (s *EngineTestSuite) TestUnresolvableOperations() {
	// GOAL: Verify operations against missing or incapable attributes fail
	// individually without stalling the queue behind them
	//
	// TEST SCENARIO: Queue a stalled write, a read of a missing characteristic
	// and a valid read → fire the timeout → verify all three resolve in order
	cfg := DefaultConfig()
	s.Require().NoError(s.eng.Connect(peerA, cfg))

	s.fake.SilenceExecute(1)
	t1, err := s.eng.Write(peerA, "", "2a39", []byte{0x01}, false)
	s.Require().NoError(err)
	tBad, err := s.eng.Read(peerA, "", "dead")
	s.Require().NoError(err, "resolution happens at dispatch, not enqueue")
	tGood, err := s.eng.Read(peerA, "", "2a38")
	s.Require().NoError(err)

	s.clk.Add(cfg.OperationTimeout)

	results := s.rec.Results(peerA)
	s.Require().Len(results, 3)
	s.Equal(t1, results[0].Token)
	s.True(errors.Is(results[0].Err, ErrOperationTimeout), "got %v", results[0].Err)
	s.Equal(tBad, results[1].Token)
	s.True(errors.Is(results[1].Err, ErrAttributeNotFound), "got %v", results[1].Err)
	s.Equal(tGood, results[2].Token)
	s.NoError(results[2].Err)

	// A subscription on a characteristic without notify support fails the
	// same way, without touching the transport
	tSub, err := s.eng.SetNotification(peerA, "", "2a38", true)
	s.Require().NoError(err)
	res, ok := s.rec.ResultFor(tSub)
	s.Require().True(ok)
	s.True(errors.Is(res.Err, ErrExecutionFailed), "got %v", res.Err)
	s.Contains(res.Err.Error(), "neither notify nor indicate")
}

// TestExecutionFailures covers failed completions and rejected commands.
func (s *EngineTestSuite) TestExecutionFailures() {
	// GOAL: Verify failed transport completions and synchronously rejected
	// commands surface as operation errors and the queue keeps moving
	//
	// TEST SCENARIO: Script a failure status and a rejected command → verify
	// both surface with the right reason and a follow-up succeeds
	s.Require().NoError(s.eng.Connect(peerA, DefaultConfig()))

	s.Run("FailedStatus", func() {
		s.fake.ScriptExecute("2a38", transport.StatusReadNotPermitted)

		tk, err := s.eng.Read(peerA, "", "2a38")
		s.Require().NoError(err)

		res, ok := s.rec.ResultFor(tk)
		s.Require().True(ok)
		s.True(errors.Is(res.Err, ErrExecutionFailed), "got %v", res.Err)
		s.Contains(res.Err.Error(), "read not permitted")
	})

	s.Run("RejectedCommand", func() {
		s.fake.ScriptError("read", errors.New("radio busy"))

		tk, err := s.eng.Read(peerA, "", "2a38")
		s.Require().NoError(err, "the rejection surfaces through the listener")

		res, ok := s.rec.ResultFor(tk)
		s.Require().True(ok)
		s.True(errors.Is(res.Err, ErrExecutionFailed), "got %v", res.Err)
		s.Contains(res.Err.Error(), "radio busy")
	})

	s.Run("QueueAdvances", func() {
		tk, err := s.eng.Read(peerA, "", "2a19")
		s.Require().NoError(err)

		res, ok := s.rec.ResultFor(tk)
		s.Require().True(ok)
		s.NoError(res.Err)
		s.Equal([]byte{0x64}, res.Payload)
	})
}

// TestUnexpectedLinkLoss covers link drops the caller did not request.
func (s *EngineTestSuite) TestUnexpectedLinkLoss() {
	// GOAL: Verify an unsolicited link drop fails pending operations and either
	// removes the session or schedules a reconnect per configuration
	//
	// TEST SCENARIO: Drop the link with and without the reconnect policy →
	// verify failure surfacing, removal or re-establishment
	s.Run("WithoutReconnect", func() {
		s.Require().NoError(s.eng.Connect(peerA, DefaultConfig()))

		s.fake.SilenceExecute(1)
		t1, err := s.eng.Write(peerA, "", "2a39", []byte{0x01}, false)
		s.Require().NoError(err)
		t2, err := s.eng.Read(peerA, "", "2a38")
		s.Require().NoError(err)

		s.fake.DropLink(peerA, transport.StatusFailure)

		results := s.rec.Results(peerA)
		s.Require().Len(results, 2)
		s.Equal(t1, results[0].Token)
		s.Equal(t2, results[1].Token)
		for _, res := range results {
			s.True(errors.Is(res.Err, ErrOperationNotConnected), "got %v", res.Err)
		}

		downs := s.rec.Downs()
		s.Require().Len(downs, 1)
		s.Equal(peerA, downs[0].addr)
		s.Require().Error(downs[0].err)
		s.True(errors.Is(downs[0].err, ErrConnectFailed), "got %v", downs[0].err)
		s.Contains(downs[0].err.Error(), "link lost")

		s.Empty(s.eng.Peers())
	})

	s.Run("WithReconnect", func() {
		cfg := DefaultConfig()
		cfg.AutoReconnect = true
		cfg.MaxRetries = 1

		s.Require().NoError(s.eng.Connect(peerB, cfg))
		s.Require().Equal(StateConnected, s.eng.ConnectionState(peerB))

		s.fake.DropLink(peerB, transport.StatusFailure)
		s.Equal(StateError, s.eng.ConnectionState(peerB))
		s.Equal(1, s.retryCount(peerB))

		downs := s.rec.Downs()
		s.Require().NotEmpty(downs)
		last := downs[len(downs)-1]
		s.Equal(peerB, last.addr)
		s.Error(last.err, "an unexpected drop carries its cause")

		s.clk.Add(cfg.RetryDelay)

		s.Equal(StateConnected, s.eng.ConnectionState(peerB))
		s.Equal(0, s.retryCount(peerB), "reaching connected resets the retry budget")
		s.Equal(2, s.fake.ConnectAttempts(peerB))
		s.True(s.fake.Subscribed(peerB, "2a37"), "the workflow runs again on reconnect")
		s.Equal(247, s.eng.MTU(peerB))
	})
}

// TestDiscoveryFailures covers the attribute discovery phase.
func (s *EngineTestSuite) TestDiscoveryFailures() {
	// GOAL: Verify a failed, timed-out or rejected discovery aborts the session
	// with a surfaced error instead of leaving it half established
	//
	// TEST SCENARIO: Script each discovery failure mode → verify teardown,
	// pending operation failure and the terminal event
	s.Run("FailedStatus", func() {
		s.fake.ScriptDiscover(peerA, transport.StatusFailure)

		s.Require().NoError(s.eng.Connect(peerA, DefaultConfig()))

		s.Equal([]string{peerA}, s.rec.Ups(), "the link did come up first")
		fails := s.rec.Fails()
		s.Require().Len(fails, 1)
		s.True(errors.Is(fails[0].err, ErrConnectFailed), "got %v", fails[0].err)
		s.Contains(fails[0].err.Error(), "discovery")

		s.Empty(s.eng.Peers())
		s.Contains(s.fake.KindsFor(peerA), "disconnect", "the dead session drops its link")
	})

	s.Run("Timeout", func() {
		cfg := DefaultConfig()
		s.fake.SilenceDiscover(peerB, 1)

		s.Require().NoError(s.eng.Connect(peerB, cfg))
		s.Equal(StateConnected, s.eng.ConnectionState(peerB))

		// Enqueued ahead of discovery; dies with the session
		t1, err := s.eng.Write(peerB, "", "2a39", []byte{0x01}, false)
		s.Require().NoError(err)

		s.clk.Add(cfg.OperationTimeout)

		res, ok := s.rec.ResultFor(t1)
		s.Require().True(ok)
		s.True(errors.Is(res.Err, ErrOperationNotConnected), "got %v", res.Err)

		fails := s.rec.Fails()
		s.Require().NotEmpty(fails)
		s.Contains(fails[len(fails)-1].err.Error(), "discovery timed out")
		s.Empty(s.eng.Peers())
	})
}

// TestConnectFailures covers dials that fail outright.
func (s *EngineTestSuite) TestConnectFailures() {
	// GOAL: Verify failed dials surface terminally without the reconnect policy
	// and consume the retry budget with it
	//
	// TEST SCENARIO: Script link-up failures with and without reconnect →
	// verify terminal reason and attempt counts
	s.Run("WithoutReconnect", func() {
		s.fake.ScriptConnect(peerA, transport.StatusFailure)

		s.Require().NoError(s.eng.Connect(peerA, DefaultConfig()))

		fails := s.rec.Fails()
		s.Require().Len(fails, 1)
		s.True(errors.Is(fails[0].err, ErrConnectFailed), "got %v", fails[0].err)
		s.Equal(1, s.fake.ConnectAttempts(peerA))
		s.Empty(s.eng.Peers())
	})

	s.Run("RejectedDial", func() {
		s.fake.ScriptError("connect", errors.New("adapter off"))

		s.Require().NoError(s.eng.Connect(peerB, DefaultConfig()),
			"a rejected dial reports through the listener, not the call")

		fails := s.rec.Fails()
		s.Require().Len(fails, 2)
		s.True(errors.Is(fails[1].err, ErrConnectFailed), "got %v", fails[1].err)
		s.Contains(fails[1].err.Error(), "adapter off")
		s.Empty(s.eng.Peers())
	})

	s.Run("BudgetConsumedByFailedDials", func() {
		cfg := DefaultConfig()
		cfg.AutoReconnect = true
		cfg.MaxRetries = 1

		attemptsBefore := s.fake.ConnectAttempts(peerA)
		s.fake.ScriptConnect(peerA, transport.StatusFailure, transport.StatusFailure)

		s.Require().NoError(s.eng.Connect(peerA, cfg))
		s.Equal(StateError, s.eng.ConnectionState(peerA))

		s.clk.Add(cfg.RetryDelay)

		s.Equal(attemptsBefore+2, s.fake.ConnectAttempts(peerA))
		fails := s.rec.Fails()
		s.Require().Len(fails, 3)
		s.True(errors.Is(fails[2].err, ErrRetriesExhausted), "got %v", fails[2].err)
		s.Contains(fails[2].err.Error(), "gave up after 2 attempts")
		s.Empty(s.eng.Peers())
	})
}

// TestZombieLink covers a dial that lands after the session gave up on it.
func (s *EngineTestSuite) TestZombieLink() {
	// GOAL: Verify a link that comes up for a session no longer connecting is
	// dropped instead of adopted
	//
	// TEST SCENARIO: Time out a dial into the error state → deliver a late
	// link up → verify the engine hangs up and the session is unchanged
	cfg := DefaultConfig()
	cfg.AutoReconnect = true
	cfg.MaxRetries = 1

	s.fake.SilenceConnect(peerA, 1)
	s.Require().NoError(s.eng.Connect(peerA, cfg))
	s.clk.Add(cfg.ConnectionTimeout)
	s.Require().Equal(StateError, s.eng.ConnectionState(peerA))

	s.fake.CompleteConnect(peerA, transport.StatusSuccess)

	s.False(s.fake.IsConnected(peerA), "the late link is hung up")
	s.Equal(StateError, s.eng.ConnectionState(peerA))
	s.Empty(s.rec.Ups())

	// Ending the session also cancels the pending retry
	attempts := s.fake.ConnectAttempts(peerA)
	s.Require().NoError(s.eng.Disconnect(peerA))
	s.clk.Add(cfg.RetryDelay)
	s.Equal(attempts, s.fake.ConnectAttempts(peerA))
	s.Empty(s.eng.Peers())
}

// TestTransmissionUnit covers caller-requested negotiation.
func (s *EngineTestSuite) TestTransmissionUnit() {
	// GOAL: Verify out-of-range requests are rejected synchronously and granted
	// values propagate to queries and events
	//
	// TEST SCENARIO: Request invalid and valid units against a capped transport →
	// verify rejection, the granted value and the change event
	s.Require().NoError(s.eng.Connect(peerA, DefaultConfig()))
	s.Equal(247, s.eng.MTU(peerA))

	_, err := s.eng.RequestMTU(peerA, 10)
	s.True(errors.Is(err, ErrExecutionFailed), "got %v", err)
	_, err = s.eng.RequestMTU(peerA, 1024)
	s.True(errors.Is(err, ErrExecutionFailed), "got %v", err)

	s.fake.LimitMTU(185)
	tk, err := s.eng.RequestMTU(peerA, 247)
	s.Require().NoError(err)

	res, ok := s.rec.ResultFor(tk)
	s.Require().True(ok)
	s.NoError(res.Err)

	s.Equal(185, s.eng.MTU(peerA), "the granted unit wins over the requested one")
	mtus := s.rec.MTUs()
	s.Require().Len(mtus, 2)
	s.Equal(mtuEvent{addr: peerA, mtu: 185}, mtus[1])

	_, err = s.eng.RequestMTU(peerB, 185)
	s.True(errors.Is(err, ErrOperationNotConnected), "got %v", err)
}

// TestNotifications covers subscription value delivery.
func (s *EngineTestSuite) TestNotifications() {
	// GOAL: Verify notification payloads reach the listener and subscriptions
	// can be turned off again
	//
	// TEST SCENARIO: Connect with auto-subscribe → push values → disable one
	// subscription → verify delivery and the unsubscribe
	s.Require().NoError(s.eng.Connect(peerA, DefaultConfig()))
	s.Require().True(s.fake.Subscribed(peerA, "2a37"))

	s.fake.PushNotification(peerA, "2a37", []byte{0x00, 0x50})
	s.fake.PushNotification(peerA, "2a37", []byte{0x00, 0x51})

	notifs := s.rec.Notifs()
	s.Require().Len(notifs, 2)
	s.Equal(notifEvent{addr: peerA, char: "2a37", payload: []byte{0x00, 0x50}}, notifs[0])
	s.Equal(notifEvent{addr: peerA, char: "2a37", payload: []byte{0x00, 0x51}}, notifs[1])

	tk, err := s.eng.SetNotification(peerA, "", "2a37", false)
	s.Require().NoError(err)
	res, ok := s.rec.ResultFor(tk)
	s.Require().True(ok)
	s.NoError(res.Err)
	s.False(s.fake.Subscribed(peerA, "2a37"))
}

// TestDescriptors covers descriptor reads and writes.
func (s *EngineTestSuite) TestDescriptors() {
	// GOAL: Verify descriptor operations resolve through the discovered tree and
	// round-trip values
	//
	// TEST SCENARIO: Write then read a client configuration descriptor → verify
	// the value and that a missing descriptor fails cleanly
	s.Require().NoError(s.eng.Connect(peerA, DefaultConfig()))

	tw, err := s.eng.WriteDescriptor(peerA, "", "2a37", "2902", []byte{0x01, 0x00})
	s.Require().NoError(err)
	res, ok := s.rec.ResultFor(tw)
	s.Require().True(ok)
	s.NoError(res.Err)
	s.Equal([]byte{0x01, 0x00}, s.fake.DescriptorValue("2a37", "2902"))

	tr, err := s.eng.ReadDescriptor(peerA, "", "2a37", "2902")
	s.Require().NoError(err)
	res, ok = s.rec.ResultFor(tr)
	s.Require().True(ok)
	s.NoError(res.Err)
	s.Equal([]byte{0x01, 0x00}, res.Payload)

	// 2a38 is not notifiable and carries no client configuration
	tm, err := s.eng.ReadDescriptor(peerA, "", "2a38", "2902")
	s.Require().NoError(err)
	res, ok = s.rec.ResultFor(tm)
	s.Require().True(ok)
	s.True(errors.Is(res.Err, ErrAttributeNotFound), "got %v", res.Err)
}

// TestDisconnectGuard covers a teardown whose LinkDown never arrives.
func (s *EngineTestSuite) TestDisconnectGuard() {
	// GOAL: Verify a requested disconnect that the transport never confirms is
	// forced to completion locally
	//
	// TEST SCENARIO: Silence the disconnect → verify the session parks in
	// Disconnecting → fire the guard → verify removal and the closure event
	cfg := DefaultConfig()
	s.Require().NoError(s.eng.Connect(peerA, cfg))

	s.fake.SilenceDisconnect(peerA, 1)
	s.Require().NoError(s.eng.Disconnect(peerA))
	s.Equal(StateDisconnecting, s.eng.ConnectionState(peerA))
	s.Empty(s.rec.Downs())

	s.clk.Add(cfg.ConnectionTimeout)

	downs := s.rec.Downs()
	s.Require().Len(downs, 1)
	s.Equal(peerA, downs[0].addr)
	s.NoError(downs[0].err)
	s.Empty(s.eng.Peers())
}

// TestClose covers engine shutdown.
func (s *EngineTestSuite) TestClose() {
	// GOAL: Verify close tears every session down, releases the transport and
	// rejects all further calls
	//
	// TEST SCENARIO: Connect two peers → close → verify events, transport close
	// and rejection of new work
	s.Require().NoError(s.eng.Connect(peerA, DefaultConfig()))
	s.Require().NoError(s.eng.Connect(peerB, DefaultConfig()))

	s.Require().NoError(s.eng.Close())

	s.Len(s.rec.Downs(), 2)
	s.Empty(s.eng.Peers())
	s.Contains(s.fake.Kinds(), "close")

	s.ErrorIs(s.eng.Connect(peerA, DefaultConfig()), ErrEngineClosed)
	_, err := s.eng.Read(peerA, "", "2a38")
	s.ErrorIs(err, ErrEngineClosed)
	s.NoError(s.eng.Close(), "repeated close is a no-op")
}

// TestQueries covers the read-only accessors for unknown peers.
func (s *EngineTestSuite) TestQueries() {
	// GOAL: Verify queries about peers without a session report safe defaults
	//
	// TEST SCENARIO: Query an unknown peer → verify the disconnected view →
	// create sessions → verify the sorted listing
	s.Equal(StateDisconnected, s.eng.ConnectionState(peerA))
	s.Equal(transport.DefaultMTU, s.eng.MTU(peerA))
	_, ok := s.eng.Attributes(peerA)
	s.False(ok)
	s.Empty(s.eng.Peers())

	s.fake.SilenceConnect(peerB, 1)
	s.fake.SilenceConnect(peerA, 1)
	s.Require().NoError(s.eng.Connect(peerB, DefaultConfig()))
	s.Require().NoError(s.eng.Connect(peerA, DefaultConfig()))
	s.Equal([]string{peerA, peerB}, s.eng.Peers())

	_, ok = s.eng.Attributes(peerA)
	s.False(ok, "no attributes before discovery")
}

// TestOperationsBeforeConnect covers the synchronous rejection rule.
func (s *EngineTestSuite) TestOperationsBeforeConnect() {
	// GOAL: Verify only peers without any session reject operations
	// synchronously
	//
	// TEST SCENARIO: Enqueue without a session → verify rejection → enqueue in
	// every live state → verify acceptance
	_, err := s.eng.Read(peerA, "", "2a38")
	s.True(errors.Is(err, ErrOperationNotConnected), "got %v", err)

	s.fake.SilenceConnect(peerA, 1)
	s.Require().NoError(s.eng.Connect(peerA, DefaultConfig()))
	_, err = s.eng.Read(peerA, "", "2a38")
	s.NoError(err, "a connecting session queues operations")
}

func TestEngineTestSuite(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}
