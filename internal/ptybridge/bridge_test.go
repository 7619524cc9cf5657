package ptybridge

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/srg/gattq/internal/central"
	"github.com/srg/gattq/internal/transport"
	"github.com/srg/gattq/internal/transport/transporttest"
	"github.com/srg/gattq/session"
)

const bridgePeer = "aa:bb:cc:dd:ee:02"

// BridgeTestSuite runs the full bridge against a scripted transport and a
// real pseudo-terminal.
type BridgeTestSuite struct {
	suite.Suite
	fake    *transporttest.Fake
	logger  *logrus.Logger
	restore func()
}

func (s *BridgeTestSuite) SetupTest() {
	s.fake = nordicProfile().Build()

	// Reduce noise in test output
	s.logger = logrus.New()
	s.logger.SetLevel(logrus.ErrorLevel)

	original := session.TransportFactory
	// late-bound through the suite field so tests can swap the profile
	session.TransportFactory = func(*logrus.Logger) transport.Transport { return s.fake }
	s.restore = func() { session.TransportFactory = original }
}

func (s *BridgeTestSuite) TearDownTest() {
	s.restore()
	s.Empty(s.fake.Violations(), "bridge violated the transport contract")
}

func nordicProfile() *transporttest.ProfileBuilder {
	return transporttest.NewProfile().
		WithService(NordicUARTService).
		WithCharacteristic(NordicUARTRx, "write,write-without-response", nil).
		WithCharacteristic(NordicUARTTx, "notify", nil)
}

// openTTY opens the bridge terminal like an external process would.
func (s *BridgeTestSuite) openTTY(name string) *os.File {
	f, err := os.OpenFile(name, os.O_RDWR|syscall.O_NONBLOCK, 0)
	s.Require().NoError(err, "bridge terminal MUST be openable by path")
	return f
}

// readTTY performs one read on the terminal fd. Reads may park until data
// arrives, so callers accumulate across Eventually ticks.
func readTTY(f *os.File) []byte {
	buf := make([]byte, 4096)
	n, _ := f.Read(buf)
	if n <= 0 {
		return nil
	}
	return buf[:n]
}

func (s *BridgeTestSuite) TestBridgeRoundtrip() {
	// GOAL: Verify the full serial path between terminal and peer.
	//
	// TEST SCENARIO: Run a bridge with the Nordic UART defaults. Bytes
	// written to the terminal arrive as RX writes, TX notifications
	// surface on the terminal, and the session is torn down afterwards

	var phases []string
	opts := &RunOptions{Addr: bridgePeer, Logger: s.logger}

	result, err := Run(context.Background(), opts,
		func(phase string) { phases = append(phases, phase) },
		func(b *Bridge) (string, error) {
			s.Equal(bridgePeer, b.Session().Peer())
			s.NotEmpty(b.TTYName())
			s.Empty(b.Symlink())
			s.True(s.fake.Subscribed(bridgePeer, NordicUARTTx), "tx characteristic MUST be subscribed")

			tty := s.openTTY(b.TTYName())
			defer tty.Close()

			// terminal -> peer
			_, werr := tty.Write([]byte("ping"))
			s.Require().NoError(werr)
			s.Require().Eventually(func() bool {
				return bytes.Equal(s.fake.Value(NordicUARTRx), []byte("ping"))
			}, 2*time.Second, 10*time.Millisecond, "terminal input MUST reach the rx characteristic")

			// peer -> terminal
			s.fake.PushNotification(bridgePeer, NordicUARTTx, []byte("pong"))
			var got []byte
			s.Require().Eventually(func() bool {
				got = append(got, readTTY(tty)...)
				return bytes.Equal(got, []byte("pong"))
			}, 2*time.Second, 10*time.Millisecond, "tx notifications MUST surface on the terminal")

			return "done", nil
		})

	s.Require().NoError(err)
	s.Equal("done", result)
	s.Equal([]string{"Connecting", "Connected", "Processing results", "Setting up PTY", "Running"}, phases)
	s.False(s.fake.IsConnected(bridgePeer), "session MUST be torn down after the run")
}

func (s *BridgeTestSuite) TestBridgeSymlink() {
	// GOAL: Verify the symlink lifecycle around the bridge run.
	//
	// TEST SCENARIO: Configure a symlink path. It points at the slave
	// device while the callback runs and is gone after Run returns

	link := filepath.Join(s.T().TempDir(), "ttyBLE")
	opts := &RunOptions{
		Addr:   bridgePeer,
		Link:   LinkConfig{SymlinkPath: link},
		Logger: s.logger,
	}

	_, err := Run(context.Background(), opts, nil, func(b *Bridge) (struct{}, error) {
		s.Equal(link, b.Symlink())
		target, rerr := os.Readlink(link)
		s.Require().NoError(rerr, "symlink MUST exist while the bridge runs")
		s.Equal(b.TTYName(), target)
		return struct{}{}, nil
	})
	s.Require().NoError(err)

	_, serr := os.Lstat(link)
	s.True(os.IsNotExist(serr), "symlink MUST be removed on teardown")
}

func (s *BridgeTestSuite) TestBridgeLinkValidation() {
	// GOAL: Verify the bridge refuses peers whose attributes cannot carry
	// a serial link.
	//
	// TEST SCENARIO: Profiles with a missing or read-only RX, or a
	// missing or non-notifying TX, abort the run before any terminal is
	// created

	cases := []struct {
		name    string
		profile *transporttest.ProfileBuilder
		wantErr string
	}{
		{
			name: "rx missing",
			profile: transporttest.NewProfile().
				WithService(NordicUARTService).
				WithCharacteristic(NordicUARTTx, "notify", nil),
			wantErr: "not found",
		},
		{
			name: "rx not writable",
			profile: transporttest.NewProfile().
				WithService(NordicUARTService).
				WithCharacteristic(NordicUARTRx, "read", nil).
				WithCharacteristic(NordicUARTTx, "notify", nil),
			wantErr: "not writable",
		},
		{
			name: "tx missing",
			profile: transporttest.NewProfile().
				WithService(NordicUARTService).
				WithCharacteristic(NordicUARTRx, "write", nil),
			wantErr: "not found",
		},
		{
			name: "tx does not notify",
			profile: transporttest.NewProfile().
				WithService(NordicUARTService).
				WithCharacteristic(NordicUARTRx, "write", nil).
				WithCharacteristic(NordicUARTTx, "read", nil),
			wantErr: "does not notify",
		},
	}

	for _, tc := range cases {
		s.Run(tc.name, func() {
			s.fake = tc.profile.Build()

			_, err := Run(context.Background(), &RunOptions{Addr: bridgePeer, Logger: s.logger}, nil,
				func(b *Bridge) (struct{}, error) {
					s.Fail("callback MUST NOT run for an unusable link")
					return struct{}{}, nil
				})
			s.Require().Error(err)
			s.Contains(err.Error(), tc.wantErr)
			s.Empty(s.fake.Violations())
		})
	}
}

func (s *BridgeTestSuite) TestBridgeCustomLink() {
	// GOAL: Verify non-default attribute layouts and the write mode
	// fallback.
	//
	// TEST SCENARIO: A single-characteristic serial convention where one
	// attribute takes unacknowledged writes and notifies. Terminal input
	// arrives as write commands because no acknowledged write exists

	s.fake = transporttest.NewProfile().
		WithService("ffe0").
		WithCharacteristic("ffe1", "write-without-response,notify", nil).
		Build()

	opts := &RunOptions{
		Addr:   bridgePeer,
		Link:   LinkConfig{Service: "ffe0", RxChar: "ffe1", TxChar: "ffe1"},
		Logger: s.logger,
	}

	_, err := Run(context.Background(), opts, nil, func(b *Bridge) (struct{}, error) {
		tty := s.openTTY(b.TTYName())
		defer tty.Close()

		_, werr := tty.Write([]byte("AT"))
		s.Require().NoError(werr)
		s.Require().Eventually(func() bool {
			return bytes.Equal(s.fake.Value("ffe1"), []byte("AT"))
		}, 2*time.Second, 10*time.Millisecond, "terminal input MUST reach the characteristic")

		return struct{}{}, nil
	})
	s.Require().NoError(err)

	var writes []transport.WriteCharacteristic
	for _, req := range s.fake.Requests(bridgePeer) {
		if w, ok := req.(transport.WriteCharacteristic); ok {
			writes = append(writes, w)
		}
	}
	s.Require().NotEmpty(writes, "the write MUST be recorded")
	for _, w := range writes {
		s.True(w.WithoutResponse, "writes MUST fall back to the unacknowledged mode")
	}
}

func (s *BridgeTestSuite) TestBridgeConnectFailure() {
	// GOAL: Verify a failed dial surfaces as the run error.
	//
	// TEST SCENARIO: The transport reports a connect failure. Run returns
	// the failure, the callback never executes and no PTY phase is
	// reached

	s.fake.ScriptConnect(bridgePeer, transport.StatusFailure)

	var phases []string
	_, err := Run(context.Background(), &RunOptions{Addr: bridgePeer, Logger: s.logger},
		func(phase string) { phases = append(phases, phase) },
		func(b *Bridge) (struct{}, error) {
			s.Fail("callback MUST NOT run when the connection fails")
			return struct{}{}, nil
		})

	s.Require().Error(err)
	s.ErrorIs(err, central.ErrConnectFailed)
	s.Equal([]string{"Connecting", "Failed"}, phases)
}

func (s *BridgeTestSuite) TestBridgeOptionValidation() {
	// GOAL: Verify Run rejects unusable options before touching the
	// transport.
	//
	// TEST SCENARIO: Nil options and a missing peer address produce
	// errors without any connection attempt

	_, err := Run[struct{}](context.Background(), nil, nil, nil)
	s.ErrorContains(err, "options are required")

	_, err = Run[struct{}](context.Background(), &RunOptions{Logger: s.logger}, nil, nil)
	s.ErrorContains(err, "address is required")

	s.Zero(s.fake.ConnectAttempts(bridgePeer))
}

func TestBridgeTestSuite(t *testing.T) {
	suite.Run(t, new(BridgeTestSuite))
}
