package ptybridge

import (
	"bytes"
	"errors"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"
)

// EndpointTestSuite exercises the ring-buffered endpoint against a real
// pseudo-terminal, with the external side opened by path like a serial
// port user would.
type EndpointTestSuite struct {
	suite.Suite
	ep    Endpoint
	slave *os.File
}

func (s *EndpointTestSuite) SetupTest() {
	// Reduce noise in test output
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	ep, err := NewEndpoint(4096, 4096, logger)
	s.Require().NoError(err, "PTY allocation MUST succeed")
	s.ep = ep

	slave, err := os.OpenFile(ep.TTYName(), os.O_RDWR|syscall.O_NONBLOCK, 0)
	s.Require().NoError(err, "slave MUST be openable by path")
	s.slave = slave
}

func (s *EndpointTestSuite) TearDownTest() {
	_ = s.slave.Close()
	s.NoError(s.ep.Close())
}

// readSlave performs one read on the external slave fd. Reads on a TTY
// opened through os may park until data arrives, so callers accumulate
// across Eventually ticks instead of draining to EAGAIN.
func (s *EndpointTestSuite) readSlave() []byte {
	buf := make([]byte, 4096)
	n, _ := s.slave.Read(buf)
	if n <= 0 {
		return nil
	}
	return buf[:n]
}

func (s *EndpointTestSuite) TestWriteReachesTerminal() {
	// GOAL: Verify queued writes surface on the terminal side.
	//
	// TEST SCENARIO: Write through the endpoint → external reader on the
	// slave sees the exact bytes

	payload := []byte("hello terminal\n")
	n, err := s.ep.Write(payload)
	s.Require().NoError(err)
	s.Equal(len(payload), n, "write MUST queue fully")

	var got []byte
	s.Require().Eventually(func() bool {
		got = append(got, s.readSlave()...)
		return bytes.Equal(got, payload)
	}, 2*time.Second, 10*time.Millisecond, "slave MUST receive the written bytes")

	s.Require().Eventually(func() bool {
		return s.ep.Stats().WriteBytesTotal == uint64(len(payload))
	}, 2*time.Second, 10*time.Millisecond, "write counter MUST track transmitted bytes")
	s.Zero(s.ep.Stats().DroppedWriteBytes)
}

func (s *EndpointTestSuite) TestReadFromTerminal() {
	// GOAL: Verify terminal input becomes readable without blocking.
	//
	// TEST SCENARIO: External writer on the slave → endpoint Read returns
	// the bytes; an empty buffer reports EAGAIN

	buf := make([]byte, 64)
	_, err := s.ep.Read(buf)
	s.Require().ErrorIs(err, syscall.EAGAIN, "empty buffer MUST report EAGAIN")

	_, err = s.slave.Write([]byte("input"))
	s.Require().NoError(err)

	var got []byte
	s.Require().Eventually(func() bool {
		n, err := s.ep.Read(buf)
		if n > 0 {
			got = append(got, buf[:n]...)
		}
		if err != nil && !errors.Is(err, syscall.EAGAIN) {
			return false
		}
		return bytes.Equal(got, []byte("input"))
	}, 2*time.Second, 10*time.Millisecond, "endpoint MUST buffer terminal input")

	s.Require().Eventually(func() bool {
		return s.ep.Stats().ReadBytesTotal == uint64(len("input"))
	}, 2*time.Second, 10*time.Millisecond, "read counter MUST track buffered bytes")
}

func (s *EndpointTestSuite) TestReadCallback() {
	// GOAL: Verify asynchronous input delivery through the registered
	// callback.
	//
	// TEST SCENARIO: Register a callback, write on the slave → callback
	// receives the bytes without any Read calls

	chunks := make(chan []byte, 16)
	s.ep.SetReadCallback(func(data []byte) { chunks <- data })

	_, err := s.slave.Write([]byte("async"))
	s.Require().NoError(err)

	var got []byte
	s.Require().Eventually(func() bool {
		select {
		case c := <-chunks:
			got = append(got, c...)
		default:
		}
		return bytes.Equal(got, []byte("async"))
	}, 2*time.Second, 10*time.Millisecond, "callback MUST receive terminal input")

	// unregister; subsequent input stays readable via Read
	s.ep.SetReadCallback(nil)
	_, err = s.slave.Write([]byte("x"))
	s.Require().NoError(err)

	buf := make([]byte, 8)
	s.Require().Eventually(func() bool {
		n, _ := s.ep.Read(buf)
		return n == 1 && buf[0] == 'x'
	}, 2*time.Second, 10*time.Millisecond, "input after unregister MUST stay readable")
}

func (s *EndpointTestSuite) TestCallbackPanicUnregisters() {
	// GOAL: Verify a panicking callback cannot wedge the dispatcher.
	//
	// TEST SCENARIO: Callback panics on first chunk → it is unregistered,
	// the error handler fires once and later input is still readable

	errs := make(chan error, 1)
	ep, err := NewEndpointWithOptions(&EndpointOptions{
		ReadCap:  4096,
		WriteCap: 4096,
		OnError:  func(err error) { errs <- err },
	})
	s.Require().NoError(err)
	defer func() { _ = ep.Close() }()

	slave, err := os.OpenFile(ep.TTYName(), os.O_RDWR|syscall.O_NONBLOCK, 0)
	s.Require().NoError(err)
	defer slave.Close()

	ep.SetReadCallback(func([]byte) { panic("boom") })

	_, err = slave.Write([]byte("a"))
	s.Require().NoError(err)

	select {
	case e := <-errs:
		s.Contains(e.Error(), "panic", "error handler MUST report the panic")
	case <-time.After(2 * time.Second):
		s.Fail("error handler MUST fire")
	}

	_, err = slave.Write([]byte("b"))
	s.Require().NoError(err)
	buf := make([]byte, 8)
	s.Require().Eventually(func() bool {
		n, _ := ep.Read(buf)
		return n == 1 && buf[0] == 'b'
	}, 2*time.Second, 10*time.Millisecond, "dispatcher MUST survive the panic")
}

func (s *EndpointTestSuite) TestWriteOverflowDrops() {
	// GOAL: Verify overflow keeps what fits and counts the rest.
	//
	// TEST SCENARIO: Write more than the output ring holds in one call →
	// partial count returned, drop counter advances

	ep, err := NewEndpointWithOptions(&EndpointOptions{ReadCap: 16, WriteCap: 4})
	s.Require().NoError(err)
	defer func() { _ = ep.Close() }()

	n, err := ep.Write([]byte("12345678"))
	s.Require().NoError(err)
	s.Less(n, 8, "oversized write MUST queue partially")
	s.Equal(uint64(8-n), ep.Stats().DroppedWriteBytes, "drops MUST be counted")
}

func (s *EndpointTestSuite) TestClosedEndpoint() {
	// GOAL: Verify post-Close calls fail cleanly.
	//
	// TEST SCENARIO: Close twice → second is a no-op; Read and Write
	// report the endpoint as closed

	ep, err := NewEndpoint(64, 64, nil)
	s.Require().NoError(err)

	s.NoError(ep.Close())
	s.NoError(ep.Close(), "second Close MUST be a no-op")

	_, err = ep.Write([]byte("x"))
	s.ErrorIs(err, os.ErrClosed)
	_, err = ep.Read(make([]byte, 4))
	s.ErrorIs(err, os.ErrClosed)
}

func (s *EndpointTestSuite) TestOptionValidation() {
	// GOAL: Verify constructor rejects unusable configurations.
	//
	// TEST SCENARIO: Nil options and non-positive capacities → errors

	_, err := NewEndpointWithOptions(nil)
	s.Error(err, "nil options MUST be rejected")

	_, err = NewEndpoint(0, 64, nil)
	s.Error(err, "zero read capacity MUST be rejected")

	_, err = NewEndpoint(64, -1, nil)
	s.Error(err, "negative write capacity MUST be rejected")
}

func TestEndpointTestSuite(t *testing.T) {
	suite.Run(t, new(EndpointTestSuite))
}
