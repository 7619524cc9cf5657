package main

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/suite"

	"github.com/srg/gattq/internal/transport"
	"github.com/srg/gattq/internal/transport/transporttest"
	"github.com/srg/gattq/session"
)

// Test device addresses for consistent fake peer identification
const (
	TestDeviceAddress1 = "00:00:00:00:00:01"
	TestDeviceAddress2 = "00:00:00:00:00:02"
)

// CommandTestSuite routes every session a command opens through a fake
// transport. All cmd/gattq test suites should embed this.
type CommandTestSuite struct {
	suite.Suite

	// Fake is the transport behind the next command execution. SetupTest
	// installs a default profile; tests needing their own attribute
	// layout overwrite it before running the command.
	Fake *transporttest.Fake

	originalFactory func(*logrus.Logger) transport.Transport
}

func (s *CommandTestSuite) SetupSuite() {
	s.originalFactory = session.TransportFactory
	// Late-bound: reads s.Fake at dial time so each test swaps in its
	// own scripted transport.
	session.TransportFactory = func(*logrus.Logger) transport.Transport {
		return s.Fake
	}
}

func (s *CommandTestSuite) TearDownSuite() {
	session.TransportFactory = s.originalFactory
}

func (s *CommandTestSuite) SetupTest() {
	s.Fake = transporttest.DefaultProfile().Build()
}

func (s *CommandTestSuite) TearDownTest() {
	if s.Fake != nil {
		s.Empty(s.Fake.Violations(), "fake transport MUST see a well-behaved client")
	}
}

// WaitConnected reports whether the fake sees an established link to
// addr within timeout. Callers scheduling mid-command events poll this
// from their own goroutine.
func (s *CommandTestSuite) WaitConnected(addr string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.Fake.IsConnected(addr) {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

// CaptureStdout executes fn while capturing stdout, returns captured output.
// Stdout is restored even if fn panics.
func (s *CommandTestSuite) CaptureStdout(fn func()) string {
	oldStdout := os.Stdout
	r, w, err := os.Pipe()
	s.Require().NoError(err, "pipe creation MUST succeed")
	os.Stdout = w
	defer func() { os.Stdout = oldStdout }()

	fn()

	w.Close()
	out, _ := io.ReadAll(r)
	return string(out)
}

// ExecuteCommand runs a cobra command with args, returns output and error.
func (s *CommandTestSuite) ExecuteCommand(cmd *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}
