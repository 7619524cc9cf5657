package ptybridge

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/srg/gattq/internal/bledb"
	"github.com/srg/gattq/internal/central"
	"github.com/srg/gattq/internal/groutine"
	"github.com/srg/gattq/internal/transport"
	"github.com/srg/gattq/session"
)

// Nordic UART Service attribute layout, the de-facto serial-over-GATT
// convention. RX is written by the central; TX notifies it.
const (
	NordicUARTService = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	NordicUARTRx      = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	NordicUARTTx      = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
)

// DefaultBufferSize is the per-direction ring capacity in bytes.
const DefaultBufferSize = 1000

// LinkConfig maps a peer's serial convention onto the terminal. Zero
// fields take the Nordic UART defaults.
type LinkConfig struct {
	Service string // service holding both characteristics
	RxChar  string // written with terminal input
	TxChar  string // notifying characteristic streamed to the terminal

	ReadBuffer  int // terminal input ring, bytes
	WriteBuffer int // terminal output ring, bytes

	// SymlinkPath, when set, is created pointing at the slave device and
	// removed on teardown.
	SymlinkPath string

	// WithoutResponse forces unacknowledged writes. Otherwise the write
	// mode follows the RX characteristic's properties.
	WithoutResponse bool
}

func (c LinkConfig) withDefaults() LinkConfig {
	if c.Service == "" {
		c.Service = NordicUARTService
	}
	if c.RxChar == "" {
		c.RxChar = NordicUARTRx
	}
	if c.TxChar == "" {
		c.TxChar = NordicUARTTx
	}
	if c.ReadBuffer <= 0 {
		c.ReadBuffer = DefaultBufferSize
	}
	if c.WriteBuffer <= 0 {
		c.WriteBuffer = DefaultBufferSize
	}
	return c
}

// RunOptions configures one bridge run.
type RunOptions struct {
	Addr    string         // peer address
	Session central.Config // engine session parameters
	Link    LinkConfig
	Logger  *logrus.Logger
}

// ProgressCallback is called when the bridge phase changes.
type ProgressCallback func(phase string)

// Callback runs with the live bridge and produces the run's result.
type Callback[R any] func(b *Bridge) (R, error)

// Bridge is one peer session exposed as a pseudo-terminal.
type Bridge struct {
	sess     *session.Session
	endpoint Endpoint
	symlink  string
}

// Session returns the underlying session surface.
func (b *Bridge) Session() *session.Session {
	return b.sess
}

// Endpoint returns the terminal endpoint.
func (b *Bridge) Endpoint() Endpoint {
	return b.endpoint
}

// TTYName returns the slave device path external processes open.
func (b *Bridge) TTYName() string {
	return b.endpoint.TTYName()
}

// Symlink returns the created symlink path, empty if none.
func (b *Bridge) Symlink() string {
	return b.symlink
}

// Run connects to the peer, wires its serial characteristics to a fresh
// pseudo-terminal and executes callback with the live bridge. Teardown
// is managed: the terminal, the symlink and the session are released
// when Run returns.
func Run[R any](ctx context.Context, opts *RunOptions, progress ProgressCallback, callback Callback[R]) (R, error) {
	var zero R
	if opts == nil {
		return zero, fmt.Errorf("bridge options are required")
	}
	if opts.Addr == "" {
		return zero, fmt.Errorf("peer address is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	if progress == nil {
		progress = func(string) {}
	}
	link := opts.Link.withDefaults()

	return session.Run(ctx, opts.Addr, &session.Options{Config: opts.Session}, logger,
		session.ProgressCallback(progress),
		func(sess *session.Session) (R, error) {
			return serve(ctx, sess, link, logger, progress, callback)
		})
}

// serve wires an established session to a fresh endpoint and runs the
// callback.
func serve[R any](ctx context.Context, sess *session.Session, link LinkConfig, logger *logrus.Logger, progress ProgressCallback, callback Callback[R]) (R, error) {
	var zero R

	tree, ok := sess.Attributes()
	if !ok {
		return zero, fmt.Errorf("attributes of %s are not available", sess.Peer())
	}
	rx, ok := tree.FindCharacteristic(link.Service, link.RxChar)
	if !ok {
		return zero, fmt.Errorf("rx characteristic %s not found in service %s", link.RxChar, link.Service)
	}
	if !rx.Properties.Has(transport.PropWrite) && !rx.Properties.Has(transport.PropWriteWithoutResponse) {
		return zero, fmt.Errorf("rx characteristic %s is not writable (%s)", rx.UUID, rx.Properties)
	}
	tx, ok := tree.FindCharacteristic(link.Service, link.TxChar)
	if !ok {
		return zero, fmt.Errorf("tx characteristic %s not found in service %s", link.TxChar, link.Service)
	}
	if !tx.Properties.CanNotify() {
		return zero, fmt.Errorf("tx characteristic %s does not notify (%s)", tx.UUID, tx.Properties)
	}

	progress("Setting up PTY")

	endpoint, err := NewEndpointWithOptions(&EndpointOptions{
		ReadCap:  link.ReadBuffer,
		WriteCap: link.WriteBuffer,
		Logger:   logger,
	})
	if err != nil {
		return zero, err
	}
	defer func() {
		if err := endpoint.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close PTY endpoint")
		}
	}()

	logger.WithField("tty", endpoint.TTYName()).Info("Created PTY device")

	var symlink string
	if link.SymlinkPath != "" {
		if err := os.Symlink(endpoint.TTYName(), link.SymlinkPath); err != nil {
			return zero, fmt.Errorf("failed to create tty symlink %s -> %s: %w", link.SymlinkPath, endpoint.TTYName(), err)
		}
		symlink = link.SymlinkPath
		// remove before the endpoint closes so no window exists where the
		// symlink points at a reused pts number
		defer func() {
			if err := os.Remove(symlink); err != nil {
				logger.WithError(err).WithField("symlink", symlink).Warn("Failed to remove tty symlink")
			}
		}()
		logger.WithFields(logrus.Fields{
			"symlink": symlink,
			"target":  endpoint.TTYName(),
		}).Info("Created PTY symlink")
	}

	if err := sess.Subscribe(link.Service, link.TxChar); err != nil {
		return zero, fmt.Errorf("failed to subscribe to %s: %w", link.TxChar, err)
	}

	pumpCtx, stopPump := context.WithCancel(ctx)
	defer stopPump()

	txUUID := bledb.NormalizeUUID(link.TxChar)
	groutine.Go(pumpCtx, "bridge-pump", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case n := <-sess.Notifications():
				if n.Characteristic != txUUID {
					continue
				}
				if _, err := endpoint.Write(n.Payload); err != nil {
					logger.WithError(err).Warn("Failed to forward notification to terminal")
				}
			}
		}
	})

	// unacknowledged only when forced or when the peer offers no
	// acknowledged write
	withoutResponse := link.WithoutResponse || !rx.Properties.Has(transport.PropWrite)
	endpoint.SetReadCallback(func(data []byte) {
		if err := sess.Write(link.Service, link.RxChar, data, withoutResponse); err != nil {
			logger.WithError(err).Warn("Failed to forward terminal input to peer")
		}
	})

	progress("Running")

	return callback(&Bridge{sess: sess, endpoint: endpoint, symlink: symlink})
}
