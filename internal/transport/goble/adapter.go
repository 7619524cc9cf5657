// Package goble adapts the go-ble stack to the engine's transport
// contract. Commands return after issuing the platform call; outcomes are
// delivered through the bound handler from per-command goroutines. The
// adapter trusts the engine to keep at most one attribute operation
// outstanding per link.
package goble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/gattq/internal/groutine"
	"github.com/srg/gattq/internal/transport"
)

const (
	// DefaultConnectTimeout bounds a dial when the engine passes none.
	DefaultConnectTimeout = 30 * time.Second

	// DefaultWriteChunkSize is the write payload limit at the protocol
	// floor: 23 bytes ATT_MTU minus the 3-byte attribute header. Links
	// that negotiated a larger unit get proportionally larger chunks.
	DefaultWriteChunkSize = 20

	// DefaultWriteDelay paces consecutive write chunks so a slow
	// peripheral's receive buffer is not overrun.
	DefaultWriteDelay = 10 * time.Millisecond

	attHeaderOverhead = 3
)

// DeviceFactory creates the platform ble.Device. Overridable so tests and
// embedders can supply their own stack; the default is chosen per platform
// at build time.
var DeviceFactory = defaultDevice

// link is the adapter's record of one established connection.
type link struct {
	client ble.Client

	// live handles by normalized UUID, populated at discovery
	chars map[string]*ble.Characteristic
	descs map[string]*ble.Descriptor
	subs  map[string]*ble.Characteristic

	mtu       int
	current   transport.Token
	cancelled bool
	requested bool
	monitored bool

	// serializes chunked writes against each other
	writeMu sync.Mutex
}

// Adapter implements transport.Transport over go-ble. Construct with New;
// the zero value is not usable.
type Adapter struct {
	mu      sync.Mutex
	log     *logrus.Logger
	handler transport.Handler
	dev     ble.Device
	links   map[string]*link
	closed  bool
}

// New returns an unbound adapter. The platform device is created lazily on
// the first Connect.
func New(log *logrus.Logger) *Adapter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Adapter{
		log:   log,
		links: make(map[string]*link),
	}
}

// Bind registers the event handler.
func (a *Adapter) Bind(h transport.Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = h
}

// deviceLocked creates the platform device on first use.
func (a *Adapter) deviceLocked() (ble.Device, error) {
	if a.dev != nil {
		return a.dev, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}
	ble.SetDefaultDevice(dev)
	a.dev = dev
	return dev, nil
}

// Connect dials addr on its own goroutine and reports the outcome as a
// LinkUp event.
func (a *Adapter) Connect(addr string, p transport.Params) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return fmt.Errorf("transport closed")
	}
	if _, ok := a.links[addr]; ok {
		a.mu.Unlock()
		return fmt.Errorf("already connected to %s", addr)
	}
	if _, err := a.deviceLocked(); err != nil {
		a.mu.Unlock()
		a.log.WithError(err).Error("Failed to create BLE device")
		return err
	}
	h := a.handlerLocked()
	a.mu.Unlock()

	timeout := p.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	groutine.Go(context.Background(), "ble-dial", func(ctx context.Context) {
		dialCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		a.log.WithFields(logrus.Fields{
			"address": addr,
			"timeout": timeout,
		}).Debug("Dialing BLE device")

		client, err := ble.Dial(dialCtx, ble.NewAddr(addr))
		if err != nil {
			a.log.WithFields(logrus.Fields{
				"address": addr,
				"error":   err,
			}).Warn("Failed to dial BLE device")
			h.HandleConnectionState(addr, statusFromError(err), transport.LinkUp)
			return
		}

		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			_ = client.CancelConnection()
			return
		}
		lk := &link{
			client: client,
			chars:  make(map[string]*ble.Characteristic),
			descs:  make(map[string]*ble.Descriptor),
			subs:   make(map[string]*ble.Characteristic),
			mtu:    transport.DefaultMTU,
		}
		a.links[addr] = lk
		a.mu.Unlock()

		a.watchLink(addr, lk)

		a.log.WithField("address", addr).Info("BLE device connected")
		h.HandleConnectionState(addr, transport.StatusSuccess, transport.LinkUp)
	})
	return nil
}

// watchLink monitors the client's disconnection channel when the platform
// exposes one, turning every link termination into a single LinkDown event.
func (a *Adapter) watchLink(addr string, lk *link) {
	monitored, ok := lk.client.(interface{ Disconnected() <-chan struct{} })
	if !ok {
		a.log.WithField("address", addr).Debug("Client does not expose a disconnection channel")
		return
	}

	a.mu.Lock()
	lk.monitored = true
	a.mu.Unlock()

	groutine.Go(context.Background(), "ble-link-monitor", func(ctx context.Context) {
		<-monitored.Disconnected()

		a.mu.Lock()
		cur, live := a.links[addr]
		if !live || cur != lk {
			a.mu.Unlock()
			return
		}
		delete(a.links, addr)
		requested := lk.requested
		h := a.handlerLocked()
		a.mu.Unlock()

		status := transport.StatusFailure
		if requested {
			status = transport.StatusSuccess
		}
		a.log.WithFields(logrus.Fields{
			"address":   addr,
			"requested": requested,
		}).Info("BLE link down")
		h.HandleConnectionState(addr, status, transport.LinkDown)
	})
}

// Disconnect tears the link down. The LinkDown event arrives through the
// link monitor once the stack confirms; platforms without a disconnection
// channel report it here.
func (a *Adapter) Disconnect(addr string) error {
	a.mu.Lock()
	lk, ok := a.links[addr]
	if !ok {
		a.mu.Unlock()
		return nil
	}
	lk.requested = true
	monitored := lk.monitored
	if !monitored {
		delete(a.links, addr)
	}
	h := a.handlerLocked()
	a.mu.Unlock()

	a.unsubscribeAll(lk)

	err := lk.client.CancelConnection()
	if err != nil {
		a.log.WithFields(logrus.Fields{
			"address": addr,
			"error":   err,
		}).Warn("Failed to cancel BLE connection")
	}
	if !monitored {
		h.HandleConnectionState(addr, transport.StatusSuccess, transport.LinkDown)
	}
	return err
}

// DiscoverAttributes enumerates the peer's profile on its own goroutine.
func (a *Adapter) DiscoverAttributes(addr string) error {
	a.mu.Lock()
	lk, ok := a.links[addr]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("not connected to %s", addr)
	}
	h := a.handlerLocked()
	a.mu.Unlock()

	groutine.Go(context.Background(), "ble-discover", func(ctx context.Context) {
		profile, err := lk.client.DiscoverProfile(true)
		if err != nil {
			a.log.WithFields(logrus.Fields{
				"address": addr,
				"error":   err,
			}).Warn("Profile discovery failed")
			h.HandleAttributesDiscovered(addr, statusFromError(err), nil)
			return
		}

		tree, chars, descs := buildTree(profile)

		a.mu.Lock()
		lk.chars = chars
		lk.descs = descs
		a.mu.Unlock()

		a.log.WithFields(logrus.Fields{
			"address":  addr,
			"services": tree.Len(),
		}).Info("Profile discovered")
		h.HandleAttributesDiscovered(addr, transport.StatusSuccess, tree)
	})
	return nil
}

// Execute performs one attribute operation on its own goroutine. The live
// handle is resolved against the discovery indices before the goroutine
// starts, so an unresolvable operation fails synchronously.
func (a *Adapter) Execute(addr string, token transport.Token, req transport.Request) error {
	a.mu.Lock()
	lk, ok := a.links[addr]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("not connected to %s", addr)
	}

	run, err := a.prepareLocked(addr, lk, token, req)
	if err != nil {
		a.mu.Unlock()
		return err
	}
	lk.current = token
	lk.cancelled = false
	a.mu.Unlock()

	groutine.Go(context.Background(), "ble-execute", func(ctx context.Context) {
		status, payload := run()
		a.deliver(addr, lk, token, req, status, payload)
	})
	return nil
}

// prepareLocked resolves req to a closure executing it against the live
// handles. Callers hold a.mu.
func (a *Adapter) prepareLocked(addr string, lk *link, token transport.Token, req transport.Request) (func() (transport.Status, []byte), error) {
	client := lk.client

	switch r := req.(type) {
	case transport.ReadCharacteristic:
		c, err := lk.characteristicLocked(r.Characteristic)
		if err != nil {
			return nil, err
		}
		return func() (transport.Status, []byte) {
			data, err := client.ReadCharacteristic(c)
			return statusFromError(err), data
		}, nil

	case transport.WriteCharacteristic:
		c, err := lk.characteristicLocked(r.Characteristic)
		if err != nil {
			return nil, err
		}
		limit := lk.mtu - attHeaderOverhead
		if limit < DefaultWriteChunkSize {
			limit = DefaultWriteChunkSize
		}
		return func() (transport.Status, []byte) {
			return a.chunkedWrite(lk, c, r.Payload, r.WithoutResponse, limit), nil
		}, nil

	case transport.ReadDescriptor:
		d, err := lk.descriptorLocked(r.Characteristic, r.Descriptor)
		if err != nil {
			return nil, err
		}
		return func() (transport.Status, []byte) {
			data, err := client.ReadDescriptor(d)
			return statusFromError(err), data
		}, nil

	case transport.WriteDescriptor:
		d, err := lk.descriptorLocked(r.Characteristic, r.Descriptor)
		if err != nil {
			return nil, err
		}
		return func() (transport.Status, []byte) {
			return statusFromError(client.WriteDescriptor(d, r.Payload)), nil
		}, nil

	case transport.SetNotification:
		c, err := lk.characteristicLocked(r.Characteristic)
		if err != nil {
			return nil, err
		}
		if r.Enable {
			return func() (transport.Status, []byte) {
				return a.subscribe(addr, lk, c), nil
			}, nil
		}
		return func() (transport.Status, []byte) {
			return a.unsubscribe(lk, c), nil
		}, nil

	case transport.ExchangeMTU:
		return func() (transport.Status, []byte) {
			granted, err := client.ExchangeMTU(r.MTU)
			if err != nil {
				a.log.WithFields(logrus.Fields{
					"address": addr,
					"error":   err,
				}).Warn("Transmission unit exchange failed")
				return statusFromError(err), nil
			}
			a.mu.Lock()
			lk.mtu = granted
			h := a.handlerLocked()
			a.mu.Unlock()
			h.HandleMTUChanged(addr, granted, transport.StatusSuccess)
			return transport.StatusSuccess, nil
		}, nil

	default:
		return nil, fmt.Errorf("unsupported operation %q", req.Kind())
	}
}

// chunkedWrite splits payload at the link's negotiated unit and paces the
// chunks so slow peripherals keep up.
func (a *Adapter) chunkedWrite(lk *link, c *ble.Characteristic, payload []byte, withoutResponse bool, limit int) transport.Status {
	lk.writeMu.Lock()
	defer lk.writeMu.Unlock()

	for len(payload) > 0 {
		n := len(payload)
		if n > limit {
			n = limit
		}
		if err := lk.client.WriteCharacteristic(c, payload[:n], withoutResponse); err != nil {
			return statusFromError(err)
		}
		payload = payload[n:]
		if len(payload) > 0 {
			time.Sleep(DefaultWriteDelay)
		}
	}
	return transport.StatusSuccess
}

// subscribe enables value delivery, preferring notifications and falling
// back to indications when the characteristic only supports those. A
// second subscribe to the same characteristic is a no-op.
func (a *Adapter) subscribe(addr string, lk *link, c *ble.Characteristic) transport.Status {
	uuid := transport.NormalizeUUID(c.UUID.String())
	indicate := c.Property&ble.CharNotify == 0 && c.Property&ble.CharIndicate != 0

	a.mu.Lock()
	h := a.handlerLocked()
	if _, active := lk.subs[uuid]; active {
		a.mu.Unlock()
		return transport.StatusSuccess
	}
	a.mu.Unlock()

	err := lk.client.Subscribe(c, indicate, func(data []byte) {
		h.HandleNotification(addr, uuid, data)
	})
	if err != nil {
		a.log.WithFields(logrus.Fields{
			"address":        addr,
			"characteristic": uuid,
			"error":          err,
		}).Warn("Subscribe failed")
		return statusFromError(err)
	}

	a.mu.Lock()
	lk.subs[uuid] = c
	a.mu.Unlock()
	return transport.StatusSuccess
}

// unsubscribe disables value delivery, trying both modes and failing only
// when neither succeeds.
func (a *Adapter) unsubscribe(lk *link, c *ble.Characteristic) transport.Status {
	uuid := transport.NormalizeUUID(c.UUID.String())

	notifyErr := lk.client.Unsubscribe(c, false)
	indicateErr := lk.client.Unsubscribe(c, true)

	a.mu.Lock()
	delete(lk.subs, uuid)
	a.mu.Unlock()

	if notifyErr != nil && indicateErr != nil {
		a.log.WithFields(logrus.Fields{
			"characteristic": uuid,
			"notify_err":     notifyErr,
			"indicate_err":   indicateErr,
		}).Warn("Unsubscribe failed")
		return statusFromError(notifyErr)
	}
	return transport.StatusSuccess
}

// unsubscribeAll is best-effort teardown hygiene before dropping a link.
func (a *Adapter) unsubscribeAll(lk *link) {
	a.mu.Lock()
	subs := make([]*ble.Characteristic, 0, len(lk.subs))
	for _, c := range lk.subs {
		subs = append(subs, c)
	}
	lk.subs = make(map[string]*ble.Characteristic)
	a.mu.Unlock()

	for _, c := range subs {
		_ = lk.client.Unsubscribe(c, false)
		_ = lk.client.Unsubscribe(c, true)
	}
}

// deliver completes one operation unless its token was cancelled while the
// platform call was in flight.
func (a *Adapter) deliver(addr string, lk *link, token transport.Token, req transport.Request, status transport.Status, payload []byte) {
	a.mu.Lock()
	dropped := lk.cancelled && lk.current == token
	if lk.current == token {
		lk.current = transport.Token{}
		lk.cancelled = false
	}
	h := a.handlerLocked()
	a.mu.Unlock()

	if dropped {
		a.log.WithFields(logrus.Fields{
			"address":   addr,
			"operation": req.Kind(),
			"token":     token,
		}).Debug("Dropping result of cancelled operation")
		return
	}
	h.HandleOperationResult(addr, token, status, payload)
}

// Cancel abandons the outstanding operation. The platform call is left to
// finish; its result is swallowed on delivery.
func (a *Adapter) Cancel(addr string, token transport.Token) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	lk, ok := a.links[addr]
	if !ok {
		return nil
	}
	if lk.current == token {
		lk.cancelled = true
	}
	return nil
}

// Close hangs up every link and stops the platform device. No LinkDown
// events are emitted; the engine tears its sessions down itself.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	links := make([]*link, 0, len(a.links))
	for _, lk := range a.links {
		links = append(links, lk)
	}
	a.links = make(map[string]*link)
	dev := a.dev
	a.dev = nil
	a.mu.Unlock()

	for _, lk := range links {
		_ = lk.client.CancelConnection()
	}
	if dev != nil {
		return dev.Stop()
	}
	return nil
}

func (a *Adapter) handlerLocked() transport.Handler {
	if a.handler == nil {
		panic("goble: Bind was not called before issuing commands")
	}
	return a.handler
}

func (lk *link) characteristicLocked(uuid string) (*ble.Characteristic, error) {
	c, ok := lk.chars[transport.NormalizeUUID(uuid)]
	if !ok {
		return nil, fmt.Errorf("characteristic %s not discovered", uuid)
	}
	return c, nil
}

func (lk *link) descriptorLocked(charUUID, descUUID string) (*ble.Descriptor, error) {
	key := descKey(transport.NormalizeUUID(charUUID), transport.NormalizeUUID(descUUID))
	d, ok := lk.descs[key]
	if !ok {
		return nil, fmt.Errorf("descriptor %s of characteristic %s not discovered", descUUID, charUUID)
	}
	return d, nil
}

func descKey(charUUID, descUUID string) string {
	return charUUID + "/" + descUUID
}
