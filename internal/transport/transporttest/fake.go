// Package transporttest provides a scripted in-memory Transport for engine
// and command tests. The fake completes every command synchronously on the
// caller's goroutine unless a script silences it, records each command it
// was issued, and flags contract violations such as a second Execute while
// one is still outstanding.
package transporttest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/srg/gattq/internal/bledb"
	"github.com/srg/gattq/internal/transport"
)

// Synchronous command failures the fake can produce on its own.
var (
	ErrNotConnected = errors.New("transporttest: peer not connected")
	ErrBusy         = errors.New("transporttest: command rejected, busy")
	ErrClosed       = errors.New("transporttest: transport closed")
)

// Command is one recorded transport command. Kind is "connect",
// "disconnect", "discover", "close" or the Request kind for executes.
type Command struct {
	Kind  string
	Addr  string
	Token transport.Token
	Req   transport.Request
}

// Fake is a scripted Transport. Construct one through ProfileBuilder.Build
// or NewFake; the zero value is not usable.
//
// Unscripted commands succeed: Connect raises the link, DiscoverAttributes
// delivers the built profile, Execute completes against the stored
// attribute values. Scripts are consumed in order, one per command, and
// exhausted scripts fall back to success.
type Fake struct {
	mu      sync.Mutex
	handler transport.Handler
	closed  bool

	tree   *transport.Tree
	values map[string][]byte

	commands []Command

	connected     map[string]bool
	dialing       map[string]bool
	inflight      map[string]transport.Token
	subscriptions map[string]map[string]bool

	connectScripts  map[string][]transport.Status
	discoverScripts map[string][]transport.Status
	executeScripts  map[string][]transport.Status
	silentConnects  map[string]int
	silentDiscovers map[string]int
	silentDisconns  map[string]int
	silentExecutes  int
	syncErrs        map[string]error

	mtuCap int

	violations []string
}

// NewFake returns a fake serving an empty attribute profile.
func NewFake() *Fake {
	return &Fake{
		tree:            transport.NewTree(),
		values:          make(map[string][]byte),
		connected:       make(map[string]bool),
		dialing:         make(map[string]bool),
		inflight:        make(map[string]transport.Token),
		subscriptions:   make(map[string]map[string]bool),
		connectScripts:  make(map[string][]transport.Status),
		discoverScripts: make(map[string][]transport.Status),
		executeScripts:  make(map[string][]transport.Status),
		silentConnects:  make(map[string]int),
		silentDiscovers: make(map[string]int),
		silentDisconns:  make(map[string]int),
		syncErrs:        make(map[string]error),
		mtuCap:          transport.MaxMTU,
	}
}

// Bind registers the event handler.
func (f *Fake) Bind(h transport.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

// Connect records the attempt and completes it with a LinkUp event unless
// silenced. Scripted statuses are consumed one per attempt.
func (f *Fake) Connect(addr string, _ transport.Params) error {
	f.mu.Lock()
	f.commands = append(f.commands, Command{Kind: "connect", Addr: addr})
	if err := f.commandErrLocked("connect"); err != nil {
		f.mu.Unlock()
		return err
	}
	if f.connected[addr] {
		f.violateLocked("connect for %s while already connected", addr)
		f.mu.Unlock()
		return ErrBusy
	}
	if f.silentConnects[addr] > 0 {
		f.silentConnects[addr]--
		f.dialing[addr] = true
		f.mu.Unlock()
		return nil
	}
	status := f.takeScriptLocked(f.connectScripts, addr)
	f.dialing[addr] = false
	if status.OK() {
		f.connected[addr] = true
	}
	h := f.handlerLocked()
	f.mu.Unlock()

	h.HandleConnectionState(addr, status, transport.LinkUp)
	return nil
}

// Disconnect tears the link down and reports LinkDown unless silenced.
// Disconnecting a peer with neither a link nor a pending dial is a no-op.
func (f *Fake) Disconnect(addr string) error {
	f.mu.Lock()
	f.commands = append(f.commands, Command{Kind: "disconnect", Addr: addr})
	if err := f.commandErrLocked("disconnect"); err != nil {
		f.mu.Unlock()
		return err
	}
	if !f.connected[addr] && !f.dialing[addr] {
		f.mu.Unlock()
		return nil
	}
	if f.silentDisconns[addr] > 0 {
		f.silentDisconns[addr]--
		f.mu.Unlock()
		return nil
	}
	f.teardownLocked(addr)
	h := f.handlerLocked()
	f.mu.Unlock()

	h.HandleConnectionState(addr, transport.StatusSuccess, transport.LinkDown)
	return nil
}

// DiscoverAttributes delivers the built profile unless scripted or silenced.
func (f *Fake) DiscoverAttributes(addr string) error {
	f.mu.Lock()
	f.commands = append(f.commands, Command{Kind: "discover", Addr: addr})
	if err := f.commandErrLocked("discover"); err != nil {
		f.mu.Unlock()
		return err
	}
	if !f.connected[addr] {
		f.violateLocked("discover for %s while not connected", addr)
		f.mu.Unlock()
		return ErrNotConnected
	}
	if f.silentDiscovers[addr] > 0 {
		f.silentDiscovers[addr]--
		f.mu.Unlock()
		return nil
	}
	status := f.takeScriptLocked(f.discoverScripts, addr)
	tree := f.tree
	h := f.handlerLocked()
	f.mu.Unlock()

	if status.OK() {
		h.HandleAttributesDiscovered(addr, status, tree)
	} else {
		h.HandleAttributesDiscovered(addr, status, nil)
	}
	return nil
}

// Execute performs one attribute operation against the stored profile.
// A second Execute while one is outstanding for the same peer is recorded
// as a violation and rejected.
func (f *Fake) Execute(addr string, token transport.Token, req transport.Request) error {
	f.mu.Lock()
	f.commands = append(f.commands, Command{Kind: req.Kind(), Addr: addr, Token: token, Req: req})
	if err := f.commandErrLocked(req.Kind()); err != nil {
		f.mu.Unlock()
		return err
	}
	if !f.connected[addr] {
		f.violateLocked("execute %s for %s while not connected", req.Kind(), addr)
		f.mu.Unlock()
		return ErrNotConnected
	}
	if prev, busy := f.inflight[addr]; busy {
		f.violateLocked("execute %s for %s while %s still outstanding", req.Kind(), addr, prev)
		f.mu.Unlock()
		return ErrBusy
	}
	if f.silentExecutes > 0 {
		f.silentExecutes--
		f.inflight[addr] = token
		f.mu.Unlock()
		return nil
	}
	status := f.takeExecuteScriptLocked(req)
	fire := f.completeLocked(addr, token, req, status)
	f.mu.Unlock()

	fire()
	return nil
}

// Cancel abandons the outstanding operation for addr if token matches.
// The fake drops its in-flight marker so a following Execute is legal.
func (f *Fake) Cancel(addr string, token transport.Token) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, Command{Kind: "cancel", Addr: addr, Token: token})
	if err := f.commandErrLocked("cancel"); err != nil {
		return err
	}
	if cur, ok := f.inflight[addr]; ok && cur == token {
		delete(f.inflight, addr)
	}
	return nil
}

// Close rejects every further command. No events are emitted; peers the
// engine still tracks are its own to tear down.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, Command{Kind: "close"})
	f.closed = true
	for addr := range f.connected {
		f.teardownLocked(addr)
	}
	return nil
}

// completeLocked resolves one operation against the stored profile and
// returns the event closure to fire after unlocking.
func (f *Fake) completeLocked(addr string, token transport.Token, req transport.Request, status transport.Status) func() {
	h := f.handlerLocked()
	if !status.OK() {
		return func() { h.HandleOperationResult(addr, token, status, nil) }
	}

	switch r := req.(type) {
	case transport.ReadCharacteristic:
		payload, st := f.readLocked(r.Service, r.Characteristic, "")
		return func() { h.HandleOperationResult(addr, token, st, payload) }

	case transport.WriteCharacteristic:
		st := f.writeLocked(r.Service, r.Characteristic, "", r.Payload)
		return func() { h.HandleOperationResult(addr, token, st, nil) }

	case transport.ReadDescriptor:
		payload, st := f.readLocked(r.Service, r.Characteristic, r.Descriptor)
		return func() { h.HandleOperationResult(addr, token, st, payload) }

	case transport.WriteDescriptor:
		st := f.writeLocked(r.Service, r.Characteristic, r.Descriptor, r.Payload)
		return func() { h.HandleOperationResult(addr, token, st, nil) }

	case transport.SetNotification:
		c, found := f.tree.FindCharacteristic(r.Service, r.Characteristic)
		if !found {
			return func() { h.HandleOperationResult(addr, token, transport.StatusAttributeNotFound, nil) }
		}
		subs := f.subscriptions[addr]
		if subs == nil {
			subs = make(map[string]bool)
			f.subscriptions[addr] = subs
		}
		if r.Enable {
			subs[c.UUID] = true
		} else {
			delete(subs, c.UUID)
		}
		return func() { h.HandleOperationResult(addr, token, transport.StatusSuccess, nil) }

	case transport.ExchangeMTU:
		granted := r.MTU
		if granted > f.mtuCap {
			granted = f.mtuCap
		}
		if granted < transport.DefaultMTU {
			granted = transport.DefaultMTU
		}
		return func() {
			h.HandleMTUChanged(addr, granted, transport.StatusSuccess)
			h.HandleOperationResult(addr, token, transport.StatusSuccess, nil)
		}

	default:
		return func() { h.HandleOperationResult(addr, token, transport.StatusFailure, nil) }
	}
}

func (f *Fake) readLocked(service, char, desc string) ([]byte, transport.Status) {
	key, st := f.resolveLocked(service, char, desc)
	if !st.OK() {
		return nil, st
	}
	v := f.values[key]
	return append([]byte(nil), v...), transport.StatusSuccess
}

func (f *Fake) writeLocked(service, char, desc string, payload []byte) transport.Status {
	key, st := f.resolveLocked(service, char, desc)
	if !st.OK() {
		return st
	}
	f.values[key] = append([]byte(nil), payload...)
	return transport.StatusSuccess
}

func (f *Fake) resolveLocked(service, char, desc string) (string, transport.Status) {
	c, found := f.tree.FindCharacteristic(service, char)
	if !found {
		return "", transport.StatusAttributeNotFound
	}
	if desc == "" {
		return c.UUID, transport.StatusSuccess
	}
	d, found := f.tree.FindDescriptor(service, char, desc)
	if !found {
		return "", transport.StatusAttributeNotFound
	}
	return valueKey(c.UUID, d.UUID), transport.StatusSuccess
}

func valueKey(charUUID, descUUID string) string {
	return charUUID + "/" + descUUID
}

func (f *Fake) teardownLocked(addr string) {
	delete(f.connected, addr)
	delete(f.dialing, addr)
	delete(f.inflight, addr)
	delete(f.subscriptions, addr)
}

func (f *Fake) commandErrLocked(kind string) error {
	if f.closed {
		return ErrClosed
	}
	if err, ok := f.syncErrs[kind]; ok {
		delete(f.syncErrs, kind)
		return err
	}
	return nil
}

func (f *Fake) takeScriptLocked(scripts map[string][]transport.Status, addr string) transport.Status {
	if queued := scripts[addr]; len(queued) > 0 {
		scripts[addr] = queued[1:]
		return queued[0]
	}
	return transport.StatusSuccess
}

// takeExecuteScriptLocked matches scripts by the request's target UUID
// first, then by its kind.
func (f *Fake) takeExecuteScriptLocked(req transport.Request) transport.Status {
	if target := requestTarget(req); target != "" {
		if queued := f.executeScripts[target]; len(queued) > 0 {
			f.executeScripts[target] = queued[1:]
			return queued[0]
		}
	}
	return f.takeScriptLocked(f.executeScripts, req.Kind())
}

func requestTarget(req transport.Request) string {
	switch r := req.(type) {
	case transport.ReadCharacteristic:
		return bledb.NormalizeUUID(r.Characteristic)
	case transport.WriteCharacteristic:
		return bledb.NormalizeUUID(r.Characteristic)
	case transport.ReadDescriptor:
		return bledb.NormalizeUUID(r.Descriptor)
	case transport.WriteDescriptor:
		return bledb.NormalizeUUID(r.Descriptor)
	case transport.SetNotification:
		return bledb.NormalizeUUID(r.Characteristic)
	default:
		return ""
	}
}

func (f *Fake) handlerLocked() transport.Handler {
	if f.handler == nil {
		panic("transporttest: Bind was not called before issuing commands")
	}
	return f.handler
}

func (f *Fake) violateLocked(format string, args ...interface{}) {
	f.violations = append(f.violations, fmt.Sprintf(format, args...))
}
