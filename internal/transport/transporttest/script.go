package transporttest

import (
	"github.com/srg/gattq/internal/bledb"
	"github.com/srg/gattq/internal/transport"
)

// ScriptConnect queues LinkUp statuses for future Connect attempts to addr,
// consumed one per attempt. Attempts beyond the script succeed.
func (f *Fake) ScriptConnect(addr string, statuses ...transport.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectScripts[addr] = append(f.connectScripts[addr], statuses...)
}

// SilenceConnect swallows the next n Connect attempts to addr: the command
// is recorded but no LinkUp event fires until CompleteConnect.
func (f *Fake) SilenceConnect(addr string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.silentConnects[addr] += n
}

// ScriptDiscover queues discovery statuses for addr.
func (f *Fake) ScriptDiscover(addr string, statuses ...transport.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discoverScripts[addr] = append(f.discoverScripts[addr], statuses...)
}

// SilenceDiscover swallows the next n DiscoverAttributes calls for addr.
func (f *Fake) SilenceDiscover(addr string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.silentDiscovers[addr] += n
}

// ScriptExecute queues operation statuses under key, which is matched
// against the request's target UUID first and its kind second.
func (f *Fake) ScriptExecute(key string, statuses ...transport.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	norm := bledb.NormalizeUUID(key)
	f.executeScripts[norm] = append(f.executeScripts[norm], statuses...)
}

// SilenceExecute swallows the next n Execute calls across all peers. The
// swallowed operation stays outstanding until CompleteOperation.
func (f *Fake) SilenceExecute(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.silentExecutes += n
}

// SilenceDisconnect swallows the next n Disconnect calls for addr, leaving
// the link up and no LinkDown event fired.
func (f *Fake) SilenceDisconnect(addr string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.silentDisconns[addr] += n
}

// ScriptError makes the next command of the given kind fail synchronously
// with err. Kind is "connect", "disconnect", "discover" or a Request kind.
func (f *Fake) ScriptError(kind string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncErrs[kind] = err
}

// LimitMTU caps the transmission unit the fake grants on ExchangeMTU.
func (f *Fake) LimitMTU(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mtuCap = n
}

// CompleteConnect finishes a silenced Connect attempt.
func (f *Fake) CompleteConnect(addr string, status transport.Status) {
	f.mu.Lock()
	f.dialing[addr] = false
	if status.OK() {
		f.connected[addr] = true
	}
	h := f.handlerLocked()
	f.mu.Unlock()

	h.HandleConnectionState(addr, status, transport.LinkUp)
}

// CompleteDiscover finishes a silenced DiscoverAttributes call.
func (f *Fake) CompleteDiscover(addr string, status transport.Status) {
	f.mu.Lock()
	tree := f.tree
	h := f.handlerLocked()
	f.mu.Unlock()

	if status.OK() {
		h.HandleAttributesDiscovered(addr, status, tree)
	} else {
		h.HandleAttributesDiscovered(addr, status, nil)
	}
}

// CompleteOperation finishes a silenced Execute with an explicit result.
func (f *Fake) CompleteOperation(addr string, token transport.Token, status transport.Status, payload []byte) {
	f.mu.Lock()
	delete(f.inflight, addr)
	h := f.handlerLocked()
	f.mu.Unlock()

	h.HandleOperationResult(addr, token, status, payload)
}

// CompleteDisconnect finishes a silenced Disconnect with a LinkDown event.
func (f *Fake) CompleteDisconnect(addr string) {
	f.mu.Lock()
	f.teardownLocked(addr)
	h := f.handlerLocked()
	f.mu.Unlock()

	h.HandleConnectionState(addr, transport.StatusSuccess, transport.LinkDown)
}

// DropLink simulates an unsolicited link loss.
func (f *Fake) DropLink(addr string, status transport.Status) {
	f.mu.Lock()
	f.teardownLocked(addr)
	h := f.handlerLocked()
	f.mu.Unlock()

	h.HandleConnectionState(addr, status, transport.LinkDown)
}

// PushNotification delivers a characteristic value notification.
func (f *Fake) PushNotification(addr, charUUID string, payload []byte) {
	f.mu.Lock()
	h := f.handlerLocked()
	f.mu.Unlock()

	h.HandleNotification(addr, bledb.NormalizeUUID(charUUID), payload)
}

// PushMTU delivers a server-initiated transmission unit change.
func (f *Fake) PushMTU(addr string, mtu int) {
	f.mu.Lock()
	h := f.handlerLocked()
	f.mu.Unlock()

	h.HandleMTUChanged(addr, mtu, transport.StatusSuccess)
}

// Commands returns every recorded command in issue order.
func (f *Fake) Commands() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Command(nil), f.commands...)
}

// Kinds returns the recorded command kinds in issue order.
func (f *Fake) Kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	kinds := make([]string, len(f.commands))
	for i, c := range f.commands {
		kinds[i] = c.Kind
	}
	return kinds
}

// KindsFor returns the recorded command kinds issued for addr.
func (f *Fake) KindsFor(addr string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kinds []string
	for _, c := range f.commands {
		if c.Addr == addr {
			kinds = append(kinds, c.Kind)
		}
	}
	return kinds
}

// Requests returns the executed attribute operations for addr in issue
// order.
func (f *Fake) Requests(addr string) []transport.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var reqs []transport.Request
	for _, c := range f.commands {
		if c.Addr == addr && c.Req != nil {
			reqs = append(reqs, c.Req)
		}
	}
	return reqs
}

// ConnectAttempts counts the Connect commands issued for addr.
func (f *Fake) ConnectAttempts(addr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.commands {
		if c.Kind == "connect" && c.Addr == addr {
			n++
		}
	}
	return n
}

// Violations returns the contract violations observed so far. Tests should
// require this to stay empty.
func (f *Fake) Violations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.violations...)
}

// IsConnected reports whether the fake considers addr linked.
func (f *Fake) IsConnected(addr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[addr]
}

// Subscribed reports whether notifications are enabled for the
// characteristic on addr.
func (f *Fake) Subscribed(addr, charUUID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscriptions[addr][bledb.NormalizeUUID(charUUID)]
}

// Value returns the stored characteristic value.
func (f *Fake) Value(charUUID string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.values[bledb.NormalizeUUID(charUUID)]...)
}

// SetValue replaces the stored characteristic value.
func (f *Fake) SetValue(charUUID string, v []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[bledb.NormalizeUUID(charUUID)] = append([]byte(nil), v...)
}

// DescriptorValue returns the stored descriptor value.
func (f *Fake) DescriptorValue(charUUID, descUUID string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := valueKey(bledb.NormalizeUUID(charUUID), bledb.NormalizeUUID(descUUID))
	return append([]byte(nil), f.values[key]...)
}

// SetDescriptorValue replaces the stored descriptor value.
func (f *Fake) SetDescriptorValue(charUUID, descUUID string, v []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := valueKey(bledb.NormalizeUUID(charUUID), bledb.NormalizeUUID(descUUID))
	f.values[key] = append([]byte(nil), v...)
}

// Tree returns the attribute profile served on discovery.
func (f *Fake) Tree() *transport.Tree {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tree
}
