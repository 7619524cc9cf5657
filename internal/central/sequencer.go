package central

import (
	"github.com/srg/gattq/internal/transport"
)

// buildSequence returns the post-discovery workflow for one session:
// transmission-unit negotiation when the configured target exceeds the
// protocol floor, then one subscription enable per notify- or
// indicate-capable characteristic. The entries are ordinary queue
// operations; they are prepended so they complete before caller
// operations that were enqueued while the session was being established,
// and anything enqueued later interleaves in plain FIFO order.
func buildSequence(cfg Config, tree *transport.Tree) []*operation {
	var ops []*operation
	if cfg.MTU > transport.DefaultMTU {
		ops = append(ops, &operation{
			token:    transport.NewToken(),
			req:      transport.ExchangeMTU{MTU: cfg.MTU},
			internal: true,
		})
	}
	if cfg.EnableNotifications {
		for _, c := range tree.NotifiableCharacteristics() {
			ops = append(ops, &operation{
				token:    transport.NewToken(),
				req:      transport.SetNotification{Characteristic: c.UUID, Enable: true},
				internal: true,
			})
		}
	}
	return ops
}
