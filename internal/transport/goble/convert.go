package goble

import (
	"context"
	"errors"
	"strings"

	"github.com/go-ble/ble"

	"github.com/srg/gattq/internal/transport"
)

// buildTree converts a discovered ble.Profile into the engine's attribute
// tree plus the live-handle indices the adapter executes against. Index
// keys are normalized UUIDs; descriptors are keyed under their owning
// characteristic.
func buildTree(profile *ble.Profile) (*transport.Tree, map[string]*ble.Characteristic, map[string]*ble.Descriptor) {
	tree := transport.NewTree()
	chars := make(map[string]*ble.Characteristic)
	descs := make(map[string]*ble.Descriptor)

	for _, svc := range profile.Services {
		s := tree.AddService(svc.UUID.String())
		for _, c := range svc.Characteristics {
			tc := s.AddCharacteristic(c.UUID.String(), convertProperties(c.Property))
			chars[tc.UUID] = c
			for _, d := range c.Descriptors {
				td := tc.AddDescriptor(d.UUID.String())
				descs[descKey(tc.UUID, td.UUID)] = d
			}
		}
	}
	return tree, chars, descs
}

// convertProperties maps go-ble property bits onto the engine's bitmask.
func convertProperties(p ble.Property) transport.Properties {
	var out transport.Properties
	if p&ble.CharBroadcast != 0 {
		out |= transport.PropBroadcast
	}
	if p&ble.CharRead != 0 {
		out |= transport.PropRead
	}
	if p&ble.CharWriteNR != 0 {
		out |= transport.PropWriteWithoutResponse
	}
	if p&ble.CharWrite != 0 {
		out |= transport.PropWrite
	}
	if p&ble.CharNotify != 0 {
		out |= transport.PropNotify
	}
	if p&ble.CharIndicate != 0 {
		out |= transport.PropIndicate
	}
	if p&ble.CharSignedWrite != 0 {
		out |= transport.PropSignedWrite
	}
	if p&ble.CharExtended != 0 {
		out |= transport.PropExtended
	}
	return out
}

// statusFromError maps a go-ble error onto a transport status. The library
// reports attribute protocol errors as strings, so classification matches
// known substrings and stays permissive about exact wording.
func statusFromError(err error) transport.Status {
	if err == nil {
		return transport.StatusSuccess
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return transport.StatusTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timed out"), strings.Contains(msg, "timeout"):
		return transport.StatusTimeout
	case strings.Contains(msg, "not connected"), strings.Contains(msg, "disconnected"):
		return transport.StatusNotConnected
	case strings.Contains(msg, "read not permitted"):
		return transport.StatusReadNotPermitted
	case strings.Contains(msg, "write not permitted"):
		return transport.StatusWriteNotPermitted
	case strings.Contains(msg, "not found"):
		return transport.StatusAttributeNotFound
	case strings.Contains(msg, "authentication"):
		return transport.StatusInsufficientAuthen
	case strings.Contains(msg, "authorization"):
		return transport.StatusInsufficientAuthor
	case strings.Contains(msg, "encryption"):
		return transport.StatusInsufficientEncryption
	default:
		return transport.StatusFailure
	}
}
