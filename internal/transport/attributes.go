package transport

import (
	"encoding/json"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/gattq/internal/bledb"
)

// Properties is the capability bitmask of a characteristic, using the
// standard attribute protocol bit layout.
type Properties uint8

const (
	PropBroadcast            Properties = 1 << 0
	PropRead                 Properties = 1 << 1
	PropWriteWithoutResponse Properties = 1 << 2
	PropWrite                Properties = 1 << 3
	PropNotify               Properties = 1 << 4
	PropIndicate             Properties = 1 << 5
	PropSignedWrite          Properties = 1 << 6
	PropExtended             Properties = 1 << 7
)

// Has reports whether every bit of p is set.
func (ps Properties) Has(p Properties) bool {
	return ps&p == p
}

// CanNotify reports whether the characteristic supports server-initiated
// value delivery (notify or indicate).
func (ps Properties) CanNotify() bool {
	return ps&(PropNotify|PropIndicate) != 0
}

var propertyNames = []struct {
	bit  Properties
	name string
}{
	{PropBroadcast, "broadcast"},
	{PropRead, "read"},
	{PropWriteWithoutResponse, "write-without-response"},
	{PropWrite, "write"},
	{PropNotify, "notify"},
	{PropIndicate, "indicate"},
	{PropSignedWrite, "signed-write"},
	{PropExtended, "extended"},
}

// Names returns the set property names in bit order.
func (ps Properties) Names() []string {
	var names []string
	for _, p := range propertyNames {
		if ps.Has(p.bit) {
			names = append(names, p.name)
		}
	}
	return names
}

func (ps Properties) String() string {
	return strings.Join(ps.Names(), "|")
}

// ParseProperties converts a comma- or pipe-separated property list
// ("read,notify") into a bitmask. Unknown names are ignored.
func ParseProperties(s string) Properties {
	var ps Properties
	for _, name := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '|' }) {
		name = strings.TrimSpace(strings.ToLower(name))
		for _, p := range propertyNames {
			if p.name == name {
				ps |= p.bit
			}
		}
	}
	return ps
}

// Descriptor is one descriptor of a characteristic.
type Descriptor struct {
	UUID string
}

// Characteristic is one characteristic of a service, with its descriptors in
// discovery order.
type Characteristic struct {
	UUID        string
	Properties  Properties
	Descriptors []Descriptor
}

// Descriptor returns the descriptor with the given UUID, if present.
func (c *Characteristic) Descriptor(uuid string) (*Descriptor, bool) {
	uuid = bledb.NormalizeUUID(uuid)
	for i := range c.Descriptors {
		if c.Descriptors[i].UUID == uuid {
			return &c.Descriptors[i], true
		}
	}
	return nil, false
}

// AddDescriptor appends a descriptor. The UUID is normalized.
func (c *Characteristic) AddDescriptor(uuid string) *Descriptor {
	c.Descriptors = append(c.Descriptors, Descriptor{UUID: bledb.NormalizeUUID(uuid)})
	return &c.Descriptors[len(c.Descriptors)-1]
}

// Service is one service of the peer, with characteristics in discovery
// order keyed by normalized UUID.
type Service struct {
	UUID  string
	chars *orderedmap.OrderedMap[string, *Characteristic]
}

// AddCharacteristic inserts a characteristic, replacing any previous one
// with the same UUID.
func (s *Service) AddCharacteristic(uuid string, props Properties) *Characteristic {
	c := &Characteristic{UUID: bledb.NormalizeUUID(uuid), Properties: props}
	s.chars.Set(c.UUID, c)
	return c
}

// Characteristic returns the characteristic with the given UUID, if present.
func (s *Service) Characteristic(uuid string) (*Characteristic, bool) {
	return s.chars.Get(bledb.NormalizeUUID(uuid))
}

// Characteristics returns the characteristics in discovery order.
func (s *Service) Characteristics() []*Characteristic {
	out := make([]*Characteristic, 0, s.chars.Len())
	for pair := s.chars.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Tree is the peer's discovered attribute hierarchy. Services keep their
// discovery order; lookups accept any UUID spelling. A Tree is built once
// after discovery and read-only afterwards.
type Tree struct {
	services *orderedmap.OrderedMap[string, *Service]
}

// NewTree returns an empty attribute tree.
func NewTree() *Tree {
	return &Tree{services: orderedmap.New[string, *Service]()}
}

// AddService inserts a service, replacing any previous one with the same
// UUID.
func (t *Tree) AddService(uuid string) *Service {
	s := &Service{
		UUID:  bledb.NormalizeUUID(uuid),
		chars: orderedmap.New[string, *Characteristic](),
	}
	t.services.Set(s.UUID, s)
	return s
}

// Service returns the service with the given UUID, if present.
func (t *Tree) Service(uuid string) (*Service, bool) {
	return t.services.Get(bledb.NormalizeUUID(uuid))
}

// Services returns the services in discovery order.
func (t *Tree) Services() []*Service {
	out := make([]*Service, 0, t.services.Len())
	for pair := t.services.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Len returns the number of services.
func (t *Tree) Len() int {
	return t.services.Len()
}

// FindCharacteristic locates a characteristic. An empty serviceUUID searches
// every service in discovery order and returns the first match.
func (t *Tree) FindCharacteristic(serviceUUID, charUUID string) (*Characteristic, bool) {
	if serviceUUID != "" {
		svc, ok := t.Service(serviceUUID)
		if !ok {
			return nil, false
		}
		return svc.Characteristic(charUUID)
	}
	for pair := t.services.Oldest(); pair != nil; pair = pair.Next() {
		if c, ok := pair.Value.Characteristic(charUUID); ok {
			return c, true
		}
	}
	return nil, false
}

// FindDescriptor locates a descriptor under a characteristic.
func (t *Tree) FindDescriptor(serviceUUID, charUUID, descUUID string) (*Descriptor, bool) {
	c, ok := t.FindCharacteristic(serviceUUID, charUUID)
	if !ok {
		return nil, false
	}
	return c.Descriptor(descUUID)
}

// NotifiableCharacteristics returns every characteristic whose properties
// include notify or indicate, in discovery order across services.
func (t *Tree) NotifiableCharacteristics() []*Characteristic {
	var out []*Characteristic
	for pair := t.services.Oldest(); pair != nil; pair = pair.Next() {
		for cp := pair.Value.chars.Oldest(); cp != nil; cp = cp.Next() {
			if cp.Value.Properties.CanNotify() {
				out = append(out, cp.Value)
			}
		}
	}
	return out
}

// JSON shapes used by MarshalJSON. Names come from the assigned-numbers
// tables and are omitted when unknown.

type descriptorJSON struct {
	UUID string `json:"uuid"`
	Name string `json:"name,omitempty"`
}

type characteristicJSON struct {
	UUID        string           `json:"uuid"`
	Name        string           `json:"name,omitempty"`
	Properties  []string         `json:"properties"`
	Descriptors []descriptorJSON `json:"descriptors,omitempty"`
}

type serviceJSON struct {
	UUID            string               `json:"uuid"`
	Name            string               `json:"name,omitempty"`
	Characteristics []characteristicJSON `json:"characteristics"`
}

type treeJSON struct {
	Services []serviceJSON `json:"services"`
}

// MarshalJSON renders the tree in discovery order with assigned names
// resolved, the shape the inspect command prints.
func (t *Tree) MarshalJSON() ([]byte, error) {
	out := treeJSON{Services: []serviceJSON{}}
	for _, svc := range t.Services() {
		sj := serviceJSON{
			UUID:            svc.UUID,
			Name:            bledb.LookupService(svc.UUID),
			Characteristics: []characteristicJSON{},
		}
		for _, c := range svc.Characteristics() {
			cj := characteristicJSON{
				UUID:       c.UUID,
				Name:       bledb.LookupCharacteristic(c.UUID),
				Properties: c.Properties.Names(),
			}
			for _, d := range c.Descriptors {
				cj.Descriptors = append(cj.Descriptors, descriptorJSON{
					UUID: d.UUID,
					Name: bledb.LookupDescriptor(d.UUID),
				})
			}
			sj.Characteristics = append(sj.Characteristics, cj)
		}
		out.Services = append(out.Services, sj)
	}
	return json.Marshal(out)
}
