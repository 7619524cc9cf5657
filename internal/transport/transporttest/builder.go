package transporttest

import (
	"encoding/json"
	"fmt"

	"github.com/srg/gattq/internal/transport"
)

// Client Characteristic Configuration descriptor, attached automatically to
// every notifiable characteristic the builder produces.
const cccdUUID = "2902"

// ByteList is a byte slice that unmarshals from either a JSON array of
// numbers or a base64 string, so profile documents can spell values as
// plain byte lists.
type ByteList []byte

func (v *ByteList) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '[' {
		var nums []int
		if err := json.Unmarshal(data, &nums); err != nil {
			return err
		}
		out := make([]byte, len(nums))
		for i, n := range nums {
			if n < 0 || n > 255 {
				return fmt.Errorf("byte value out of range: %d", n)
			}
			out[i] = byte(n)
		}
		*v = out
		return nil
	}
	var raw []byte
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = raw
	return nil
}

// CharacteristicConfig describes one characteristic of a scripted
// peripheral profile.
type CharacteristicConfig struct {
	UUID        string   `json:"uuid"`
	Properties  string   `json:"properties,omitempty"` // e.g. "read,write,notify"
	Value       ByteList `json:"value,omitempty"`
	Descriptors []string `json:"descriptors,omitempty"`
}

// ServiceConfig describes one service of a scripted peripheral profile.
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// ProfileConfig is the complete attribute profile of a scripted peripheral.
type ProfileConfig struct {
	Services []ServiceConfig `json:"services"`
}

// ProfileBuilder assembles the attribute profile a Fake serves on
// discovery. Methods chain; Build materializes the Fake.
type ProfileBuilder struct {
	profile ProfileConfig
}

// NewProfile returns an empty profile builder.
func NewProfile() *ProfileBuilder {
	return &ProfileBuilder{
		profile: ProfileConfig{
			Services: []ServiceConfig{},
		},
	}
}

// DefaultProfile returns a profile with a battery service exposing a
// readable, notifiable battery level of 100%.
func DefaultProfile() *ProfileBuilder {
	return NewProfile().
		WithService("180F").
		WithCharacteristic("2A19", "read,notify", []byte{100})
}

// WithService appends a service to the profile.
func (b *ProfileBuilder) WithService(uuid string) *ProfileBuilder {
	b.profile.Services = append(b.profile.Services, ServiceConfig{
		UUID:            uuid,
		Characteristics: []CharacteristicConfig{},
	})
	return b
}

// WithCharacteristic appends a characteristic to the last added service.
// An empty properties string defaults to "read,write,notify".
func (b *ProfileBuilder) WithCharacteristic(uuid, properties string, value []byte) *ProfileBuilder {
	if len(b.profile.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}
	last := len(b.profile.Services) - 1
	b.profile.Services[last].Characteristics = append(b.profile.Services[last].Characteristics,
		CharacteristicConfig{
			UUID:       uuid,
			Properties: properties,
			Value:      ByteList(value),
		})
	return b
}

// WithDescriptor appends a descriptor to the last added characteristic.
func (b *ProfileBuilder) WithDescriptor(uuid string) *ProfileBuilder {
	if len(b.profile.Services) == 0 {
		panic("WithDescriptor: no service added yet, call WithService first")
	}
	last := len(b.profile.Services) - 1
	chars := b.profile.Services[last].Characteristics
	if len(chars) == 0 {
		panic("WithDescriptor: no characteristic added yet, call WithCharacteristic first")
	}
	chars[len(chars)-1].Descriptors = append(chars[len(chars)-1].Descriptors, uuid)
	return b
}

// FromJSON replaces the profile with one unmarshaled from JSON.
func (b *ProfileBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *ProfileBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	var config ProfileConfig
	if err := json.Unmarshal([]byte(jsonStr), &config); err != nil {
		panic(fmt.Sprintf("ProfileBuilder.FromJSON: failed to unmarshal: %v", err))
	}

	b.profile = config
	return b
}

// Build materializes the profile into a Fake ready to Bind. Notifiable
// characteristics get a Client Characteristic Configuration descriptor
// unless the profile already carries one.
func (b *ProfileBuilder) Build() *Fake {
	f := NewFake()
	for _, svc := range b.profile.Services {
		s := f.tree.AddService(svc.UUID)
		for _, ch := range svc.Characteristics {
			props := transport.ParseProperties(ch.Properties)
			if ch.Properties == "" {
				props = transport.PropRead | transport.PropWrite | transport.PropNotify
			}
			c := s.AddCharacteristic(ch.UUID, props)
			if ch.Value != nil {
				f.values[c.UUID] = append([]byte(nil), ch.Value...)
			}
			for _, d := range ch.Descriptors {
				c.AddDescriptor(d)
			}
			if props.CanNotify() {
				if _, ok := c.Descriptor(cccdUUID); !ok {
					c.AddDescriptor(cccdUUID)
				}
			}
		}
	}
	return f
}
