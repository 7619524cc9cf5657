package transport

// Request is the attribute operation handed to an adapter's Execute. It is a
// closed set: adapters type-switch over the concrete types below and treat
// anything else as unsupported.
//
// Attribute references are UUID strings in any spelling NormalizeUUID
// accepts. An empty Service matches the first service containing the
// characteristic.
type Request interface {
	// Kind returns a short stable name for logging and matching.
	Kind() string

	isRequest()
}

// ReadCharacteristic reads a characteristic value.
type ReadCharacteristic struct {
	Service        string
	Characteristic string
}

// WriteCharacteristic writes a characteristic value. WithoutResponse selects
// the unacknowledged write command; the transport still reports a local
// completion for it so the queue can advance.
type WriteCharacteristic struct {
	Service         string
	Characteristic  string
	Payload         []byte
	WithoutResponse bool
}

// ReadDescriptor reads a descriptor value.
type ReadDescriptor struct {
	Service        string
	Characteristic string
	Descriptor     string
}

// WriteDescriptor writes a descriptor value.
type WriteDescriptor struct {
	Service        string
	Characteristic string
	Descriptor     string
	Payload        []byte
}

// SetNotification enables or disables value notifications for a
// characteristic (notify or indicate, whichever the attribute supports).
type SetNotification struct {
	Service        string
	Characteristic string
	Enable         bool
}

// ExchangeMTU negotiates the transmission unit for the link.
type ExchangeMTU struct {
	MTU int
}

func (ReadCharacteristic) Kind() string  { return "read" }
func (WriteCharacteristic) Kind() string { return "write" }
func (ReadDescriptor) Kind() string      { return "read-descriptor" }
func (WriteDescriptor) Kind() string     { return "write-descriptor" }
func (SetNotification) Kind() string     { return "set-notification" }
func (ExchangeMTU) Kind() string         { return "exchange-mtu" }

func (ReadCharacteristic) isRequest()  {}
func (WriteCharacteristic) isRequest() {}
func (ReadDescriptor) isRequest()      {}
func (WriteDescriptor) isRequest()     {}
func (SetNotification) isRequest()     {}
func (ExchangeMTU) isRequest()         {}
