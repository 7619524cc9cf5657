package transport

import "fmt"

// Status is the outcome code attached to transport events. Zero is success;
// values 0x01-0x11 are attribute protocol error codes as the stack reports
// them; the top of the range is reserved for conditions synthesized locally
// by an adapter.
type Status uint8

const (
	StatusSuccess                 Status = 0x00
	StatusInvalidHandle           Status = 0x01
	StatusReadNotPermitted        Status = 0x02
	StatusWriteNotPermitted       Status = 0x03
	StatusInvalidPDU              Status = 0x04
	StatusInsufficientAuthen      Status = 0x05
	StatusRequestNotSupported     Status = 0x06
	StatusInvalidOffset           Status = 0x07
	StatusInsufficientAuthor      Status = 0x08
	StatusPrepareQueueFull        Status = 0x09
	StatusAttributeNotFound       Status = 0x0a
	StatusAttributeNotLong        Status = 0x0b
	StatusInsufficientKeySize     Status = 0x0c
	StatusInvalidAttributeLen     Status = 0x0d
	StatusUnlikelyError           Status = 0x0e
	StatusInsufficientEncryption  Status = 0x0f
	StatusUnsupportedGroupType    Status = 0x10
	StatusInsufficientResources   Status = 0x11

	// Locally synthesized, outside the protocol range.
	StatusNotConnected Status = 0xfd
	StatusTimeout      Status = 0xfe
	StatusFailure      Status = 0xff
)

// OK reports whether the status is success.
func (s Status) OK() bool {
	return s == StatusSuccess
}

var statusNames = map[Status]string{
	StatusSuccess:                "success",
	StatusInvalidHandle:          "invalid handle",
	StatusReadNotPermitted:       "read not permitted",
	StatusWriteNotPermitted:      "write not permitted",
	StatusInvalidPDU:             "invalid PDU",
	StatusInsufficientAuthen:     "insufficient authentication",
	StatusRequestNotSupported:    "request not supported",
	StatusInvalidOffset:          "invalid offset",
	StatusInsufficientAuthor:     "insufficient authorization",
	StatusPrepareQueueFull:       "prepare queue full",
	StatusAttributeNotFound:      "attribute not found",
	StatusAttributeNotLong:       "attribute not long",
	StatusInsufficientKeySize:    "insufficient encryption key size",
	StatusInvalidAttributeLen:    "invalid attribute value length",
	StatusUnlikelyError:          "unlikely error",
	StatusInsufficientEncryption: "insufficient encryption",
	StatusUnsupportedGroupType:   "unsupported group type",
	StatusInsufficientResources:  "insufficient resources",
	StatusNotConnected:           "not connected",
	StatusTimeout:                "timeout",
	StatusFailure:                "failure",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status 0x%02x", uint8(s))
}
