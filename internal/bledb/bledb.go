// Package bledb resolves Bluetooth SIG assigned numbers to human-readable
// names and normalizes UUID spellings.
//
// The tables below are a curated subset of the SIG assigned-numbers lists
// (services, characteristics, descriptors) plus the vendor UUIDs this tool
// meets in practice (Nordic UART). Keys are normalized UUIDs as produced by
// NormalizeUUID: lowercase, no dashes, SIG-base UUIDs collapsed to their
// 16-bit short form.
package bledb

//go:generate go run ./gen

import "strings"

// sigBaseSuffix is the tail of the Bluetooth SIG base UUID
// 0000xxxx-0000-1000-8000-00805f9b34fb in dashless lowercase form.
const sigBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID canonicalizes a UUID string: trims braces and the 0x prefix,
// lowercases, removes dashes, and collapses full SIG-base UUIDs to their
// 4-digit short form. Custom 128-bit UUIDs stay full length (dashless).
func NormalizeUUID(uuid string) string {
	s := strings.ToLower(strings.TrimSpace(uuid))
	s = strings.TrimPrefix(s, "{")
	s = strings.TrimSuffix(s, "}")
	s = strings.TrimPrefix(s, "0x")
	s = strings.ReplaceAll(s, "-", "")

	if len(s) == 32 && strings.HasPrefix(s, "0000") && strings.HasSuffix(s, sigBaseSuffix) {
		return s[4:8]
	}
	return s
}

// NormalizeUUIDs normalizes a slice of UUID strings.
func NormalizeUUIDs(uuids []string) []string {
	out := make([]string, len(uuids))
	for i, u := range uuids {
		out[i] = NormalizeUUID(u)
	}
	return out
}

// LookupService returns the assigned name for a service UUID, or "" when the
// UUID is not in the table. Accepts any spelling NormalizeUUID accepts.
func LookupService(uuid string) string {
	return services[NormalizeUUID(uuid)]
}

// LookupCharacteristic returns the assigned name for a characteristic UUID,
// or "" when unknown.
func LookupCharacteristic(uuid string) string {
	return characteristics[NormalizeUUID(uuid)]
}

// LookupDescriptor returns the assigned name for a descriptor UUID, or ""
// when unknown.
func LookupDescriptor(uuid string) string {
	return descriptors[NormalizeUUID(uuid)]
}

var services = map[string]string{
	"1800": "Generic Access",
	"1801": "Generic Attribute",
	"1802": "Immediate Alert",
	"1803": "Link Loss",
	"1804": "Tx Power",
	"1805": "Current Time Service",
	"180a": "Device Information",
	"180d": "Heart Rate",
	"180f": "Battery Service",
	"1810": "Blood Pressure",
	"1812": "Human Interface Device",
	"1815": "Automation IO",
	"1816": "Cycling Speed and Cadence",
	"1818": "Cycling Power",
	"1819": "Location and Navigation",
	"181a": "Environmental Sensing",
	"181b": "Body Composition",
	"181c": "User Data",
	"181d": "Weight Scale",
	"1826": "Fitness Machine",

	// Nordic UART Service (vendor)
	"6e400001b5a3f393e0a9e50e24dcca9e": "Nordic UART Service",
}

var characteristics = map[string]string{
	"2a00": "Device Name",
	"2a01": "Appearance",
	"2a04": "Peripheral Preferred Connection Parameters",
	"2a05": "Service Changed",
	"2a19": "Battery Level",
	"2a23": "System ID",
	"2a24": "Model Number String",
	"2a25": "Serial Number String",
	"2a26": "Firmware Revision String",
	"2a27": "Hardware Revision String",
	"2a28": "Software Revision String",
	"2a29": "Manufacturer Name String",
	"2a2a": "IEEE 11073-20601 Regulatory Certification Data List",
	"2a37": "Heart Rate Measurement",
	"2a38": "Body Sensor Location",
	"2a39": "Heart Rate Control Point",
	"2a50": "PnP ID",
	"2a6d": "Pressure",
	"2a6e": "Temperature",
	"2a6f": "Humidity",
	"2aa6": "Central Address Resolution",

	// Nordic UART Service (vendor)
	"6e400002b5a3f393e0a9e50e24dcca9e": "UART RX Characteristic",
	"6e400003b5a3f393e0a9e50e24dcca9e": "UART TX Characteristic",
}

var descriptors = map[string]string{
	"2900": "Characteristic Extended Properties",
	"2901": "Characteristic User Descriptor",
	"2902": "Client Characteristic Configuration",
	"2903": "Server Characteristic Configuration",
	"2904": "Characteristic Presentation Format",
	"2905": "Characteristic Aggregate Format",
	"2906": "Valid Range",
	"2907": "External Report Reference",
	"2908": "Report Reference",
}
