package main

import (
	"fmt"
	"strings"

	"github.com/srg/gattq/internal/bledb"
	"github.com/srg/gattq/internal/transport"
)

// resolveCharacteristic finds a characteristic in the discovered tree.
// With serviceUUID set it is a direct lookup; otherwise every service is
// searched and an ambiguous match is an error.
// Returns the owning service UUID and the characteristic.
func resolveCharacteristic(tree *transport.Tree, charUUID, serviceUUID string) (string, *transport.Characteristic, error) {
	target := bledb.NormalizeUUID(charUUID)

	if serviceUUID != "" {
		svc, ok := tree.Service(serviceUUID)
		if !ok {
			return "", nil, fmt.Errorf("service %s not found", serviceUUID)
		}
		char, ok := svc.Characteristic(target)
		if !ok {
			return "", nil, fmt.Errorf("characteristic %s not found in service %s", charUUID, serviceUUID)
		}
		return svc.UUID, char, nil
	}

	var foundSvc string
	var found *transport.Characteristic
	for _, svc := range tree.Services() {
		if char, ok := svc.Characteristic(target); ok {
			if found != nil {
				return "", nil, fmt.Errorf("characteristic %s found in multiple services, specify --service", charUUID)
			}
			foundSvc = svc.UUID
			found = char
		}
	}
	if found == nil {
		return "", nil, fmt.Errorf("characteristic %s not found", charUUID)
	}
	return foundSvc, found, nil
}

// resolveDescriptor finds a descriptor, optionally scoped by service and
// characteristic. Returns the owning service UUID, the parent
// characteristic, and the descriptor.
func resolveDescriptor(tree *transport.Tree, descUUID, serviceUUID, charUUID string) (string, *transport.Characteristic, *transport.Descriptor, error) {
	target := bledb.NormalizeUUID(descUUID)

	// Scoped lookup when the parent characteristic is pinned down
	if charUUID != "" {
		svcUUID, char, err := resolveCharacteristic(tree, charUUID, serviceUUID)
		if err != nil {
			return "", nil, nil, err
		}
		desc, ok := char.Descriptor(target)
		if !ok {
			return "", nil, nil, fmt.Errorf("descriptor %s not found in characteristic %s", descUUID, charUUID)
		}
		return svcUUID, char, desc, nil
	}

	var foundSvc string
	var foundChar *transport.Characteristic
	var found *transport.Descriptor
	for _, svc := range tree.Services() {
		if serviceUUID != "" && svc.UUID != bledb.NormalizeUUID(serviceUUID) {
			continue
		}
		for _, char := range svc.Characteristics() {
			if desc, ok := char.Descriptor(target); ok {
				if found != nil {
					return "", nil, nil, fmt.Errorf("descriptor %s found in multiple characteristics, specify --service and --char", descUUID)
				}
				foundSvc = svc.UUID
				foundChar = char
				found = desc
			}
		}
	}
	if found == nil {
		return "", nil, nil, fmt.Errorf("descriptor %s not found", descUUID)
	}
	return foundSvc, foundChar, found, nil
}

// parseCSVUUIDs parses a comma-separated string of UUIDs into a slice.
// Handles whitespace and filters empty elements.
//
// Examples:
//
//	"2a37" -> []string{"2a37"}
//	"2a37,2a38" -> []string{"2a37", "2a38"}
//	"2a37, 2a38, 2a19" -> []string{"2a37", "2a38", "2a19"}
func parseCSVUUIDs(input string) []string {
	var result []string
	for _, u := range strings.Split(input, ",") {
		u = strings.TrimSpace(u)
		if u != "" {
			result = append(result, u)
		}
	}
	return result
}

// resolveCharacteristics resolves characteristics from a CSV string or returns
// all in a service.
//
// Resolution cases:
//  1. charUUIDsCSV provided + serviceUUID: Resolve specific chars in that service
//  2. charUUIDsCSV provided + no serviceUUID: Auto-resolve each char across all services
//  3. charUUIDsCSV empty + serviceUUID: Return ALL characteristics in that service
//  4. charUUIDsCSV empty + no serviceUUID: Error (no targets specified)
//
// Returns a map of serviceUUID -> []charUUID, total count, and a map of UUID
// to Characteristic.
func resolveCharacteristics(tree *transport.Tree, charUUIDsCSV, serviceUUID string) (serviceChars map[string][]string, totalChars int, chars map[string]*transport.Characteristic, err error) {
	charUUIDs := parseCSVUUIDs(charUUIDsCSV)

	serviceChars = make(map[string][]string)
	chars = make(map[string]*transport.Characteristic)

	// Case 3: All characteristics in a specific service
	if len(charUUIDs) == 0 && serviceUUID != "" {
		svc, ok := tree.Service(serviceUUID)
		if !ok {
			return nil, 0, nil, fmt.Errorf("service %s not found", serviceUUID)
		}

		for _, char := range svc.Characteristics() {
			serviceChars[svc.UUID] = append(serviceChars[svc.UUID], char.UUID)
			chars[char.UUID] = char
		}

		if len(chars) == 0 {
			return nil, 0, nil, fmt.Errorf("no characteristics found in service %s", serviceUUID)
		}

		return serviceChars, len(chars), chars, nil
	}

	// Case 4: No targets specified
	if len(charUUIDs) == 0 {
		return nil, 0, nil, fmt.Errorf("no UUIDs provided")
	}

	// Cases 1 and 2: resolve each requested characteristic
	for _, charUUID := range charUUIDs {
		svcUUID, char, err := resolveCharacteristic(tree, charUUID, serviceUUID)
		if err != nil {
			return nil, 0, nil, err
		}
		serviceChars[svcUUID] = append(serviceChars[svcUUID], char.UUID)
		chars[char.UUID] = char
	}

	for _, svcChars := range serviceChars {
		totalChars += len(svcChars)
	}

	return serviceChars, totalChars, chars, nil
}
