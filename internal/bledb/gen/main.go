// Package main checks the curated tables in internal/bledb against Nordic
// Semiconductor's bluetooth-numbers-database.
//
// The bledb tables are maintained by hand as a curated subset of the SIG
// assigned-numbers lists. This tool downloads the upstream service,
// characteristic, and descriptor lists and reports every curated name that
// no longer matches upstream. Run it through go generate in the bledb
// package; it exits non-zero when names have drifted.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/srg/gattq/internal/bledb"
)

const (
	cacheDir          = "../../.tmp/bledb-cache"
	serviceURL        = "https://raw.githubusercontent.com/NordicSemiconductor/bluetooth-numbers-database/master/v1/service_uuids.json"
	characteristicURL = "https://raw.githubusercontent.com/NordicSemiconductor/bluetooth-numbers-database/master/v1/characteristic_uuids.json"
	descriptorURL     = "https://raw.githubusercontent.com/NordicSemiconductor/bluetooth-numbers-database/master/v1/descriptor_uuids.json"
)

// upstreamEntry is one row of an upstream assigned-numbers list.
type upstreamEntry struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fmt.Println("Checking curated BLE names against upstream...")

	kinds := []struct {
		label  string
		file   string
		url    string
		lookup func(string) string
	}{
		{"service", "services.json", serviceURL, bledb.LookupService},
		{"characteristic", "characteristics.json", characteristicURL, bledb.LookupCharacteristic},
		{"descriptor", "descriptors.json", descriptorURL, bledb.LookupDescriptor},
	}

	drifted := 0
	for _, k := range kinds {
		path, err := ensureCached(k.file, k.url)
		if err != nil {
			return err
		}
		upstream, err := parseEntries(path)
		if err != nil {
			return err
		}

		confirmed := 0
		for uuid, name := range upstream {
			curated := k.lookup(uuid)
			if curated == "" {
				// Not part of the curated subset.
				continue
			}
			confirmed++
			if curated != name {
				drifted++
				fmt.Fprintf(os.Stderr, "DRIFT: %s %s: curated %q, upstream %q\n",
					k.label, uuid, curated, name)
			}
		}
		fmt.Printf("%s: %d curated entries confirmed against upstream\n", k.label, confirmed)
	}

	if drifted > 0 {
		return fmt.Errorf("%d curated names drifted from upstream", drifted)
	}
	return nil
}

// ensureCached downloads a file from the given URL if it doesn't exist in the
// cache. Returns the path to the cached file.
func ensureCached(filename, url string) (string, error) {
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create cache dir: %w", err)
	}

	path := filepath.Join(cacheDir, filename)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Println("Downloading", filename)
		resp, err := http.Get(url)
		if err != nil {
			return "", fmt.Errorf("failed to download %s: %w", filename, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("failed to download %s: status %d", filename, resp.StatusCode)
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", fmt.Errorf("failed to read response body for %s: %w", filename, err)
		}

		if err := os.WriteFile(path, data, 0644); err != nil {
			return "", fmt.Errorf("failed to write cache file %s: %w", filename, err)
		}
	} else if err != nil {
		return "", fmt.Errorf("failed to check cache file %s: %w", filename, err)
	} else {
		fmt.Println("Using cached file", filename)
	}
	return path, nil
}

// parseEntries parses an upstream assigned-numbers list into a map keyed by
// normalized UUID. Upstream occasionally repeats a UUID; the first name wins
// and conflicting repeats are reported.
func parseEntries(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cached file %s: %w", path, err)
	}

	var arr []upstreamEntry
	if err := json.Unmarshal(data, &arr); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	entries := make(map[string]string, len(arr))
	for _, e := range arr {
		if e.UUID == "" || e.Name == "" {
			continue
		}
		uuid := bledb.NormalizeUUID(e.UUID)
		if existing, ok := entries[uuid]; ok {
			if existing != e.Name {
				fmt.Fprintf(os.Stderr, "WARNING: duplicate upstream UUID %q (keeping %q, skipping %q)\n",
					uuid, existing, e.Name)
			}
			continue
		}
		entries[uuid] = e.Name
	}
	return entries, nil
}
