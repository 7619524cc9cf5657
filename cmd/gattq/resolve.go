package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/srg/gattq/internal/bledb"
)

// resolveCmd represents the resolve command
var resolveCmd = &cobra.Command{
	Use:   "resolve <uuid> [uuid...]",
	Short: "Resolve UUIDs against the assigned-numbers registry",
	Long: `Looks up service, characteristic and descriptor names for the given
UUIDs without connecting to any device. 128-bit UUIDs on the Bluetooth
SIG base are collapsed to their short form first.

Example:
  gattq resolve 180d
  gattq resolve 2a37 2902 6e400001-b5a3-f393-e0a9-e50e24dcca9e`,
	Args: cobra.MinimumNArgs(1),
	RunE: runResolve,
}

var resolveJSON bool

func init() {
	resolveCmd.Flags().BoolVar(&resolveJSON, "json", false, "Output results as JSON")
}

// resolvedUUID is one registry lookup result.
type resolvedUUID struct {
	Input          string `json:"input"`
	UUID           string `json:"uuid"`
	Service        string `json:"service,omitempty"`
	Characteristic string `json:"characteristic,omitempty"`
	Descriptor     string `json:"descriptor,omitempty"`
}

func runResolve(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	results := make([]resolvedUUID, 0, len(args))
	for _, arg := range args {
		normalized := bledb.NormalizeUUID(arg)
		results = append(results, resolvedUUID{
			Input:          arg,
			UUID:           normalized,
			Service:        bledb.LookupService(normalized),
			Characteristic: bledb.LookupCharacteristic(normalized),
			Descriptor:     bledb.LookupDescriptor(normalized),
		})
	}

	if resolveJSON {
		data, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode results: %w", err)
		}
		fmt.Fprintln(os.Stdout, string(data))
		return nil
	}

	for _, r := range results {
		fmt.Printf("%s\n", r.UUID)
		known := false
		if r.Service != "" {
			fmt.Printf("  service: %s\n", r.Service)
			known = true
		}
		if r.Characteristic != "" {
			fmt.Printf("  characteristic: %s\n", r.Characteristic)
			known = true
		}
		if r.Descriptor != "" {
			fmt.Printf("  descriptor: %s\n", r.Descriptor)
			known = true
		}
		if !known {
			fmt.Printf("  unknown\n")
		}
	}
	return nil
}
