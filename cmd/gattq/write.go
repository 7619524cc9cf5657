package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/gattq/internal/central"
	"github.com/srg/gattq/internal/transport"
	"github.com/srg/gattq/session"
)

// writeCmd represents the write command
var writeCmd = &cobra.Command{
	Use:   "write <device-address> <uuid> <data>",
	Short: "Write to a characteristic or descriptor",
	Long: fmt.Sprintf(`Writes data to a BLE characteristic or descriptor.

Examples:
  # Write to characteristic (string data)
  gattq write %s 2a06 "high"

  # Write hex data
  gattq write %s 2a06 01 --hex

  # Write to descriptor (enable notifications)
  gattq write %s --service 180d --char 2a37 --desc 2902 0100 --hex

  # Write without response (faster, no ACK)
  gattq write %s 2a06 "data" --without-response

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.RangeArgs(2, 3),
	RunE: runWrite,
}

var (
	writeServiceUUID string
	writeCharUUID    string
	writeDescUUID    string
	writeHex         bool
	writeNoResponse  bool
	writeTimeout     time.Duration
)

func init() {
	writeCmd.Flags().StringVar(&writeServiceUUID, "service", "", "Service UUID (required if characteristic UUID is ambiguous)")
	writeCmd.Flags().StringVar(&writeCharUUID, "char", "", "Characteristic UUID")
	writeCmd.Flags().StringVar(&writeDescUUID, "desc", "", "Descriptor UUID (writes descriptor instead of characteristic)")
	writeCmd.Flags().BoolVar(&writeHex, "hex", false, "Parse input as hex string (e.g., 'FF01'); raw bytes by default")
	writeCmd.Flags().BoolVar(&writeNoResponse, "without-response", false, "Write without response (faster, no ACK); default waits for ACK, if available")
	writeCmd.Flags().DurationVar(&writeTimeout, "timeout", 5*time.Second, "Write timeout")
}

func runWrite(cmd *cobra.Command, args []string) error {
	address := args[0]

	// Positional shape: <address> <uuid> <data>, or <address> <data> with
	// the target given through --char/--desc.
	var targetUUID, dataStr string
	switch {
	case len(args) == 3:
		targetUUID = args[1]
		dataStr = args[2]
	case writeCharUUID != "" || writeDescUUID != "":
		dataStr = args[1]
	default:
		return fmt.Errorf("UUID required: provide as second argument or via --char/--desc flag")
	}

	// Parse data according to format
	data, err := parseWriteData(dataStr)
	if err != nil {
		return fmt.Errorf("failed to parse data: %w", err)
	}

	// Configure logger
	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	target := targetUUID
	if target == "" {
		if writeDescUUID != "" {
			target = writeDescUUID
		} else {
			target = writeCharUUID
		}
	}

	// Setup progress printer
	progress := NewProgressPrinter(fmt.Sprintf("Writing %d bytes to %s on %s", len(data), target, address), "Connecting", "Processing results")
	progress.Start()
	defer progress.Stop()

	cfg := central.DefaultConfig()
	cfg.ConnectionTimeout = 30 * time.Second
	cfg.OperationTimeout = writeTimeout
	cfg.EnableNotifications = false

	ctx := context.Background()

	writeOperation := func(sess *session.Session) (any, error) {
		// Stop progress indicator before returning
		progress.Stop()

		tree, ok := sess.Attributes()
		if !ok {
			return nil, fmt.Errorf("attributes not discovered")
		}

		// Descriptor path
		if writeDescUUID != "" {
			charScope := writeCharUUID
			if charScope == "" {
				charScope = targetUUID
			}
			svcUUID, char, desc, err := resolveDescriptor(tree, writeDescUUID, writeServiceUUID, charScope)
			if err != nil {
				return nil, err
			}
			if err := sess.WriteDescriptor(svcUUID, char.UUID, desc.UUID, data); err != nil {
				return nil, fmt.Errorf("failed to write descriptor: %w", err)
			}
			return nil, nil
		}

		// Characteristic path
		charTarget := targetUUID
		if charTarget == "" {
			charTarget = writeCharUUID
		}
		svcUUID, char, err := resolveCharacteristic(tree, charTarget, writeServiceUUID)
		if err != nil {
			return nil, err
		}

		return nil, writeCharacteristic(sess, svcUUID, char, data)
	}

	_, err = session.Run(ctx, address, &session.Options{Config: cfg}, logger, progress.Callback(), writeOperation)
	if err != nil {
		return err
	}

	fmt.Println("Write successful")
	return nil
}

// parseWriteData converts input string to bytes based on format flags
func parseWriteData(dataStr string) ([]byte, error) {
	if writeHex {
		// Remove spaces and common separators
		cleaned := strings.ReplaceAll(dataStr, " ", "")
		cleaned = strings.ReplaceAll(cleaned, ":", "")
		cleaned = strings.ReplaceAll(cleaned, "-", "")
		cleaned = strings.ReplaceAll(cleaned, "0x", "")

		data, err := hex.DecodeString(cleaned)
		if err != nil {
			return nil, fmt.Errorf("invalid hex data: %w", err)
		}
		return data, nil
	}

	return []byte(dataStr), nil
}

// writeCharacteristic writes data to a characteristic, choosing the write
// mode from its properties and the --without-response flag.
func writeCharacteristic(sess *session.Session, svcUUID string, char *transport.Characteristic, data []byte) error {
	canWrite := char.Properties.Has(transport.PropWrite)
	canWriteNoResponse := char.Properties.Has(transport.PropWriteWithoutResponse)

	if !canWrite && !canWriteNoResponse {
		return fmt.Errorf("characteristic %s does not support write operations", char.UUID)
	}

	// Default to acknowledged writes when the characteristic supports them
	withoutResponse := writeNoResponse || !canWrite

	if err := sess.Write(svcUUID, char.UUID, data, withoutResponse); err != nil {
		return fmt.Errorf("failed to write characteristic: %w", err)
	}

	return nil
}
