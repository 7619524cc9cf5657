package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/gattq/internal/central"
	"github.com/srg/gattq/internal/transport"
	"github.com/srg/gattq/session"
)

// mtuCmd represents the mtu command
var mtuCmd = &cobra.Command{
	Use:   "mtu <device-address> <size>",
	Short: "Negotiate the ATT MTU with a device",
	Long: fmt.Sprintf(`Connects to a BLE device and requests the given ATT MTU.

The granted value is printed on stdout. Peripherals are free to grant
less than requested; the printed value is what the link actually uses.

Example:
  gattq mtu %s 185
  gattq mtu %s 247

%s`, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(2),
	RunE: runMTU,
}

var mtuConnectTimeout time.Duration

func init() {
	mtuCmd.Flags().DurationVar(&mtuConnectTimeout, "timeout", 30*time.Second, "Connection timeout")
}

func runMTU(cmd *cobra.Command, args []string) error {
	deviceAddress := args[0]

	size, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid MTU size %q: %w", args[1], err)
	}
	if size < transport.DefaultMTU || size > transport.MaxMTU {
		return fmt.Errorf("MTU size must be between %d and %d, got %d", transport.DefaultMTU, transport.MaxMTU, size)
	}

	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	progress := NewProgressPrinter(fmt.Sprintf("Negotiating MTU %d with %s", size, deviceAddress), "Connecting", "Processing results")
	progress.Start()
	defer progress.Stop()

	cfg := central.DefaultConfig()
	cfg.ConnectionTimeout = mtuConnectTimeout
	cfg.EnableNotifications = false
	// The explicit request below is the only exchange; the session must
	// not negotiate on its own first.
	cfg.MTU = 0

	_, err = session.Run(context.Background(), deviceAddress, &session.Options{Config: cfg}, logger, progress.Callback(),
		func(sess *session.Session) (any, error) {
			progress.Stop()

			granted, err := sess.RequestMTU(size)
			if err != nil {
				return nil, fmt.Errorf("failed to negotiate MTU: %w", err)
			}
			fmt.Printf("MTU: %d\n", granted)
			return nil, nil
		})
	return err
}
