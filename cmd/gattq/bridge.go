package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/gattq/internal/central"
	"github.com/srg/gattq/internal/ptybridge"
)

// bridgeCmd represents the bridge command
var bridgeCmd = &cobra.Command{
	Use:   "bridge <device-address>",
	Short: "Expose a BLE device as a pseudo-terminal",
	Long: fmt.Sprintf(`Connects to a BLE device and exposes its serial characteristics as a
pseudo-terminal, so applications that expect a serial port can talk to
the device. Data written to the PTY is sent to the RX characteristic;
notifications from the TX characteristic appear as terminal output.

The attribute layout defaults to the Nordic UART Service and can be
overridden per characteristic for devices with their own convention.

Example:
  gattq bridge %s
  gattq bridge --symlink /tmp/ble-serial %s
  gattq bridge --service 0xffe0 --rx 0xffe1 --tx 0xffe1 %s

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(1),
	RunE: runBridge,
}

var (
	bridgeServiceUUID     string
	bridgeRxUUID          string
	bridgeTxUUID          string
	bridgeSymlink         string
	bridgeWithoutResponse bool
	bridgeConnectTimeout  time.Duration
)

func init() {
	bridgeCmd.Flags().StringVar(&bridgeServiceUUID, "service", ptybridge.NordicUARTService, "Service holding the serial characteristics")
	bridgeCmd.Flags().StringVar(&bridgeRxUUID, "rx", ptybridge.NordicUARTRx, "Characteristic written with terminal input")
	bridgeCmd.Flags().StringVar(&bridgeTxUUID, "tx", ptybridge.NordicUARTTx, "Notifying characteristic streamed to the terminal")
	bridgeCmd.Flags().StringVar(&bridgeSymlink, "symlink", "", "Create a symlink to the PTY device (e.g. /tmp/ble-serial)")
	bridgeCmd.Flags().BoolVar(&bridgeWithoutResponse, "without-response", false, "Force unacknowledged writes to the RX characteristic")
	bridgeCmd.Flags().DurationVar(&bridgeConnectTimeout, "timeout", 30*time.Second, "Connection timeout")
}

func runBridge(cmd *cobra.Command, args []string) error {
	deviceAddress := args[0]

	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg := central.DefaultConfig()
	cfg.ConnectionTimeout = bridgeConnectTimeout
	// The bridge subscribes to its TX characteristic itself.
	cfg.EnableNotifications = false

	progress := NewProgressPrinter(fmt.Sprintf("Starting bridge for %s", deviceAddress), "Connecting", "Running")
	progress.Start()
	defer progress.Stop()

	opts := &ptybridge.RunOptions{
		Addr:    deviceAddress,
		Session: cfg,
		Link: ptybridge.LinkConfig{
			Service:         bridgeServiceUUID,
			RxChar:          bridgeRxUUID,
			TxChar:          bridgeTxUUID,
			SymlinkPath:     bridgeSymlink,
			WithoutResponse: bridgeWithoutResponse,
		},
		Logger: logger,
	}

	_, err = ptybridge.Run(ctx, opts, progress.Callback(), func(b *ptybridge.Bridge) (any, error) {
		progress.Stop()

		fmt.Fprintf(os.Stderr, "PTY: %s\n", b.TTYName())
		if link := b.Symlink(); link != "" {
			fmt.Fprintf(os.Stderr, "Symlink: %s\n", link)
		}
		fmt.Fprintf(os.Stderr, "Bridging %s. Press Ctrl+C to stop...\n", deviceAddress)

		sess := b.Session()
		defer func() {
			stats := b.Endpoint().Stats()
			logger.WithFields(logrus.Fields{
				"read_bytes":    stats.ReadBytesTotal,
				"write_bytes":   stats.WriteBytesTotal,
				"dropped_read":  stats.DroppedReadBytes,
				"dropped_write": stats.DroppedWriteBytes,
			}).Debug("Bridge finished")
		}()

		select {
		case <-ctx.Done():
			return nil, nil
		case <-sess.ConnectionContext().Done():
			return nil, ErrConnectionLost
		}
	})
	return err
}
