package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/gattq/internal/central"
	"github.com/srg/gattq/internal/transport"
	"github.com/srg/gattq/session"
)

// subscribeCmd represents the subscribe command
var subscribeCmd = &cobra.Command{
	Use:   "subscribe <device-address> [uuid]",
	Short: "Subscribe to characteristic notifications",
	Long: fmt.Sprintf(`Subscribes to BLE characteristic notifications and outputs received data.

Notifications are buffered through a fixed-size ring; when output falls
behind, the oldest values are dropped and counted rather than blocking
the peripheral.

Examples:
  # Subscribe to single characteristic
  gattq subscribe %s 2a37

  # Subscribe to multiple characteristics (auto-resolves services)
  gattq subscribe %s 2a37,2a19 --hex

  # Subscribe to characteristics in specific service
  gattq subscribe %s --service 180d --char 2a37,2a38

  # Subscribe to all notifiable characteristics in service
  gattq subscribe %s --service ff30

  # Stop after 30 seconds
  gattq subscribe %s 2a37 --duration 30s

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.RangeArgs(1, 2),
	RunE: runSubscribe,
}

var (
	subscribeServiceUUID string
	subscribeCharUUIDs   string // comma-separated
	subscribeHex         bool
	subscribeTimeout     time.Duration
	subscribeDuration    time.Duration
	subscribeRate        time.Duration
	subscribeBuffer      int
)

func init() {
	subscribeCmd.Flags().StringVar(&subscribeServiceUUID, "service", "", "Service UUID (optional; auto-resolves if omitted)")
	subscribeCmd.Flags().StringVar(&subscribeCharUUIDs, "char", "", "Characteristic UUID(s), comma-separated (e.g., 2a37,2a38)")
	subscribeCmd.Flags().BoolVar(&subscribeHex, "hex", false, "Output as hex string; raw bytes by default")
	subscribeCmd.Flags().DurationVar(&subscribeTimeout, "timeout", 30*time.Second, "Connection timeout")
	subscribeCmd.Flags().DurationVar(&subscribeDuration, "duration", 0, "Stop after this long (0 to run until interrupted)")
	subscribeCmd.Flags().DurationVar(&subscribeRate, "rate", 100*time.Millisecond, "Output drain interval")
	subscribeCmd.Flags().IntVar(&subscribeBuffer, "buffer", 256, "Notification buffer capacity")
}

// buildSubscribeOptions resolves characteristics and groups them by service,
// keeping only the notifiable ones. charUUIDsCSV is a comma-separated string
// of characteristic UUIDs (parsed internally). If charUUIDsCSV is empty and
// serviceUUID is provided, returns all notifiable chars in that service.
func buildSubscribeOptions(tree *transport.Tree, charUUIDsCSV, serviceUUID string) (map[string][]string, int, error) {
	serviceChars, _, chars, err := resolveCharacteristics(tree, charUUIDsCSV, serviceUUID)
	if err != nil {
		return nil, 0, err
	}

	filteredServiceChars := make(map[string][]string)
	filteredCount := 0

	for svcUUID, charUUIDs := range serviceChars {
		for _, charUUID := range charUUIDs {
			char := chars[charUUID]
			if char.Properties.CanNotify() {
				filteredServiceChars[svcUUID] = append(filteredServiceChars[svcUUID], charUUID)
				filteredCount++
			} else if charUUIDsCSV != "" {
				// Explicit char requested but doesn't support notifications
				return nil, 0, fmt.Errorf("characteristic %s does not support notifications", transport.ShortenUUID(charUUID))
			}
			// All-in-service mode silently skips non-notifiable chars
		}
	}

	if filteredCount == 0 {
		return nil, 0, fmt.Errorf("no notifiable characteristics found")
	}

	return filteredServiceChars, filteredCount, nil
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	address := args[0]

	// Determine characteristics to subscribe (raw CSV string for later parsing)
	var charUUIDsCSV string
	if len(args) == 2 {
		charUUIDsCSV = args[1]
	} else if subscribeCharUUIDs != "" {
		charUUIDsCSV = subscribeCharUUIDs
	}

	// Validate: either chars specified or service specified (for all-in-service mode)
	if charUUIDsCSV == "" && subscribeServiceUUID == "" {
		return fmt.Errorf("specify characteristic UUID(s) via argument or --char flag, or use --service for all characteristics")
	}

	if subscribeBuffer <= 0 {
		return fmt.Errorf("buffer capacity must be positive, got %d", subscribeBuffer)
	}

	// Configure logger
	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	// Setup context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		<-sigChan
		cancel()
	}()

	// Setup progress (detailed description comes after resolution)
	var progress *ProgressPrinter
	if subscribeDuration > 0 {
		progress = NewCountdownProgressPrinter(fmt.Sprintf("Subscribing to %s", address), "Connecting", subscribeDuration, "Processing results")
	} else {
		progress = NewProgressPrinter(fmt.Sprintf("Subscribing to %s", address), "Connecting", "Processing results")
	}
	progress.Start()
	defer progress.Stop()

	cfg := central.DefaultConfig()
	cfg.ConnectionTimeout = subscribeTimeout
	// Only the requested characteristics get subscribed
	cfg.EnableNotifications = false

	subscribeOperation := func(sess *session.Session) (any, error) {
		tree, ok := sess.Attributes()
		if !ok {
			return nil, fmt.Errorf("attributes not discovered")
		}

		serviceChars, totalChars, err := buildSubscribeOptions(tree, charUUIDsCSV, subscribeServiceUUID)
		if err != nil {
			return nil, err
		}

		multiChar := totalChars > 1

		for svcUUID, chars := range serviceChars {
			for _, charUUID := range chars {
				if err := sess.Subscribe(svcUUID, charUUID); err != nil {
					return nil, fmt.Errorf("failed to subscribe to %s: %w", transport.ShortenUUID(charUUID), err)
				}
			}
		}

		// Stop progress indicator
		progress.Stop()

		// Print subscription info
		if len(serviceChars) == 1 {
			for svcUUID, chars := range serviceChars {
				if len(chars) == 1 {
					fmt.Fprintf(os.Stderr, "Subscribed to %s. Press Ctrl+C to stop...\n", chars[0])
				} else {
					fmt.Fprintf(os.Stderr, "Subscribed to %d characteristics in service %s. Press Ctrl+C to stop...\n", len(chars), svcUUID)
				}
			}
		} else {
			fmt.Fprintf(os.Stderr, "Subscribed to %d characteristics across %d services. Press Ctrl+C to stop...\n", totalChars, len(serviceChars))
		}

		collector, err := central.NewNotificationCollector(sess.Notifications(), uint32(subscribeBuffer), func(err error) {
			logger.WithError(err).Warn("Notification collector error")
		})
		if err != nil {
			return nil, err
		}
		if err := collector.Start(); err != nil {
			return nil, err
		}
		defer func() {
			if err := collector.Stop(); err != nil {
				logger.WithError(err).Warn("Failed to stop notification collector")
			}
			metrics := collector.GetMetrics()
			logger.WithFields(logrus.Fields{
				"processed":   metrics.GetRecordsProcessed(),
				"overwritten": metrics.GetRecordsOverwritten(),
			}).Debug("Collector metrics")
		}()

		drain := func() {
			_, _ = central.ConsumeRecords(collector, func(rec *central.Notification) (struct{}, error) {
				if rec != nil {
					outputNotification(rec, multiChar)
				}
				return struct{}{}, nil
			})
		}

		ticker := time.NewTicker(subscribeRate)
		defer ticker.Stop()

		var durationC <-chan time.Time
		if subscribeDuration > 0 {
			durationC = time.After(subscribeDuration)
		}

		for {
			select {
			case <-ctx.Done():
				drain()
				return nil, nil
			case <-durationC:
				drain()
				return nil, nil
			case <-sess.ConnectionContext().Done():
				drain()
				return nil, ErrConnectionLost
			case <-ticker.C:
				drain()
			}
		}
	}

	_, err = session.Run(ctx, address, &session.Options{Config: cfg}, logger, progress.Callback(), subscribeOperation)
	return err
}

// outputNotification formats and outputs one notification value.
func outputNotification(rec *central.Notification, multiChar bool) {
	var prefix string
	if multiChar {
		prefix = transport.ShortenUUID(rec.Characteristic) + ": "
	}

	if subscribeHex {
		fmt.Printf("%s%s\n", prefix, hex.EncodeToString(rec.Payload))
		return
	}

	if prefix != "" {
		fmt.Print(prefix)
	}
	_, _ = os.Stdout.Write(rec.Payload)
	fmt.Println()
}
