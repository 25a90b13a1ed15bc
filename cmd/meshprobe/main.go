// Command meshprobe connects to a Meshtastic radio with the relay's transport
// settings and prints what it hears. It never touches Matrix or the relay
// database.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/app"
	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/bus"
	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/config"
	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/connectors"
	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/domain"
	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/logging"
	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/radio"
	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/transport"
)

const (
	connectWaitTimeout = 45 * time.Second
	maxTextPreviewLen  = 80
)

type probeOptions struct {
	ConfigPath string
	Connector  string
	Host       string
	Port       int
	SerialPort string
	BLEAddress string
	ListenFor  time.Duration
	Send       string
	Channel    int
	Debug      bool
}

func parseProbeOptions(args []string, output io.Writer) (probeOptions, error) {
	var opts probeOptions

	fs := flag.NewFlagSet("meshprobe", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&opts.ConfigPath, "config", "", "relay config.yaml to take the meshtastic section from")
	fs.StringVar(&opts.Connector, "connector", "", "tcp, serial or ble (overrides config)")
	fs.StringVar(&opts.Host, "host", "", "radio hostname or ip for tcp")
	fs.IntVar(&opts.Port, "port", 0, "radio tcp port")
	fs.StringVar(&opts.SerialPort, "serial-port", "", "serial device path")
	fs.StringVar(&opts.BLEAddress, "ble-address", "", "bluetooth address or device name")
	fs.DurationVar(&opts.ListenFor, "listen-for", 0, "stop after this long, e.g. 30s (default: until interrupt)")
	fs.StringVar(&opts.Send, "send", "", "broadcast this text once connected")
	fs.IntVar(&opts.Channel, "channel", 0, "channel index for --send")
	fs.BoolVar(&opts.Debug, "debug", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return probeOptions{}, err
	}
	if fs.NArg() > 0 {
		return probeOptions{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if opts.Channel < 0 || opts.Channel > config.MaxChannelIndex {
		return probeOptions{}, fmt.Errorf("channel must be within 0..%d", config.MaxChannelIndex)
	}

	return opts, nil
}

// applyOverrides layers command-line transport settings over the config file.
func applyOverrides(cfg config.MeshtasticConfig, opts probeOptions) config.MeshtasticConfig {
	if v := strings.TrimSpace(opts.Connector); v != "" {
		cfg.Connector = config.ConnectorType(v)
	}
	if v := strings.TrimSpace(opts.Host); v != "" {
		cfg.Host = v
	}
	if opts.Port > 0 {
		cfg.Port = opts.Port
	}
	if v := strings.TrimSpace(opts.SerialPort); v != "" {
		cfg.SerialPort = v
	}
	if v := strings.TrimSpace(opts.BLEAddress); v != "" {
		cfg.BluetoothAddress = v
	}

	return cfg
}

func main() {
	opts, err := parseProbeOptions(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := run(opts); err != nil {
		slog.Error("run meshprobe", "error", err)
		os.Exit(1)
	}
}

func run(opts probeOptions) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.ListenFor > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.ListenFor)
		defer cancel()
	}

	cfg := config.Default()
	if opts.ConfigPath != "" {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	cfg.Meshtastic = applyOverrides(cfg.Meshtastic, opts)
	cfg.FillMissingDefaults()
	if app.ConnectionTarget(cfg.Meshtastic) == "" {
		return fmt.Errorf("no radio target: set --host, --serial-port or --ble-address")
	}

	logCfg := cfg.Logging
	logCfg.LogToFile = false
	if opts.Debug {
		logCfg.Level = "debug"
	}
	logMgr := logging.NewManager()
	if err := logMgr.Configure(logCfg, ""); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer func() {
		_ = logMgr.Close()
	}()
	logger := logMgr.Logger("probe")
	logger.Info("starting meshprobe", "version", app.BuildVersion(), "target", app.ConnectionTarget(cfg.Meshtastic))

	b := bus.New(logMgr.Logger("bus"))
	defer b.Close()

	codec, err := radio.NewMeshtasticCodec()
	if err != nil {
		return fmt.Errorf("initialize meshtastic codec: %w", err)
	}
	tr, err := transport.New(cfg.Meshtastic)
	if err != nil {
		return fmt.Errorf("initialize transport: %w", err)
	}
	link := radio.NewLink(logMgr.Logger("radio"), b, tr, codec, radio.LinkConfig{
		MaxReconnectAttempts: 1,
		HandshakeTimeout:     connectWaitTimeout,
	})
	defer func() {
		_ = link.Disconnect()
	}()

	connSub := b.Subscribe(connectors.TopicConnStatus)
	defer b.Unsubscribe(connSub, connectors.TopicConnStatus)
	nodeSub := b.Subscribe(connectors.TopicNodeInfo)
	defer b.Unsubscribe(nodeSub, connectors.TopicNodeInfo)

	linkErr := make(chan error, 1)
	go func() {
		linkErr <- link.Connect(ctx)
	}()

	if err := waitConnected(ctx, logger, connSub, linkErr); err != nil {
		return err
	}
	logger.Info("radio connected", "local_node", domain.FormatNodeID(link.LocalNodeNum()))

	if opts.Send != "" {
		id, err := link.Send(ctx, opts.Channel, []byte(opts.Send), domain.SendOptions{})
		if err != nil {
			return fmt.Errorf("send text: %w", err)
		}
		logger.Info("sent", "channel", opts.Channel, "packet_id", id)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-linkErr:
			if err != nil && !radio.IsStopped(err) {
				return err
			}
			return nil
		case raw, ok := <-connSub:
			if !ok {
				return nil
			}
			if status, ok := raw.(connectors.ConnectionStatus); ok {
				logger.Info("conn", "state", status.State, "retry", status.RetryCount, "error", status.Err)
			}
		case raw, ok := <-nodeSub:
			if !ok {
				return nil
			}
			if update, ok := raw.(domain.NodeUpdate); ok {
				logger.Info("node", "id", update.Node.NodeID, "long_name", update.Node.LongName, "short_name", update.Node.ShortName, "live", update.FromPacket)
			}
		case pkt := <-link.Packets():
			logger.Info("packet", packetAttrs(pkt)...)
		}
	}
}

func waitConnected(ctx context.Context, logger *slog.Logger, connSub bus.Subscription, linkErr <-chan error) error {
	timeout := time.After(connectWaitTimeout)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return fmt.Errorf("radio did not connect within %s", connectWaitTimeout)
		case err := <-linkErr:
			if err == nil {
				err = errors.New("radio link stopped before connecting")
			}
			return err
		case raw, ok := <-connSub:
			if !ok {
				return errors.New("status stream closed")
			}
			status, ok := raw.(connectors.ConnectionStatus)
			if !ok {
				continue
			}
			logger.Info("conn", "state", status.State, "transport", status.TransportName, "error", status.Err)
			if status.State == connectors.ConnectionStateConnected {
				return nil
			}
		}
	}
}

func packetAttrs(pkt domain.RadioPacket) []any {
	attrs := []any{
		"id", pkt.ID,
		"from", domain.FormatNodeID(pkt.From),
		"channel", pkt.Channel,
		"port", pkt.PortNum.String(),
	}
	if !pkt.IsBroadcast() {
		attrs = append(attrs, "to", domain.FormatNodeID(pkt.To))
	}
	if pkt.PortNum == domain.PortTextMessage || pkt.PortNum == domain.PortDetectionSensor {
		attrs = append(attrs, "text", previewText(pkt.Text()))
	} else {
		attrs = append(attrs, "bytes", len(pkt.Payload))
	}
	if pkt.ReplyID != 0 {
		attrs = append(attrs, "reply_to", pkt.ReplyID)
	}
	if pkt.ViaMQTT {
		attrs = append(attrs, "via_mqtt", true)
	}

	return attrs
}

func previewText(text string) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= maxTextPreviewLen {
		return text
	}
	runes := []rune(text)

	return string(runes[:maxTextPreviewLen]) + "..."
}
