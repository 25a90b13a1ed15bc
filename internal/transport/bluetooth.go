package transport

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/bluetoothutil"
)

const (
	bleFrameBacklog     = 128
	bleReadBufferSize   = 4096
	bleMaxDrainReads    = 256
	bleScanTimeout      = 12 * time.Second
	bleSubscribeTimeout = 8 * time.Second
	bleAbortGrace       = 2 * time.Second
)

// bleLink is one live GATT session with the radio. FromNum notifications only
// say that FromRadio has data; pump pulls the frames.
type bleLink struct {
	device    bluetooth.Device
	toRadio   bluetooth.DeviceCharacteristic
	fromRadio bluetooth.DeviceCharacteristic
	fromNum   bluetooth.DeviceCharacteristic

	frames chan []byte
	wake   chan struct{}
	done   chan struct{}

	stopOnce sync.Once
	causeMu  sync.Mutex
	cause    error
}

func newBLELink(device bluetooth.Device, toRadio, fromRadio, fromNum bluetooth.DeviceCharacteristic) *bleLink {
	return &bleLink{
		device:    device,
		toRadio:   toRadio,
		fromRadio: fromRadio,
		fromNum:   fromNum,
		frames:    make(chan []byte, bleFrameBacklog),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// stop marks the link dead. The first non-nil cause is kept for readers.
func (l *bleLink) stop(cause error) {
	if cause != nil {
		l.causeMu.Lock()
		if l.cause == nil {
			l.cause = cause
		}
		l.causeMu.Unlock()
	}
	l.stopOnce.Do(func() {
		close(l.done)
	})
}

func (l *bleLink) closedErr() error {
	l.causeMu.Lock()
	defer l.causeMu.Unlock()
	if l.cause != nil {
		return fmt.Errorf("%w: %w", ErrClosed, l.cause)
	}

	return ErrClosed
}

func (l *bleLink) stopped() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *bleLink) poke() {
	if l.stopped() {
		return
	}
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// pump drains FromRadio whenever poked; onFail runs once if a drain breaks.
func (l *bleLink) pump(onFail func(error)) {
	for {
		select {
		case <-l.done:
			return
		case <-l.wake:
			if err := l.drain(); err != nil {
				onFail(err)
				return
			}
		}
	}
}

func (l *bleLink) drain() error {
	buf := make([]byte, bleReadBufferSize)
	for range bleMaxDrainReads {
		n, err := l.fromRadio.Read(buf)
		if err != nil {
			return fmt.Errorf("read FromRadio: %w", err)
		}
		if n <= 0 {
			return nil
		}
		if n > len(buf) {
			return fmt.Errorf("FromRadio returned %d bytes into a %d byte buffer", n, len(buf))
		}
		l.push(append([]byte(nil), buf[:n]...))
	}

	return fmt.Errorf("FromRadio still had data after %d reads", bleMaxDrainReads)
}

// push keeps the newest frames when the reader falls behind.
func (l *bleLink) push(frame []byte) {
	if l.stopped() {
		return
	}
	for {
		select {
		case l.frames <- frame:
			return
		default:
		}
		select {
		case dropped := <-l.frames:
			linkLogger("ble").Warn("frame backlog full, dropping oldest frame", "capacity", cap(l.frames), "dropped_len", len(dropped))
		default:
		}
	}
}

func (l *bleLink) teardown() error {
	var errs []error
	if err := l.fromNum.EnableNotifications(nil); err != nil {
		errs = append(errs, fmt.Errorf("disable FromNum notifications: %w", err))
	}
	if err := l.device.Disconnect(); err != nil {
		errs = append(errs, fmt.Errorf("disconnect bluetooth device: %w", err))
	}

	return errors.Join(errs...)
}

// BluetoothTransport talks to a radio over its Meshtastic GATT service.
// target is either a MAC address or the radio's advertised name.
type BluetoothTransport struct {
	target    string
	adapterID string

	mu       sync.RWMutex
	link     *bleLink
	resolved string

	writeMu sync.Mutex
}

func NewBluetoothTransport(target, adapterID string) *BluetoothTransport {
	return &BluetoothTransport{
		target:    strings.TrimSpace(target),
		adapterID: strings.TrimSpace(adapterID),
	}
}

func (t *BluetoothTransport) Name() string {
	return "ble"
}

func (t *BluetoothTransport) StatusTarget() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.resolved == "" || strings.EqualFold(t.resolved, t.target) {
		return t.target
	}

	return fmt.Sprintf("%s (%s)", t.target, t.resolved)
}

func (t *BluetoothTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.link != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.target == "" {
		return errors.New("bluetooth address is empty")
	}
	logger := linkLogger("ble", "target", t.target, "adapter", t.adapterID)
	logger.Info("connecting")

	adapter, err := bluetoothutil.OpenAdapter(t.adapterID)
	if err != nil {
		return err
	}

	addr, err := parseBluetoothAddress(t.target)
	if err != nil {
		logger.Info("target is not a MAC address, scanning for it by name")
		addr, err = scanForAddress(ctx, adapter, t.target)
		if err != nil {
			return err
		}
	}
	t.resolved = addr.String()

	device, err := connectBLEDevice(ctx, adapter, addr)
	if err != nil {
		return fmt.Errorf("connect bluetooth device %q: %w", t.target, err)
	}

	link, err := openMeshtasticGATT(device)
	if err != nil {
		_ = device.Disconnect()
		return err
	}
	if err := subscribeWithin(ctx, link, bleSubscribeTimeout); err != nil {
		_ = device.Disconnect()
		return fmt.Errorf("subscribe to FromNum notifications: %w", err)
	}

	go link.pump(func(err error) {
		t.fail(link, err)
	})
	link.poke()

	if err := ctx.Err(); err != nil {
		link.stop(nil)
		_ = link.teardown()
		return err
	}

	t.link = link
	logger.Info("connected", "resolved", t.resolved)

	return nil
}

func (t *BluetoothTransport) Close() error {
	t.mu.Lock()
	link := t.link
	t.link = nil
	t.mu.Unlock()
	if link == nil {
		return nil
	}

	link.stop(nil)
	if err := link.teardown(); err != nil {
		linkLogger("ble", "target", t.target).Warn("close failed", "error", err)
		return err
	}

	return nil
}

func (t *BluetoothTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	link, err := t.active()
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-link.done:
		return nil, link.closedErr()
	case frame := <-link.frames:
		return frame, nil
	}
}

func (t *BluetoothTransport) WriteFrame(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(payload) > maxFramePayload {
		return fmt.Errorf("payload too large: %d > %d", len(payload), maxFramePayload)
	}
	link, err := t.active()
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if link.stopped() {
		return link.closedErr()
	}

	written, err := link.toRadio.WriteWithoutResponse(payload)
	switch {
	case err != nil && bluetoothutil.IsDeviceGoneError(err):
		return fmt.Errorf("%w: write to ToRadio: %w", ErrClosed, err)
	case err != nil:
		return fmt.Errorf("write to ToRadio: %w", err)
	case written != len(payload):
		return fmt.Errorf("short write to ToRadio: wrote %d of %d", written, len(payload))
	}

	return nil
}

func (t *BluetoothTransport) active() (*bleLink, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.link == nil {
		return nil, ErrNotConnected
	}

	return t.link, nil
}

// fail tears down a link whose pump broke. Readers see the cause via ErrClosed.
func (t *BluetoothTransport) fail(link *bleLink, cause error) {
	link.stop(cause)

	t.mu.Lock()
	if t.link == link {
		t.link = nil
	}
	t.mu.Unlock()

	_ = link.teardown()
	linkLogger("ble", "target", t.target).Warn("bluetooth link dropped", "error", cause)
}

func parseBluetoothAddress(raw string) (bluetooth.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return bluetooth.Address{}, errors.New("bluetooth address is empty")
	}

	mac, err := bluetooth.ParseMAC(strings.ToUpper(trimmed))
	if err != nil {
		return bluetooth.Address{}, fmt.Errorf("invalid bluetooth address %q: %w", trimmed, err)
	}

	return bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}, nil
}

// connectBLEDevice retries once after a discovery scan when BlueZ has no
// object for an address it has not seen since boot.
func connectBLEDevice(ctx context.Context, adapter *bluetooth.Adapter, addr bluetooth.Address) (bluetooth.Device, error) {
	device, err := adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err == nil || !bluezNeedsDiscovery(err) {
		return device, err
	}

	linkLogger("ble", "target", addr.String()).Info("device unknown to BlueZ, scanning before retry", "error", err)
	if _, scanErr := scanFor(ctx, adapter, addr.String()); scanErr != nil {
		if errors.Is(scanErr, bluetoothutil.ErrDeviceNotFound) {
			scanErr = fmt.Errorf("device %s was not discovered; pair it and keep it in range", addr.String())
		}

		return bluetooth.Device{}, errors.Join(err, scanErr)
	}

	return adapter.Connect(addr, bluetooth.ConnectionParams{})
}

func bluezNeedsDiscovery(err error) bool {
	if runtime.GOOS != "linux" {
		return false
	}
	msg := strings.ToLower(err.Error())
	if !strings.Contains(msg, "org.freedesktop.dbus.properties") || !strings.Contains(msg, `method "get"`) {
		return false
	}

	return bluetoothutil.IsDBusErrorName(err, "org.freedesktop.DBus.Error.UnknownMethod") ||
		strings.Contains(msg, "doesn't exist")
}

func openMeshtasticGATT(device bluetooth.Device) (*bleLink, error) {
	gatt := bluetoothutil.Meshtastic()
	services, err := device.DiscoverServices([]bluetooth.UUID{gatt.Service})
	if err != nil {
		return nil, fmt.Errorf("discover meshtastic service: %w", err)
	}
	if len(services) == 0 {
		return nil, errors.New("meshtastic BLE service is not available")
	}

	chars, err := services[0].DiscoverCharacteristics(gatt.Characteristics())
	if err != nil {
		return nil, fmt.Errorf("discover meshtastic characteristics: %w", err)
	}
	if len(chars) != 3 {
		return nil, fmt.Errorf("unexpected characteristic count: %d", len(chars))
	}

	return newBLELink(device, chars[0], chars[1], chars[2]), nil
}

func scanForAddress(ctx context.Context, adapter *bluetooth.Adapter, name string) (bluetooth.Address, error) {
	result, err := scanFor(ctx, adapter, name)
	if errors.Is(err, bluetoothutil.ErrDeviceNotFound) {
		return bluetooth.Address{}, fmt.Errorf("no radio advertising name %q nearby: %w", name, err)
	}
	if err != nil {
		return bluetooth.Address{}, err
	}

	return result.Address, nil
}

func scanFor(ctx context.Context, adapter *bluetooth.Adapter, target string) (bluetooth.ScanResult, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, bleScanTimeout)
		defer cancel()
	}

	return bluetoothutil.FindDevice(ctx, adapter, bluetoothutil.MatchTarget(target))
}

// subscribeWithin bounds EnableNotifications, which can hang on BlueZ.
// Disconnecting the device is the only way to abort it.
func subscribeWithin(ctx context.Context, link *bleLink, wait time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- link.fromNum.EnableNotifications(func([]byte) {
			link.poke()
		})
	}()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	var abortErr error
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		abortErr = ctx.Err()
	case <-timer.C:
		abortErr = fmt.Errorf("timed out after %s", wait)
	}

	_ = link.device.Disconnect()
	select {
	case <-done:
	case <-time.After(bleAbortGrace):
	}

	return abortErr
}
