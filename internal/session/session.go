// Package session owns the lifecycle of one active GATT connection: connect
// retries, service and characteristic lookup, notification subscription, the
// write-then-wait primitive, and the token binding that caps concurrency.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/iotworks/blegw/internal/arbiter"
	"github.com/iotworks/blegw/internal/asyncutil"
	"github.com/iotworks/blegw/internal/gwerr"
	"github.com/iotworks/blegw/internal/mempool"
	"github.com/iotworks/blegw/internal/rxbuf"
	"github.com/iotworks/blegw/internal/sensor"
)

// State is the connection lifecycle state.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
	Closing      State = "closing"
)

// Notification payloads above this size go through the pooled staging copy.
const pooledAppendThreshold = 100

// GATTClient is the slice of ble.Client the session consumes. ble.Client
// satisfies it; tests substitute fakes.
type GATTClient interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	ExchangeMTU(rxMTU int) (int, error)
	CancelConnection() error
}

// Dialer connects to a device address and returns its GATT client.
type Dialer func(ctx context.Context, addr string) (GATTClient, error)

// NotificationHandler receives every characteristic value event after it has
// been appended to the receive buffer. The handler must not block.
type NotificationHandler func(uuid string, data []byte)

// Options carries the session timing knobs.
type Options struct {
	ConnectAttempts int
	ConnectBackoff  time.Duration
	StabilizeDelay  time.Duration
	TokenTimeout    time.Duration
	ResponseTimeout time.Duration
	MTU             int
}

// DefaultOptions returns the production timing profile.
func DefaultOptions() Options {
	return Options{
		ConnectAttempts: 3,
		ConnectBackoff:  time.Second,
		StabilizeDelay:  2 * time.Second,
		TokenTimeout:    120 * time.Second,
		ResponseTimeout: 30 * time.Second,
		MTU:             244,
	}
}

// Session is the exclusive owner of one device's GATT handles. It is shared
// only between the worker that created it and the notification callback.
type Session struct {
	addr   sensor.Address
	dial   Dialer
	arb    *arbiter.Arbiter
	buf    *rxbuf.Buffer
	opts   Options
	logger *logrus.Logger

	mu      sync.Mutex
	state   State
	client  GATTClient
	profile *ble.Profile
	service *ble.Service
	cmdChar *ble.Characteristic
	rspChar *ble.Characteristic
	token   *arbiter.Token
	mtu     int

	serviceUUID    string
	cmdUUID        string
	subscribedUUID string

	commInProgress         bool
	waitingForNotification bool
	notifyDone             chan struct{}

	onNotification NotificationHandler
}

// New creates a session bound to addr. Nothing is connected until Open.
func New(addr sensor.Address, dial Dialer, arb *arbiter.Arbiter, pool *mempool.Pool, opts Options, logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	return &Session{
		addr:   addr,
		dial:   dial,
		arb:    arb,
		buf:    rxbuf.New(pool),
		opts:   opts,
		logger: logger,
		state:  Disconnected,
		mtu:    opts.MTU,
	}
}

// SetNotificationHandler installs the protocol engine's hook. Must be set
// before SetNotifications.
func (s *Session) SetNotificationHandler(h NotificationHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onNotification = h
}

// Address returns the bound device address.
func (s *Session) Address() sensor.Address { return s.addr }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// MTU returns the negotiated link MTU, or the configured default.
func (s *Session) MTU() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mtu
}

// IsConnected reports whether the session holds a live connection.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Connected && s.client != nil
}

// Token exposes the bound token; nil unless Connected.
func (s *Session) Token() *arbiter.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Drain empties the receive buffer and returns its contents.
func (s *Session) Drain() []byte {
	return s.buf.Drain()
}

// BufferLen returns the current receive-buffer length.
func (s *Session) BufferLen() int {
	return s.buf.Len()
}

// Open connects to the device: up to ConnectAttempts dial attempts with
// ConnectBackoff between them and a StabilizeDelay after each successful
// low-level connect, then service discovery, MTU negotiation, and token
// acquisition. On return the session is Connected and holds a token.
func (s *Session) Open(ctx context.Context) error {
	if s.addr.IsZero() {
		return gwerr.New(gwerr.AddressUnset, "session has no device address")
	}

	s.mu.Lock()
	switch s.state {
	case Connected:
		s.mu.Unlock()
		return nil
	case Connecting, Closing:
		s.mu.Unlock()
		return gwerr.New(gwerr.Busy, "session is %s", s.state)
	}
	s.state = Connecting
	s.mu.Unlock()

	client, profile, err := s.connectWithRetry(ctx)
	if err != nil {
		s.mu.Lock()
		s.state = Disconnected
		s.mu.Unlock()
		return err
	}

	mtu := s.opts.MTU
	if negotiated, err := client.ExchangeMTU(s.opts.MTU); err == nil && negotiated > 0 {
		mtu = negotiated
	}

	tok, err := s.arb.Acquire(ctx, s.opts.TokenTimeout)
	if err != nil {
		_ = client.CancelConnection()
		s.mu.Lock()
		s.state = Disconnected
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.client = client
	s.profile = profile
	s.mtu = mtu
	s.token = tok
	s.state = Connected
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"address": s.addr.String(),
		"mtu":     mtu,
		"token":   tok.ID(),
	}).Info("Session opened")

	return nil
}

func (s *Session) connectWithRetry(ctx context.Context) (GATTClient, *ble.Profile, error) {
	var client GATTClient
	var profile *ble.Profile
	attempt := 0

	err := asyncutil.WithRetry(ctx, func() error {
		attempt++
		c, err := s.dial(ctx, s.addr.String())
		if err == nil {
			// Give the link time to settle before GATT traffic.
			sleepCtx(ctx, s.opts.StabilizeDelay)

			p, derr := c.DiscoverProfile(true)
			if derr == nil {
				client, profile = c, p
				return nil
			}
			_ = c.CancelConnection()
			err = derr
		}

		s.logger.WithFields(logrus.Fields{
			"address": s.addr.String(),
			"attempt": attempt,
			"error":   err,
		}).Warn("Connect attempt failed")
		return err
	}, s.opts.ConnectAttempts, s.opts.ConnectBackoff, s.opts.ConnectBackoff, nil)

	if err != nil {
		if gwerr.IsKind(err, gwerr.Cancelled) || gwerr.IsKind(err, gwerr.Timeout) {
			return nil, nil, err
		}
		return nil, nil, gwerr.Wrap(gwerr.ConnectionFailed, err,
			"device %s after %d attempts", s.addr.String(), s.opts.ConnectAttempts)
	}
	return client, profile, nil
}

// Close disconnects (errors swallowed), always returns the token if held,
// and drains the receive buffer. Safe to call repeatedly.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == Closing {
		s.mu.Unlock()
		return nil
	}
	client := s.client
	token := s.token
	s.state = Closing
	s.client = nil
	s.profile = nil
	s.service = nil
	s.cmdChar = nil
	s.rspChar = nil
	s.token = nil
	s.commInProgress = false
	s.waitingForNotification = false
	if s.notifyDone != nil {
		close(s.notifyDone)
		s.notifyDone = nil
	}
	s.mu.Unlock()

	if client != nil {
		if err := client.CancelConnection(); err != nil {
			s.logger.WithFields(logrus.Fields{
				"address": s.addr.String(),
				"error":   err,
			}).Warn("Disconnect reported an error")
		}
	}

	if token != nil {
		if err := s.arb.Release(token); err != nil {
			s.logger.WithField("error", err).Warn("Token release failed during close")
		}
	}

	s.buf.Drain()

	s.mu.Lock()
	s.state = Disconnected
	s.mu.Unlock()

	s.logger.WithField("address", s.addr.String()).Debug("Session closed")
	return nil
}

// SetService selects the GATT service for subsequent characteristic lookups.
// Idempotent under the same UUID; Busy while a write is in flight.
func (s *Session) SetService(uuid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.commInProgress {
		return gwerr.New(gwerr.Busy, "communication in progress")
	}
	if s.state != Connected {
		return gwerr.New(gwerr.NotConnected, "session is %s", s.state)
	}

	normalized := normalizeUUID(uuid)
	if s.service != nil && s.serviceUUID == normalized {
		return nil
	}

	svc := findService(s.profile, normalized)
	if svc == nil {
		return gwerr.New(gwerr.Invalid, "service %s not found", uuid)
	}
	s.service = svc
	s.serviceUUID = normalized
	// A new service invalidates previously resolved characteristics.
	s.cmdChar = nil
	s.cmdUUID = ""
	s.rspChar = nil
	s.subscribedUUID = ""
	return nil
}

// SetCommandCharacteristic resolves the characteristic commands are written
// to. Requires SetService first.
func (s *Session) SetCommandCharacteristic(uuid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.commInProgress {
		return gwerr.New(gwerr.Busy, "communication in progress")
	}
	if s.state != Connected {
		return gwerr.New(gwerr.NotConnected, "session is %s", s.state)
	}
	if s.service == nil {
		return gwerr.New(gwerr.Invalid, "no service selected")
	}

	normalized := normalizeUUID(uuid)
	if s.cmdChar != nil && s.cmdUUID == normalized {
		return nil
	}

	char := findCharacteristic(s.service, normalized)
	if char == nil {
		return gwerr.New(gwerr.Invalid, "characteristic %s not found", uuid)
	}
	s.cmdChar = char
	s.cmdUUID = normalized
	return nil
}

// SetNotifications subscribes the response characteristic; every value event
// is appended to the receive buffer and forwarded to the notification
// handler. Idempotent under the same UUID.
func (s *Session) SetNotifications(uuid string) error {
	s.mu.Lock()

	if s.commInProgress {
		s.mu.Unlock()
		return gwerr.New(gwerr.Busy, "communication in progress")
	}
	if s.state != Connected {
		s.mu.Unlock()
		return gwerr.New(gwerr.NotConnected, "session is %s", s.state)
	}
	if s.service == nil {
		s.mu.Unlock()
		return gwerr.New(gwerr.Invalid, "no service selected")
	}

	normalized := normalizeUUID(uuid)
	if s.subscribedUUID == normalized {
		s.mu.Unlock()
		return nil
	}

	char := findCharacteristic(s.service, normalized)
	if char == nil {
		s.mu.Unlock()
		return gwerr.New(gwerr.Invalid, "characteristic %s not found", uuid)
	}
	client := s.client
	s.mu.Unlock()

	if err := client.Subscribe(char, false, func(data []byte) {
		s.handleNotification(normalized, data)
	}); err != nil {
		return gwerr.Wrap(gwerr.ConnectionFailed, err, "subscribe %s", uuid)
	}

	s.mu.Lock()
	s.rspChar = char
	s.subscribedUUID = normalized
	s.mu.Unlock()
	return nil
}

// handleNotification is the value-changed callback. It appends to the buffer
// and forwards to the engine hook; it never terminates a write itself, that
// decision belongs to the protocol engine. Failures are trapped and logged,
// then StopCommunication is raised so writers cannot deadlock.
func (s *Session) handleNotification(uuid string, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithFields(logrus.Fields{
				"uuid":   uuid,
				"length": len(data),
				"utc":    time.Now().UTC().Format(time.RFC3339),
				"panic":  r,
			}).Error("Notification handler failed")
			s.StopCommunication()
		}
	}()

	if len(data) > pooledAppendThreshold {
		s.buf.AppendLarge(data)
	} else {
		s.buf.Append(data)
	}

	s.mu.Lock()
	hook := s.onNotification
	s.mu.Unlock()
	if hook != nil {
		hook(uuid, data)
	}
}

// WriteWithoutResponse clears the receive buffer and writes data to the
// command characteristic. With wait set, it blocks until the protocol engine
// signals the message boundary through StopCommunication, the response
// timeout elapses, or ctx is cancelled.
//
// If the session is not connected it reconnects implicitly, once.
func (s *Session) WriteWithoutResponse(ctx context.Context, data []byte, wait bool) error {
	s.mu.Lock()
	if s.state != Connected {
		s.mu.Unlock()
		if err := s.reconnect(ctx); err != nil {
			return err
		}
		s.mu.Lock()
	}

	if s.cmdChar == nil {
		s.mu.Unlock()
		return gwerr.New(gwerr.Invalid, "command characteristic not set")
	}
	if s.commInProgress {
		s.mu.Unlock()
		return gwerr.New(gwerr.Busy, "write already in flight")
	}

	s.buf.Clear()
	s.commInProgress = true
	s.waitingForNotification = wait
	done := make(chan struct{})
	s.notifyDone = done
	client := s.client
	char := s.cmdChar
	charUUID := s.cmdUUID
	s.mu.Unlock()

	if err := client.WriteCharacteristic(char, data, true); err != nil {
		s.clearWriteFlags()
		return gwerr.Wrap(gwerr.ConnectionFailed, err, "write to %s", charUUID)
	}

	if !wait {
		return nil
	}

	timer := time.NewTimer(s.opts.ResponseTimeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		s.clearWriteFlags()
		return gwerr.New(gwerr.Timeout, "no response boundary within %s", s.opts.ResponseTimeout)
	case <-ctx.Done():
		s.clearWriteFlags()
		return gwerr.FromContext(ctx.Err())
	}
}

// StopCommunication clears both write flags and wakes any waiter. Safe to
// call any number of times; this is the only path that ends a successful
// write-wait.
func (s *Session) StopCommunication() {
	s.clearWriteFlags()
}

func (s *Session) clearWriteFlags() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commInProgress = false
	s.waitingForNotification = false
	if s.notifyDone != nil {
		close(s.notifyDone)
		s.notifyDone = nil
	}
}

// reconnect re-opens the session and re-applies the resolved service,
// command characteristic, and notification subscription.
func (s *Session) reconnect(ctx context.Context) error {
	s.mu.Lock()
	serviceUUID := s.serviceUUID
	cmdUUID := s.cmdUUID
	subscribedUUID := s.subscribedUUID
	// Drop stale handles so Open starts clean.
	s.service = nil
	s.cmdChar = nil
	s.rspChar = nil
	s.serviceUUID = ""
	s.cmdUUID = ""
	s.subscribedUUID = ""
	s.mu.Unlock()

	if err := s.Open(ctx); err != nil {
		return err
	}
	if serviceUUID != "" {
		if err := s.SetService(serviceUUID); err != nil {
			return err
		}
	}
	if cmdUUID != "" {
		if err := s.SetCommandCharacteristic(cmdUUID); err != nil {
			return err
		}
	}
	if subscribedUUID != "" {
		if err := s.SetNotifications(subscribedUUID); err != nil {
			return err
		}
	}
	return nil
}

// normalizeUUID converts a UUID string to the internal BLE library format
// (lowercase, no dashes).
func normalizeUUID(uuid string) string {
	return strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
}

func findService(profile *ble.Profile, normalized string) *ble.Service {
	if profile == nil {
		return nil
	}
	for _, svc := range profile.Services {
		if normalizeUUID(svc.UUID.String()) == normalized {
			return svc
		}
	}
	return nil
}

func findCharacteristic(svc *ble.Service, normalized string) *ble.Characteristic {
	for _, char := range svc.Characteristics {
		if normalizeUUID(char.UUID.String()) == normalized {
			return char
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
