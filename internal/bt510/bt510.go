// Package bt510 speaks the BT510 sensor's JSON-RPC dialect over its paired
// command/response GATT characteristics, decodes the binary log and the
// advertisement payload, and implements the batched read-then-ack drain.
package bt510

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iotworks/blegw/internal/gwerr"
	"github.com/iotworks/blegw/internal/sensor"
	"github.com/iotworks/blegw/internal/session"
)

// BT510 custom GATT UUIDs.
const (
	ServiceUUID      = "569a1101-b87f-490c-92cb-11ba5ea5167c"
	ResponseCharUUID = "569a2000-b87f-490c-92cb-11ba5ea5167c"
	CommandCharUUID  = "569a2001-b87f-490c-92cb-11ba5ea5167c"
)

const (
	// maxDrainIterations bounds the read-then-ack loop against a device
	// that keeps reporting entries.
	maxDrainIterations = 10

	// defaultBatchSize is how many log entries one readLog requests.
	defaultBatchSize = 100
)

// Sensor is the BT510 implementation of the sensor abstraction.
type Sensor struct {
	sess   *session.Session
	eng    *Engine
	logger *logrus.Logger

	batchSize int
}

var _ sensor.Sensor = (*Sensor)(nil)

// New creates a BT510 sensor over the given session and wires the protocol
// engine's boundary detection into the session's notification path.
func New(sess *session.Session, logger *logrus.Logger) *Sensor {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Sensor{
		sess:      sess,
		eng:       NewEngine(sess, logger),
		logger:    logger,
		batchSize: defaultBatchSize,
	}
	sess.SetNotificationHandler(s.eng.HandleNotification)
	return s
}

// Engine exposes the protocol engine for diagnostics (reboot, ledTest).
func (s *Sensor) Engine() *Engine { return s.eng }

func (s *Sensor) Address() sensor.Address { return s.sess.Address() }

// Open connects the session and resolves the BT510 service, command
// characteristic, and response notifications.
func (s *Sensor) Open(ctx context.Context) error {
	if err := s.sess.Open(ctx); err != nil {
		return err
	}
	if err := s.sess.SetService(ServiceUUID); err != nil {
		_ = s.sess.Close()
		return err
	}
	if err := s.sess.SetCommandCharacteristic(CommandCharUUID); err != nil {
		_ = s.sess.Close()
		return err
	}
	if err := s.sess.SetNotifications(ResponseCharUUID); err != nil {
		_ = s.sess.Close()
		return err
	}
	return nil
}

// Close tears the session down.
func (s *Sensor) Close() error {
	return s.sess.Close()
}

// synchronizeTime pushes host UTC to the device clock and logs any residual
// drift the device reports back.
func (s *Sensor) synchronizeTime(ctx context.Context) error {
	now := time.Now().UTC().Unix()
	if err := s.eng.SetEpoch(ctx, now); err != nil {
		return err
	}
	if epoch, err := s.eng.GetEpoch(ctx); err == nil {
		if drift := epoch - now; drift < -1 || drift > 1 {
			s.logger.WithFields(logrus.Fields{
				"address": s.Address().String(),
				"drift_s": drift,
			}).Warn("Device clock drift after epoch sync")
		}
	}
	return nil
}

// ProcessLog drains the on-device log in batches. Each batch is delivered
// downstream and acknowledged to the device only when the sink accepts it;
// a rejected batch is left on the device for the next cycle. Requires an
// open session; it never reconnects.
func (s *Sensor) ProcessLog(ctx context.Context, deliver sensor.DeliverFunc) error {
	if !s.sess.IsConnected() {
		return gwerr.New(gwerr.NotConnected, "process log requires an open session")
	}

	if err := s.synchronizeTime(ctx); err != nil {
		return err
	}

	addr := s.Address().String()
	for iteration := 0; iteration < maxDrainIterations; iteration++ {
		remaining, err := s.eng.PrepareLog(ctx, 0)
		if err != nil {
			return err
		}
		if remaining == 0 {
			return nil
		}

		count := s.batchSize
		if int(remaining) < count {
			count = int(remaining)
		}

		actual, payload, err := s.eng.ReadLog(ctx, count)
		if err != nil {
			return err
		}
		if actual == 0 || len(payload) == 0 {
			return nil
		}

		measurements, perr := ParseLogEntries(payload)
		if perr != nil {
			s.logger.WithFields(logrus.Fields{
				"address": addr,
				"error":   perr,
			}).Warn("Malformed log payload, keeping complete records")
		}
		for i := range measurements {
			measurements[i].Address = addr
		}
		sensor.SortByTimestamp(measurements)

		if !deliver(measurements) {
			// Sink refused the batch: no ack, the same entries come back
			// on the next prepareLog.
			s.logger.WithFields(logrus.Fields{
				"address": addr,
				"count":   len(measurements),
			}).Warn("Sink rejected batch, leaving entries on device")
			continue
		}

		acked, err := s.eng.AckLog(ctx, len(measurements))
		if err != nil {
			return err
		}
		if acked < len(measurements) {
			s.logger.WithFields(logrus.Fields{
				"address":  addr,
				"expected": len(measurements),
				"acked":    acked,
			}).Warn("Device acknowledged fewer entries than requested")
		}
	}

	s.logger.WithField("address", addr).Warn("Log drain stopped at iteration bound")
	return nil
}

// DownloadLog reads the device log without acknowledging anything; entries
// stay on the device. Requires an open session.
func (s *Sensor) DownloadLog(ctx context.Context) ([]sensor.Measurement, error) {
	if !s.sess.IsConnected() {
		return nil, gwerr.New(gwerr.NotConnected, "download log requires an open session")
	}

	remaining, err := s.eng.PrepareLog(ctx, 0)
	if err != nil {
		return nil, err
	}

	addr := s.Address().String()
	var all []sensor.Measurement
	for collected := 0; collected < int(remaining); {
		count := s.batchSize
		if left := int(remaining) - collected; left < count {
			count = left
		}
		actual, payload, err := s.eng.ReadLog(ctx, count)
		if err != nil {
			return nil, err
		}
		if actual == 0 {
			break
		}
		collected += actual

		measurements, perr := ParseLogEntries(payload)
		if perr != nil {
			s.logger.WithFields(logrus.Fields{
				"address": addr,
				"error":   perr,
			}).Warn("Malformed log payload, keeping complete records")
		}
		all = append(all, measurements...)
	}

	for i := range all {
		all[i].Address = addr
	}
	sensor.SortByTimestamp(all)
	return all, nil
}

// ParseAdvertisement decodes the passive advertisement payload.
func (s *Sensor) ParseAdvertisement(rec *sensor.AdvertisementRecord) ([]sensor.Measurement, error) {
	return ParseAdvertisement(rec)
}

// GetMeasurements aggregates by source. SourceBoth merges advertisement and
// log measurements; the result is always sorted ascending by timestamp.
func (s *Sensor) GetMeasurements(ctx context.Context, source sensor.Source, rec *sensor.AdvertisementRecord) ([]sensor.Measurement, error) {
	var all []sensor.Measurement

	if source == sensor.SourceAdvertisement || source == sensor.SourceBoth {
		fromAdv, err := ParseAdvertisement(rec)
		if err != nil {
			return nil, err
		}
		all = append(all, fromAdv...)
	}

	if source == sensor.SourceLog || source == sensor.SourceBoth {
		fromLog, err := s.DownloadLog(ctx)
		if err != nil {
			return nil, err
		}
		all = append(all, fromLog...)
	}

	sensor.SortByTimestamp(all)
	return all, nil
}

// GetConfig reads named device attributes.
func (s *Sensor) GetConfig(ctx context.Context, names []string) (map[string]interface{}, error) {
	if !s.sess.IsConnected() {
		return nil, gwerr.New(gwerr.NotConnected, "get config requires an open session")
	}
	return s.eng.Get(ctx, names)
}

// SetConfig writes device attributes.
func (s *Sensor) SetConfig(ctx context.Context, attrs map[string]interface{}) error {
	if !s.sess.IsConnected() {
		return gwerr.New(gwerr.NotConnected, "set config requires an open session")
	}
	return s.eng.Set(ctx, attrs)
}

// LedTest flashes the device LED; a quick field check that the link works.
func (s *Sensor) LedTest(ctx context.Context, d time.Duration) error {
	if !s.sess.IsConnected() {
		return gwerr.New(gwerr.NotConnected, "led test requires an open session")
	}
	return s.eng.LedTest(ctx, d)
}
