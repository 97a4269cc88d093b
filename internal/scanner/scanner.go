// Package scanner owns continuous BLE discovery: it classifies advertising
// devices, deduplicates them, and dispatches one worker per device with
// exactly-once semantics.
package scanner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/iotworks/blegw/internal/bleadapter"
	"github.com/iotworks/blegw/internal/devicefactory"
	"github.com/iotworks/blegw/internal/groutine"
	"github.com/iotworks/blegw/internal/ringchan"
	"github.com/iotworks/blegw/internal/sensor"
	"github.com/iotworks/blegw/internal/sink"
)

// Mode selects how much work a device worker performs.
type Mode string

const (
	// ModeAdvertisement harvests passive advertisement payloads only; no
	// connection, no token.
	ModeAdvertisement Mode = "advertisement"
	// ModeLog connects and drains the on-device log.
	ModeLog Mode = "log"
	// ModeBoth harvests the advertisement, then drains the log.
	ModeBoth Mode = "both"
)

// Discoverer is the discovery surface of the host adapter.
type Discoverer interface {
	Scan(ctx context.Context, h func(bleadapter.Advertisement)) error
}

// BuildFunc constructs the sensor for a classified record; the device
// factory's Build satisfies it.
type BuildFunc func(rec *sensor.AdvertisementRecord, c devicefactory.Classification) sensor.Sensor

// Options configures the discovery loop.
type Options struct {
	// RestartInterval bounds one discovery cycle; restarting defeats
	// host-side advertisement caching.
	RestartInterval time.Duration
	// ErrorPause is how long the loop sleeps after an adapter error.
	ErrorPause time.Duration
	Mode       Mode
	NamePrefix string
	// ServiceUUID, when set, admits only devices advertising it.
	ServiceUUID string
	MinRSSI     int16
}

// DefaultOptions returns the production discovery profile.
func DefaultOptions() Options {
	return Options{
		RestartInterval: 30 * time.Second,
		ErrorPause:      5 * time.Second,
		Mode:            ModeBoth,
		MinRSSI:         -90,
	}
}

// Event is emitted for every admitted discovery.
type Event struct {
	Record         *sensor.AdvertisementRecord
	Classification devicefactory.Classification
}

// Scanner runs the discovery loop and its per-device workers.
type Scanner struct {
	disc   Discoverer
	build  BuildFunc
	snk    sink.Sink
	opts   Options
	logger *logrus.Logger

	// discovered is reset each cycle; inProcess spans cycles and guarantees
	// at most one live worker per address.
	discovered *hashmap.Map[string, struct{}]
	inProcess  *hashmap.Map[string, struct{}]

	events *ringchan.Ring[Event]
	wg     sync.WaitGroup
}

// New creates a scanner.
func New(disc Discoverer, build BuildFunc, snk sink.Sink, opts Options, logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scanner{
		disc:       disc,
		build:      build,
		snk:        snk,
		opts:       opts,
		logger:     logger,
		discovered: hashmap.New[string, struct{}](),
		inProcess:  hashmap.New[string, struct{}](),
		events:     ringchan.New[Event](100),
	}
}

// Events exposes admitted discoveries for observers; slow consumers lose the
// oldest events, never block discovery.
func (s *Scanner) Events() <-chan Event {
	return s.events.C()
}

// Run drives discovery until ctx is cancelled, then waits for all workers.
func (s *Scanner) Run(ctx context.Context) error {
	s.logger.WithFields(logrus.Fields{
		"mode":             s.opts.Mode,
		"restart_interval": s.opts.RestartInterval,
	}).Info("Scanner starting")

	for ctx.Err() == nil {
		// Fresh per-cycle dedup set; the host reports each device once per
		// cycle with duplicate data disabled.
		s.discovered = hashmap.New[string, struct{}]()

		cycleCtx, cancel := context.WithTimeout(ctx, s.opts.RestartInterval)
		err := s.disc.Scan(cycleCtx, func(adv bleadapter.Advertisement) {
			s.handleAdvertisement(ctx, adv)
		})
		cancel()

		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			s.logger.WithField("error", err).Error("Discovery failed, pausing before retry")
			sleepCtx(ctx, s.opts.ErrorPause)
		}
	}

	s.logger.Info("Scanner stopping, waiting for workers")
	s.wg.Wait()
	return ctx.Err()
}

// handleAdvertisement classifies, filters, deduplicates, and dispatches.
func (s *Scanner) handleAdvertisement(ctx context.Context, adv bleadapter.Advertisement) {
	rec := bleadapter.ToRecord(adv)
	if rec.Address.IsZero() {
		return
	}
	if !s.admits(rec) {
		return
	}

	addr := rec.Address.String()
	if _, seen := s.discovered.GetOrInsert(addr, struct{}{}); seen {
		return
	}

	classification := devicefactory.Classify(rec)
	s.events.Send(Event{Record: rec, Classification: classification})

	// Claim the address; a live worker skips the dispatch entirely.
	if _, busy := s.inProcess.GetOrInsert(addr, struct{}{}); busy {
		return
	}

	s.logger.WithFields(logrus.Fields{
		"address": addr,
		"name":    rec.Name,
		"rssi":    rec.RSSI,
		"kind":    classification.Kind,
	}).Info("Dispatching device worker")

	s.wg.Add(1)
	groutine.Go(ctx, "worker-"+addr, func(ctx context.Context) {
		defer s.wg.Done()
		defer s.inProcess.Del(addr)

		if err := s.runWorker(ctx, rec, classification); err != nil {
			s.logger.WithFields(logrus.Fields{
				"address": addr,
				"error":   err,
			}).Error("Device worker failed")
		}
	})
}

// admits applies the name-prefix, service-UUID, and RSSI filters.
func (s *Scanner) admits(rec *sensor.AdvertisementRecord) bool {
	if rec.RSSI < s.opts.MinRSSI {
		return false
	}
	if s.opts.NamePrefix != "" && !strings.HasPrefix(rec.Name, s.opts.NamePrefix) {
		return false
	}
	if s.opts.ServiceUUID != "" {
		want := normalizeUUID(s.opts.ServiceUUID)
		found := false
		for _, u := range rec.UUIDs {
			if normalizeUUID(u) == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// runWorker performs the harvesting for one device. Passive mode never opens
// a session, so it consumes no token; active modes acquire theirs through
// session open.
func (s *Scanner) runWorker(ctx context.Context, rec *sensor.AdvertisementRecord, c devicefactory.Classification) error {
	dev := s.build(rec, c)
	if dev == nil {
		return nil
	}

	if s.opts.Mode == ModeAdvertisement || s.opts.Mode == ModeBoth {
		ms, err := dev.ParseAdvertisement(rec)
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"address": rec.Address.String(),
				"error":   err,
			}).Warn("Advertisement parse failed, continuing")
		}
		if len(ms) > 0 {
			s.snk.Deliver(ms)
		}
	}

	if s.opts.Mode == ModeAdvertisement {
		return nil
	}

	if err := dev.Open(ctx); err != nil {
		return err
	}
	defer func() {
		if err := dev.Close(); err != nil {
			s.logger.WithField("error", err).Warn("Sensor close failed")
		}
	}()

	return dev.ProcessLog(ctx, s.snk.Deliver)
}

func normalizeUUID(uuid string) string {
	return strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
