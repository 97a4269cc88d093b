// Package bleadapter is the gateway's boundary with the host BLE stack. It
// owns the singleton ble.Device, converts go-ble advertisements into the
// gateway's normalized record, and dials GATT clients for sessions.
package bleadapter

import (
	"context"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/sirupsen/logrus"

	"github.com/iotworks/blegw/internal/asyncutil"
	"github.com/iotworks/blegw/internal/gwerr"
	"github.com/iotworks/blegw/internal/sensor"
)

// PowerOnTimeout bounds adapter initialisation.
const PowerOnTimeout = 5 * time.Second

// DeviceFactory creates ble.Device instances (overridden in tests).
var DeviceFactory = func() (ble.Device, error) {
	return linux.NewDevice()
}

// Advertisement is the subset of a discovery event the gateway consumes.
type Advertisement interface {
	LocalName() string
	ManufacturerData() []byte
	Services() []string
	RSSI() int
	Addr() string
}

// Adapter wraps the host BLE device with lazy, mutex-guarded initialisation.
// All sessions read the handle; none mutates it after init.
type Adapter struct {
	mu     sync.Mutex
	dev    ble.Device
	logger *logrus.Logger
}

// New creates an adapter. The underlying device is initialised on first use.
func New(logger *logrus.Logger) *Adapter {
	if logger == nil {
		logger = logrus.New()
	}
	return &Adapter{logger: logger}
}

// Device returns the host BLE device, initialising it on first call.
func (a *Adapter) Device() (ble.Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.dev != nil {
		return a.dev, nil
	}

	// Device init powers the adapter on; bound it so a wedged stack cannot
	// hang every worker behind this mutex.
	var dev ble.Device
	err := asyncutil.WithTimeout(context.Background(), PowerOnTimeout, func(ctx context.Context) error {
		d, err := DeviceFactory()
		if err != nil {
			return err
		}
		dev = d
		return nil
	})
	if err != nil {
		return nil, gwerr.Wrap(gwerr.AdapterUnavailable, err, "host BLE device init failed")
	}
	ble.SetDefaultDevice(dev)
	a.dev = dev
	a.logger.Info("Host BLE device initialised")
	return dev, nil
}

// Scan runs discovery until ctx is done, invoking h for every advertising
// event. DuplicateData is disabled: each device reports once per cycle.
func (a *Adapter) Scan(ctx context.Context, h func(Advertisement)) error {
	dev, err := a.Device()
	if err != nil {
		return err
	}
	return dev.Scan(ctx, false, func(adv ble.Advertisement) {
		h(&bleAdvertisement{adv: adv})
	})
}

// Dial connects to the device at addr and returns its GATT client.
func (a *Adapter) Dial(ctx context.Context, addr string) (ble.Client, error) {
	if _, err := a.Device(); err != nil {
		return nil, err
	}
	return ble.Dial(ctx, ble.NewAddr(addr))
}

// Stop tears the host device down.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dev == nil {
		return nil
	}
	err := a.dev.Stop()
	a.dev = nil
	return err
}

// bleAdvertisement adapts ble.Advertisement to the local interface.
type bleAdvertisement struct {
	adv ble.Advertisement
}

func (b *bleAdvertisement) LocalName() string        { return b.adv.LocalName() }
func (b *bleAdvertisement) ManufacturerData() []byte { return b.adv.ManufacturerData() }
func (b *bleAdvertisement) RSSI() int                { return b.adv.RSSI() }
func (b *bleAdvertisement) Addr() string             { return b.adv.Addr().String() }

func (b *bleAdvertisement) Services() []string {
	svcs := b.adv.Services()
	out := make([]string, 0, len(svcs))
	for _, u := range svcs {
		out = append(out, u.String())
	}
	return out
}

// ToRecord converts a raw advertising event into the normalized record. The
// manufacturer data's leading little-endian u16 is the company id; the
// remainder is stored as that company's payload.
func ToRecord(adv Advertisement) *sensor.AdvertisementRecord {
	rec := &sensor.AdvertisementRecord{
		Name:             adv.LocalName(),
		RSSI:             sensor.DefaultRSSI,
		UUIDs:            adv.Services(),
		ManufacturerData: make(map[uint16][]byte),
	}

	if addr, err := sensor.ParseAddress(adv.Addr()); err == nil {
		rec.Address = addr
	}

	if rssi := adv.RSSI(); rssi != 0 {
		rec.RSSI = int16(rssi)
	}

	if md := adv.ManufacturerData(); len(md) >= 2 {
		company := uint16(md[0]) | uint16(md[1])<<8
		payload := make([]byte, len(md)-2)
		copy(payload, md[2:])
		rec.ManufacturerData[company] = payload
	}

	return rec
}
