// Package sensor defines the polymorphic sensor abstraction the scanner
// dispatches to, plus the measurement data model shared by every layer.
package sensor

import (
	"context"
	"time"
)

// DeliverFunc hands a measurement batch downstream. The returned boolean
// governs whether the caller may acknowledge the batch to the device; false
// means the batch will be re-fetched on the next cycle.
type DeliverFunc func(batch []Measurement) bool

// Sensor is the uniform surface for every supported device kind.
type Sensor interface {
	// Address returns the device address the sensor is bound to.
	Address() Address

	// Open establishes the active session. Passive operations
	// (ParseAdvertisement) never require Open.
	Open(ctx context.Context) error

	// Close tears the session down. Safe to call when never opened.
	Close() error

	// DownloadLog drains the on-device log without acknowledging entries.
	DownloadLog(ctx context.Context) ([]Measurement, error)

	// ProcessLog drains the on-device log in batches, delivering each batch
	// and acknowledging it only when deliver reports success. Requires an
	// open session.
	ProcessLog(ctx context.Context, deliver DeliverFunc) error

	// ParseAdvertisement extracts measurements from a raw advertising
	// record. Purely passive.
	ParseAdvertisement(rec *AdvertisementRecord) ([]Measurement, error)

	// GetConfig reads named device attributes.
	GetConfig(ctx context.Context, names []string) (map[string]interface{}, error)

	// SetConfig writes device attributes.
	SetConfig(ctx context.Context, attrs map[string]interface{}) error
}

// Dummy is a deterministic test double. It holds no connection, consumes no
// token, and emits one synthetic temperature measurement per log cycle.
type Dummy struct {
	Addr Address

	cfg map[string]interface{}
}

// NewDummy creates a dummy sensor for the given address.
func NewDummy(addr Address) *Dummy {
	return &Dummy{Addr: addr, cfg: make(map[string]interface{})}
}

func (d *Dummy) Address() Address { return d.Addr }

func (d *Dummy) Open(ctx context.Context) error { return nil }

func (d *Dummy) Close() error { return nil }

func (d *Dummy) DownloadLog(ctx context.Context) ([]Measurement, error) {
	return []Measurement{d.synthetic()}, nil
}

func (d *Dummy) ProcessLog(ctx context.Context, deliver DeliverFunc) error {
	deliver([]Measurement{d.synthetic()})
	return nil
}

func (d *Dummy) ParseAdvertisement(rec *AdvertisementRecord) ([]Measurement, error) {
	m := d.synthetic()
	m.Source = SourceAdvertisement
	return []Measurement{m}, nil
}

func (d *Dummy) GetConfig(ctx context.Context, names []string) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(names))
	for _, n := range names {
		if v, ok := d.cfg[n]; ok {
			out[n] = v
		}
	}
	return out, nil
}

func (d *Dummy) SetConfig(ctx context.Context, attrs map[string]interface{}) error {
	for k, v := range attrs {
		d.cfg[k] = v
	}
	return nil
}

func (d *Dummy) synthetic() Measurement {
	return Measurement{
		Type:         Temperature,
		Value:        21.5,
		Unit:         "°C",
		TimestampUTC: time.Now().UTC().Truncate(time.Second),
		Source:       SourceLog,
		Address:      d.Addr.String(),
	}
}
