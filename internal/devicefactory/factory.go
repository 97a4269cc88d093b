// Package devicefactory classifies raw advertising records into device kinds
// and builds the matching sensor instances.
package devicefactory

import (
	"github.com/sirupsen/logrus"

	"github.com/iotworks/blegw/internal/arbiter"
	"github.com/iotworks/blegw/internal/bt510"
	"github.com/iotworks/blegw/internal/mempool"
	"github.com/iotworks/blegw/internal/sensor"
	"github.com/iotworks/blegw/internal/session"
)

// Kind is the supported device taxonomy.
type Kind string

const (
	KindBT510   Kind = "bt510"
	KindDummy   Kind = "dummy"
	KindUnknown Kind = "unknown"
)

// Company identifiers with special meaning in classification.
const (
	companyLaird uint16 = 0x0077
	companyDummy uint16 = 0x0000
)

// Classification is the result of inspecting one advertising record.
type Classification struct {
	Kind      Kind
	CompanyID uint16
}

// Classify maps the record's first manufacturer-data entry to a device kind.
// An empty manufacturer map classifies as Dummy; unrecognized company ids
// default to BT510, matching the field population this gateway serves.
func Classify(rec *sensor.AdvertisementRecord) Classification {
	if rec == nil || len(rec.ManufacturerData) == 0 {
		return Classification{Kind: KindDummy}
	}

	company := firstCompanyID(rec.ManufacturerData)
	switch company {
	case companyLaird:
		return Classification{Kind: KindBT510, CompanyID: company}
	case companyDummy:
		return Classification{Kind: KindDummy, CompanyID: company}
	default:
		return Classification{Kind: KindBT510, CompanyID: company}
	}
}

// firstCompanyID picks the lowest key so classification is deterministic
// even if a record somehow carries several company entries.
func firstCompanyID(md map[uint16][]byte) uint16 {
	first := uint16(0xFFFF)
	picked := false
	for k := range md {
		if !picked || k < first {
			first = k
			picked = true
		}
	}
	return first
}

// Factory builds sensors with the shared infrastructure wired in. It never
// connects; Open stays with the worker.
type Factory struct {
	dial   session.Dialer
	arb    *arbiter.Arbiter
	pool   *mempool.Pool
	opts   session.Options
	logger *logrus.Logger
}

// New creates a factory.
func New(dial session.Dialer, arb *arbiter.Arbiter, pool *mempool.Pool, opts session.Options, logger *logrus.Logger) *Factory {
	if logger == nil {
		logger = logrus.New()
	}
	return &Factory{dial: dial, arb: arb, pool: pool, opts: opts, logger: logger}
}

// Build constructs the sensor for a classified record. Unknown kinds yield
// nil.
func (f *Factory) Build(rec *sensor.AdvertisementRecord, c Classification) sensor.Sensor {
	switch c.Kind {
	case KindBT510:
		sess := session.New(rec.Address, f.dial, f.arb, f.pool, f.opts, f.logger)
		return bt510.New(sess, f.logger)
	case KindDummy:
		return sensor.NewDummy(rec.Address)
	default:
		return nil
	}
}
