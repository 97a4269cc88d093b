package sensor

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Address is a 6-byte Bluetooth device address.
type Address [6]byte

// ParseAddress parses the canonical colon-separated hex form.
func ParseAddress(s string) (Address, error) {
	var a Address
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return a, fmt.Errorf("invalid bluetooth address %q", s)
	}
	for i, p := range parts {
		var b byte
		if _, err := fmt.Sscanf(p, "%02x", &b); err != nil || len(p) != 2 {
			return a, fmt.Errorf("invalid bluetooth address %q", s)
		}
		a[i] = b
	}
	return a, nil
}

// String renders the canonical upper-hex colon form.
func (a Address) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[0], a[1], a[2], a[3], a[4], a[5])
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a == Address{}
}

// AdvertisementRecord is the normalized form of one discovery event.
type AdvertisementRecord struct {
	Name             string
	Address          Address
	RSSI             int16 // dBm, DefaultRSSI when the host could not read it
	UUIDs            []string
	ManufacturerData map[uint16][]byte
}

// DefaultRSSI substitutes for an unreadable RSSI value.
const DefaultRSSI int16 = -50

// MeasurementType identifies what a measurement quantifies.
type MeasurementType string

const (
	Temperature MeasurementType = "temperature"
	Battery     MeasurementType = "battery"
)

// Source identifies where a measurement came from.
type Source string

const (
	SourceAdvertisement Source = "advertisement"
	SourceLog           Source = "log"
	SourceBoth          Source = "both"
)

// Measurement is the record emitted to the downstream sink.
type Measurement struct {
	Type         MeasurementType `json:"type"`
	Value        float64         `json:"value"`
	Unit         string          `json:"unit"`
	TimestampUTC time.Time       `json:"timestamp_utc"`
	Source       Source          `json:"source"`
	ID           uint64          `json:"id,omitempty"` // 0 when the source carries no record id
	Salt         uint8           `json:"salt,omitempty"`
	Address      string          `json:"address,omitempty"`
}

// SortByTimestamp orders measurements ascending by timestamp, stable so
// records sharing a second keep arrival order.
func SortByTimestamp(ms []Measurement) {
	sort.SliceStable(ms, func(i, j int) bool {
		return ms[i].TimestampUTC.Before(ms[j].TimestampUTC)
	})
}
