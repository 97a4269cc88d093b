package bt510

import (
	"encoding/binary"
	"time"

	"github.com/iotworks/blegw/internal/gwerr"
	"github.com/iotworks/blegw/internal/sensor"
)

// LogEntrySize is the wire size of one on-device log record.
const LogEntrySize = 8

// Log record event types. Values outside this table are ignored.
const (
	eventTemperature     = 1
	eventTempAlarmFirst  = 4
	eventTempAlarmLast   = 10
	eventBatteryGood     = 12
	eventAdvertiseButton = 13
	eventBatteryBad      = 16
)

// LogEntry is the decoded 8-byte little-endian record: u32 epoch seconds,
// u16 data, u8 type, u8 salt. Salt only disambiguates otherwise identical
// records; it carries no meaning.
type LogEntry struct {
	Timestamp uint32
	Data      uint16
	Type      uint8
	Salt      uint8
}

// DecodeLogEntry decodes one record from b, which must hold at least
// LogEntrySize bytes.
func DecodeLogEntry(b []byte) LogEntry {
	return LogEntry{
		Timestamp: binary.LittleEndian.Uint32(b[0:4]),
		Data:      binary.LittleEndian.Uint16(b[4:6]),
		Type:      b[6],
		Salt:      b[7],
	}
}

// Measurement converts the entry per the device's event-type table. The
// second return is false for event types the gateway does not interpret.
func (e LogEntry) Measurement() (sensor.Measurement, bool) {
	m := sensor.Measurement{
		TimestampUTC: time.Unix(int64(e.Timestamp), 0).UTC(),
		Source:       sensor.SourceLog,
		Salt:         e.Salt,
	}

	switch {
	case e.Type == eventTemperature,
		e.Type >= eventTempAlarmFirst && e.Type <= eventTempAlarmLast:
		m.Type = sensor.Temperature
		m.Value = float64(int16(e.Data)) / 100.0
		m.Unit = "°C"
	case e.Type == eventBatteryGood, e.Type == eventAdvertiseButton, e.Type == eventBatteryBad:
		m.Type = sensor.Battery
		m.Value = float64(e.Data) / 1000.0
		m.Unit = "V"
	default:
		return sensor.Measurement{}, false
	}
	return m, true
}

// ParseLogEntries decodes a readLog payload into measurements. Records with
// uninterpreted event types are skipped. A payload whose length is not a
// multiple of LogEntrySize yields the complete records plus a DataParse
// error so the caller can log and continue.
func ParseLogEntries(payload []byte) ([]sensor.Measurement, error) {
	var ms []sensor.Measurement
	for off := 0; off+LogEntrySize <= len(payload); off += LogEntrySize {
		if m, ok := DecodeLogEntry(payload[off : off+LogEntrySize]).Measurement(); ok {
			ms = append(ms, m)
		}
	}

	if rem := len(payload) % LogEntrySize; rem != 0 {
		return ms, gwerr.New(gwerr.DataParse, "%d trailing bytes after %d complete records", rem, len(payload)/LogEntrySize)
	}
	return ms, nil
}
