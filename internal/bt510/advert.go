package bt510

import (
	"encoding/binary"
	"time"

	"github.com/iotworks/blegw/internal/sensor"
)

// The BT510 advertisement payload lives under this manufacturer-data key.
const AdvertisementCompanyID uint16 = 0x00FF

// Minimum manufacturer-data length carrying the sensor event layout.
const advertisementMinLen = 31

// Fixed offsets inside the advertisement payload.
const (
	advOffEventType  = 19
	advOffRecordNum  = 20 // u16 LE
	advOffEpoch      = 22 // u32 LE
	advOffSensorData = 26 // u32 LE
	advOffResetCount = 30
)

// ParseAdvertisement extracts measurements from a discovery record. Records
// without the BT510 payload, or with a payload too short to carry the event
// layout, yield no measurements and no error.
func ParseAdvertisement(rec *sensor.AdvertisementRecord) ([]sensor.Measurement, error) {
	if rec == nil {
		return nil, nil
	}
	payload, ok := rec.ManufacturerData[AdvertisementCompanyID]
	if !ok || len(payload) < advertisementMinLen {
		return nil, nil
	}

	entry := LogEntry{
		Timestamp: binary.LittleEndian.Uint32(payload[advOffEpoch : advOffEpoch+4]),
		Type:      payload[advOffEventType],
		// The advertisement carries the sensor value as u32; the event table
		// interprets only its low 16 bits.
		Data: uint16(binary.LittleEndian.Uint32(payload[advOffSensorData:advOffSensorData+4]) & 0xFFFF),
	}

	m, ok := entry.Measurement()
	if !ok {
		return nil, nil
	}
	m.Source = sensor.SourceAdvertisement
	m.ID = uint64(binary.LittleEndian.Uint16(payload[advOffRecordNum : advOffRecordNum+2]))
	m.TimestampUTC = time.Unix(int64(entry.Timestamp), 0).UTC()
	if !rec.Address.IsZero() {
		m.Address = rec.Address.String()
	}
	return []sensor.Measurement{m}, nil
}
