package sink

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iotworks/blegw/internal/sensor"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func sampleBatch() []sensor.Measurement {
	return []sensor.Measurement{
		{
			Type:         sensor.Temperature,
			Value:        15.0,
			Unit:         "°C",
			TimestampUTC: time.Unix(1, 0).UTC(),
			Source:       sensor.SourceLog,
			Address:      "C0:FF:EE:00:11:22",
			Salt:         0x2a,
		},
		{
			Type:         sensor.Battery,
			Value:        2.0,
			Unit:         "V",
			TimestampUTC: time.Unix(0, 0).UTC(),
			Source:       sensor.SourceLog,
			Address:      "C0:FF:EE:00:11:22",
		},
	}
}

func TestJSONL_DeliverWritesOneObjectPerMeasurement(t *testing.T) {
	var buf bytes.Buffer
	s := NewJSONL(&buf, quietLogger())

	require.True(t, s.Deliver(sampleBatch()))
	require.NoError(t, s.Close())

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var m sensor.Measurement
	require.NoError(t, json.Unmarshal(lines[0], &m))
	assert.Equal(t, sensor.Temperature, m.Type)
	assert.Equal(t, 15.0, m.Value)
}

func TestFunc_Adapts(t *testing.T) {
	var got int
	s := Func(func(batch []sensor.Measurement) bool {
		got = len(batch)
		return true
	})
	assert.True(t, s.Deliver(sampleBatch()))
	assert.Equal(t, 2, got)
	assert.NoError(t, s.Close())
}

func TestSQLite_DeliverIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "measurements.db")
	s, err := NewSQLite(path, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	batch := sampleBatch()
	require.True(t, s.Deliver(batch))
	// Replay after a simulated crash between read and ack.
	require.True(t, s.Deliver(batch))

	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, n, "duplicate delivery must not duplicate rows")
}

func TestSQLite_DistinctSaltsAreDistinctRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "measurements.db")
	s, err := NewSQLite(path, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	base := sampleBatch()[0]
	twin := base
	twin.Salt = base.Salt + 1

	require.True(t, s.Deliver([]sensor.Measurement{base, twin}))

	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, n, "salt disambiguates otherwise identical records")
}
