package bleadapter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/iotworks/blegw/internal/sensor"
)

type fakeAdv struct {
	name     string
	md       []byte
	services []string
	rssi     int
	addr     string
}

func (f *fakeAdv) LocalName() string        { return f.name }
func (f *fakeAdv) ManufacturerData() []byte { return f.md }
func (f *fakeAdv) Services() []string       { return f.services }
func (f *fakeAdv) RSSI() int                { return f.rssi }
func (f *fakeAdv) Addr() string             { return f.addr }

func TestToRecord_SplitsCompanyID(t *testing.T) {
	adv := &fakeAdv{
		name: "DTT-34179",
		// 0x0077 little-endian, then payload
		md:   []byte{0x77, 0x00, 0x01, 0x02, 0x03},
		rssi: -61,
		addr: "c0:ff:ee:00:11:22",
	}

	rec := ToRecord(adv)

	assert.Equal(t, "DTT-34179", rec.Name)
	assert.Equal(t, "C0:FF:EE:00:11:22", rec.Address.String())
	assert.Equal(t, int16(-61), rec.RSSI)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, rec.ManufacturerData[0x0077])
}

func TestToRecord_RSSIDefaultsWhenUnavailable(t *testing.T) {
	rec := ToRecord(&fakeAdv{addr: "00:00:00:00:00:01", rssi: 0})
	assert.Equal(t, sensor.DefaultRSSI, rec.RSSI)
}

func TestToRecord_ShortManufacturerDataIgnored(t *testing.T) {
	rec := ToRecord(&fakeAdv{addr: "00:00:00:00:00:01", md: []byte{0x77}})
	assert.Empty(t, rec.ManufacturerData)
}

func TestToRecord_BadAddressLeavesZero(t *testing.T) {
	rec := ToRecord(&fakeAdv{addr: "garbage"})
	assert.True(t, rec.Address.IsZero())
}
