package scanner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iotworks/blegw/internal/bleadapter"
	"github.com/iotworks/blegw/internal/devicefactory"
	"github.com/iotworks/blegw/internal/sensor"
)

type fakeAdv struct {
	name string
	md   []byte
	rssi int
	addr string
}

func (f *fakeAdv) LocalName() string        { return f.name }
func (f *fakeAdv) ManufacturerData() []byte { return f.md }
func (f *fakeAdv) Services() []string       { return nil }
func (f *fakeAdv) RSSI() int                { return f.rssi }
func (f *fakeAdv) Addr() string             { return f.addr }

func bt510Adv(addr string, rssi int) *fakeAdv {
	return &fakeAdv{
		name: "DTT-1",
		md:   []byte{0x77, 0x00, 0x01},
		rssi: rssi,
		addr: addr,
	}
}

// fakeDiscoverer replays its advertisements each cycle, then waits out the
// cycle context.
type fakeDiscoverer struct {
	mu     sync.Mutex
	advs   []bleadapter.Advertisement
	cycles atomic.Int32
	err    error
}

func (f *fakeDiscoverer) Scan(ctx context.Context, h func(bleadapter.Advertisement)) error {
	f.cycles.Add(1)
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	advs := append([]bleadapter.Advertisement(nil), f.advs...)
	f.mu.Unlock()
	for _, adv := range advs {
		h(adv)
	}
	<-ctx.Done()
	return ctx.Err()
}

// fakeSensor records worker activity.
type fakeSensor struct {
	addr       sensor.Address
	opens      atomic.Int32
	closes     atomic.Int32
	logRuns    atomic.Int32
	concurrent atomic.Int32
	peak       atomic.Int32
	block      chan struct{} // when non-nil, ProcessLog blocks until closed
	openErr    error
}

func (f *fakeSensor) Address() sensor.Address { return f.addr }

func (f *fakeSensor) Open(ctx context.Context) error {
	f.opens.Add(1)
	return f.openErr
}

func (f *fakeSensor) Close() error {
	f.closes.Add(1)
	return nil
}

func (f *fakeSensor) DownloadLog(ctx context.Context) ([]sensor.Measurement, error) {
	return nil, nil
}

func (f *fakeSensor) ProcessLog(ctx context.Context, deliver sensor.DeliverFunc) error {
	n := f.concurrent.Add(1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	defer f.concurrent.Add(-1)

	f.logRuns.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
		}
	}
	deliver([]sensor.Measurement{{Type: sensor.Temperature, Value: 1, Source: sensor.SourceLog}})
	return nil
}

func (f *fakeSensor) ParseAdvertisement(rec *sensor.AdvertisementRecord) ([]sensor.Measurement, error) {
	return []sensor.Measurement{{Type: sensor.Temperature, Value: 2, Source: sensor.SourceAdvertisement}}, nil
}

func (f *fakeSensor) GetConfig(ctx context.Context, names []string) (map[string]interface{}, error) {
	return nil, nil
}

func (f *fakeSensor) SetConfig(ctx context.Context, attrs map[string]interface{}) error {
	return nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

type countingSink struct {
	mu      sync.Mutex
	batches [][]sensor.Measurement
}

func (c *countingSink) Deliver(batch []sensor.Measurement) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, batch)
	return true
}

func (c *countingSink) Close() error { return nil }

func (c *countingSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func testOptions(mode Mode) Options {
	return Options{
		RestartInterval: 50 * time.Millisecond,
		ErrorPause:      10 * time.Millisecond,
		Mode:            mode,
		MinRSSI:         -90,
	}
}

func TestScanner_DispatchesWorkerAndDelivers(t *testing.T) {
	fs := &fakeSensor{}
	disc := &fakeDiscoverer{advs: []bleadapter.Advertisement{bt510Adv("c0:ff:ee:00:00:01", -50)}}
	snk := &countingSink{}

	s := New(disc, func(rec *sensor.AdvertisementRecord, c devicefactory.Classification) sensor.Sensor {
		return fs
	}, snk, testOptions(ModeBoth), quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = s.Run(ctx); close(done) }()

	require.Eventually(t, func() bool { return fs.logRuns.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.GreaterOrEqual(t, snk.count(), 2, "advertisement and log batches delivered")
	assert.Equal(t, fs.opens.Load(), fs.closes.Load(), "every open is closed")
}

// Property 7: at most one live worker per address, for any advertisement
// arrival pattern.
func TestScanner_DeduplicatesConcurrentWorkers(t *testing.T) {
	fs := &fakeSensor{block: make(chan struct{})}
	adv := bt510Adv("c0:ff:ee:00:00:02", -40)
	disc := &fakeDiscoverer{advs: []bleadapter.Advertisement{adv, adv, adv}}

	s := New(disc, func(*sensor.AdvertisementRecord, devicefactory.Classification) sensor.Sensor {
		return fs
	}, &countingSink{}, testOptions(ModeLog), quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = s.Run(ctx); close(done) }()

	// Let several discovery cycles replay the same device while the first
	// worker is still blocked inside ProcessLog.
	require.Eventually(t, func() bool { return disc.cycles.Load() >= 3 }, 3*time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(1), fs.peak.Load(), "only one concurrent worker per address")

	close(fs.block)
	cancel()
	<-done
}

func TestScanner_WorkerRetriesAfterCompletion(t *testing.T) {
	fs := &fakeSensor{}
	disc := &fakeDiscoverer{advs: []bleadapter.Advertisement{bt510Adv("c0:ff:ee:00:00:03", -40)}}

	s := New(disc, func(*sensor.AdvertisementRecord, devicefactory.Classification) sensor.Sensor {
		return fs
	}, &countingSink{}, testOptions(ModeLog), quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = s.Run(ctx); close(done) }()

	// A later cycle re-dispatches the device once the first worker is done.
	require.Eventually(t, func() bool { return fs.logRuns.Load() >= 2 }, 3*time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestScanner_WorkerFailureDoesNotStopScanner(t *testing.T) {
	fs := &fakeSensor{openErr: errors.New("connect refused")}
	disc := &fakeDiscoverer{advs: []bleadapter.Advertisement{bt510Adv("c0:ff:ee:00:00:04", -40)}}

	s := New(disc, func(*sensor.AdvertisementRecord, devicefactory.Classification) sensor.Sensor {
		return fs
	}, &countingSink{}, testOptions(ModeLog), quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = s.Run(ctx); close(done) }()

	// The failing device is retried on later cycles; the scanner survives.
	require.Eventually(t, func() bool { return fs.opens.Load() >= 2 }, 3*time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestScanner_AdvertisementModeNeverOpens(t *testing.T) {
	fs := &fakeSensor{}
	disc := &fakeDiscoverer{advs: []bleadapter.Advertisement{bt510Adv("c0:ff:ee:00:00:05", -40)}}
	snk := &countingSink{}

	s := New(disc, func(*sensor.AdvertisementRecord, devicefactory.Classification) sensor.Sensor {
		return fs
	}, snk, testOptions(ModeAdvertisement), quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = s.Run(ctx); close(done) }()

	require.Eventually(t, func() bool { return snk.count() >= 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Zero(t, fs.opens.Load(), "passive mode must not open a session")
	assert.Zero(t, fs.logRuns.Load())
}

func TestScanner_Filters(t *testing.T) {
	tests := []struct {
		name       string
		opts       Options
		adv        *fakeAdv
		dispatched bool
	}{
		{
			name:       "below rssi threshold rejected",
			opts:       Options{RestartInterval: 50 * time.Millisecond, ErrorPause: time.Millisecond, Mode: ModeLog, MinRSSI: -60},
			adv:        bt510Adv("c0:ff:ee:00:00:06", -70),
			dispatched: false,
		},
		{
			name:       "name prefix mismatch rejected",
			opts:       Options{RestartInterval: 50 * time.Millisecond, ErrorPause: time.Millisecond, Mode: ModeLog, MinRSSI: -90, NamePrefix: "BT510"},
			adv:        bt510Adv("c0:ff:ee:00:00:07", -40),
			dispatched: false,
		},
		{
			name:       "name prefix match admitted",
			opts:       Options{RestartInterval: 50 * time.Millisecond, ErrorPause: time.Millisecond, Mode: ModeLog, MinRSSI: -90, NamePrefix: "DTT"},
			adv:        bt510Adv("c0:ff:ee:00:00:08", -40),
			dispatched: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := &fakeSensor{}
			disc := &fakeDiscoverer{advs: []bleadapter.Advertisement{tt.adv}}
			s := New(disc, func(*sensor.AdvertisementRecord, devicefactory.Classification) sensor.Sensor {
				return fs
			}, &countingSink{}, tt.opts, quietLogger())

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})
			go func() { _ = s.Run(ctx); close(done) }()

			if tt.dispatched {
				require.Eventually(t, func() bool { return fs.opens.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)
			} else {
				time.Sleep(120 * time.Millisecond)
				assert.Zero(t, fs.opens.Load())
			}
			cancel()
			<-done
		})
	}
}

func TestScanner_AdapterErrorPausesAndRetries(t *testing.T) {
	disc := &fakeDiscoverer{err: errors.New("adapter gone")}
	s := New(disc, func(*sensor.AdvertisementRecord, devicefactory.Classification) sensor.Sensor {
		return nil
	}, &countingSink{}, testOptions(ModeLog), quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = s.Run(ctx); close(done) }()

	require.Eventually(t, func() bool { return disc.cycles.Load() >= 2 }, 3*time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestScanner_EmitsEvents(t *testing.T) {
	disc := &fakeDiscoverer{advs: []bleadapter.Advertisement{bt510Adv("c0:ff:ee:00:00:09", -40)}}
	s := New(disc, func(*sensor.AdvertisementRecord, devicefactory.Classification) sensor.Sensor {
		return nil
	}, &countingSink{}, testOptions(ModeAdvertisement), quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = s.Run(ctx); close(done) }()

	select {
	case ev := <-s.Events():
		assert.Equal(t, devicefactory.KindBT510, ev.Classification.Kind)
		assert.Equal(t, "C0:FF:EE:00:00:09", ev.Record.Address.String())
	case <-time.After(2 * time.Second):
		t.Fatal("no discovery event emitted")
	}
	cancel()
	<-done
}
