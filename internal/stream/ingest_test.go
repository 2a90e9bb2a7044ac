package stream

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/larshag/tellsync/internal/notify"
	"github.com/larshag/tellsync/internal/store"
)

func newTestIngester(t *testing.T) (*Ingester, *store.Store, <-chan int64) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	hub := notify.NewHub()
	ch, cancel := hub.Subscribe()
	t.Cleanup(cancel)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewIngester(st, hub, log), st, ch
}

func drainSignals(ch <-chan int64) []int64 {
	var out []int64
	for {
		select {
		case id := <-ch:
			out = append(out, id)
		case <-time.After(50 * time.Millisecond):
			return out
		}
	}
}

func TestIngestDeviceFrameFanOut(t *testing.T) {
	ing, st, ch := newTestIngester(t)
	for _, id := range []int64{1, 2} {
		if err := st.UpsertBinding(&store.WidgetBinding{WidgetID: id, Kind: store.KindOnOff, DeviceID: 42}); err != nil {
			t.Fatal(err)
		}
	}

	ing.Ingest([]byte(`{"module":"device","data":{"deviceId":42,"method":1}}`))

	for _, id := range []int64{1, 2} {
		b, _ := st.GetBinding(id)
		if b.StateCode != 1 {
			t.Errorf("widget %d stateCode = %d, want 1", id, b.StateCode)
		}
	}
	if got := drainSignals(ch); len(got) != 2 {
		t.Errorf("refresh signals = %v, want 2", got)
	}
}

func TestIngestDeviceFrameClearsPending(t *testing.T) {
	ing, st, _ := newTestIngester(t)
	if err := st.UpsertBinding(&store.WidgetBinding{WidgetID: 1, Kind: store.KindOnOff, DeviceID: 42}); err != nil {
		t.Fatal(err)
	}
	if err := st.SetPending(1, 2, time.Now()); err != nil {
		t.Fatal(err)
	}

	ing.Ingest([]byte(`{"module":"device","data":{"deviceId":42,"method":2}}`))

	b, _ := st.GetBinding(1)
	if b.Pending != nil {
		t.Fatalf("pending not cleared: %+v", b.Pending)
	}
}

func TestIngestSensorFrame(t *testing.T) {
	ing, st, ch := newTestIngester(t)
	if err := st.UpsertBinding(&store.WidgetBinding{WidgetID: 1, Kind: store.KindSensor, SensorID: 5}); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertSensorBinding(&store.SensorBinding{WidgetID: 1, ValueType: 1}); err != nil {
		t.Fatal(err)
	}

	ing.Ingest([]byte(`{"module":"sensor","data":{"sensorId":5,"time":1700000000,"data":[{"type":1,"scale":0,"value":"21.5"},{"type":2,"scale":0,"value":"45"}]}}`))

	b, _ := st.GetBinding(1)
	if b.StateValue != "21.5" {
		t.Errorf("stateValue = %q, want 21.5", b.StateValue)
	}
	if got := drainSignals(ch); len(got) != 1 {
		t.Errorf("refresh signals = %v, want 1", got)
	}
}

func TestIngestMalformedFramesDropped(t *testing.T) {
	ing, st, ch := newTestIngester(t)
	if err := st.UpsertBinding(&store.WidgetBinding{WidgetID: 1, Kind: store.KindOnOff, DeviceID: 42}); err != nil {
		t.Fatal(err)
	}

	frames := [][]byte{
		[]byte(`not json at all`),
		[]byte(`{"module":"device"}`),
		[]byte(`{"module":"device","data":{}}`),
		[]byte(`{"module":"device","data":{"deviceId":"nope"}}`),
		[]byte(`{"module":"sensor","data":{"sensorId":0}}`),
		[]byte(`{"module":"zwave","data":{"nodeId":3}}`),
	}
	for _, f := range frames {
		ing.Ingest(f)
	}

	b, _ := st.GetBinding(1)
	if b.StateCode != 0 {
		t.Errorf("stateCode = %d, want untouched 0", b.StateCode)
	}
	if got := drainSignals(ch); len(got) != 0 {
		t.Errorf("refresh signals = %v, want none", got)
	}
}
