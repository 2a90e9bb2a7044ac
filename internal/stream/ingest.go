package stream

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/larshag/tellsync/internal/notify"
	"github.com/larshag/tellsync/internal/store"
)

// Ingester decodes inbound push frames and reconciles them into the store.
// Malformed frames are dropped; nothing thrown here may take down the
// connection.
type Ingester struct {
	Store  *store.Store
	Notify *notify.Hub
	Log    *slog.Logger
}

func NewIngester(st *store.Store, hub *notify.Hub, log *slog.Logger) *Ingester {
	return &Ingester{Store: st, Notify: hub, Log: log}
}

// Ingest handles one JSON event frame from the gateway stream.
func (i *Ingester) Ingest(data []byte) {
	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		i.Log.Debug("dropping malformed frame", "error", err)
		return
	}

	switch env.Module {
	case "device":
		i.ingestDevice(env.Data)
	case "sensor":
		i.ingestSensor(env.Data)
	default:
		i.Log.Debug("ignoring frame", "module", env.Module)
	}
}

func (i *Ingester) ingestDevice(data []byte) {
	var ev deviceEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.DeviceID == 0 {
		i.Log.Debug("dropping malformed device frame")
		return
	}
	ids, err := i.Store.ApplyDeviceEvent(ev.DeviceID, ev.Method, time.Now())
	if err != nil {
		i.Log.Warn("device event not applied", "device", ev.DeviceID, "error", err)
		return
	}
	for _, id := range ids {
		i.Notify.Refresh(id)
	}
}

func (i *Ingester) ingestSensor(data []byte) {
	var ev sensorEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.SensorID == 0 {
		i.Log.Debug("dropping malformed sensor frame")
		return
	}
	at := time.Now()
	if ev.Time > 0 {
		at = time.Unix(ev.Time, 0)
	}
	for _, v := range ev.Data {
		ids, err := i.Store.ApplySensorValue(ev.SensorID, v.Type, v.Value, at)
		if err != nil {
			i.Log.Warn("sensor value not applied", "sensor", ev.SensorID, "error", err)
			continue
		}
		for _, id := range ids {
			i.Notify.Refresh(id)
		}
	}
}
