// Package poll runs the periodic refresh task for widgets that display
// slowly changing values (thermostats, sensor readouts).
package poll

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/larshag/tellsync/internal/notify"
	"github.com/larshag/tellsync/internal/sched"
	"github.com/larshag/tellsync/internal/store"
	"github.com/larshag/tellsync/internal/telldus"
)

// DefaultInterval applies when a sensor widget is registered without an
// explicit update interval.
const DefaultInterval = 15 * time.Minute

type Poller struct {
	Store  *store.Store
	Client *telldus.Client
	Sched  *sched.Scheduler
	Notify *notify.Hub
	Log    *slog.Logger
}

func New(st *store.Store, cli *telldus.Client, s *sched.Scheduler, hub *notify.Hub, log *slog.Logger) *Poller {
	return &Poller{Store: st, Client: cli, Sched: s, Notify: hub, Log: log}
}

func pollKey(widgetID int64) string {
	return fmt.Sprintf("poll:%d", widgetID)
}

// Start arms a refresh timer for every persisted binding that wants one.
// Called once at daemon startup.
func (p *Poller) Start() error {
	bindings, err := p.Store.ListBindings()
	if err != nil {
		return fmt.Errorf("start poller: %w", err)
	}
	for _, b := range bindings {
		p.Track(b)
	}
	return nil
}

// Track arms (or re-arms) the refresh timer for one binding.
func (p *Poller) Track(b *store.WidgetBinding) {
	interval := time.Duration(b.UpdateIntervalMS) * time.Millisecond
	if interval <= 0 {
		if b.Kind != store.KindSensor && b.Kind != store.KindThermostat {
			return
		}
		interval = DefaultInterval
	}
	id := b.WidgetID
	p.Sched.Schedule(pollKey(id), interval, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		p.refresh(ctx, id)
	})
}

// Release drops the refresh timer when a widget is removed.
func (p *Poller) Release(widgetID int64) {
	p.Sched.Cancel(pollKey(widgetID))
}

// refresh re-reads the cloud directory for one widget and reschedules
// itself while the binding still exists.
func (p *Poller) refresh(ctx context.Context, widgetID int64) {
	b, err := p.Store.GetBinding(widgetID)
	if err != nil {
		p.Log.Warn("poll lookup failed", "widget", widgetID, "error", err)
		return
	}
	if b == nil {
		// Widget removed since the timer was armed.
		return
	}

	switch {
	case b.SensorID > 0:
		p.refreshSensor(ctx, b)
	case b.DeviceID > 0:
		p.refreshDevice(ctx, b)
	}

	p.Track(b)
}

func (p *Poller) refreshSensor(ctx context.Context, b *store.WidgetBinding) {
	sb, err := p.Store.GetSensorBinding(b.WidgetID)
	if err != nil || sb == nil {
		return
	}
	sensors, err := p.Client.ListSensors(ctx)
	if err != nil {
		p.Log.Debug("sensor poll failed", "widget", b.WidgetID, "error", err)
		return
	}
	for _, s := range sensors {
		if s.ID != b.SensorID {
			continue
		}
		at := time.Now()
		if s.LastUpdated > 0 {
			at = time.Unix(s.LastUpdated, 0)
		}
		for _, v := range s.Data {
			if v.Type != sb.ValueType {
				continue
			}
			ids, err := p.Store.ApplySensorValue(s.ID, v.Type, v.Value, at)
			if err != nil {
				p.Log.Warn("sensor poll not applied", "sensor", s.ID, "error", err)
				continue
			}
			for _, id := range ids {
				p.Notify.Refresh(id)
			}
		}
		return
	}
}

func (p *Poller) refreshDevice(ctx context.Context, b *store.WidgetBinding) {
	devices, err := p.Client.ListDevices(ctx, telldus.MethodAll)
	if err != nil {
		p.Log.Debug("device poll failed", "widget", b.WidgetID, "error", err)
		return
	}
	for _, dev := range devices {
		if dev.ID != b.DeviceID {
			continue
		}
		ids, err := p.Store.UpdateDeviceSnapshot(dev.ID, dev.State, dev.StateValue, time.Now())
		if err != nil {
			p.Log.Warn("device poll not applied", "device", dev.ID, "error", err)
			return
		}
		for _, id := range ids {
			p.Notify.Refresh(id)
		}
		return
	}
}
