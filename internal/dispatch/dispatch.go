// Package dispatch turns user taps into device commands with optimistic
// feedback that self-reverts on timeout.
package dispatch

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

// ErrorKind classifies a failed command.
type ErrorKind string

const (
	ErrDeviceNotFound ErrorKind = "deviceNotFound"
	ErrNetwork        ErrorKind = "network"
	ErrUnknown        ErrorKind = "unknown"
)

// CommandError is the failure surface of Dispatch.
type CommandError struct {
	Kind ErrorKind
	Err  error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command failed (%s): %v", e.Kind, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// RevertAfter is how long an optimistic pending state may live before it
// self-reverts when no confirming event arrives.
const RevertAfter = 5000 * time.Millisecond

type Dispatcher struct {
	Store  *store.Store
	Client *telldus.Client
	Sched  *sched.Scheduler
	Notify *notify.Hub
	Log    *slog.Logger

	// Revert overrides RevertAfter, for tests.
	Revert time.Duration
}

func New(st *store.Store, cli *telldus.Client, s *sched.Scheduler, hub *notify.Hub, log *slog.Logger) *Dispatcher {
	return &Dispatcher{Store: st, Client: cli, Sched: s, Notify: hub, Log: log, Revert: RevertAfter}
}

func revertKey(widgetID int64) string {
	return fmt.Sprintf("revert:%d", widgetID)
}

// Dispatch sends method/value to the device behind a widget. The widget
// immediately shows a pending state; the final state is reconciled by the
// confirming stream event or, failing that, reverted after 5 seconds.
// Dim values are percentages and get encoded to the device byte range.
func (d *Dispatcher) Dispatch(ctx context.Context, widgetID int64, method, value int) error {
	b, err := d.Store.GetBinding(widgetID)
	if err != nil {
		return &CommandError{Kind: ErrUnknown, Err: err}
	}
	if b == nil {
		return &CommandError{Kind: ErrUnknown, Err: fmt.Errorf("widget %d not configured", widgetID)}
	}
	if b.DeviceID <= 0 {
		// -1 is the permanent "device removed" marker; reject locally.
		return &CommandError{Kind: ErrDeviceNotFound, Err: fmt.Errorf("widget %d has no device", widgetID)}
	}

	if method == telldus.MethodDim {
		value = telldus.DimLevel(value)
	}

	// Optimistic: pending marker + immediate refresh before the call.
	if err := d.Store.SetPending(widgetID, method, time.Now()); err != nil {
		return &CommandError{Kind: ErrUnknown, Err: err}
	}
	d.Notify.Refresh(widgetID)

	res, err := d.Client.DeviceCommand(ctx, b.DeviceID, method, value)
	if err != nil {
		d.scheduleRevert(widgetID)
		return &CommandError{Kind: ErrNetwork, Err: err}
	}
	if res.Error != "" {
		if _, ok := telldus.DeviceNotFound(res.Error); ok {
			ids, err := d.Store.MarkDeviceRemoved(b.DeviceID)
			if err != nil {
				d.Log.Warn("device removal not recorded", "device", b.DeviceID, "error", err)
			}
			for _, id := range ids {
				d.Notify.Refresh(id)
			}
			return &CommandError{Kind: ErrDeviceNotFound, Err: fmt.Errorf("%s", res.Error)}
		}
		d.scheduleRevert(widgetID)
		return &CommandError{Kind: ErrUnknown, Err: fmt.Errorf("%s", res.Error)}
	}

	d.scheduleRevert(widgetID)
	return nil
}

// scheduleRevert arms the one-shot self-revert for a widget's pending
// state. A confirming event clears the in-progress flag first, making the
// fired revert a no-op; a re-dispatch replaces the timer.
func (d *Dispatcher) scheduleRevert(widgetID int64) {
	if err := d.Store.SetShowingStatus(widgetID, true); err != nil {
		d.Log.Warn("pending flag not set", "widget", widgetID, "error", err)
	}
	after := d.Revert
	if after <= 0 {
		after = RevertAfter
	}
	d.Sched.Schedule(revertKey(widgetID), after, func() {
		reverted, err := d.Store.RevertPending(widgetID)
		if err != nil {
			d.Log.Warn("pending revert failed", "widget", widgetID, "error", err)
			return
		}
		if reverted {
			d.Notify.Refresh(widgetID)
		}
	})
}

// CancelRevert drops any outstanding revert timer for a widget, e.g. when
// the widget is removed from the home screen.
func (d *Dispatcher) CancelRevert(widgetID int64) {
	d.Sched.Cancel(revertKey(widgetID))
}
