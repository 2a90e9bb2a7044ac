package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Kind tags what a widget displays and controls.
type Kind string

const (
	KindOnOff      Kind = "onoff"
	KindDimmer     Kind = "dimmer"
	KindRGB        Kind = "rgb"
	KindThermostat Kind = "thermostat"
	KindSensor     Kind = "sensor"
)

// PendingAction is the optimistic marker for a user-requested but
// unconfirmed device action.
type PendingAction struct {
	Method      int
	RequestedAt time.Time
}

// WidgetBinding associates a home-screen widget with a device or sensor
// plus its cached state. DeviceID/SensorID zero means unset; DeviceID -1
// means the device no longer exists.
type WidgetBinding struct {
	WidgetID         int64
	Kind             Kind
	DeviceID         int64
	SensorID         int64
	OwnerUserID      string
	StateCode        int
	StateValue       string
	StateValue2      string
	StateUpdatedAt   time.Time
	SupportedMethods int
	Theme            string
	Transparency     int
	UpdateIntervalMS int64
	Pending          *PendingAction
	ShowingStatus    bool
}

// SensorBinding holds the reading configuration for a sensor widget.
type SensorBinding struct {
	WidgetID  int64
	ValueType int
	Scale     int
	Name      string
}

const bindingCols = `widget_id, kind, device_id, sensor_id, owner_user_id,
	state_code, state_value, state_value2, state_updated_at,
	supported_methods, theme, transparency, update_interval_ms,
	pending_method, pending_requested_at, is_showing_status`

func scanBinding(row interface{ Scan(...any) error }) (*WidgetBinding, error) {
	b := &WidgetBinding{}
	var stateUpdated int64
	var pendingMethod, pendingAt sql.NullInt64
	err := row.Scan(&b.WidgetID, &b.Kind, &b.DeviceID, &b.SensorID, &b.OwnerUserID,
		&b.StateCode, &b.StateValue, &b.StateValue2, &stateUpdated,
		&b.SupportedMethods, &b.Theme, &b.Transparency, &b.UpdateIntervalMS,
		&pendingMethod, &pendingAt, &b.ShowingStatus)
	if err != nil {
		return nil, err
	}
	if stateUpdated > 0 {
		b.StateUpdatedAt = time.UnixMilli(stateUpdated)
	}
	if pendingMethod.Valid {
		b.Pending = &PendingAction{
			Method:      int(pendingMethod.Int64),
			RequestedAt: time.UnixMilli(pendingAt.Int64),
		}
	}
	return b, nil
}

// UpsertBinding creates or replaces the binding for a widget. Cached state
// and any pending action of an existing row are preserved.
func (s *Store) UpsertBinding(b *WidgetBinding) error {
	_, err := s.db.Exec(`INSERT INTO widget_bindings
		(widget_id, kind, device_id, sensor_id, owner_user_id,
		 supported_methods, theme, transparency, update_interval_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(widget_id) DO UPDATE SET
			kind = excluded.kind,
			device_id = excluded.device_id,
			sensor_id = excluded.sensor_id,
			owner_user_id = excluded.owner_user_id,
			supported_methods = excluded.supported_methods,
			theme = excluded.theme,
			transparency = excluded.transparency,
			update_interval_ms = excluded.update_interval_ms`,
		b.WidgetID, b.Kind, b.DeviceID, b.SensorID, b.OwnerUserID,
		b.SupportedMethods, b.Theme, b.Transparency, b.UpdateIntervalMS)
	if err != nil {
		return fmt.Errorf("upsert binding: %w", err)
	}
	return nil
}

// GetBinding returns the binding for a widget, or nil when it does not exist.
func (s *Store) GetBinding(widgetID int64) (*WidgetBinding, error) {
	row := s.db.QueryRow(`SELECT `+bindingCols+` FROM widget_bindings WHERE widget_id = ?`, widgetID)
	b, err := scanBinding(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get binding: %w", err)
	}
	return b, nil
}

func (s *Store) queryBindings(query string, args ...any) ([]*WidgetBinding, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*WidgetBinding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ListBindings returns every binding ordered by widget id.
func (s *Store) ListBindings() ([]*WidgetBinding, error) {
	bs, err := s.queryBindings(`SELECT ` + bindingCols + ` FROM widget_bindings ORDER BY widget_id`)
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	return bs, nil
}

// ListByDevice returns every binding backed by the given device.
func (s *Store) ListByDevice(deviceID int64) ([]*WidgetBinding, error) {
	bs, err := s.queryBindings(`SELECT `+bindingCols+` FROM widget_bindings WHERE device_id = ? ORDER BY widget_id`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("list by device: %w", err)
	}
	return bs, nil
}

// ListBySensor returns every binding backed by the given sensor.
func (s *Store) ListBySensor(sensorID int64) ([]*WidgetBinding, error) {
	bs, err := s.queryBindings(`SELECT `+bindingCols+` FROM widget_bindings WHERE sensor_id = ? ORDER BY widget_id`, sensorID)
	if err != nil {
		return nil, fmt.Errorf("list by sensor: %w", err)
	}
	return bs, nil
}

// CountBindings reports how many widgets exist; the supervisor uses this to
// decide whether anyone needs live updates.
func (s *Store) CountBindings() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM widget_bindings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count bindings: %w", err)
	}
	return n, nil
}

// DeleteBinding removes a widget's binding (and its sensor configuration,
// via cascade).
func (s *Store) DeleteBinding(widgetID int64) error {
	if _, err := s.db.Exec(`DELETE FROM widget_bindings WHERE widget_id = ?`, widgetID); err != nil {
		return fmt.Errorf("delete binding: %w", err)
	}
	return nil
}

// SetPending records the optimistic action marker for a widget.
func (s *Store) SetPending(widgetID int64, method int, at time.Time) error {
	_, err := s.db.Exec(`UPDATE widget_bindings
		SET pending_method = ?, pending_requested_at = ?
		WHERE widget_id = ?`, method, at.UnixMilli(), widgetID)
	if err != nil {
		return fmt.Errorf("set pending: %w", err)
	}
	return nil
}

// SetShowingStatus flips the in-progress flag consulted by the revert timer.
func (s *Store) SetShowingStatus(widgetID int64, showing bool) error {
	_, err := s.db.Exec(`UPDATE widget_bindings SET is_showing_status = ? WHERE widget_id = ?`,
		showing, widgetID)
	if err != nil {
		return fmt.Errorf("set showing status: %w", err)
	}
	return nil
}

// RevertPending clears a widget's pending action and cached state code, but
// only while the in-progress flag is still set. The conditional update is
// what makes the 5s revert and a confirming event mutually exclusive.
func (s *Store) RevertPending(widgetID int64) (bool, error) {
	res, err := s.db.Exec(`UPDATE widget_bindings
		SET pending_method = NULL, pending_requested_at = NULL,
		    is_showing_status = 0, state_code = 0
		WHERE widget_id = ? AND is_showing_status = 1`, widgetID)
	if err != nil {
		return false, fmt.Errorf("revert pending: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revert pending: %w", err)
	}
	return n > 0, nil
}

// ApplyDeviceEvent records a confirmed device state change: every binding
// backed by the device takes the new state code, and a pending action
// requesting that same method is consumed. Returns the ids of affected
// widgets.
func (s *Store) ApplyDeviceEvent(deviceID int64, method int, at time.Time) ([]int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("apply device event: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT widget_id FROM widget_bindings WHERE device_id = ?`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("apply device event: %w", err)
	}
	ids, err := collectIDs(rows)
	if err != nil {
		return nil, fmt.Errorf("apply device event: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := tx.Exec(`UPDATE widget_bindings
		SET state_code = ?, state_updated_at = ?
		WHERE device_id = ?`, method, at.UnixMilli(), deviceID); err != nil {
		return nil, fmt.Errorf("apply device event: %w", err)
	}
	if _, err := tx.Exec(`UPDATE widget_bindings
		SET pending_method = NULL, pending_requested_at = NULL, is_showing_status = 0
		WHERE device_id = ? AND pending_method = ?`, deviceID, method); err != nil {
		return nil, fmt.Errorf("apply device event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("apply device event: %w", err)
	}
	return ids, nil
}

// MarkDeviceRemoved permanently flags every binding backed by the device
// with the "device no longer exists" sentinel and drops any pending action.
// Returns the ids of affected widgets.
func (s *Store) MarkDeviceRemoved(deviceID int64) ([]int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("mark device removed: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT widget_id FROM widget_bindings WHERE device_id = ?`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("mark device removed: %w", err)
	}
	ids, err := collectIDs(rows)
	if err != nil {
		return nil, fmt.Errorf("mark device removed: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := tx.Exec(`UPDATE widget_bindings
		SET device_id = -1, pending_method = NULL, pending_requested_at = NULL,
		    is_showing_status = 0
		WHERE device_id = ?`, deviceID); err != nil {
		return nil, fmt.Errorf("mark device removed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("mark device removed: %w", err)
	}
	return ids, nil
}

// UpdateDeviceSnapshot refreshes cached state from the device directory
// without touching pending actions. Used by the periodic refresh task.
func (s *Store) UpdateDeviceSnapshot(deviceID int64, stateCode int, stateValue string, at time.Time) ([]int64, error) {
	rows, err := s.db.Query(`SELECT widget_id FROM widget_bindings WHERE device_id = ?`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("update device snapshot: %w", err)
	}
	ids, err := collectIDs(rows)
	if err != nil {
		return nil, fmt.Errorf("update device snapshot: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := s.db.Exec(`UPDATE widget_bindings
		SET state_code = ?, state_value = ?, state_updated_at = ?
		WHERE device_id = ?`, stateCode, stateValue, at.UnixMilli(), deviceID); err != nil {
		return nil, fmt.Errorf("update device snapshot: %w", err)
	}
	return ids, nil
}

func collectIDs(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
