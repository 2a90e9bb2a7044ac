package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertSensorBinding stores the reading configuration for a sensor widget.
func (s *Store) UpsertSensorBinding(sb *SensorBinding) error {
	_, err := s.db.Exec(`INSERT INTO sensor_bindings (widget_id, value_type, scale, name)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(widget_id) DO UPDATE SET
			value_type = excluded.value_type,
			scale = excluded.scale,
			name = excluded.name`,
		sb.WidgetID, sb.ValueType, sb.Scale, sb.Name)
	if err != nil {
		return fmt.Errorf("upsert sensor binding: %w", err)
	}
	return nil
}

// GetSensorBinding returns the reading configuration for a sensor widget,
// or nil when none exists.
func (s *Store) GetSensorBinding(widgetID int64) (*SensorBinding, error) {
	sb := &SensorBinding{}
	err := s.db.QueryRow(`SELECT widget_id, value_type, scale, name
		FROM sensor_bindings WHERE widget_id = ?`, widgetID).
		Scan(&sb.WidgetID, &sb.ValueType, &sb.Scale, &sb.Name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sensor binding: %w", err)
	}
	return sb, nil
}

// ApplySensorValue writes a fresh sensor reading into every binding backed
// by the sensor whose configured value type matches. Returns the ids of
// affected widgets.
func (s *Store) ApplySensorValue(sensorID int64, valueType int, value string, at time.Time) ([]int64, error) {
	rows, err := s.db.Query(`SELECT wb.widget_id
		FROM widget_bindings wb
		JOIN sensor_bindings sb ON sb.widget_id = wb.widget_id
		WHERE wb.sensor_id = ? AND sb.value_type = ?`, sensorID, valueType)
	if err != nil {
		return nil, fmt.Errorf("apply sensor value: %w", err)
	}
	ids, err := collectIDs(rows)
	if err != nil {
		return nil, fmt.Errorf("apply sensor value: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	for _, id := range ids {
		if _, err := s.db.Exec(`UPDATE widget_bindings
			SET state_value = ?, state_updated_at = ?
			WHERE widget_id = ?`, value, at.UnixMilli(), id); err != nil {
			return nil, fmt.Errorf("apply sensor value: %w", err)
		}
	}
	return ids, nil
}
