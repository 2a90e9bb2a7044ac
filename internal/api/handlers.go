package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/larshag/tellsync/internal/dispatch"
	"github.com/larshag/tellsync/internal/store"
)

// WidgetView is the binding snapshot handed to the UI layer.
type WidgetView struct {
	WidgetID         int64  `json:"widgetId"`
	Kind             string `json:"kind"`
	DeviceID         int64  `json:"deviceId,omitempty"`
	SensorID         int64  `json:"sensorId,omitempty"`
	OwnerUserID      string `json:"ownerUserId,omitempty"`
	StateCode        int    `json:"stateCode"`
	StateValue       string `json:"stateValue,omitempty"`
	StateValue2      string `json:"stateValue2,omitempty"`
	StateUpdatedAt   int64  `json:"stateUpdatedAt,omitempty"`
	SupportedMethods int    `json:"supportedMethods"`
	Theme            string `json:"theme,omitempty"`
	Transparency     int    `json:"transparency,omitempty"`
	UpdateIntervalMS int64  `json:"updateIntervalMs,omitempty"`
	PendingMethod    int    `json:"pendingMethod,omitempty"`
	PendingSince     int64  `json:"pendingSince,omitempty"`
	ShowingStatus    bool   `json:"showingStatus,omitempty"`
}

func viewOf(b *store.WidgetBinding) WidgetView {
	v := WidgetView{
		WidgetID:         b.WidgetID,
		Kind:             string(b.Kind),
		DeviceID:         b.DeviceID,
		SensorID:         b.SensorID,
		OwnerUserID:      b.OwnerUserID,
		StateCode:        b.StateCode,
		StateValue:       b.StateValue,
		StateValue2:      b.StateValue2,
		SupportedMethods: b.SupportedMethods,
		Theme:            b.Theme,
		Transparency:     b.Transparency,
		UpdateIntervalMS: b.UpdateIntervalMS,
		ShowingStatus:    b.ShowingStatus,
	}
	if !b.StateUpdatedAt.IsZero() {
		v.StateUpdatedAt = b.StateUpdatedAt.UnixMilli()
	}
	if b.Pending != nil {
		v.PendingMethod = b.Pending.Method
		v.PendingSince = b.Pending.RequestedAt.UnixMilli()
	}
	return v
}

func widgetID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil
}

func (s *Server) handleListWidgets(w http.ResponseWriter, r *http.Request) {
	bindings, err := s.Store.ListBindings()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]WidgetView, 0, len(bindings))
	for _, b := range bindings {
		views = append(views, viewOf(b))
	}
	writeJSON(w, http.StatusOK, map[string]any{"widget": views})
}

func (s *Server) handleGetWidget(w http.ResponseWriter, r *http.Request) {
	id, ok := widgetID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad widget id")
		return
	}
	b, err := s.Store.GetBinding(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if b == nil {
		writeError(w, http.StatusNotFound, "widget not found")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(b))
}

type putWidgetRequest struct {
	Kind             string `json:"kind"`
	DeviceID         int64  `json:"deviceId"`
	SensorID         int64  `json:"sensorId"`
	OwnerUserID      string `json:"ownerUserId"`
	SupportedMethods int    `json:"supportedMethods"`
	Theme            string `json:"theme"`
	Transparency     int    `json:"transparency"`
	UpdateIntervalMS int64  `json:"updateIntervalMs"`
	Sensor           *struct {
		ValueType int    `json:"valueType"`
		Scale     int    `json:"scale"`
		Name      string `json:"name"`
	} `json:"sensor"`
}

func (s *Server) handlePutWidget(w http.ResponseWriter, r *http.Request) {
	id, ok := widgetID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad widget id")
		return
	}
	var req putWidgetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return
	}
	kind := store.Kind(req.Kind)
	switch kind {
	case store.KindOnOff, store.KindDimmer, store.KindRGB, store.KindThermostat, store.KindSensor:
	default:
		writeError(w, http.StatusBadRequest, "unknown widget kind")
		return
	}
	b := &store.WidgetBinding{
		WidgetID:         id,
		Kind:             kind,
		DeviceID:         req.DeviceID,
		SensorID:         req.SensorID,
		OwnerUserID:      req.OwnerUserID,
		SupportedMethods: req.SupportedMethods,
		Theme:            req.Theme,
		Transparency:     req.Transparency,
		UpdateIntervalMS: req.UpdateIntervalMS,
	}
	if err := s.Store.UpsertBinding(b); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if req.Sensor != nil {
		sb := &store.SensorBinding{
			WidgetID:  id,
			ValueType: req.Sensor.ValueType,
			Scale:     req.Sensor.Scale,
			Name:      req.Sensor.Name,
		}
		if err := s.Store.UpsertSensorBinding(sb); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	s.Poller.Track(b)
	s.recomputeNeeded()
	writeJSON(w, http.StatusOK, viewOf(b))
}

func (s *Server) handleDeleteWidget(w http.ResponseWriter, r *http.Request) {
	id, ok := widgetID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad widget id")
		return
	}
	if err := s.Store.DeleteBinding(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// Removing the widget releases its refresh timer and any pending revert.
	s.Poller.Release(id)
	s.Dispatcher.CancelRevert(id)
	s.recomputeNeeded()
	w.WriteHeader(http.StatusNoContent)
}

type commandRequest struct {
	Method int `json:"method"`
	Value  int `json:"value"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := widgetID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad widget id")
		return
	}
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return
	}

	ctx, cancel := contextWithTimeout(r, 20*time.Second)
	defer cancel()
	err := s.Dispatcher.Dispatch(ctx, id, req.Method, req.Value)
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "pending"})
		return
	}
	var cmdErr *dispatch.CommandError
	if errors.As(err, &cmdErr) {
		switch cmdErr.Kind {
		case dispatch.ErrDeviceNotFound:
			writeError(w, http.StatusNotFound, "device not found")
		case dispatch.ErrNetwork:
			writeError(w, http.StatusBadGateway, cmdErr.Err.Error())
		default:
			writeError(w, http.StatusInternalServerError, cmdErr.Err.Error())
		}
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Supervisor.Status())
}

func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Online bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return
	}
	s.Supervisor.SetOnline(req.Online)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleScreen(w http.ResponseWriter, r *http.Request) {
	var req struct {
		On bool `json:"on"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return
	}
	s.Supervisor.SetScreen(req.On)
	w.WriteHeader(http.StatusNoContent)
}

// recomputeNeeded re-derives "at least one widget needs live updates" from
// the store and feeds it to the supervisor.
func (s *Server) recomputeNeeded() {
	n, err := s.Store.CountBindings()
	if err != nil {
		s.Log.Warn("binding count failed", "error", err)
		return
	}
	s.Supervisor.SetNeeded(n > 0)
}
