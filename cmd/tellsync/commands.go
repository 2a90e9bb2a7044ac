package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/spf13/cobra"
)

func baseURL() string {
	return "http://" + apiAddr
}

func getJSON(path string, out any) error {
	resp, err := http.Get(baseURL() + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		if e.Error != "" {
			return fmt.Errorf("%s", e.Error)
		}
		return fmt.Errorf("%s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func sendJSON(method, path string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequest(method, baseURL()+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		if e.Error != "" {
			return fmt.Errorf("%s", e.Error)
		}
		return fmt.Errorf("%s", resp.Status)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

type widgetView struct {
	WidgetID      int64  `json:"widgetId"`
	Kind          string `json:"kind"`
	DeviceID      int64  `json:"deviceId"`
	SensorID      int64  `json:"sensorId"`
	StateCode     int    `json:"stateCode"`
	StateValue    string `json:"stateValue"`
	PendingMethod int    `json:"pendingMethod"`
}

func widgetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "widgets",
		Short: "List configured widgets and their cached state",
		RunE: func(cmd *cobra.Command, args []string) error {
			var reply struct {
				Widget []widgetView `json:"widget"`
			}
			if err := getJSON("/widgets", &reply); err != nil {
				return err
			}
			if len(reply.Widget) == 0 {
				fmt.Println("no widgets configured")
				return nil
			}
			for _, w := range reply.Widget {
				target := fmt.Sprintf("device %d", w.DeviceID)
				if w.SensorID > 0 {
					target = fmt.Sprintf("sensor %d", w.SensorID)
				}
				line := fmt.Sprintf("%d  %-10s %-12s state=%d", w.WidgetID, w.Kind, target, w.StateCode)
				if w.StateValue != "" {
					line += " value=" + w.StateValue
				}
				if w.PendingMethod != 0 {
					line += fmt.Sprintf(" pending=%d", w.PendingMethod)
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}

func addCmd() *cobra.Command {
	var kind string
	var deviceID, sensorID int64
	var methods int
	var valueType int
	var intervalMS int64
	cmd := &cobra.Command{
		Use:   "add <widget-id>",
		Short: "Register a widget binding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("bad widget id: %w", err)
			}
			body := map[string]any{
				"kind":             kind,
				"deviceId":         deviceID,
				"sensorId":         sensorID,
				"supportedMethods": methods,
				"updateIntervalMs": intervalMS,
			}
			if sensorID > 0 {
				body["sensor"] = map[string]any{"valueType": valueType}
			}
			var view widgetView
			if err := sendJSON(http.MethodPut, fmt.Sprintf("/widgets/%d", id), body, &view); err != nil {
				return err
			}
			fmt.Printf("widget %d registered (%s)\n", view.WidgetID, view.Kind)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "onoff", "widget kind: onoff|dimmer|rgb|thermostat|sensor")
	cmd.Flags().Int64Var(&deviceID, "device", 0, "device id")
	cmd.Flags().Int64Var(&sensorID, "sensor", 0, "sensor id")
	cmd.Flags().IntVar(&methods, "methods", 0, "supported methods bitmask")
	cmd.Flags().IntVar(&valueType, "value-type", 0, "sensor value type")
	cmd.Flags().Int64Var(&intervalMS, "interval", 0, "refresh interval in ms")
	return cmd
}

func rmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <widget-id>",
		Short: "Remove a widget binding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("bad widget id: %w", err)
			}
			return sendJSON(http.MethodDelete, fmt.Sprintf("/widgets/%d", id), nil, nil)
		},
	}
}

func sendCmd() *cobra.Command {
	var value int
	cmd := &cobra.Command{
		Use:   "send <widget-id> <method>",
		Short: "Send a device command through a widget",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("bad widget id: %w", err)
			}
			method, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("bad method: %w", err)
			}
			body := map[string]int{"method": method, "value": value}
			var reply struct {
				Status string `json:"status"`
			}
			if err := sendJSON(http.MethodPost, fmt.Sprintf("/widgets/%d/command", id), body, &reply); err != nil {
				return err
			}
			fmt.Println(reply.Status)
			return nil
		},
	}
	cmd.Flags().IntVar(&value, "value", 0, "method value (dim percentage, rgb, ...)")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connection state",
		RunE: func(cmd *cobra.Command, args []string) error {
			var st struct {
				State      string   `json:"state"`
				Gateway    string   `json:"gateway"`
				Candidates []string `json:"candidates"`
				Online     bool     `json:"online"`
				ScreenOn   bool     `json:"screenOn"`
				Needed     bool     `json:"needed"`
			}
			if err := getJSON("/system/status", &st); err != nil {
				return err
			}
			fmt.Printf("state:      %s\n", st.State)
			if st.Gateway != "" {
				fmt.Printf("gateway:    %s\n", st.Gateway)
			}
			if len(st.Candidates) > 0 {
				fmt.Printf("candidates: %v\n", st.Candidates)
			}
			fmt.Printf("online:     %v\nscreen on:  %v\nneeded:     %v\n", st.Online, st.ScreenOn, st.Needed)
			return nil
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream per-widget refresh signals",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			conn, _, err := websocket.Dial(ctx, "ws://"+apiAddr+"/events", nil)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer conn.CloseNow()

			fmt.Println("watching refresh signals (ctrl-c to stop)")
			for {
				var ev struct {
					WidgetID int64 `json:"widgetId"`
				}
				if err := wsjson.Read(ctx, conn, &ev); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				fmt.Printf("%s refresh widget %d\n", time.Now().Format("15:04:05"), ev.WidgetID)
			}
		},
	}
}
