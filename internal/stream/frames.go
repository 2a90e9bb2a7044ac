package stream

import "encoding/json"

// Sentinel frames are non-JSON literal text messages used as stream-level
// control signaling.
const (
	frameValidConnection = "validconnection"
	frameError           = "error"
	frameNothere         = "nothere"
)

type authFrame struct {
	Module string   `json:"module"`
	Action string   `json:"action"`
	Data   authData `json:"data"`
}

type authData struct {
	SessionID string `json:"sessionid"`
	ClientID  string `json:"clientId"`
}

type filterFrame struct {
	Module string     `json:"module"`
	Action string     `json:"action"`
	Data   filterData `json:"data"`
}

type filterData struct {
	Module string `json:"module"`
	Action string `json:"action"`
}

// filterPairs is the fixed batch of event filters subscribed immediately
// after authentication.
var filterPairs = []filterData{
	{"device", "added"},
	{"device", "removed"},
	{"device", "failSetState"},
	{"device", "setState"},
	{"sensor", "added"},
	{"sensor", "removed"},
	{"sensor", "setName"},
	{"sensor", "setPower"},
	{"sensor", "value"},
	{"zwave", "removeNodeFromNetwork"},
	{"zwave", "removeNodeFromNetworkStartTimeout"},
	{"zwave", "addNodeToNetwork"},
	{"zwave", "addNodeToNetworkStartTimeout"},
	{"zwave", "interviewDone"},
	{"zwave", "nodeInfo"},
}

type eventEnvelope struct {
	Module string          `json:"module"`
	Data   json.RawMessage `json:"data"`
}

type deviceEvent struct {
	DeviceID int64 `json:"deviceId"`
	Method   int   `json:"method"`
}

type sensorEvent struct {
	SensorID int64         `json:"sensorId"`
	Time     int64         `json:"time"`
	Data     []sensorValue `json:"data"`
}

type sensorValue struct {
	Type  int    `json:"type"`
	Scale int    `json:"scale"`
	Value string `json:"value"`
}
