// Package protocol defines the wire envelopes exchanged with clients and the
// canonical event vocabulary shared by the gateway, executor, and event log.
package protocol

import "encoding/json"

const Version = "2"

// Frame envelope types.
const (
	FrameRequest  = "req"
	FrameResponse = "res"
	FrameEvent    = "event"
)

// Methods recognized by the gateway.
const (
	MethodConnect           = "connect"
	MethodAgent             = "agent"
	MethodRunStop           = "run.stop"
	MethodPermissionRespond = "permission.respond"
	MethodMemorySearch      = "memory.search"
	MethodMemoryList        = "memory.list"
	MethodMemoryDelete      = "memory.delete"
	MethodMemoryPin         = "memory.pin"
	MethodSchedulesList     = "schedules.list"
	MethodSchedulesCreate   = "schedules.create"
	MethodSchedulesUpdate   = "schedules.update"
	MethodSchedulesDelete   = "schedules.delete"
	MethodWorkersList       = "workers.list"
	MethodStatus            = "status"
)

// Request is a client-to-gateway frame.
type Request struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers a Request by id.
type Response struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	OK      bool   `json:"ok"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Event is a gateway-to-client push. Seq is per-run and strictly increasing.
type Event struct {
	Type    string `json:"type"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
	Seq     uint64 `json:"seq,omitempty"`
}

func NewResponse(id string, payload any) Response {
	return Response{Type: FrameResponse, ID: id, OK: true, Payload: payload}
}

func NewErrorResponse(id string, err error) Response {
	return Response{Type: FrameResponse, ID: id, OK: false, Error: err.Error()}
}

func NewEvent(kind string, payload any) Event {
	return Event{Type: FrameEvent, Event: kind, Payload: payload}
}
