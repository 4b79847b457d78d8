package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentblob/agentblob/internal/protocol"
	"github.com/agentblob/agentblob/internal/scheduler"
)

// dispatch handles one request frame and returns the response frame.
func (g *Server) dispatch(ctx context.Context, channel string, req protocol.Request) protocol.Response {
	switch req.Method {
	case protocol.MethodAgent:
		return g.handleAgent(ctx, channel, req)
	case protocol.MethodRunStop:
		return g.handleRunStop(ctx, channel, req)
	case protocol.MethodPermissionRespond:
		return g.handlePermissionRespond(req)
	case protocol.MethodMemorySearch:
		return g.handleMemorySearch(ctx, req)
	case protocol.MethodMemoryList:
		return g.handleMemoryList(ctx, req)
	case protocol.MethodMemoryDelete:
		return g.handleMemoryDelete(ctx, channel, req)
	case protocol.MethodMemoryPin:
		return g.handleMemoryPin(req)
	case protocol.MethodSchedulesList:
		return protocol.NewResponse(req.ID, map[string]any{"schedules": g.Schedules.List()})
	case protocol.MethodSchedulesCreate:
		return g.handleScheduleCreate(req)
	case protocol.MethodSchedulesUpdate:
		return g.handleScheduleUpdate(req)
	case protocol.MethodSchedulesDelete:
		return g.handleScheduleDelete(req)
	case protocol.MethodWorkersList:
		return protocol.NewResponse(req.ID, map[string]any{"workers": g.Workers.List()})
	case protocol.MethodStatus:
		return protocol.NewResponse(req.ID, g.Status())
	case protocol.MethodConnect:
		return protocol.NewErrorResponse(req.ID, fmt.Errorf("already connected: %w", protocol.ErrProtocol))
	}
	return protocol.NewErrorResponse(req.ID, fmt.Errorf("unknown method %q: %w", req.Method, protocol.ErrProtocol))
}

func (g *Server) handleAgent(ctx context.Context, channel string, req protocol.Request) protocol.Response {
	var params struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || strings.TrimSpace(params.Message) == "" {
		return protocol.NewErrorResponse(req.ID, fmt.Errorf("message is required: %w", protocol.ErrProtocol))
	}

	// Slash commands are a gateway concern; clients forward text verbatim.
	if strings.HasPrefix(strings.TrimSpace(params.Message), "/") {
		text := g.runCommand(ctx, channel, strings.TrimSpace(params.Message))
		return protocol.NewResponse(req.ID, map[string]any{"command": true, "text": text})
	}

	runID, position, err := g.AgentRequest(ctx, channel, params.Message)
	if err != nil {
		return protocol.NewErrorResponse(req.ID, err)
	}
	payload := map[string]any{"runId": runID, "status": "accepted"}
	if position > 0 {
		payload["queued"] = position
	}
	return protocol.NewResponse(req.ID, payload)
}

func (g *Server) handleRunStop(ctx context.Context, channel string, req protocol.Request) protocol.Response {
	var params struct {
		RunID string `json:"runId"`
	}
	_ = json.Unmarshal(req.Params, &params)
	runID, err := g.StopRun(ctx, channel, params.RunID)
	if err != nil {
		return protocol.NewErrorResponse(req.ID, err)
	}
	return protocol.NewResponse(req.ID, map[string]any{"runId": runID, "stopping": true})
}

func (g *Server) handlePermissionRespond(req protocol.Request) protocol.Response {
	var params struct {
		PermID     string `json:"permId"`
		Decision   string `json:"decision"`
		Remember   bool   `json:"remember"`
		Capability string `json:"capability"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.PermID == "" {
		return protocol.NewErrorResponse(req.ID, fmt.Errorf("permId is required: %w", protocol.ErrProtocol))
	}
	resolved := g.PermissionRespond(params.PermID, params.Decision, params.Remember, params.Capability)
	// A duplicate response is a silent no-op, not an error.
	return protocol.NewResponse(req.ID, map[string]any{"permId": params.PermID, "resolved": resolved})
}

func (g *Server) handleMemorySearch(ctx context.Context, req protocol.Request) protocol.Response {
	var params struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Query == "" {
		return protocol.NewErrorResponse(req.ID, fmt.Errorf("query is required: %w", protocol.ErrProtocol))
	}
	if params.Limit <= 0 {
		params.Limit = 10
	}
	items, err := g.Memory.Search(ctx, params.Query, params.Limit)
	if err != nil {
		return protocol.NewErrorResponse(req.ID, err)
	}
	return protocol.NewResponse(req.ID, map[string]any{"items": items})
}

func (g *Server) handleMemoryList(ctx context.Context, req protocol.Request) protocol.Response {
	var params struct {
		Limit int `json:"limit"`
	}
	_ = json.Unmarshal(req.Params, &params)
	if params.Limit <= 0 {
		params.Limit = 20
	}
	items, err := g.Memory.ListRecent(ctx, params.Limit)
	if err != nil {
		return protocol.NewErrorResponse(req.ID, err)
	}
	pinned, err := g.Memory.Pinned.List()
	if err != nil {
		return protocol.NewErrorResponse(req.ID, err)
	}
	return protocol.NewResponse(req.ID, map[string]any{"items": items, "pinned": pinned})
}

func (g *Server) handleMemoryDelete(ctx context.Context, channel string, req protocol.Request) protocol.Response {
	var params struct {
		ItemID string `json:"itemId"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.ItemID == "" {
		return protocol.NewErrorResponse(req.ID, fmt.Errorf("itemId is required: %w", protocol.ErrProtocol))
	}
	change, err := g.Memory.Delete(ctx, "", params.ItemID)
	if err != nil {
		return protocol.NewErrorResponse(req.ID, err)
	}
	if change != nil {
		payload := protocol.MemoryChangePayload{ItemID: change.Item.ItemID, Text: change.Item.Text}
		if seq, err := g.Log.Append("", protocol.EventMemoryRemoved, payload); err == nil {
			ev := protocol.NewEvent(protocol.EventMemoryRemoved, payload)
			ev.Seq = seq
			g.Emit(channel, ev)
		}
	}
	return protocol.NewResponse(req.ID, map[string]any{"deleted": change != nil})
}

func (g *Server) handleMemoryPin(req protocol.Request) protocol.Response {
	var params struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || strings.TrimSpace(params.Text) == "" {
		return protocol.NewErrorResponse(req.ID, fmt.Errorf("text is required: %w", protocol.ErrProtocol))
	}
	item, created, err := g.Memory.Pin(params.Text)
	if err != nil {
		return protocol.NewErrorResponse(req.ID, err)
	}
	return protocol.NewResponse(req.ID, map[string]any{"itemId": item.ItemID, "created": created})
}

type schedulePatch struct {
	Title   *string `json:"title"`
	Kind    *string `json:"kind"`
	Spec    *string `json:"spec"`
	Prompt  *string `json:"prompt"`
	Enabled *bool   `json:"enabled"`
	Tz      *string `json:"timezone"`
}

func (g *Server) handleScheduleCreate(req protocol.Request) protocol.Response {
	var params struct {
		Title    string `json:"title"`
		Kind     string `json:"kind"`
		Spec     string `json:"spec"`
		Prompt   string `json:"prompt"`
		Enabled  *bool  `json:"enabled"`
		Timezone string `json:"timezone"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return protocol.NewErrorResponse(req.ID, fmt.Errorf("invalid params: %w", protocol.ErrProtocol))
	}
	enabled := true
	if params.Enabled != nil {
		enabled = *params.Enabled
	}
	sched, err := g.Schedules.Create(scheduler.Schedule{
		Title:    params.Title,
		Kind:     scheduler.Kind(params.Kind),
		Spec:     params.Spec,
		Prompt:   params.Prompt,
		Enabled:  enabled,
		Timezone: params.Timezone,
	})
	if err != nil {
		return protocol.NewErrorResponse(req.ID, err)
	}
	return protocol.NewResponse(req.ID, sched)
}

func (g *Server) handleScheduleUpdate(req protocol.Request) protocol.Response {
	var params struct {
		ID    string        `json:"id"`
		Patch schedulePatch `json:"patch"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.ID == "" {
		return protocol.NewErrorResponse(req.ID, fmt.Errorf("id is required: %w", protocol.ErrProtocol))
	}
	sched, err := g.Schedules.Update(params.ID, func(s *scheduler.Schedule) error {
		patch := params.Patch
		if patch.Title != nil {
			s.Title = *patch.Title
		}
		if patch.Kind != nil {
			s.Kind = scheduler.Kind(*patch.Kind)
		}
		if patch.Spec != nil {
			s.Spec = *patch.Spec
		}
		if patch.Prompt != nil {
			s.Prompt = *patch.Prompt
		}
		if patch.Enabled != nil {
			s.Enabled = *patch.Enabled
		}
		if patch.Tz != nil {
			s.Timezone = *patch.Tz
		}
		return nil
	})
	if err != nil {
		return protocol.NewErrorResponse(req.ID, err)
	}
	return protocol.NewResponse(req.ID, sched)
}

func (g *Server) handleScheduleDelete(req protocol.Request) protocol.Response {
	var params struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.ID == "" {
		return protocol.NewErrorResponse(req.ID, fmt.Errorf("id is required: %w", protocol.ErrProtocol))
	}
	removed, err := g.Schedules.Delete(params.ID)
	if err != nil {
		return protocol.NewErrorResponse(req.ID, err)
	}
	return protocol.NewResponse(req.ID, map[string]any{"deleted": removed})
}
