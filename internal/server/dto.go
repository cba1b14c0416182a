package server

import (
	"encoding/json"

	"github.com/ulfschnabel/slka/internal/domain"
)

type CycleRequest struct {
	DryRun bool `json:"dry_run,omitempty" doc:"Classify and filter without dispatching"`
}

type DecisionRequest struct {
	Reason string `json:"reason,omitempty" maxLength:"500"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

type ForgetResponse struct {
	Forgotten domain.IdempotencyRecord `json:"forgotten"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
