package server

import (
	"encoding/json"

	"coordline/internal/domain"
)

// Response payloads

type StatusResponse struct {
	Modules        map[string]domain.ModuleDescriptor `json:"modules"`
	MissingModules []string                           `json:"missing_modules"`
	EventCounts    map[string]int                     `json:"event_counts"`
}

type ExecutionsResponse struct {
	Items []domain.Execution `json:"items"`
}

type EventResponse struct {
	ID          int64          `json:"id"`
	Seq         int64          `json:"seq"`
	TS          string         `json:"ts" format:"date-time"`
	Type        string         `json:"type"`
	ContextID   string         `json:"context_id,omitempty"`
	Stage       string         `json:"stage,omitempty"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type PermissionResponse struct {
	Resource  string `json:"resource"`
	Action    string `json:"action"`
	Elevated  bool   `json:"elevated,omitempty"`
	ExpiresAt string `json:"expires_at,omitempty" format:"date-time"`
}

type RoleResponse struct {
	ID             string               `json:"id"`
	ContextID      string               `json:"context_id"`
	Name           string               `json:"name"`
	Classification string               `json:"classification"`
	DisplayName    string               `json:"display_name"`
	Description    string               `json:"description,omitempty"`
	Strategy       string               `json:"creation_strategy" enum:"static,dynamic,template_based,ai_generated"`
	Status         string               `json:"status"`
	Permissions    []PermissionResponse `json:"permissions"`
	Capabilities   []string             `json:"capabilities"`
	CreatedAt      string               `json:"created_at" format:"date-time"`
}

type RolesResponse struct {
	Items []RoleResponse `json:"items"`
}

type TraceResponse struct {
	ID          string `json:"id"`
	ContextID   string `json:"context_id"`
	ExecutionID string `json:"execution_id,omitempty"`
	Stage       string `json:"stage"`
	Detail      string `json:"detail,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type TracesResponse struct {
	Items []TraceResponse `json:"items"`
}

func eventResponse(e domain.StoredEvent) EventResponse {
	return EventResponse{
		ID:          e.ID,
		Seq:         e.Seq,
		TS:          e.TS,
		Type:        e.Type,
		ContextID:   e.ContextID,
		Stage:       e.Stage,
		ExecutionID: e.ExecutionID,
		Payload:     decodeJSONMap(e.Payload),
	}
}

func roleResponse(r domain.Role) RoleResponse {
	res := RoleResponse{
		ID:             r.ID,
		ContextID:      r.ContextID,
		Name:           r.Name,
		Classification: r.Classification,
		DisplayName:    r.DisplayName,
		Description:    r.Description,
		Strategy:       r.Strategy,
		Status:         r.Status,
		Permissions:    []PermissionResponse{},
		Capabilities:   append([]string{}, r.Capabilities...),
		CreatedAt:      r.CreatedAt,
	}
	for _, p := range r.Permissions {
		pr := PermissionResponse{Resource: p.Resource, Action: p.Action, Elevated: p.Elevated}
		if p.ExpiresAt != nil {
			pr.ExpiresAt = *p.ExpiresAt
		}
		res.Permissions = append(res.Permissions, pr)
	}
	return res
}

func mapRoles(items []domain.Role) []RoleResponse {
	out := make([]RoleResponse, 0, len(items))
	for _, r := range items {
		out = append(out, roleResponse(r))
	}
	return out
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}
