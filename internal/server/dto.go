package server

import (
	"encoding/json"

	"testline/internal/domain"
	"testline/internal/engine"
)

// Request payloads

type CreateCycleRequest struct {
	ID          string  `json:"id"`
	Description *string `json:"description,omitempty"`
}

type CreateReportRequest struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	OwnerID *string `json:"owner_id,omitempty"`
}

type TransitionRequest struct {
	Target          string         `json:"target" enum:"in_progress,submitted,approved,rejected,completed"`
	ExpectedVersion int64          `json:"expected_version"`
	Payload         map[string]any `json:"payload,omitempty"`
}

type PermissionCheckRequest struct {
	Resource   string `json:"resource"`
	Action     string `json:"action"`
	ResourceID string `json:"resource_id,omitempty"`
}

type UpsertRoleRequest struct {
	Description string   `json:"description,omitempty"`
	Permissions []string `json:"permissions"`
}

type RoleChangeRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

type CreateGrantRequest struct {
	ActorID    string  `json:"actor_id"`
	Resource   string  `json:"resource"`
	Action     string  `json:"action"`
	ResourceID string  `json:"resource_id"`
	Effect     string  `json:"effect" enum:"allow,deny"`
	ExpiresAt  *string `json:"expires_at,omitempty" format:"date-time"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

type CycleResponse struct {
	ID          string `json:"id"`
	LOBID       string `json:"lob_id"`
	Quarter     string `json:"quarter,omitempty"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type ReportResponse struct {
	ID        string `json:"id"`
	CycleID   string `json:"cycle_id"`
	Name      string `json:"name"`
	OwnerID   string `json:"owner_id,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type PhaseResponse struct {
	ID          string         `json:"id"`
	CycleID     string         `json:"cycle_id"`
	ReportID    string         `json:"report_id"`
	Kind        string         `json:"kind" enum:"planning,scoping,data_provider_id,sample_selection,request_for_information,testing_execution,observation_management"`
	State       string         `json:"state" enum:"not_started,in_progress,submitted,approved,rejected,completed"`
	Version     int64          `json:"version"`
	Blocked     bool           `json:"blocked"`
	Blocking    []string       `json:"blocking,omitempty"`
	Deadline    *string        `json:"deadline,omitempty" format:"date-time"`
	Payload     map[string]any `json:"payload,omitempty"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	UpdatedAt   string         `json:"updated_at" format:"date-time"`
	CompletedAt *string        `json:"completed_at,omitempty" format:"date-time"`
}

type ProgressResponse struct {
	CycleID  string `json:"cycle_id"`
	ReportID string `json:"report_id"`
	Percent  int    `json:"percent"`
}

type PermissionCheckResponse struct {
	ActorID    string `json:"actor_id"`
	Resource   string `json:"resource"`
	Action     string `json:"action"`
	ResourceID string `json:"resource_id,omitempty"`
	Allowed    bool   `json:"allowed"`
}

type EffectivePermissionsResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type SLAClockResponse struct {
	PhaseInstanceID string `json:"phase_instance_id"`
	Chain           string `json:"chain"`
	ArmedAt         string `json:"armed_at" format:"date-time"`
	ThresholdSecs   int64  `json:"threshold_seconds"`
	Level           int    `json:"level"`
	UpdatedAt       string `json:"updated_at" format:"date-time"`
}

type EscalationResponse struct {
	ID              string   `json:"id"`
	PhaseInstanceID string   `json:"phase_instance_id"`
	Level           int      `json:"level"`
	RecipientChain  []string `json:"recipient_chain"`
	Recipient       string   `json:"recipient"`
	DigestKey       string   `json:"digest_key"`
	Message         string   `json:"message,omitempty"`
	Status          string   `json:"status" enum:"pending,sent"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
	SentAt          *string  `json:"sent_at,omitempty" format:"date-time"`
}

type ScanResponse struct {
	Fired      int `json:"fired"`
	DigestsOut int `json:"digests_out"`
}

type RoleResponse struct {
	ID          string   `json:"id"`
	Description string   `json:"description,omitempty"`
	Permissions []string `json:"permissions"`
}

type GrantResponse struct {
	ID         string  `json:"id"`
	ActorID    string  `json:"actor_id"`
	Resource   string  `json:"resource"`
	Action     string  `json:"action"`
	ResourceID string  `json:"resource_id"`
	Effect     string  `json:"effect" enum:"allow,deny"`
	ExpiresAt  *string `json:"expires_at,omitempty" format:"date-time"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	CycleID    string         `json:"cycle_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func cycleResponse(c domain.Cycle) CycleResponse {
	return CycleResponse{
		ID:          c.ID,
		LOBID:       c.LOBID,
		Quarter:     c.Quarter,
		Status:      c.Status,
		Description: c.Description,
		CreatedAt:   c.CreatedAt,
	}
}

func reportResponse(rep domain.Report) ReportResponse {
	return ReportResponse{
		ID:        rep.ID,
		CycleID:   rep.CycleID,
		Name:      rep.Name,
		OwnerID:   rep.OwnerID,
		CreatedAt: rep.CreatedAt,
	}
}

func phaseResponse(v engine.PhaseView) PhaseResponse {
	resp := PhaseResponse{
		ID:          v.ID,
		CycleID:     v.CycleID,
		ReportID:    v.ReportID,
		Kind:        v.Kind,
		State:       v.State,
		Version:     v.Version,
		Blocked:     v.Blocked,
		Blocking:    v.Blocking,
		Deadline:    v.Deadline,
		CreatedAt:   v.CreatedAt,
		UpdatedAt:   v.UpdatedAt,
		CompletedAt: v.CompletedAt,
	}
	if v.PayloadJSON != nil {
		var payload map[string]any
		if err := json.Unmarshal([]byte(*v.PayloadJSON), &payload); err == nil {
			resp.Payload = payload
		}
	}
	return resp
}

func mapPhases(views []engine.PhaseView) []PhaseResponse {
	out := make([]PhaseResponse, 0, len(views))
	for _, v := range views {
		out = append(out, phaseResponse(v))
	}
	return out
}

func clockResponse(c domain.SLAClock) SLAClockResponse {
	return SLAClockResponse{
		PhaseInstanceID: c.PhaseInstanceID,
		Chain:           c.Chain,
		ArmedAt:         c.ArmedAt,
		ThresholdSecs:   c.ThresholdSeconds,
		Level:           c.Level,
		UpdatedAt:       c.UpdatedAt,
	}
}

func escalationResponse(e domain.EscalationEvent) EscalationResponse {
	return EscalationResponse{
		ID:              e.ID,
		PhaseInstanceID: e.PhaseInstanceID,
		Level:           e.Level,
		RecipientChain:  nonNilSlice(e.RecipientChain),
		Recipient:       e.Recipient,
		DigestKey:       e.DigestKey,
		Message:         e.Message,
		Status:          e.Status,
		CreatedAt:       e.CreatedAt,
		SentAt:          e.SentAt,
	}
}

func roleResponse(r domain.Role) RoleResponse {
	perms := make([]string, 0, len(r.Permissions))
	for _, p := range r.Permissions {
		perms = append(perms, p.String())
	}
	return RoleResponse{ID: r.ID, Description: r.Description, Permissions: perms}
}

func grantResponse(g domain.ResourceGrant) GrantResponse {
	return GrantResponse{
		ID:         g.ID,
		ActorID:    g.ActorID,
		Resource:   g.Resource,
		Action:     g.Action,
		ResourceID: g.ResourceID,
		Effect:     g.Effect,
		ExpiresAt:  g.ExpiresAt,
		CreatedAt:  g.CreatedAt,
	}
}

func eventResponse(evt domain.Event) EventResponse {
	resp := EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		CycleID:    evt.CycleID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
	}
	if evt.Payload != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(evt.Payload), &payload); err == nil {
			resp.Payload = payload
		}
	}
	return resp
}

func nonNilSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
