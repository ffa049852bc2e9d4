package domain

type Cycle struct {
	ID          string `json:"id"`
	LOBID       string `json:"lob_id"`
	Quarter     string `json:"quarter"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Report struct {
	ID        string `json:"id"`
	CycleID   string `json:"cycle_id"`
	Name      string `json:"name"`
	OwnerID   string `json:"owner_id,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Actor is supplied per request by the auth layer; the engine never mutates it.
type Actor struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles,omitempty"`
	LOBID string   `json:"lob_id,omitempty"`
}

// Permission is a (resource, action) pair, e.g. (phases, transition).
type Permission struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

func (p Permission) String() string {
	return p.Resource + ":" + p.Action
}

type Role struct {
	ID          string       `json:"id"`
	Description string       `json:"description,omitempty"`
	Permissions []Permission `json:"permissions,omitempty"`
}

// ResourceGrant overrides role-derived permissions for one concrete
// resource instance. An unexpired deny always wins.
type ResourceGrant struct {
	ID         string  `json:"id"`
	ActorID    string  `json:"actor_id"`
	Resource   string  `json:"resource"`
	Action     string  `json:"action"`
	ResourceID string  `json:"resource_id"`
	Effect     string  `json:"effect" enum:"allow,deny"`
	ExpiresAt  *string `json:"expires_at,omitempty" format:"date-time"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

type PhaseInstance struct {
	ID          string  `json:"id"`
	CycleID     string  `json:"cycle_id"`
	ReportID    string  `json:"report_id"`
	Kind        string  `json:"kind" enum:"planning,scoping,data_provider_id,sample_selection,request_for_information,testing_execution,observation_management"`
	State       string  `json:"state" enum:"not_started,in_progress,submitted,approved,rejected,completed"`
	Version     int64   `json:"version"`
	Deadline    *string `json:"deadline,omitempty" format:"date-time"`
	PayloadJSON *string `json:"payload_json,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

// SLAClock exists only while its phase instance is waiting on an
// external actor. Level only ever goes up; resolution deletes the row.
type SLAClock struct {
	PhaseInstanceID  string `json:"phase_instance_id"`
	Chain            string `json:"chain"`
	ArmedAt          string `json:"armed_at" format:"date-time"`
	ThresholdSeconds int64  `json:"threshold_seconds"`
	Level            int    `json:"level"`
	UpdatedAt        string `json:"updated_at" format:"date-time"`
}

type EscalationEvent struct {
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

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	CycleID    string `json:"cycle_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
