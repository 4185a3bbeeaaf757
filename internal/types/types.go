package types

// PromptType classifies what kind of input the child process is waiting for.
type PromptType string

const (
	PromptYesNo          PromptType = "yes_no"
	PromptConfirmEnter   PromptType = "confirm_enter"
	PromptMultipleChoice PromptType = "multiple_choice"
	PromptFreeText       PromptType = "free_text"
	PromptUnknown        PromptType = "unknown"
)

// Confidence grades how sure the detector is that output is a real prompt.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Rank orders confidence levels for threshold comparisons.
func (c Confidence) Rank() int {
	switch c {
	case ConfidenceHigh:
		return 3
	case ConfidenceMedium:
		return 2
	case ConfidenceLow:
		return 1
	}
	return 0
}

// PromptStatus is the lifecycle state of a prompt.
type PromptStatus string

const (
	StatusCreated       PromptStatus = "created"
	StatusRouted        PromptStatus = "routed"
	StatusAwaitingReply PromptStatus = "awaiting_reply"
	StatusReplyReceived PromptStatus = "reply_received"
	StatusInjected      PromptStatus = "injected"
	StatusResolved      PromptStatus = "resolved"
	StatusExpired       PromptStatus = "expired"
	StatusCanceled      PromptStatus = "canceled"
	StatusFailed        PromptStatus = "failed"
)

// SessionStatus is the lifecycle state of a supervised session.
type SessionStatus string

const (
	SessionRunning SessionStatus = "running"
	SessionEnded   SessionStatus = "ended"
	SessionCrashed SessionStatus = "crashed"
)

// ReplySource records where a reply value came from.
type ReplySource string

const (
	SourceChannel ReplySource = "channel"
	SourcePolicy  ReplySource = "policy"
	SourceExpiry  ReplySource = "expiry"
)

// Session represents one supervised child process.
type Session struct {
	SessionID string        `json:"session_id"`
	Tool      string        `json:"tool"`
	Cwd       string        `json:"cwd"`
	Label     string        `json:"label,omitempty"`
	Tags      []string      `json:"tags,omitempty"`
	PID       int           `json:"pid"`
	Status    SessionStatus `json:"status"`
	StartedAt int64         `json:"started_at"`
	EndedAt   *int64        `json:"ended_at,omitempty"`
	ExitCode  *int          `json:"exit_code,omitempty"`
}

// Choice is one selectable option of a multiple_choice prompt.
type Choice struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

// PromptEvent represents a detected prompt awaiting an answer.
type PromptEvent struct {
	PromptID       string       `json:"prompt_id"`
	SessionID      string       `json:"session_id"`
	Type           PromptType   `json:"type"`
	Confidence     Confidence   `json:"confidence"`
	Excerpt        string       `json:"excerpt"`
	Choices        []Choice     `json:"choices,omitempty"`
	MaxLength      int          `json:"max_length,omitempty"`
	AllowedChoices []string     `json:"allowed_choices,omitempty"`
	Nonce          string       `json:"nonce"`
	NonceUsed      bool         `json:"nonce_used"`
	SafeDefault    string       `json:"safe_default,omitempty"`
	Status         PromptStatus `json:"status"`
	IdempotencyKey string       `json:"idempotency_key"`
	Channel        string       `json:"channel,omitempty"`
	ChannelMsgID   string       `json:"channel_msg_id,omitempty"`
	Responder      string       `json:"responder,omitempty"`
	CreatedAt      int64        `json:"created_at"`
	ExpiresAt      int64        `json:"expires_at"`
	DecidedAt      *int64       `json:"decided_at,omitempty"`
}

// ShortID returns the 8-character prefix used in callback data.
func (p *PromptEvent) ShortID() string {
	if len(p.PromptID) < 8 {
		return p.PromptID
	}
	return p.PromptID[:8]
}

// Reply represents an answer bound for injection into the child.
type Reply struct {
	ReplyID    string      `json:"reply_id"`
	PromptID   string      `json:"prompt_id"`
	SessionID  string      `json:"session_id"`
	RawValue   string      `json:"raw_value"`
	Normalized []byte      `json:"normalized"`
	Source     ReplySource `json:"source"`
	Responder  string      `json:"responder,omitempty"`
	ReceivedAt int64       `json:"received_at"`
	InjectedAt *int64      `json:"injected_at,omitempty"`
}

// AuditEvent is one hash-chained record of the audit log.
// Field order is the canonical serialisation order; Hash is computed over
// the record serialised with Hash empty and is excluded from its own input.
type AuditEvent struct {
	Seq       int64          `json:"seq"`
	TS        string         `json:"ts"`
	Event     string         `json:"event"`
	SessionID string         `json:"session_id,omitempty"`
	PromptID  string         `json:"prompt_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"hash"`
}

// Audit event names.
const (
	EventSessionStarted       = "session_started"
	EventSessionEnded         = "session_ended"
	EventPromptDetected       = "prompt_detected"
	EventPromptRouted         = "prompt_routed"
	EventReplyReceived        = "reply_received"
	EventResponseInjected     = "response_injected"
	EventPromptExpired        = "prompt_expired"
	EventPromptCanceled       = "prompt_canceled"
	EventPromptFailed         = "prompt_failed"
	EventDuplicateCallback    = "duplicate_callback_ignored"
	EventLateReplyRejected    = "late_reply_rejected"
	EventInvalidCallback      = "invalid_callback"
	EventChannelTransportFail = "channel_transport_failed"
	EventDaemonRestarted      = "daemon_restarted"
	EventPolicyLoaded         = "policy_loaded"
	EventAutopilotDecided     = "autopilot_decided"
)

// SessionRow is a raw database row representation of a session.
type SessionRow struct {
	SessionID string
	Tool      string
	Cwd       string
	Label     *string
	Tags      *string
	PID       int
	Status    SessionStatus
	StartedAt int64
	EndedAt   *int64
	ExitCode  *int
}

// PromptRow is a raw database row representation of a prompt.
type PromptRow struct {
	PromptID       string
	SessionID      string
	Type           PromptType
	Confidence     Confidence
	Excerpt        string
	Choices        *string
	MaxLength      *int
	AllowedChoices *string
	Nonce          string
	NonceUsed      bool
	SafeDefault    *string
	Status         PromptStatus
	IdempotencyKey string
	Channel        *string
	ChannelMsgID   *string
	Responder      *string
	CreatedAt      int64
	ExpiresAt      int64
	DecidedAt      *int64
}
