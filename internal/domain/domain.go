package domain

import (
	"errors"
	"time"
)

// Shared by every store implementation.
var (
	ErrNotFound        = errors.New("not found")
	ErrRecordPermanent = errors.New("succeeded records are permanent")
)

type ObservationKind string

const (
	ObservationChannel ObservationKind = "channel"
	ObservationMessage ObservationKind = "message"
)

// Observation is one record fetched from the platform. Exactly one of
// Channel or Message is set, matching Kind.
type Observation struct {
	SourceID   string          `json:"source_id"`
	Kind       ObservationKind `json:"kind" enum:"channel,message"`
	Channel    *Channel        `json:"channel,omitempty"`
	Message    *Message        `json:"message,omitempty"`
	ObservedAt time.Time       `json:"observed_at"`
}

type Channel struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	IsPrivate   bool      `json:"is_private"`
	IsArchived  bool      `json:"is_archived"`
	MemberCount int       `json:"member_count,omitempty"`
	Created     time.Time `json:"created"`
}

type Message struct {
	ChannelID   string    `json:"channel_id"`
	ChannelName string    `json:"channel_name,omitempty"`
	TS          string    `json:"ts"`
	ThreadTS    string    `json:"thread_ts,omitempty"`
	User        string    `json:"user,omitempty"`
	UserName    string    `json:"user_name,omitempty"`
	Text        string    `json:"text"`
	PostedAt    time.Time `json:"posted_at"`
}

// ChannelObservation wraps a channel as an observation keyed by its id.
func ChannelObservation(ch Channel, at time.Time) Observation {
	return Observation{SourceID: ch.ID, Kind: ObservationChannel, Channel: &ch, ObservedAt: at}
}

// MessageObservation wraps a message as an observation keyed by channel:ts.
func MessageObservation(m Message, at time.Time) Observation {
	return Observation{SourceID: m.ChannelID + ":" + m.TS, Kind: ObservationMessage, Message: &m, ObservedAt: at}
}

type ActionKind string

const (
	ActionSendMessage    ActionKind = "send_message"
	ActionArchiveChannel ActionKind = "archive_channel"
	ActionReplyThread    ActionKind = "reply_thread"
)

func (k ActionKind) Valid() bool {
	switch k {
	case ActionSendMessage, ActionArchiveChannel, ActionReplyThread:
		return true
	}
	return false
}

// CandidateAction is a proposed write. ActionKey identifies the triggering
// observation and kind; it never depends on Content.
type CandidateAction struct {
	ActionKey string     `json:"action_key"`
	Kind      ActionKind `json:"kind" enum:"send_message,archive_channel,reply_thread"`
	Target    string     `json:"target"`
	ThreadTS  string     `json:"thread_ts,omitempty"`
	Content   string     `json:"content,omitempty"`
	Job       string     `json:"job,omitempty"`
}

type DispatchStatus string

const (
	StatusSucceeded       DispatchStatus = "succeeded"
	StatusPendingApproval DispatchStatus = "pending_approval"
	StatusFailed          DispatchStatus = "failed"
)

func (s DispatchStatus) Valid() bool {
	switch s {
	case StatusSucceeded, StatusPendingApproval, StatusFailed:
		return true
	}
	return false
}

// DispatchOutcome is the writer's answer for one candidate.
type DispatchOutcome struct {
	ActionKey    string         `json:"action_key"`
	Status       DispatchStatus `json:"status" enum:"succeeded,pending_approval,failed"`
	ErrorDetail  string         `json:"error_detail,omitempty"`
	DispatchedAt time.Time      `json:"dispatched_at"`
}

func Succeeded(key string, at time.Time) DispatchOutcome {
	return DispatchOutcome{ActionKey: key, Status: StatusSucceeded, DispatchedAt: at}
}

func Pending(key string, at time.Time) DispatchOutcome {
	return DispatchOutcome{ActionKey: key, Status: StatusPendingApproval, DispatchedAt: at}
}

// Failed builds a failed outcome; an empty detail is replaced so the
// failed-implies-detail rule always holds.
func Failed(key, detail string, at time.Time) DispatchOutcome {
	if detail == "" {
		detail = "unknown error"
	}
	return DispatchOutcome{ActionKey: key, Status: StatusFailed, ErrorDetail: detail, DispatchedAt: at}
}

// IdempotencyRecord is the durable result of the latest dispatch attempt for a key.
type IdempotencyRecord struct {
	ActionKey     string         `json:"action_key"`
	Kind          ActionKind     `json:"kind"`
	Target        string         `json:"target"`
	Status        DispatchStatus `json:"status" enum:"succeeded,pending_approval,failed"`
	ErrorDetail   string         `json:"error_detail,omitempty"`
	Attempts      int            `json:"attempts"`
	CreatedAt     time.Time      `json:"created_at"`
	LastAttemptAt time.Time      `json:"last_attempt_at"`
}

// RecordFilter selects records for operator listings. Limit <= 0 means the
// store default.
type RecordFilter struct {
	Status string
	Prefix string
	Limit  int
}

// RecordFor converts an outcome into the record written after dispatch.
func RecordFor(c CandidateAction, o DispatchOutcome) IdempotencyRecord {
	return IdempotencyRecord{
		ActionKey:     c.ActionKey,
		Kind:          c.Kind,
		Target:        c.Target,
		Status:        o.Status,
		ErrorDetail:   o.ErrorDetail,
		LastAttemptAt: o.DispatchedAt,
	}
}

type ClaimVerdict string

const (
	ClaimGranted       ClaimVerdict = "claimed"
	ClaimSkipSucceeded ClaimVerdict = "skip_succeeded"
	ClaimSkipCooldown  ClaimVerdict = "skip_cooldown"
	ClaimSkipFailed    ClaimVerdict = "skip_failed"
	ClaimSkipInFlight  ClaimVerdict = "skip_in_flight"
)

// ClaimPolicy carries the parameters of an atomic check-and-claim.
type ClaimPolicy struct {
	Owner           string
	Now             time.Time
	TTL             time.Duration
	PendingCooldown time.Duration
	RetryFailed     bool
}

// Verdict classifies an existing record under the policy without touching claims.
func (p ClaimPolicy) Verdict(rec IdempotencyRecord) ClaimVerdict {
	switch rec.Status {
	case StatusSucceeded:
		return ClaimSkipSucceeded
	case StatusPendingApproval:
		if p.Now.Sub(rec.LastAttemptAt) < p.PendingCooldown {
			return ClaimSkipCooldown
		}
	case StatusFailed:
		if !p.RetryFailed {
			return ClaimSkipFailed
		}
	}
	return ClaimGranted
}

type TriggerKind string

const (
	TriggerStaleChannel TriggerKind = "stale_channel"
	TriggerMention      TriggerKind = "mention"
	TriggerDigest       TriggerKind = "digest"
)

// Trigger is a classified observation that warrants an action.
type Trigger struct {
	Kind    TriggerKind `json:"kind"`
	Job     string      `json:"job"`
	Channel *Channel    `json:"channel,omitempty"`
	Message *Message    `json:"message,omitempty"`
	Digest  *Digest     `json:"digest,omitempty"`

	// LastActivity is zero when the channel has no messages at all.
	LastActivity time.Time     `json:"last_activity,omitempty"`
	Threshold    time.Duration `json:"threshold,omitempty"`
}

type Digest struct {
	PostTo      string            `json:"post_to"`
	WindowStart time.Time         `json:"window_start"`
	WindowEnd   time.Time         `json:"window_end"`
	Channels    []ChannelActivity `json:"channels"`
}

type ChannelActivity struct {
	Channel      string   `json:"channel"`
	Messages     int      `json:"messages"`
	Participants []string `json:"participants"`
}

type ReadError struct {
	Source string `json:"source"`
	Reason string `json:"reason"`
}

type RunOutcome string

const (
	RunCompleted        RunOutcome = "completed"
	RunStoreUnavailable RunOutcome = "store_unavailable"
	RunCancelled        RunOutcome = "cancelled"
)

// RunSummary aggregates one cycle. Every failure kind has its own counter.
type RunSummary struct {
	RunID            string            `json:"run_id"`
	StartedAt        time.Time         `json:"started_at"`
	FinishedAt       time.Time         `json:"finished_at"`
	Outcome          RunOutcome        `json:"outcome" enum:"completed,store_unavailable,cancelled"`
	FinalState       string            `json:"final_state"`
	DryRun           bool              `json:"dry_run,omitempty"`
	Observations     int               `json:"observations"`
	Candidates       int               `json:"candidates"`
	Attempted        int               `json:"attempted"`
	Succeeded        int               `json:"succeeded"`
	Pending          int               `json:"pending"`
	Failed           int               `json:"failed"`
	SkippedDuplicate int               `json:"skipped_duplicate"`
	SkippedCooldown  int               `json:"skipped_cooldown"`
	SkippedFailed    int               `json:"skipped_failed"`
	SkippedInFlight  int               `json:"skipped_in_flight"`
	NotDispatched    int               `json:"not_dispatched"`
	StoreErrors      int               `json:"store_errors"`
	ReadErrors       []ReadError       `json:"read_errors"`
	Outcomes         []DispatchOutcome `json:"outcomes,omitempty"`
	Planned          []CandidateAction `json:"planned,omitempty"`
}

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExecuted ApprovalStatus = "executed"
)

// Approval is a queued human decision for one gated action.
type Approval struct {
	ActionKey   string         `json:"action_key"`
	Kind        ActionKind     `json:"kind"`
	Target      string         `json:"target"`
	ThreadTS    string         `json:"thread_ts,omitempty"`
	Content     string         `json:"content,omitempty"`
	Description string         `json:"description"`
	Status      ApprovalStatus `json:"status" enum:"pending,approved,rejected,executed"`
	DecidedBy   string         `json:"decided_by,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	RequestedAt time.Time      `json:"requested_at"`
	DecidedAt   *time.Time     `json:"decided_at,omitempty"`
}

// Action rebuilds the candidate that was queued.
func (a Approval) Action() CandidateAction {
	return CandidateAction{ActionKey: a.ActionKey, Kind: a.Kind, Target: a.Target, ThreadTS: a.ThreadTS, Content: a.Content}
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json,omitempty"`
}

// RunRecord is a persisted RunSummary.
type RunRecord struct {
	RunID      string     `json:"run_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
	Outcome    RunOutcome `json:"outcome"`
	Succeeded  int        `json:"succeeded"`
	Pending    int        `json:"pending"`
	Failed     int        `json:"failed"`
	ReadErrors int        `json:"read_errors"`
	Summary    RunSummary `json:"summary"`
}

// APIKey authenticates an operator against the HTTP API. Only the hash of
// the secret is stored.
type APIKey struct {
	ID          string    `json:"id"`
	ActorID     string    `json:"actor_id"`
	Name        string    `json:"name,omitempty"`
	KeyHash     string    `json:"-"`
	Permissions []string  `json:"permissions"`
	CreatedAt   time.Time `json:"created_at"`
}
