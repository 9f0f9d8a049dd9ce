// Package types defines the shared data model for the orchestration engine:
// turns, tasks, proposed actions, route requests, and adapter descriptors.
// Everything here is plain data; behavior lives in the owning subsystems.
package types

import "time"

// =============================================================================
// IDENTITIES
// =============================================================================

// Identity names a conversation participant. The set is closed: the human
// user, the two agent roles, and the synthetic system author used for
// failure and audit turns.
type Identity string

const (
	IdentityUser      Identity = "user"
	IdentityChinga    Identity = "chinga_bava"    // project-manager role
	IdentityTanganaka Identity = "tanganaka_san"  // developer role
	IdentitySystem    Identity = "system"         // engine-emitted turns
)

// KnownIdentity reports whether id is a valid turn author.
func KnownIdentity(id Identity) bool {
	switch id {
	case IdentityUser, IdentityChinga, IdentityTanganaka, IdentitySystem:
		return true
	}
	return false
}

// AgentIdentity reports whether id is one of the agent roles.
func AgentIdentity(id Identity) bool {
	return id == IdentityChinga || id == IdentityTanganaka
}

// =============================================================================
// TURNS
// =============================================================================

// TurnDraft is the caller-supplied portion of a turn. The Conversation Log
// assigns the sequence number and timestamp on append.
type TurnDraft struct {
	Author           Identity
	Text             string
	InReplyTo        uint64 // 0 = not a reply
	ProposedActionID string // set when the turn carries a gated action
}

// Turn is one immutable message in a session's conversation. Owned by the
// Conversation Log; never edited after append, only referenced.
type Turn struct {
	SessionID        string    `json:"session_id"`
	Seq              uint64    `json:"seq"`
	Author           Identity  `json:"author"`
	Text             string    `json:"text"`
	Timestamp        time.Time `json:"timestamp"`
	InReplyTo        uint64    `json:"in_reply_to,omitempty"`
	ProposedActionID string    `json:"proposed_action_id,omitempty"`
}

// Chunk is one streamed fragment of an in-flight agent response, tagged with
// the sequence number of the turn that prompted it so subscribers can
// attribute partial output before the final turn is appended.
type Chunk struct {
	RequestID string `json:"request_id"`
	ParentSeq uint64 `json:"parent_seq"`
	Index     int    `json:"index"`
	Text      string `json:"text"`
	Final     bool   `json:"final"`
}

// =============================================================================
// TASKS
// =============================================================================

// TaskStatus is the lifecycle state of a task on the Task Board.
type TaskStatus string

const (
	TaskProposed   TaskStatus = "proposed"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskBlocked    TaskStatus = "blocked"
	TaskReview     TaskStatus = "review"
	TaskDone       TaskStatus = "done"
	TaskRejected   TaskStatus = "rejected"
)

// Task is a structured work item derived from agent turns. Mutated only via
// Task Board transitions, never directly by a backend adapter.
type Task struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	CreatedBy   Identity   `json:"created_by"`
	AssignedTo  Identity   `json:"assigned_to,omitempty"`
	TurnRefs    []uint64   `json:"turn_refs"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// =============================================================================
// PROPOSED ACTIONS
// =============================================================================

// ActionKind categorizes the effect an agent wants to perform.
type ActionKind string

const (
	ActionNone         ActionKind = "none"
	ActionFileWrite    ActionKind = "file_write"
	ActionApplyDiff    ActionKind = "apply_diff"
	ActionRepoPush     ActionKind = "repo_push"
	ActionRepoMerge    ActionKind = "repo_merge"
	ActionSecretAccess ActionKind = "secret_access"
)

// Classification is the safety class assigned by the Action Gate.
type Classification string

const (
	ClassSafe        Classification = "safe"
	ClassDestructive Classification = "destructive"
)

// ApprovalState is the decision state of a proposed action.
type ApprovalState string

const (
	ApprovalPending  ApprovalState = "pending"
	ApprovalApproved ApprovalState = "approved"
	ApprovalRejected ApprovalState = "rejected"
	ApprovalExpired  ApprovalState = "expired"
)

// ActionPayload describes the target of a proposed action. The engine never
// holds secret material: CredentialHandle is an opaque reference resolved by
// the external secret store.
type ActionPayload struct {
	Path             string `json:"path,omitempty"`
	Diff             string `json:"diff,omitempty"`
	Target           string `json:"target,omitempty"`
	InsideSandbox    bool   `json:"inside_sandbox,omitempty"`
	TrackedFile      bool   `json:"tracked_file,omitempty"`
	CredentialHandle string `json:"credential_handle,omitempty"`
}

// ProposedAction is a state-changing effect gated behind approval when
// destructive. Created by the Orchestrator while interpreting an agent turn;
// resolved when State leaves pending.
type ProposedAction struct {
	ID             string         `json:"id"`
	SessionID      string         `json:"session_id"`
	Kind           ActionKind     `json:"kind"`
	Payload        ActionPayload  `json:"payload"`
	Classification Classification `json:"classification"`
	State          ApprovalState  `json:"state"`
	ProposedBy     Identity       `json:"proposed_by"`
	TurnSeq        uint64         `json:"turn_seq"`
	CreatedAt      time.Time      `json:"created_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
	DecidedAt      time.Time      `json:"decided_at,omitempty"`
	Executed       bool           `json:"executed"`
	Result         string         `json:"result,omitempty"`
}

// =============================================================================
// ROUTING
// =============================================================================

// PrivacyTier classifies a backend as on-device or networked.
type PrivacyTier string

const (
	TierLocal  PrivacyTier = "local"
	TierRemote PrivacyTier = "remote"
)

// AdapterHealth is the last self-reported health of a backend adapter.
type AdapterHealth string

const (
	HealthHealthy     AdapterHealth = "healthy"
	HealthDegraded    AdapterHealth = "degraded"
	HealthUnavailable AdapterHealth = "unavailable"
)

// CapabilityProfile describes what a backend adapter can do.
type CapabilityProfile struct {
	MaxContextTokens int     `json:"max_context_tokens"`
	TokensPerSecond  float64 `json:"tokens_per_second"`
	Streaming        bool    `json:"streaming"`
	// CostPerMTok is the estimated cost per million tokens, in arbitrary
	// units. Local adapters report 0.
	CostPerMTok float64 `json:"cost_per_mtok"`
}

// AdapterDescriptor is the router's view of one registered backend. Kept
// in-memory only; rebuilt from adapter registration on process start.
type AdapterDescriptor struct {
	ID         string            `json:"id"`
	Tier       PrivacyTier       `json:"tier"`
	Profile    CapabilityProfile `json:"profile"`
	Health     AdapterHealth     `json:"health"`
	LastReport time.Time         `json:"last_report"`
}

// Payload is the prompt material for one inference call.
type Payload struct {
	SystemPrompt string
	UserPrompt   string
}

// RouteRequest asks the router for an adapter satisfying a capability
// profile. Ephemeral; never persisted.
type RouteRequest struct {
	SessionID        string
	MinContextTokens int
	RequireStreaming bool
	LocalOnly        bool
	Payload          Payload
	// Exclude lists adapter IDs already tried this request window, so a
	// fallback re-selection skips the failed adapter.
	Exclude []string
}

// Excluded reports whether adapter id is on the request's exclusion list.
func (r RouteRequest) Excluded(id string) bool {
	for _, e := range r.Exclude {
		if e == id {
			return true
		}
	}
	return false
}
