// Package model defines the relational audit-trail row types (spec §3, §6):
// runs, nodes, edges, rows, tokens, node_states, routing_events,
// external_calls, and checkpoints.
package model

import "time"

type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
)

type NodeType string

const (
	NodeSource      NodeType = "source"
	NodeTransform   NodeType = "transform"
	NodeGate        NodeType = "gate"
	NodeAggregation NodeType = "aggregation"
	NodeCoalesce    NodeType = "coalesce"
	NodeSink        NodeType = "sink"
)

type Determinism string

const (
	Deterministic    Determinism = "DETERMINISTIC"
	NonDeterministic Determinism = "NON_DETERMINISTIC"
	IORead           Determinism = "IO_READ"
	IOWrite          Determinism = "IO_WRITE"
)

type RoutingMode string

const (
	ModeMove   RoutingMode = "MOVE"
	ModeCopy   RoutingMode = "COPY"
	ModeDivert RoutingMode = "DIVERT"
)

type NodeStateStatus string

const (
	StateOpen      NodeStateStatus = "OPEN"
	StateCompleted NodeStateStatus = "COMPLETED"
	StateFailed    NodeStateStatus = "FAILED"
	StatePending   NodeStateStatus = "PENDING"
)

// Run is the top-level record for one pipeline execution.
type Run struct {
	RunID               string     `db:"run_id"`
	StartedAt           time.Time  `db:"started_at"`
	CompletedAt         *time.Time `db:"completed_at"`
	ConfigHash          string     `db:"config_hash"`
	SettingsJSON        string     `db:"settings_json"`
	CanonicalVersion    string     `db:"canonical_version"`
	Status              RunStatus  `db:"status"`
	SourceSchemaJSON    *string    `db:"source_schema_json"`
	SchemaContractJSON  *string    `db:"schema_contract_json"`
	SchemaContractHash  *string    `db:"schema_contract_hash"`
	ExportStatus        *string    `db:"export_status"`
}

// Node is a typed vertex of the execution graph, scoped to one run. Per
// spec §3, a node_id may be reused across runs — every join against this
// table MUST include run_id.
type Node struct {
	NodeID          string      `db:"node_id"`
	RunID           string      `db:"run_id"`
	PluginName      string      `db:"plugin_name"`
	NodeType        NodeType    `db:"node_type"`
	PluginVersion   string      `db:"plugin_version"`
	Determinism     Determinism `db:"determinism"`
	ConfigHash      string      `db:"config_hash"`
	ConfigJSON      string      `db:"config_json"`
	RegisteredAt    time.Time   `db:"registered_at"`
	SchemaContract  *string     `db:"schema_contract_json"`
}

// Edge is one directed, labeled connection between two nodes of a run.
// Multiple edges with distinct labels between the same ordered node pair
// are expected and required (spec §3).
type Edge struct {
	EdgeID      string      `db:"edge_id"`
	RunID       string      `db:"run_id"`
	FromNodeID  string      `db:"from_node_id"`
	ToNodeID    string      `db:"to_node_id"`
	Label       string      `db:"label"`
	DefaultMode RoutingMode `db:"default_mode"`
	CreatedAt   time.Time   `db:"created_at"`
}

// Row is one record produced by a source at a given row_index.
type Row struct {
	RowID          string    `db:"row_id"`
	RunID          string    `db:"run_id"`
	SourceNodeID   string    `db:"source_node_id"`
	RowIndex       int64     `db:"row_index"`
	SourceDataHash string    `db:"source_data_hash"`
	SourceDataRef  *string   `db:"source_data_ref"`
	CreatedAt      time.Time `db:"created_at"`
}

// Token is one row instance flowing through the graph. TokenID is
// immutable and terminal outcomes are final once recorded.
type Token struct {
	TokenID       string    `db:"token_id"`
	RowID         string    `db:"row_id"`
	ParentTokenID *string   `db:"parent_token_id"`
	BranchName    *string   `db:"branch_name"`
	CreatedAt     time.Time `db:"created_at"`
}

// NodeState is a per-(token, node, attempt) execution record.
type NodeState struct {
	StateID         string          `db:"state_id"`
	TokenID         string          `db:"token_id"`
	NodeID          string          `db:"node_id"`
	RunID           string          `db:"run_id"`
	StepIndex       int             `db:"step_index"`
	Attempt         int             `db:"attempt"`
	Status          NodeStateStatus `db:"status"`
	InputHash       string          `db:"input_hash"`
	ContextBefore   *string         `db:"context_before_json"`
	OutputHash      *string         `db:"output_hash"`
	ErrorJSON       *string         `db:"error_json"`
	SuccessReason   *string         `db:"success_reason_json"`
	ContextAfter    *string         `db:"context_after_json"`
	DurationMs      *int64          `db:"duration_ms"`
	StartedAt       time.Time       `db:"started_at"`
	CompletedAt     *time.Time      `db:"completed_at"`
}

// RoutingEvent is one emitted edge decision tied to a NodeState. Events
// emitted as a single logical decision share RoutingGroupID and carry
// sequential Ordinal values starting at 0.
type RoutingEvent struct {
	EventID        string      `db:"event_id"`
	StateID        string      `db:"state_id"`
	EdgeID         string      `db:"edge_id"`
	RoutingGroupID string      `db:"routing_group_id"`
	Ordinal        int         `db:"ordinal"`
	Mode           RoutingMode `db:"mode"`
	ReasonHash     *string     `db:"reason_hash"`
	ReasonRef      *string     `db:"reason_ref"`
	CreatedAt      time.Time   `db:"created_at"`
}

// ExternalCall is one side-effecting invocation (LLM, HTTP, etc.) tied to a
// NodeState.
type ExternalCall struct {
	CallID       string    `db:"call_id"`
	StateID      string    `db:"state_id"`
	CallIndex    int       `db:"call_index"`
	CallType     string    `db:"call_type"`
	Status       string    `db:"status"`
	RequestHash  string    `db:"request_hash"`
	RequestRef   *string   `db:"request_ref"`
	ResponseHash string    `db:"response_hash"`
	ResponseRef  *string   `db:"response_ref"`
	Retries      int       `db:"retries"`
	CreatedAt    time.Time `db:"created_at"`
}

// Checkpoint asserts that everything up to TokenID, through NodeID, has
// been durably persisted. SequenceNumber is monotonic per run.
type Checkpoint struct {
	CheckpointID          string    `db:"checkpoint_id"`
	RunID                 string    `db:"run_id"`
	TokenID               string    `db:"token_id"`
	NodeID                string    `db:"node_id"`
	SequenceNumber        int64     `db:"sequence_number"`
	TopologyHash          string    `db:"topology_hash"`
	ConfigHash            string    `db:"config_hash"`
	FormatVersion         int       `db:"format_version"`
	AggregationStateJSON  *string   `db:"aggregation_state_json"`
	CreatedAt             time.Time `db:"created_at"`
}

// TokenOutcome enumerates the union type from spec §4.10. The orchestrator's
// counters must reflect exactly these states with no overlap or ambiguity.
type TokenOutcome string

const (
	OutcomeCompleted      TokenOutcome = "COMPLETED"
	OutcomeRouted         TokenOutcome = "ROUTED"
	OutcomeFailed         TokenOutcome = "FAILED"
	OutcomeQuarantined    TokenOutcome = "QUARANTINED"
	OutcomeForked         TokenOutcome = "FORKED"
	OutcomeConsumedInBatch TokenOutcome = "CONSUMED_IN_BATCH"
	OutcomeCoalesced      TokenOutcome = "COALESCED"
	OutcomeExpanded       TokenOutcome = "EXPANDED"
	OutcomeBuffered       TokenOutcome = "BUFFERED"
)

// ProgressEvent is the externally-visible progress struct from spec §6.
type ProgressEvent struct {
	RowsProcessed    int64   `json:"rows_processed"`
	RowsSucceeded    int64   `json:"rows_succeeded"`
	RowsFailed       int64   `json:"rows_failed"`
	RowsQuarantined  int64   `json:"rows_quarantined"`
	ElapsedSeconds   float64 `json:"elapsed_seconds"`
}
