package types

// State is the lifecycle state of a workflow instance.
type State string

// Instance states.
const (
	StateCreated          State = "CREATED"
	StateRunning          State = "RUNNING"
	StateAwaitingApproval State = "AWAITING_APPROVAL"
	StateRollingBack      State = "ROLLING_BACK"
	StateCompleted        State = "COMPLETED"
	StateRolledBack       State = "ROLLED_BACK"
	StateFailed           State = "FAILED"
)

// IsTerminal reports whether no forward transition leaves the state.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateRolledBack, StateFailed:
		return true
	default:
		return false
	}
}

// ParseState parses a state name, returning false for unknown values.
func ParseState(s string) (State, bool) {
	switch st := State(s); st {
	case StateCreated, StateRunning, StateAwaitingApproval, StateRollingBack,
		StateCompleted, StateRolledBack, StateFailed:
		return st, true
	}
	return "", false
}

// CheckpointStatus is the resolution status of an approval checkpoint.
type CheckpointStatus string

// Checkpoint statuses.
const (
	CheckpointPending  CheckpointStatus = "PENDING"
	CheckpointApproved CheckpointStatus = "APPROVED"
	CheckpointRejected CheckpointStatus = "REJECTED"
	CheckpointExpired  CheckpointStatus = "EXPIRED"
)

// Decision is a reviewer's verdict on a checkpoint.
type Decision string

// Reviewer decisions.
const (
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
)

// RollbackReason records why a rollback was started.
type RollbackReason string

// Rollback reasons. Expiry and cancellation are recorded as REJECTED.
const (
	RollbackRejected    RollbackReason = "REJECTED"
	RollbackStepFailure RollbackReason = "STEP_FAILURE"
)

// Workflow is a workflow definition.
type Workflow struct {
	ID          uint64                 `json:"id" yaml:"id"`
	Name        string                 `json:"name" yaml:"name"`
	Description string                 `json:"description,omitempty" yaml:"description,omitempty"`
	TaskType    string                 `json:"task_type,omitempty" yaml:"task_type,omitempty"`
	Priority    int                    `json:"priority,omitempty" yaml:"priority,omitempty"`
	Steps       []Step                 `json:"steps" yaml:"steps"`
	Metadata    map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Step returns the top-level step with the given ID.
func (w Workflow) Step(id string) (Step, bool) {
	for _, s := range w.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// Step is one unit of work in a workflow definition.
type Step struct {
	ID                 string                 `json:"id" yaml:"id"`
	Name               string                 `json:"name,omitempty" yaml:"name,omitempty"`
	Action             string                 `json:"action,omitempty" yaml:"action,omitempty"`
	Compensation       string                 `json:"compensation,omitempty" yaml:"compensation,omitempty"`
	RequiresApproval   bool                   `json:"requires_approval,omitempty" yaml:"requires_approval,omitempty"`
	ApprovalWhen       string                 `json:"approval_when,omitempty" yaml:"approval_when,omitempty"`
	ApprovalLevel      int                    `json:"approval_level,omitempty" yaml:"approval_level,omitempty"`
	ApprovalTimeoutSec int                    `json:"approval_timeout_sec,omitempty" yaml:"approval_timeout_sec,omitempty"` // <0 disables the deadline
	SkipWhen           string                 `json:"skip_when,omitempty" yaml:"skip_when,omitempty"`
	MaxRetries         int                    `json:"max_retries,omitempty" yaml:"max_retries,omitempty"` // 0 uses the engine default, <0 disables retries
	RetryDelaySec      int                    `json:"retry_delay_sec,omitempty" yaml:"retry_delay_sec,omitempty"`
	Branches           []Step                 `json:"branches,omitempty" yaml:"branches,omitempty"`
	Metadata           map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// IsParallel reports whether the step fans out into concurrent branches.
func (s Step) IsParallel() bool {
	return len(s.Branches) > 0
}

// CompensationDescriptor names the action that undoes a committed step.
type CompensationDescriptor struct {
	Action string `json:"action"`
}

// StepRecord is one immutable entry of an instance's execution history.
type StepRecord struct {
	StepID       string                  `json:"step_id"`
	ParentStepID string                  `json:"parent_step_id,omitempty"`
	StepIndex    int                     `json:"step_index"`
	Input        map[string]interface{}  `json:"input,omitempty"`
	Output       interface{}             `json:"output,omitempty"`
	Failed       bool                    `json:"failed,omitempty"`
	Error        string                  `json:"error,omitempty"`
	Attempts     int                     `json:"attempts"`
	ExecutedAt   int64                   `json:"executed_at"`
	Compensation *CompensationDescriptor `json:"compensation,omitempty"`
}

// DecisionRecord is the reviewer payload attached to a resolved checkpoint.
type DecisionRecord struct {
	Reviewer  string `json:"reviewer"`
	Comment   string `json:"comment,omitempty"`
	DecidedAt int64  `json:"decided_at"`
}

// ApprovalCheckpoint gates one step of one instance on a human decision.
type ApprovalCheckpoint struct {
	ID            string                 `json:"id"`
	InstanceID    uint64                 `json:"instance_id"`
	StepID        string                 `json:"step_id"`
	Status        CheckpointStatus       `json:"status"`
	ApprovalLevel int                    `json:"approval_level,omitempty"`
	RequestedAt   int64                  `json:"requested_at"`
	Deadline      int64                  `json:"deadline,omitempty"` // 0 means no deadline
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Decision      *DecisionRecord        `json:"decision,omitempty"`
}

// IsPending reports whether the checkpoint still awaits a decision.
func (c ApprovalCheckpoint) IsPending() bool {
	return c.Status == CheckpointPending
}

// Overdue reports whether a pending checkpoint's deadline is at or before now.
func (c ApprovalCheckpoint) Overdue(now int64) bool {
	return c.IsPending() && c.Deadline > 0 && c.Deadline <= now
}

// CompensationResult records one applied compensation.
type CompensationResult struct {
	StepID    string `json:"step_id"`
	StepIndex int    `json:"step_index"` // index into WorkflowInstance.Steps
	Action    string `json:"action"`
	Attempts  int    `json:"attempts"`
	AppliedAt int64  `json:"applied_at"`
}

// RollbackRecord tracks one rollback attempt. NextIndex points at the next
// history entry to compensate; -1 once every entry has been visited.
type RollbackRecord struct {
	ID            string               `json:"id"`
	InstanceID    uint64               `json:"instance_id"`
	Reason        RollbackReason       `json:"reason"`
	Detail        string               `json:"detail,omitempty"`
	Compensations []CompensationResult `json:"compensations,omitempty"`
	NextIndex     int                  `json:"next_index"`
	ResultState   State                `json:"result_state,omitempty"`
	Error         string               `json:"error,omitempty"`
	Complete      bool                 `json:"complete"`
	StartedAt     int64                `json:"started_at"`
	CompletedAt   int64                `json:"completed_at,omitempty"`
}

// WorkflowInstance is the mutable "current state" row of a running workflow.
type WorkflowInstance struct {
	ID            uint64                 `json:"id"`
	WorkflowID    uint64                 `json:"workflow_id"`
	State         State                  `json:"state"`
	Version       uint64                 `json:"version"`
	Input         map[string]interface{} `json:"input,omitempty"`
	Context       map[string]interface{} `json:"context,omitempty"`
	NextStep      int                    `json:"next_step"`
	ApprovedSteps []string               `json:"approved_steps,omitempty"`
	Steps         []StepRecord           `json:"steps,omitempty"`
	ExecutionLog  []LogEntry             `json:"execution_log,omitempty"`
	CreatedAt     int64                  `json:"created_at"`
	UpdatedAt     int64                  `json:"updated_at"`
}

// MaxExecutionLog bounds an instance's execution log; older entries are
// dropped first.
const MaxExecutionLog = 200

// LogEntry records one committed change of an instance: its state before
// and after, and why.
type LogEntry struct {
	At      int64  `json:"at"`
	Version uint64 `json:"version"`
	From    State  `json:"from,omitempty"`
	To      State  `json:"to"`
	Reason  string `json:"reason,omitempty"`
}

// AppendLog appends entry, dropping the oldest entries past MaxExecutionLog.
func (i *WorkflowInstance) AppendLog(entry LogEntry) {
	i.ExecutionLog = append(i.ExecutionLog, entry)
	if n := len(i.ExecutionLog); n > MaxExecutionLog {
		i.ExecutionLog = append([]LogEntry(nil), i.ExecutionLog[n-MaxExecutionLog:]...)
	}
}

// IsApproved reports whether the checkpoint for stepID was approved.
func (i WorkflowInstance) IsApproved(stepID string) bool {
	for _, id := range i.ApprovedSteps {
		if id == stepID {
			return true
		}
	}
	return false
}

// Snapshot is the unit read and written by the persistence gateway.
type Snapshot struct {
	Instance    WorkflowInstance     `json:"instance"`
	Checkpoints []ApprovalCheckpoint `json:"checkpoints,omitempty"`
	Rollbacks   []RollbackRecord     `json:"rollbacks,omitempty"`
}

// PendingCheckpoint returns the instance's open checkpoint, if any.
func (s Snapshot) PendingCheckpoint() (ApprovalCheckpoint, bool) {
	for _, cp := range s.Checkpoints {
		if cp.IsPending() {
			return cp, true
		}
	}
	return ApprovalCheckpoint{}, false
}

// Checkpoint finds a checkpoint of this instance by ID.
func (s Snapshot) Checkpoint(id string) (ApprovalCheckpoint, bool) {
	for _, cp := range s.Checkpoints {
		if cp.ID == id {
			return cp, true
		}
	}
	return ApprovalCheckpoint{}, false
}

// LastRollback returns the most recent rollback record, if any.
func (s Snapshot) LastRollback() (RollbackRecord, bool) {
	if len(s.Rollbacks) == 0 {
		return RollbackRecord{}, false
	}
	return s.Rollbacks[len(s.Rollbacks)-1], true
}

// Clone copies the snapshot's slices so the copy can be mutated without
// touching the original. Records are immutable and are copied by value.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Instance.Input = cloneMap(s.Instance.Input)
	out.Instance.Context = cloneMap(s.Instance.Context)
	out.Instance.ApprovedSteps = append([]string(nil), s.Instance.ApprovedSteps...)
	out.Instance.Steps = append([]StepRecord(nil), s.Instance.Steps...)
	out.Instance.ExecutionLog = append([]LogEntry(nil), s.Instance.ExecutionLog...)
	out.Checkpoints = append([]ApprovalCheckpoint(nil), s.Checkpoints...)
	out.Rollbacks = make([]RollbackRecord, len(s.Rollbacks))
	for i, rb := range s.Rollbacks {
		rb.Compensations = append([]CompensationResult(nil), rb.Compensations...)
		out.Rollbacks[i] = rb
	}
	if len(out.Rollbacks) == 0 {
		out.Rollbacks = nil
	}
	return out
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
