// Package schema defines Cloudlet's external wire types: the job
// descriptor accepted by the orchestrator, the execution frames streamed
// back to callers, the agent RPC types, and the error taxonomy used to
// report terminal failures on a response stream.
package schema

import "fmt"

// Language is a tagged variant over the closed set of supported guest
// runtimes. Wire encoding is an integer tag; an unknown tag is a hard
// validation error.
type Language int32

const (
	LanguageRust Language = iota
	LanguagePython
	LanguageNode
)

// String returns the lowercase runtime name used in ExecuteRequest and in
// the per-language initramfs path.
func (l Language) String() string {
	switch l {
	case LanguageRust:
		return "rust"
	case LanguagePython:
		return "python"
	case LanguageNode:
		return "node"
	default:
		return ""
	}
}

// Valid reports whether l is one of the known tags.
func (l Language) Valid() bool {
	switch l {
	case LanguageRust, LanguagePython, LanguageNode:
		return true
	default:
		return false
	}
}

// ParseLanguage recovers a Language from its wire string name. It is the
// inverse of Language.String, used for the round-trip identity tag ->
// string -> tag.
func ParseLanguage(s string) (Language, error) {
	switch s {
	case "rust":
		return LanguageRust, nil
	case "python":
		return LanguagePython, nil
	case "node":
		return LanguageNode, nil
	default:
		return 0, fmt.Errorf("schema: unknown language name %q", s)
	}
}

// LogLevel is forwarded to the guest as configuration; it has no
// host-side semantics beyond passthrough.
type LogLevel string

const (
	LogLevelError LogLevel = "error"
	LogLevelWarn  LogLevel = "warn"
	LogLevelInfo  LogLevel = "info"
	LogLevelDebug LogLevel = "debug"
	LogLevelTrace LogLevel = "trace"
)

// Valid reports whether lvl is one of the known levels. The zero value
// (empty string) is accepted; NewExecuteRequest passes it through
// unchanged, so it is omitted from the request sent to the agent.
func (lvl LogLevel) Valid() bool {
	switch lvl {
	case "", LogLevelError, LogLevelWarn, LogLevelInfo, LogLevelDebug, LogLevelTrace:
		return true
	default:
		return false
	}
}

// JobDescriptor is the input to the orchestrator's Run operation.
//
// Invariant: Code and Env are always fully materialized in memory before
// VM launch; the orchestrator never streams code into the guest.
type JobDescriptor struct {
	WorkloadName string   `json:"workload_name"`
	Language     Language `json:"language"`
	Code         string   `json:"code"`
	Env          string   `json:"env"`
	LogLevel     LogLevel `json:"log_level"`
}

// MaxCodeBytes is the default upper bound on JobDescriptor.Code.
const MaxCodeBytes = 1 << 20 // 1 MiB

// Validate checks the boundary behaviors named in the specification:
// unknown language tags and empty required fields are rejected before any
// side effect.
func (j JobDescriptor) Validate() error {
	if !j.Language.Valid() {
		return NewError(ErrValidation, fmt.Errorf("unknown language tag %d", j.Language))
	}
	if j.WorkloadName == "" {
		return NewError(ErrValidation, fmt.Errorf("workload_name is required"))
	}
	if j.Code == "" {
		return NewError(ErrValidation, fmt.Errorf("code is required"))
	}
	if j.Env == "" {
		return NewError(ErrValidation, fmt.Errorf("env is required"))
	}
	if len(j.Code) > MaxCodeBytes {
		return NewError(ErrValidation, fmt.Errorf("code exceeds max size of %d bytes", MaxCodeBytes))
	}
	if !j.LogLevel.Valid() {
		return NewError(ErrValidation, fmt.Errorf("unknown log_level %q", j.LogLevel))
	}
	return nil
}

// ExecutionFrame is one element of the orchestrator's streamed response.
// ExitCode is meaningful only when Final is true.
type ExecutionFrame struct {
	Stdout   []byte `json:"stdout,omitempty"`
	Stderr   []byte `json:"stderr,omitempty"`
	ExitCode int    `json:"exit_code"`
	Final    bool   `json:"final"`
}

// ExecuteRequest is sent to the in-guest agent to start a workload.
type ExecuteRequest struct {
	WorkloadName string   `json:"workload_name"`
	Language     string   `json:"language"`
	Action       int      `json:"action"`
	Code         string   `json:"code"`
	ConfigStr    string   `json:"config_str"`
	LogLevel     LogLevel `json:"log_level,omitempty"`
}

// ActionPrepareAndRun is the only action the orchestrator issues today.
const ActionPrepareAndRun = 2

// DefaultConfigStr is the reference build config attached to every
// ExecuteRequest.
const DefaultConfigStr = "[build]\nrelease = true"

// ExecuteResponse is one frame emitted by the in-guest agent.
type ExecuteResponse struct {
	Stdout   []byte `json:"stdout,omitempty"`
	Stderr   []byte `json:"stderr,omitempty"`
	ExitCode int    `json:"exit_code"`
	Final    bool   `json:"final"`
}

// NewExecuteRequest builds the agent-facing request from a validated
// JobDescriptor, translating the Language tag to its string name and
// attaching the fixed action and default build config.
func NewExecuteRequest(job JobDescriptor) ExecuteRequest {
	return ExecuteRequest{
		WorkloadName: job.WorkloadName,
		Language:     job.Language.String(),
		Action:       ActionPrepareAndRun,
		Code:         job.Code,
		ConfigStr:    DefaultConfigStr,
		LogLevel:     job.LogLevel,
	}
}
