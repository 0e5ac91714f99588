package schema

import (
	"errors"
	"fmt"
)

// ErrorKind is the design-level error taxonomy (spec §7). Every kind
// surfaces to the caller as a single terminal error on the response
// stream; none are retried by the core.
type ErrorKind string

const (
	// ErrValidation reports a malformed JobDescriptor. Reported before
	// any side effect.
	ErrValidation ErrorKind = "validation"

	// ErrArtifactBuild reports a failed or output-less external build
	// step. Reported before VM start.
	ErrArtifactBuild ErrorKind = "artifact_build"

	// ErrVmmNew reports MicroVM construction failure (KVM unavailable,
	// tap creation denied).
	ErrVmmNew ErrorKind = "vmm_new"

	// ErrVmmConfigure reports kernel/initramfs load or device wiring
	// failure.
	ErrVmmConfigure ErrorKind = "vmm_configure"

	// ErrVmmRun reports a vCPU fault or premature guest halt.
	ErrVmmRun ErrorKind = "vmm_run"

	// ErrAgentConnect reports the guest being unreachable within the
	// retry budget.
	ErrAgentConnect ErrorKind = "agent_connect"

	// ErrAgentRpc reports a mid-stream error from the agent transport.
	ErrAgentRpc ErrorKind = "agent_rpc"
)

// CloudletError wraps an underlying cause with the error kind it belongs
// to, so errors.Is/errors.As work across the taxonomy.
type CloudletError struct {
	Kind  ErrorKind
	Cause error
}

func (e *CloudletError) Error() string {
	if e.Cause == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *CloudletError) Unwrap() error {
	return e.Cause
}

// NewError wraps cause as a CloudletError of the given kind.
func NewError(kind ErrorKind, cause error) *CloudletError {
	return &CloudletError{Kind: kind, Cause: cause}
}

// KindOf returns the ErrorKind carried by err, if any, and whether one was
// found.
func KindOf(err error) (ErrorKind, bool) {
	var ce *CloudletError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return "", false
}
