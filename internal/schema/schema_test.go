package schema

import (
	"errors"
	"testing"
)

func TestLanguageRoundTrip(t *testing.T) {
	for _, l := range []Language{LanguageRust, LanguagePython, LanguageNode} {
		name := l.String()
		got, err := ParseLanguage(name)
		if err != nil {
			t.Fatalf("ParseLanguage(%q): %v", name, err)
		}
		if got != l {
			t.Errorf("round trip: tag %d -> %q -> tag %d", l, name, got)
		}
	}
}

func TestLanguageUnknownTag(t *testing.T) {
	l := Language(5)
	if l.Valid() {
		t.Fatalf("tag 5 should not be valid")
	}
}

func TestParseLanguageUnknownName(t *testing.T) {
	if _, err := ParseLanguage("cobol"); err == nil {
		t.Fatalf("expected error for unknown language name")
	}
}

func TestJobDescriptorValidateEmptyCode(t *testing.T) {
	job := JobDescriptor{WorkloadName: "w", Language: LanguageRust, Code: "", Env: "x"}
	err := job.Validate()
	if err == nil {
		t.Fatalf("expected Validation error for empty code")
	}
	kind, ok := KindOf(err)
	if !ok || kind != ErrValidation {
		t.Errorf("expected ErrValidation, got %v (ok=%v)", kind, ok)
	}
}

func TestJobDescriptorValidateUnknownLanguage(t *testing.T) {
	job := JobDescriptor{WorkloadName: "w", Language: Language(3), Code: "x", Env: "x"}
	if err := job.Validate(); err == nil {
		t.Fatalf("expected Validation error for unknown language tag")
	}
}

func TestJobDescriptorValidateOK(t *testing.T) {
	job := JobDescriptor{
		WorkloadName: "hello",
		Language:     LanguageRust,
		Code:         "fn main(){}",
		Env:          "[build]\nrelease=true",
		LogLevel:     LogLevelInfo,
	}
	if err := job.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNewExecuteRequestForwardsLogLevel(t *testing.T) {
	job := JobDescriptor{
		WorkloadName: "hello",
		Language:     LanguageNode,
		Code:         "process.exit(7)",
		LogLevel:     LogLevelDebug,
	}
	req := NewExecuteRequest(job)
	if req.Language != "node" {
		t.Errorf("expected language name %q, got %q", "node", req.Language)
	}
	if req.Action != ActionPrepareAndRun {
		t.Errorf("expected action %d, got %d", ActionPrepareAndRun, req.Action)
	}
	if req.LogLevel != LogLevelDebug {
		t.Errorf("expected log_level forwarded, got %q", req.LogLevel)
	}
}

func TestCloudletErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := NewError(ErrVmmRun, cause)
	if !errors.Is(err, cause) {
		t.Errorf("expected errors.Is to find the wrapped cause")
	}
}
