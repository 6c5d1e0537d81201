package messagequeue

import (
	"strings"
	"testing"
)

func TestValidateValidSessionStarted(t *testing.T) {
	data := []byte(`{"session_id":"s1","operation":"echo","async":true}`)
	if err := Validate(SubjectSessionStarted, data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateValidSessionFinished(t *testing.T) {
	data := []byte(`{"session_id":"s1","operation":"echo","status":"COMPLETED","message":"ok","exit_code":0,"duration_ms":12}`)
	if err := Validate(SubjectSessionFinished, data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateValidSessionCancel(t *testing.T) {
	data := []byte(`{"session_id":"s1"}`)
	if err := Validate(SubjectSessionCancel, data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateCancelRequiresSessionID(t *testing.T) {
	err := Validate(SubjectSessionCancel, []byte(`{}`))
	if err == nil || !strings.Contains(err.Error(), "session_id is required") {
		t.Fatalf("expected missing session_id error, got: %v", err)
	}
}

func TestValidateUnknownSubject(t *testing.T) {
	data := []byte(`{"foo":"bar"}`)
	if err := Validate("unknown.subject", data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateInvalidJSON(t *testing.T) {
	err := Validate(SubjectSessionStarted, []byte(`{not valid json`))
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
	if !strings.Contains(err.Error(), "invalid JSON") {
		t.Fatalf("expected 'invalid JSON' in error, got: %v", err)
	}
}

func TestValidateInvalidSchema(t *testing.T) {
	err := Validate(SubjectSessionFinished, []byte(`"just a string"`))
	if err == nil {
		t.Fatal("expected schema validation error")
	}
	if !strings.Contains(err.Error(), "schema validation failed") {
		t.Fatalf("expected 'schema validation failed' in error, got: %v", err)
	}
}
