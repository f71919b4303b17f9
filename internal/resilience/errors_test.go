package resilience

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/rotisserie/eris"
)

func TestIsTransient_ExplicitTransientError(t *testing.T) {
	err := NewTransientError(errors.New("server overloaded"), 503)
	if !IsTransient(err) {
		t.Error("expected TransientError to be transient")
	}
}

func TestIsTransient_WrappedWithEris(t *testing.T) {
	inner := NewTransientError(errors.New("rate limited"), 429)
	if !IsTransient(eris.Wrap(inner, "list messages")) {
		t.Error("expected wrapped TransientError to be transient")
	}
}

func TestIsTransient_ExtractionError(t *testing.T) {
	err := fmt.Errorf("extract: %w", NewExtractionError(errors.New("timeout"), 0))
	if !IsTransient(err) {
		t.Error("ExtractionError must be classified transient")
	}
}

func TestIsTransient_AuthNeverTransient(t *testing.T) {
	err := NewAuthError("gmail", NewTransientError(errors.New("401"), 401))
	if IsTransient(err) {
		t.Error("auth errors must not be retried")
	}
	if !IsFatal(err) {
		t.Error("auth errors must be fatal")
	}
}

func TestIsTransient_NilAndRegular(t *testing.T) {
	if IsTransient(nil) {
		t.Error("nil error should not be transient")
	}
	if IsTransient(errors.New("invalid input: missing field")) {
		t.Error("regular error should not be transient")
	}
}

func TestIsTransient_ConnectionReset(t *testing.T) {
	err := fmt.Errorf("write tcp: %w", syscall.ECONNRESET)
	if !IsTransient(err) {
		t.Error("ECONNRESET should be transient")
	}
}

func TestIsTransient_StringPatterns(t *testing.T) {
	for _, msg := range []string{
		"read: connection reset by peer",
		"net/http: TLS handshake timeout",
		"dial tcp: i/o timeout",
	} {
		if !IsTransient(errors.New(msg)) {
			t.Errorf("expected %q to be transient", msg)
		}
	}
}

func TestTaxonomyPredicates(t *testing.T) {
	dedup := eris.Wrap(NewDedupConflictError("acme inc", errors.New("23505")), "upsert")
	if !IsDedupConflict(dedup) {
		t.Error("expected dedup conflict")
	}
	if IsFatal(dedup) {
		t.Error("dedup conflict is not fatal")
	}

	cfgErr := &ConfigurationError{Missing: []string{"store.database_url", "llm.anthropic_key"}}
	if !IsConfiguration(cfgErr) || !IsFatal(cfgErr) {
		t.Error("configuration errors must be fatal")
	}
	if cfgErr.Error() != "configuration error: missing or invalid store.database_url, llm.anthropic_key" {
		t.Errorf("unexpected message: %s", cfgErr.Error())
	}

	parse := &ExtractionParseError{Raw: "not json", Err: errors.New("no companies array")}
	if !IsParseFailure(parse) || IsTransient(parse) {
		t.Error("parse failures are neither transient nor retried")
	}
}

func TestClassifyHTTP(t *testing.T) {
	base := errors.New("upstream said no")
	tests := []struct {
		status    int
		auth      bool
		transient bool
	}{
		{401, true, false},
		{403, true, false},
		{408, false, true},
		{429, false, true},
		{500, false, true},
		{503, false, true},
		{400, false, false},
		{404, false, false},
	}
	for _, tt := range tests {
		err := ClassifyHTTP("gmail", tt.status, base)
		if IsAuth(err) != tt.auth {
			t.Errorf("status %d: IsAuth = %v, want %v", tt.status, IsAuth(err), tt.auth)
		}
		if IsTransient(err) != tt.transient {
			t.Errorf("status %d: IsTransient = %v, want %v", tt.status, IsTransient(err), tt.transient)
		}
	}
	if ClassifyHTTP("gmail", 500, nil) != nil {
		t.Error("nil error must stay nil")
	}
}
