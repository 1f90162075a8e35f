package nexuserr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindValidation, http.StatusBadRequest},
		{KindNoActivePrompt, http.StatusBadRequest},
		{KindNotFound, http.StatusNotFound},
		{KindConflict, http.StatusConflict},
		{KindApprovalNotPending, http.StatusConflict},
		{KindToolNotAllowed, http.StatusForbidden},
		{KindBudgetExceeded, http.StatusTooManyRequests},
		{KindRateLimitExceeded, http.StatusTooManyRequests},
		{KindProvider, http.StatusBadGateway},
		{KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := New(tt.kind, "x").HTTPStatus(); got != tt.want {
				t.Errorf("HTTPStatus(%s) = %d, want %d", tt.kind, got, tt.want)
			}
		})
	}
}

func TestKindOf_Wrapped(t *testing.T) {
	inner := New(KindBudgetExceeded, "daily budget exhausted")
	wrapped := fmt.Errorf("precheck: %w", inner)
	if got := KindOf(wrapped); got != KindBudgetExceeded {
		t.Errorf("KindOf = %s, want %s", got, KindBudgetExceeded)
	}
	if !IsKind(wrapped, KindBudgetExceeded) {
		t.Error("IsKind should see through fmt wrapping")
	}
}

func TestKindOf_Unclassified(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != KindInternal {
		t.Errorf("KindOf = %s, want %s", got, KindInternal)
	}
}

func TestAsError_WrapsUnclassified(t *testing.T) {
	cause := errors.New("boom")
	e := AsError(cause)
	if e.Kind != KindInternal {
		t.Errorf("Kind = %s, want %s", e.Kind, KindInternal)
	}
	if !errors.Is(e, cause) {
		t.Error("AsError should preserve the cause in the chain")
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	e := Wrap(KindProvider, "anthropic stream failed", cause)
	if !errors.Is(e, cause) {
		t.Error("Wrap should keep the cause reachable via errors.Is")
	}
}
