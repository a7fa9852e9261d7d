package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, ""},
		{"plain error", errors.New("boom"), Internal},
		{"typed", New(NotFound), NotFound},
		{"wrapped typed", fmt.Errorf("loading: %w", New(RateLimited)), RateLimited},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorsIsMatchesCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", Newf(NotFound, "challenge %q not found", "two-sum"))
	if !errors.Is(err, New(NotFound)) {
		t.Error("expected errors.Is to match on code")
	}
	if errors.Is(err, New(Internal)) {
		t.Error("did not expect a match for a different code")
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(cause, Internal, "saving submission")
	if !errors.Is(err, cause) {
		t.Error("expected wrapped cause to be reachable")
	}
	if got := err.Error(); got != "saving submission: disk full" {
		t.Errorf("Error() = %q", got)
	}
	if Wrap(nil, Internal, "x") != nil {
		t.Error("Wrap(nil) should be nil")
	}
}

func TestHTTPStatus(t *testing.T) {
	if QuotaExceeded.HTTPStatus() != http.StatusTooManyRequests {
		t.Error("quota exceeded should map to 429")
	}
	if ValidationFailed.HTTPStatus() != http.StatusBadRequest {
		t.Error("validation should map to 400")
	}
	if Code("SOMETHING_ELSE").HTTPStatus() != http.StatusInternalServerError {
		t.Error("unknown codes should map to 500")
	}
}
