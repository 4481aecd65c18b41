package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit", NewTransientError(errors.New("rate limited"), 429), true},
		{"wrapped explicit", fmt.Errorf("call: %w", NewTransientError(errors.New("x"), 503)), true},
		{"net timeout", timeoutErr{}, true},
		{"conn reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"string pattern", errors.New("dial tcp: i/o timeout"), true},
		{"deadline", context.DeadlineExceeded, false},
		{"plain", errors.New("bad request"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504, 529} {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("expected %d to be transient", code)
		}
	}
	for _, code := range []int{200, 400, 401, 404, 422} {
		if IsTransientHTTPStatus(code) {
			t.Errorf("expected %d to be permanent", code)
		}
	}
}

func TestKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"content", NewContentError("empty document"), KindContent},
		{"wrapped content", eris.Wrap(NewContentError("no items"), "extract"), KindContent},
		{"parse", NewParseError("extract", errors.New("unexpected EOF")), KindParse},
		{"not found", NewNotFoundError("job", "abc"), KindNotFound},
		{"conflict", eris.Wrap(NewConflictError("job", "abc", "status is completed"), "complete"), KindConflict},
		{"transient", NewTransientError(errors.New("overloaded"), 529), KindTransient},
		{"unknown", errors.New("boom"), KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Kind(tt.err))
		})
	}
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(NewContentError("empty")))
	assert.True(t, IsPermanent(NewNotFoundError("document", "d1")))
	assert.False(t, IsPermanent(NewParseError("verify", errors.New("x"))))
	assert.False(t, IsPermanent(NewTransientError(errors.New("x"), 503)))
	assert.False(t, IsPermanent(nil))
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "content: empty document", NewContentError("empty document").Error())
	assert.Equal(t, "parse extract: bad json", NewParseError("extract", errors.New("bad json")).Error())
	assert.Equal(t, "parse: bad json", NewParseError("", errors.New("bad json")).Error())
	assert.Equal(t, "job not found: j1", NewNotFoundError("job", "j1").Error())
	assert.Equal(t, "job j1 conflict: status is failed", NewConflictError("job", "j1", "status is failed").Error())
	assert.True(t, IsConflict(eris.Wrap(NewConflictError("job", "j1", "x"), "fail")))
	assert.False(t, IsConflict(NewNotFoundError("job", "j1")))

	base := errors.New("inner")
	assert.ErrorIs(t, NewParseError("x", base), base)
	assert.ErrorIs(t, NewTransientError(base, 500), base)
}
