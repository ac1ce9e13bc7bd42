package resilience

import (
	"errors"
	"net"
	"syscall"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "deadline exceeded" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit transient", NewTransientError(eris.New("overloaded"), 529), true},
		{"wrapped transient", eris.Wrap(NewTransientError(errors.New("throttled"), 429), "robot: claim"), true},
		{"net timeout", &net.OpError{Op: "dial", Err: timeoutErr{}}, true},
		{"connection refused", syscall.ECONNREFUSED, true},
		{"wrapped reset", eris.Wrap(syscall.ECONNRESET, "store: insert"), true},
		{"reset by message", errors.New("read tcp 10.0.0.1:443: connection reset by peer"), true},
		{"tls handshake", errors.New("net/http: TLS handshake timeout"), true},
		{"permanent", eris.New("entry not found"), false},
		{"bad payload", errors.New("json: cannot unmarshal"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsTransientHTTPStatus(code), "status %d", code)
	}
	for _, code := range []int{200, 204, 400, 401, 403, 404, 409, 422, 501} {
		assert.False(t, IsTransientHTTPStatus(code), "status %d", code)
	}
}

func TestTransientError_Unwrap(t *testing.T) {
	sentinel := errors.New("provider busy")
	te := NewTransientError(sentinel, 503)

	assert.Equal(t, "provider busy", te.Error())
	assert.Equal(t, 503, te.StatusCode)
	assert.ErrorIs(t, te, sentinel)
}
