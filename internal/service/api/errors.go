package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/zhouzirui/deskline/internal/service/auth"
)

var (
	// ErrTransientNetwork wraps transport failures and gateway errors.
	ErrTransientNetwork = errors.New("transient network error")
	// ErrConflict is returned for 409 responses.
	ErrConflict = errors.New("conflict")
	// ErrInvalidRequest is returned before any I/O when arguments are missing.
	ErrInvalidRequest = errors.New("invalid request")
)

// Error is a non-2xx response from the support API. Use errors.As to inspect
// it, or errors.Is against auth.ErrUnauthorized / ErrTransientNetwork /
// ErrConflict.
type Error struct {
	StatusCode int    `json:"-"`
	Message    string `json:"error"`
	Method     string `json:"-"`
	Path       string `json:"-"`
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("api: %s %s (%d): %s", e.Method, e.Path, e.StatusCode, msg)
}

// Is maps status codes onto the error taxonomy.
func (e *Error) Is(target error) bool {
	switch target {
	case auth.ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case ErrConflict:
		return e.StatusCode == http.StatusConflict
	case ErrTransientNetwork:
		switch e.StatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
	}
	return false
}

// Kind is the coarse error class surfaced to callers.
type Kind int

const (
	KindNone Kind = iota
	KindTransientNetwork
	KindUnauthorized
	KindSessionExpired
	KindConflict
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTransientNetwork:
		return "transient_network"
	case KindUnauthorized:
		return "unauthorized"
	case KindSessionExpired:
		return "session_expired"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Classify maps an error returned by the client onto a Kind.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, auth.ErrSessionExpired):
		return KindSessionExpired
	case errors.Is(err, auth.ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrTransientNetwork):
		return KindTransientNetwork
	default:
		return KindUnknown
	}
}
