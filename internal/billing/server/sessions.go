package server

import (
	"net/http"

	"github.com/dukerupert/bywater/internal/billing/handler"
)

// SessionResolver authenticates a request against the surrounding
// application's auth layer.
type SessionResolver interface {
	Resolve(r *http.Request) (handler.Session, bool)
}

// HeaderSessions trusts the identity headers a fronting gateway sets after
// authenticating the request. Only deploy it behind a proxy that strips
// these headers from client traffic.
type HeaderSessions struct{}

func (HeaderSessions) Resolve(r *http.Request) (handler.Session, bool) {
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		return handler.Session{}, false
	}
	return handler.Session{
		UserID:           userID,
		UserEmail:        r.Header.Get("X-User-Email"),
		UserName:         r.Header.Get("X-User-Name"),
		OrganizationID:   r.Header.Get("X-Organization-Id"),
		OrganizationName: r.Header.Get("X-Organization-Name"),
	}, true
}
