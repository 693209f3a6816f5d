package handler

import "context"

// Session is the authenticated caller, as established by the surrounding
// application's auth layer. When OrganizationID is set the caller acts in an
// organization context and billing belongs to the organization; otherwise it
// belongs to the user.
type Session struct {
	UserID           string
	UserEmail        string
	UserName         string
	OrganizationID   string
	OrganizationName string
}

// EntityID returns the billing entity the session acts for.
func (s Session) EntityID() string {
	if s.OrganizationID != "" {
		return s.OrganizationID
	}
	return s.UserID
}

type contextKey int

const sessionKey contextKey = 0

func WithSession(ctx context.Context, sess Session) context.Context {
	return context.WithValue(ctx, sessionKey, sess)
}

func SessionFromContext(ctx context.Context) (Session, bool) {
	sess, ok := ctx.Value(sessionKey).(Session)
	return sess, ok
}
