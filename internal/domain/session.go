package domain

import "time"

// Session is the server-side state bound to one browser agent.
// A zero UserID means the agent is anonymous.
type Session struct {
	ID        string
	UserID    int64
	Role      *Role
	CSRFToken string
	Flash     string
	ExpiresAt time.Time
}

func (s *Session) Authenticated() bool {
	return s != nil && s.UserID > 0
}
