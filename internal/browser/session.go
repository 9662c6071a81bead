package browser

import (
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/formpilot/api/schemas"
)

// Session is one pooled browser: a Chrome process, its tab and the stealth
// profile it was launched with. The mutable fields are owned by the Manager
// and only change under its lock.
type Session struct {
	id         string
	profile    schemas.StealthProfile
	profileKey string
	page       schemas.Page
	createdAt  time.Time
	logger     *zap.Logger

	status     schemas.SessionStatus
	lastUsedAt time.Time
	uses       int
}

// ID returns the unique identifier for the session.
func (s *Session) ID() string { return s.id }

// Profile returns the stealth profile the session was created with.
func (s *Session) Profile() schemas.StealthProfile { return s.profile }

// Page returns the session's tab. Only the holder of an acquired session may
// use it.
func (s *Session) Page() schemas.Page { return s.page }

// Logger returns a logger scoped to the session id.
func (s *Session) Logger() *zap.Logger { return s.logger }

func (s *Session) info() schemas.SessionInfo {
	return schemas.SessionInfo{
		ID:         s.id,
		Status:     s.status,
		ProfileKey: s.profileKey,
		CreatedAt:  s.createdAt,
		LastUsedAt: s.lastUsedAt,
		Uses:       s.uses,
	}
}
