package server

import (
	"context"
	"database/sql"

	"github.com/onnwee/clip-tender/db"
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// ClipLister returns recorded clips, newest first. broadcasterID 0 means all.
type ClipLister interface {
	ListClips(ctx context.Context, broadcasterID int64, limit int) ([]db.Clip, error)
}

// ReadyCheck is one named readiness condition.
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Deps are the collaborators the handlers read from. Nil fields disable the
// corresponding check or endpoint.
type Deps struct {
	DB     Pinger
	Clips  ClipLister
	Ready  []ReadyCheck
	Status func() any
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps Deps
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{deps: deps}
}

type sqlClips struct{ db *sql.DB }

func (s sqlClips) ListClips(ctx context.Context, broadcasterID int64, limit int) ([]db.Clip, error) {
	return db.ListClips(ctx, s.db, broadcasterID, limit)
}

// SQLClips serves /clips from the clips table.
func SQLClips(database *sql.DB) ClipLister { return sqlClips{db: database} }
