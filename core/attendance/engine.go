package attendance

import (
	"context"
	"expvar"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/kanisa/core"
	"github.com/trezcool/kanisa/core/roster"
)

var (
	checkinsCount   = expvar.NewInt("checkins")
	duplicatesCount = expvar.NewInt("checkin_duplicates")
	undosCount      = expvar.NewInt("undos")
)

// Engine performs the check-in / undo transitions of one person against one session.
// At-most-once presence is enforced by Store.SetPresent, the read before it only saves a write.
type Engine struct {
	store  roster.Store
	clock  core.Clock
	loc    *time.Location
	logger core.Logger
}

func NewEngine(store roster.Store, clock core.Clock, conf *core.Config, logger core.Logger) *Engine {
	loc, err := conf.Location()
	if err != nil {
		logger.Warn(fmt.Sprintf("attendance: %v; using UTC", err), err)
	}
	return &Engine{store: store, clock: clock, loc: loc, logger: logger}
}

func (e *Engine) Today() time.Time {
	return core.Day(e.clock.Now(), e.loc)
}

func validateIDs(personID, sessionID int) error {
	var flds []core.FieldError
	if personID <= 0 {
		flds = append(flds, core.FieldError{Field: "person_id", Error: "must be a positive id"})
	}
	if sessionID <= 0 {
		flds = append(flds, core.FieldError{Field: "session_id", Error: "must be a positive id"})
	}
	if len(flds) > 0 {
		return core.NewValidationError(nil, flds...)
	}
	return nil
}

// lookup checks that the session is active and the person exists.
func (e *Engine) lookup(ctx context.Context, personID, sessionID int) (roster.Session, error) {
	if err := validateIDs(personID, sessionID); err != nil {
		return roster.Session{}, err
	}
	sessions, err := e.store.ResolveSessions(ctx, []int{sessionID})
	if err != nil {
		return roster.Session{}, errors.Wrap(err, "resolving session")
	}
	if len(sessions) == 0 {
		return roster.Session{}, core.NewNotFoundError("session", sessionID)
	}
	if _, err = e.store.GetPerson(ctx, personID); err != nil {
		return roster.Session{}, errors.Wrap(err, "getting person")
	}
	return sessions[0], nil
}

// CheckIn marks the person present at the session for today. Only active members of the
// session's group can check in; anyone else is a not found "group member".
// alreadyWasPresent is true when nothing changed, including when a concurrent call won the race.
func (e *Engine) CheckIn(ctx context.Context, personID, sessionID int) (alreadyWasPresent bool, err error) {
	session, err := e.lookup(ctx, personID, sessionID)
	if err != nil {
		return false, err
	}
	member, err := e.store.IsMember(ctx, personID, session.GroupID)
	if err != nil {
		return false, errors.Wrap(err, "checking membership")
	}
	if !member {
		return false, core.NewNotFoundError("group member", personID)
	}
	day := e.Today()

	present, err := e.store.IsPresentToday(ctx, personID, sessionID, day)
	if err != nil {
		return false, errors.Wrap(err, "reading presence")
	}
	if present {
		duplicatesCount.Add(1)
		return true, nil
	}

	changed, err := e.store.SetPresent(ctx, personID, sessionID, day, true)
	if err != nil {
		return false, errors.Wrap(err, "setting present")
	}
	if !changed {
		duplicatesCount.Add(1)
		return true, nil
	}
	checkinsCount.Add(1)
	return false, nil
}

// UndoCheckIn clears today's present flag, keeping the attendance row.
// removed is false when the person was not present. It works for people who left the group since.
func (e *Engine) UndoCheckIn(ctx context.Context, personID, sessionID int) (removed bool, err error) {
	if _, err = e.lookup(ctx, personID, sessionID); err != nil {
		return false, err
	}
	removed, err = e.store.SetPresent(ctx, personID, sessionID, e.Today(), false)
	if err != nil {
		return false, errors.Wrap(err, "clearing present")
	}
	if removed {
		undosCount.Add(1)
	}
	return removed, nil
}

// IsPresentToday reports whether the person is checked in at the session today.
func (e *Engine) IsPresentToday(ctx context.Context, personID, sessionID int) (bool, error) {
	if err := validateIDs(personID, sessionID); err != nil {
		return false, err
	}
	present, err := e.store.IsPresentToday(ctx, personID, sessionID, e.Today())
	return present, errors.Wrap(err, "reading presence")
}
