package roster

import (
	"context"
	"time"

	"github.com/volatiletech/null/v8"
)

// Store is the relational roster store: people, memberships, attendance and balances.
// Lookups of unknown people or sessions return a *core.NotFoundError; transient failures
// a *core.StoreUnavailableError.
type Store interface {
	// ResolveSessions returns the active sessions among ids: not canceled and owned by an active group.
	ResolveSessions(ctx context.Context, ids []int) ([]Session, error)
	GetPerson(ctx context.Context, personID int) (Person, error)
	// IsMember reports whether the person is a living, active member of the group.
	IsMember(ctx context.Context, personID, groupID int) (bool, error)

	// ListMembers returns one page of members ordered by last name, first name, id.
	// Person.GroupIDs holds the person's memberships among q.GroupIDs.
	ListMembers(ctx context.Context, q MemberQuery) ([]Person, error)
	// CountMembers counts what ListMembers would return without Offset/Limit.
	CountMembers(ctx context.Context, q MemberQuery) (int, error)
	// CountRoster counts living people with an active membership in any of groupIDs.
	CountRoster(ctx context.Context, groupIDs []int) (int, error)
	// CountPresent counts roster members of groupIDs present at any of sessionIDs on day.
	CountPresent(ctx context.Context, groupIDs, sessionIDs []int, day time.Time) (int, error)

	// GetAge returns the age in full years on asOf. Unknown birth dates give an invalid null.Int.
	GetAge(ctx context.Context, personID int, asOf time.Time) (null.Int, error)
	GetBalance(ctx context.Context, personID int, groupIDs []int) (int64, error)
	GetSubgroups(ctx context.Context, personID, groupID int) ([]string, error)

	IsPresentToday(ctx context.Context, personID, sessionID int, day time.Time) (bool, error)
	// SetPresent is a compare-and-set on the (person, session, day) attendance row.
	// changed is true only for the caller that performed the transition.
	SetPresent(ctx context.Context, personID, sessionID int, day time.Time, present bool) (changed bool, err error)

	// GetContact returns the person's own usable email address, if any.
	GetContact(ctx context.Context, personID int) ([]Contact, error)
	// GetGuardians returns the heads/spouses of the person's household with a usable, opt-in email.
	GetGuardians(ctx context.Context, personID int) ([]Contact, error)
}
