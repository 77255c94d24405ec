package roster

import (
	"strings"
	"time"

	"github.com/volatiletech/null/v8"

	"github.com/trezcool/kanisa/core"
)

// View names accepted by PageRequest.View
const (
	ViewPending = "pending"
	ViewPresent = "present"
)

// Family positions within a household. Heads and spouses are guardians of the household's minors.
const (
	PositionHead   = "head"
	PositionSpouse = "spouse"
	PositionChild  = "child"
	PositionOther  = "other"
)

func IsGuardianPosition(pos string) bool {
	return pos == PositionHead || pos == PositionSpouse
}

// Presence filters members on their attendance for the requested sessions and day.
type Presence int

const (
	PresenceAny     Presence = iota
	PresenceAbsent           // no present record yet (the work queue)
	PresencePresent          // already checked in
)

type (
	// Session is one scheduled occurrence of a group gathering (a meeting).
	Session struct {
		ID        int         `json:"id" db:"id"`
		GroupID   int         `json:"group_id" db:"group_id"`
		GroupName string      `json:"group_name" db:"group_name"`
		StartsAt  time.Time   `json:"starts_at" db:"starts_at"`
		Location  null.String `json:"location" db:"location"`
		Program   null.String `json:"program" db:"program"`
	}

	Person struct {
		ID          int    `json:"id"`
		FirstName   string `json:"first_name"`
		LastName    string `json:"last_name"`
		NickName    string `json:"nick_name,omitempty"`
		DisplayName string `json:"display_name"`
		HouseholdID int    `json:"household_id"`

		// enrichment, never used for admission
		GroupIDs     []int            `json:"group_ids"`
		Subgroups    map[int][]string `json:"subgroups,omitempty"`
		BalanceCents int64            `json:"balance_cents"`
	}

	// Contact is a resolved notification recipient.
	Contact struct {
		PersonID int    `json:"person_id" db:"person_id"`
		Name     string `json:"name" db:"name"`
		Email    string `json:"email" db:"email"`
	}

	// AlphaRange is a closed interval over the last name initial. The zero value matches everyone.
	AlphaRange struct {
		From string
		To   string
	}

	// MemberQuery selects roster members of GroupIDs. Alpha, Search and Presence are ANDed.
	MemberQuery struct {
		GroupIDs   []int
		SessionIDs []int
		Day        time.Time
		Alpha      AlphaRange
		Search     string
		Presence   Presence
		Offset     int
		Limit      int // 0 means no limit
	}

	Stats struct {
		PresentCount    int `json:"present_count"`
		NotPresentCount int `json:"not_present_count"`
		TotalCount      int `json:"total_count"`
	}

	// PageRequest carries the plain scalar paging parameters of a roster page.
	PageRequest struct {
		SessionIDs []int  `json:"session_id" query:"session_id" validate:"omitempty,dive,gt=0"`
		Page       int    `json:"page" query:"page" validate:"omitempty,min=1,max=1000000"`
		PageSize   int    `json:"page_size" query:"page_size" validate:"omitempty,min=1"`
		Alpha      string `json:"alpha" query:"alpha" validate:"omitempty,alpharange"`
		Search     string `json:"search" query:"search" validate:"omitempty,max=100"`
		View       string `json:"view" query:"view" validate:"omitempty,oneof=pending present"`
	}

	Page struct {
		People     []Person `json:"people"`
		TotalCount int      `json:"total_count"`
		Page       int      `json:"page"`
		PageSize   int      `json:"page_size"`
	}
)

// ComposeDisplayName prefers the nick name over the first name.
func ComposeDisplayName(first, nick, last string) string {
	given := core.CleanString(nick)
	if given == "" {
		given = core.CleanString(first)
	}
	return strings.TrimSpace(given + " " + core.CleanString(last))
}

func (ar AlphaRange) IsZero() bool { return ar.From == "" && ar.To == "" }

// Contains reports whether the initial of name falls in the range.
func (ar AlphaRange) Contains(name string) bool {
	if ar.IsZero() {
		return true
	}
	name = core.CleanString(name)
	if name == "" {
		return false
	}
	initial := strings.ToUpper(name[:1])
	return ar.From <= initial && initial <= ar.To
}

// ParseAlphaRange parses "All" (or ""), a single letter "A" or a range "A-F".
func ParseAlphaRange(s string) (AlphaRange, error) {
	s = strings.ToUpper(core.CleanString(s))
	if s == "" || s == "ALL" {
		return AlphaRange{}, nil
	}

	isLetter := func(b byte) bool { return 'A' <= b && b <= 'Z' }
	switch {
	case len(s) == 1 && isLetter(s[0]):
		return AlphaRange{From: s, To: s}, nil
	case len(s) == 3 && s[1] == '-' && isLetter(s[0]) && isLetter(s[2]) && s[0] <= s[2]:
		return AlphaRange{From: s[:1], To: s[2:]}, nil
	}
	return AlphaRange{}, core.NewValidationError(nil, core.FieldError{Field: "alpha", Error: "invalid alpha range " + s})
}

// Presence maps the view name onto a member presence filter. Unknown views fall back to pending.
func (req PageRequest) Presence() Presence {
	if core.CleanString(req.View, true) == ViewPresent {
		return PresencePresent
	}
	return PresenceAbsent
}

// ExcludePresent is true for the pending (work queue) view.
func (req PageRequest) ExcludePresent() bool {
	return req.Presence() == PresenceAbsent
}
