package inmemdb

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/volatiletech/null/v8"

	"github.com/trezcool/kanisa/core"
	"github.com/trezcool/kanisa/core/roster"
)

const dayLayout = "2006-01-02"

type rosterStore struct {
	db *DB
}

var _ roster.Store = (*rosterStore)(nil) // interface compliance check

func NewRosterStore(db *DB) roster.Store {
	return &rosterStore{db: db}
}

func (s *rosterStore) begin(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return core.NewStoreUnavailableError(op, err)
	}
	if err := s.db.record(op); err != nil {
		return core.NewStoreUnavailableError(op, err)
	}
	return nil
}

func inSet(ids []int) map[int]struct{} {
	set := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// unsafe: callers hold the lock
func (s *rosterStore) isRosterMember(p *PersonRecord, groups map[int]struct{}) ([]int, bool) {
	if p.DeceasedOn.Valid {
		return nil, false
	}
	var gIDs []int
	for key, inactive := range s.db.members {
		if key.personID != p.ID || inactive {
			continue
		}
		if _, ok := groups[key.groupID]; ok {
			gIDs = append(gIDs, key.groupID)
		}
	}
	sort.Ints(gIDs)
	return gIDs, len(gIDs) > 0
}

// unsafe: callers hold the lock
func (s *rosterStore) isPresent(personID int, sessionIDs []int, day time.Time) bool {
	d := day.Format(dayLayout)
	for _, sID := range sessionIDs {
		if row, ok := s.db.attendance[attendanceKey{personID, sID, d}]; ok && row.present {
			return true
		}
	}
	return false
}

func (s *rosterStore) toPerson(p *PersonRecord) roster.Person {
	return roster.Person{
		ID:          p.ID,
		FirstName:   p.FirstName,
		LastName:    p.LastName,
		NickName:    p.NickName,
		DisplayName: roster.ComposeDisplayName(p.FirstName, p.NickName, p.LastName),
		HouseholdID: p.HouseholdID,
	}
}

func matchesSearch(p roster.Person, term string) bool {
	if term == "" {
		return true
	}
	term = strings.ToLower(term)
	for _, field := range []string{p.FirstName, p.LastName, p.NickName, p.DisplayName} {
		if strings.Contains(strings.ToLower(field), term) {
			return true
		}
	}
	return false
}

func (s *rosterStore) ResolveSessions(ctx context.Context, ids []int) ([]roster.Session, error) {
	if err := s.begin(ctx, "ResolveSessions"); err != nil {
		return nil, err
	}
	s.db.mutex.RLock()
	defer s.db.mutex.RUnlock()

	sessions := make([]roster.Session, 0, len(ids))
	for id := range inSet(ids) {
		m, ok := s.db.meetings[id]
		if !ok || m.Canceled {
			continue
		}
		g, ok := s.db.groups[m.GroupID]
		if !ok || !g.IsActive {
			continue
		}
		sessions = append(sessions, roster.Session{
			ID:        m.ID,
			GroupID:   m.GroupID,
			GroupName: g.Name,
			StartsAt:  m.StartsAt,
			Location:  m.Location,
			Program:   m.Program,
		})
	}
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].StartsAt.Equal(sessions[j].StartsAt) {
			return sessions[i].StartsAt.Before(sessions[j].StartsAt)
		}
		return sessions[i].ID < sessions[j].ID
	})
	return sessions, nil
}

func (s *rosterStore) GetPerson(ctx context.Context, personID int) (roster.Person, error) {
	if err := s.begin(ctx, "GetPerson"); err != nil {
		return roster.Person{}, err
	}
	s.db.mutex.RLock()
	defer s.db.mutex.RUnlock()

	p, ok := s.db.people[personID]
	if !ok {
		return roster.Person{}, core.NewNotFoundError("person", personID)
	}
	return s.toPerson(p), nil
}

func (s *rosterStore) IsMember(ctx context.Context, personID, groupID int) (bool, error) {
	if err := s.begin(ctx, "IsMember"); err != nil {
		return false, err
	}
	s.db.mutex.RLock()
	defer s.db.mutex.RUnlock()

	p, ok := s.db.people[personID]
	if !ok {
		return false, nil
	}
	_, ok = s.isRosterMember(p, inSet([]int{groupID}))
	return ok, nil
}

// unsafe: callers hold the lock
func (s *rosterStore) filterMembers(q roster.MemberQuery) []roster.Person {
	groups := inSet(q.GroupIDs)
	people := make([]roster.Person, 0)
	for _, rec := range s.db.people {
		gIDs, ok := s.isRosterMember(rec, groups)
		if !ok || !q.Alpha.Contains(rec.LastName) {
			continue
		}
		p := s.toPerson(rec)
		if !matchesSearch(p, q.Search) {
			continue
		}
		switch q.Presence {
		case roster.PresenceAbsent:
			if s.isPresent(rec.ID, q.SessionIDs, q.Day) {
				continue
			}
		case roster.PresencePresent:
			if !s.isPresent(rec.ID, q.SessionIDs, q.Day) {
				continue
			}
		}
		p.GroupIDs = gIDs
		people = append(people, p)
	}

	sort.Slice(people, func(i, j int) bool {
		li, lj := strings.ToLower(people[i].LastName), strings.ToLower(people[j].LastName)
		if li != lj {
			return li < lj
		}
		fi, fj := strings.ToLower(people[i].FirstName), strings.ToLower(people[j].FirstName)
		if fi != fj {
			return fi < fj
		}
		return people[i].ID < people[j].ID
	})
	return people
}

func (s *rosterStore) ListMembers(ctx context.Context, q roster.MemberQuery) ([]roster.Person, error) {
	if err := s.begin(ctx, "ListMembers"); err != nil {
		return nil, err
	}
	s.db.mutex.RLock()
	defer s.db.mutex.RUnlock()

	people := s.filterMembers(q)
	if q.Offset < 0 || q.Offset >= len(people) {
		return []roster.Person{}, nil
	}
	people = people[q.Offset:]
	if q.Limit > 0 && q.Limit < len(people) {
		people = people[:q.Limit]
	}
	return people, nil
}

func (s *rosterStore) CountMembers(ctx context.Context, q roster.MemberQuery) (int, error) {
	if err := s.begin(ctx, "CountMembers"); err != nil {
		return 0, err
	}
	s.db.mutex.RLock()
	defer s.db.mutex.RUnlock()
	return len(s.filterMembers(q)), nil
}

func (s *rosterStore) CountRoster(ctx context.Context, groupIDs []int) (int, error) {
	if err := s.begin(ctx, "CountRoster"); err != nil {
		return 0, err
	}
	s.db.mutex.RLock()
	defer s.db.mutex.RUnlock()
	return len(s.filterMembers(roster.MemberQuery{GroupIDs: groupIDs})), nil
}

func (s *rosterStore) CountPresent(ctx context.Context, groupIDs, sessionIDs []int, day time.Time) (int, error) {
	if err := s.begin(ctx, "CountPresent"); err != nil {
		return 0, err
	}
	s.db.mutex.RLock()
	defer s.db.mutex.RUnlock()

	q := roster.MemberQuery{GroupIDs: groupIDs, SessionIDs: sessionIDs, Day: day, Presence: roster.PresencePresent}
	return len(s.filterMembers(q)), nil
}

func ageOn(birth, asOf time.Time) int {
	age := asOf.Year() - birth.Year()
	if asOf.Month() < birth.Month() || (asOf.Month() == birth.Month() && asOf.Day() < birth.Day()) {
		age--
	}
	return age
}

func (s *rosterStore) GetAge(ctx context.Context, personID int, asOf time.Time) (null.Int, error) {
	if err := s.begin(ctx, "GetAge"); err != nil {
		return null.Int{}, err
	}
	s.db.mutex.RLock()
	defer s.db.mutex.RUnlock()

	p, ok := s.db.people[personID]
	if !ok {
		return null.Int{}, core.NewNotFoundError("person", personID)
	}
	if !p.BirthDate.Valid {
		return null.Int{}, nil
	}
	return null.IntFrom(ageOn(p.BirthDate.Time, asOf)), nil
}

func (s *rosterStore) GetBalance(ctx context.Context, personID int, groupIDs []int) (int64, error) {
	if err := s.begin(ctx, "GetBalance"); err != nil {
		return 0, err
	}
	s.db.mutex.RLock()
	defer s.db.mutex.RUnlock()

	groups := inSet(groupIDs)
	var balance int64
	for _, e := range s.db.ledger {
		if e.personID != personID {
			continue
		}
		if _, ok := groups[e.groupID]; ok || len(groups) == 0 {
			balance += e.cents
		}
	}
	return balance, nil
}

func (s *rosterStore) GetSubgroups(ctx context.Context, personID, groupID int) ([]string, error) {
	if err := s.begin(ctx, "GetSubgroups"); err != nil {
		return nil, err
	}
	s.db.mutex.RLock()
	defer s.db.mutex.RUnlock()

	src := s.db.subgroups[memberKey{groupID, personID}]
	labels := make([]string, 0, len(src))
	labels = append(labels, src...)
	sort.Strings(labels)
	return labels, nil
}

func (s *rosterStore) IsPresentToday(ctx context.Context, personID, sessionID int, day time.Time) (bool, error) {
	if err := s.begin(ctx, "IsPresentToday"); err != nil {
		return false, err
	}
	s.db.mutex.RLock()
	defer s.db.mutex.RUnlock()
	return s.isPresent(personID, []int{sessionID}, day), nil
}

func (s *rosterStore) SetPresent(ctx context.Context, personID, sessionID int, day time.Time, present bool) (bool, error) {
	if err := s.begin(ctx, "SetPresent"); err != nil {
		return false, err
	}
	s.db.mutex.Lock()
	defer s.db.mutex.Unlock()

	key := attendanceKey{personID, sessionID, day.Format(dayLayout)}
	row := s.db.attendance[key]
	now := time.Now().UTC()

	if !present {
		if row == nil || !row.present {
			return false, nil
		}
		row.present = false
		row.updatedAt = now
		return true, nil
	}

	// foreign keys
	if _, ok := s.db.people[personID]; !ok {
		return false, core.NewNotFoundError("person", personID)
	}
	if _, ok := s.db.meetings[sessionID]; !ok {
		return false, core.NewNotFoundError("session", sessionID)
	}

	if row == nil {
		s.db.attendance[key] = &attendanceRow{id: s.db.nextPK(), present: true, createdAt: now, updatedAt: now}
		return true, nil
	}
	if row.present {
		return false, nil
	}
	row.present = true
	row.updatedAt = now
	return true, nil
}

func usableEmail(p *PersonRecord) bool {
	return !p.DeceasedOn.Valid && !p.DoNotEmail && core.CleanString(p.Email) != ""
}

func (s *rosterStore) contact(p *PersonRecord) roster.Contact {
	return roster.Contact{
		PersonID: p.ID,
		Name:     roster.ComposeDisplayName(p.FirstName, p.NickName, p.LastName),
		Email:    core.CleanString(p.Email),
	}
}

func (s *rosterStore) GetContact(ctx context.Context, personID int) ([]roster.Contact, error) {
	if err := s.begin(ctx, "GetContact"); err != nil {
		return nil, err
	}
	s.db.mutex.RLock()
	defer s.db.mutex.RUnlock()

	p, ok := s.db.people[personID]
	if !ok {
		return nil, core.NewNotFoundError("person", personID)
	}
	if !usableEmail(p) {
		return []roster.Contact{}, nil
	}
	return []roster.Contact{s.contact(p)}, nil
}

func (s *rosterStore) GetGuardians(ctx context.Context, personID int) ([]roster.Contact, error) {
	if err := s.begin(ctx, "GetGuardians"); err != nil {
		return nil, err
	}
	s.db.mutex.RLock()
	defer s.db.mutex.RUnlock()

	p, ok := s.db.people[personID]
	if !ok {
		return nil, core.NewNotFoundError("person", personID)
	}
	contacts := make([]roster.Contact, 0, 2)
	if p.HouseholdID == 0 {
		return contacts, nil
	}
	for _, g := range s.db.people {
		if g.ID == p.ID || g.HouseholdID != p.HouseholdID || !roster.IsGuardianPosition(g.FamilyPosition) {
			continue
		}
		if g.EmailOptIn && usableEmail(g) {
			contacts = append(contacts, s.contact(g))
		}
	}
	sort.Slice(contacts, func(i, j int) bool { return contacts[i].PersonID < contacts[j].PersonID })
	return contacts, nil
}
