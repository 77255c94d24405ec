// Package storetest holds the behavior every roster.Store implementation must share.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/kanisa/core"
	"github.com/trezcool/kanisa/core/roster"
	inmemdb "github.com/trezcool/kanisa/storage/database/inmem"
)

// Seeder writes fixtures into the database behind a store.
type Seeder interface {
	AddHousehold(name string) int
	AddPerson(p inmemdb.PersonRecord) inmemdb.PersonRecord
	AddGroup(name string, active bool) inmemdb.GroupRecord
	AddMember(groupID, personID int, inactive bool)
	AddSubgroup(groupID, personID int, label string)
	AddMeeting(m inmemdb.MeetingRecord) inmemdb.MeetingRecord
	AddCharge(personID, groupID int, cents int64)
}

// Factory returns a store over an empty database plus its seeder.
type Factory func(t *testing.T) (roster.Store, Seeder)

var (
	now   = time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	today = core.Day(now, time.UTC)
)

func birth(age int) null.Time {
	return null.TimeFrom(today.AddDate(-age, 0, 0))
}

type fixture struct {
	store   roster.Store
	seed    Seeder
	group   inmemdb.GroupRecord
	session inmemdb.MeetingRecord
}

func newFixture(t *testing.T, factory Factory) *fixture {
	store, seed := factory(t)
	group := seed.AddGroup("Youth", true)
	session := seed.AddMeeting(inmemdb.MeetingRecord{GroupID: group.ID, StartsAt: now, Location: null.StringFrom("Main hall")})
	return &fixture{store: store, seed: seed, group: group, session: session}
}

func (f *fixture) member(p inmemdb.PersonRecord) inmemdb.PersonRecord {
	p = f.seed.AddPerson(p)
	f.seed.AddMember(f.group.ID, p.ID, false)
	return p
}

func ids(people []roster.Person) []int {
	out := make([]int, 0, len(people))
	for _, p := range people {
		out = append(out, p.ID)
	}
	return out
}

// Run exercises a roster.Store implementation.
func Run(t *testing.T, factory Factory) {
	t.Run("ResolveSessions", func(t *testing.T) { testResolveSessions(t, factory) })
	t.Run("GetPerson", func(t *testing.T) { testGetPerson(t, factory) })
	t.Run("IsMember", func(t *testing.T) { testIsMember(t, factory) })
	t.Run("ListMembers", func(t *testing.T) { testListMembers(t, factory) })
	t.Run("Counts", func(t *testing.T) { testCounts(t, factory) })
	t.Run("GetAge", func(t *testing.T) { testGetAge(t, factory) })
	t.Run("Enrichment", func(t *testing.T) { testEnrichment(t, factory) })
	t.Run("SetPresent", func(t *testing.T) { testSetPresent(t, factory) })
	t.Run("SetPresentConcurrent", func(t *testing.T) { testSetPresentConcurrent(t, factory) })
	t.Run("Contacts", func(t *testing.T) { testContacts(t, factory) })
}

func testResolveSessions(t *testing.T, factory Factory) {
	f := newFixture(t, factory)
	ctx := context.Background()

	later := f.seed.AddMeeting(inmemdb.MeetingRecord{GroupID: f.group.ID, StartsAt: now.Add(2 * time.Hour)})
	canceled := f.seed.AddMeeting(inmemdb.MeetingRecord{GroupID: f.group.ID, StartsAt: now, Canceled: true})
	closed := f.seed.AddGroup("Closed", false)
	closedSession := f.seed.AddMeeting(inmemdb.MeetingRecord{GroupID: closed.ID, StartsAt: now})

	got, err := f.store.ResolveSessions(ctx, []int{later.ID, canceled.ID, f.session.ID, closedSession.ID, 9999, f.session.ID})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, f.session.ID, got[0].ID)
	assert.Equal(t, "Youth", got[0].GroupName)
	assert.Equal(t, null.StringFrom("Main hall"), got[0].Location)
	assert.False(t, got[0].Program.Valid)
	assert.Equal(t, later.ID, got[1].ID)

	got, err = f.store.ResolveSessions(ctx, nil)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func testGetPerson(t *testing.T, factory Factory) {
	f := newFixture(t, factory)
	p := f.member(inmemdb.PersonRecord{FirstName: "Elizabeth", NickName: "Liz", LastName: "Kasa"})

	got, err := f.store.GetPerson(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Liz Kasa", got.DisplayName)
	assert.Equal(t, "Elizabeth", got.FirstName)

	_, err = f.store.GetPerson(context.Background(), 9999)
	assert.True(t, core.IsNotFound(err), "%v", err)
}

func testIsMember(t *testing.T, factory Factory) {
	f := newFixture(t, factory)
	ctx := context.Background()

	ada := f.member(inmemdb.PersonRecord{FirstName: "Ada", LastName: "Lovelace"})
	visitor := f.seed.AddPerson(inmemdb.PersonRecord{FirstName: "Vic", LastName: "Visitor"})
	former := f.seed.AddPerson(inmemdb.PersonRecord{FirstName: "Fred", LastName: "Former"})
	f.seed.AddMember(f.group.ID, former.ID, true)
	dead := f.member(inmemdb.PersonRecord{FirstName: "Gone", LastName: "Adams", DeceasedOn: null.TimeFrom(now.AddDate(-1, 0, 0))})

	tests := []struct {
		name     string
		personID int
		want     bool
	}{
		{name: "active member", personID: ada.ID, want: true},
		{name: "not enrolled", personID: visitor.ID},
		{name: "inactive membership", personID: former.ID},
		{name: "deceased", personID: dead.ID},
		{name: "unknown person", personID: 9999},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.store.IsMember(ctx, tt.personID, f.group.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func testListMembers(t *testing.T, factory Factory) {
	f := newFixture(t, factory)
	ctx := context.Background()

	other := f.seed.AddGroup("Choir", true)
	zoe := f.member(inmemdb.PersonRecord{FirstName: "Zoe", LastName: "adams"})
	ben := f.member(inmemdb.PersonRecord{FirstName: "ben", LastName: "Adams"})
	amy := f.member(inmemdb.PersonRecord{FirstName: "Amy", LastName: "Mwamba", NickName: "Mimi"})
	pct := f.member(inmemdb.PersonRecord{FirstName: "Cent", LastName: "100%Sure"})
	f.seed.AddMember(other.ID, amy.ID, false)

	dead := f.member(inmemdb.PersonRecord{FirstName: "Gone", LastName: "Adams", DeceasedOn: null.TimeFrom(now.AddDate(-1, 0, 0))})
	inactive := f.seed.AddPerson(inmemdb.PersonRecord{FirstName: "Left", LastName: "Adams"})
	f.seed.AddMember(f.group.ID, inactive.ID, true)
	_ = f.seed.AddPerson(inmemdb.PersonRecord{FirstName: "Visitor", LastName: "Adams"})

	base := roster.MemberQuery{GroupIDs: []int{f.group.ID, other.ID}, SessionIDs: []int{f.session.ID}, Day: today}
	tests := []struct {
		name   string
		modify func(q *roster.MemberQuery)
		want   []int
	}{
		{name: "all, ordered", modify: func(q *roster.MemberQuery) {}, want: []int{pct.ID, ben.ID, zoe.ID, amy.ID}},
		{name: "alpha", modify: func(q *roster.MemberQuery) { q.Alpha = roster.AlphaRange{From: "A", To: "L"} }, want: []int{ben.ID, zoe.ID}},
		{name: "search nick", modify: func(q *roster.MemberQuery) { q.Search = "mim" }, want: []int{amy.ID}},
		{name: "search display name", modify: func(q *roster.MemberQuery) { q.Search = "mimi mw" }, want: []int{amy.ID}},
		{name: "search literal percent", modify: func(q *roster.MemberQuery) { q.Search = "0%s" }, want: []int{pct.ID}},
		{name: "search underscore is literal", modify: func(q *roster.MemberQuery) { q.Search = "a_a" }, want: []int{}},
		{name: "alpha and search", modify: func(q *roster.MemberQuery) {
			q.Alpha = roster.AlphaRange{From: "M", To: "M"}
			q.Search = "ben"
		}, want: []int{}},
		{name: "page", modify: func(q *roster.MemberQuery) { q.Offset, q.Limit = 1, 2 }, want: []int{ben.ID, zoe.ID}},
		{name: "past the end", modify: func(q *roster.MemberQuery) { q.Offset, q.Limit = 10, 2 }, want: []int{}},
		{name: "no groups", modify: func(q *roster.MemberQuery) { q.GroupIDs = nil }, want: []int{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := base
			tt.modify(&q)
			got, err := f.store.ListMembers(ctx, q)
			require.NoError(t, err)
			assert.NotNil(t, got)
			assert.Equal(t, tt.want, ids(got))
		})
	}

	got, err := f.store.ListMembers(ctx, roster.MemberQuery{GroupIDs: []int{f.group.ID, other.ID}, Search: "amy"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []int{f.group.ID, other.ID}, got[0].GroupIDs)
	assert.NotContains(t, ids(got), dead.ID)
}

func testCounts(t *testing.T, factory Factory) {
	f := newFixture(t, factory)
	ctx := context.Background()

	people := make([]inmemdb.PersonRecord, 0, 5)
	for _, name := range []string{"Ilunga", "Kabeya", "Lukusa", "Mbuyi", "Ngoy"} {
		people = append(people, f.member(inmemdb.PersonRecord{FirstName: "P", LastName: name}))
	}
	for _, p := range people[:2] {
		changed, err := f.store.SetPresent(ctx, p.ID, f.session.ID, today, true)
		require.NoError(t, err)
		require.True(t, changed)
	}
	// yesterday's attendance does not count
	_, err := f.store.SetPresent(ctx, people[2].ID, f.session.ID, today.AddDate(0, 0, -1), true)
	require.NoError(t, err)

	groups, sessions := []int{f.group.ID}, []int{f.session.ID}
	total, err := f.store.CountRoster(ctx, groups)
	require.NoError(t, err)
	present, err := f.store.CountPresent(ctx, groups, sessions, today)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Equal(t, 2, present)

	absent, err := f.store.CountMembers(ctx, roster.MemberQuery{GroupIDs: groups, SessionIDs: sessions, Day: today, Presence: roster.PresenceAbsent})
	require.NoError(t, err)
	assert.Equal(t, 3, absent)

	pending, err := f.store.ListMembers(ctx, roster.MemberQuery{GroupIDs: groups, SessionIDs: sessions, Day: today, Presence: roster.PresenceAbsent})
	require.NoError(t, err)
	assert.Equal(t, []int{people[2].ID, people[3].ID, people[4].ID}, ids(pending))
}

func testGetAge(t *testing.T, factory Factory) {
	f := newFixture(t, factory)
	ctx := context.Background()

	almost := f.member(inmemdb.PersonRecord{FirstName: "Almost", BirthDate: null.TimeFrom(today.AddDate(-18, 0, 1))})
	adult := f.member(inmemdb.PersonRecord{FirstName: "Adult", BirthDate: birth(18)})
	unknown := f.member(inmemdb.PersonRecord{FirstName: "Unknown"})

	tests := []struct {
		name     string
		personID int
		want     null.Int
	}{
		{name: "day before 18th birthday", personID: almost.ID, want: null.IntFrom(17)},
		{name: "18th birthday", personID: adult.ID, want: null.IntFrom(18)},
		{name: "no birth date", personID: unknown.ID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.store.GetAge(ctx, tt.personID, today)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := f.store.GetAge(ctx, 9999, today)
	assert.True(t, core.IsNotFound(err), "%v", err)
}

func testEnrichment(t *testing.T, factory Factory) {
	f := newFixture(t, factory)
	ctx := context.Background()
	other := f.seed.AddGroup("Choir", true)
	p := f.member(inmemdb.PersonRecord{FirstName: "Ada", LastName: "Lovelace"})
	f.seed.AddMember(other.ID, p.ID, false)

	f.seed.AddCharge(p.ID, f.group.ID, 2500)
	f.seed.AddCharge(p.ID, f.group.ID, -1000)
	f.seed.AddCharge(p.ID, other.ID, 700)

	balance, err := f.store.GetBalance(ctx, p.ID, []int{f.group.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1500), balance)
	balance, err = f.store.GetBalance(ctx, p.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2200), balance)

	f.seed.AddSubgroup(f.group.ID, p.ID, "Ushers")
	f.seed.AddSubgroup(f.group.ID, p.ID, "Altos")
	labels, err := f.store.GetSubgroups(ctx, p.ID, f.group.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Altos", "Ushers"}, labels)

	labels, err = f.store.GetSubgroups(ctx, p.ID, other.ID)
	require.NoError(t, err)
	assert.NotNil(t, labels)
	assert.Empty(t, labels)
}

func testSetPresent(t *testing.T, factory Factory) {
	f := newFixture(t, factory)
	ctx := context.Background()
	p := f.member(inmemdb.PersonRecord{FirstName: "Ada", LastName: "Lovelace"})

	steps := []struct {
		name        string
		present     bool
		wantChanged bool
	}{
		{name: "undo when absent", present: false},
		{name: "check in", present: true, wantChanged: true},
		{name: "check in again", present: true},
		{name: "undo", present: false, wantChanged: true},
		{name: "undo again", present: false},
		{name: "check in after undo", present: true, wantChanged: true},
	}
	for _, step := range steps {
		changed, err := f.store.SetPresent(ctx, p.ID, f.session.ID, today, step.present)
		require.NoError(t, err, step.name)
		assert.Equal(t, step.wantChanged, changed, step.name)

		here, err := f.store.IsPresentToday(ctx, p.ID, f.session.ID, today)
		require.NoError(t, err, step.name)
		if step.wantChanged || step.present {
			assert.Equal(t, step.present, here, step.name)
		}
	}

	here, err := f.store.IsPresentToday(ctx, p.ID, f.session.ID, today.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.False(t, here)

	_, err = f.store.SetPresent(ctx, 9999, f.session.ID, today, true)
	assert.True(t, core.IsNotFound(err), "%v", err)
	_, err = f.store.SetPresent(ctx, p.ID, 9999, today, true)
	assert.True(t, core.IsNotFound(err), "%v", err)
}

func testSetPresentConcurrent(t *testing.T, factory Factory) {
	f := newFixture(t, factory)
	p := f.member(inmemdb.PersonRecord{FirstName: "Ada", LastName: "Lovelace"})

	const n = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		changes int
		errs    []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			changed, err := f.store.SetPresent(context.Background(), p.ID, f.session.ID, today, true)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			}
			if changed {
				changes++
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, errs)
	assert.Equal(t, 1, changes)
}

func testContacts(t *testing.T, factory Factory) {
	f := newFixture(t, factory)
	ctx := context.Background()

	hh := f.seed.AddHousehold("Mbuyi")
	head := f.member(inmemdb.PersonRecord{
		FirstName: "Head", LastName: "Mbuyi", HouseholdID: hh, FamilyPosition: roster.PositionHead,
		Email: " head@mbuyi.cd ", EmailOptIn: true,
	})
	f.member(inmemdb.PersonRecord{
		FirstName: "Spouse", LastName: "Mbuyi", HouseholdID: hh, FamilyPosition: roster.PositionSpouse,
		Email: "spouse@mbuyi.cd",
	})
	f.member(inmemdb.PersonRecord{
		FirstName: "Uncle", LastName: "Mbuyi", HouseholdID: hh, FamilyPosition: roster.PositionOther,
		Email: "uncle@mbuyi.cd", EmailOptIn: true,
	})
	child := f.member(inmemdb.PersonRecord{
		FirstName: "Child", LastName: "Mbuyi", HouseholdID: hh, FamilyPosition: roster.PositionChild,
		Email: "child@mbuyi.cd", DoNotEmail: true, BirthDate: birth(9),
	})
	loner := f.member(inmemdb.PersonRecord{FirstName: "Lone", LastName: "Kid", BirthDate: birth(9)})

	guardians, err := f.store.GetGuardians(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, []roster.Contact{{PersonID: head.ID, Name: "Head Mbuyi", Email: "head@mbuyi.cd"}}, guardians)

	guardians, err = f.store.GetGuardians(ctx, loner.ID)
	require.NoError(t, err)
	assert.NotNil(t, guardians)
	assert.Empty(t, guardians)

	self, err := f.store.GetContact(ctx, head.ID)
	require.NoError(t, err)
	assert.Equal(t, []roster.Contact{{PersonID: head.ID, Name: "Head Mbuyi", Email: "head@mbuyi.cd"}}, self)

	self, err = f.store.GetContact(ctx, child.ID)
	require.NoError(t, err)
	assert.Empty(t, self)

	_, err = f.store.GetContact(ctx, 9999)
	assert.True(t, core.IsNotFound(err), "%v", err)
	_, err = f.store.GetGuardians(ctx, 9999)
	assert.True(t, core.IsNotFound(err), "%v", err)
}
