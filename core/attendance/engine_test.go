package attendance_test

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/kanisa/core"
	"github.com/trezcool/kanisa/core/attendance"
	inmemdb "github.com/trezcool/kanisa/storage/database/inmem"
	"github.com/trezcool/kanisa/tests"
)

func setup(t *testing.T) (*attendance.Engine, *testutil.Roster) {
	r := testutil.NewRoster(t)
	conf := testutil.NewConfig()
	return attendance.NewEngine(r.Store, testutil.Clock(), conf, testutil.NewLogger(conf)), r
}

func TestEngine_CheckIn(t *testing.T) {
	engine, r := setup(t)
	ctx := context.Background()
	p := r.AddMember(t, inmemdb.PersonRecord{FirstName: "Ada", LastName: "Lovelace"})

	canceled := r.DB.AddMeeting(inmemdb.MeetingRecord{GroupID: r.Group.ID, StartsAt: testutil.Now, Canceled: true})
	closedGroup := r.DB.AddGroup("Closed", false)
	closedSession := r.DB.AddMeeting(inmemdb.MeetingRecord{GroupID: closedGroup.ID, StartsAt: testutil.Now})
	visitor := r.DB.AddPerson(inmemdb.PersonRecord{FirstName: "Vic", LastName: "Visitor"})
	former := r.DB.AddPerson(inmemdb.PersonRecord{FirstName: "Fred", LastName: "Former"})
	r.DB.AddMember(r.Group.ID, former.ID, true)

	tests := []struct {
		name        string
		personID    int
		sessionID   int
		wantAlready bool
		wantErr     func(error) bool
	}{
		{name: "missing person id", sessionID: r.Session.ID, wantErr: core.IsValidation},
		{name: "negative session id", personID: p.ID, sessionID: -1, wantErr: core.IsValidation},
		{name: "unknown session", personID: p.ID, sessionID: 9999, wantErr: core.IsNotFound},
		{name: "canceled session", personID: p.ID, sessionID: canceled.ID, wantErr: core.IsNotFound},
		{name: "inactive group", personID: p.ID, sessionID: closedSession.ID, wantErr: core.IsNotFound},
		{name: "unknown person", personID: 9999, sessionID: r.Session.ID, wantErr: core.IsNotFound},
		{name: "not a group member", personID: visitor.ID, sessionID: r.Session.ID, wantErr: core.IsNotFound},
		{name: "inactive membership", personID: former.ID, sessionID: r.Session.ID, wantErr: core.IsNotFound},
		{name: "first check-in", personID: p.ID, sessionID: r.Session.ID},
		{name: "second check-in", personID: p.ID, sessionID: r.Session.ID, wantAlready: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			already, err := engine.CheckIn(ctx, tt.personID, tt.sessionID)
			if tt.wantErr != nil {
				if !tt.wantErr(err) {
					t.Errorf("CheckIn() error = %v", err)
				}
				return
			}
			require.NoError(t, err)
			if already != tt.wantAlready {
				t.Errorf("CheckIn() alreadyWasPresent = %v, want %v", already, tt.wantAlready)
			}
		})
	}

	// idempotency: one row whatever the number of calls
	assert.Equal(t, 1, r.DB.AttendanceRows(p.ID, r.Session.ID))
	assert.Zero(t, r.DB.AttendanceRows(visitor.ID, r.Session.ID))
	assert.Zero(t, r.DB.AttendanceRows(former.ID, r.Session.ID))
}

func TestEngine_CheckIn_validationSkipsStore(t *testing.T) {
	engine, r := setup(t)
	_, err := engine.CheckIn(context.Background(), 0, 0)
	require.True(t, core.IsValidation(err))
	assert.Zero(t, r.DB.Calls("ResolveSessions"))
	assert.Zero(t, r.DB.Calls("SetPresent"))
}

func TestEngine_CheckIn_concurrent(t *testing.T) {
	engine, r := setup(t)
	p := r.AddMember(t, inmemdb.PersonRecord{FirstName: "Ada", LastName: "Lovelace"})

	const n = 16
	var wg sync.WaitGroup
	results := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			already, err := engine.CheckIn(context.Background(), p.ID, r.Session.ID)
			assert.NoError(t, err)
			results <- already
		}()
	}
	wg.Wait()
	close(results)

	var transitions int
	for already := range results {
		if !already {
			transitions++
		}
	}
	assert.Equal(t, 1, transitions)
	assert.Equal(t, 1, r.DB.AttendanceRows(p.ID, r.Session.ID))
}

func TestEngine_UndoCheckIn(t *testing.T) {
	engine, r := setup(t)
	ctx := context.Background()
	p := r.AddMember(t, inmemdb.PersonRecord{FirstName: "Ada", LastName: "Lovelace"})

	removed, err := engine.UndoCheckIn(ctx, p.ID, r.Session.ID)
	require.NoError(t, err)
	assert.False(t, removed, "nothing to undo")

	_, err = engine.CheckIn(ctx, p.ID, r.Session.ID)
	require.NoError(t, err)

	removed, err = engine.UndoCheckIn(ctx, p.ID, r.Session.ID)
	require.NoError(t, err)
	assert.True(t, removed)

	present, err := engine.IsPresentToday(ctx, p.ID, r.Session.ID)
	require.NoError(t, err)
	assert.False(t, present)

	removed, err = engine.UndoCheckIn(ctx, p.ID, r.Session.ID)
	require.NoError(t, err)
	assert.False(t, removed)

	// soft state: the row survives the undo
	assert.Equal(t, 1, r.DB.AttendanceRows(p.ID, r.Session.ID))

	// and checking in again flips it back
	already, err := engine.CheckIn(ctx, p.ID, r.Session.ID)
	require.NoError(t, err)
	assert.False(t, already)
	assert.Equal(t, 1, r.DB.AttendanceRows(p.ID, r.Session.ID))
}

func TestEngine_storeUnavailable(t *testing.T) {
	engine, r := setup(t)
	p := r.AddMember(t, inmemdb.PersonRecord{FirstName: "Ada", LastName: "Lovelace"})
	r.DB.FailOn("SetPresent", errors.New("connection reset"))

	_, err := engine.CheckIn(context.Background(), p.ID, r.Session.ID)
	assert.True(t, core.IsStoreUnavailable(err), "CheckIn() error = %v", err)

	r.DB.FailOn("SetPresent", nil)
	present, err := engine.IsPresentToday(context.Background(), p.ID, r.Session.ID)
	require.NoError(t, err)
	assert.False(t, present, "failed check-in leaves no partial state")
}

func TestEngine_canceledContext(t *testing.T) {
	engine, r := setup(t)
	p := r.AddMember(t, inmemdb.PersonRecord{FirstName: "Ada", LastName: "Lovelace"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := engine.CheckIn(ctx, p.ID, r.Session.ID)
	assert.True(t, core.IsStoreUnavailable(err))
	assert.Zero(t, r.DB.AttendanceRows(p.ID, r.Session.ID))
}
