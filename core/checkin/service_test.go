package checkin_test

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/kanisa/core"
	"github.com/trezcool/kanisa/core/attendance"
	"github.com/trezcool/kanisa/core/checkin"
	"github.com/trezcool/kanisa/core/notify"
	appfs "github.com/trezcool/kanisa/fs"
	emailsvc "github.com/trezcool/kanisa/services/email"
	inmemdb "github.com/trezcool/kanisa/storage/database/inmem"
	"github.com/trezcool/kanisa/tests"
)

type failingMail struct{}

func (failingMail) SendMessage(context.Context, *core.EmailMessage) error {
	return errors.New("smtp: connection refused")
}

// cancelingMail cancels the caller's context right before delegating the send.
type cancelingMail struct {
	core.EmailService
	cancel context.CancelFunc
}

func (m cancelingMail) SendMessage(ctx context.Context, msg *core.EmailMessage) error {
	m.cancel()
	return m.EmailService.SendMessage(ctx, msg)
}

type fixture struct {
	*testutil.Roster
	svc        *checkin.Service
	engine     *attendance.Engine
	dispatcher *notify.Dispatcher
}

func setup(t *testing.T, mode string, mailSvc core.EmailService) *fixture {
	t.Helper()
	emailsvc.ResetSentMessages()

	r := testutil.NewRoster(t)
	conf := testutil.NewConfig()
	conf.Attendance.NotificationMode = mode
	logger := testutil.NewLogger(conf)
	validate, translator := testutil.NewValidator()

	tmpls, err := core.ParseTemplates(appfs.FS, appfs.EmailDir, conf.AppName, true)
	require.NoError(t, err)
	if mailSvc == nil {
		mailSvc = emailsvc.NewConsoleServiceMock(conf)
	}

	engine := attendance.NewEngine(r.Store, testutil.Clock(), conf, logger)
	dispatcher := notify.NewDispatcher(r.Store, notify.NewMailGateway(mailSvc, tmpls, logger), testutil.Clock(), conf, logger)
	return &fixture{
		Roster:     r,
		svc:        checkin.NewService(engine, dispatcher, conf, logger, validate, translator),
		engine:     engine,
		dispatcher: dispatcher,
	}
}

func sentTo() []string {
	msgs := emailsvc.GetSentMessages()
	to := make([]string, 0, len(msgs))
	for _, m := range msgs {
		for _, addr := range m.To {
			to = append(to, addr.Address)
		}
	}
	return to
}

func TestService_CheckIn_reasons(t *testing.T) {
	f := setup(t, core.NotifyImmediate, nil)
	p := f.AddMember(t, inmemdb.PersonRecord{FirstName: "Ada", LastName: "Lovelace", BirthDate: testutil.Birth(36)})

	tests := []struct {
		name       string
		req        checkin.Request
		failOn     string
		wantResult checkin.Response
	}{
		{
			name:       "missing person",
			req:        checkin.Request{SessionID: f.Session.ID},
			wantResult: checkin.Response{Reason: checkin.ReasonMissingParameters},
		},
		{
			name:       "missing session",
			req:        checkin.Request{PersonID: p.ID},
			wantResult: checkin.Response{Reason: checkin.ReasonMissingParameters},
		},
		{
			name:       "bad template selector",
			req:        checkin.Request{PersonID: p.ID, SessionID: f.Session.ID, NotificationTemplate: "check in!"},
			wantResult: checkin.Response{Reason: checkin.ReasonMissingParameters},
		},
		{
			name:       "unknown session",
			req:        checkin.Request{PersonID: p.ID, SessionID: 9999},
			wantResult: checkin.Response{Reason: checkin.ReasonCheckInFailed},
		},
		{
			name:       "unknown person",
			req:        checkin.Request{PersonID: 9999, SessionID: f.Session.ID},
			wantResult: checkin.Response{Reason: checkin.ReasonCheckInFailed},
		},
		{
			name:       "store unavailable",
			req:        checkin.Request{PersonID: p.ID, SessionID: f.Session.ID},
			failOn:     "SetPresent",
			wantResult: checkin.Response{Reason: checkin.ReasonGeneralError},
		},
		{
			name:       "checked in",
			req:        checkin.Request{PersonID: p.ID, SessionID: f.Session.ID, NotificationTemplate: " NONE "},
			wantResult: checkin.Response{Success: true, Reason: checkin.ReasonNone},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.failOn != "" {
				f.DB.FailOn(tt.failOn, errors.New("connection reset by peer"))
				defer f.DB.FailOn(tt.failOn, nil)
			}
			got := f.svc.CheckIn(context.Background(), tt.req)
			assert.Equal(t, tt.wantResult, got)
		})
	}
	assert.Empty(t, sentTo())
}

func TestService_CheckIn_notifiesOnce(t *testing.T) {
	f := setup(t, core.NotifyImmediate, nil)
	ctx := context.Background()
	head, spouse, child := f.AddFamily(t, "mbuyi", 9)

	req := checkin.Request{PersonID: child.ID, SessionID: f.Session.ID, PersonName: "  Kiki  "}
	assert.Equal(t, checkin.Response{Success: true, Reason: checkin.ReasonNone}, f.svc.CheckIn(ctx, req))
	assert.ElementsMatch(t, []string{head.Email, spouse.Email}, sentTo())

	msgs := emailsvc.GetSentMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "Kiki has checked in", msgs[0].Subject)
	assert.Contains(t, msgs[0].TextContent, "Your child Kiki checked in to Youth at Main hall on Sunday, March 10, 2024.")
	assert.Contains(t, msgs[0].HTMLContent, "Your child <b>Kiki</b> checked in to <b>Youth</b> at Main hall")

	// a second check-in the same day succeeds without notifying again
	assert.True(t, f.svc.CheckIn(ctx, req).Success)
	assert.Len(t, emailsvc.GetSentMessages(), 2)
	assert.Equal(t, 1, f.DB.AttendanceRows(child.ID, f.Session.ID))
}

func TestService_CheckIn_concurrent(t *testing.T) {
	f := setup(t, core.NotifyImmediate, nil)
	p := f.AddMember(t, inmemdb.PersonRecord{
		FirstName: "Ada", LastName: "Lovelace", Email: "ada@test.cd", BirthDate: testutil.Birth(36),
	})

	const n = 12
	var wg sync.WaitGroup
	results := make([]checkin.Response, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.svc.CheckIn(context.Background(), checkin.Request{PersonID: p.ID, SessionID: f.Session.ID})
		}(i)
	}
	wg.Wait()

	for _, res := range results {
		assert.True(t, res.Success)
	}
	assert.Equal(t, []string{"ada@test.cd"}, sentTo())
	assert.Equal(t, 1, f.DB.AttendanceRows(p.ID, f.Session.ID))
}

func TestService_CheckIn_notificationFailure(t *testing.T) {
	t.Run("transport", func(t *testing.T) {
		f := setup(t, core.NotifyImmediate, failingMail{})
		p := f.AddMember(t, inmemdb.PersonRecord{FirstName: "Ada", LastName: "Lovelace", Email: "ada@test.cd"})

		res := f.svc.CheckIn(context.Background(), checkin.Request{PersonID: p.ID, SessionID: f.Session.ID})
		assert.True(t, res.Success)

		present, err := f.engine.IsPresentToday(context.Background(), p.ID, f.Session.ID)
		require.NoError(t, err)
		assert.True(t, present)
	})

	t.Run("recipient lookup", func(t *testing.T) {
		f := setup(t, core.NotifyImmediate, nil)
		p := f.AddMember(t, inmemdb.PersonRecord{FirstName: "Ada", LastName: "Lovelace", Email: "ada@test.cd"})
		f.DB.FailOn("GetAge", errors.New("statement timeout"))

		res := f.svc.CheckIn(context.Background(), checkin.Request{PersonID: p.ID, SessionID: f.Session.ID})
		assert.True(t, res.Success)
		assert.Empty(t, sentTo())
	})

	t.Run("caller gone", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		mailSvc := cancelingMail{EmailService: emailsvc.NewConsoleServiceMock(testutil.NewConfig()), cancel: cancel}

		f := setup(t, core.NotifyImmediate, mailSvc)
		p := f.AddMember(t, inmemdb.PersonRecord{FirstName: "Ada", LastName: "Lovelace", Email: "ada@test.cd"})

		res := f.svc.CheckIn(ctx, checkin.Request{PersonID: p.ID, SessionID: f.Session.ID})
		assert.True(t, res.Success)
		assert.Error(t, ctx.Err())
		assert.Equal(t, []string{"ada@test.cd"}, sentTo())
	})
}

func TestService_CheckIn_batch(t *testing.T) {
	f := setup(t, core.NotifyBatch, nil)
	head, spouse, child := f.AddFamily(t, "kabila", 10)
	adult := f.AddMember(t, inmemdb.PersonRecord{FirstName: "Ada", LastName: "Lovelace", Email: "ada@test.cd"})

	q := notify.NewQueue()
	ctx := notify.WithQueue(context.Background(), q)
	for _, id := range []int{child.ID, adult.ID} {
		assert.True(t, f.svc.CheckIn(ctx, checkin.Request{PersonID: id, SessionID: f.Session.ID}).Success)
	}
	assert.Empty(t, sentTo())
	assert.Equal(t, 3, q.Len())

	sent, failed := f.dispatcher.Flush(context.Background(), q)
	assert.Equal(t, 3, sent)
	assert.Zero(t, failed)
	assert.ElementsMatch(t, []string{head.Email, spouse.Email, "ada@test.cd"}, sentTo())
}

func TestService_Undo(t *testing.T) {
	f := setup(t, core.NotifyImmediate, nil)
	ctx := context.Background()
	p := f.AddMember(t, inmemdb.PersonRecord{FirstName: "Ada", LastName: "Lovelace", Email: "ada@test.cd"})

	ok := checkin.Response{Success: true, Reason: checkin.ReasonNone}
	require.Equal(t, ok, f.svc.CheckIn(ctx, checkin.Request{PersonID: p.ID, SessionID: f.Session.ID}))

	tests := []struct {
		name       string
		req        checkin.UndoRequest
		wantResult checkin.Response
		wantHere   bool
	}{
		{
			name:       "missing person",
			req:        checkin.UndoRequest{SessionID: f.Session.ID},
			wantResult: checkin.Response{Reason: checkin.ReasonMissingParameters},
			wantHere:   true,
		},
		{
			name:       "unknown session",
			req:        checkin.UndoRequest{PersonID: p.ID, SessionID: 9999},
			wantResult: checkin.Response{Reason: checkin.ReasonCheckInFailed},
			wantHere:   true,
		},
		{
			name:       "undo",
			req:        checkin.UndoRequest{PersonID: p.ID, SessionID: f.Session.ID},
			wantResult: ok,
		},
		{
			name:       "undo when absent",
			req:        checkin.UndoRequest{PersonID: p.ID, SessionID: f.Session.ID},
			wantResult: ok,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantResult, f.svc.Undo(ctx, tt.req))

			present, err := f.engine.IsPresentToday(ctx, p.ID, f.Session.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantHere, present)
		})
	}

	// checking in again after an undo is a new transition and notifies again
	require.Equal(t, ok, f.svc.CheckIn(ctx, checkin.Request{PersonID: p.ID, SessionID: f.Session.ID}))
	assert.Len(t, sentTo(), 2)
}
