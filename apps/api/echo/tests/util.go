package tests

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"

	echoapi "github.com/trezcool/kanisa/apps/api/echo"
	"github.com/trezcool/kanisa/core"
	"github.com/trezcool/kanisa/core/attendance"
	"github.com/trezcool/kanisa/core/checkin"
	"github.com/trezcool/kanisa/core/notify"
	"github.com/trezcool/kanisa/core/roster"
	appfs "github.com/trezcool/kanisa/fs"
	emailsvc "github.com/trezcool/kanisa/services/email"
	"github.com/trezcool/kanisa/tests"
)

type fixture struct {
	*testutil.Roster
	app        echoapi.Server
	dispatcher *notify.Dispatcher
}

func setup(t *testing.T, mode string) *fixture {
	t.Helper()
	emailsvc.ResetSentMessages()

	r := testutil.NewRoster(t)
	conf := testutil.NewConfig()
	conf.Server.DisableReqLogs = true
	conf.Attendance.NotificationMode = mode
	logger := testutil.NewLogger(conf)
	validate, translator := testutil.NewValidator()

	tmpls, err := core.ParseTemplates(appfs.FS, appfs.EmailDir, conf.AppName, true)
	require.NoError(t, err)
	mailSvc := emailsvc.NewConsoleServiceMock(conf)

	clock := testutil.Clock()
	engine := attendance.NewEngine(r.Store, clock, conf, logger)
	dispatcher := notify.NewDispatcher(r.Store, notify.NewMailGateway(mailSvc, tmpls, logger), clock, conf, logger)

	app := echoapi.NewServer(echoapi.ServerDeps{
		Conf:       conf,
		Logger:     logger,
		RosterSvc:  roster.NewService(r.Store, clock, conf, logger),
		CheckinSvc: checkin.NewService(engine, dispatcher, conf, logger, validate, translator),
		Dispatcher: dispatcher,
		Validate:   validate,
		Translator: translator,
	})
	t.Cleanup(func() { _ = app.Close() })

	return &fixture{Roster: r, app: app, dispatcher: dispatcher}
}

type httpErr struct {
	Error string `json:"error"`
}

type httpTest struct {
	name     string
	method   string
	path     string
	body     []byte
	wantCode int
	wantData []byte
	extra    interface{}
}

func newRequest(method, path string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	var body bytes.Buffer
	if len(data) > 0 {
		body.Write(data[0])
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	return req, rec
}

// do serves one request against the fixture's server.
func (f *fixture) do(method, path string, data ...[]byte) *httptest.ResponseRecorder {
	req, rec := newRequest(method, path, data...)
	f.app.ServeHTTP(rec, req)
	return rec
}

func marchallObj(t *testing.T, obj interface{}) []byte {
	data, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marchallObj(): %v", err)
	}
	return data
}

func unmarchallObj(t *testing.T, rec *httptest.ResponseRecorder, obj interface{}) {
	if err := json.Unmarshal(rec.Body.Bytes(), obj); err != nil {
		t.Fatalf("unmarchallObj(%s): %v", rec.Body.String(), err)
	}
}

func jsonBytesEqual(b1, b2 []byte) (bool, error) {
	var j1, j2 interface{}
	if err := json.Unmarshal(b1, &j1); err != nil {
		return false, err
	}
	if err := json.Unmarshal(b2, &j2); err != nil {
		return false, err
	}
	return reflect.DeepEqual(j1, j2), nil
}

func checkCodeAndData(t *testing.T, tt httpTest, rec *httptest.ResponseRecorder) {
	if rec.Code != tt.wantCode {
		t.Errorf("failed! code = %v; wantCode %v", rec.Code, tt.wantCode)
	}
	if tt.wantData == nil {
		return
	}
	ok, err := jsonBytesEqual(rec.Body.Bytes(), tt.wantData)
	if err != nil {
		t.Errorf("jsonBytesEqual() failed to compare; err %v", err)
	}
	if !ok {
		t.Errorf("failed! data = %v; wantData %v", rec.Body.String(), string(tt.wantData))
	}
}
