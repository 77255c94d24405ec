package main

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/kanisa/core"
	appfs "github.com/trezcool/kanisa/fs"
	emailsvc "github.com/trezcool/kanisa/services/email"
	inmemdb "github.com/trezcool/kanisa/storage/database/inmem"
	"github.com/trezcool/kanisa/tests"
)

func setup(t *testing.T, mode string) (*commandLine, *testutil.Roster, *bytes.Buffer) {
	t.Helper()
	emailsvc.ResetSentMessages()

	r := testutil.NewRoster(t)
	conf := testutil.NewConfig()
	conf.Attendance.NotificationMode = mode
	tmpls, err := core.ParseTemplates(appfs.FS, appfs.EmailDir, conf.AppName, true)
	require.NoError(t, err)

	out := new(bytes.Buffer)
	return &commandLine{
		store:     r.Store,
		mailSvc:   emailsvc.NewConsoleServiceMock(conf),
		templates: tmpls,
		clock:     testutil.Clock(),
		conf:      conf,
		logger:    testutil.NewLogger(conf),
		out:       out,
	}, r, out
}

type cliTest struct {
	name       string
	args       []string // without program name
	wantErr    error
	wantErrStr string
	extra      interface{}
}

func checkErr(t *testing.T, tt cliTest, err error) {
	t.Helper()

	switch {
	case err == nil:
		if tt.wantErr != nil || tt.wantErrStr != "" {
			t.Errorf("cli.run() error = nil, wantErr %v %s", tt.wantErr, tt.wantErrStr)
		}
	case tt.wantErr != nil:
		if err != tt.wantErr {
			t.Errorf("cli.run() error = %v, wantErr %v", err, tt.wantErr)
		}
	case tt.wantErrStr != "":
		if err.Error() != tt.wantErrStr {
			t.Errorf("cli.run() error.Error() = %s, wantErrStr %s", err.Error(), tt.wantErrStr)
		}
	default:
		t.Errorf("cli.run() unexpected error = %v", err)
	}
}

func Test_commandLine_migrate(t *testing.T) {
	cli, _, _ := setup(t, core.NotifyImmediate)

	orig := migrateFunc
	t.Cleanup(func() { migrateFunc = orig })
	migrateFunc = func(_ context.Context, _ *sql.DB, command string, args ...string) error {
		switch command {
		case "up", "up-by-one", "down", "fix", "redo", "reset", "status", "version": // pass
		case "up-to", "down-to":
			if len(args) == 0 {
				return fmt.Errorf("%s must be of form: goose [OPTIONS] DRIVER DBSTRING %s VERSION", command, command)
			}
			if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
				return fmt.Errorf("version must be a number (got '%s')", args[0])
			}
		case "create":
			if len(args) == 0 {
				return fmt.Errorf("create must be of form: goose [OPTIONS] DRIVER DBSTRING create NAME [go|sql]")
			}
		default:
			return fmt.Errorf("%q: no such command", command)
		}
		return nil
	}

	tests := []cliTest{
		{name: "no command", wantErr: errHelp},
		{name: "no subcommand", args: []string{"migrate"}, wantErr: errHelp},
		{name: "unknown subcommand", args: []string{"migrate", "lol"}, wantErrStr: "\"lol\": no such command"},
		{name: "up-to: no args", args: []string{"migrate", "up-to"}, wantErrStr: "up-to must be of form: goose [OPTIONS] DRIVER DBSTRING up-to VERSION"},
		{name: "up-to: non-int arg", args: []string{"migrate", "up-to", "lol"}, wantErrStr: "version must be a number (got 'lol')"},
		{name: "create: no args", args: []string{"migrate", "create"}, wantErrStr: "create must be of form: goose [OPTIONS] DRIVER DBSTRING create NAME [go|sql]"},
		{name: "down-to: no args", args: []string{"migrate", "down-to"}, wantErrStr: "down-to must be of form: goose [OPTIONS] DRIVER DBSTRING down-to VERSION"},
		{name: "up", args: []string{"migrate", "up"}},
		{name: "up-by-one", args: []string{"migrate", "up-by-one"}},
		{name: "up-to", args: []string{"migrate", "up-to", "2"}},
		{name: "down", args: []string{"migrate", "down"}},
		{name: "down-to", args: []string{"migrate", "down-to", "1"}},
		{name: "redo", args: []string{"migrate", "redo"}},
		{name: "status", args: []string{"migrate", "status"}},
		{name: "version", args: []string{"migrate", "version"}},
		{name: "create", args: []string{"migrate", "create", "households", "sql"}},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)

		t.Run(tt.name, func(t *testing.T) {
			checkErr(t, tt, cli.run(args))
		})
	}
}

func Test_commandLine_checkin(t *testing.T) {
	cli, r, out := setup(t, core.NotifyImmediate)
	ada := r.AddMember(t, inmemdb.PersonRecord{
		FirstName: "Ada", LastName: "Lovelace", Email: "ada@test.cd", BirthDate: testutil.Birth(36),
	})
	person, session := strconv.Itoa(ada.ID), strconv.Itoa(r.Session.ID)

	tests := []cliTest{
		{name: "missing person", args: []string{"checkin", "--session", session}, wantErrStr: "missing_parameters"},
		{name: "unknown session", args: []string{"checkin", "--person", person, "--session", "9999"}, wantErrStr: "check_in_failed"},
		{name: "bad date", args: []string{"checkin", "--person", person, "--session", session, "--date", "10/03/2024"}, wantErrStr: "must be formatted as YYYY-MM-DD"},
		{name: "status before", args: []string{"status", "--person", person, "--session", session}, extra: "present: false"},
		{name: "check in", args: []string{"checkin", "--person", person, "--session", session}, extra: "success: true"},
		{name: "check in again", args: []string{"checkin", "--person", person, "--session", session}, extra: "reason: none"},
		{name: "status after", args: []string{"status", "--person", person, "--session", session}, extra: "present: true"},
		{name: "present on another day", args: []string{"status", "--person", person, "--session", session, "--date", "2024-03-11"}, extra: "present: false"},
		{name: "stats", args: []string{"stats", "--session", session}, extra: "present_count: 1"},
		{name: "undo", args: []string{"undo", "--person", person, "--session", session}, extra: "success: true"},
		{name: "status after undo", args: []string{"status", "--person", person, "--session", session}, extra: "present: false"},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)

		t.Run(tt.name, func(t *testing.T) {
			out.Reset()
			err := cli.run(args)
			if tt.wantErrStr != "" && err != nil {
				assert.Contains(t, err.Error(), tt.wantErrStr)
				return
			}
			checkErr(t, tt, err)
			if want, ok := tt.extra.(string); ok {
				assert.Contains(t, out.String(), want)
			}
		})
	}
	assert.Len(t, emailsvc.GetSentMessages(), 1)
}

func Test_commandLine_checkin_batch(t *testing.T) {
	cli, r, _ := setup(t, core.NotifyBatch)
	_, _, child := r.AddFamily(t, "Tshisekedi", 10)

	err := cli.run([]string{"admin", "checkin", "--person", strconv.Itoa(child.ID), "--session", strconv.Itoa(r.Session.ID)})
	require.NoError(t, err)

	// guardians notified before the command returns
	assert.Len(t, emailsvc.GetSentMessages(), 2)
	assert.Equal(t, 0, cli.svcs.Dispatcher.Queue().Len())
}

func Test_commandLine_roster(t *testing.T) {
	cli, r, out := setup(t, core.NotifyImmediate)
	people := r.AddMembers(t, 3)
	r.DB.AddCharge(people[0].ID, r.Group.ID, 500)
	session := strconv.Itoa(r.Session.ID)

	tests := []cliTest{
		{name: "pending", args: []string{"roster", "--session", session}, extra: []string{"First00 A-Last00", "5.00", "page 1, 3 of 3"}},
		{name: "alpha", args: []string{"roster", "--session", session, "--alpha", "B"}, extra: []string{"First01 B-Last01", "page 1, 1 of 1"}},
		{name: "paging", args: []string{"roster", "--session", session, "--page", "2", "--page-size", "2"}, extra: []string{"First02 C-Last02", "page 2, 1 of 3"}},
		{name: "present", args: []string{"roster", "--session", session, "--view", "present"}, extra: []string{"page 1, 0 of 0"}},
		{name: "bad view", args: []string{"roster", "--session", session, "--view", "all"}, wantErrStr: "view"},
		{name: "bad alpha", args: []string{"roster", "--session", session, "--alpha", "Z-A"}, wantErrStr: "alpha"},
		{name: "stats", args: []string{"stats", "--session", session + ",9999"}, extra: []string{"not_present_count: 3", "total_count: 3"}},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)

		t.Run(tt.name, func(t *testing.T) {
			out.Reset()
			err := cli.run(args)
			if tt.wantErrStr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErrStr)
				return
			}
			require.NoError(t, err)
			for _, want := range tt.extra.([]string) {
				assert.Contains(t, out.String(), want)
			}
		})
	}
}
