package testutil

import (
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/kanisa/core"
	"github.com/trezcool/kanisa/core/roster"
	logsvc "github.com/trezcool/kanisa/services/logger"
	inmemdb "github.com/trezcool/kanisa/storage/database/inmem"
)

// Now is the fixed instant tests run at: a Sunday morning.
var Now = time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

func NewConfig() *core.Config {
	return &core.Config{
		AppName:  "Kanisa",
		Env:      "TEST",
		Debug:    true,
		TestMode: true,
		Mail:     core.MailConfig{Timeout: 5 * time.Second},
		Attendance: core.AttendanceConfig{
			Timezone:         "UTC",
			NotificationMode: core.NotifyImmediate,
			AdultAge:         18,
			StoreTimeout:     5 * time.Second,
			FlushTimeout:     5 * time.Second,
			DefaultPageSize:  20,
			MaxPageSize:      200,
		},
	}
}

func NewLogger(conf *core.Config) core.Logger {
	logger := logsvc.NewRollbarLogger(log.New(io.Discard, "TEST : ", log.LstdFlags), conf)
	logger.Enable(false)
	return logger
}

func NewValidator() (*validator.Validate, ut.Translator) {
	_en := en.New()
	translator, _ := ut.New(_en, _en).GetTranslator("en")
	validate := validator.New()
	core.InitValidators(validate, translator)
	return validate, translator
}

func Clock() core.Clock {
	return core.FixedClock(Now)
}

// Roster is a seeded in-memory roster: one active group meeting today.
type Roster struct {
	DB      *inmemdb.DB
	Store   roster.Store
	Group   inmemdb.GroupRecord
	Session inmemdb.MeetingRecord
}

func NewRoster(t *testing.T) *Roster {
	t.Helper()

	db := inmemdb.NewDB()
	group := db.AddGroup("Youth", true)
	session := db.AddMeeting(inmemdb.MeetingRecord{
		GroupID:  group.ID,
		StartsAt: Now,
		Location: null.StringFrom("Main hall"),
	})
	return &Roster{DB: db, Store: inmemdb.NewRosterStore(db), Group: group, Session: session}
}

// Birth returns a birth date making someone exactly age years old today.
func Birth(age int) null.Time {
	return null.TimeFrom(Now.AddDate(-age, 0, 0))
}

// AddMember creates a person and enrolls them in the roster group.
func (r *Roster) AddMember(t *testing.T, p inmemdb.PersonRecord) inmemdb.PersonRecord {
	t.Helper()

	p = r.DB.AddPerson(p)
	r.DB.AddMember(r.Group.ID, p.ID, false)
	return p
}

// AddMembers creates n members with last names spread over the alphabet.
func (r *Roster) AddMembers(t *testing.T, n int) []inmemdb.PersonRecord {
	t.Helper()

	people := make([]inmemdb.PersonRecord, 0, n)
	for i := 0; i < n; i++ {
		people = append(people, r.AddMember(t, inmemdb.PersonRecord{
			FirstName: fmt.Sprintf("First%02d", i),
			LastName:  fmt.Sprintf("%c-Last%02d", 'A'+rune(i%26), i),
			Email:     fmt.Sprintf("member%02d@test.cd", i),
			BirthDate: Birth(30),
		}))
	}
	return people
}

// AddFamily creates a household with two guardians and one child of childAge; all are members.
func (r *Roster) AddFamily(t *testing.T, name string, childAge int) (head, spouse, child inmemdb.PersonRecord) {
	t.Helper()

	hh := r.DB.AddHousehold(name)
	head = r.AddMember(t, inmemdb.PersonRecord{
		FirstName: "Head", LastName: name, HouseholdID: hh, FamilyPosition: roster.PositionHead,
		Email: "head@" + name + ".cd", EmailOptIn: true, BirthDate: Birth(45),
	})
	spouse = r.AddMember(t, inmemdb.PersonRecord{
		FirstName: "Spouse", LastName: name, HouseholdID: hh, FamilyPosition: roster.PositionSpouse,
		Email: "spouse@" + name + ".cd", EmailOptIn: true, BirthDate: Birth(43),
	})
	child = r.AddMember(t, inmemdb.PersonRecord{
		FirstName: "Child", LastName: name, HouseholdID: hh, FamilyPosition: roster.PositionChild,
		Email: "child@" + name + ".cd", EmailOptIn: true, BirthDate: Birth(childAge),
	})
	return head, spouse, child
}
