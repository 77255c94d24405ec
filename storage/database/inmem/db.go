package inmemdb

import (
	"sync"
	"time"

	"github.com/volatiletech/null/v8"

	"github.com/trezcool/kanisa/core/roster"
)

type (
	PersonRecord struct {
		ID             int
		FirstName      string
		LastName       string
		NickName       string
		HouseholdID    int
		FamilyPosition string
		BirthDate      null.Time
		Email          string
		EmailOptIn     bool
		DoNotEmail     bool
		DeceasedOn     null.Time
	}

	GroupRecord struct {
		ID       int
		Name     string
		IsActive bool
	}

	MeetingRecord struct {
		ID       int
		GroupID  int
		StartsAt time.Time
		Location null.String
		Program  null.String
		Canceled bool
	}

	memberKey struct {
		groupID  int
		personID int
	}

	attendanceKey struct {
		personID  int
		meetingID int
		day       string
	}

	attendanceRow struct {
		id        int
		present   bool
		createdAt time.Time
		updatedAt time.Time
	}

	ledgerEntry struct {
		personID int
		groupID  int
		cents    int64
	}

	// DB is a process-local stand-in for the roster database.
	// (person, meeting, day) attendance rows are unique, like the SQL constraint.
	DB struct {
		mutex sync.RWMutex
		pk    int

		households map[int]string
		people     map[int]*PersonRecord
		groups     map[int]*GroupRecord
		members    map[memberKey]bool // inactive flag
		subgroups  map[memberKey][]string
		meetings   map[int]*MeetingRecord
		attendance map[attendanceKey]*attendanceRow
		ledger     []ledgerEntry

		calls    map[string]int
		failures map[string]error
	}
)

func NewDB() *DB {
	return &DB{
		households: make(map[int]string),
		people:     make(map[int]*PersonRecord),
		groups:     make(map[int]*GroupRecord),
		members:    make(map[memberKey]bool),
		subgroups:  make(map[memberKey][]string),
		meetings:   make(map[int]*MeetingRecord),
		attendance: make(map[attendanceKey]*attendanceRow),
		calls:      make(map[string]int),
		failures:   make(map[string]error),
	}
}

func (db *DB) nextPK() int {
	db.pk++
	return db.pk
}

func (db *DB) AddHousehold(name string) int {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	id := db.nextPK()
	db.households[id] = name
	return id
}

func (db *DB) AddPerson(p PersonRecord) PersonRecord {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	p.ID = db.nextPK()
	if p.FamilyPosition == "" {
		p.FamilyPosition = roster.PositionOther
	}
	db.people[p.ID] = &p
	return p
}

func (db *DB) AddGroup(name string, active bool) GroupRecord {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	g := GroupRecord{ID: db.nextPK(), Name: name, IsActive: active}
	db.groups[g.ID] = &g
	return g
}

func (db *DB) AddMember(groupID, personID int, inactive bool) {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	db.members[memberKey{groupID, personID}] = inactive
}

func (db *DB) AddSubgroup(groupID, personID int, label string) {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	key := memberKey{groupID, personID}
	db.subgroups[key] = append(db.subgroups[key], label)
}

func (db *DB) AddMeeting(m MeetingRecord) MeetingRecord {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	m.ID = db.nextPK()
	db.meetings[m.ID] = &m
	return m
}

// AddCharge records an amount owed; a negative amount is a payment.
func (db *DB) AddCharge(personID, groupID int, cents int64) {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	db.ledger = append(db.ledger, ledgerEntry{personID: personID, groupID: groupID, cents: cents})
}

// AttendanceRows counts the attendance rows of a pair, present or not, across all days.
func (db *DB) AttendanceRows(personID, meetingID int) int {
	db.mutex.RLock()
	defer db.mutex.RUnlock()

	var n int
	for key := range db.attendance {
		if key.personID == personID && key.meetingID == meetingID {
			n++
		}
	}
	return n
}

// FailOn makes every later call of op return err. A nil err clears it.
func (db *DB) FailOn(op string, err error) {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	if err == nil {
		delete(db.failures, op)
		return
	}
	db.failures[op] = err
}

// Calls reports how many times op was invoked.
func (db *DB) Calls(op string) int {
	db.mutex.RLock()
	defer db.mutex.RUnlock()
	return db.calls[op]
}

// ResetCalls clears the call counters.
func (db *DB) ResetCalls() {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	db.calls = make(map[string]int)
}

func (db *DB) record(op string) error {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	db.calls[op]++
	return db.failures[op]
}
