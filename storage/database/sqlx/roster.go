package sqlxrepos

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"net"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/kanisa/core"
	"github.com/trezcool/kanisa/core/roster"
)

const dayLayout = "2006-01-02"

var (
	psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

	memberOrdering = []core.DBOrdering{
		{Field: "lower(p.last_name)", Ascending: true},
		{Field: "lower(p.first_name)", Ascending: true},
		{Field: "p.id", Ascending: true},
	}

	likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
)

type (
	memberRow struct {
		ID          int           `db:"id"`
		FirstName   string        `db:"first_name"`
		LastName    string        `db:"last_name"`
		NickName    string        `db:"nick_name"`
		HouseholdID int           `db:"household_id"`
		GroupIDs    pq.Int64Array `db:"group_ids"`
	}

	contactRow struct {
		ID         int         `db:"id"`
		FirstName  string      `db:"first_name"`
		LastName   string      `db:"last_name"`
		NickName   string      `db:"nick_name"`
		Email      null.String `db:"email"`
		DoNotEmail bool        `db:"do_not_email"`
		Deceased   bool        `db:"deceased"`
	}
)

func (row memberRow) person() roster.Person {
	gIDs := make([]int, 0, len(row.GroupIDs))
	for _, id := range row.GroupIDs {
		gIDs = append(gIDs, int(id))
	}
	return roster.Person{
		ID:          row.ID,
		FirstName:   row.FirstName,
		LastName:    row.LastName,
		NickName:    row.NickName,
		DisplayName: roster.ComposeDisplayName(row.FirstName, row.NickName, row.LastName),
		HouseholdID: row.HouseholdID,
		GroupIDs:    gIDs,
	}
}

func (row contactRow) usable() bool {
	return !row.Deceased && !row.DoNotEmail && core.CleanString(row.Email.String) != ""
}

func (row contactRow) contact() roster.Contact {
	return roster.Contact{
		PersonID: row.ID,
		Name:     roster.ComposeDisplayName(row.FirstName, row.NickName, row.LastName),
		Email:    core.CleanString(row.Email.String),
	}
}

func int64s(ids []int) pq.Int64Array {
	out := make(pq.Int64Array, 0, len(ids))
	for _, id := range ids {
		out = append(out, int64(id))
	}
	return out
}

type rosterRepository struct {
	db *sqlx.DB
}

var _ roster.Store = (*rosterRepository)(nil) // interface compliance check

func NewRosterRepository(db *sqlx.DB) roster.Store {
	return &rosterRepository{db: db}
}

// trapErr classifies driver errors: transient ones become *core.StoreUnavailableError,
// missing rows *core.NotFoundError (when resource is set).
func (repo rosterRepository) trapErr(op string, err error, resource string, id int) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) && resource != "" {
		return core.NewNotFoundError(resource, id)
	}
	if isTransient(err) {
		return core.NewStoreUnavailableError(op, err)
	}
	return errors.Wrap(err, op)
}

func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", // connection exception
			"40", // transaction rollback (serialization failure, deadlock)
			"53", // insufficient resources
			"57": // operator intervention (query canceled, admin shutdown)
			return true
		}
	}
	return false
}

func (repo rosterRepository) ResolveSessions(ctx context.Context, ids []int) ([]roster.Session, error) {
	sessions := make([]roster.Session, 0, len(ids))
	if ids = core.UniqueInts(ids); len(ids) == 0 {
		return sessions, nil
	}

	query, args, err := psql.
		Select("m.id", "m.group_id", "g.name AS group_name", "m.starts_at", "m.location", "m.program").
		From("meetings m").
		Join("groups g ON g.id = m.group_id").
		Where("m.id = ANY(?)", int64s(ids)).
		Where("NOT m.canceled AND g.is_active").
		OrderBy("m.starts_at", "m.id").
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "building sessions query")
	}
	if err = repo.db.SelectContext(ctx, &sessions, query, args...); err != nil {
		return nil, repo.trapErr("ResolveSessions", err, "", 0)
	}
	return sessions, nil
}

func (repo rosterRepository) GetPerson(ctx context.Context, personID int) (roster.Person, error) {
	var row memberRow
	err := repo.db.GetContext(ctx, &row, `
		SELECT id, first_name, last_name, nick_name, COALESCE(household_id, 0) AS household_id, '{}'::bigint[] AS group_ids
		FROM people
		WHERE id = $1`, personID)
	if err != nil {
		return roster.Person{}, repo.trapErr("GetPerson", err, "person", personID)
	}
	return row.person(), nil
}

func (repo rosterRepository) IsMember(ctx context.Context, personID, groupID int) (bool, error) {
	var member bool
	err := repo.db.GetContext(ctx, &member, `
		SELECT EXISTS (
			SELECT 1 FROM group_members gm
			JOIN people p ON p.id = gm.person_id
			WHERE gm.person_id = $1 AND gm.group_id = $2 AND NOT gm.inactive AND p.deceased_on IS NULL
		)`, personID, groupID)
	if err != nil {
		return false, repo.trapErr("IsMember", err, "", 0)
	}
	return member, nil
}

// filterMembers applies the roster membership and the AND-ed filters of q.
func (repo rosterRepository) filterMembers(b sq.SelectBuilder, q roster.MemberQuery) sq.SelectBuilder {
	b = b.From("people p").
		Join("group_members gm ON gm.person_id = p.id").
		Where("gm.group_id = ANY(?)", int64s(q.GroupIDs)).
		Where("NOT gm.inactive AND p.deceased_on IS NULL")

	if !q.Alpha.IsZero() {
		b = b.Where("upper(left(btrim(p.last_name), 1)) BETWEEN ? AND ?", q.Alpha.From, q.Alpha.To)
	}
	if term := core.CleanString(q.Search); term != "" {
		pattern := "%" + likeEscaper.Replace(term) + "%"
		b = b.Where(sq.Or{
			sq.Expr(`p.first_name ILIKE ? ESCAPE '\'`, pattern),
			sq.Expr(`p.last_name ILIKE ? ESCAPE '\'`, pattern),
			sq.Expr(`p.nick_name ILIKE ? ESCAPE '\'`, pattern),
			sq.Expr(`concat_ws(' ', COALESCE(NULLIF(btrim(p.nick_name), ''), btrim(p.first_name)), btrim(p.last_name)) ILIKE ? ESCAPE '\'`, pattern),
		})
	}

	presentSQL := `EXISTS (
		SELECT 1 FROM attendance a
		WHERE a.person_id = p.id AND a.meeting_id = ANY(?) AND a.attended_on = ?::date AND a.present)`
	switch q.Presence {
	case roster.PresenceAbsent:
		b = b.Where("NOT "+presentSQL, int64s(q.SessionIDs), q.Day.Format(dayLayout))
	case roster.PresencePresent:
		b = b.Where(presentSQL, int64s(q.SessionIDs), q.Day.Format(dayLayout))
	}
	return b
}

func (repo rosterRepository) ListMembers(ctx context.Context, q roster.MemberQuery) ([]roster.Person, error) {
	people := make([]roster.Person, 0)
	if len(q.GroupIDs) == 0 {
		return people, nil
	}

	b := repo.filterMembers(psql.Select(
		"p.id", "p.first_name", "p.last_name", "p.nick_name",
		"COALESCE(p.household_id, 0) AS household_id",
		"array_agg(gm.group_id ORDER BY gm.group_id) AS group_ids",
	), q).
		GroupBy("p.id").
		OrderBy(core.OrderByClauses(memberOrdering...)...)
	if q.Limit > 0 {
		b = b.Limit(uint64(q.Limit))
	}
	if q.Offset > 0 {
		b = b.Offset(uint64(q.Offset))
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "building members query")
	}
	var rows []memberRow
	if err = repo.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, repo.trapErr("ListMembers", err, "", 0)
	}
	for _, row := range rows {
		people = append(people, row.person())
	}
	return people, nil
}

func (repo rosterRepository) count(ctx context.Context, op string, q roster.MemberQuery) (int, error) {
	if len(q.GroupIDs) == 0 {
		return 0, nil
	}
	query, args, err := repo.filterMembers(psql.Select("count(DISTINCT p.id)"), q).ToSql()
	if err != nil {
		return 0, errors.Wrap(err, "building count query")
	}
	var n int
	if err = repo.db.GetContext(ctx, &n, query, args...); err != nil {
		return 0, repo.trapErr(op, err, "", 0)
	}
	return n, nil
}

func (repo rosterRepository) CountMembers(ctx context.Context, q roster.MemberQuery) (int, error) {
	q.Offset, q.Limit = 0, 0
	return repo.count(ctx, "CountMembers", q)
}

func (repo rosterRepository) CountRoster(ctx context.Context, groupIDs []int) (int, error) {
	return repo.count(ctx, "CountRoster", roster.MemberQuery{GroupIDs: groupIDs})
}

func (repo rosterRepository) CountPresent(ctx context.Context, groupIDs, sessionIDs []int, day time.Time) (int, error) {
	return repo.count(ctx, "CountPresent", roster.MemberQuery{
		GroupIDs:   groupIDs,
		SessionIDs: sessionIDs,
		Day:        day,
		Presence:   roster.PresencePresent,
	})
}

func (repo rosterRepository) GetAge(ctx context.Context, personID int, asOf time.Time) (null.Int, error) {
	var age null.Int
	err := repo.db.GetContext(ctx, &age, `
		SELECT EXTRACT(YEAR FROM age($2::date, birth_date))::int
		FROM people
		WHERE id = $1`, personID, asOf.Format(dayLayout))
	if err != nil {
		return null.Int{}, repo.trapErr("GetAge", err, "person", personID)
	}
	return age, nil
}

// GetBalance returns charges minus payments in cents. No groupIDs means every group.
func (repo rosterRepository) GetBalance(ctx context.Context, personID int, groupIDs []int) (int64, error) {
	var groups pq.Int64Array
	if len(groupIDs) > 0 {
		groups = int64s(groupIDs)
	}

	var cents int64
	err := repo.db.GetContext(ctx, &cents, `
		SELECT round(100 * (
			COALESCE((SELECT sum(amount) FROM charges WHERE person_id = $1 AND ($2::bigint[] IS NULL OR group_id = ANY($2))), 0) -
			COALESCE((SELECT sum(amount) FROM payments WHERE person_id = $1 AND ($2::bigint[] IS NULL OR group_id = ANY($2))), 0)
		))::bigint`, personID, groups)
	if err != nil {
		return 0, repo.trapErr("GetBalance", err, "", 0)
	}
	return cents, nil
}

func (repo rosterRepository) GetSubgroups(ctx context.Context, personID, groupID int) ([]string, error) {
	labels := make([]string, 0)
	err := repo.db.SelectContext(ctx, &labels, `
		SELECT label FROM member_subgroups
		WHERE person_id = $1 AND group_id = $2
		ORDER BY label`, personID, groupID)
	if err != nil {
		return nil, repo.trapErr("GetSubgroups", err, "", 0)
	}
	return labels, nil
}

func (repo rosterRepository) IsPresentToday(ctx context.Context, personID, sessionID int, day time.Time) (bool, error) {
	var present bool
	err := repo.db.GetContext(ctx, &present, `
		SELECT EXISTS (
			SELECT 1 FROM attendance
			WHERE person_id = $1 AND meeting_id = $2 AND attended_on = $3::date AND present
		)`, personID, sessionID, day.Format(dayLayout))
	if err != nil {
		return false, repo.trapErr("IsPresentToday", err, "", 0)
	}
	return present, nil
}

// SetPresent relies on the (person, meeting, day) unique constraint: of concurrent callers,
// only the one whose statement flips the row sees it returned.
func (repo rosterRepository) SetPresent(ctx context.Context, personID, sessionID int, day time.Time, present bool) (bool, error) {
	d := day.Format(dayLayout)

	if !present {
		res, err := repo.db.ExecContext(ctx, `
			UPDATE attendance SET present = FALSE, updated_at = now()
			WHERE person_id = $1 AND meeting_id = $2 AND attended_on = $3::date AND present`,
			personID, sessionID, d)
		if err != nil {
			return false, repo.trapErr("SetPresent", err, "", 0)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, repo.trapErr("SetPresent", err, "", 0)
		}
		return n > 0, nil
	}

	var id int
	err := repo.db.GetContext(ctx, &id, `
		INSERT INTO attendance (person_id, meeting_id, attended_on, present)
		VALUES ($1, $2, $3::date, TRUE)
		ON CONFLICT ON CONSTRAINT attendance_person_meeting_day_key
		DO UPDATE SET present = TRUE, updated_at = now()
		WHERE NOT attendance.present
		RETURNING id`, personID, sessionID, d)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, sql.ErrNoRows):
		// conflict with a row already present: nothing changed
		return false, nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23503" { // foreign_key_violation
		if strings.Contains(pqErr.Constraint, "meeting") {
			return false, core.NewNotFoundError("session", sessionID)
		}
		return false, core.NewNotFoundError("person", personID)
	}
	return false, repo.trapErr("SetPresent", err, "", 0)
}

func (repo rosterRepository) GetContact(ctx context.Context, personID int) ([]roster.Contact, error) {
	var row contactRow
	err := repo.db.GetContext(ctx, &row, `
		SELECT id, first_name, last_name, nick_name, email, do_not_email, deceased_on IS NOT NULL AS deceased
		FROM people
		WHERE id = $1`, personID)
	if err != nil {
		return nil, repo.trapErr("GetContact", err, "person", personID)
	}
	if !row.usable() {
		return []roster.Contact{}, nil
	}
	return []roster.Contact{row.contact()}, nil
}

func (repo rosterRepository) GetGuardians(ctx context.Context, personID int) ([]roster.Contact, error) {
	var householdID null.Int
	err := repo.db.GetContext(ctx, &householdID, `SELECT household_id FROM people WHERE id = $1`, personID)
	if err != nil {
		return nil, repo.trapErr("GetGuardians", err, "person", personID)
	}
	contacts := make([]roster.Contact, 0, 2)
	if !householdID.Valid {
		return contacts, nil
	}

	var rows []contactRow
	err = repo.db.SelectContext(ctx, &rows, `
		SELECT id, first_name, last_name, nick_name, email, do_not_email, deceased_on IS NOT NULL AS deceased
		FROM people
		WHERE household_id = $1 AND id <> $2 AND family_position IN ($3, $4) AND email_opt_in
		ORDER BY id`, householdID.Int, personID, roster.PositionHead, roster.PositionSpouse)
	if err != nil {
		return nil, repo.trapErr("GetGuardians", err, "", 0)
	}
	for _, row := range rows {
		if row.usable() {
			contacts = append(contacts, row.contact())
		}
	}
	return contacts, nil
}
