package notify

import (
	"context"
	"expvar"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/trezcool/kanisa/core"
	"github.com/trezcool/kanisa/core/roster"
)

// Template selectors
const (
	TemplateNone    = "none"
	TemplateDefault = "checkin"
)

var (
	sentCount   = expvar.NewInt("notifications_sent")
	failedCount = expvar.NewInt("notifications_failed")

	newTaskID = uuid.New // mockable

	// maximum concurrent sends of one dispatch or flush
	sendLimit = 8
)

// MessageData is what notification templates render.
type MessageData struct {
	PersonName    string
	RecipientName string
	Guardian      bool
	SessionID     int
	GroupName     string
	Location      string
	Date          string
}

// Dispatcher routes a post check-in notification to the person (adults or unknown age)
// or to their household guardians (minors).
type Dispatcher struct {
	store    roster.Store
	gateway  Gateway
	clock    core.Clock
	loc      *time.Location
	logger   core.Logger
	adultAge int
	batch    bool
	timeout  time.Duration
	queue    *Queue
}

func NewDispatcher(store roster.Store, gateway Gateway, clock core.Clock, conf *core.Config, logger core.Logger) *Dispatcher {
	loc, err := conf.Location()
	if err != nil {
		logger.Warn(fmt.Sprintf("notify: %v; using UTC", err), err)
	}
	adultAge := conf.Attendance.AdultAge
	if adultAge <= 0 {
		adultAge = 18
	}
	return &Dispatcher{
		store:    store,
		gateway:  gateway,
		clock:    clock,
		loc:      loc,
		logger:   logger,
		adultAge: adultAge,
		batch:    conf.BatchNotifications(),
		timeout:  conf.Mail.Timeout,
		queue:    NewQueue(),
	}
}

// Batch reports whether tasks are queued instead of sent immediately.
func (d *Dispatcher) Batch() bool { return d.batch }

// Queue is the process-wide queue used when ctx carries none.
func (d *Dispatcher) Queue() *Queue { return d.queue }

// Dispatch notifies about a committed check-in. sent is the number of messages delivered
// (immediate mode) or queued (batch mode). A failed send is logged and never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, personID int, personName string, sessionID int, templateSelector string) (int, error) {
	selector := core.CleanString(templateSelector, true)
	if selector == TemplateNone {
		return 0, nil
	}
	if selector == "" {
		selector = TemplateDefault
	}
	if personID <= 0 {
		return 0, core.NewValidationError(nil, core.FieldError{Field: "person_id", Error: "must be a positive id"})
	}

	recipients, guardian, err := d.resolveRecipients(ctx, personID)
	if err != nil {
		return 0, err
	}
	if len(recipients) == 0 {
		return 0, nil
	}

	if personName = core.CleanString(personName); personName == "" {
		p, err := d.store.GetPerson(ctx, personID)
		if err != nil {
			return 0, errors.Wrap(err, "getting person")
		}
		personName = p.DisplayName
	}

	session, err := d.session(ctx, sessionID)
	if err != nil {
		return 0, err
	}

	tasks := make([]Task, 0, len(recipients))
	for _, rcpt := range recipients {
		subject, body := d.render(selector, MessageData{
			PersonName:    personName,
			RecipientName: rcpt.Name,
			Guardian:      guardian,
			SessionID:     sessionID,
			GroupName:     session.GroupName,
			Location:      session.Location.String,
			Date:          core.Day(d.clock.Now(), d.loc).Format("Monday, January 2, 2006"),
		})
		tasks = append(tasks, Task{
			ID:        newTaskID(),
			PersonID:  personID,
			SessionID: sessionID,
			Recipient: rcpt,
			Template:  selector,
			Subject:   subject,
			Body:      body,
		})
	}

	if d.batch {
		q, ok := QueueFromContext(ctx)
		if !ok {
			q = d.queue
		}
		q.Push(tasks...)
		return len(tasks), nil
	}

	sent, _ := d.send(ctx, tasks)
	return sent, nil
}

// resolveRecipients: age lookup, then guardians for minors or the person for adults.
func (d *Dispatcher) resolveRecipients(ctx context.Context, personID int) ([]roster.Contact, bool, error) {
	age, err := d.store.GetAge(ctx, personID, core.Day(d.clock.Now(), d.loc))
	if err != nil {
		return nil, false, errors.Wrap(err, "getting age")
	}

	// unknown age is treated as adult
	if age.Valid && age.Int < d.adultAge {
		guardians, err := d.store.GetGuardians(ctx, personID)
		return guardians, true, errors.Wrap(err, "getting guardians")
	}
	self, err := d.store.GetContact(ctx, personID)
	return self, false, errors.Wrap(err, "getting contact")
}

// session gives the group and place the message mentions. An inactive session leaves them blank.
func (d *Dispatcher) session(ctx context.Context, sessionID int) (roster.Session, error) {
	sessions, err := d.store.ResolveSessions(ctx, []int{sessionID})
	if err != nil {
		return roster.Session{}, errors.Wrap(err, "resolving session")
	}
	if len(sessions) == 0 {
		return roster.Session{}, nil
	}
	return sessions[0], nil
}

func (d *Dispatcher) render(selector string, data MessageData) (string, Body) {
	subject, body, err := d.gateway.RenderTemplate(selector, data)
	if err != nil || body.Text == "" {
		if err != nil && !errors.Is(err, core.ErrTemplateNotFound) {
			d.logger.Warn(fmt.Sprintf("rendering template %q: %v", selector, err), err)
		}
		return fallbackMessage(data)
	}
	if subject == "" {
		subject, _ = fallbackMessage(data)
	}
	return subject, body
}

func fallbackMessage(data MessageData) (string, Body) {
	subject := "Check-in: " + data.PersonName

	where := ""
	if data.GroupName != "" {
		where += " to " + data.GroupName
	}
	if data.Location != "" {
		where += " at " + data.Location
	}
	text := fmt.Sprintf("%s has been checked in%s on %s.\n", data.PersonName, where, data.Date)
	if data.RecipientName != "" {
		text = fmt.Sprintf("Hello %s,\n\n%s", data.RecipientName, text)
	}
	return subject, Body{Text: text}
}

// send delivers the tasks concurrently, each under its own timeout and detached from the
// caller's cancellation: a dispatch to a whole household waits about one timeout.
// One failure never stops the others.
func (d *Dispatcher) send(ctx context.Context, tasks []Task) (sent, failed int) {
	ctx = context.WithoutCancel(ctx)

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(sendLimit)
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			err := d.sendOne(ctx, task)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				failedCount.Add(1)
				nErr := core.NewNotificationError(task.Recipient.Email, err)
				d.logger.Warn(fmt.Sprintf("notification %s failed: %v", task.ID, nErr), nErr)
				return nil
			}
			sent++
			sentCount.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return sent, failed
}

func (d *Dispatcher) sendOne(ctx context.Context, task Task) error {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	return d.gateway.SendEmail(ctx, task.Recipient.Email, task.Recipient.Name, task.Subject, task.Body)
}

// Flush sends everything queued in q.
func (d *Dispatcher) Flush(ctx context.Context, q *Queue) (sent, failed int) {
	if q == nil {
		q = d.queue
	}
	tasks := q.Drain()
	if len(tasks) == 0 {
		return 0, 0
	}
	return d.send(ctx, tasks)
}
