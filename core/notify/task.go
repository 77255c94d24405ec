package notify

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/trezcool/kanisa/core/roster"
)

// Task is one ephemeral message to one recipient. Tasks are never persisted.
type Task struct {
	ID        uuid.UUID
	PersonID  int
	SessionID int
	Recipient roster.Contact
	Template  string
	Subject   string
	Body      Body
}

// Queue is a process-local list of tasks waiting for the end-of-request flush.
// Queued tasks are lost if the process dies before the flush.
type Queue struct {
	mu    sync.Mutex
	tasks []Task
}

func NewQueue() *Queue {
	return &Queue{}
}

func (q *Queue) Push(tasks ...Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, tasks...)
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Drain empties the queue and returns what it held.
func (q *Queue) Drain() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	tasks := q.tasks
	q.tasks = nil
	return tasks
}

type queueKey struct{}

// WithQueue scopes batch-mode tasks to ctx, usually one request.
func WithQueue(ctx context.Context, q *Queue) context.Context {
	return context.WithValue(ctx, queueKey{}, q)
}

func QueueFromContext(ctx context.Context) (*Queue, bool) {
	q, ok := ctx.Value(queueKey{}).(*Queue)
	return q, ok && q != nil
}
