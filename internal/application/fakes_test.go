package application_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/ericfisherdev/enrollwatch/internal/domain/model"
	"github.com/ericfisherdev/enrollwatch/internal/domain/port/driven"
)

var fixedNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

// --- Credential cache ---

type fakeCache struct {
	mu          sync.Mutex
	now         func() time.Time
	cred        *model.Credential
	getErr      error
	putErr      error
	puts        []string
	invalidated []string
}

func (c *fakeCache) Get(_ context.Context) (*model.Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, &driven.CacheError{Op: "get", Err: c.getErr}
	}
	if c.cred == nil {
		return nil, nil
	}
	if !c.cred.UsableAt(c.now()) {
		c.cred = nil
		return nil, nil
	}
	cp := *c.cred
	return &cp, nil
}

func (c *fakeCache) Put(_ context.Context, token string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.puts = append(c.puts, token)
	if c.putErr != nil {
		return &driven.CacheError{Op: "put", Err: c.putErr}
	}
	c.cred = &model.Credential{Token: token, ExpiresAt: c.now().Add(ttl)}
	return nil
}

func (c *fakeCache) Invalidate(_ context.Context, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = append(c.invalidated, token)
	if c.cred != nil && c.cred.Token == token {
		c.cred = nil
	}
	return nil
}

// --- Enrollment provider ---

type statusResult struct {
	status *model.EnrollmentStatus
	err    error
	panic  bool
}

func pending() statusResult {
	return statusResult{status: &model.EnrollmentStatus{State: model.EnrollmentPending, RawState: model.ProviderPendingState}}
}

func ready(email string) statusResult {
	return statusResult{status: &model.EnrollmentStatus{
		State:     model.EnrollmentReady,
		RawState:  "matriculado",
		Email:     email,
		Username:  "jdoe",
		Password:  "pw",
		FirstName: "Jane",
		LastName:  "Doe",
	}}
}

func statusErr(kind driven.StatusKind, code int) statusResult {
	return statusResult{err: &driven.StatusError{Kind: kind, StatusCode: code, Message: "provider said no"}}
}

type fakeProvider struct {
	mu         sync.Mutex
	tokenErr   error
	tokenCalls int
	tokens     []string
	results    []statusResult
	fetches    []string
}

func (p *fakeProvider) AcquireToken(_ context.Context, transcript io.Writer) (string, time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenCalls++
	if p.tokenErr != nil {
		fmt.Fprintf(transcript, "Access token response: [500]\n")
		return "", 0, &driven.TokenError{StatusCode: 500, Message: "boom", Err: p.tokenErr}
	}
	token := fmt.Sprintf("token-%d", p.tokenCalls)
	p.tokens = append(p.tokens, token)
	fmt.Fprintf(transcript, "Access token response: [200]\n")
	return token, time.Hour, nil
}

func (p *fakeProvider) FetchStatus(_ context.Context, enrollmentID int64, token string, transcript io.Writer) (*model.EnrollmentStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetches = append(p.fetches, token)
	if len(p.results) == 0 {
		panic("fakeProvider: no scripted result")
	}
	r := p.results[0]
	p.results = p.results[1:]
	if r.panic {
		panic("provider exploded")
	}
	fmt.Fprintf(transcript, "Tuition response for %d\n", enrollmentID)
	return r.status, r.err
}

// --- Attempt queue ---

type completion struct {
	id      int64
	outcome model.AttemptOutcome
	lastErr string
	next    *model.PollingAttempt
}

type fakeQueue struct {
	mu          sync.Mutex
	nextID      int64
	attempts    []model.PollingAttempt
	completions []completion
	enqueueErr  error
	completeErr error
	staleCuts   []time.Time
}

func (q *fakeQueue) Enqueue(_ context.Context, a model.PollingAttempt) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return 0, q.enqueueErr
	}
	return q.insertLocked(a), nil
}

func (q *fakeQueue) insertLocked(a model.PollingAttempt) int64 {
	q.nextID++
	a.ID = q.nextID
	a.Status = model.AttemptStatusScheduled
	q.attempts = append(q.attempts, a)
	return a.ID
}

func (q *fakeQueue) ClaimDue(_ context.Context, now time.Time, limit int) ([]model.PollingAttempt, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []int
	for i, a := range q.attempts {
		if a.Status == model.AttemptStatusScheduled && !a.ScheduledAt.After(now) {
			due = append(due, i)
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return q.attempts[due[i]].ScheduledAt.Before(q.attempts[due[j]].ScheduledAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]model.PollingAttempt, 0, len(due))
	for _, i := range due {
		q.attempts[i].Status = model.AttemptStatusRunning
		claimed = append(claimed, q.attempts[i])
	}
	return claimed, nil
}

func (q *fakeQueue) Complete(_ context.Context, id int64, outcome model.AttemptOutcome, lastErr string, next *model.PollingAttempt) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.completeErr != nil {
		return q.completeErr
	}
	for i := range q.attempts {
		if q.attempts[i].ID == id {
			q.attempts[i].Status = model.AttemptStatusDone
			q.attempts[i].Outcome = outcome
			q.attempts[i].LastError = lastErr
		}
	}
	q.completions = append(q.completions, completion{id: id, outcome: outcome, lastErr: lastErr, next: next})
	if next != nil {
		q.insertLocked(*next)
	}
	return nil
}

func (q *fakeQueue) RequeueStale(_ context.Context, cutoff time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.staleCuts = append(q.staleCuts, cutoff)
	return 0, nil
}

func (q *fakeQueue) Pending(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, a := range q.attempts {
		if a.Status == model.AttemptStatusScheduled {
			n++
		}
	}
	return n, nil
}

func (q *fakeQueue) History(_ context.Context, enrollmentID int64) ([]model.PollingAttempt, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []model.PollingAttempt
	for _, a := range q.attempts {
		if a.EnrollmentID == enrollmentID {
			out = append(out, a)
		}
	}
	return out, nil
}

// scheduled returns the single attempt still waiting, if any.
func (q *fakeQueue) scheduled() (model.PollingAttempt, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, a := range q.attempts {
		if a.Status == model.AttemptStatusScheduled {
			return a, true
		}
	}
	return model.PollingAttempt{}, false
}

func (q *fakeQueue) outcomes() []model.AttemptOutcome {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]model.AttemptOutcome, 0, len(q.completions))
	for _, c := range q.completions {
		out = append(out, c.outcome)
	}
	return out
}

// --- Attempt log ---

type fakeLog struct {
	mu      sync.Mutex
	files   map[int64]*bytes.Buffer
	openErr  error
	readErr  error
	resetErr error
}

func newFakeLog() *fakeLog {
	return &fakeLog{files: map[int64]*bytes.Buffer{}}
}

func (l *fakeLog) Reset(enrollmentID int64, requestedAt time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.resetErr != nil {
		return l.resetErr
	}
	buf := &bytes.Buffer{}
	fmt.Fprintf(buf, "Request date: %s\n", requestedAt.UTC().Format(driven.AttemptLogDateLayout))
	l.files[enrollmentID] = buf
	return nil
}

func (l *fakeLog) Open(enrollmentID int64) (io.WriteCloser, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.openErr != nil {
		return nil, l.openErr
	}
	buf, ok := l.files[enrollmentID]
	if !ok {
		buf = &bytes.Buffer{}
		l.files[enrollmentID] = buf
	}
	return &logWriter{l: l, buf: buf}, nil
}

func (l *fakeLog) Contents(enrollmentID int64) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.readErr != nil {
		return nil, l.readErr
	}
	buf, ok := l.files[enrollmentID]
	if !ok {
		return nil, errors.New("no such log")
	}
	return append([]byte(nil), buf.Bytes()...), nil
}

func (l *fakeLog) String(enrollmentID int64) string {
	b, _ := l.Contents(enrollmentID)
	return string(b)
}

type logWriter struct {
	l   *fakeLog
	buf *bytes.Buffer
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.l.mu.Lock()
	defer w.l.mu.Unlock()
	return w.buf.Write(p)
}

func (w *logWriter) Close() error { return nil }

// --- Notifier ---

type adminCall struct {
	enrollmentID int64
	log          []byte
}

type fakeNotifier struct {
	mu       sync.Mutex
	userErr  error
	adminErr error
	users    []model.UserNotification
	admins   []adminCall
}

func (n *fakeNotifier) NotifyUser(_ context.Context, u model.UserNotification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.users = append(n.users, u)
	return n.userErr
}

func (n *fakeNotifier) NotifyAdmin(_ context.Context, enrollmentID int64, logContents []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.admins = append(n.admins, adminCall{enrollmentID: enrollmentID, log: logContents})
	return n.adminErr
}
