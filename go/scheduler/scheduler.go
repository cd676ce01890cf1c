// Package scheduler owns the test lifecycle: it creates test records,
// admits started tests against a bounded concurrency budget, spawns one
// execution per admitted test, and folds execution events back into the
// record's state machine. All records are in-memory; a restart loses them.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub007/go/execution"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub007/go/scenario"
	log "github.com/sirupsen/logrus"
)

// State of a test record.
type State string

const (
	StateSetup     State = "Setup"
	StateLoading   State = "Loading"
	StateLoaded    State = "Loaded"
	StateTesting   State = "Testing"
	StateCompleted State = "Completed"
	StateException State = "Exception"
	StateCancelled State = "Cancelled"
)

// Terminal returns whether no further transitions can occur from |s|.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateException, StateCancelled:
		return true
	default:
		return false
	}
}

// ErrNotFound marks an unknown test id.
var ErrNotFound = errors.New("test not found")

// ErrInvalidRequest marks a rejected client command.
var ErrInvalidRequest = errors.New("invalid request")

// ErrStopped marks asks against a stopped scheduler.
var ErrStopped = errors.New("scheduler is stopped")

// TestStatus is a point-in-time snapshot of one test record.
type TestStatus struct {
	TestID    uuid.UUID        `json:"testId"`
	State     State            `json:"state"`
	Bucket    string           `json:"bucket,omitempty"`
	TestType  string           `json:"testType,omitempty"`
	StartedAt *time.Time       `json:"startedAt,omitempty"`
	EndedAt   *time.Time       `json:"endedAt,omitempty"`
	Success   *bool            `json:"success,omitempty"`
	Result    *scenario.Result `json:"result,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// QueueStatus is a point-in-time snapshot of the whole queue.
type QueueStatus struct {
	// Counts of records per state. States with no records are omitted.
	Counts map[State]int `json:"counts"`
	// Testing lists every id currently in Testing, oldest first.
	Testing []uuid.UUID `json:"testing,omitempty"`
	// CurrentlyTesting is the oldest Testing id, if any.
	CurrentlyTesting *uuid.UUID `json:"currentlyTesting,omitempty"`
	// Record of the requested id, when one was given.
	Record *TestStatus `json:"record,omitempty"`
}

// Canceller is the scheduler's handle onto a spawned execution.
type Canceller interface {
	Cancel()
}

// Spawner starts the execution of one admitted test. Its events flow into
// the scheduler's event channel.
type Spawner func(testID uuid.UUID, bucket, testType string, events chan<- execution.Event) Canceller

// Config of a Scheduler.
type Config struct {
	// MaxConcurrent bounds the number of tests with a live execution.
	MaxConcurrent int
	// Retention is how long terminal records stay queryable; zero retains
	// them until process exit.
	Retention time.Duration
	// Execution configuration applied to every spawned execution.
	Execution execution.Config
	// Spawn overrides the execution spawner; tests only.
	Spawn Spawner
}

type record struct {
	id        uuid.UUID
	state     State
	bucket    string
	testType  string
	startedAt *time.Time
	endedAt   *time.Time
	result    *scenario.Result
	err       string
	exec      Canceller
}

func (r *record) status() TestStatus {
	var st = TestStatus{
		TestID:    r.id,
		State:     r.state,
		Bucket:    r.bucket,
		TestType:  r.testType,
		StartedAt: r.startedAt,
		EndedAt:   r.endedAt,
		Result:    r.result,
		Error:     r.err,
	}
	if r.state.Terminal() && r.state != StateCancelled {
		var success = r.state == StateCompleted
		st.Success = &success
	}
	return st
}

// Scheduler is the queue actor. A single goroutine owns every record;
// clients interact through bounded asks.
type Scheduler struct {
	cfg   Config
	spawn Spawner

	initials chan chan uuid.UUID
	starts   chan startAsk
	statuses chan statusAsk
	queues   chan queueAsk
	cancels  chan cancelAsk
	events   chan execution.Event

	stop chan struct{}
	done chan struct{}
	err  error
}

type startAsk struct {
	id       uuid.UUID
	bucket   string
	testType string
	reply    chan error
}

type statusAsk struct {
	id    uuid.UUID
	reply chan statusReply
}

type statusReply struct {
	status TestStatus
	err    error
}

type queueAsk struct {
	id    *uuid.UUID
	reply chan queueReply
}

type queueReply struct {
	status QueueStatus
	err    error
}

type cancelAsk struct {
	id    uuid.UUID
	reply chan cancelReply
}

type cancelReply struct {
	cancelled bool
	err       error
}

// New spawns a Scheduler using |ports| for its executions.
func New(cfg Config, ports execution.Ports) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}

	var s = &Scheduler{
		cfg:      cfg,
		spawn:    cfg.Spawn,
		initials: make(chan chan uuid.UUID),
		starts:   make(chan startAsk),
		statuses: make(chan statusAsk),
		queues:   make(chan queueAsk),
		cancels:  make(chan cancelAsk),
		events:   make(chan execution.Event, 64),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if s.spawn == nil {
		s.spawn = func(testID uuid.UUID, bucket, testType string, events chan<- execution.Event) Canceller {
			return execution.Begin(testID, bucket, testType, ports, cfg.Execution, events)
		}
	}
	go s.serve()
	return s
}

// Initialize creates a fresh Setup record and returns its id.
func (s *Scheduler) Initialize(ctx context.Context) (uuid.UUID, error) {
	var reply = make(chan uuid.UUID, 1)
	select {
	case s.initials <- reply:
	case <-s.stop:
		return uuid.Nil, ErrStopped
	case <-ctx.Done():
		return uuid.Nil, ctx.Err()
	}
	select {
	case id := <-reply:
		return id, nil
	case <-ctx.Done():
		return uuid.Nil, ctx.Err()
	}
}

// Start accepts a Setup record into the queue. It never blocks on
// admission: the record stays Loading until a concurrency slot frees up.
func (s *Scheduler) Start(ctx context.Context, id uuid.UUID, bucket, testType string) error {
	var ask = startAsk{id: id, bucket: bucket, testType: testType, reply: make(chan error, 1)}
	select {
	case s.starts <- ask:
	case <-s.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ask.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status snapshots one record.
func (s *Scheduler) Status(ctx context.Context, id uuid.UUID) (TestStatus, error) {
	var ask = statusAsk{id: id, reply: make(chan statusReply, 1)}
	select {
	case s.statuses <- ask:
	case <-s.stop:
		return TestStatus{}, ErrStopped
	case <-ctx.Done():
		return TestStatus{}, ctx.Err()
	}
	select {
	case r := <-ask.reply:
		return r.status, r.err
	case <-ctx.Done():
		return TestStatus{}, ctx.Err()
	}
}

// Queue snapshots the whole queue, optionally including one record.
func (s *Scheduler) Queue(ctx context.Context, id *uuid.UUID) (QueueStatus, error) {
	var ask = queueAsk{id: id, reply: make(chan queueReply, 1)}
	select {
	case s.queues <- ask:
	case <-s.stop:
		return QueueStatus{}, ErrStopped
	case <-ctx.Done():
		return QueueStatus{}, ctx.Err()
	}
	select {
	case r := <-ask.reply:
		return r.status, r.err
	case <-ctx.Done():
		return QueueStatus{}, ctx.Err()
	}
}

// Cancel requests cancellation of a test. Terminal records are a no-op.
func (s *Scheduler) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	var ask = cancelAsk{id: id, reply: make(chan cancelReply, 1)}
	select {
	case s.cancels <- ask:
	case <-s.stop:
		return false, ErrStopped
	case <-ctx.Done():
		return false, ctx.Err()
	}
	select {
	case r := <-ask.reply:
		return r.cancelled, r.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Stop halts the scheduler loop. Live executions are cancelled.
func (s *Scheduler) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
}

// Done closes when the scheduler loop has exited.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

// Err reports why the loop exited; nil after a clean Stop.
func (s *Scheduler) Err() error {
	<-s.done
	return s.err
}

func (s *Scheduler) serve() {
	defer close(s.done)
	defer func() {
		if r := recover(); r != nil {
			s.err = fmt.Errorf("scheduler panic: %v", r)
			log.WithField("panic", r).Error("scheduler crashed")
		}
	}()

	var records = make(map[uuid.UUID]*record)
	var pending []uuid.UUID // FIFO of Loading records awaiting admission.
	var active int

	var sweep = time.NewTicker(sweepInterval(s.cfg.Retention))
	defer sweep.Stop()

	var admit = func() {
		for active < s.cfg.MaxConcurrent && len(pending) != 0 {
			var id = pending[0]
			pending = pending[1:]

			var rec = records[id]
			if rec == nil || rec.state != StateLoading {
				// Cancelled or evicted while queued.
				continue
			}
			rec.exec = s.spawn(rec.id, rec.bucket, rec.testType, s.events)
			active++
			activeExecutionsGauge.Inc()
			log.WithFields(log.Fields{"testId": id, "active": active}).
				Debug("admitted test")
		}
		queuedTestsGauge.Set(float64(len(pending)))
	}

	var release = func(rec *record) {
		if rec.exec == nil {
			return
		}
		rec.exec = nil
		active--
		activeExecutionsGauge.Dec()
		admit()
	}

	for {
		select {
		case <-s.stop:
			for _, rec := range records {
				if rec.exec != nil {
					go rec.exec.Cancel()
				}
			}
			return

		case reply := <-s.initials:
			var id = uuid.New()
			records[id] = &record{id: id, state: StateSetup}
			reply <- id

		case ask := <-s.starts:
			ask.reply <- func() error {
				var rec, ok = records[ask.id]
				if !ok {
					return ErrNotFound
				}
				if rec.state != StateSetup {
					return fmt.Errorf("%w: test %s is already %s", ErrInvalidRequest, ask.id, rec.state)
				}
				if ask.bucket == "" {
					return fmt.Errorf("%w: bucket is required", ErrInvalidRequest)
				}

				var now = time.Now()
				rec.state = StateLoading
				rec.bucket = ask.bucket
				rec.testType = ask.testType
				rec.startedAt = &now
				pending = append(pending, ask.id)
				testsStartedCounter.Inc()
				admit()
				return nil
			}()

		case ask := <-s.statuses:
			if rec, ok := records[ask.id]; ok {
				ask.reply <- statusReply{status: rec.status()}
			} else {
				ask.reply <- statusReply{err: ErrNotFound}
			}

		case ask := <-s.queues:
			ask.reply <- queueSnapshot(records, ask.id)

		case ask := <-s.cancels:
			ask.reply <- func() cancelReply {
				var rec, ok = records[ask.id]
				if !ok {
					return cancelReply{err: ErrNotFound}
				}
				if rec.state.Terminal() {
					return cancelReply{cancelled: false}
				}

				if rec.exec == nil {
					// Setup, or Loading but not yet admitted: cancel directly.
					var now = time.Now()
					rec.state = StateCancelled
					rec.endedAt = &now
					testsTerminalCounter.WithLabelValues(string(StateCancelled)).Inc()
					queuedTestsGauge.Set(float64(countPending(records, pending)))
					return cancelReply{cancelled: true}
				}

				// Cancel is acknowledged through the event channel; calling
				// it here would deadlock the loop on its own inbox.
				go rec.exec.Cancel()
				return cancelReply{cancelled: true}
			}()

		case ev := <-s.events:
			var rec, ok = records[ev.TestID]
			if !ok {
				continue
			}
			s.onEvent(rec, ev, release)

		case <-sweep.C:
			if s.cfg.Retention <= 0 {
				continue
			}
			var cutoff = time.Now().Add(-s.cfg.Retention)
			for id, rec := range records {
				if rec.state.Terminal() && rec.endedAt != nil && rec.endedAt.Before(cutoff) {
					delete(records, id)
				}
			}
		}
	}
}

// onEvent folds one execution event into its record.
func (s *Scheduler) onEvent(rec *record, ev execution.Event, release func(*record)) {
	switch ev.Kind {
	case execution.KindLoaded:
		if rec.state == StateLoading {
			rec.state = StateLoaded
		}

	case execution.KindInitialized:
		if rec.state == StateLoaded {
			rec.state = StateTesting
		}

	case execution.KindCancelAck:
		if !rec.state.Terminal() {
			var now = time.Now()
			rec.state = StateCancelled
			rec.endedAt = &now
			testsTerminalCounter.WithLabelValues(string(StateCancelled)).Inc()
		}

	case execution.KindTerminal:
		if !rec.state.Terminal() {
			var now = time.Now()
			rec.endedAt = &now

			switch {
			case ev.Cancelled:
				rec.state = StateCancelled
			case ev.Err != nil:
				rec.state = StateException
				rec.err = ev.Err.Error()
			case ev.Result != nil && ev.Result.Passed:
				rec.state = StateCompleted
			case ev.Result != nil:
				rec.state = StateException
				rec.err = ev.Result.Error
			default:
				rec.state = StateException
				rec.err = "execution ended without a result"
			}
			testsTerminalCounter.WithLabelValues(string(rec.state)).Inc()
		}
		rec.result = ev.Result
		if ev.UploadErr != nil {
			// Non-fatal: the outcome stands, the failure is recorded.
			rec.err = joinErrors(rec.err, fmt.Sprintf("evidence upload failed: %s", ev.UploadErr))
		}
		release(rec)

		log.WithFields(log.Fields{
			"testId": rec.id,
			"state":  rec.state,
		}).Info("test reached terminal state")
	}
}

func queueSnapshot(records map[uuid.UUID]*record, id *uuid.UUID) queueReply {
	var out = QueueStatus{Counts: make(map[State]int)}

	var testing []*record
	for _, rec := range records {
		out.Counts[rec.state]++
		if rec.state == StateTesting {
			testing = append(testing, rec)
		}
	}
	sort.Slice(testing, func(i, j int) bool {
		return testing[i].startedAt.Before(*testing[j].startedAt)
	})
	for _, rec := range testing {
		out.Testing = append(out.Testing, rec.id)
	}
	if len(out.Testing) != 0 {
		out.CurrentlyTesting = &out.Testing[0]
	}

	if id != nil {
		var rec, ok = records[*id]
		if !ok {
			return queueReply{err: ErrNotFound}
		}
		var st = rec.status()
		out.Record = &st
	}
	return queueReply{status: out}
}

func countPending(records map[uuid.UUID]*record, pending []uuid.UUID) int {
	var n int
	for _, id := range pending {
		if rec, ok := records[id]; ok && rec.state == StateLoading {
			n++
		}
	}
	return n
}

func joinErrors(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}

// sweepInterval picks how often terminal records are checked for eviction.
func sweepInterval(retention time.Duration) time.Duration {
	if retention <= 0 {
		return time.Minute
	}
	var iv = retention / 4
	if iv < 10*time.Millisecond {
		iv = 10 * time.Millisecond
	}
	if iv > time.Minute {
		iv = time.Minute
	}
	return iv
}
