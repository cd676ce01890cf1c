// Package execution drives one admitted test through its lifecycle: fetch
// the bucket, fetch credentials, start streams, run scenarios, upload
// evidence, and tear down. Each Execution is an actor running on its own
// goroutine; it reports progress and exactly one terminal event to its
// supervisor's event channel, and receives only Cancel.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub007/go/codec"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub007/go/manifest"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub007/go/scenario"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub007/go/scratch"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub007/go/storage"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub007/go/streams"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub007/go/vault"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Ports are the external adapters an Execution drives.
type Ports struct {
	Store  storage.Store
	Vault  vault.Vault
	Codec  codec.Codec
	Broker streams.BrokerFactory
	Runner scenario.Runner
}

// Config of an Execution.
type Config struct {
	// DefaultBootstrapServers applies to directives without an override.
	DefaultBootstrapServers string
	// AskTimeout bounds stream asks and per-phase adapter calls.
	AskTimeout time.Duration
	// StartupDeadline bounds the StartingStreams phase as a whole.
	StartupDeadline time.Duration
	// CommitBatchSize and CommitInterval tune consumer offset commits.
	CommitBatchSize int
	CommitInterval  time.Duration
}

// Kind of an Event.
type Kind int

const (
	// KindLoaded reports artifacts and credentials in hand.
	KindLoaded Kind = iota + 1
	// KindInitialized reports all streams started.
	KindInitialized
	// KindCancelAck reports that a Cancel was observed.
	KindCancelAck
	// KindTerminal is the single final event of an Execution.
	KindTerminal
)

func (k Kind) String() string {
	switch k {
	case KindLoaded:
		return "Loaded"
	case KindInitialized:
		return "Initialized"
	case KindCancelAck:
		return "CancelAck"
	case KindTerminal:
		return "Terminal"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// Event is one message from an Execution to its supervisor.
type Event struct {
	TestID uuid.UUID
	Kind   Kind

	// Terminal outcome. Exactly one of Result, Err, or Cancelled describes
	// why the Execution ended; UploadErr rides along when evidence upload
	// failed without failing the test.
	Result    *scenario.Result
	Err       error
	Cancelled bool
	UploadErr error
}

// Execution is the per-test lifecycle actor.
type Execution struct {
	testID   uuid.UUID
	bucket   string
	testType string

	ports  Ports
	cfg    Config
	events chan<- Event

	cancelOnce sync.Once
	cancelled  chan struct{}
	done       chan struct{}
}

// Begin spawns the Execution of |testID| against |bucket|.
func Begin(testID uuid.UUID, bucket, testType string, ports Ports, cfg Config, events chan<- Event) *Execution {
	if cfg.AskTimeout <= 0 {
		cfg.AskTimeout = 10 * time.Second
	}
	if cfg.StartupDeadline <= 0 {
		cfg.StartupDeadline = 30 * time.Second
	}

	var e = &Execution{
		testID:    testID,
		bucket:    bucket,
		testType:  testType,
		ports:     ports,
		cfg:       cfg,
		events:    events,
		cancelled: make(chan struct{}),
		done:      make(chan struct{}),
	}
	go e.run()
	return e
}

// Cancel requests a cooperative stop. The Execution finishes its in-flight
// phase, uploads whatever evidence exists, and terminates as Cancelled.
// Cancel is idempotent and acknowledged through the event channel.
func (e *Execution) Cancel() {
	e.cancelOnce.Do(func() {
		close(e.cancelled)
		e.events <- Event{TestID: e.testID, Kind: KindCancelAck}
	})
}

// Done closes when the Execution's terminal event has been sent.
func (e *Execution) Done() <-chan struct{} { return e.done }

func (e *Execution) isCancelled() bool {
	select {
	case <-e.cancelled:
		return true
	default:
		return false
	}
}

func (e *Execution) run() {
	defer close(e.done)

	var logger = log.WithFields(log.Fields{"testId": e.testID, "bucket": e.bucket})
	var terminal = Event{TestID: e.testID, Kind: KindTerminal}

	var ws *scratch.Workspace
	var st *scenario.Streams

	defer func() {
		if r := recover(); r != nil {
			terminal.Result, terminal.Cancelled = nil, false
			terminal.Err = fmt.Errorf("execution panic: %v", r)
			logger.WithField("panic", r).Error("execution panicked")
		}

		// Terminating: children stop and the workspace is released on
		// every exit path, then the single terminal event is sent.
		if st != nil {
			st.StopAll()
		}
		if ws != nil {
			if err := ws.Remove(); err != nil {
				logger.WithField("err", err).Warn("failed to remove workspace")
			}
		}
		e.events <- terminal
	}()

	// FetchingArtifacts.
	logger.Debug("fetching artifacts")
	var ctx = context.Background()

	var fetched, err = e.ports.Store.Fetch(ctx, e.testID, e.bucket)
	if err != nil {
		terminal.Err = err
		return
	}
	ws = fetched

	m, err := ws.LoadManifest()
	if err != nil {
		terminal.Err = err
		return
	}
	if e.isCancelled() {
		terminal.Cancelled = true
		terminal.UploadErr = e.uploadEvidence(ctx, ws, logger)
		return
	}

	// FetchingCredentials.
	logger.Debug("fetching credentials")
	creds, err := e.ports.Vault.FetchCredentials(ctx, e.testID, m.Topics)
	if err != nil {
		terminal.Err = err
		return
	}
	if len(creds) != len(m.Topics) {
		terminal.Err = fmt.Errorf("vault returned %d credential sets for %d topic directives",
			len(creds), len(m.Topics))
		return
	}
	e.events <- Event{TestID: e.testID, Kind: KindLoaded}
	if e.isCancelled() {
		terminal.Cancelled = true
		terminal.UploadErr = e.uploadEvidence(ctx, ws, logger)
		return
	}

	// StartingStreams.
	logger.Debug("starting streams")
	st, err = e.startStreams(m, creds)
	if err != nil {
		terminal.Err = err
		return
	}
	e.events <- Event{TestID: e.testID, Kind: KindInitialized}
	if e.isCancelled() {
		terminal.Cancelled = true
		terminal.UploadErr = e.uploadEvidence(ctx, ws, logger)
		return
	}

	// Running. The scenario runtime is synchronous; Cancel during this
	// phase lets the run complete and is honored at the next boundary.
	logger.Debug("running scenarios")
	result, err := e.ports.Runner.Run(ctx, ws, st, e.testType)
	if err != nil {
		terminal.Err = err
		return
	}

	// UploadingEvidence. Failure is attached to the outcome, not fatal.
	terminal.UploadErr = e.uploadEvidence(ctx, ws, logger)

	if e.isCancelled() {
		terminal.Cancelled = true
		return
	}
	terminal.Result = result
	logger.WithField("passed", result.Passed).Info("execution complete")
}

func (e *Execution) uploadEvidence(ctx context.Context, ws *scratch.Workspace, logger *log.Entry) error {
	var err = e.ports.Store.Upload(ctx, e.testID, e.bucket, ws)
	if err != nil {
		logger.WithField("err", err).Warn("evidence upload failed")
	}
	return err
}

// startStreams spawns one stream per directive, in parallel, bounded by the
// startup deadline. On any failure every already-started stream is stopped.
func (e *Execution) startStreams(m *manifest.Manifest, creds []vault.Credentials) (*scenario.Streams, error) {
	var ctx, cancel = context.WithTimeout(context.Background(), e.cfg.StartupDeadline)
	defer cancel()

	var st = scenario.NewStreams()
	var mu sync.Mutex
	var eg, egCtx = errgroup.WithContext(ctx)

	for i := range m.Topics {
		var d = m.Topics[i]
		var cred = creds[i]

		eg.Go(func() error {
			var clientCfg = streams.ClientConfig{
				BootstrapServers: d.EffectiveBootstrapServers(e.cfg.DefaultBootstrapServers),
				Topic:            d.Topic,
				Credentials:      cred,
			}

			switch d.Role {
			case manifest.RoleProducer:
				var client, err = e.ports.Broker.NewProducer(clientCfg)
				if err != nil {
					return err
				}
				mu.Lock()
				st.AddProducer(streams.StartProducer(streams.ProducerConfig{
					Topic:      d.Topic,
					Codec:      e.ports.Codec,
					Client:     client,
					AskTimeout: e.cfg.AskTimeout,
				}))
				mu.Unlock()

			case manifest.RoleConsumer:
				clientCfg.Group = ConsumerGroup(e.testID, d.Topic)
				var client, err = e.ports.Broker.NewConsumer(clientCfg)
				if err != nil {
					return err
				}
				mu.Lock()
				st.AddConsumer(streams.StartConsumer(streams.ConsumerConfig{
					Directive:       d,
					Codec:           e.ports.Codec,
					Client:          client,
					AskTimeout:      e.cfg.AskTimeout,
					CommitBatchSize: e.cfg.CommitBatchSize,
					CommitInterval:  e.cfg.CommitInterval,
				}))
				mu.Unlock()

			default:
				return fmt.Errorf("directive of topic %s has no role", d.Topic)
			}

			select {
			case <-egCtx.Done():
				return egCtx.Err()
			default:
				return nil
			}
		})
	}

	if err := eg.Wait(); err != nil {
		st.StopAll()
		return nil, fmt.Errorf("starting streams: %w", err)
	}
	return st, nil
}

// ConsumerGroup derives the consumer group of a test's topic stream.
// Each test reads every topic from the start under its own group.
func ConsumerGroup(testID uuid.UUID, topic string) string {
	return fmt.Sprintf("test-probe.%s.%s", testID, topic)
}
