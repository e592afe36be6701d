package repair

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adamgarcia4/goLearning/antientropy/messaging"
	"github.com/adamgarcia4/goLearning/antientropy/metrics"
)

// Stage names a worker pool.
type Stage string

const (
	// StageRequest serves the quick phases: prepare, snapshot, validation
	// submission and forwarded session-control messages.
	StageRequest Stage = "request"

	// StageAntiEntropy serves sync and anti-compaction, which block for the
	// length of a stream or a disk rewrite.
	StageAntiEntropy Stage = "anti-entropy"
)

const (
	DefaultRequestWorkers     = 4
	DefaultAntiEntropyWorkers = 2
	DefaultStageQueue         = 256
)

// StageFor returns the pool a message type runs on.
func StageFor(t MessageType) Stage {
	switch t {
	case SyncRequestType, AnticompactionRequestType:
		return StageAntiEntropy
	default:
		return StageRequest
	}
}

type StagesConfig struct {
	RequestWorkers     int
	AntiEntropyWorkers int
	QueueSize          int
	Logger             zerolog.Logger
	Metrics            *metrics.Metrics
}

// Stages runs dispatcher work on two worker pools so long blocking phases
// never delay the quick ones.
type Stages struct {
	dispatcher *Dispatcher
	queues     map[Stage]chan Inbound
	logger     zerolog.Logger
	metrics    *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStages starts the worker pools. Workers run until Stop.
func NewStages(d *Dispatcher, config StagesConfig) *Stages {
	if config.RequestWorkers <= 0 {
		config.RequestWorkers = DefaultRequestWorkers
	}
	if config.AntiEntropyWorkers <= 0 {
		config.AntiEntropyWorkers = DefaultAntiEntropyWorkers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultStageQueue
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Stages{
		dispatcher: d,
		queues: map[Stage]chan Inbound{
			StageRequest:     make(chan Inbound, config.QueueSize),
			StageAntiEntropy: make(chan Inbound, config.QueueSize),
		},
		logger:  config.Logger.With().Str("component", "repair-stages").Logger(),
		metrics: config.Metrics,
		ctx:     ctx,
		cancel:  cancel,
	}

	s.startWorkers(StageRequest, config.RequestWorkers)
	s.startWorkers(StageAntiEntropy, config.AntiEntropyWorkers)
	return s
}

func (s *Stages) startWorkers(stage Stage, n int) {
	for i := 0; i < n; i++ {
		s.wg.Add(1)
		go s.worker(stage)
	}
}

// Submit queues a message on its stage. It blocks while the queue is full
// until ctx is done or the stages stop.
func (s *Stages) Submit(ctx context.Context, in Inbound) error {
	stage := StageFor(in.Tag)
	select {
	case <-s.ctx.Done():
		return ErrStagesStopped
	default:
	}

	select {
	case s.queues[stage] <- in:
		s.metrics.StageQueueChanged(string(stage), 1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrStagesStopped
	}
}

// Stop stops the workers after their current message. Queued messages are dropped.
func (s *Stages) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Stages) worker(stage Stage) {
	defer s.wg.Done()

	queue := s.queues[stage]
	for {
		select {
		case <-s.ctx.Done():
			return
		case in := <-queue:
			s.metrics.StageQueueChanged(string(stage), -1)
			s.run(stage, in)
		}
	}
}

// run handles one message. Errors and panics stay with the message.
func (s *Stages) run(stage Stage, in Inbound) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.metrics.ObserveMessage(string(in.Tag), metrics.OutcomePanic, time.Since(start))
			s.logger.Error().
				Str("stage", string(stage)).
				Str("type", string(in.Tag)).
				Str("from", in.Reply.From).
				Interface("panic", r).
				Msg("Repair message handler panicked")
		}
	}()

	// Handle logs and counts its own failures.
	_ = s.dispatcher.Handle(s.ctx, in)
}

// Handler adapts the stages to the messaging service: it decodes the repair
// message in an envelope and queues it. Undecodable messages are dropped.
func (s *Stages) Handler() messaging.Handler {
	return func(ctx context.Context, env *messaging.Envelope) error {
		tag, msg, err := Decode(env.Payload)
		if err != nil {
			var mismatch *ProtocolMismatchError
			if errors.As(err, &mismatch) {
				s.metrics.ProtocolMismatch()
			}
			s.logger.Error().Err(err).Str("from", env.From).Str("id", env.ID).Msg("Dropping undecodable repair message")
			return nil
		}

		in := Inbound{
			Tag:     tag,
			Message: msg,
			Reply:   ReplyToken{ID: env.ID, From: env.From},
		}
		if err := s.Submit(ctx, in); err != nil {
			return fmt.Errorf("queue %s from %s: %w", tag, env.From, err)
		}
		return nil
	}
}
