// Package repair is the node side of the anti-entropy repair protocol: the
// message model, the parent session registry, the dispatcher that turns each
// inbound phase message into local work, and the coordinator that drives a
// repair from the initiating node.
package repair

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/adamgarcia4/goLearning/antientropy/dht"
	"github.com/adamgarcia4/goLearning/antientropy/merkle"
	"github.com/adamgarcia4/goLearning/antientropy/metrics"
	"github.com/adamgarcia4/goLearning/antientropy/storage"
)

// UnrepairedWatermark is streamed with data of a sync whose parent session is
// unknown here, so the data stays eligible for future repairs.
const UnrepairedWatermark = storage.UnrepairedAt

// Schema resolves table names to live tables.
type Schema interface {
	Table(keyspace, name string) (*storage.Table, error)
}

// ValidationExecutor runs validation scans in the background.
type ValidationExecutor interface {
	SubmitValidation(t *storage.Table, v storage.Validation) error
}

// AntiCompactor separates repaired from unrepaired data.
type AntiCompactor interface {
	AntiCompact(ctx context.Context, tables []*storage.Table, ranges []dht.Range, repairedAt int64) ([]storage.Future, error)
}

// SessionHandler receives the session-control messages the dispatcher does
// not handle itself.
type SessionHandler interface {
	HandleMessage(from string, msg Message)
}

// ReplyToken addresses the reply to an inbound message.
type ReplyToken struct {
	ID   string
	From string
}

// Inbound is a decoded repair message with its declared tag.
type Inbound struct {
	Tag     MessageType
	Message Message
	Reply   ReplyToken
}

type Config struct {
	Registry      *ParentSessionRegistry
	Schema        Schema
	Validations   ValidationExecutor
	AntiCompactor AntiCompactor
	Syncer        Syncer
	Outbound      Outbound
	Sessions      SessionHandler
	MerkleDepth   uint8
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

// Dispatcher routes each inbound repair message to its phase handler.
type Dispatcher struct {
	registry      *ParentSessionRegistry
	schema        Schema
	validations   ValidationExecutor
	antiCompactor AntiCompactor
	syncer        Syncer
	out           Outbound
	sessions      SessionHandler
	depth         uint8
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

func NewDispatcher(config Config) (*Dispatcher, error) {
	switch {
	case config.Registry == nil:
		return nil, errors.New("dispatcher needs a parent session registry")
	case config.Schema == nil:
		return nil, errors.New("dispatcher needs a schema")
	case config.Validations == nil:
		return nil, errors.New("dispatcher needs a validation executor")
	case config.AntiCompactor == nil:
		return nil, errors.New("dispatcher needs an anti-compactor")
	case config.Syncer == nil:
		return nil, errors.New("dispatcher needs a syncer")
	case config.Outbound == nil:
		return nil, errors.New("dispatcher needs an outbound messenger")
	case config.Sessions == nil:
		return nil, errors.New("dispatcher needs a session handler")
	}
	if config.MerkleDepth == 0 {
		config.MerkleDepth = merkle.DefaultDepth
	}

	return &Dispatcher{
		registry:      config.Registry,
		schema:        config.Schema,
		validations:   config.Validations,
		antiCompactor: config.AntiCompactor,
		syncer:        config.Syncer,
		out:           config.Outbound,
		sessions:      config.Sessions,
		depth:         config.MerkleDepth,
		logger:        config.Logger.With().Str("component", "repair-dispatcher").Logger(),
		metrics:       config.Metrics,
	}, nil
}

// Handle runs the local action for one message. Results reach peers through
// replies and outbound messages; the returned error is for the operator.
func (d *Dispatcher) Handle(ctx context.Context, in Inbound) error {
	start := time.Now()

	if in.Message == nil || in.Message.Type() != in.Tag {
		err := &ProtocolMismatchError{Declared: in.Tag}
		if in.Message != nil {
			err.Actual = in.Message.Type()
		}
		d.metrics.ProtocolMismatch()
		d.metrics.ObserveMessage(string(in.Tag), metrics.OutcomeRejected, time.Since(start))
		d.logger.Error().Err(err).Str("from", in.Reply.From).Msg("Dropping repair message")
		return err
	}

	var err error
	switch msg := in.Message.(type) {
	case *PrepareMessage:
		err = d.handlePrepare(ctx, msg, in.Reply)
	case *SnapshotMessage:
		err = d.handleSnapshot(ctx, msg, in.Reply)
	case *ValidationRequest:
		err = d.handleValidation(ctx, msg, in.Reply)
	case *SyncRequest:
		err = d.handleSync(ctx, msg)
	case *AnticompactionRequest:
		err = d.handleAnticompaction(ctx, msg)
	default:
		d.sessions.HandleMessage(in.Reply.From, msg)
	}

	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = metrics.OutcomeFailure
		d.logger.Error().Err(err).Str("type", string(in.Tag)).Str("from", in.Reply.From).Msg("Repair message failed")
	}
	d.metrics.ObserveMessage(string(in.Tag), outcome, time.Since(start))
	return err
}

// handlePrepare registers the parent session. Any unresolvable table fails
// the whole prepare without an ack; the sender times out.
func (d *Dispatcher) handlePrepare(ctx context.Context, msg *PrepareMessage, reply ReplyToken) error {
	tables := make([]*storage.Table, 0, len(msg.Tables))
	for _, ref := range msg.Tables {
		t, err := d.schema.Table(ref.Keyspace, ref.Table)
		if err != nil {
			return fmt.Errorf("prepare %s: %w", msg.ParentSessionID, err)
		}
		tables = append(tables, t)
	}

	if _, err := d.registry.Register(msg.ParentSessionID, tables, msg.Ranges); err != nil {
		return fmt.Errorf("prepare %s: %w", msg.ParentSessionID, err)
	}

	return d.out.SendReply(ctx, reply.From, reply.ID, nil)
}

// handleSnapshot snapshots the job's table under the session id, keeping data
// segments whose bounds intersect the job range. It acks even when no
// segment matches.
func (d *Dispatcher) handleSnapshot(ctx context.Context, msg *SnapshotMessage, reply ReplyToken) error {
	desc := msg.Desc
	t, err := d.schema.Table(desc.Keyspace, desc.Table)
	if err != nil {
		return err
	}

	n, err := t.Snapshot(desc.SessionID.String(), func(seg storage.Segment) bool {
		return !seg.LocalIndex && seg.Bounds().Intersects(desc.Range)
	})
	if err != nil {
		return err
	}

	d.logger.Debug().
		Str("desc", desc.String()).
		Int("segments", n).
		Str("to", reply.From).
		Msg("Enqueuing response to snapshot request")
	return d.out.SendReply(ctx, reply.From, reply.ID, nil)
}

// handleValidation submits a Validator and returns; the validator reports to
// the sender on its own.
func (d *Dispatcher) handleValidation(ctx context.Context, msg *ValidationRequest, reply ReplyToken) error {
	desc := msg.Desc
	t, err := d.schema.Table(desc.Keyspace, desc.Table)
	if err != nil {
		return err
	}

	v, err := NewValidator(ctx, desc, reply.From, msg.GCBefore, d.depth, d.out, d.logger, d.metrics)
	if err != nil {
		return err
	}

	if err := d.validations.SubmitValidation(t, v); err != nil {
		v.Fail(err)
		return fmt.Errorf("submit validation %s: %w", desc, err)
	}
	d.metrics.ValidationSubmitted()
	return nil
}

// handleSync blocks until the streaming task finishes.
func (d *Dispatcher) handleSync(ctx context.Context, msg *SyncRequest) error {
	repairedAt := d.watermark(msg.Desc)
	task := NewStreamingRepairTask(msg.Desc, *msg, repairedAt, d.syncer, d.out, d.logger)
	return task.Run(ctx)
}

// watermark is the parent session's repaired-at, or UnrepairedWatermark when
// the desc has no parent or the parent is not registered here.
func (d *Dispatcher) watermark(desc RepairJobDesc) int64 {
	if desc.ParentSessionID == nil {
		return UnrepairedWatermark
	}
	session, ok := d.registry.Lookup(*desc.ParentSessionID)
	if !ok {
		d.logger.Debug().Str("parent_session", desc.ParentSessionID.String()).Msg("Parent session not registered, streaming as unrepaired")
		return UnrepairedWatermark
	}
	return session.RepairedAt
}

// handleAnticompaction anti-compacts the parent session's tables and waits
// for every table to finish. A session that is not registered (already
// removed by an earlier delivery) is a no-op.
func (d *Dispatcher) handleAnticompaction(ctx context.Context, msg *AnticompactionRequest) error {
	d.logger.Debug().Str("parent_session", msg.ParentSessionID.String()).Msg("Got anticompaction request")

	session, ok := d.registry.Lookup(msg.ParentSessionID)
	if !ok {
		return nil
	}

	futures, err := d.antiCompactor.AntiCompact(ctx, session.Tables, session.Ranges, session.RepairedAt)
	if err != nil {
		d.metrics.AntiCompaction(metrics.OutcomeFailure)
		return &AntiCompactionError{ParentSessionID: session.ID, Cause: err}
	}

	if err := waitOnFutures(ctx, futures); err != nil {
		d.metrics.AntiCompaction(metrics.OutcomeFailure)
		return &AntiCompactionError{ParentSessionID: session.ID, Cause: err}
	}

	d.registry.Remove(session.ID)
	d.metrics.AntiCompaction(metrics.OutcomeSuccess)
	d.logger.Info().Str("parent_session", session.ID.String()).Int("tables", len(futures)).Msg("Anti-compaction finished")
	return nil
}

// waitOnFutures waits for all futures and returns the first failure.
func waitOnFutures(ctx context.Context, futures []storage.Future) error {
	var g errgroup.Group
	for _, f := range futures {
		g.Go(func() error {
			return f.Wait(ctx)
		})
	}
	return g.Wait()
}
