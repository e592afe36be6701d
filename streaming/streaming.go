// Package streaming moves rows between two replicas during repair. A sync
// pushes the local rows in the mismatching ranges to the peer and pulls the
// peer's rows back; both sides store what they receive as a new segment
// stamped with the session's repaired-at watermark.
package streaming

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/adamgarcia4/goLearning/antientropy/dht"
	"github.com/adamgarcia4/goLearning/antientropy/messaging"
	"github.com/adamgarcia4/goLearning/antientropy/metrics"
	"github.com/adamgarcia4/goLearning/antientropy/storage"
)

// Request describes one sync with a peer.
type Request struct {
	Table      storage.TableRef
	Ranges     []dht.Range
	Peer       string
	RepairedAt int64
}

// Result counts the rows moved by a sync.
type Result struct {
	Sent     int
	Received int
}

type pushPayload struct {
	Table      storage.TableRef `json:"table"`
	RepairedAt int64            `json:"repaired_at"`
	Rows       []storage.Row    `json:"rows"`
}

type pushAck struct {
	Stored int `json:"stored"`
}

type pullPayload struct {
	Table  storage.TableRef `json:"table"`
	Ranges []dht.Range      `json:"ranges"`
}

type pullResponse struct {
	Rows []storage.Row `json:"rows"`
}

// Config contains configuration for the streaming service.
type Config struct {
	Timeout time.Duration // per round trip
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// Service runs syncs and serves the peer side of them.
type Service struct {
	engine  *storage.Engine
	msg     *messaging.Service
	timeout time.Duration
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewService creates the streaming service and registers its verb handlers.
func NewService(engine *storage.Engine, msg *messaging.Service, config Config) *Service {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	s := &Service{
		engine:  engine,
		msg:     msg,
		timeout: config.Timeout,
		logger:  config.Logger.With().Str("component", "streaming").Logger(),
		metrics: config.Metrics,
	}
	msg.Register(messaging.VerbStreamPush, s.handlePush)
	msg.Register(messaging.VerbStreamPull, s.handlePull)
	return s
}

// RunSync exchanges the rows of req.Ranges with req.Peer.
func (s *Service) RunSync(ctx context.Context, req Request) (Result, error) {
	var res Result

	t, err := s.engine.Table(req.Table.Keyspace, req.Table.Table)
	if err != nil {
		return res, err
	}

	local, err := t.ScanLive(req.Ranges)
	if err != nil {
		return res, fmt.Errorf("scan %s: %w", req.Table, err)
	}

	if len(local) > 0 {
		reply, err := s.msg.SendWithCallback(ctx, req.Peer, messaging.VerbStreamPush, pushPayload{
			Table:      req.Table,
			RepairedAt: req.RepairedAt,
			Rows:       local,
		}, s.timeout)
		if err != nil {
			return res, fmt.Errorf("push %d rows of %s to %s: %w", len(local), req.Table, req.Peer, err)
		}
		var ack pushAck
		if err := reply.Decode(&ack); err != nil {
			return res, err
		}
		res.Sent = ack.Stored
		s.metrics.RowsStreamed("out", ack.Stored)
	}

	reply, err := s.msg.SendWithCallback(ctx, req.Peer, messaging.VerbStreamPull, pullPayload{
		Table:  req.Table,
		Ranges: req.Ranges,
	}, s.timeout)
	if err != nil {
		return res, fmt.Errorf("pull %s from %s: %w", req.Table, req.Peer, err)
	}
	var pulled pullResponse
	if err := reply.Decode(&pulled); err != nil {
		return res, err
	}

	if len(pulled.Rows) > 0 {
		if _, err := t.Flush(pulled.Rows, storage.WithRepairedAt(req.RepairedAt)); err != nil {
			return res, fmt.Errorf("store rows pulled from %s: %w", req.Peer, err)
		}
		res.Received = len(pulled.Rows)
		s.metrics.RowsStreamed("in", res.Received)
	}

	s.logger.Info().
		Str("table", req.Table.String()).
		Str("peer", req.Peer).
		Int("sent", res.Sent).
		Int("received", res.Received).
		Int64("repaired_at", req.RepairedAt).
		Msg("Sync finished")
	return res, nil
}

func (s *Service) handlePush(ctx context.Context, env *messaging.Envelope) error {
	var p pushPayload
	if err := env.Decode(&p); err != nil {
		return s.msg.SendFailure(ctx, env.From, env.ID, err)
	}

	t, err := s.engine.Table(p.Table.Keyspace, p.Table.Table)
	if err != nil {
		return s.msg.SendFailure(ctx, env.From, env.ID, err)
	}

	stored := 0
	if len(p.Rows) > 0 {
		if _, err := t.Flush(p.Rows, storage.WithRepairedAt(p.RepairedAt)); err != nil {
			s.logger.Error().Err(err).Str("table", p.Table.String()).Str("from", env.From).Msg("Failed to store pushed rows")
			return s.msg.SendFailure(ctx, env.From, env.ID, err)
		}
		stored = len(p.Rows)
		s.metrics.RowsStreamed("in", stored)
	}

	return s.msg.SendReply(ctx, env.From, env.ID, pushAck{Stored: stored})
}

func (s *Service) handlePull(ctx context.Context, env *messaging.Envelope) error {
	var p pullPayload
	if err := env.Decode(&p); err != nil {
		return s.msg.SendFailure(ctx, env.From, env.ID, err)
	}

	t, err := s.engine.Table(p.Table.Keyspace, p.Table.Table)
	if err != nil {
		return s.msg.SendFailure(ctx, env.From, env.ID, err)
	}

	rows, err := t.ScanLive(p.Ranges)
	if err != nil {
		return s.msg.SendFailure(ctx, env.From, env.ID, err)
	}
	s.metrics.RowsStreamed("out", len(rows))
	return s.msg.SendReply(ctx, env.From, env.ID, pullResponse{Rows: rows})
}
