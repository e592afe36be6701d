package repair

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/adamgarcia4/goLearning/antientropy/dht"
	"github.com/adamgarcia4/goLearning/antientropy/merkle"
	"github.com/adamgarcia4/goLearning/antientropy/metrics"
	"github.com/adamgarcia4/goLearning/antientropy/storage"
)

// Validator builds the digest of one job's range from a validation scan and
// reports it to the initiator as a ValidationComplete.
type Validator struct {
	ctx       context.Context
	desc      RepairJobDesc
	initiator string
	gcBefore  int64
	tree      *merkle.Tree

	out     Outbound
	logger  zerolog.Logger
	metrics *metrics.Metrics
	once    sync.Once
}

func NewValidator(ctx context.Context, desc RepairJobDesc, initiator string, gcBefore int64, depth uint8, out Outbound, logger zerolog.Logger, m *metrics.Metrics) (*Validator, error) {
	tree, err := merkle.New(desc.Range, depth)
	if err != nil {
		return nil, err
	}
	return &Validator{
		ctx:       ctx,
		desc:      desc,
		initiator: initiator,
		gcBefore:  gcBefore,
		tree:      tree,
		out:       out,
		logger:    logger,
		metrics:   m,
	}, nil
}

func (v *Validator) Desc() RepairJobDesc { return v.desc }
func (v *Validator) Initiator() string   { return v.initiator }

// SnapshotName is the session id; SNAPSHOT stored the job's view under it.
func (v *Validator) SnapshotName() string { return v.desc.SessionID.String() }
func (v *Validator) Range() dht.Range     { return v.desc.Range }
func (v *Validator) GCBefore() int64      { return v.gcBefore }

func (v *Validator) Add(row storage.Row) {
	v.tree.Add(row.Token, row.Digest())
}

// Complete reports the digest to the initiator.
func (v *Validator) Complete() {
	v.once.Do(func() {
		v.metrics.ValidationCompleted(metrics.OutcomeSuccess)
		v.logger.Info().
			Str("desc", v.desc.String()).
			Int64("rows", v.tree.RowCount()).
			Str("initiator", v.initiator).
			Msg("Sending completed merkle tree")
		v.report(&ValidationComplete{Desc: v.desc, Success: true, Tree: v.tree})
	})
}

// Fail reports a failed validation to the initiator.
func (v *Validator) Fail(err error) {
	v.once.Do(func() {
		v.metrics.ValidationCompleted(metrics.OutcomeFailure)
		v.logger.Error().Err(err).Str("desc", v.desc.String()).Msg("Validation failed")
		v.report(&ValidationComplete{Desc: v.desc, Success: false})
	})
}

func (v *Validator) report(msg *ValidationComplete) {
	if err := sendMessage(v.ctx, v.out, v.initiator, msg); err != nil {
		v.logger.Error().Err(err).Str("initiator", v.initiator).Msg("Could not report validation result")
	}
}
