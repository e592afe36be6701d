package repair

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/adamgarcia4/goLearning/antientropy/dht"
	"github.com/adamgarcia4/goLearning/antientropy/history"
	"github.com/adamgarcia4/goLearning/antientropy/merkle"
	"github.com/adamgarcia4/goLearning/antientropy/metrics"
	"github.com/adamgarcia4/goLearning/antientropy/storage"
)

const (
	DefaultRPCTimeout = 10 * time.Second
	DefaultJobTimeout = 10 * time.Minute
	DefaultGCGrace    = 10 * 24 * time.Hour
)

// HistoryRecorder persists repair runs.
type HistoryRecorder interface {
	RecordStarted(ctx context.Context, r history.Repair) error
	RecordFinished(ctx context.Context, parentSessionID string, syncedRanges int, at time.Time) error
	RecordFailed(ctx context.Context, parentSessionID string, syncedRanges int, cause error, at time.Time) error
	RecordJob(ctx context.Context, j history.Job) error
}

type CoordinatorConfig struct {
	Outbound   Outbound
	RPCTimeout time.Duration // acks for prepare and snapshot
	JobTimeout time.Duration // validation and sync completion
	History    HistoryRecorder
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

// Options selects what a repair covers.
type Options struct {
	Keyspace    string
	Tables      []string
	Ranges      []dht.Range
	Endpoints   []string // replicas taking part; defaults to the local endpoint
	GCGrace     time.Duration
	Incremental bool
}

// Mismatch is a pair of replicas that disagree on some ranges.
type Mismatch struct {
	Endpoints [2]string
	Ranges    []dht.Range
}

type JobResult struct {
	Desc       RepairJobDesc
	Mismatches []Mismatch
}

type Result struct {
	ParentSessionID uuid.UUID
	Jobs            []JobResult
	SyncedRanges    int
}

// ActiveRepair describes a repair this node is coordinating.
type ActiveRepair struct {
	ParentSessionID uuid.UUID
	Keyspace        string
	Tables          []string
	Endpoints       []string
	StartedAt       time.Time
	Phase           string
}

type validationKey struct {
	session  uuid.UUID
	endpoint string
}

type syncKey struct {
	session  uuid.UUID
	src, dst string
}

// Coordinator drives repairs from the initiating node and is the
// SessionHandler for the completion messages replicas send back.
type Coordinator struct {
	out        Outbound
	rpcTimeout time.Duration
	jobTimeout time.Duration
	history    HistoryRecorder
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	mu          sync.Mutex
	validations map[validationKey]chan *ValidationComplete
	syncs       map[syncKey]chan *SyncComplete
	active      map[uuid.UUID]*ActiveRepair
}

func NewCoordinator(config CoordinatorConfig) *Coordinator {
	if config.RPCTimeout == 0 {
		config.RPCTimeout = DefaultRPCTimeout
	}
	if config.JobTimeout == 0 {
		config.JobTimeout = DefaultJobTimeout
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Coordinator{
		out:         config.Outbound,
		rpcTimeout:  config.RPCTimeout,
		jobTimeout:  config.JobTimeout,
		history:     config.History,
		logger:      config.Logger.With().Str("component", "repair-coordinator").Logger(),
		metrics:     config.Metrics,
		now:         config.Now,
		validations: make(map[validationKey]chan *ValidationComplete),
		syncs:       make(map[syncKey]chan *SyncComplete),
		active:      make(map[uuid.UUID]*ActiveRepair),
	}
}

// HandleMessage routes a completion message to the job waiting for it.
// Messages nobody waits for any more are dropped.
func (c *Coordinator) HandleMessage(from string, msg Message) {
	switch m := msg.(type) {
	case *ValidationComplete:
		c.mu.Lock()
		ch, ok := c.validations[validationKey{session: m.Desc.SessionID, endpoint: from}]
		c.mu.Unlock()
		if !ok {
			c.logger.Debug().Str("desc", m.Desc.String()).Str("from", from).Msg("Dropping validation result nobody waits for")
			return
		}
		select {
		case ch <- m:
		default:
		}

	case *SyncComplete:
		c.mu.Lock()
		ch, ok := c.syncs[syncKey{session: m.Desc.SessionID, src: m.Endpoints[0], dst: m.Endpoints[1]}]
		c.mu.Unlock()
		if !ok {
			c.logger.Debug().Str("desc", m.Desc.String()).Str("from", from).Msg("Dropping sync result nobody waits for")
			return
		}
		select {
		case ch <- m:
		default:
		}

	default:
		c.logger.Warn().Str("type", string(msg.Type())).Str("from", from).Msg("Unhandled session message")
	}
}

// Active lists the repairs in progress, oldest first.
func (c *Coordinator) Active() []ActiveRepair {
	c.mu.Lock()
	out := make([]ActiveRepair, 0, len(c.active))
	for _, a := range c.active {
		out = append(out, *a)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Run repairs every table over every range across the endpoints: prepare,
// then per table and range snapshot, validate, compare and sync, and finally
// anti-compact when the repair is incremental.
func (c *Coordinator) Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.Keyspace == "" || len(opts.Tables) == 0 || len(opts.Ranges) == 0 {
		return nil, errors.New("repair needs a keyspace, at least one table and at least one range")
	}
	if len(opts.Endpoints) == 0 {
		opts.Endpoints = []string{c.out.LocalEndpoint()}
	}
	if opts.GCGrace == 0 {
		opts.GCGrace = DefaultGCGrace
	}

	parent, err := uuid.NewUUID()
	if err != nil {
		return nil, fmt.Errorf("new parent session id: %w", err)
	}

	res := &Result{ParentSessionID: parent}
	started := c.now()
	logger := c.logger.With().Str("parent_session", parent.String()).Logger()

	c.mu.Lock()
	c.active[parent] = &ActiveRepair{
		ParentSessionID: parent,
		Keyspace:        opts.Keyspace,
		Tables:          opts.Tables,
		Endpoints:       opts.Endpoints,
		StartedAt:       started,
		Phase:           "prepare",
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.active, parent)
		c.mu.Unlock()
	}()

	c.recordStarted(ctx, parent, opts, started)
	logger.Info().
		Str("keyspace", opts.Keyspace).
		Strs("tables", opts.Tables).
		Strs("endpoints", opts.Endpoints).
		Bool("incremental", opts.Incremental).
		Msg("Starting repair")

	runErr := c.run(ctx, parent, opts, res)

	// The history outlives the caller's context.
	hctx := context.WithoutCancel(ctx)
	if runErr != nil {
		c.metrics.RepairFinished(metrics.OutcomeFailure)
		logger.Error().Err(runErr).Msg("Repair failed")
		if c.history != nil {
			if err := c.history.RecordFailed(hctx, parent.String(), res.SyncedRanges, runErr, c.now()); err != nil {
				logger.Warn().Err(err).Msg("Failed to record repair failure")
			}
		}
		return res, runErr
	}

	c.metrics.RepairFinished(metrics.OutcomeSuccess)
	logger.Info().Int("synced_ranges", res.SyncedRanges).Dur("took", c.now().Sub(started)).Msg("Repair finished")
	if c.history != nil {
		if err := c.history.RecordFinished(hctx, parent.String(), res.SyncedRanges, c.now()); err != nil {
			logger.Warn().Err(err).Msg("Failed to record repair completion")
		}
	}
	return res, nil
}

func (c *Coordinator) run(ctx context.Context, parent uuid.UUID, opts Options, res *Result) error {
	prepare := &PrepareMessage{ParentSessionID: parent, Ranges: opts.Ranges}
	for _, t := range opts.Tables {
		prepare.Tables = append(prepare.Tables, storage.TableRef{Keyspace: opts.Keyspace, Table: t})
	}
	if err := c.broadcast(ctx, opts.Endpoints, prepare); err != nil {
		return fmt.Errorf("prepare: %w", err)
	}

	gcBefore := c.now().Add(-opts.GCGrace).Unix()

	for _, table := range opts.Tables {
		for _, rng := range opts.Ranges {
			desc := RepairJobDesc{
				SessionID:       uuid.New(),
				ParentSessionID: &parent,
				Keyspace:        opts.Keyspace,
				Table:           table,
				Range:           rng,
			}
			c.setPhase(parent, "repair "+desc.TableRef().String()+" "+rng.String())

			job, err := c.runJob(ctx, desc, opts.Endpoints, gcBefore)
			res.Jobs = append(res.Jobs, job)
			for _, m := range job.Mismatches {
				res.SyncedRanges += len(m.Ranges)
			}
			c.recordJob(ctx, job, err)
			if err != nil {
				return err
			}
		}
	}

	if opts.Incremental {
		c.setPhase(parent, "anticompaction")
		for _, ep := range opts.Endpoints {
			if err := sendMessage(ctx, c.out, ep, &AnticompactionRequest{ParentSessionID: parent}); err != nil {
				return fmt.Errorf("anticompaction request to %s: %w", ep, err)
			}
		}
	}
	return nil
}

// runJob repairs one table over one range.
func (c *Coordinator) runJob(ctx context.Context, desc RepairJobDesc, endpoints []string, gcBefore int64) (JobResult, error) {
	job := JobResult{Desc: desc}

	if err := c.broadcast(ctx, endpoints, &SnapshotMessage{Desc: desc}); err != nil {
		return job, fmt.Errorf("snapshot %s: %w", desc, err)
	}

	trees, err := c.validate(ctx, desc, endpoints, gcBefore)
	if err != nil {
		return job, err
	}

	for i := 0; i < len(endpoints); i++ {
		for j := i + 1; j < len(endpoints); j++ {
			diff, err := merkle.Difference(trees[i], trees[j])
			if err != nil {
				return job, fmt.Errorf("compare %s and %s for %s: %w", endpoints[i], endpoints[j], desc, err)
			}
			if len(diff) == 0 {
				c.logger.Debug().Str("desc", desc.String()).Str("a", endpoints[i]).Str("b", endpoints[j]).Msg("Endpoints are consistent")
				continue
			}
			job.Mismatches = append(job.Mismatches, Mismatch{
				Endpoints: [2]string{endpoints[i], endpoints[j]},
				Ranges:    diff,
			})
		}
	}

	if err := c.sync(ctx, desc, job.Mismatches); err != nil {
		return job, err
	}
	return job, nil
}

// broadcast sends msg to every endpoint and waits for all acks.
func (c *Coordinator) broadcast(ctx context.Context, endpoints []string, msg Message) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, ep := range endpoints {
		g.Go(func() error {
			if err := request(gctx, c.out, ep, msg, c.rpcTimeout); err != nil {
				return fmt.Errorf("%s: %w", ep, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// validate requests a digest from every endpoint and returns them in endpoint order.
func (c *Coordinator) validate(ctx context.Context, desc RepairJobDesc, endpoints []string, gcBefore int64) ([]*merkle.Tree, error) {
	chans := make([]chan *ValidationComplete, len(endpoints))
	c.mu.Lock()
	for i, ep := range endpoints {
		chans[i] = make(chan *ValidationComplete, 1)
		c.validations[validationKey{session: desc.SessionID, endpoint: ep}] = chans[i]
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		for _, ep := range endpoints {
			delete(c.validations, validationKey{session: desc.SessionID, endpoint: ep})
		}
		c.mu.Unlock()
	}()

	for _, ep := range endpoints {
		if err := sendMessage(ctx, c.out, ep, &ValidationRequest{Desc: desc, GCBefore: gcBefore}); err != nil {
			return nil, fmt.Errorf("validation request to %s: %w", ep, err)
		}
	}

	timer := time.NewTimer(c.jobTimeout)
	defer timer.Stop()

	trees := make([]*merkle.Tree, len(endpoints))
	for i, ep := range endpoints {
		select {
		case vc := <-chans[i]:
			if !vc.Success || vc.Tree == nil {
				return nil, fmt.Errorf("validation of %s failed on %s", desc, ep)
			}
			trees[i] = vc.Tree
		case <-timer.C:
			return nil, fmt.Errorf("validation of %s on %s: timed out after %s", desc, ep, c.jobTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return trees, nil
}

// sync asks the first endpoint of every mismatch to stream with the second
// and waits for all of them.
func (c *Coordinator) sync(ctx context.Context, desc RepairJobDesc, mismatches []Mismatch) error {
	if len(mismatches) == 0 {
		return nil
	}

	local := c.out.LocalEndpoint()
	chans := make([]chan *SyncComplete, len(mismatches))
	c.mu.Lock()
	for i, m := range mismatches {
		chans[i] = make(chan *SyncComplete, 1)
		c.syncs[syncKey{session: desc.SessionID, src: m.Endpoints[0], dst: m.Endpoints[1]}] = chans[i]
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		for _, m := range mismatches {
			delete(c.syncs, syncKey{session: desc.SessionID, src: m.Endpoints[0], dst: m.Endpoints[1]})
		}
		c.mu.Unlock()
	}()

	g, gctx := errgroup.WithContext(ctx)
	for i, m := range mismatches {
		g.Go(func() error {
			req := &SyncRequest{
				Desc:      desc,
				Initiator: local,
				Src:       m.Endpoints[0],
				Dst:       m.Endpoints[1],
				Ranges:    m.Ranges,
			}
			if err := sendMessage(gctx, c.out, req.Src, req); err != nil {
				return fmt.Errorf("sync request to %s: %w", req.Src, err)
			}

			timer := time.NewTimer(c.jobTimeout)
			defer timer.Stop()

			select {
			case sc := <-chans[i]:
				if !sc.Success {
					return fmt.Errorf("sync %s between %s and %s failed: %s", desc, req.Src, req.Dst, sc.Error)
				}
				c.logger.Info().
					Str("desc", desc.String()).
					Str("src", req.Src).
					Str("dst", req.Dst).
					Int("ranges", len(req.Ranges)).
					Msg("Endpoints synced")
				return nil
			case <-timer.C:
				return fmt.Errorf("sync %s between %s and %s: timed out after %s", desc, req.Src, req.Dst, c.jobTimeout)
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	return g.Wait()
}

func (c *Coordinator) setPhase(parent uuid.UUID, phase string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.active[parent]; ok {
		a.Phase = phase
	}
}

func (c *Coordinator) recordStarted(ctx context.Context, parent uuid.UUID, opts Options, started time.Time) {
	if c.history == nil {
		return
	}
	err := c.history.RecordStarted(ctx, history.Repair{
		ParentSessionID: parent.String(),
		Keyspace:        opts.Keyspace,
		Tables:          opts.Tables,
		Ranges:          opts.Ranges,
		Coordinator:     c.out.LocalEndpoint(),
		Participants:    opts.Endpoints,
		Incremental:     opts.Incremental,
		StartedAt:       started,
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("parent_session", parent.String()).Msg("Failed to record repair start")
	}
}

func (c *Coordinator) recordJob(ctx context.Context, job JobResult, jobErr error) {
	if c.history == nil {
		return
	}
	mismatches := 0
	for _, m := range job.Mismatches {
		mismatches += len(m.Ranges)
	}
	j := history.Job{
		SessionID:       job.Desc.SessionID.String(),
		ParentSessionID: job.Desc.ParentSessionID.String(),
		Keyspace:        job.Desc.Keyspace,
		Table:           job.Desc.Table,
		Range:           job.Desc.Range,
		Mismatches:      mismatches,
		Success:         jobErr == nil,
		FinishedAt:      c.now(),
	}
	if jobErr != nil {
		j.Error = jobErr.Error()
	}
	if err := c.history.RecordJob(context.WithoutCancel(ctx), j); err != nil {
		c.logger.Warn().Err(err).Str("session", j.SessionID).Msg("Failed to record repair job")
	}
}
