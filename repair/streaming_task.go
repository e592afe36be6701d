package repair

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/adamgarcia4/goLearning/antientropy/streaming"
)

// Syncer exchanges the data of a range with a peer.
type Syncer interface {
	RunSync(ctx context.Context, req streaming.Request) (streaming.Result, error)
}

// StreamingRepairTask carries out a SyncRequest. When this node is one of the
// two endpoints it streams with the other one and reports a SyncComplete to
// the initiator; otherwise it relays the request to the source endpoint.
type StreamingRepairTask struct {
	desc       RepairJobDesc
	request    SyncRequest
	repairedAt int64

	syncer Syncer
	out    Outbound
	logger zerolog.Logger
}

func NewStreamingRepairTask(desc RepairJobDesc, request SyncRequest, repairedAt int64, syncer Syncer, out Outbound, logger zerolog.Logger) *StreamingRepairTask {
	return &StreamingRepairTask{
		desc:       desc,
		request:    request,
		repairedAt: repairedAt,
		syncer:     syncer,
		out:        out,
		logger:     logger,
	}
}

func (t *StreamingRepairTask) RepairedAt() int64 {
	return t.repairedAt
}

// Run blocks until streaming finishes. Streaming failures are returned after
// being reported to the initiator.
func (t *StreamingRepairTask) Run(ctx context.Context) error {
	local := t.out.LocalEndpoint()

	var peer string
	switch local {
	case t.request.Src:
		peer = t.request.Dst
	case t.request.Dst:
		peer = t.request.Src
	default:
		t.logger.Debug().Str("desc", t.desc.String()).Str("src", t.request.Src).Msg("Forwarding sync request to source")
		req := t.request
		return sendMessage(ctx, t.out, t.request.Src, &req)
	}

	t.logger.Info().
		Str("desc", t.desc.String()).
		Str("peer", peer).
		Int("ranges", len(t.request.Ranges)).
		Int64("repaired_at", t.repairedAt).
		Msg("Performing streaming repair")

	_, err := t.syncer.RunSync(ctx, streaming.Request{
		Table:      t.desc.TableRef(),
		Ranges:     t.request.Ranges,
		Peer:       peer,
		RepairedAt: t.repairedAt,
	})

	complete := &SyncComplete{
		Desc:      t.desc,
		Endpoints: [2]string{t.request.Src, t.request.Dst},
		Success:   err == nil,
	}
	if err != nil {
		complete.Error = err.Error()
	}
	if sendErr := sendMessage(ctx, t.out, t.request.Initiator, complete); sendErr != nil {
		t.logger.Error().Err(sendErr).Str("initiator", t.request.Initiator).Msg("Could not report sync result")
	}

	if err != nil {
		return fmt.Errorf("streaming repair %s with %s: %w", t.desc, peer, err)
	}
	return nil
}
