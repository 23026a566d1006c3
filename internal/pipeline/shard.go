// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/luxfi/ids"
)

// ShardItemResult is a single per-shard unit of work's outcome, folded
// into an AggregatedShardResult's Results slice.
type ShardItemResult struct {
	Index int
	Data  []byte
	Err   string
}

// AggregatedShardResult is emitted once per shard (spec §4.7.4): the
// server opens N logical shard fan-outs, each running to completion and
// emitting exactly one result carrying that shard's ordered results.
// Results from different shards may interleave on the output channel;
// per-shard order within Results is always preserved since each shard's
// own goroutine builds Results sequentially.
type AggregatedShardResult struct {
	ShardID     int
	Results     []ShardItemResult
	TotalShards int
}

// ShardWorker computes the full ordered result list for one shard. It
// is supplied by the caller (internal/node), since only the caller
// knows how to fan a logical shard out to whatever backs it (mempool
// slice, bridge subset, etc.) — the aggregator itself is domain-blind.
type ShardWorker func(ctx context.Context, shardID int) ([]ShardItemResult, error)

// ShardAggregator runs C8's shard fan-out/aggregation (spec §4.7.4).
type ShardAggregator struct{}

func NewShardAggregator() *ShardAggregator { return &ShardAggregator{} }

// Run opens numShards logical shard fan-outs (or only filterShard, if
// non-nil), invoking work once per shard concurrently, and returns a
// channel that receives one AggregatedShardResult per completed shard.
// The channel is closed once every opened shard has emitted (spec
// §4.7.4: "completes when all shards have emitted (or only the
// filtered shard, if set)").
func (a *ShardAggregator) Run(ctx context.Context, aggregatorID ids.ID, numShards int, filterShard *int, work ShardWorker) <-chan AggregatedShardResult {
	out := make(chan AggregatedShardResult, numShards)

	shardIDs := make([]int, 0, numShards)
	if filterShard != nil {
		shardIDs = append(shardIDs, *filterShard)
	} else {
		for i := 0; i < numShards; i++ {
			shardIDs = append(shardIDs, i)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, shardID := range shardIDs {
		shardID := shardID
		g.Go(func() error {
			results, err := work(gctx, shardID)
			if err != nil {
				results = append(results, ShardItemResult{Err: err.Error()})
			}
			select {
			case out <- AggregatedShardResult{ShardID: shardID, Results: results, TotalShards: numShards}:
			case <-ctx.Done():
			}
			return nil
		})
	}

	go func() {
		_ = g.Wait()
		close(out)
	}()

	return out
}
