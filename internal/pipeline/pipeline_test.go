// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/ledgercore/internal/breaker"
	"github.com/luxfi/ledgercore/internal/ledgererr"
	"github.com/luxfi/ledgercore/internal/statemachine"
	"github.com/luxfi/ledgercore/internal/telemetry"
	"github.com/luxfi/ledgercore/internal/txmodel"
)

type fakeSubmitter struct {
	fail bool
}

func (f *fakeSubmitter) Submit(_ context.Context, tx txmodel.Tx, _ txmodel.PriorityClass) (statemachine.Receipt, error) {
	if f.fail {
		return statemachine.Receipt{}, context.DeadlineExceeded
	}
	return statemachine.Receipt{TxID: tx.TxID, Status: statemachine.ReceiptOK}, nil
}

func TestProcessMultiplexedAllOK(t *testing.T) {
	sub := &fakeSubmitter{}
	metrics := telemetry.New(prometheus.NewRegistry())
	brk := breaker.New("consensus-submit", 5, time.Second)
	p := New(sub, DefaultPrioritySLA(), brk, metrics)

	batch := txmodel.Batch{
		Txs: []txmodel.Tx{
			{TxID: mustID(1)}, {TxID: mustID(2)}, {TxID: mustID(3)},
		},
		PriorityClass: txmodel.PriorityHigh,
	}
	result := p.ProcessMultiplexed(context.Background(), batch)
	require.Len(t, result.Receipts, 3)
	require.True(t, result.AllOK)
}

func TestProcessMultiplexedPartialFailureNotAllOK(t *testing.T) {
	sub := &fakeSubmitter{fail: true}
	metrics := telemetry.New(prometheus.NewRegistry())
	brk := breaker.New("consensus-submit", 5, time.Second)
	p := New(sub, DefaultPrioritySLA(), brk, metrics)

	batch := txmodel.Batch{Txs: []txmodel.Tx{{TxID: mustID(1)}}, PriorityClass: txmodel.PriorityNormal}
	result := p.ProcessMultiplexed(context.Background(), batch)
	require.False(t, result.AllOK)
	require.Equal(t, statemachine.ReceiptError, result.Receipts[0].Status)
}

func TestLimiterShedsLoadWithUnavailable(t *testing.T) {
	sub := &fakeSubmitter{}
	metrics := telemetry.New(prometheus.NewRegistry())
	p := New(sub, DefaultPrioritySLA(), nil, metrics, WithLimiter(breaker.NewAdaptiveLimiter(1, 0)))

	_, err := p.Submit(context.Background(), txmodel.Tx{TxID: mustID(1)}, txmodel.PriorityNormal)
	require.NoError(t, err)

	_, err = p.Submit(context.Background(), txmodel.Tx{TxID: mustID(2)}, txmodel.PriorityNormal)
	require.Equal(t, ledgererr.KindUnavailable, ledgererr.KindOf(err))
}

func TestBreakerOpensFailsFastWithoutCallingSubmit(t *testing.T) {
	sub := &fakeSubmitter{fail: true}
	metrics := telemetry.New(prometheus.NewRegistry())
	brk := breaker.New("consensus-submit", 2, time.Minute)
	p := New(sub, DefaultPrioritySLA(), brk, metrics)

	for i := 0; i < 2; i++ {
		_, err := p.Submit(context.Background(), txmodel.Tx{TxID: mustID(uint64(i))}, txmodel.PriorityNormal)
		require.Error(t, err)
	}
	require.Equal(t, breaker.Open, brk.State())

	// The fake's own failure carries no ledgererr kind; only the breaker's
	// fail-fast path returns Unavailable.
	_, err := p.Submit(context.Background(), txmodel.Tx{TxID: mustID(9)}, txmodel.PriorityNormal)
	require.Equal(t, ledgererr.KindUnavailable, ledgererr.KindOf(err))
}
