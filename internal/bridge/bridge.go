// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package bridge implements C9 (spec §4.8): the cross-chain bridge
// coordinator's per-transfer state machine, oracle-quorum verification,
// timeout-driven refund and batch admission. The bridge store is
// single-writer per bridge_id via per-key serialization (spec §5); this
// package achieves that with a keyed mutex (one sync.Mutex per
// bridge_id) rather than one global lock, so independent transfers never
// contend with each other.
package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/math/set"

	"github.com/luxfi/ledgercore/internal/config"
	"github.com/luxfi/ledgercore/internal/crypto"
	"github.com/luxfi/ledgercore/internal/ledgererr"
	"github.com/luxfi/ledgercore/internal/telemetry"
)

// Status is the Bridge Transfer's tagged state (spec §3).
type Status int

const (
	Pending Status = iota
	Verified
	Executed
	TimedOut
	Refunded
)

func (s Status) String() string {
	switch s {
	case Verified:
		return "VERIFIED"
	case Executed:
		return "EXECUTED"
	case TimedOut:
		return "TIMED_OUT"
	case Refunded:
		return "REFUNDED"
	default:
		return "PENDING"
	}
}

// Verification is one oracle's recorded vote on a transfer (spec §3).
type Verification struct {
	OracleID  ids.NodeID
	Approved  bool
	Signature []byte
}

// Transfer is spec §3's Bridge Transfer entity.
type Transfer struct {
	BridgeID      ids.ID
	SourceChain   string
	DestChain     string
	Asset         string
	Amount        uint64
	Recipient     string
	OracleSet     []ids.NodeID
	Status        Status
	TimeoutAt     time.Time
	Verifications map[ids.NodeID]Verification

	// DestTxHash is set by ExecuteCallback and makes that call
	// idempotent: a second callback with the same hash is a no-op, a
	// different hash is rejected (spec §4.8.1).
	DestTxHash ids.ID

	// RefundConfirmations tracks oracle confirmations of the source-
	// chain refund, reusing the same oracle set and quorum rule as
	// verify (spec §4.8.1's background sweep).
	RefundConfirmations map[ids.NodeID]Verification
}

// snapshot returns a deep-enough copy of t safe to hand to a caller
// without risking a data race with later mutation under the key lock
// (spec §5: "global reads are snapshot-consistent").
func (t *Transfer) snapshot() Transfer {
	cp := *t
	cp.OracleSet = append([]ids.NodeID(nil), t.OracleSet...)
	cp.Verifications = make(map[ids.NodeID]Verification, len(t.Verifications))
	for k, v := range t.Verifications {
		cp.Verifications[k] = v
	}
	cp.RefundConfirmations = make(map[ids.NodeID]Verification, len(t.RefundConfirmations))
	for k, v := range t.RefundConfirmations {
		cp.RefundConfirmations[k] = v
	}
	return cp
}

// InitiateRequest is the initiate() operation's input (spec §4.8.1).
type InitiateRequest struct {
	BridgeID    ids.ID
	SourceChain string
	DestChain   string
	Asset       string
	Amount      uint64
	Recipient   string
	OracleSet   []ids.NodeID
	Timeout     time.Duration
}

// Coordinator owns every Transfer keyed by bridge_id, serializing
// writes per key (spec §5) while allowing concurrent reads/writes
// across distinct keys.
type Coordinator struct {
	cp      crypto.Provider
	cfg     config.Bridge
	metrics *telemetry.Metrics
	nowFunc func() time.Time

	mapMu sync.RWMutex
	locks map[ids.ID]*sync.Mutex
	byID  map[ids.ID]*Transfer
}

func New(cp crypto.Provider, cfg config.Bridge, metrics *telemetry.Metrics) *Coordinator {
	return &Coordinator{
		cp:      cp,
		cfg:     cfg,
		metrics: metrics,
		nowFunc: time.Now,
		locks:   make(map[ids.ID]*sync.Mutex),
		byID:    make(map[ids.ID]*Transfer),
	}
}

func (c *Coordinator) keyLock(id ids.ID) *sync.Mutex {
	c.mapMu.Lock()
	defer c.mapMu.Unlock()
	l, ok := c.locks[id]
	if !ok {
		l = &sync.Mutex{}
		c.locks[id] = l
	}
	return l
}

// Initiate creates a PENDING transfer (spec §4.8.1).
func (c *Coordinator) Initiate(req InitiateRequest) (Transfer, error) {
	if len(req.OracleSet) == 0 {
		return Transfer{}, ledgererr.New(ledgererr.KindInvalidInput, "bridge: empty oracle_set")
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = time.Duration(c.cfg.DefaultTimeoutS) * time.Second
	}

	lock := c.keyLock(req.BridgeID)
	lock.Lock()
	defer lock.Unlock()

	c.mapMu.RLock()
	_, exists := c.byID[req.BridgeID]
	c.mapMu.RUnlock()
	if exists {
		return Transfer{}, ledgererr.New(ledgererr.KindInvalidInput, "bridge: bridge_id already initiated")
	}

	now := c.nowFunc()
	t := &Transfer{
		BridgeID:            req.BridgeID,
		SourceChain:         req.SourceChain,
		DestChain:           req.DestChain,
		Asset:               req.Asset,
		Amount:              req.Amount,
		Recipient:           req.Recipient,
		OracleSet:           append([]ids.NodeID(nil), req.OracleSet...),
		Status:              Pending,
		TimeoutAt:           now.Add(timeout),
		Verifications:       make(map[ids.NodeID]Verification),
		RefundConfirmations: make(map[ids.NodeID]Verification),
	}
	c.mapMu.Lock()
	c.byID[req.BridgeID] = t
	c.mapMu.Unlock()

	return t.snapshot(), nil
}

// Status returns a snapshot-consistent read of the named transfer.
func (c *Coordinator) Status(bridgeID ids.ID) (Transfer, error) {
	c.mapMu.RLock()
	t, ok := c.byID[bridgeID]
	c.mapMu.RUnlock()
	if !ok {
		return Transfer{}, ledgererr.New(ledgererr.KindNotFound, "bridge: unknown bridge_id")
	}
	lock := c.keyLock(bridgeID)
	lock.Lock()
	defer lock.Unlock()
	return t.snapshot(), nil
}

// Verify records an oracle's verification vote and evaluates the quorum
// rule (spec §4.8.1, §4.8.2): a transfer moves PENDING->VERIFIED once
// strict >2/3 of the oracle set approved and the aggregate signature
// over those approvals verifies; it moves directly to TIMED_OUT (spec
// §4.8.2, skipping the deadline) once rejections alone reach
// ⌈n/3⌉+1, without waiting for now > timeout_at.
func (c *Coordinator) Verify(ctx context.Context, bridgeID ids.ID, oracleID ids.NodeID, approved bool, signature []byte) (Status, error) {
	lock := c.keyLock(bridgeID)
	lock.Lock()
	defer lock.Unlock()

	c.mapMu.RLock()
	t, ok := c.byID[bridgeID]
	c.mapMu.RUnlock()
	if !ok {
		return Pending, ledgererr.New(ledgererr.KindNotFound, "bridge: unknown bridge_id")
	}
	if t.Status != Pending {
		return t.Status, nil
	}
	if !set.Of(t.OracleSet...).Contains(oracleID) {
		return t.Status, ledgererr.New(ledgererr.KindInvalidInput, "bridge: oracle not in oracle_set")
	}
	// Oracle verifications are deduplicated per oracle_id (spec §4.8.2):
	// a later vote from the same oracle replaces its earlier one rather
	// than counting twice.
	t.Verifications[oracleID] = Verification{OracleID: oracleID, Approved: approved, Signature: signature}

	n := len(t.OracleSet)
	approvedIDs, approvedSigs := approvals(t.Verifications, true)
	rejected := len(t.Verifications) - len(approvedIDs)

	if rejectThreshold(n) <= rejected {
		t.Status = TimedOut
		c.recordTerminal(t.Status)
		return t.Status, nil
	}

	if isStrictQuorum(len(approvedIDs), n) {
		msg := verifyMessage(bridgeID)
		if err := c.cp.AggregateVerify(ctx, approvedIDs, msg, approvedSigs); err == nil {
			t.Status = Verified
		}
	}
	return t.Status, nil
}

// ExecuteCallback transitions a VERIFIED transfer to EXECUTED (spec
// §4.8.1). It is idempotent on dest_tx_hash: a repeat callback with the
// same hash is a no-op success; a different hash on an already-EXECUTED
// transfer is rejected, since once EXECUTED a transfer never reverts
// (spec §3 invariant).
func (c *Coordinator) ExecuteCallback(ctx context.Context, bridgeID ids.ID, destTxHash ids.ID, oracleSignature []byte) (Status, error) {
	lock := c.keyLock(bridgeID)
	lock.Lock()
	defer lock.Unlock()

	c.mapMu.RLock()
	t, ok := c.byID[bridgeID]
	c.mapMu.RUnlock()
	if !ok {
		return Pending, ledgererr.New(ledgererr.KindNotFound, "bridge: unknown bridge_id")
	}

	if t.Status == Executed {
		if t.DestTxHash == destTxHash {
			return Executed, nil
		}
		return Executed, ledgererr.New(ledgererr.KindInvalidInput, "bridge: execute_callback dest_tx_hash mismatch on already-executed transfer")
	}
	if t.Status != Verified {
		return t.Status, ledgererr.New(ledgererr.KindInvalidInput, "bridge: execute_callback requires VERIFIED status")
	}

	t.DestTxHash = destTxHash
	t.Status = Executed
	c.recordTerminal(t.Status)
	return t.Status, nil
}

// ConfirmRefund records an oracle confirmation of the source-chain
// refund for a TIMED_OUT transfer, using the same strict-quorum rule as
// Verify, and moves it to REFUNDED once confirmed (spec §4.8.1's
// background-sweep refund path).
func (c *Coordinator) ConfirmRefund(ctx context.Context, bridgeID ids.ID, oracleID ids.NodeID, approved bool, signature []byte) (Status, error) {
	lock := c.keyLock(bridgeID)
	lock.Lock()
	defer lock.Unlock()

	c.mapMu.RLock()
	t, ok := c.byID[bridgeID]
	c.mapMu.RUnlock()
	if !ok {
		return Pending, ledgererr.New(ledgererr.KindNotFound, "bridge: unknown bridge_id")
	}
	if t.Status == Refunded {
		return Refunded, nil
	}
	if t.Status != TimedOut {
		return t.Status, ledgererr.New(ledgererr.KindInvalidInput, "bridge: confirm_refund requires TIMED_OUT status")
	}
	if !set.Of(t.OracleSet...).Contains(oracleID) {
		return t.Status, ledgererr.New(ledgererr.KindInvalidInput, "bridge: oracle not in oracle_set")
	}
	t.RefundConfirmations[oracleID] = Verification{OracleID: oracleID, Approved: approved, Signature: signature}

	n := len(t.OracleSet)
	approvedIDs, approvedSigs := approvals(t.RefundConfirmations, true)
	if isStrictQuorum(len(approvedIDs), n) {
		msg := refundMessage(bridgeID)
		if err := c.cp.AggregateVerify(ctx, approvedIDs, msg, approvedSigs); err == nil {
			t.Status = Refunded
			c.recordTerminal(t.Status)
		}
	}
	return t.Status, nil
}

// Sweep transitions every PENDING transfer whose deadline has passed to
// TIMED_OUT (spec §4.8.1's background sweep) and returns the bridge IDs
// that changed state.
func (c *Coordinator) Sweep(now time.Time) []ids.ID {
	c.mapMu.RLock()
	candidates := make([]ids.ID, 0, len(c.byID))
	for id, t := range c.byID {
		if t.Status == Pending {
			candidates = append(candidates, id)
		}
	}
	c.mapMu.RUnlock()

	var timedOut []ids.ID
	for _, id := range candidates {
		lock := c.keyLock(id)
		lock.Lock()
		c.mapMu.RLock()
		t := c.byID[id]
		c.mapMu.RUnlock()
		if t.Status == Pending && now.After(t.TimeoutAt) {
			t.Status = TimedOut
			c.recordTerminal(t.Status)
			timedOut = append(timedOut, id)
		}
		lock.Unlock()
	}
	return timedOut
}

func (c *Coordinator) recordTerminal(s Status) {
	if c.metrics != nil {
		c.metrics.BridgeTransfers.WithLabelValues(s.String()).Inc()
	}
}

// BatchResult is the per-request outcome set of bridge_batch (spec
// §4.8.3).
type BatchResult struct {
	AcceptedCount int
	Outcomes      []BatchOutcome
}

type BatchOutcome struct {
	BridgeID ids.ID
	Accepted bool
	Error    string
}

// InitiateBatch admits up to K requests in one call (spec §4.8.3).
// Admission is evaluated independently per request — never partial
// within a single request — so one bad request in the batch never
// blocks the others.
func (c *Coordinator) InitiateBatch(requests []InitiateRequest, k int) BatchResult {
	if k > 0 && len(requests) > k {
		requests = requests[:k]
	}
	result := BatchResult{Outcomes: make([]BatchOutcome, 0, len(requests))}
	for _, req := range requests {
		if _, err := c.Initiate(req); err != nil {
			result.Outcomes = append(result.Outcomes, BatchOutcome{BridgeID: req.BridgeID, Accepted: false, Error: err.Error()})
			continue
		}
		result.AcceptedCount++
		result.Outcomes = append(result.Outcomes, BatchOutcome{BridgeID: req.BridgeID, Accepted: true})
	}
	return result
}
