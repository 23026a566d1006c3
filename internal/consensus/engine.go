// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package consensus implements C6 (spec §4.5): the HyperRAFT++ replicated
// log — roles/terms, two-phase pre-vote election, log replication with
// the current-term-commit rule, membership changes, partition/crash
// recovery and local equivocation detection. A single goroutine per
// replica owns every field on Engine below (spec §5); everything else
// reaches the engine only through Subscribe'd transport messages,
// SubmitConfigChange, which hands its request to the loop over configCh,
// or the Status accessor, which takes the view mutex rather than racing
// the loop.
package consensus

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/math/set"

	"github.com/luxfi/ledgercore/internal/config"
	"github.com/luxfi/ledgercore/internal/crypto"
	"github.com/luxfi/ledgercore/internal/ledgererr"
	"github.com/luxfi/ledgercore/internal/logstore"
	"github.com/luxfi/ledgercore/internal/mempool"
	"github.com/luxfi/ledgercore/internal/statemachine"
	"github.com/luxfi/ledgercore/internal/telemetry"
	"github.com/luxfi/ledgercore/internal/transport"
	"github.com/luxfi/ledgercore/internal/txmodel"
)

// Role is one of {FOLLOWER, CANDIDATE, LEADER} (spec §4.5.1).
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Candidate:
		return "CANDIDATE"
	case Leader:
		return "LEADER"
	default:
		return "FOLLOWER"
	}
}

// EquivocationHandler is invoked once a double-sign is locally detected
// (spec §4.5.5/§4.5.8 "surfaced" failure). The default wired by New
// forwards straight into the state machine's slashing path.
type EquivocationHandler func(statemachine.EquivocationProof)

// FatalHandler is invoked when a fatal condition (CommittedTruncation,
// SnapshotCorrupt) is observed; per spec §4.5.8 the process must halt.
// The default wired by New panics, since there is no safe way for this
// module to terminate its own host process.
type FatalHandler func(error)

// ApplyHandler is invoked once per committed block, immediately after
// the state machine has applied it, with the receipts produced. This is
// the "consensus exposes events(height,block)" one-way port of spec §9
// (cyclic-ownership resolution), generalized here to also carry the
// apply result so internal/node can route receipts back to whichever
// client submitted each Tx without the engine knowing about streams or
// adapters. The default wired by New is a no-op.
type ApplyHandler func(block txmodel.Block, result statemachine.ApplyResult)

// Status is a point-in-time, lock-protected snapshot of engine state
// safe to read concurrently with the consensus loop (spec §5: reads of
// role/term/commit_index never take the consensus loop off its select).
type Status struct {
	Role           Role
	Term           uint64
	Leader         ids.NodeID
	LastHeight     uint64
	CommitIndex    uint64
	ConfigVersion  uint64
	ValidatorCount int
}

// Engine is the per-replica consensus state machine driver.
type Engine struct {
	self       ids.NodeID
	clusterCfg *txmodel.ClusterConfig
	cfg        config.Cluster

	store   logstore.Store
	tp      transport.Transport
	cp      crypto.Provider
	pool    *mempool.Pool
	sm      *statemachine.Machine
	metrics *telemetry.Metrics

	onEquivocation EquivocationHandler
	onFatal        FatalHandler
	onApply        ApplyHandler

	rnd *rand.Rand

	// --- fields below are owned exclusively by the Run goroutine ---
	role        Role
	currentTerm uint64
	votedFor    *ids.NodeID
	commitIndex uint64

	leaderID     ids.NodeID
	preVoteTally *Tally
	voteTally    *Tally

	nextIndex  map[ids.NodeID]uint64
	matchIndex map[ids.NodeID]uint64

	// pendingConfig/configChangeHeight implement spec §4.5.6: at most one
	// membership change may be in flight. pendingConfig is the proposed
	// new Cluster Config; configChangeHeight is the height of the block
	// carrying it, 0 once none is outstanding.
	pendingConfig      *txmodel.ClusterConfig
	configChangeHeight uint64
	sinceSnapshot      uint32

	// snapshotHeight is the height of the most recent snapshot this
	// replica holds; log reads at or below it hit compacted history, so
	// replication to a peer that far behind ships the snapshot instead.
	snapshotHeight uint64

	// equivocation bookkeeping: (term,height) -> hash signed by the
	// leader we've already seen at that slot.
	seenAt map[slot]seenEntry

	viewMu sync.Mutex
	view   Status

	// configCh carries SubmitConfigChange requests from arbitrary
	// caller goroutines into the single consensus-loop goroutine,
	// preserving the single-owner invariant on every field above
	// (spec §5) instead of letting an adapter mutate engine state
	// directly.
	configCh chan configChangeRequest
}

type configChangeRequest struct {
	next txmodel.ClusterConfig
	resp chan bool
}

type slot struct {
	term   uint64
	height uint64
}

type seenEntry struct {
	leader ids.NodeID
	hash   ids.ID
	sig    []byte
}

// New constructs an Engine. clusterCfg is the initial Cluster Config
// (spec §3); it is mutated in place by committed ConfigChange entries
// and is also the source of truth Configure()'d into tp.
func New(
	self ids.NodeID,
	cfg config.Cluster,
	clusterCfg *txmodel.ClusterConfig,
	store logstore.Store,
	tp transport.Transport,
	cp crypto.Provider,
	pool *mempool.Pool,
	sm *statemachine.Machine,
	metrics *telemetry.Metrics,
) *Engine {
	e := &Engine{
		self:       self,
		clusterCfg: clusterCfg,
		cfg:        cfg,
		store:      store,
		tp:         tp,
		cp:         cp,
		pool:       pool,
		sm:         sm,
		metrics:    metrics,
		rnd:        rand.New(rand.NewSource(int64(hashSeed(self)))),
		nextIndex:  make(map[ids.NodeID]uint64),
		matchIndex: make(map[ids.NodeID]uint64),
		seenAt:     make(map[slot]seenEntry),
		configCh:   make(chan configChangeRequest, 1),
	}
	e.onEquivocation = func(p statemachine.EquivocationProof) { e.sm.ApplyEquivocation(p) }
	e.onFatal = func(err error) { panic(err) }
	e.onApply = func(txmodel.Block, statemachine.ApplyResult) {}
	e.recover()
	return e
}

// quorumCommit and quorumViewChange read the Cluster Config's own
// configured thresholds (spec §6), falling back to the standard
// ⌊2n/3⌋+1 formula if the config leaves them unset — keeping the
// formula available as a default without hiding a configured override.
func (e *Engine) quorumCommit() int {
	if e.clusterCfg.QuorumCommit > 0 {
		return e.clusterCfg.QuorumCommit
	}
	return config.QuorumCommit(e.clusterCfg.N())
}

func (e *Engine) quorumViewChange() int {
	if e.clusterCfg.QuorumViewChg > 0 {
		return e.clusterCfg.QuorumViewChg
	}
	return config.QuorumViewChange(e.clusterCfg.N())
}

func hashSeed(n ids.NodeID) uint64 {
	var s uint64
	for i, b := range n[:] {
		s ^= uint64(b) << uint(8*(i%8))
	}
	if s == 0 {
		s = 1
	}
	return s
}

// SetEquivocationHandler overrides the default slash-on-detect behavior.
func (e *Engine) SetEquivocationHandler(h EquivocationHandler) { e.onEquivocation = h }

// SetFatalHandler overrides the default panic-on-fatal behavior.
func (e *Engine) SetFatalHandler(h FatalHandler) { e.onFatal = h }

// SetApplyHandler overrides the default no-op post-apply callback.
func (e *Engine) SetApplyHandler(h ApplyHandler) { e.onApply = h }

// recover reloads (state, height) from the most recent snapshot, then
// replays the log from C2 (spec §4.5.7). Called once at construction.
func (e *Engine) recover() {
	if meta, ok, err := e.store.LoadSnapshot(); err == nil && ok {
		e.sm.Restore(statemachine.Snapshot{State: meta.StateBlob, Height: meta.Height, StateHash: meta.StateHash})
		e.snapshotHeight = meta.Height
	}
	from := e.sm.LastAppliedHeight() + 1
	committed := e.store.CommittedHeight()
	if committed >= from {
		entries, err := e.store.Read(logstore.Range{From: from, To: committed})
		if err == nil {
			for _, b := range entries {
				e.applyCommitted(b)
			}
		}
	}
	e.commitIndex = committed
}

// Status returns a concurrency-safe snapshot of current engine state.
func (e *Engine) Status() Status {
	e.viewMu.Lock()
	defer e.viewMu.Unlock()
	return e.view
}

func (e *Engine) publishView() {
	e.viewMu.Lock()
	e.view = Status{
		Role:           e.role,
		Term:           e.currentTerm,
		Leader:         e.leaderID,
		LastHeight:     e.store.LastHeight(),
		CommitIndex:    e.commitIndex,
		ConfigVersion:  e.clusterCfg.Version,
		ValidatorCount: e.clusterCfg.N(),
	}
	e.viewMu.Unlock()
}

// electionTimeout returns a randomized duration in [T, 2T) per spec
// §4.5.2.
func (e *Engine) electionTimeout() time.Duration {
	base := e.cfg.ElectionTimeoutBase()
	jitter := time.Duration(e.rnd.Int63n(int64(base)))
	return base + jitter
}

// Run drives the single consensus-loop goroutine for this replica until
// ctx is canceled (spec §5). It owns every field on Engine below the
// view mutex; no other goroutine may touch them.
func (e *Engine) Run(ctx context.Context) error {
	inbox := e.tp.Subscribe()
	electionTimer := time.NewTimer(e.electionTimeout())
	defer electionTimer.Stop()
	heartbeat := time.NewTicker(e.cfg.HeartbeatInterval())
	defer heartbeat.Stop()

	e.publishView()

	for {
		loopStart := time.Now()
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-inbox:
			if !ok {
				return ledgererr.New(ledgererr.KindUnavailable, "consensus: transport inbox closed")
			}
			e.dispatch(ctx, msg)
			e.resetElectionTimerIfFollower(electionTimer)

		case <-electionTimer.C:
			if e.role != Leader {
				e.startElection(ctx, true)
			}
			electionTimer.Reset(e.electionTimeout())

		case <-heartbeat.C:
			if e.role == Leader {
				e.proposeOrHeartbeat(ctx)
			}

		case req := <-e.configCh:
			req.resp <- e.tryConfigChange(ctx, req.next)
		}
		e.publishView()
		if e.metrics != nil {
			e.metrics.SetConsensusLoopLag(time.Since(loopStart).Nanoseconds())
		}
	}
}

func (e *Engine) resetElectionTimerIfFollower(t *time.Timer) {
	if e.role == Leader {
		return
	}
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(e.electionTimeout())
}

func (e *Engine) dispatch(ctx context.Context, msg transport.Message) {
	switch p := msg.Payload.(type) {
	case RequestVoteMsg:
		e.handleRequestVote(ctx, msg.From, p)
	case RequestVoteReply:
		e.handleRequestVoteReply(ctx, p)
	case AppendEntriesMsg:
		e.handleAppendEntries(ctx, msg.From, p)
	case AppendEntriesReply:
		e.handleAppendEntriesReply(ctx, p)
	case InstallSnapshotMsg:
		e.handleInstallSnapshot(ctx, msg.From, p)
	case InstallSnapshotReply:
		e.handleInstallSnapshotReply(ctx, p)
	case EquivocationEvidenceMsg:
		e.handleEquivocationEvidence(p)
	case txmodel.Tx:
		// Gossiped tx from a peer's mempool broadcast (spec §4.4). Admit
		// re-validates signature/nonce/dedup, so a Byzantine peer cannot
		// plant an invalid tx this way.
		_ = e.pool.Admit(ctx, p, txmodel.PriorityNormal)
	}
}

// stepDown reacts to any message/term observed higher than our own,
// per spec §4.5.1: "any message carrying a higher term causes the
// receiver to step down to FOLLOWER and adopt that term."
func (e *Engine) stepDown(term uint64) {
	if term <= e.currentTerm {
		return
	}
	e.currentTerm = term
	e.role = Follower
	e.votedFor = nil
	e.preVoteTally = nil
	e.voteTally = nil
	e.leaderID = ids.NodeID{}
}

// --- Election (spec §4.5.2) ---

// startElection runs the PRE_VOTE round when preVote is true (no term
// increment, viability check only); a successful pre-vote round then
// calls itself again with preVote=false to run the term-incrementing
// RequestVote round that actually produces COMMIT_VOTE-eligible grants.
// This two-phase shape is SPEC_FULL.md's explicit supplement to
// spec.md §4.5.2's single-round description.
func (e *Engine) startElection(ctx context.Context, preVote bool) {
	if !e.clusterCfg.IsActive(e.self) {
		return
	}
	lastHeight := e.store.LastHeight()
	lastTerm := e.lastLogTerm()
	lastHash := e.lastLogHash()

	term := e.currentTerm
	if !preVote {
		term = e.currentTerm + 1
		e.currentTerm = term
		e.role = Candidate
		e.votedFor = &e.self
	}

	tally := NewTally(e.quorumViewChange())
	tally.Record(e.self, nil)
	if preVote {
		e.preVoteTally = tally
	} else {
		e.voteTally = tally
		if e.metrics != nil {
			e.metrics.ElectionsTotal.Inc()
		}
	}
	// The self-vote alone may already be quorum (single-validator
	// cluster); no reply will arrive to trigger the tally check.
	if tally.Achieved() {
		if preVote {
			e.startElection(ctx, false)
		} else {
			e.becomeLeader(ctx)
		}
		return
	}

	msg := RequestVoteMsg{
		Term:       term,
		PreVote:    preVote,
		LastTerm:   lastTerm,
		LastHeight: lastHeight,
		LastHash:   lastHash,
		Candidate:  e.self,
	}
	for _, v := range e.clusterCfg.ActiveValidators() {
		if v.ValidatorID == e.self {
			continue
		}
		_ = e.tp.Send(ctx, v.ValidatorID, msg)
	}
}

func (e *Engine) handleRequestVote(ctx context.Context, from ids.NodeID, m RequestVoteMsg) {
	if !m.PreVote {
		e.stepDown(m.Term)
	}
	grant := e.canGrantVote(m)
	var sig []byte
	if grant {
		kind := txmodel.VoteKindCommitVote
		if m.PreVote {
			kind = txmodel.VoteKindPreVote
		}
		sig, _ = e.cp.Sign(ctx, voteSigningBytes(e.self, m.Term, m.LastHeight, m.LastHash, kind))
		if !m.PreVote {
			v := m.Candidate
			e.votedFor = &v
		}
	}
	reply := RequestVoteReply{
		Term:      e.currentTerm,
		PreVote:   m.PreVote,
		Granted:   grant,
		Voter:     e.self,
		Signature: sig,
	}
	_ = e.tp.Send(ctx, from, reply)
}

// canGrantVote implements spec §4.5.2's three grant conditions.
func (e *Engine) canGrantVote(m RequestVoteMsg) bool {
	if !m.PreVote {
		if m.Term < e.currentTerm {
			return false
		}
		if m.Term == e.currentTerm && e.votedFor != nil && *e.votedFor != m.Candidate {
			return false
		}
	} else if m.Term < e.currentTerm {
		return false
	}
	if !e.clusterCfg.IsActive(m.Candidate) {
		return false
	}
	lastTerm := e.lastLogTerm()
	lastHeight := e.store.LastHeight()
	if m.LastTerm != lastTerm {
		return m.LastTerm > lastTerm
	}
	return m.LastHeight >= lastHeight
}

func (e *Engine) handleRequestVoteReply(ctx context.Context, r RequestVoteReply) {
	e.stepDown(r.Term)
	if !r.Granted {
		return
	}
	if r.PreVote {
		if e.preVoteTally == nil || e.role == Leader {
			return
		}
		if fresh := e.preVoteTally.Record(r.Voter, r.Signature); fresh && e.preVoteTally.Achieved() {
			e.startElection(ctx, false)
		}
		return
	}
	if e.voteTally == nil || e.role != Candidate || r.Term != e.currentTerm {
		return
	}
	if fresh := e.voteTally.Record(r.Voter, r.Signature); fresh && e.voteTally.Achieved() {
		e.becomeLeader(ctx)
	}
}

func (e *Engine) becomeLeader(ctx context.Context) {
	e.role = Leader
	e.leaderID = e.self
	last := e.store.LastHeight()
	e.nextIndex = make(map[ids.NodeID]uint64)
	e.matchIndex = make(map[ids.NodeID]uint64)
	for _, v := range e.clusterCfg.ActiveValidators() {
		e.nextIndex[v.ValidatorID] = last + 1
		e.matchIndex[v.ValidatorID] = 0
	}
	e.proposeOrHeartbeat(ctx)
}

func (e *Engine) lastLogTerm() uint64 {
	last := e.store.LastHeight()
	if last == 0 {
		return 0
	}
	entries, err := e.store.Read(logstore.Range{From: last, To: last})
	if err != nil || len(entries) == 0 {
		return 0
	}
	return entries[0].Term
}

func (e *Engine) lastLogHash() ids.ID {
	return e.hashAtHeight(e.store.LastHeight())
}

// hashAtHeight returns the content hash of the block at h, or the zero
// ID if h is 0 or absent from the log.
func (e *Engine) hashAtHeight(h uint64) ids.ID {
	if h == 0 {
		return ids.ID{}
	}
	entries, err := e.store.Read(logstore.Range{From: h, To: h})
	if err != nil || len(entries) != 1 {
		return ids.ID{}
	}
	return blockHash(e.cp, entries[0])
}

// --- Replication (spec §4.5.3, §4.5.4) ---

// proposeOrHeartbeat forms a new Block from the mempool backlog
// (CRITICAL, then HIGH, then NORMAL) and replicates it to every peer.
// It appends a block on every call: when the mempool is empty the block
// carries no entries, so each heartbeat tick adds one height to the log
// rather than sending an AppendEntries with no entries.
func (e *Engine) proposeOrHeartbeat(ctx context.Context) {
	last := e.store.LastHeight()
	var entries []txmodel.Tx
	batch := e.pool.TakeBatch(txmodel.PriorityCritical, int(e.cfg.MaxBatch))
	entries = append(entries, batch.Txs...)
	if len(entries) < int(e.cfg.MaxBatch) {
		hi := e.pool.TakeBatch(txmodel.PriorityHigh, int(e.cfg.MaxBatch)-len(entries))
		entries = append(entries, hi.Txs...)
	}
	if len(entries) < int(e.cfg.MaxBatch) {
		nm := e.pool.TakeBatch(txmodel.PriorityNormal, int(e.cfg.MaxBatch)-len(entries))
		entries = append(entries, nm.Txs...)
	}

	var configChange *txmodel.ClusterConfig
	if e.pendingConfig != nil && e.configChangeHeight == 0 {
		configChange = e.pendingConfig
	}

	txIDs := make([]ids.ID, len(entries))
	for i, tx := range entries {
		txIDs[i] = tx.TxID
	}
	block := txmodel.Block{
		Height:       last + 1,
		Term:         e.currentTerm,
		PrevHash:     e.lastLogHash(),
		TxRoot:       merkleRoot(e.cp, txIDs),
		ProposerID:   e.self,
		Timestamp:    time.Now(),
		Entries:      entries,
		ConfigChange: configChange,
	}
	if _, err := e.store.Append([]txmodel.Block{block}); err != nil {
		return
	}
	if configChange != nil {
		e.configChangeHeight = block.Height
	}
	if len(entries) > 0 && e.metrics != nil {
		e.metrics.BatchSize.Observe(float64(len(entries)))
	}
	// The leader's own append counts toward the commit quorum; in a
	// single-validator cluster it IS the quorum, and no reply will ever
	// arrive to trigger the check.
	e.checkAdvanceCommit()
	e.replicateAll(ctx)
}

func (e *Engine) replicateAll(ctx context.Context) {
	for _, v := range e.clusterCfg.ActiveValidators() {
		if v.ValidatorID == e.self {
			continue
		}
		e.replicateTo(ctx, v.ValidatorID)
	}
}

func (e *Engine) replicateTo(ctx context.Context, peer ids.NodeID) {
	next := e.nextIndex[peer]
	if next == 0 {
		next = 1
	}
	// A peer that far behind is served the snapshot (spec §4.5.7):
	// either our log no longer holds those heights (compacted after a
	// crash-recovery install) or shipping one image beats replaying the
	// whole prefix entry by entry.
	if next <= e.snapshotHeight {
		if meta, ok, err := e.store.LoadSnapshot(); err == nil && ok {
			_ = e.tp.Send(ctx, peer, InstallSnapshotMsg{
				Term: e.currentTerm, Leader: e.self,
				Height: meta.Height, StateHash: meta.StateHash, StateBlob: meta.StateBlob,
			})
			return
		}
	}
	last := e.store.LastHeight()
	var entries []txmodel.Block
	if next <= last {
		var err error
		entries, err = e.store.Read(logstore.Range{From: next, To: last})
		if err != nil {
			return
		}
	}
	var prevHeight uint64
	var prevHash ids.ID
	if next > 1 {
		prevHeight = next - 1
		prevEntries, err := e.store.Read(logstore.Range{From: prevHeight, To: prevHeight})
		if err == nil && len(prevEntries) == 1 {
			prevHash = blockHash(e.cp, prevEntries[0])
		}
	}
	msg := AppendEntriesMsg{
		Term:         e.currentTerm,
		Leader:       e.self,
		PrevHeight:   prevHeight,
		PrevHash:     prevHash,
		Entries:      entries,
		LeaderCommit: e.commitIndex,
	}
	_ = e.tp.Send(ctx, peer, msg)
}

func (e *Engine) handleAppendEntries(ctx context.Context, from ids.NodeID, m AppendEntriesMsg) {
	if m.Term < e.currentTerm {
		_ = e.tp.Send(ctx, from, AppendEntriesReply{Term: e.currentTerm, Follower: e.self, Success: false})
		return
	}
	e.stepDown(m.Term)
	e.role = Follower
	e.leaderID = m.Leader

	// Heights at or below our snapshot are attested by the snapshot
	// itself; the log no longer holds them after an install. The hint in
	// a rejection is the height the leader should resume sending from:
	// just past our log when we are missing PrevHeight entirely, or
	// PrevHeight itself when our entry there diverges (a diverging entry
	// is never committed, since committed prefixes agree, so the retry's
	// truncation is safe).
	if m.PrevHeight > e.snapshotHeight {
		have, err := e.store.Read(logstore.Range{From: m.PrevHeight, To: m.PrevHeight})
		if err != nil || len(have) != 1 {
			_ = e.tp.Send(ctx, from, AppendEntriesReply{
				Term: e.currentTerm, Follower: e.self, Success: false,
				ConflictHint: e.store.LastHeight() + 1,
			})
			return
		}
		if blockHash(e.cp, have[0]) != m.PrevHash {
			_ = e.tp.Send(ctx, from, AppendEntriesReply{
				Term: e.currentTerm, Follower: e.self, Success: false,
				ConflictHint: m.PrevHeight,
			})
			return
		}
	}

	for _, entry := range m.Entries {
		if err := e.appendAndDetectEquivocation(from, entry); err != nil {
			if ledgererr.KindOf(err).Fatal() {
				e.onFatal(err)
			}
			return
		}
	}

	if m.LeaderCommit > e.commitIndex {
		last := e.store.LastHeight()
		newCommit := m.LeaderCommit
		if newCommit > last {
			newCommit = last
		}
		e.advanceCommit(newCommit)
	}

	matched := e.store.LastHeight()
	sig, _ := e.cp.Sign(ctx, ackSigningBytes(e.self, e.currentTerm, matched, e.hashAtHeight(matched)))
	_ = e.tp.Send(ctx, from, AppendEntriesReply{
		Term: e.currentTerm, Follower: e.self, Success: true, MatchedHeight: matched, Signature: sig,
	})
}

// appendAndDetectEquivocation appends entry, first checking whether a
// different hash was already recorded at (entry.Term, entry.Height)
// from the same leader — that is the equivocation evidence of spec
// §4.5.5.
func (e *Engine) appendAndDetectEquivocation(leader ids.NodeID, entry txmodel.Block) error {
	key := slot{term: entry.Term, height: entry.Height}
	h := blockHash(e.cp, entry)
	if prior, ok := e.seenAt[key]; ok && prior.leader == leader && prior.hash != h {
		proof := statemachine.EquivocationProof{Offender: leader, Height: entry.Height, TermA: entry.Term, TermB: entry.Term}
		e.onEquivocation(proof)
		return ledgererr.New(ledgererr.KindEquivocationDetected, "conflicting block observed at same (term,height)")
	}
	e.seenAt[key] = seenEntry{leader: leader, hash: h}

	existing := e.store.LastHeight()
	if entry.Height <= existing {
		// A retransmitted entry we already hold is a no-op, not a
		// truncation; only a genuinely diverging suffix is dropped.
		if have, err := e.store.Read(logstore.Range{From: entry.Height, To: entry.Height}); err == nil && len(have) == 1 && blockHash(e.cp, have[0]) == h {
			return nil
		}
		if entry.Height <= e.store.CommittedHeight() {
			err := ledgererr.New(ledgererr.KindCommittedTruncation, "refusing to truncate a committed suffix")
			e.onFatal(err)
			return err
		}
		if err := e.store.TruncateSuffix(entry.Height); err != nil {
			return err
		}
	}
	_, err := e.store.Append([]txmodel.Block{entry})
	return err
}

func (e *Engine) handleAppendEntriesReply(ctx context.Context, r AppendEntriesReply) {
	e.stepDown(r.Term)
	if e.role != Leader || r.Term != e.currentTerm {
		return
	}
	if !r.Success {
		hint := r.ConflictHint
		if hint == 0 {
			if cur := e.nextIndex[r.Follower]; cur > 1 {
				hint = cur - 1
			} else {
				hint = 1
			}
		}
		e.nextIndex[r.Follower] = hint
		e.replicateTo(ctx, r.Follower)
		return
	}
	// Verify the Ack's signature against the hash the leader's own log
	// carries at that height (spec §4.5.5): an Ack not signed by the
	// follower itself, or signed over a different hash, never advances
	// matchIndex. The check cannot tell whether the follower really
	// appended the entries it signs for.
	expected := ackSigningBytes(r.Follower, r.Term, r.MatchedHeight, e.hashAtHeight(r.MatchedHeight))
	if e.cp.Verify(ctx, r.Follower, expected, r.Signature) != nil {
		return
	}

	e.matchIndex[r.Follower] = r.MatchedHeight
	e.nextIndex[r.Follower] = r.MatchedHeight + 1
	e.checkAdvanceCommit()
	if e.store.LastHeight() >= e.nextIndex[r.Follower] {
		e.replicateTo(ctx, r.Follower)
	}
}

// checkAdvanceCommit implements spec §4.5.4's current-term-commit rule:
// an entry is committed when q_commit replicas, the leader's own log
// counted as one of them, have replicated at least that height AND at
// least one T_curr entry has been replicated to quorum.
func (e *Engine) checkAdvanceCommit() {
	last := e.store.LastHeight()
	threshold := e.quorumCommit()
	var candidate uint64
	// Scan from the highest height down: the first height that both
	// has quorum replication and carries a T_curr entry is the new
	// commit_index. A prior-term entry never advances commit_index on
	// its own (spec §4.5.4's current-term-commit rule) — but committing
	// up to a later current-term height implicitly commits every entry
	// beneath it, so we don't need a separate pass for those.
	for h := last; h > e.commitIndex; h-- {
		count := 1 // leader itself
		for _, m := range e.matchIndex {
			if m >= h {
				count++
			}
		}
		if count < threshold {
			continue
		}
		entries, err := e.store.Read(logstore.Range{From: h, To: h})
		if err != nil || len(entries) != 1 {
			continue
		}
		if entries[0].Term == e.currentTerm {
			candidate = h
			break
		}
	}
	if candidate > e.commitIndex {
		e.advanceCommit(candidate)
	}
}

func (e *Engine) advanceCommit(to uint64) {
	if to <= e.commitIndex {
		return
	}
	entries, err := e.store.Read(logstore.Range{From: e.commitIndex + 1, To: to})
	if err != nil {
		return
	}
	_ = e.store.MarkCommitted(to)
	for _, b := range entries {
		e.applyCommitted(b)
	}
	e.commitIndex = to
	e.maybeSnapshot()
}

func (e *Engine) applyCommitted(b txmodel.Block) {
	result := e.sm.Apply(b)
	e.onApply(b, result)
	if len(b.Entries) > 0 {
		txIDs := make([]ids.ID, len(b.Entries))
		for i, tx := range b.Entries {
			txIDs[i] = tx.TxID
		}
		e.pool.Remove(txIDs)
	}
	if b.ConfigChange != nil {
		*e.clusterCfg = *b.ConfigChange
		e.pendingConfig = nil
		e.configChangeHeight = 0
		e.tp.Configure(idsOf(e.clusterCfg.ActiveValidators()))
	}
	if e.metrics != nil {
		e.metrics.BlocksCommitted.Inc()
		if !b.Timestamp.IsZero() {
			e.metrics.CommitLatency.Observe(time.Since(b.Timestamp).Seconds())
		}
	}
	e.sinceSnapshot++
}

func idsOf(vs []txmodel.ValidatorRecord) set.Set[ids.NodeID] {
	out := set.NewSet[ids.NodeID](len(vs))
	for _, v := range vs {
		out.Add(v.ValidatorID)
	}
	return out
}

// maybeSnapshot requests a snapshot from the state machine every
// snapshot_interval_entries committed entries and persists it; peers
// whose next_index falls at or below the snapshot height are then
// served the image instead of the entry-by-entry prefix (replicateTo).
func (e *Engine) maybeSnapshot() {
	if e.sinceSnapshot < e.cfg.SnapshotIntervalEntries {
		return
	}
	e.sinceSnapshot = 0
	snap := e.sm.Snapshot()
	if err := e.store.Snapshot(logstore.SnapshotMeta{Height: snap.Height, StateHash: snap.StateHash, StateBlob: snap.State}); err == nil {
		e.snapshotHeight = snap.Height
	}
}

// --- Snapshot install (spec §4.5.7) ---

func (e *Engine) handleInstallSnapshot(ctx context.Context, from ids.NodeID, m InstallSnapshotMsg) {
	if m.Term < e.currentTerm {
		return
	}
	e.stepDown(m.Term)
	e.role = Follower
	e.leaderID = m.Leader

	if m.Height <= e.commitIndex {
		// Stale snapshot; our committed prefix is already past it.
		_ = e.tp.Send(ctx, from, InstallSnapshotReply{Term: e.currentTerm, Follower: e.self, Height: e.store.LastHeight()})
		return
	}
	e.sm.Restore(statemachine.Snapshot{State: m.StateBlob, Height: m.Height, StateHash: m.StateHash})
	if e.sm.StateHash() != m.StateHash {
		e.onFatal(ledgererr.New(ledgererr.KindSnapshotCorrupt, "installed snapshot state hash mismatch"))
		return
	}
	if err := e.store.InstallSnapshot(logstore.SnapshotMeta{Height: m.Height, StateHash: m.StateHash, StateBlob: m.StateBlob}); err != nil {
		return
	}
	e.snapshotHeight = m.Height
	e.commitIndex = m.Height
	_ = e.tp.Send(ctx, from, InstallSnapshotReply{Term: e.currentTerm, Follower: e.self, Height: m.Height})
}

func (e *Engine) handleInstallSnapshotReply(ctx context.Context, r InstallSnapshotReply) {
	e.stepDown(r.Term)
	if e.role != Leader || r.Term != e.currentTerm {
		return
	}
	if r.Height > e.matchIndex[r.Follower] {
		e.matchIndex[r.Follower] = r.Height
	}
	e.nextIndex[r.Follower] = r.Height + 1
	e.checkAdvanceCommit()
	if e.store.LastHeight() >= e.nextIndex[r.Follower] {
		e.replicateTo(ctx, r.Follower)
	}
}

func (e *Engine) handleEquivocationEvidence(m EquivocationEvidenceMsg) {
	voteA := voteSigningBytes(m.Offender, m.Term, m.Height, m.HashA, txmodel.VoteKindCommitVote)
	voteB := voteSigningBytes(m.Offender, m.Term, m.Height, m.HashB, txmodel.VoteKindCommitVote)
	if e.cp.Verify(context.Background(), m.Offender, voteA, m.SigA) != nil {
		return
	}
	if e.cp.Verify(context.Background(), m.Offender, voteB, m.SigB) != nil {
		return
	}
	if m.HashA == m.HashB {
		return
	}
	e.onEquivocation(statemachine.EquivocationProof{Offender: m.Offender, Height: m.Height, TermA: m.Term, TermB: m.Term})
}

// SubmitConfigChange proposes a membership change (spec §4.5.6) from any
// goroutine; the request is handed to the consensus loop over configCh
// and actually applied there by tryConfigChange, preserving this
// Engine's single-owner-goroutine invariant. Returns false if ctx is
// canceled before the loop accepts or answers the request.
func (e *Engine) SubmitConfigChange(ctx context.Context, next txmodel.ClusterConfig) bool {
	resp := make(chan bool, 1)
	select {
	case e.configCh <- configChangeRequest{next: next, resp: resp}:
	case <-ctx.Done():
		return false
	}
	select {
	case ok := <-resp:
		return ok
	case <-ctx.Done():
		return false
	}
}

// tryConfigChange is SubmitConfigChange's body, run only on the
// consensus loop goroutine. It is a no-op, returning false, if this
// replica is not the leader or a change is already in flight; the new
// config only becomes active once committed, at commit_height+1
// (applyCommitted), never immediately.
func (e *Engine) tryConfigChange(ctx context.Context, next txmodel.ClusterConfig) bool {
	if e.role != Leader || e.pendingConfig != nil {
		return false
	}
	cfg := next
	e.pendingConfig = &cfg
	e.proposeOrHeartbeat(ctx)
	return true
}
