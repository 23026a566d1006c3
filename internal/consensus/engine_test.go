// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package consensus

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/ids"
	"github.com/luxfi/math/set"

	"github.com/luxfi/ledgercore/internal/config"
	"github.com/luxfi/ledgercore/internal/crypto"
	"github.com/luxfi/ledgercore/internal/logstore"
	"github.com/luxfi/ledgercore/internal/mempool"
	"github.com/luxfi/ledgercore/internal/statemachine"
	"github.com/luxfi/ledgercore/internal/telemetry"
	"github.com/luxfi/ledgercore/internal/transport"
	"github.com/luxfi/ledgercore/internal/txmodel"
)

// cluster is a small in-process harness standing in for the §8
// five-node scripted scenarios at the package level: every C1-C3 port
// is the in-memory/in-process reference implementation built alongside
// each port, wired together exactly as internal/node will wire the
// real thing.
type cluster struct {
	net     *transport.Network
	engines []*Engine
	nodeIDs []ids.NodeID
	cps     []*crypto.Ed25519Provider
	tps     []*transport.InProcessTransport
	ctx     context.Context
	cancel  context.CancelFunc
}

func newCluster(t *testing.T, n int) *cluster {
	return newClusterSkipping(t, n, -1)
}

// newClusterSkipping builds n replicas but leaves the engine at index
// skip unstarted (-1 starts all), so a test can drive that node's
// transport by hand — e.g. a Byzantine follower that fabricates Acks
// without ever appending.
func newClusterSkipping(t *testing.T, n, skip int) *cluster {
	t.Helper()
	net := transport.NewNetwork()
	reg := crypto.NewRegistry()

	nodeIDs := make([]ids.NodeID, n)
	for i := range nodeIDs {
		nodeIDs[i] = ids.GenerateTestNodeID()
	}
	validators := make([]txmodel.ValidatorRecord, n)
	for i, id := range nodeIDs {
		validators[i] = txmodel.ValidatorRecord{ValidatorID: id, Stake: 1, Status: txmodel.ValidatorActive}
	}
	cfg := config.Test()

	ctx, cancel := context.WithCancel(context.Background())
	c := &cluster{net: net, nodeIDs: nodeIDs, ctx: ctx, cancel: cancel}

	for i, id := range nodeIDs {
		tp := transport.NewInProcessTransport(id, net)
		peers := set.NewSet[ids.NodeID](n - 1)
		for _, p := range nodeIDs {
			if p != id {
				peers.Add(p)
			}
		}
		tp.Configure(peers)

		cp, err := crypto.NewEd25519Provider(id, reg)
		require.NoError(t, err)

		clusterCfg := &txmodel.ClusterConfig{
			Version:       1,
			Validators:    append([]txmodel.ValidatorRecord(nil), validators...),
			QuorumCommit:  config.QuorumCommit(n),
			QuorumViewChg: config.QuorumViewChange(n),
		}

		store := logstore.NewMemoryStore()
		pool := mempool.New(int(cfg.MempoolCapacity), time.Minute, cp, tp)
		sm := statemachine.New(cp, nil)
		metrics := telemetry.New(prometheus.NewRegistry())

		eng := New(id, cfg, clusterCfg, store, tp, cp, pool, sm, metrics)
		c.engines = append(c.engines, eng)
		c.cps = append(c.cps, cp)
		c.tps = append(c.tps, tp)

		if i != skip {
			go eng.Run(ctx)
		}
	}
	return c
}

// providerFor returns the crypto provider of the replica running e.
func (c *cluster) providerFor(e *Engine) *crypto.Ed25519Provider {
	for i, eng := range c.engines {
		if eng == e {
			return c.cps[i]
		}
	}
	return nil
}

func (c *cluster) stop() { c.cancel() }

func (c *cluster) awaitLeader(t *testing.T, timeout time.Duration) *Engine {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, e := range c.engines {
			if e.Status().Role == Leader {
				return e
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("no leader elected within timeout")
	return nil
}

func (c *cluster) awaitCommitAll(t *testing.T, minHeight uint64, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		ready := true
		for _, e := range c.engines {
			if e.Status().CommitIndex < minHeight {
				ready = false
				break
			}
		}
		if ready {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("commit_index did not reach %d on every replica within timeout", minHeight)
}

// TestSingleLeaderElected covers spec §8's safety property: at most one
// LEADER per term, and some term eventually produces exactly one.
func TestSingleLeaderElected(t *testing.T) {
	c := newCluster(t, 5)
	defer c.stop()

	leader := c.awaitLeader(t, 3*time.Second)
	require.NotEqual(t, ids.NodeID{}, leader.Status().Leader)

	count := 0
	term := leader.Status().Term
	for _, e := range c.engines {
		st := e.Status()
		if st.Role == Leader && st.Term == term {
			count++
		}
	}
	require.Equal(t, 1, count)
}

// TestFiveNodeSimpleCommit is spec §8 scenario 1: a healthy 5-node
// cluster reaches agreement on committed heights across every replica.
func TestFiveNodeSimpleCommit(t *testing.T) {
	c := newCluster(t, 5)
	defer c.stop()

	c.awaitLeader(t, 3*time.Second)
	c.awaitCommitAll(t, 3, 3*time.Second)

	// Every replica has committed at least height 3, so each must hold
	// the same block there.
	var hashes []ids.ID
	for _, e := range c.engines {
		entries, err := e.store.Read(logstore.Range{From: 3, To: 3})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		hashes = append(hashes, blockHash(e.cp, entries[0]))
	}
	require.NotEqual(t, ids.ID{}, hashes[0])
	for _, h := range hashes[1:] {
		require.Equal(t, hashes[0], h)
	}
}

// TestMinorityPartitionCannotCommit is spec §8 scenario 3: a 2-of-5
// minority partition can neither elect a leader nor advance commit
// while isolated, and catches up once healed.
func TestMinorityPartitionCannotCommit(t *testing.T) {
	c := newCluster(t, 5)
	defer c.stop()

	c.awaitLeader(t, 3*time.Second)
	c.awaitCommitAll(t, 2, 3*time.Second)

	minority := c.nodeIDs[:2]
	majority := c.nodeIDs[2:]
	c.net.Partition(minority, majority)

	time.Sleep(300 * time.Millisecond)

	majorityLeaders := 0
	for i, e := range c.engines {
		if i < 2 {
			continue
		}
		if e.Status().Role == Leader {
			majorityLeaders++
		}
	}
	require.LessOrEqual(t, majorityLeaders, 1)

	before := c.engines[0].Status().CommitIndex
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, before, c.engines[0].Status().CommitIndex, "minority replica must not advance commit_index while partitioned")

	c.net.Partition(nil, nil)
	target := c.engines[2].Status().CommitIndex
	c.awaitCommitAll(t, target, 3*time.Second)
}

// TestByzantineLeaderEquivocationDetected covers spec §4.5.5's
// equivocation surfacing at the unit level: a leader that signs two
// distinct blocks at the same (term, height) is caught by the local
// check in appendAndDetectEquivocation. This Engine is constructed but
// never started via Run, so driving it directly from the test
// goroutine does not race the single-owner consensus loop. The
// fabricated-Ack Byzantine scenario runs end to end in
// TestByzantineFollowerFabricatedAcks below.
func TestByzantineLeaderEquivocationDetected(t *testing.T) {
	net := transport.NewNetwork()
	reg := crypto.NewRegistry()
	self := ids.GenerateTestNodeID()
	leaderID := ids.GenerateTestNodeID()

	tp := transport.NewInProcessTransport(self, net)
	cp, err := crypto.NewEd25519Provider(self, reg)
	require.NoError(t, err)
	clusterCfg := &txmodel.ClusterConfig{
		Validators: []txmodel.ValidatorRecord{
			{ValidatorID: self, Stake: 1, Status: txmodel.ValidatorActive},
			{ValidatorID: leaderID, Stake: 1, Status: txmodel.ValidatorActive},
		},
	}
	store := logstore.NewMemoryStore()
	pool := mempool.New(64, time.Minute, cp, tp)
	sm := statemachine.New(cp, nil)
	metrics := telemetry.New(prometheus.NewRegistry())
	follower := New(self, config.Test(), clusterCfg, store, tp, cp, pool, sm, metrics)

	blockA := txmodel.Block{Height: 1, Term: 1, ProposerID: leaderID, Entries: []txmodel.Tx{{TxID: ids.GenerateTestID()}}}
	blockB := txmodel.Block{Height: 1, Term: 1, ProposerID: leaderID, Entries: []txmodel.Tx{{TxID: ids.GenerateTestID()}}}

	var slashed bool
	follower.SetEquivocationHandler(func(statemachine.EquivocationProof) { slashed = true })

	require.NoError(t, follower.appendAndDetectEquivocation(leaderID, blockA))
	err = follower.appendAndDetectEquivocation(leaderID, blockB)
	require.Error(t, err)
	require.True(t, slashed)
}

// committedTxIDs collects every tx_id appearing in e's committed
// prefix.
func committedTxIDs(t *testing.T, e *Engine) set.Set[ids.ID] {
	t.Helper()
	out := set.NewSet[ids.ID](128)
	commit := e.Status().CommitIndex
	if commit == 0 {
		return out
	}
	entries, err := e.store.Read(logstore.Range{From: 1, To: commit})
	require.NoError(t, err)
	for _, b := range entries {
		for _, tx := range b.Entries {
			out.Add(tx.TxID)
		}
	}
	return out
}

// TestByzantineFollowerFabricatedAcks is spec §8 scenario 2, end to
// end: a 4-node cluster where the fourth node never appends anything
// but answers every AppendEntries with a fabricated signed Ack
// claiming full replication. The leader checks only each Ack's
// signature, so these Acks count toward q_commit like honest ones. The
// test checks that all 100 submitted tx commit on every honest replica
// {v1,v2,v3}, that the honest logs agree at every committed height, and
// that the Byzantine node's log stays empty throughout.
func TestByzantineFollowerFabricatedAcks(t *testing.T) {
	const byzantine = 3
	c := newClusterSkipping(t, 4, byzantine)
	defer c.stop()

	byzID := c.nodeIDs[byzantine]
	byzCP := c.cps[byzantine]
	byzTP := c.tps[byzantine]
	go func() {
		inbox := byzTP.Subscribe()
		for {
			select {
			case <-c.ctx.Done():
				return
			case msg, ok := <-inbox:
				if !ok {
					return
				}
				m, isAppend := msg.Payload.(AppendEntriesMsg)
				if !isAppend {
					continue
				}
				// Ack everything without appending any of it. The hash
				// is computed straight off the wire message, so the
				// Ack's signature verifies on the leader even though
				// nothing was written.
				matched := m.PrevHeight + uint64(len(m.Entries))
				h := m.PrevHash
				if len(m.Entries) > 0 {
					h = blockHash(byzCP, m.Entries[len(m.Entries)-1])
				}
				sig, _ := byzCP.Sign(c.ctx, ackSigningBytes(byzID, m.Term, matched, h))
				_ = byzTP.Send(c.ctx, msg.From, AppendEntriesReply{
					Term: m.Term, Follower: byzID, Success: true, MatchedHeight: matched, Signature: sig,
				})
			}
		}
	}()

	leader := c.awaitLeader(t, 3*time.Second)
	cp := c.providerFor(leader)
	require.NotNil(t, cp)

	ctx := context.Background()
	submitted := set.NewSet[ids.ID](100)
	for i := 1; i <= 100; i++ {
		payload := []byte{byte(i), byte(i >> 8)}
		signed := txmodel.TxSigningBytes(payload, uint64(i), cp.NodeID())
		sig, err := cp.Sign(ctx, signed)
		require.NoError(t, err)
		tx := txmodel.Tx{TxID: txmodel.TxIDOf(cp.Hash, payload, uint64(i), cp.NodeID()), Payload: payload, Nonce: uint64(i), Sender: cp.NodeID(), Signature: sig}
		require.Equal(t, mempool.Accepted, leader.pool.Admit(ctx, tx, txmodel.PriorityNormal).Outcome)
		submitted.Add(tx.TxID)
	}

	honest := c.engines[:byzantine]
	allCommitted := func() bool {
		for _, e := range honest {
			got := committedTxIDs(t, e)
			for _, id := range submitted.List() {
				if !got.Contains(id) {
					return false
				}
			}
		}
		return true
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && !allCommitted() {
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, allCommitted(), "all 100 tx must commit on every honest replica")

	// Per-node log comparison: the honest logs are identical at every
	// height both have committed.
	minCommit := honest[0].Status().CommitIndex
	for _, e := range honest[1:] {
		if ci := e.Status().CommitIndex; ci < minCommit {
			minCommit = ci
		}
	}
	require.Greater(t, minCommit, uint64(0))
	reference, err := honest[0].store.Read(logstore.Range{From: 1, To: minCommit})
	require.NoError(t, err)
	for _, e := range honest[1:] {
		entries, err := e.store.Read(logstore.Range{From: 1, To: minCommit})
		require.NoError(t, err)
		require.Len(t, entries, len(reference))
		for i := range entries {
			require.Equal(t, blockHash(byzCP, reference[i]), blockHash(byzCP, entries[i]))
		}
	}

	// The Byzantine node acked everything and appended nothing: every
	// committed entry lives on the honest quorum only.
	require.Zero(t, c.engines[byzantine].store.LastHeight())
}

// TestInstallSnapshotJumpsFollowerForward covers spec §4.5.7's snapshot
// catch-up path at the unit level: installing a snapshot rebases the
// follower's log and commit index to the snapshot height, and
// replication resumes at the next height. Like the equivocation test
// above, this Engine is never started, so direct calls don't race the
// consensus loop.
func TestInstallSnapshotJumpsFollowerForward(t *testing.T) {
	net := transport.NewNetwork()
	reg := crypto.NewRegistry()
	self := ids.GenerateTestNodeID()
	leaderID := ids.GenerateTestNodeID()

	tp := transport.NewInProcessTransport(self, net)
	cp, err := crypto.NewEd25519Provider(self, reg)
	require.NoError(t, err)
	clusterCfg := &txmodel.ClusterConfig{
		Validators: []txmodel.ValidatorRecord{
			{ValidatorID: self, Stake: 1, Status: txmodel.ValidatorActive},
			{ValidatorID: leaderID, Stake: 1, Status: txmodel.ValidatorActive},
		},
	}
	store := logstore.NewMemoryStore()
	pool := mempool.New(64, time.Minute, cp, tp)
	sm := statemachine.New(cp, nil)
	metrics := telemetry.New(prometheus.NewRegistry())
	follower := New(self, config.Test(), clusterCfg, store, tp, cp, pool, sm, metrics)

	follower.handleInstallSnapshot(context.Background(), leaderID, InstallSnapshotMsg{
		Term: 2, Leader: leaderID, Height: 40, StateHash: ids.ID{}, StateBlob: []byte("image"),
	})

	require.Equal(t, uint64(40), follower.commitIndex)
	require.Equal(t, uint64(40), store.LastHeight())
	require.Equal(t, uint64(40), store.CommittedHeight())
	require.Equal(t, uint64(40), sm.LastAppliedHeight())

	// Replication resumes right after the snapshot.
	next := txmodel.Block{Height: 41, Term: 2, ProposerID: leaderID}
	require.NoError(t, follower.appendAndDetectEquivocation(leaderID, next))
	require.Equal(t, uint64(41), store.LastHeight())
}

// TestMembershipChangeTakesEffectOnlyAtCommitPlusOne covers spec
// §4.5.6: a proposed membership change must not be visible in the
// Cluster Config until it is actually committed.
func TestMembershipChangeTakesEffectOnlyAtCommitPlusOne(t *testing.T) {
	c := newCluster(t, 4)
	defer c.stop()

	leader := c.awaitLeader(t, 3*time.Second)
	originalN := leader.Status().ValidatorCount

	// Reconstructing the proposed config from the harness's node IDs and
	// Status (rather than reading leader.clusterCfg from this goroutine)
	// keeps every access
	// to engine-owned state behind either the view mutex or configCh,
	// matching the single-consensus-loop ownership rule these engines
	// are built to (spec §5).
	existing := make([]txmodel.ValidatorRecord, 0, originalN)
	for _, nid := range c.nodeIDs[:len(c.engines)] {
		existing = append(existing, txmodel.ValidatorRecord{ValidatorID: nid, Stake: 1, Status: txmodel.ValidatorActive})
	}
	newID := ids.GenerateTestNodeID()
	next := txmodel.ClusterConfig{
		Version:       leader.Status().ConfigVersion + 1,
		Validators:    append(existing, txmodel.ValidatorRecord{ValidatorID: newID, Stake: 1, Status: txmodel.ValidatorActive}),
		QuorumCommit:  config.QuorumCommit(originalN + 1),
		QuorumViewChg: config.QuorumViewChange(originalN + 1),
	}

	ok := leader.SubmitConfigChange(context.Background(), next)
	require.True(t, ok)
	require.Equal(t, originalN, leader.Status().ValidatorCount, "config must not change before commit")

	require.False(t, leader.SubmitConfigChange(context.Background(), next), "only one membership change may be in flight")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && leader.Status().ValidatorCount == originalN {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, originalN+1, leader.Status().ValidatorCount)
}
