// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config defines the cluster and runtime configuration recognized
// by a ledger core node. Shape follows the teacher's config.Parameters:
// a flat struct, a Valid()/Validate() pair, named presets, and With*
// fluent mutators.
package config

import (
	"errors"
	"time"

	"github.com/luxfi/ledgercore/internal/txmodel"
)

var (
	ErrNoValidators       = errors.New("cluster must have at least one validator")
	ErrDuplicateValidator = errors.New("duplicate validator id in cluster config")
	ErrNonPositiveStake   = errors.New("validator stake must be > 0 to be ACTIVE")
	ErrBadQuorum          = errors.New("quorum parameters inconsistent with validator count")
	ErrBadElectionTimeout = errors.New("election_timeout_base_ms must be > 0")
	ErrBadHeartbeat       = errors.New("heartbeat_interval_ms must be > 0 and < election_timeout_base_ms")
	ErrBadBatchSize       = errors.New("max_batch must be between 1 and 1_000_000")
	ErrBadSLA             = errors.New("priority_sla_ms values must be positive and CRITICAL <= HIGH <= NORMAL")
	ErrBadBreaker         = errors.New("breaker thresholds must be positive")
	ErrBadBridge          = errors.New("bridge oracle_quorum_ratio must be in (0, 1]")
)

// ValidatorSpec is the initial_validators entry of §6.
type ValidatorSpec struct {
	ID       string
	Endpoint string
	Stake    uint64
}

// PrioritySLA holds the per-class end-to-end latency budgets of §4.7.3.
type PrioritySLA struct {
	CriticalMS uint32
	HighMS     uint32
	NormalMS   uint32
}

// Breaker holds the circuit breaker defaults of §4.7.6.
type Breaker struct {
	FailureThreshold uint32
	ResetMS          uint32
}

// Bridge holds the bridge coordinator defaults of §4.8.
type Bridge struct {
	DefaultTimeoutS   uint32
	OracleQuorumRatio float64
}

// Cluster is the recognized-options set of spec §6, verbatim.
type Cluster struct {
	InitialValidators       []ValidatorSpec
	ElectionTimeoutBaseMS   uint32
	HeartbeatIntervalMS     uint32
	MaxBatch                uint32
	SnapshotIntervalEntries uint32
	MempoolCapacity         uint32
	PrioritySLAMS           PrioritySLA
	Breaker                 Breaker
	BridgeCfg               Bridge
}

// Default returns the cluster configuration with every §6 default applied
// and no validators — callers must set InitialValidators.
func Default() Cluster {
	return Cluster{
		ElectionTimeoutBaseMS:   150,
		HeartbeatIntervalMS:     50,
		MaxBatch:                10_000,
		SnapshotIntervalEntries: 10_000,
		MempoolCapacity:         100_000,
		PrioritySLAMS:           PrioritySLA{CriticalMS: 2, HighMS: 5, NormalMS: 20},
		Breaker:                 Breaker{FailureThreshold: 5, ResetMS: 60_000},
		BridgeCfg:               Bridge{DefaultTimeoutS: 300, OracleQuorumRatio: 2.0 / 3.0},
	}
}

// Local returns a fast-timeout preset suited to single-process tests and
// local multi-node simulation, analogous to the teacher's LocalParams.
func Local() Cluster {
	c := Default()
	c.ElectionTimeoutBaseMS = 20
	c.HeartbeatIntervalMS = 5
	c.SnapshotIntervalEntries = 100
	c.Breaker.ResetMS = 200
	return c
}

// Test returns a preset tuned for deterministic unit tests: tiny batches,
// tiny snapshot interval, short bridge timeouts.
func Test() Cluster {
	c := Local()
	c.MaxBatch = 16
	c.SnapshotIntervalEntries = 8
	c.MempoolCapacity = 256
	c.BridgeCfg.DefaultTimeoutS = 1
	return c
}

// WithValidators returns a copy of c with InitialValidators replaced.
func (c Cluster) WithValidators(vs ...ValidatorSpec) Cluster {
	c.InitialValidators = append([]ValidatorSpec(nil), vs...)
	return c
}

// WithElectionTimeout returns a copy of c with the election timeout base
// updated; the heartbeat interval is rescaled to stay well below it,
// mirroring the teacher's WithBlockTime cascading adjustment.
func (c Cluster) WithElectionTimeout(baseMS uint32) Cluster {
	c.ElectionTimeoutBaseMS = baseMS
	if c.HeartbeatIntervalMS*3 >= baseMS {
		c.HeartbeatIntervalMS = baseMS / 3
		if c.HeartbeatIntervalMS == 0 {
			c.HeartbeatIntervalMS = 1
		}
	}
	return c
}

// QuorumCommit returns ⌊2n/3⌋+1 for n validators, per spec §3.
func QuorumCommit(n int) int {
	return (2*n)/3 + 1
}

// QuorumViewChange returns the view-change quorum; the spec treats it as
// a configurable cluster parameter but defaults it to the same
// Byzantine-safe threshold as commit quorum.
func QuorumViewChange(n int) int {
	return QuorumCommit(n)
}

// ElectionTimeoutBase returns the configured base as a time.Duration.
func (c Cluster) ElectionTimeoutBase() time.Duration {
	return time.Duration(c.ElectionTimeoutBaseMS) * time.Millisecond
}

// HeartbeatInterval returns the configured heartbeat interval as a
// time.Duration.
func (c Cluster) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

// Valid validates c against §6's recognized-options constraints.
func (c Cluster) Valid() error {
	if len(c.InitialValidators) == 0 {
		return ErrNoValidators
	}
	seen := make(map[string]struct{}, len(c.InitialValidators))
	for _, v := range c.InitialValidators {
		if _, dup := seen[v.ID]; dup {
			return ErrDuplicateValidator
		}
		seen[v.ID] = struct{}{}
		if v.Stake == 0 {
			return ErrNonPositiveStake
		}
	}
	n := len(c.InitialValidators)
	if QuorumCommit(n) > n || QuorumViewChange(n) > n {
		return ErrBadQuorum
	}
	if c.ElectionTimeoutBaseMS == 0 {
		return ErrBadElectionTimeout
	}
	if c.HeartbeatIntervalMS == 0 || c.HeartbeatIntervalMS >= c.ElectionTimeoutBaseMS {
		return ErrBadHeartbeat
	}
	if c.MaxBatch == 0 || c.MaxBatch > txmodel.MaxBatch {
		return ErrBadBatchSize
	}
	sla := c.PrioritySLAMS
	if sla.CriticalMS == 0 || sla.HighMS == 0 || sla.NormalMS == 0 {
		return ErrBadSLA
	}
	if sla.CriticalMS > sla.HighMS || sla.HighMS > sla.NormalMS {
		return ErrBadSLA
	}
	if c.Breaker.FailureThreshold == 0 || c.Breaker.ResetMS == 0 {
		return ErrBadBreaker
	}
	if c.BridgeCfg.OracleQuorumRatio <= 0 || c.BridgeCfg.OracleQuorumRatio > 1 {
		return ErrBadBridge
	}
	return nil
}

// Validate is a compatibility alias for Valid, matching the teacher's
// Parameters.Validate()/Valid() pair.
func (c Cluster) Validate() error {
	return c.Valid()
}
