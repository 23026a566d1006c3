// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Command ledgernode is the process entrypoint: it wires a Cluster
// Config and a set of C1-C3 port bindings into one or more
// internal/node.Node replicas and runs them until interrupted. Since
// physical peer-to-peer transport is out of scope (only the typed C3
// port plus its in-process reference implementation are), every
// validator named on the command line runs as a goroutine inside this
// one process, sharing a single in-process transport.Network — the
// supported deployment shape is a local multi-validator cluster, the
// same shape internal/consensus and internal/node already exercise in
// their test suites.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/math/set"

	"github.com/luxfi/ledgercore/internal/config"
	"github.com/luxfi/ledgercore/internal/crypto"
	"github.com/luxfi/ledgercore/internal/logstore"
	"github.com/luxfi/ledgercore/internal/node"
	"github.com/luxfi/ledgercore/internal/transport"
	"github.com/luxfi/ledgercore/internal/txmodel"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "ledgernode: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ledgernode",
		Short: "Run a ledger core replica cluster",
	}
	root.AddCommand(newRunCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var (
		validatorSpecs []string
		preset         string
		dataDir        string
		electionMS     uint32
		heartbeatMS    uint32
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a local validator cluster",
		Long: `Starts one internal/node.Node replica per --validator entry
(id:stake), sharing one in-process transport.Network, and blocks until
SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCluster(cmd.Context(), runOptions{
				validatorSpecs: validatorSpecs,
				preset:         preset,
				dataDir:        dataDir,
				electionMS:     electionMS,
				heartbeatMS:    heartbeatMS,
			})
		},
	}

	cmd.Flags().StringSliceVar(&validatorSpecs, "validator", nil, "validator spec id:stake, repeatable (default: a single validator \"v0:1\")")
	cmd.Flags().StringVar(&preset, "preset", "local", "config preset: mainnet, local, or test")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "bbolt log store directory per validator (empty: in-memory)")
	cmd.Flags().Uint32Var(&electionMS, "election-timeout-ms", 0, "override the preset's election_timeout_base_ms (0: use preset)")
	cmd.Flags().Uint32Var(&heartbeatMS, "heartbeat-interval-ms", 0, "override the preset's heartbeat_interval_ms (0: use preset)")

	return cmd
}

type runOptions struct {
	validatorSpecs []string
	preset         string
	dataDir        string
	electionMS     uint32
	heartbeatMS    uint32
}

type validatorSpec struct {
	id    ids.NodeID
	stake uint64
}

func parseValidatorSpecs(raw []string) ([]validatorSpec, error) {
	if len(raw) == 0 {
		raw = []string{"v0:1"}
	}
	out := make([]validatorSpec, 0, len(raw))
	for _, spec := range raw {
		name, stakeStr, ok := strings.Cut(spec, ":")
		if !ok {
			return nil, fmt.Errorf("validator spec %q must be id:stake", spec)
		}
		stake, err := strconv.ParseUint(stakeStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("validator spec %q: %w", spec, err)
		}
		id := ids.BuildTestNodeID([]byte(name))
		out = append(out, validatorSpec{id: id, stake: stake})
	}
	return out, nil
}

func clusterPreset(name string) (config.Cluster, error) {
	switch name {
	case "mainnet", "":
		return config.Default(), nil
	case "local":
		return config.Local(), nil
	case "test":
		return config.Test(), nil
	default:
		return config.Cluster{}, fmt.Errorf("unknown preset %q (want mainnet, local, or test)", name)
	}
}

// runCluster wires every validatorSpecs entry into its own Node, all
// sharing one crypto.Registry and transport.Network, and runs them
// until ctx is canceled.
func runCluster(ctx context.Context, opts runOptions) error {
	logger := log.NewLogger("ledgernode")

	specs, err := parseValidatorSpecs(opts.validatorSpecs)
	if err != nil {
		return err
	}
	cfg, err := clusterPreset(opts.preset)
	if err != nil {
		return err
	}
	if opts.electionMS > 0 {
		cfg = cfg.WithElectionTimeout(opts.electionMS)
	}
	if opts.heartbeatMS > 0 {
		cfg.HeartbeatIntervalMS = opts.heartbeatMS
	}

	records := make([]txmodel.ValidatorRecord, len(specs))
	for i, s := range specs {
		records[i] = txmodel.ValidatorRecord{ValidatorID: s.id, Stake: s.stake, Status: txmodel.ValidatorActive}
	}
	clusterCfg := &txmodel.ClusterConfig{
		Version:       1,
		Validators:    records,
		QuorumCommit:  config.QuorumCommit(len(records)),
		QuorumViewChg: config.QuorumViewChange(len(records)),
	}

	net := transport.NewNetwork()
	reg := crypto.NewRegistry()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range specs {
		s := s
		n, closeStore, err := buildNode(s, clusterCfg, cfg, net, reg, opts.dataDir, logger)
		if err != nil {
			return fmt.Errorf("build validator %s: %w", s.id, err)
		}
		g.Go(func() error {
			defer closeStore()
			return n.Run(gctx)
		})
	}

	logger.Info("cluster started", "validators", len(specs), "preset", opts.preset)
	return g.Wait()
}

// buildNode constructs one validator's Deps and Node, returning a
// closer for its log store.
func buildNode(
	s validatorSpec,
	clusterCfg *txmodel.ClusterConfig,
	cfg config.Cluster,
	net *transport.Network,
	reg *crypto.Registry,
	dataDir string,
	logger log.Logger,
) (*node.Node, func(), error) {
	cp, err := crypto.NewEd25519Provider(s.id, reg)
	if err != nil {
		return nil, nil, fmt.Errorf("generate keypair: %w", err)
	}

	// Each replica owns its own Cluster Config copy: committed config
	// changes are applied by each consensus loop independently, so the
	// replicas must not share one mutable struct.
	ownCfg := *clusterCfg
	ownCfg.Validators = append([]txmodel.ValidatorRecord(nil), clusterCfg.Validators...)

	tp := transport.NewInProcessTransport(s.id, net)
	peers := set.NewSet[ids.NodeID](len(clusterCfg.Validators))
	for _, v := range clusterCfg.Validators {
		if v.ValidatorID != s.id {
			peers.Add(v.ValidatorID)
		}
	}
	tp.Configure(peers)

	var store logstore.Store
	closeStore := func() {}
	if dataDir != "" {
		dir := dataDir + "/" + s.id.String()
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create data dir: %w", err)
		}
		bolt, err := logstore.OpenBolt(dir)
		if err != nil {
			return nil, nil, fmt.Errorf("open log store: %w", err)
		}
		store = bolt
		closeStore = func() { _ = bolt.Close() }
	} else {
		store = logstore.NewMemoryStore()
	}

	n := node.New(node.Deps{
		Self:       s.id,
		Cfg:        cfg,
		ClusterCfg: &ownCfg,
		Store:      store,
		Transport:  tp,
		Crypto:     cp,
		Log:        logger,
	})
	return n, closeStore, nil
}
