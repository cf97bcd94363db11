package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
	"github.com/rs/zerolog"

	"github.com/execution-hub/booking-ledger/internal/ledger/ledgererr"
	"github.com/execution-hub/booking-ledger/internal/ledger/protocol"
	"github.com/execution-hub/booking-ledger/internal/ledger/state"
)

// Config defines one Raft node runtime.
type Config struct {
	NodeID         string
	RaftAddr       string
	DataDir        string
	Bootstrap      bool
	SnapshotRetain int
	ApplyTimeout   time.Duration
}

// Node orders ledger txs through Raft and applies them to the machine.
// The Raft log index of an entry is the height it is applied at.
type Node struct {
	id           string
	raftAddr     string
	applyTimeout time.Duration
	logger       zerolog.Logger

	raft      *raft.Raft
	transport *raft.NetworkTransport
	machine   *state.Machine
}

func (c Config) normalized() (Config, error) {
	c.NodeID = strings.TrimSpace(c.NodeID)
	c.RaftAddr = strings.TrimSpace(c.RaftAddr)
	c.DataDir = strings.TrimSpace(c.DataDir)
	if c.NodeID == "" {
		return c, errors.New("node_id is required")
	}
	if c.RaftAddr == "" {
		return c, errors.New("raft_addr is required")
	}
	if c.DataDir == "" {
		return c, errors.New("data_dir is required")
	}
	if c.SnapshotRetain <= 0 {
		c.SnapshotRetain = 2
	}
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = 5 * time.Second
	}
	return c, nil
}

// NewNode creates a Raft node driving machine.
func NewNode(cfg Config, machine *state.Machine, logger zerolog.Logger) (*Node, error) {
	cfg, err := cfg.normalized()
	if err != nil {
		return nil, err
	}
	if machine == nil {
		return nil, errors.New("state machine is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}
	logger = logger.With().Str("component", "consensus").Str("node_id", cfg.NodeID).Logger()
	f := &fsm{machine: machine, logger: logger}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.bolt"))
	if err != nil {
		return nil, err
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.bolt"))
	if err != nil {
		return nil, err
	}
	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, cfg.SnapshotRetain, os.Stderr)
	if err != nil {
		return nil, err
	}
	transport, err := raft.NewTCPTransport(cfg.RaftAddr, nil, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, err
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	r, err := raft.NewRaft(raftCfg, f, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, err
	}

	// The transport may have resolved a :0 port.
	localAddr := transport.LocalAddr()
	n := &Node{
		id:           cfg.NodeID,
		raftAddr:     string(localAddr),
		applyTimeout: cfg.ApplyTimeout,
		logger:       logger,
		raft:         r,
		transport:    transport,
		machine:      machine,
	}

	if cfg.Bootstrap {
		hasState, err := raft.HasExistingState(logStore, stableStore, snapshotStore)
		if err != nil {
			return nil, err
		}
		if !hasState {
			future := r.BootstrapCluster(raft.Configuration{Servers: []raft.Server{{
				ID:      raft.ServerID(cfg.NodeID),
				Address: localAddr,
			}}})
			if err := future.Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
				return nil, err
			}
		}
	}

	return n, nil
}

// ApplyTx replicates one signed tx and returns its receipt once applied.
// Unauthorized txs are rejected before they reach the log.
func (n *Node) ApplyTx(ctx context.Context, tx protocol.Tx) (state.Receipt, error) {
	if _, err := n.machine.Authorize(tx); err != nil {
		return state.Receipt{}, err
	}
	if err := tx.ValidateBasic(); err != nil {
		return state.Receipt{}, ledgererr.Wrap(ledgererr.CodeInvalidTx, "invalid transaction", err)
	}
	data, err := json.Marshal(tx)
	if err != nil {
		return state.Receipt{}, err
	}
	timeout := n.applyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return state.Receipt{}, context.DeadlineExceeded
		}
		if remaining < timeout {
			timeout = remaining
		}
	}
	future := n.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return state.Receipt{}, err
	}
	res, ok := future.Response().(applyResult)
	if !ok {
		return state.Receipt{}, fmt.Errorf("unexpected fsm response %T", future.Response())
	}
	return res.receipt, res.err
}

// AddVoter joins or updates one voter in the cluster config.
func (n *Node) AddVoter(ctx context.Context, nodeID, raftAddr string) error {
	nodeID = strings.TrimSpace(nodeID)
	raftAddr = strings.TrimSpace(raftAddr)
	if nodeID == "" || raftAddr == "" {
		return errors.New("node_id and raft_addr are required")
	}
	cfgFuture := n.raft.GetConfiguration()
	if err := cfgFuture.Error(); err != nil {
		return err
	}
	for _, srv := range cfgFuture.Configuration().Servers {
		if srv.ID == raft.ServerID(nodeID) && srv.Address == raft.ServerAddress(raftAddr) {
			return nil
		}
		if srv.ID == raft.ServerID(nodeID) || srv.Address == raft.ServerAddress(raftAddr) {
			if err := n.raft.RemoveServer(srv.ID, 0, n.raftTimeout(ctx)).Error(); err != nil {
				return err
			}
		}
	}
	return n.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(raftAddr), 0, n.raftTimeout(ctx)).Error()
}

// RemoveServer removes one server by node ID.
func (n *Node) RemoveServer(ctx context.Context, nodeID string) error {
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return errors.New("node_id is required")
	}
	return n.raft.RemoveServer(raft.ServerID(nodeID), 0, n.raftTimeout(ctx)).Error()
}

func (n *Node) raftTimeout(ctx context.Context) time.Duration {
	timeout := 10 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining > 0 && remaining < timeout {
			timeout = remaining
		}
	}
	return timeout
}

// WaitForLeader waits until any leader is elected.
func (n *Node) WaitForLeader(ctx context.Context, pollInterval time.Duration) (string, error) {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		leader := strings.TrimSpace(string(n.raft.Leader()))
		if leader != "" {
			return leader, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (n *Node) ID() string              { return n.id }
func (n *Node) RaftAddr() string        { return n.raftAddr }
func (n *Node) Machine() *state.Machine { return n.machine }
func (n *Node) IsLeader() bool          { return n.raft.State() == raft.Leader }
func (n *Node) LeaderAddr() string      { return strings.TrimSpace(string(n.raft.Leader())) }

// LeaderNodeID returns leader ID if available.
func (n *Node) LeaderNodeID() string {
	_, leaderID := n.raft.LeaderWithID()
	return strings.TrimSpace(string(leaderID))
}

func (n *Node) State() string {
	return n.raft.State().String()
}

func (n *Node) Stats() map[string]string {
	stats := n.raft.Stats()
	out := make(map[string]string, len(stats))
	for k, v := range stats {
		out[k] = v
	}
	return out
}

// Shutdown stops Raft and transport.
func (n *Node) Shutdown() error {
	var shutdownErr error
	if n.raft != nil {
		if err := n.raft.Shutdown().Error(); err != nil {
			shutdownErr = err
		}
	}
	if n.transport != nil {
		_ = n.transport.Close()
	}
	return shutdownErr
}

// IsLeadershipErr reports whether err means the tx must go to another node.
func IsLeadershipErr(err error) bool {
	return errors.Is(err, raft.ErrNotLeader) ||
		errors.Is(err, raft.ErrLeadershipLost) ||
		errors.Is(err, raft.ErrLeadershipTransferInProgress)
}
