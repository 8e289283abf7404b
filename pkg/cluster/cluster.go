// Package cluster implements the kernel's optional ClusterManager: a
// lightweight hub/node forwarding protocol, not a replicated control plane.
// Grounded on the original cluster Manager's Bootstrap/Join/heartbeat shape
// with the Raft consensus layer removed — a hub keeps a StateStore-persisted
// registry of nodes (id, address, last heartbeat) and forwards a spawn
// command to the least-loaded node over plain JSON-over-HTTP in place of a
// gRPC client (see DESIGN.md for why gRPC was dropped). Down-node detection
// follows the original periodic heartbeat-lapse reconciliation check,
// rebound to a tighter interval appropriate for a single-process-per-node
// topology.
package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/aethercore/kernel/pkg/eventbus"
	"github.com/aethercore/kernel/pkg/kernelerr"
	"github.com/aethercore/kernel/pkg/log"
	"github.com/aethercore/kernel/pkg/storage"
	"github.com/aethercore/kernel/pkg/types"
)

// Role is this kernel instance's position in the optional cluster topology.
type Role string

const (
	RoleStandalone Role = "standalone"
	RoleHub        Role = "hub"
	RoleNode       Role = "node"
)

const (
	heartbeatInterval = 5 * time.Second
	offlineTimeout    = 15 * time.Second
	forwardTimeout    = 30 * time.Second
)

// SpawnForwarder starts a process locally; SpawnHandler calls it when this
// instance is a node receiving a spawn forwarded by the hub.
type SpawnForwarder func(ctx context.Context, cfg types.AgentConfig, ownerUID string) (*types.Process, error)

// LiveCountFn reports this node's current live process count, for the
// heartbeat load figure the hub uses to pick the least-loaded node.
type LiveCountFn func() (int, error)

// Manager runs either the hub side (node registry + least-loaded forwarding)
// or the node side (registration + heartbeat loop) of the protocol,
// depending on Role. RoleStandalone disables the manager entirely.
type Manager struct {
	store storage.Store
	bus   *eventbus.Bus
	role  Role

	nodeID    string
	address   string
	hubURL    string
	capacity  int
	spawn     SpawnForwarder
	liveCount LiveCountFn

	client *http.Client

	mu     sync.Mutex
	loads  map[string]int // nodeID -> last-reported live process count, hub-side only
	stopCh chan struct{}
}

// Config configures a new cluster Manager.
type Config struct {
	Role      Role
	NodeID    string
	Address   string // this instance's reachable address, used when registering with a hub
	HubURL    string // required when Role == RoleNode
	Capacity  int
	Spawn     SpawnForwarder
	LiveCount LiveCountFn // reports this node's current live process count for heartbeats
}

// New constructs a Manager. When cfg.Role is RoleNode but cfg.HubURL is
// empty, the kernel degrades to standalone with a warning.
func New(store storage.Store, bus *eventbus.Bus, cfg Config) *Manager {
	role := cfg.Role
	if role == RoleNode && cfg.HubURL == "" {
		logger := log.WithComponent("cluster")
		logger.Warn().Msg("AETHER_CLUSTER_ROLE=node but AETHER_HUB_URL is empty; degrading to standalone")
		role = RoleStandalone
	}
	return &Manager{
		store:    store,
		bus:      bus,
		role:     role,
		nodeID:   cfg.NodeID,
		address:  cfg.Address,
		hubURL:   cfg.HubURL,
		capacity:  cfg.Capacity,
		spawn:     cfg.Spawn,
		liveCount: cfg.LiveCount,
		client:    &http.Client{Timeout: forwardTimeout},
		loads:    make(map[string]int),
		stopCh:   make(chan struct{}),
	}
}

func (m *Manager) emit(topic string, data map[string]any) {
	m.bus.Publish(types.Event{Topic: topic, Data: data})
}

// Start launches the background loop appropriate for this instance's role.
// It is a no-op for RoleStandalone.
func (m *Manager) Start() {
	switch m.role {
	case RoleHub:
		go m.runOfflineDetector()
	case RoleNode:
		go m.runHeartbeatLoop()
	}
}

// Stop halts any background loop started by Start.
func (m *Manager) Stop() {
	close(m.stopCh)
}

// ---- Hub side ----

// RegisterRequest is the body of POST /cluster/register.
type RegisterRequest struct {
	NodeID   string `json:"nodeId"`
	Address  string `json:"address"`
	Capacity int    `json:"capacity"`
}

// RegisterNode admits a node into the cluster registry (hub side).
func (m *Manager) RegisterNode(req RegisterRequest) error {
	node := &types.ClusterNode{
		ID:            req.NodeID,
		Address:       req.Address,
		IsHub:         false,
		LastHeartbeat: time.Now(),
		Status:        types.NodeStatusUp,
	}
	if err := m.store.CreateClusterNode(node); err != nil {
		return err
	}
	m.mu.Lock()
	m.loads[req.NodeID] = 0
	m.mu.Unlock()
	m.emit("cluster.nodeJoined", map[string]any{"nodeId": req.NodeID, "address": req.Address})
	return nil
}

// HeartbeatRequest is the body of POST /cluster/heartbeat.
type HeartbeatRequest struct {
	NodeID    string `json:"nodeId"`
	LiveCount int    `json:"liveCount"`
}

// Heartbeat refreshes a node's liveness and reported load (hub side).
func (m *Manager) Heartbeat(req HeartbeatRequest) error {
	node, err := m.store.GetClusterNode(req.NodeID)
	if err != nil {
		return err
	}
	wasDown := node.Status != types.NodeStatusUp
	node.LastHeartbeat = time.Now()
	node.Status = types.NodeStatusUp
	if err := m.store.UpdateClusterNode(node); err != nil {
		return err
	}
	m.mu.Lock()
	m.loads[req.NodeID] = req.LiveCount
	m.mu.Unlock()
	if wasDown {
		m.emit("cluster.nodeJoined", map[string]any{"nodeId": req.NodeID, "address": node.Address})
	}
	return nil
}

func (m *Manager) runOfflineDetector() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.detectOffline()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) detectOffline() {
	nodes, err := m.store.ListClusterNodes()
	if err != nil {
		logger := log.WithComponent("cluster")
		logger.Error().Err(err).Msg("list cluster nodes failed")
		return
	}
	now := time.Now()
	for _, n := range nodes {
		if n.Status == types.NodeStatusUp && now.Sub(n.LastHeartbeat) > offlineTimeout {
			n.Status = types.NodeStatusDown
			if err := m.store.UpdateClusterNode(n); err != nil {
				continue
			}
			m.emit("cluster.nodeOffline", map[string]any{"nodeId": n.ID})
		}
	}
}

// LeastLoadedNode returns the live node currently reporting the fewest
// running processes, for ForwardSpawn's routing decision.
func (m *Manager) LeastLoadedNode() (*types.ClusterNode, error) {
	nodes, err := m.store.ListClusterNodes()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *types.ClusterNode
	bestLoad := -1
	for _, n := range nodes {
		if n.Status != types.NodeStatusUp {
			continue
		}
		load := m.loads[n.ID]
		if best == nil || load < bestLoad {
			best, bestLoad = n, load
		}
	}
	if best == nil {
		return nil, kernelerr.NotFound("no live cluster node available")
	}
	return best, nil
}

// spawnForwardRequest is the body of POST /cluster/spawn.
type spawnForwardRequest struct {
	Config   types.AgentConfig `json:"config"`
	OwnerUID string            `json:"ownerUid"`
}

// ForwardSpawn picks the least-loaded node and forwards the spawn over HTTP
// (hub side), bounded to 30s so a stuck node can't hang the caller.
func (m *Manager) ForwardSpawn(ctx context.Context, cfg types.AgentConfig, ownerUID string) (*types.Process, error) {
	node, err := m.LeastLoadedNode()
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(spawnForwardRequest{Config: cfg, OwnerUID: ownerUID})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, forwardTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, node.Address+"/cluster/spawn", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.KindTransient, err, "forward spawn to node %s", node.ID)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, kernelerr.Domain(kernelerr.KindTransient, "FORWARD_FAILED", "node %s responded %d", node.ID, resp.StatusCode)
	}

	var p types.Process
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SpawnHandler is the node-side HTTP handler for POST /cluster/spawn: it
// decodes the forwarded config and runs it through the local SpawnForwarder.
func (m *Manager) SpawnHandler(w http.ResponseWriter, r *http.Request) {
	var req spawnForwardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	p, err := m.spawn(r.Context(), req.Config, req.OwnerUID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(p)
}

// RegisterHandler is the hub-side HTTP handler for POST /cluster/register.
func (m *Manager) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if err := m.RegisterNode(req); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HeartbeatHandler is the hub-side HTTP handler for POST /cluster/heartbeat.
func (m *Manager) HeartbeatHandler(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if err := m.Heartbeat(req); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- Node side ----

func (m *Manager) runHeartbeatLoop() {
	if err := m.register(); err != nil {
		logger := log.WithComponent("cluster")
		logger.Error().Err(err).Msg("initial cluster registration failed")
	}
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := m.heartbeat(); err != nil {
				logger := log.WithComponent("cluster")
				logger.Warn().Err(err).Msg("heartbeat failed")
			}
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) register() error {
	body, _ := json.Marshal(RegisterRequest{NodeID: m.nodeID, Address: m.address, Capacity: m.capacity})
	resp, err := m.client.Post(m.hubURL+"/cluster/register", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("hub rejected registration: %d", resp.StatusCode)
	}
	return nil
}

func (m *Manager) heartbeat() error {
	var live int
	if m.liveCount != nil {
		if n, err := m.liveCount(); err == nil {
			live = n
		}
	}
	body, _ := json.Marshal(HeartbeatRequest{NodeID: m.nodeID, LiveCount: live})
	resp, err := m.client.Post(m.hubURL+"/cluster/heartbeat", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("hub rejected heartbeat: %d", resp.StatusCode)
	}
	return nil
}

// Role reports this manager's effective role (after any standalone
// degradation applied in New).
func (m *Manager) Role() Role { return m.role }
