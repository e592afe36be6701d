package node

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/adamgarcia4/goLearning/antientropy/repair"
)

// Manager runs several in-process nodes that repair each other.
type Manager struct {
	nodes       []*Node        // maintain order with slice
	nodeMap     map[string]int // map node ID to index for quick lookup
	mu          sync.RWMutex
	portCounter int // for auto-assigning ports
	nextID      int // monotonically increasing counter for unique node IDs
	configure   func(*Config)
}

// NewManager creates a node manager. configure, if set, adjusts every new
// node's config before the node starts.
func NewManager(configure func(*Config)) *Manager {
	return &Manager{
		nodes:       make([]*Node, 0),
		nodeMap:     make(map[string]int),
		portCounter: 50051, // start from default port
		nextID:      1,     // start node IDs at 1
		configure:   configure,
	}
}

// CreateNode creates and starts a new node
func (m *Manager) CreateNode() (*Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nodeID := fmt.Sprintf("node-%d", m.nextID)
	m.nextID++

	config := DefaultConfig(nodeID)
	config.Port = fmt.Sprintf("%d", m.findAvailablePort())
	config.Address = "127.0.0.1"
	if m.configure != nil {
		m.configure(config)
	}

	node, err := New(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create node: %w", err)
	}

	if err := node.Start(); err != nil {
		return nil, fmt.Errorf("failed to start node: %w", err)
	}

	m.nodes = append(m.nodes, node)
	m.nodeMap[nodeID] = len(m.nodes) - 1
	return node, nil
}

// DeleteNode stops and removes a node by its index in the list
func (m *Manager) DeleteNode(index int) error {
	m.mu.Lock()

	if index < 0 || index >= len(m.nodes) {
		m.mu.Unlock()
		return fmt.Errorf("invalid node index: %d", index)
	}

	node := m.nodes[index]
	nodeID := node.GetConfig().NodeID

	m.nodes = append(m.nodes[:index], m.nodes[index+1:]...)
	delete(m.nodeMap, nodeID)
	for i, n := range m.nodes {
		m.nodeMap[n.GetConfig().NodeID] = i
	}

	m.mu.Unlock()

	// Stop node asynchronously to avoid blocking
	go func() {
		if err := node.Stop(); err != nil {
			log.Error().Err(err).Str("node", nodeID).Msg("Error stopping node")
		}
	}()

	return nil
}

// GetNodes returns a list of all nodes (maintains order)
func (m *Manager) GetNodes() []*Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	nodes := make([]*Node, len(m.nodes))
	copy(nodes, m.nodes)
	return nodes
}

// GetNode returns the node with the given ID.
func (m *Manager) GetNode(nodeID string) (*Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.nodeMap[nodeID]
	if !ok {
		return nil, false
	}
	return m.nodes[i], true
}

// Endpoints lists the repair endpoints of all managed nodes.
func (m *Manager) Endpoints() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	endpoints := make([]string, 0, len(m.nodes))
	for _, n := range m.nodes {
		endpoints = append(endpoints, n.Endpoint())
	}
	return endpoints
}

// Repair runs a repair coordinated by the node at index across every
// managed node.
func (m *Manager) Repair(ctx context.Context, index int, opts repair.Options) (*repair.Result, error) {
	m.mu.RLock()
	if index < 0 || index >= len(m.nodes) {
		m.mu.RUnlock()
		return nil, fmt.Errorf("invalid node index: %d", index)
	}
	node := m.nodes[index]
	m.mu.RUnlock()

	if len(opts.Endpoints) == 0 {
		opts.Endpoints = m.Endpoints()
	}
	return node.Repair(ctx, opts)
}

// findAvailablePort finds the next available port
func (m *Manager) findAvailablePort() int {
	port := m.portCounter
	m.portCounter++
	return port
}

// StopAll stops all nodes
func (m *Manager) StopAll() error {
	m.mu.Lock()
	nodes := make([]*Node, len(m.nodes))
	copy(nodes, m.nodes)
	m.mu.Unlock()

	var errs []error
	for _, node := range nodes {
		if err := node.Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors stopping nodes: %w", errors.Join(errs...))
	}

	return nil
}
