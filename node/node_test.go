package node

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamgarcia4/goLearning/antientropy/dht"
	"github.com/adamgarcia4/goLearning/antientropy/history"
	"github.com/adamgarcia4/goLearning/antientropy/repair"
)

func freePort(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()
	return fmt.Sprintf("%d", lis.Addr().(*net.TCPAddr).Port)
}

func testConfig(t *testing.T, nodeID string) *Config {
	t.Helper()
	config := DefaultConfig(nodeID)
	config.Port = freePort(t)
	config.Repair.MerkleDepth = 8
	config.Repair.RPCTimeout = 2 * time.Second
	config.Repair.JobTimeout = 10 * time.Second
	return config
}

func startNode(t *testing.T, config *Config) *Node {
	t.Helper()
	n, err := New(config)
	require.NoError(t, err)
	require.NoError(t, n.Start())
	t.Cleanup(func() { _ = n.Stop() })
	return n
}

func TestNode_NewRejectsInvalidConfig(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	config := DefaultConfig("")
	_, err = New(config)
	assert.ErrorIs(t, err, ErrNodeIDRequired)
}

func TestNode_RepairsPeerOverGRPC(t *testing.T) {
	configA := testConfig(t, "node-a")
	configA.HistoryPath = filepath.Join(t.TempDir(), "history.db")
	configB := testConfig(t, "node-b")
	configA.Seeds = []string{configB.GetAddress()}

	a := startNode(t, configA)
	b := startNode(t, configB)

	for i := 0; i < 5; i++ {
		require.NoError(t, a.Put("demo.kv", fmt.Sprintf("shared-%d", i), []byte("v")))
	}
	require.NoError(t, b.Put("demo.kv", "only-b", []byte("b")))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := a.Repair(ctx, repair.Options{
		Keyspace:    "demo",
		Tables:      []string{"kv"},
		Ranges:      []dht.Range{dht.FullRing()},
		Incremental: true,
	})
	require.NoError(t, err)
	assert.Positive(t, res.SyncedRanges)

	for _, n := range []*Node{a, b} {
		tbl, err := n.Engine().Table("demo", "kv")
		require.NoError(t, err)
		rows, err := tbl.ScanLive([]dht.Range{dht.FullRing()})
		require.NoError(t, err)
		assert.Len(t, rows, 6, n.Endpoint())
	}

	assert.Eventually(t, func() bool {
		return len(a.Status().ParentSessions) == 0 && len(b.Status().ParentSessions) == 0
	}, 10*time.Second, 20*time.Millisecond)

	status := b.Status()
	assert.Equal(t, "node-b", status.NodeID)
	assert.Equal(t, status.Segments, status.Repaired)

	rec, err := a.History().Get(ctx, res.ParentSessionID.String())
	require.NoError(t, err)
	assert.Equal(t, history.StatusSucceeded, rec.Status)
	assert.Equal(t, []string{configA.GetAddress(), configB.GetAddress()}, rec.Participants)
}

func TestNode_Lifecycle(t *testing.T) {
	n, err := New(testConfig(t, "node-1"))
	require.NoError(t, err)

	_, err = n.Repair(context.Background(), repair.Options{})
	assert.ErrorIs(t, err, ErrNodeNotStarted)
	assert.ErrorIs(t, n.Put("demo.kv", "k", nil), ErrNodeNotStarted)

	require.NoError(t, n.Start())
	assert.ErrorIs(t, n.Start(), ErrNodeAlreadyStarted)
	require.NoError(t, n.Put("demo.kv", "k", []byte("v")))
	assert.Error(t, n.Put("demo.missing", "k", nil))

	require.NoError(t, n.Stop())
	assert.ErrorIs(t, n.Start(), ErrNodeStopped)
	assert.Equal(t, Status{NodeID: "node-1", Endpoint: n.Endpoint()}, n.Status())
}

func TestNode_StartFailsWhenPortIsTaken(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()

	config := DefaultConfig("node-1")
	config.Port = fmt.Sprintf("%d", lis.Addr().(*net.TCPAddr).Port)

	n, err := New(config)
	require.NoError(t, err)
	assert.Error(t, n.Start())
}

func TestNode_ServesMetrics(t *testing.T) {
	config := testConfig(t, "node-1")
	config.MetricsAddr = "127.0.0.1:" + freePort(t)
	startNode(t, config)

	resp, err := http.Get("http://" + config.MetricsAddr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestManager_RepairsAcrossNodes(t *testing.T) {
	m := NewManager(func(c *Config) {
		c.Port = freePort(t)
		c.Repair.MerkleDepth = 8
	})
	t.Cleanup(func() { _ = m.StopAll() })

	first, err := m.CreateNode()
	require.NoError(t, err)
	second, err := m.CreateNode()
	require.NoError(t, err)
	assert.Equal(t, []string{first.Endpoint(), second.Endpoint()}, m.Endpoints())

	got, ok := m.GetNode("node-2")
	require.True(t, ok)
	assert.Same(t, second, got)

	require.NoError(t, second.Put("demo.kv", "k", []byte("v")))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err = m.Repair(ctx, 0, repair.Options{Keyspace: "demo", Tables: []string{"kv"}, Ranges: []dht.Range{dht.FullRing()}})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Status().Rows)

	_, err = m.Repair(ctx, 5, repair.Options{})
	assert.Error(t, err)

	require.NoError(t, m.DeleteNode(1))
	assert.Len(t, m.GetNodes(), 1)
	assert.Error(t, m.DeleteNode(3))
}
