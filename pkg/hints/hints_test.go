package hints

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClusterViewIndexIsConsecutive(t *testing.T) {
	pods := map[string]Breadcrumbs{
		"zzz": {Seq: 3},
		"aaa": {Seq: 1},
		"mmm": {Seq: 2},
	}

	for key, want := range map[string]int{"aaa": 0, "mmm": 1, "zzz": 2} {
		view, err := NewClusterView(key, pods, nil)
		require.NoError(t, err)
		assert.Equal(t, want, view.Index)
		assert.Equal(t, 3, view.Size)
	}
}

func TestClusterViewUnknownKey(t *testing.T) {
	_, err := NewClusterView("nope", map[string]Breadcrumbs{"aaa": {}}, nil)
	assert.Error(t, err)
}

func TestGrepRemapsPort(t *testing.T) {
	view := ClusterView{
		Dependencies: map[string]map[string]Breadcrumbs{
			"kafka": {
				"p1": {IP: "10.0.0.1", Public: "54.0.0.1", Ports: map[string]int{"9092": 31000}},
				"p2": {IP: "10.0.0.2", Public: "54.0.0.2", Ports: map[string]int{"9092": 31001}},
			},
		},
	}

	out, err := view.Grep("kafka", 9092, false)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:31000,10.0.0.2:31001", out)

	out, err = view.Grep("kafka", 9092, true)
	require.NoError(t, err)
	assert.Equal(t, "54.0.0.1:31000,54.0.0.2:31001", out)
}

func TestGrepUnknownDependencyReturnsEmpty(t *testing.T) {
	view := ClusterView{Dependencies: map[string]map[string]Breadcrumbs{}}
	out, err := view.Grep("missing", 80, false)
	require.NoError(t, err)
	assert.Equal(t, "", out)
}

func TestGrepMissingPortErrors(t *testing.T) {
	view := ClusterView{
		Dependencies: map[string]map[string]Breadcrumbs{
			"web": {"p1": {IP: "10.0.0.1", Ports: map[string]int{"80": 8080}}},
		},
	}
	_, err := view.Grep("web", 443, false)
	assert.Error(t, err)
}

func TestHintsAccessorsIsolateWriters(t *testing.T) {
	h := New("u1", Breadcrumbs{Cluster: "db", Namespace: "ns"})
	h.SetSeq(7)
	h.SetState(StateLeader)
	h.SetProcess(hintsProcessRunning())
	h.SetStatus("* configuring")
	h.SetMetrics(map[string]any{"qps": 42})

	assert.Equal(t, "u1", h.UUID())
	assert.Equal(t, 7, h.Breadcrumbs().Seq)
	assert.Equal(t, StateLeader, h.State())
	assert.Equal(t, ProcessRunning, h.Process())
	assert.Equal(t, "* configuring", h.Status())
	assert.Equal(t, 42, h.Metrics()["qps"])

	info := h.Snapshot()
	assert.Equal(t, StateLeader, info.State)
	assert.Equal(t, ProcessRunning, info.Process)
}

func hintsProcessRunning() Process { return ProcessRunning }
