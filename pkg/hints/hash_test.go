package hints

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMD5HexStableAcrossMapOrder(t *testing.T) {
	a := map[string]map[string]Breadcrumbs{
		"local": {
			"aaa": {Cluster: "c", Namespace: "n", Seq: 1, Ports: map[string]int{"8080": 1024}},
			"bbb": {Cluster: "c", Namespace: "n", Seq: 2, Ports: map[string]int{"8080": 1025}},
		},
	}
	b := map[string]map[string]Breadcrumbs{
		"local": {
			"bbb": {Cluster: "c", Namespace: "n", Seq: 2, Ports: map[string]int{"8080": 1025}},
			"aaa": {Cluster: "c", Namespace: "n", Seq: 1, Ports: map[string]int{"8080": 1024}},
		},
	}

	h1, err := MD5Hex(a)
	require.NoError(t, err)
	h2, err := MD5Hex(b)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
}

func TestMD5HexDiffersOnContentChange(t *testing.T) {
	a := map[string]map[string]Breadcrumbs{
		"local": {"aaa": {Seq: 1}},
	}
	b := map[string]map[string]Breadcrumbs{
		"local": {"aaa": {Seq: 2}},
	}

	h1, err := MD5Hex(a)
	require.NoError(t, err)
	h2, err := MD5Hex(b)
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
}

func TestMD5HexJoinsOneSegmentPerKey(t *testing.T) {
	snapshots := map[string]map[string]Breadcrumbs{
		"local": {"aaa": {Seq: 1}},
		"db":    {"bbb": {Seq: 2}},
		"cache": {"ccc": {Seq: 3}},
	}

	h, err := MD5Hex(snapshots)
	require.NoError(t, err)

	parts := strings.Split(h, ":")
	require.Len(t, parts, len(snapshots))
	for _, p := range parts {
		assert.Len(t, p, 32)
	}
}

func TestMD5HexChangeConfinedToOneDependencyOnlyMovesThatSegment(t *testing.T) {
	base := map[string]map[string]Breadcrumbs{
		"local": {"aaa": {Seq: 1}},
		"db":    {"bbb": {Seq: 2}},
	}
	changed := map[string]map[string]Breadcrumbs{
		"local": {"aaa": {Seq: 1}},
		"db":    {"bbb": {Seq: 99}},
	}

	h1, err := MD5Hex(base)
	require.NoError(t, err)
	h2, err := MD5Hex(changed)
	require.NoError(t, err)

	p1 := strings.Split(h1, ":")
	p2 := strings.Split(h2, ":")
	require.Len(t, p1, 2)
	require.Len(t, p2, 2)

	assert.Equal(t, p1[0], p2[0], "local segment should be unaffected by a dependency-only change")
	assert.NotEqual(t, p1[1], p2[1], "db segment should change")
}
