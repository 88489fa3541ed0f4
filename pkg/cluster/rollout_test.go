package cluster

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ochopod/agent/pkg/hints"
)

func TestPeersForUsesHostMappedControlPort(t *testing.T) {
	pods := map[string]hints.Breadcrumbs{
		"a": {IP: "10.0.0.1", Port: 8080, Ports: map[string]int{"8080": 31000}},
	}

	peers, err := peersFor(pods)
	require.NoError(t, err)
	require.Len(t, peers, 1)

	url := fmt.Sprintf(peers[0].url, "on", 60)
	assert.Equal(t, "http://10.0.0.1:31000/control/on/60", url)
}

func TestPeersForRejectsPodMissingControlPortMapping(t *testing.T) {
	pods := map[string]hints.Breadcrumbs{
		"a": {IP: "10.0.0.1", Port: 8080, Ports: map[string]int{"9090": 31000}},
	}

	_, err := peersFor(pods)
	assert.Error(t, err)
}

func TestModelGraceSecondsDefaultsTo60(t *testing.T) {
	m := &Model{}
	assert.Equal(t, 60, m.graceSeconds())
}
