package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ochopod/agent/pkg/hints"
)

func TestNewAppliesDefaults(t *testing.T) {
	h := hints.New("u1", hints.Breadcrumbs{})
	e := New(h, Options{})

	assert.Equal(t, 60*time.Second, e.opts.Grace)
	assert.Equal(t, defaultSanityInterval, e.opts.SanityInterval)
	assert.Equal(t, defaultCredit, e.opts.Credit)
	assert.Equal(t, defaultCredit, e.credit)
}

func TestSameDeps(t *testing.T) {
	a := map[string]map[string]hints.Breadcrumbs{
		"db": {"u1": {}, "u2": {}},
	}
	b := map[string]map[string]hints.Breadcrumbs{
		"db": {"u1": {}, "u2": {}},
	}
	assert.True(t, sameDeps(a, b))

	c := map[string]map[string]hints.Breadcrumbs{
		"db": {"u1": {}},
	}
	assert.False(t, sameDeps(a, c))
	assert.False(t, sameDeps(nil, a))
	assert.True(t, sameDeps(nil, nil))
}

func TestReplyDoesNotBlockOnFullLatch(t *testing.T) {
	latch := make(chan Reply, 1)
	cmd := Command{Latch: latch}
	reply(cmd, 200, []byte("ok"))
	reply(cmd, 500, []byte("should be dropped, latch is full"))

	select {
	case r := <-latch:
		require.Equal(t, 200, r.Code)
		assert.Equal(t, []byte("ok"), r.Body)
	default:
		t.Fatal("expected a reply to have been delivered")
	}
}

func TestSpawnShellRunsCompoundCommand(t *testing.T) {
	h := hints.New("u1", hints.Breadcrumbs{})
	e := New(h, Options{Shell: true})

	require.NoError(t, e.spawn("true && exit 0", nil))
	require.NotNil(t, e.cmd)
	_ = e.cmd.Wait()
}

func TestSpawnWithoutShellPassesCompoundCommandAsArgv(t *testing.T) {
	h := hints.New("u1", hints.Breadcrumbs{})
	e := New(h, Options{})

	// Without Shell the line is split on whitespace and exec'd directly:
	// "&&", "exit" and "0" reach the binary named "true" as literal argv
	// tokens, which it ignores, so spawn succeeds.
	require.NoError(t, e.spawn("true && exit 0", nil))
	require.NotNil(t, e.cmd)
	_ = e.cmd.Wait()
}

func TestHandleCheckWithoutLifeCycleDefaultsTo200(t *testing.T) {
	h := hints.New("u1", hints.Breadcrumbs{})
	e := New(h, Options{})

	latch := e.Enqueue(TaskCheck, hints.ClusterView{}, nil)
	_ = e.dispatch(<-e.queue)

	select {
	case r := <-latch:
		assert.Equal(t, 200, r.Code)
	default:
		t.Fatal("expected a reply")
	}
}
