package zkstore

import (
	"errors"
	"testing"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/stretchr/testify/assert"
)

func TestParentOf(t *testing.T) {
	assert.Equal(t, "/a/b", parentOf("/a/b/c"))
	assert.Equal(t, "", parentOf("/a"))
	assert.Equal(t, "", parentOf(""))
}

func TestWrapTranslatesDisconnect(t *testing.T) {
	assert.ErrorIs(t, wrap(zk.ErrConnectionClosed), ErrDisconnected)
	assert.ErrorIs(t, wrap(zk.ErrNoNode), zk.ErrNoNode)
	assert.Nil(t, wrap(nil))
}

func TestMinDuration(t *testing.T) {
	assert.Equal(t, time.Second, minDuration(time.Second, 2*time.Second))
	assert.Equal(t, time.Second, minDuration(2*time.Second, time.Second))
}

func TestErrLockTimeoutIsDistinct(t *testing.T) {
	assert.False(t, errors.Is(ErrLockTimeout, ErrDisconnected))
}
