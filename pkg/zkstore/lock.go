package zkstore

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
)

// ErrLockTimeout is returned by Lock.Acquire when the bounded wait elapses
// without the caller becoming the lock holder.
var ErrLockTimeout = errors.New("zkstore: lock acquire timed out")

// Lock implements the standard ZooKeeper lock recipe: each contender creates
// an ephemeral-sequential child under the lock path, and holds the lock once
// its child is the lowest-numbered one present. Unlike the upstream client
// library's own lock helper, Acquire takes a bounded timeout so the
// Coordinator's spin() state can retry rather than block forever.
type Lock struct {
	store    *Store
	path     string
	nodePath string
}

// NewLock returns a Lock bound to path (e.g. "/ochopod/clusters/ns.cluster/coordinator").
func (s *Store) NewLock(path string) *Lock {
	return &Lock{store: s, path: path}
}

// Acquire attempts to become the lock holder within timeout. On timeout it
// returns ErrLockTimeout and leaves no residual ephemeral node behind.
func (l *Lock) Acquire(timeout time.Duration) error {
	if err := l.store.EnsurePath(l.path); err != nil {
		return err
	}

	if l.nodePath == "" {
		node, err := l.store.CreateEphemeralSequential(l.path+"/lock-", []byte{})
		if err != nil {
			return err
		}
		l.nodePath = node
	}

	deadline := time.Now().Add(timeout)
	for {
		children, err := l.store.Children(l.path)
		if err != nil {
			return err
		}
		sort.Strings(children)

		self := l.nodePath[strings.LastIndex(l.nodePath, "/")+1:]
		if len(children) > 0 && children[0] == self {
			return nil
		}

		// find the contender immediately ahead of us and watch it, so we
		// wake up as soon as it is released rather than busy-polling
		predecessor := ""
		for _, c := range children {
			if c == self {
				break
			}
			predecessor = c
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			_ = l.Release()
			return ErrLockTimeout
		}

		if predecessor == "" {
			// we believe we're first but weren't in the children list read
			// (session race); re-poll shortly
			time.Sleep(minDuration(remaining, 100*time.Millisecond))
			continue
		}

		exists, _, events, err := l.store.conn.ExistsW(l.path + "/" + predecessor)
		if err != nil {
			return wrap(err)
		}
		if !exists {
			continue
		}

		timer := time.NewTimer(remaining)
		select {
		case <-events:
		case <-timer.C:
			timer.Stop()
			_ = l.Release()
			return ErrLockTimeout
		}
		timer.Stop()
	}
}

// Release deletes our contender node, if any.
func (l *Lock) Release() error {
	if l.nodePath == "" {
		return nil
	}
	err := l.store.conn.Delete(l.nodePath, -1)
	l.nodePath = ""
	if err != nil && !errors.Is(err, zk.ErrNoNode) {
		return wrap(err)
	}
	return nil
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
