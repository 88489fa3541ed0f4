package zkstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/rs/zerolog"

	"github.com/ochopod/agent/pkg/log"
)

// Root is the ZooKeeper path prefix under which every cluster's nodes live.
const Root = "/ochopod/clusters"

// ErrDisconnected is returned by every Store method when the ZooKeeper
// session is not currently usable. Callers treat this uniformly as a
// trigger to reset.
var ErrDisconnected = errors.New("zkstore: disconnected")

// Store wraps a ZooKeeper session with the operations the rest of the agent
// needs: ephemeral(-sequential) node creation, get/set with optional
// one-shot watches, and a connection-state listener broker.
type Store struct {
	conn   *zk.Conn
	broker *broker
	logger zerolog.Logger
}

// Connect dials the ensemble and starts forwarding connection-state
// transitions to subscribers. It does not wait for the session to be
// established; callers wait for a "connected" transition (see Subscribe)
// before using the Store.
func Connect(ensemble []string, sessionTimeout time.Duration) (*Store, error) {
	conn, events, err := zk.Connect(ensemble, sessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("zkstore: connect: %w", err)
	}

	s := &Store{
		conn:   conn,
		broker: newBroker(),
		logger: log.WithComponent("zkstore"),
	}

	go s.pump(events)
	return s, nil
}

func (s *Store) pump(events <-chan zk.Event) {
	for ev := range events {
		if ev.Type != zk.EventSession {
			continue
		}

		var state ConnState
		switch ev.State {
		case zk.StateHasSession:
			state = StateConnected
		case zk.StateDisconnected:
			state = StateSuspended
		case zk.StateExpired:
			state = StateLost
		default:
			continue
		}

		s.logger.Debug().Str("state", string(state)).Msg("zk session state change")
		s.broker.publish(Transition{State: state})
	}
}

// Subscribe registers a new connection-state listener. Callers must
// Unsubscribe when done to release the channel.
func (s *Store) Subscribe() Listener {
	return s.broker.subscribe()
}

// Unsubscribe releases a previously registered listener.
func (s *Store) Unsubscribe(l Listener) {
	s.broker.unsubscribe(l)
}

// Close tears the session down and stops the connection-state broker.
func (s *Store) Close() {
	s.conn.Close()
	s.broker.stop()
}

// EnsurePath creates path and every missing ancestor as a plain persistent
// node, tolerating the path already existing.
func (s *Store) EnsurePath(path string) error {
	if path == "" || path == "/" {
		return nil
	}

	parent := parentOf(path)
	if parent != "" {
		if err := s.EnsurePath(parent); err != nil {
			return err
		}
	}

	_, err := s.conn.Create(path, []byte{}, 0, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return wrap(err)
	}
	return nil
}

func parentOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			if i == 0 {
				return ""
			}
			return path[:i]
		}
	}
	return ""
}

// CreateEphemeralSequential creates an ephemeral sequential child of prefix
// and returns the full path ZooKeeper assigned (including the 10-digit
// sequence suffix).
func (s *Store) CreateEphemeralSequential(prefix string, data []byte) (string, error) {
	path, err := s.conn.Create(prefix, data, zk.FlagEphemeral|zk.FlagSequence, zk.WorldACL(zk.PermAll))
	if err != nil {
		return "", wrap(err)
	}
	return path, nil
}

// CreateEphemeral creates (or re-creates, tolerating NodeExists) a plain
// ephemeral node -- used for the leader-owned /snapshot node.
func (s *Store) CreateEphemeral(path string, data []byte) error {
	_, err := s.conn.Create(path, data, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return wrap(err)
	}
	return nil
}

// CreateEphemeralExclusive creates a plain ephemeral node and, unlike
// CreateEphemeral, surfaces zk.ErrNodeExists to the caller instead of
// tolerating it -- used by the Coordinator's registration retry, which needs
// to distinguish "created" from "still held by a not-yet-expired session".
func (s *Store) CreateEphemeralExclusive(path string, data []byte) error {
	_, err := s.conn.Create(path, data, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil {
		return wrap(err)
	}
	return nil
}

// Get reads a node's value.
func (s *Store) Get(path string) ([]byte, error) {
	data, _, err := s.conn.Get(path)
	if err != nil {
		return nil, wrap(err)
	}
	return data, nil
}

// GetW reads a node's value and arms a one-shot watch that fires the
// returned channel exactly once on the next change.
func (s *Store) GetW(path string) ([]byte, <-chan zk.Event, error) {
	data, _, events, err := s.conn.GetW(path)
	if err != nil {
		return nil, nil, wrap(err)
	}
	return data, events, nil
}

// Set overwrites a node's value unconditionally (version -1).
func (s *Store) Set(path string, data []byte) error {
	_, err := s.conn.Set(path, data, -1)
	if err != nil {
		return wrap(err)
	}
	return nil
}

// Children lists a node's children.
func (s *Store) Children(path string) ([]string, error) {
	children, _, err := s.conn.Children(path)
	if err != nil {
		return nil, wrap(err)
	}
	return children, nil
}

// ChildrenW lists a node's children and arms a one-shot watch.
func (s *Store) ChildrenW(path string) ([]string, <-chan zk.Event, error) {
	children, _, events, err := s.conn.ChildrenW(path)
	if err != nil {
		return nil, nil, wrap(err)
	}
	return children, events, nil
}

// Exists reports whether path exists.
func (s *Store) Exists(path string) (bool, error) {
	ok, _, err := s.conn.Exists(path)
	if err != nil {
		return false, wrap(err)
	}
	return ok, nil
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, zk.ErrConnectionClosed) || errors.Is(err, zk.ErrNoServer) {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return err
}
