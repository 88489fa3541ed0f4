// Package hints implements the pod data model: the mutable Hints record
// every pod carries, the immutable Breadcrumbs subset published into its
// ZooKeeper registration node, and the Cluster View handed to user
// callbacks.
package hints

import (
	"fmt"
	"sort"
	"sync"
)

// Process is the lifecycle state of the supervised child process.
type Process string

const (
	ProcessStopped     Process = "stopped"
	ProcessRunning     Process = "running"
	ProcessTerminating Process = "terminating"
	ProcessDead        Process = "dead"
)

// State is the pod's coordination state.
type State string

const (
	StateFollower              State = "follower"
	StateLeader                State = "leader"
	StateLeaderConfiguring     State = "leader (configuring)"
	StateLeaderConfigPending   State = "leader (configuration pending)"
)

// Breadcrumbs is the immutable subset of Hints captured at boot and written
// once into the pod's ephemeral registration node. It never changes after
// the pod has registered.
type Breadcrumbs struct {
	Cluster   string            `json:"cluster"`
	Namespace string            `json:"namespace"`
	Port      int               `json:"port"`
	IP        string            `json:"ip"`
	Public    string            `json:"public"`
	Ports     map[string]int    `json:"ports"`
	Node      string            `json:"node"`
	Task      string            `json:"task"`
	Application string          `json:"application"`
	Seq       int               `json:"seq"`
}

// Hints is the mutable per-pod runtime record. Only the Coordinator writes
// State/Seq, only the Executor writes Process/Metrics, only the Model writes
// Status. The mutex exists because the HTTP control surface reads this
// concurrently with those three writers.
type Hints struct {
	mu sync.RWMutex

	uuid        string
	breadcrumbs Breadcrumbs
	state       State
	process     Process
	status      string
	metrics     map[string]any
	dependencies map[string]map[string]Breadcrumbs
}

// New creates a Hints record seeded from the immutable boot-time breadcrumbs
// and the pod's uuid (the registration node's key, distinct from Breadcrumbs
// since it is never republished as a field of its own value).
func New(uuid string, b Breadcrumbs) *Hints {
	return &Hints{
		uuid:        uuid,
		breadcrumbs: b,
		state:       StateFollower,
		process:     ProcessStopped,
		metrics:     map[string]any{},
	}
}

// UUID returns the pod's identity key.
func (h *Hints) UUID() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.uuid
}

// Breadcrumbs returns the immutable identity captured at boot.
func (h *Hints) Breadcrumbs() Breadcrumbs {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.breadcrumbs
}

// SetSeq assigns the ZooKeeper sequence number. Called exactly once, by the
// Coordinator, the first time registration succeeds.
func (h *Hints) SetSeq(seq int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.breadcrumbs.Seq = seq
}

// SetState is called only by the Coordinator.
func (h *Hints) SetState(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = s
}

func (h *Hints) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// SetProcess is called only by the Lifecycle Executor.
func (h *Hints) SetProcess(p Process) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.process = p
}

func (h *Hints) Process() Process {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.process
}

// SetMetrics is called only by the Lifecycle Executor, from sanity_check().
func (h *Hints) SetMetrics(m map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m == nil {
		m = map[string]any{}
	}
	h.metrics = m
}

func (h *Hints) Metrics() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.metrics
}

// SetStatus is called only by the Clustering Model.
func (h *Hints) SetStatus(s string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = s
}

func (h *Hints) Status() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// SetDependencies stashes the last dependency snapshot, surfaced by /info.
func (h *Hints) SetDependencies(deps map[string]map[string]Breadcrumbs) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dependencies = deps
}

// Info is the read-only view /info returns.
type Info struct {
	Application  string                    `json:"application"`
	IP           string                    `json:"ip"`
	Metrics      map[string]any            `json:"metrics"`
	Node         string                    `json:"node"`
	Port         int                       `json:"port"`
	Ports        map[string]int            `json:"ports"`
	Process      Process                   `json:"process"`
	Public       string                    `json:"public"`
	State        State                     `json:"state"`
	Status       string                    `json:"status"`
	Task         string                    `json:"task"`
	Dependencies map[string]map[string]Breadcrumbs `json:"dependencies"`
}

// Snapshot builds the /info payload under a single read lock.
func (h *Hints) Snapshot() Info {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Info{
		Application:  h.breadcrumbs.Application,
		IP:           h.breadcrumbs.IP,
		Metrics:      h.metrics,
		Node:         h.breadcrumbs.Node,
		Port:         h.breadcrumbs.Port,
		Ports:        h.breadcrumbs.Ports,
		Process:      h.process,
		Public:       h.breadcrumbs.Public,
		State:        h.state,
		Status:       h.status,
		Task:         h.breadcrumbs.Task,
		Dependencies: h.dependencies,
	}
}

// ClusterView is the structure passed to user callbacks: configure(),
// probe(), can_configure(), configured().
type ClusterView struct {
	Pods         map[string]Breadcrumbs            `json:"pods"`
	Dependencies map[string]map[string]Breadcrumbs `json:"dependencies"`
	Key          string                             `json:"key"`
	Seq          int                                `json:"seq"`
	Index        int                                `json:"index"`
	Size         int                                `json:"size"`
}

// NewClusterView computes Index (rank of Key among Pods' keys sorted
// ascending, consecutive 0..size-1 at every configuration boundary) and
// Size from the payload the leader posted.
func NewClusterView(key string, pods map[string]Breadcrumbs, deps map[string]map[string]Breadcrumbs) (ClusterView, error) {
	keys := make([]string, 0, len(pods))
	for k := range pods {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	index := -1
	for i, k := range keys {
		if k == key {
			index = i
			break
		}
	}
	if index < 0 {
		return ClusterView{}, fmt.Errorf("hints: key %q not present in pods payload", key)
	}

	self, ok := pods[key]
	if !ok {
		return ClusterView{}, fmt.Errorf("hints: key %q missing breadcrumbs", key)
	}

	return ClusterView{
		Pods:         pods,
		Dependencies: deps,
		Key:          key,
		Seq:          self.Seq,
		Index:        index,
		Size:         len(pods),
	}, nil
}

// Grep returns a comma-separated "ip:port" list for a dependency, remapped
// through each peer's exposed-port map. public selects the public address
// instead of the internal one.
func (c ClusterView) Grep(dependency string, port int, public bool) (string, error) {
	nodes, ok := c.Dependencies[dependency]
	if !ok {
		return "", nil
	}

	keys := make([]string, 0, len(nodes))
	for k := range nodes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	portKey := fmt.Sprintf("%d", port)
	out := make([]string, 0, len(nodes))
	for _, k := range keys {
		node := nodes[k]
		ip := node.IP
		if public {
			ip = node.Public
		}
		mapped, ok := node.Ports[portKey]
		if !ok {
			return "", fmt.Errorf("hints: pod from %s not exposing port %d", dependency, port)
		}
		out = append(out, fmt.Sprintf("%s:%d", ip, mapped))
	}

	joined := ""
	for i, s := range out {
		if i > 0 {
			joined += ","
		}
		joined += s
	}
	return joined, nil
}
