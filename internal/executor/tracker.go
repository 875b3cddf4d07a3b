package executor

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// Node is a device node created on behalf of a device.
type Node struct {
	DevPath   string    `json:"devpath"`
	Path      string    `json:"path"`           // absolute
	Link      string    `json:"link,omitempty"` // absolute, symlink to Path
	Type      NodeType  `json:"-"`
	Major     uint32    `json:"major"`
	Minor     uint32    `json:"minor"`
	UID       uint32    `json:"uid"`
	GID       uint32    `json:"gid"`
	Mode      uint32    `json:"mode"`
	Rule      int       `json:"rule"`
	CreatedAt time.Time `json:"created_at"`
}

// Tracker remembers which nodes belong to which DEVPATH so a remove event
// deletes exactly what its add created.
type Tracker struct {
	mu    sync.Mutex
	nodes map[string][]Node
}

func NewTracker() *Tracker {
	return &Tracker{nodes: make(map[string][]Node)}
}

// Track records n, replacing any entry for the same device and path.
func (t *Tracker) Track(n Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.nodes[n.DevPath]
	for i := range list {
		if list[i].Path == n.Path {
			n.CreatedAt = list[i].CreatedAt
			list[i] = n
			return
		}
	}
	t.nodes[n.DevPath] = append(list, n)
}

// Forget drops and returns every node of devPath.
func (t *Tracker) Forget(devPath string) []Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.nodes[devPath]
	delete(t.nodes, devPath)
	return list
}

// Lookup returns the nodes of devPath.
func (t *Tracker) Lookup(devPath string) []Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.nodes[devPath])
}

// List returns every tracked node ordered by path.
func (t *Tracker) List() []Node {
	t.mu.Lock()
	var out []Node
	for _, list := range t.nodes {
		out = append(out, list...)
	}
	t.mu.Unlock()
	slices.SortFunc(out, func(a, b Node) int { return strings.Compare(a.Path, b.Path) })
	return out
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, list := range t.nodes {
		n += len(list)
	}
	return n
}
