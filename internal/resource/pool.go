// Package resource implements the resource pool: named resource types with
// typed instances, a capacity check usable from rule evaluation, and
// blocking acquire/release used only by the scheduler.
package resource

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sandialabs/canary/internal/canaryconfig"
)

// Instance is one concrete resource unit: a global id, its node-local id,
// and the slots it offers.
type Instance struct {
	Type string
	GID  string
	LID  int
	Node int
}

// Group is a conjunctive requirement: every entry must be satisfied
// together out of the same acquisition.
type Group []Requirement

// Requirement is one (type, slots) pair inside a Group.
type Requirement struct {
	Type  string
	Slots int
}

// Allocation is the result of a successful Acquire: the concrete instances
// bound to satisfy one Group.
type Allocation struct {
	Instances []Instance
}

// GIDsByType returns the comma-joined gids per type, matching the
// CANARY_<TYPE>=<comma-joined gids> environment injection passed to a
// launched case.
func (a Allocation) GIDsByType() map[string][]string {
	out := map[string][]string{}
	for _, inst := range a.Instances {
		out[inst.Type] = append(out[inst.Type], inst.GID)
	}
	return out
}

// Pool advertises named resource types with typed instances and protects
// its free/busy bookkeeping with a single mutex: the pool is accessed from
// the scheduler loop and rule evaluation concurrently.
type Pool struct {
	mu        sync.Mutex
	instances map[string][]*slot // type -> instances, in gid order
	nodes     int
}

type slot struct {
	inst Instance
	busy bool
}

// New builds a Pool from a resolved inventory: the cpus/gpus/nodes catalog
// plus open-ended extra types.
func New(inv canaryconfig.ResourceInventory) *Pool {
	p := &Pool{instances: map[string][]*slot{}, nodes: inv.Nodes}
	if inv.Nodes <= 0 {
		p.nodes = 1
	}
	for n := 0; n < p.nodes; n++ {
		addSlots(p, "cpus", n, inv.CPUsPerNode)
		addSlots(p, "gpus", n, inv.GPUsPerNode)
	}
	for typ, perNode := range inv.Extra {
		for n := 0; n < p.nodes; n++ {
			addSlots(p, typ, n, perNode)
		}
	}
	return p
}

func addSlots(p *Pool, typ string, node, count int) {
	for i := 0; i < count; i++ {
		p.instances[typ] = append(p.instances[typ], &slot{
			inst: Instance{Type: typ, GID: fmt.Sprintf("%s-%d-%d", typ, node, i), LID: i, Node: node},
		})
	}
}

// Count returns how many instances of typ exist in total, regardless of
// current availability.
func (p *Pool) Count(typ string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.instances[typ])
}

// Pinfo exposes first-node inventory for deriving implicit parameters:
// "cpus_per_node", "gpus_per_node".
func (p *Pool) Pinfo(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch key {
	case "cpus_per_node":
		return countOnNode(p.instances["cpus"], 0)
	case "gpus_per_node":
		return countOnNode(p.instances["gpus"], 0)
	case "nodes":
		return p.nodes
	default:
		return 0
	}
}

func countOnNode(slots []*slot, node int) int {
	n := 0
	for _, s := range slots {
		if s.inst.Node == node {
			n++
		}
	}
	return n
}

// Satisfies reports whether required — a disjunctive list of conjunctive
// Groups, one of which must fit entirely — can currently be met, without
// reserving anything.
func (p *Pool) Satisfies(required []Group) (bool, string) {
	if len(required) == 0 {
		return true, ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, g := range required {
		if p.groupFitsLocked(g) {
			return true, ""
		}
	}
	return false, "no resource group fits the available pool"
}

func (p *Pool) groupFitsLocked(g Group) bool {
	free := map[string]int{}
	for typ, slots := range p.instances {
		for _, s := range slots {
			if !s.busy {
				free[typ]++
			}
		}
	}
	for _, req := range g {
		if free[req.Type] < req.Slots {
			return false
		}
		free[req.Type] -= req.Slots
	}
	return true
}

// Acquire blocks the caller's intent to reserve one fitting Group, the
// first whose requirements can currently be met. It never blocks the
// calling goroutine itself — the scheduler loop is responsible for
// retrying when nothing fits yet; acquisition is blocking only in the
// scheduler's loop, never in rule evaluation.
func (p *Pool) Acquire(required []Group) (Allocation, bool) {
	if len(required) == 0 {
		return Allocation{}, true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, g := range required {
		if alloc, ok := p.tryAcquireGroupLocked(g); ok {
			return alloc, true
		}
	}
	return Allocation{}, false
}

func (p *Pool) tryAcquireGroupLocked(g Group) (Allocation, bool) {
	if !p.groupFitsLocked(g) {
		return Allocation{}, false
	}
	var picked []*slot
	for _, req := range g {
		slots := p.instances[req.Type]
		n := 0
		for _, s := range slots {
			if n >= req.Slots {
				break
			}
			if !s.busy {
				picked = append(picked, s)
				n++
			}
		}
	}
	alloc := Allocation{Instances: make([]Instance, 0, len(picked))}
	for _, s := range picked {
		s.busy = true
		alloc.Instances = append(alloc.Instances, s.inst)
	}
	return alloc, true
}

// Release returns every instance in alloc to the free pool.
func (p *Pool) Release(alloc Allocation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	byGID := map[string]bool{}
	for _, inst := range alloc.Instances {
		byGID[inst.GID] = true
	}
	for _, slots := range p.instances {
		for _, s := range slots {
			if byGID[s.inst.GID] {
				s.busy = false
			}
		}
	}
}

// Types returns the pool's resource type names in sorted order, used to
// recognize which spec parameters name a resource type when deriving
// required resources.
func (p *Pool) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]string, 0, len(p.instances))
	for t := range p.instances {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
