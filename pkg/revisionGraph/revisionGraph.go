package revisionGraph

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Layr-Labs/deferred-check/pkg/migrationParser"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

type ChainBrokenReason string

const (
	ChainBrokenReason_MissingParent     ChainBrokenReason = "missing_parent"
	ChainBrokenReason_Cycle             ChainBrokenReason = "cycle"
	ChainBrokenReason_DuplicateRevision ChainBrokenReason = "duplicate_revision"
)

// ChainBrokenError means the migration history cannot be ordered.
type ChainBrokenError struct {
	Reason   ChainBrokenReason
	Revision string
	File     string
	// Parent is the missing parent, or for duplicates the other file.
	Parent string
	Cycle  []string
}

func (e *ChainBrokenError) Error() string {
	switch e.Reason {
	case ChainBrokenReason_MissingParent:
		return fmt.Sprintf("revision chain broken: %s (%s) references missing parent revision '%s'", e.Revision, e.File, e.Parent)
	case ChainBrokenReason_Cycle:
		return fmt.Sprintf("revision chain broken: cycle detected: %s", strings.Join(e.Cycle, " -> "))
	case ChainBrokenReason_DuplicateRevision:
		return fmt.Sprintf("revision chain broken: revision '%s' is declared by both %s and %s", e.Revision, e.Parent, e.File)
	default:
		return fmt.Sprintf("revision chain broken at %s", e.Revision)
	}
}

type Node struct {
	Script   *migrationParser.MigrationScript
	Parents  []*Node
	Children []*Node
}

func (n *Node) Revision() string {
	return n.Script.Revision
}

// RevisionGraph is the DAG formed by down_revision references. Merge
// revisions have several parents, branch points several children.
type RevisionGraph struct {
	nodes  *orderedmap.OrderedMap[string, *Node]
	byFile map[string]*Node
}

func NewRevisionGraph(scripts []*migrationParser.MigrationScript) (*RevisionGraph, error) {
	g := &RevisionGraph{
		nodes:  orderedmap.New[string, *Node](),
		byFile: make(map[string]*Node),
	}

	for _, s := range scripts {
		if existing, ok := g.nodes.Get(s.Revision); ok {
			return nil, &ChainBrokenError{
				Reason:   ChainBrokenReason_DuplicateRevision,
				Revision: s.Revision,
				File:     s.File,
				Parent:   existing.Script.File,
			}
		}
		n := &Node{Script: s, Parents: make([]*Node, 0), Children: make([]*Node, 0)}
		g.nodes.Set(s.Revision, n)
		g.byFile[fileKey(s.File)] = n
	}

	for pair := g.nodes.Oldest(); pair != nil; pair = pair.Next() {
		n := pair.Value
		for _, parentRev := range n.Script.DownRevisions {
			parent, ok := g.nodes.Get(parentRev)
			if !ok {
				return nil, &ChainBrokenError{
					Reason:   ChainBrokenReason_MissingParent,
					Revision: n.Revision(),
					File:     n.Script.File,
					Parent:   parentRev,
				}
			}
			n.Parents = append(n.Parents, parent)
			parent.Children = append(parent.Children, n)
		}
	}

	if err := g.detectCycle(); err != nil {
		return nil, err
	}
	return g, nil
}

func fileKey(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}

type visitState int

const (
	unvisited visitState = iota
	inProgress
	done
)

type frame struct {
	node *Node
	next int
}

// detectCycle runs an iterative depth first search over parent edges and
// reports the first back edge it meets.
func (g *RevisionGraph) detectCycle() error {
	state := make(map[*Node]visitState, g.nodes.Len())

	for pair := g.nodes.Oldest(); pair != nil; pair = pair.Next() {
		if state[pair.Value] != unvisited {
			continue
		}
		stack := []*frame{{node: pair.Value}}
		state[pair.Value] = inProgress

		for len(stack) > 0 {
			top := stack[len(stack)-1]
			if top.next >= len(top.node.Parents) {
				state[top.node] = done
				stack = stack[:len(stack)-1]
				continue
			}
			parent := top.node.Parents[top.next]
			top.next++

			switch state[parent] {
			case inProgress:
				return &ChainBrokenError{
					Reason:   ChainBrokenReason_Cycle,
					Revision: parent.Revision(),
					File:     parent.Script.File,
					Cycle:    cyclePath(stack, parent),
				}
			case unvisited:
				state[parent] = inProgress
				stack = append(stack, &frame{node: parent})
			}
		}
	}
	return nil
}

func cyclePath(stack []*frame, start *Node) []string {
	path := make([]string, 0)
	recording := false
	for _, f := range stack {
		if f.node == start {
			recording = true
		}
		if recording {
			path = append(path, f.node.Revision())
		}
	}
	return append(path, start.Revision())
}

func (g *RevisionGraph) Len() int {
	return g.nodes.Len()
}

func (g *RevisionGraph) Get(revision string) (*Node, bool) {
	return g.nodes.Get(revision)
}

// FindByFile looks a node up by its migration file path.
func (g *RevisionGraph) FindByFile(path string) (*Node, bool) {
	n, ok := g.byFile[fileKey(path)]
	return n, ok
}

func (g *RevisionGraph) Roots() []*Node {
	roots := make([]*Node, 0)
	for pair := g.nodes.Oldest(); pair != nil; pair = pair.Next() {
		if len(pair.Value.Parents) == 0 {
			roots = append(roots, pair.Value)
		}
	}
	return roots
}

func (g *RevisionGraph) Heads() []*Node {
	heads := make([]*Node, 0)
	for pair := g.nodes.Oldest(); pair != nil; pair = pair.Next() {
		if len(pair.Value.Children) == 0 {
			heads = append(heads, pair.Value)
		}
	}
	return heads
}

// Ordered returns every revision with parents before children. Revisions that
// become ready at the same time are ordered by revision id so the result does
// not depend on file discovery order.
func (g *RevisionGraph) Ordered() []*Node {
	pending := make(map[*Node]int, g.nodes.Len())
	ready := make([]*Node, 0)
	for pair := g.nodes.Oldest(); pair != nil; pair = pair.Next() {
		pending[pair.Value] = len(pair.Value.Parents)
		if len(pair.Value.Parents) == 0 {
			ready = append(ready, pair.Value)
		}
	}

	ordered := make([]*Node, 0, g.nodes.Len())
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			return ready[i].Revision() < ready[j].Revision()
		})
		n := ready[0]
		ready = ready[1:]
		ordered = append(ordered, n)
		for _, child := range n.Children {
			pending[child]--
			if pending[child] == 0 {
				ready = append(ready, child)
			}
		}
	}
	return ordered
}

// Ancestors returns the strict ancestors of revision, nearest first. Parents
// of a merge are visited breadth first in declaration order.
func (g *RevisionGraph) Ancestors(revision string) []*Node {
	start, ok := g.nodes.Get(revision)
	if !ok {
		return nil
	}
	visited := map[*Node]bool{start: true}
	queue := append([]*Node{}, start.Parents...)
	ancestors := make([]*Node, 0)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if visited[n] {
			continue
		}
		visited[n] = true
		ancestors = append(ancestors, n)
		queue = append(queue, n.Parents...)
	}
	return ancestors
}
