// Copyright 2024-2026 The Heapprofd Go Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package heapgraph

// pathFromRoot is the folded retention tree under construction. Node 0
// is the artificial root.
type pathFromRoot struct {
	nodes   []pathNode
	visited map[ObjectID]struct{}
}

type pathNode struct {
	typeID   int64 // ClassID, or noClass for never-described objects
	depth    uint32
	parentID int
	size     int64
	count    int64
	children map[int64]int
}

func newPathFromRoot() *pathFromRoot {
	return &pathFromRoot{
		nodes:   []pathNode{{parentID: -1, children: make(map[int64]int)}},
		visited: make(map[ObjectID]struct{}),
	}
}

// findPathFromRoot walks the shortest-path spanning tree under one graph
// root and folds it into the result tree by type. Traversal state lives
// on an explicit heap-allocated stack: recursion depth on real retention
// chains (LinkedList and friends) blows the OS stack.
//
// A child edge is taken only if the child's stored root distance equals
// the parent's plus one and the child has not been visited yet in this
// traversal, so each graph node contributes its self size and a count of
// one to exactly one tree node.
func (t *Tracker) findPathFromRoot(id ObjectID, path *pathFromRoot) {
	type stackElem struct {
		node     ObjectID // node in the original graph
		parentID int      // id of the parent node in the result tree
		i        int      // index of the next child of this node to handle
		depth    uint32   // depth in the result tree, artificial root included
		children []ObjectID
	}

	// Depth 1: the artificial root occupies depth 0.
	stack := []stackElem{{node: id, parentID: 0, depth: 1}}

	for len(stack) > 0 {
		idx := len(stack) - 1
		n := stack[idx].node
		parentID := stack[idx].parentID
		depth := stack[idx].depth
		obj := &t.storage.Objects[n]

		pathID, ok := path.nodes[parentID].children[obj.TypeID]
		if !ok {
			pathID = len(path.nodes)
			path.nodes = append(path.nodes, pathNode{
				typeID:   obj.TypeID,
				depth:    depth,
				parentID: parentID,
				children: make(map[int64]int),
			})
			path.nodes[parentID].children[obj.TypeID] = pathID
		}

		if stack[idx].i == 0 {
			// First look at this graph node: attribute it to its tree
			// node and enumerate its children once.
			path.nodes[pathID].size += obj.SelfSize
			path.nodes[pathID].count++
			stack[idx].children = t.storage.children(n)
		}

		if stack[idx].i >= len(stack[idx].children) {
			stack = stack[:idx]
			continue
		}
		child := stack[idx].children[stack[idx].i]
		stack[idx].i++
		if stack[idx].i == len(stack[idx].children) {
			stack = stack[:idx]
		}

		if _, visited := path.visited[child]; visited {
			continue
		}
		if t.storage.Objects[child].RootDistance == obj.RootDistance+1 {
			path.visited[child] = struct{}{}
			stack = append(stack, stackElem{
				node:     child,
				parentID: pathID,
				depth:    depth + 1,
			})
		}
	}
}

// BuildFlamegraph folds the retention graph of one (upid, ts) root set
// into flamegraph rows: one row per tree node, depth-first parent before
// child, cumulative sizes folded bottom-up. Returns nil when the pair
// has no roots.
func (t *Tracker) BuildFlamegraph(upid UniquePid, ts int64) []FlamegraphRow {
	key := upidTS{upid, ts}
	roots, ok := t.rootOrder[key]
	if !ok {
		return nil
	}

	path := newPathFromRoot()
	for _, root := range roots {
		t.findPathFromRoot(root, path)
	}

	profileType := t.storage.Strings.Intern("graph")
	javaMapping := t.storage.Strings.Intern("JAVA")

	cumulativeSize := make([]int64, len(path.nodes))
	cumulativeCount := make([]int64, len(path.nodes))
	// Children always follow their parent, so one reverse pass folds the
	// whole tree. Index 0 is the artificial root and is skipped.
	for i := len(path.nodes) - 1; i > 0; i-- {
		node := &path.nodes[i]
		cumulativeSize[i] += node.size
		cumulativeCount[i] += node.count
		cumulativeSize[node.parentID] += cumulativeSize[i]
		cumulativeCount[node.parentID] += cumulativeCount[i]
	}

	unknownType := t.storage.Strings.Intern("[unknown]")
	rows := make([]FlamegraphRow, 0, len(path.nodes)-1)
	nodeToRow := make([]int64, len(path.nodes))
	for i := 1; i < len(path.nodes); i++ {
		node := &path.nodes[i]
		parentID := int64(-1)
		if node.parentID != 0 {
			parentID = nodeToRow[node.parentID]
		}

		name := unknownType
		if node.typeID != noClass {
			class := &t.storage.Classes[node.typeID]
			name = class.DeobfuscatedName
			if name == NullStringID {
				name = class.Name
			}
		}

		nodeToRow[i] = int64(len(rows))
		rows = append(rows, FlamegraphRow{
			TS:              ts,
			Upid:            upid,
			ProfileType:     profileType,
			Depth:           node.depth,
			Name:            name,
			MapName:         javaMapping,
			Count:           node.count,
			CumulativeCount: cumulativeCount[i],
			Size:            node.size,
			CumulativeSize:  cumulativeSize[i],
			ParentID:        parentID,
		})
	}
	return rows
}
