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

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildFlamegraphTwoNodeChain(t *testing.T) {
	tr := newTestTracker()
	tr.AddInternedType(1, 10, "A", 0, false)
	tr.AddInternedType(1, 11, "B", 0, false)
	tr.AddObject(1, testUpid, testTS, obj(1, 8, 10, 2))
	tr.AddObject(1, testUpid, testTS, obj(2, 16, 11))
	tr.AddRoot(1, testUpid, testTS, SourceRoot{RootType: "global", ObjectIDs: []uint64{1}})
	tr.FinalizeProfile(1)

	rows := tr.BuildFlamegraph(testUpid, testTS)
	require.Len(t, rows, 2)

	s := tr.Storage()
	a, b := &rows[0], &rows[1]
	require.Equal(t, "A", s.Strings.Get(a.Name))
	require.Equal(t, uint32(1), a.Depth)
	require.Equal(t, int64(8), a.Size)
	require.Equal(t, int64(24), a.CumulativeSize)
	require.Equal(t, int64(1), a.Count)
	require.Equal(t, int64(-1), a.ParentID)
	require.Equal(t, "graph", s.Strings.Get(a.ProfileType))
	require.Equal(t, "JAVA", s.Strings.Get(a.MapName))

	require.Equal(t, "B", s.Strings.Get(b.Name))
	require.Equal(t, uint32(2), b.Depth)
	require.Equal(t, int64(16), b.Size)
	require.Equal(t, int64(16), b.CumulativeSize)
	require.Equal(t, int64(0), b.ParentID)
}

func TestBuildFlamegraphNoRootsReturnsNil(t *testing.T) {
	tr := newTestTracker()
	require.Nil(t, tr.BuildFlamegraph(testUpid, testTS))
}

func TestBuildFlamegraphMergesSiblingsByType(t *testing.T) {
	tr := newTestTracker()
	tr.AddInternedType(1, 10, "Holder", 0, false)
	tr.AddInternedType(1, 11, "Item", 0, false)
	// One holder with three items: the items fold into a single node.
	tr.AddObject(1, testUpid, testTS, obj(1, 10, 10, 2, 3, 4))
	tr.AddObject(1, testUpid, testTS, obj(2, 5, 11))
	tr.AddObject(1, testUpid, testTS, obj(3, 6, 11))
	tr.AddObject(1, testUpid, testTS, obj(4, 7, 11))
	tr.AddRoot(1, testUpid, testTS, SourceRoot{RootType: "global", ObjectIDs: []uint64{1}})
	tr.FinalizeProfile(1)

	rows := tr.BuildFlamegraph(testUpid, testTS)
	require.Len(t, rows, 2)
	s := tr.Storage()
	require.Equal(t, "Item", s.Strings.Get(rows[1].Name))
	require.Equal(t, int64(3), rows[1].Count)
	require.Equal(t, int64(18), rows[1].Size)
	require.Equal(t, int64(28), rows[0].CumulativeSize)
	require.Equal(t, int64(4), rows[0].CumulativeCount)
}

func TestBuildFlamegraphOnlySpanningTreeEdges(t *testing.T) {
	tr := newTestTracker()
	tr.AddInternedType(1, 10, "A", 0, false)
	tr.AddInternedType(1, 11, "B", 0, false)
	tr.AddInternedType(1, 12, "C", 0, false)
	// 1 -> 2 -> 3 and 1 -> 3: node 3 sits at distance 1, so the 2 -> 3
	// edge is not on the shortest-path tree and contributes nothing.
	tr.AddObject(1, testUpid, testTS, obj(1, 1, 10, 2, 3))
	tr.AddObject(1, testUpid, testTS, obj(2, 2, 11, 3))
	tr.AddObject(1, testUpid, testTS, obj(3, 4, 12))
	tr.AddRoot(1, testUpid, testTS, SourceRoot{RootType: "global", ObjectIDs: []uint64{1}})
	tr.FinalizeProfile(1)

	rows := tr.BuildFlamegraph(testUpid, testTS)
	var totalSelf int64
	for i := range rows {
		totalSelf += rows[i].Size
	}
	// Each graph node is attributed exactly once.
	require.Equal(t, int64(7), totalSelf)
	require.Equal(t, int64(7), rows[0].CumulativeSize)
}

func TestFlamegraphCumulativeFoldLaw(t *testing.T) {
	tr := newTestTracker()
	tr.AddInternedType(1, 10, "A", 0, false)
	tr.AddInternedType(1, 11, "B", 0, false)
	tr.AddInternedType(1, 12, "C", 0, false)
	tr.AddInternedType(1, 13, "D", 0, false)
	tr.AddObject(1, testUpid, testTS, obj(1, 1, 10, 2, 3))
	tr.AddObject(1, testUpid, testTS, obj(2, 2, 11, 4))
	tr.AddObject(1, testUpid, testTS, obj(3, 4, 12, 5))
	tr.AddObject(1, testUpid, testTS, obj(4, 8, 13))
	tr.AddObject(1, testUpid, testTS, obj(5, 16, 13))
	tr.AddRoot(1, testUpid, testTS, SourceRoot{RootType: "global", ObjectIDs: []uint64{1}})
	tr.FinalizeProfile(1)

	rows := tr.BuildFlamegraph(testUpid, testTS)
	// Cumulative size at a node equals its self size plus the cumulative
	// sizes of its children.
	for i := range rows {
		sum := rows[i].Size
		for j := range rows {
			if rows[j].ParentID == int64(i) {
				sum += rows[j].CumulativeSize
			}
		}
		require.Equal(t, rows[i].CumulativeSize, sum, "row %d", i)
	}
}

func TestBuildFlamegraphUsesDeobfuscatedNames(t *testing.T) {
	tr := newTestTracker()
	tr.AddInternedLocationName(1, 3, "/data/app/com.example-1/base.apk")
	tr.AddInternedType(1, 10, "a", 3, true)
	tr.AddObject(1, testUpid, testTS, obj(1, 8, 10))
	tr.AddRoot(1, testUpid, testTS, SourceRoot{RootType: "global", ObjectIDs: []uint64{1}})
	tr.FinalizeProfile(1)
	tr.AddDeobfuscationMapping("com.example", "a", "com.example.Widget")

	rows := tr.BuildFlamegraph(testUpid, testTS)
	require.Len(t, rows, 1)
	require.Equal(t, "com.example.Widget", tr.Storage().Strings.Get(rows[0].Name))
}

func TestBuildFlamegraphDeepChainDoesNotRecurse(t *testing.T) {
	tr := newTestTracker()
	tr.AddInternedType(1, 10, "Link", 0, false)
	const depth = 50000
	for i := uint64(1); i <= depth; i++ {
		if i < depth {
			tr.AddObject(1, testUpid, testTS, obj(i, 1, 10, i+1))
		} else {
			tr.AddObject(1, testUpid, testTS, obj(i, 1, 10))
		}
	}
	tr.AddRoot(1, testUpid, testTS, SourceRoot{RootType: "global", ObjectIDs: []uint64{1}})
	tr.FinalizeProfile(1)

	rows := tr.BuildFlamegraph(testUpid, testTS)
	// Same type at every level, but each level hangs off a different
	// parent, so the result is a chain of Link nodes.
	require.Len(t, rows, depth)
	require.Equal(t, int64(depth), rows[0].CumulativeSize)
}

func TestToPprofTotalsMatch(t *testing.T) {
	tr := newTestTracker()
	tr.AddInternedType(1, 10, "A", 0, false)
	tr.AddInternedType(1, 11, "B", 0, false)
	tr.AddObject(1, testUpid, testTS, obj(1, 8, 10, 2))
	tr.AddObject(1, testUpid, testTS, obj(2, 16, 11))
	tr.AddRoot(1, testUpid, testTS, SourceRoot{RootType: "global", ObjectIDs: []uint64{1}})
	tr.FinalizeProfile(1)

	rows := tr.BuildFlamegraph(testUpid, testTS)
	prof := tr.ToPprof(rows)
	require.NoError(t, prof.CheckValid())

	var objects, space int64
	for _, sample := range prof.Sample {
		objects += sample.Value[0]
		space += sample.Value[1]
	}
	require.Equal(t, int64(2), objects)
	require.Equal(t, int64(24), space)

	// The leaf sample carries the full retention chain.
	require.Len(t, prof.Sample[1].Location, 2)
	require.Equal(t, "B", prof.Sample[1].Location[0].Line[0].Function.Name)
	require.Equal(t, "A", prof.Sample[1].Location[1].Line[0].Function.Name)
}
