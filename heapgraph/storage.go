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

import "sort"

// StringID indexes the storage string pool. 0 is the null string.
type StringID uint32

// NullStringID is the id of the absent string.
const NullStringID StringID = 0

// StringPool interns strings to dense ids. One pool backs all tables of
// a Storage.
type StringPool struct {
	strs []string
	ids  map[string]StringID
}

func NewStringPool() *StringPool {
	return &StringPool{
		strs: []string{""},
		ids:  map[string]StringID{"": NullStringID},
	}
}

// Intern returns the id for s, allocating one on first sight.
func (p *StringPool) Intern(s string) StringID {
	if id, ok := p.ids[s]; ok {
		return id
	}
	id := StringID(len(p.strs))
	p.strs = append(p.strs, s)
	p.ids[s] = id
	return id
}

// Get resolves an id back to its string. Unknown ids resolve to "".
func (p *StringPool) Get(id StringID) string {
	if int(id) >= len(p.strs) {
		return ""
	}
	return p.strs[id]
}

type (
	// ObjectID is a row index into Storage.Objects.
	ObjectID uint32
	// ClassID is a row index into Storage.Classes.
	ClassID uint32
	// UniquePid identifies a process uniquely within a trace.
	UniquePid uint32
)

const (
	noReferenceSet = -1
	noSuperclass   = -1
	noClass        = -1
	// NoRootDistance marks an object no BFS has reached.
	NoRootDistance = -1
)

// Object is one heap object row. Created on first reference by id and
// filled in when its AddObject frame arrives; until then SelfSize and
// TypeID hold their sentinels.
type Object struct {
	Upid           UniquePid
	GraphSampleTS  int64
	SelfSize       int64
	ReferenceSetID int64    // row index of the first outbound Reference, or noReferenceSet
	Reachable      bool
	TypeID         int64    // ClassID, or noClass before the AddObject frame arrives
	RootType       StringID // 0 when the object is not a root
	RootDistance   int32    // NoRootDistance until reached
}

// Class is one type row. Created on first reference and filled in at
// FinalizeProfile.
type Class struct {
	Name             StringID
	Location         StringID
	SuperclassID     int64 // ClassID or noSuperclass
	DeobfuscatedName StringID
}

// Reference is one edge row. All references with the same
// ReferenceSetID belong to the same owner and are contiguous in
// insertion order.
type Reference struct {
	ReferenceSetID uint32
	OwnerID        ObjectID
	OwnedID        ObjectID
	FieldName      StringID
	FieldTypeName  StringID
}

// FlamegraphRow is one emitted node of a folded retention tree.
type FlamegraphRow struct {
	TS              int64
	Upid            UniquePid
	ProfileType     StringID // always "graph"
	Depth           uint32
	Name            StringID
	MapName         StringID // always "JAVA"
	Count           int64
	CumulativeCount int64
	Size            int64
	CumulativeSize  int64
	ParentID        int64 // row index of the parent, or -1 for top-level rows
}

// Stats are the tracker's drop and anomaly counters. The tracker only
// ever increments; a dropped frame is never an ingest error.
type Stats struct {
	NonFinalizedGraphs  int64
	MissingPackets      int64
	InvalidStringIDs    int64
	LocationParseErrors int64
}

// Storage is the tabular sink of the reconstruction: interned strings
// and typed rows, with the row index serving as the id.
type Storage struct {
	Strings    *StringPool
	Objects    []Object
	Classes    []Class
	References []Reference
	Stats      Stats
}

func NewStorage() *Storage {
	return &Storage{Strings: NewStringPool()}
}

func (s *Storage) insertObject(o Object) ObjectID {
	s.Objects = append(s.Objects, o)
	return ObjectID(len(s.Objects) - 1)
}

func (s *Storage) insertClass(c Class) ClassID {
	s.Classes = append(s.Classes, c)
	return ClassID(len(s.Classes) - 1)
}

// children returns the sorted, deduplicated set of objects directly
// referenced by id, walking the reference table from the owner's
// reference set id until the set id changes. This relies on the
// contiguity invariant of ReferenceSetID.
func (s *Storage) children(id ObjectID) []ObjectID {
	refSet := s.Objects[id].ReferenceSetID
	if refSet == noReferenceSet {
		return nil
	}
	seen := make(map[ObjectID]struct{})
	var out []ObjectID
	for row := refSet; row < int64(len(s.References)); row++ {
		ref := &s.References[row]
		if int64(ref.ReferenceSetID) != refSet {
			break
		}
		if _, ok := seen[ref.OwnedID]; ok {
			continue
		}
		seen[ref.OwnedID] = struct{}{}
		out = append(out, ref.OwnedID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
