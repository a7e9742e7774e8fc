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

// Package heapgraph reconstructs a heap reachability graph from a
// streamed sequence of interned types, objects, references, and roots,
// computes root distances and superclass chains, and folds retention
// into a flamegraph tree. One Tracker instance processes one trace,
// single-threaded; interleaved sequences on the wire are handled by
// keying all interning state by sequence id.
package heapgraph

import (
	"strings"

	"github.com/elastic/go-freelru"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"
)

const normalizeCacheSize = 4096

// SourceReference is one outbound edge of a streamed object. An owned
// object id of 0 marks an unset reference field.
type SourceReference struct {
	FieldNameIID  uint64
	OwnedObjectID uint64
}

// SourceObject is one AddObject frame.
type SourceObject struct {
	ObjectID   uint64
	SelfSize   uint64
	TypeID     uint64
	References []SourceReference
}

// SourceRoot is one AddRoot frame: a root-type tag plus the objects it
// pins.
type SourceRoot struct {
	RootType  string
	ObjectIDs []uint64
}

type internedType struct {
	name        StringID
	locationID  uint64
	hasLocation bool
}

// sequenceState is the per-streaming-sequence interning and buffering
// state, discarded at FinalizeProfile.
type sequenceState struct {
	upid      UniquePid
	ts        int64
	hasUpidTS bool

	internedLocationNames map[uint64]StringID
	internedTypes         map[uint64]*internedType
	objectIDToRow         map[uint64]ObjectID
	typeIDToRow           map[uint64]ClassID
	// reference rows waiting for their field name to be interned
	referencesForFieldNameID map[uint64][]int
	roots                    []SourceRoot

	prevIndex    uint64
	hasPrevIndex bool
}

type upidTS struct {
	upid UniquePid
	ts   int64
}

type classKey struct {
	pkg  StringID // NullStringID when the package is unknown
	name StringID // normalized
}

type classDescriptor struct {
	name     StringID
	location StringID
}

// Tracker ingests graph frames into a Storage and serves flamegraph
// queries over the finalized result.
type Tracker struct {
	storage   *Storage
	sequences map[uint32]*sequenceState

	roots       map[upidTS]map[ObjectID]struct{}
	rootOrder   map[upidTS][]ObjectID
	classToRows map[classKey][]ClassID
	deobfuscate map[classKey]StringID

	normCache *freelru.LRU[string, NormalizedType]
}

func NewTracker(storage *Storage) *Tracker {
	cache, err := freelru.New[string, NormalizedType](normalizeCacheSize, func(s string) uint32 {
		return uint32(xxh3.HashString(s))
	})
	if err != nil {
		// Only reachable with a broken capacity constant.
		log.WithError(err).Fatal("building type-name cache")
	}
	return &Tracker{
		storage:     storage,
		sequences:   make(map[uint32]*sequenceState),
		roots:       make(map[upidTS]map[ObjectID]struct{}),
		rootOrder:   make(map[upidTS][]ObjectID),
		classToRows: make(map[classKey][]ClassID),
		deobfuscate: make(map[classKey]StringID),
		normCache:   cache,
	}
}

// Storage exposes the tabular sink, primarily for report generation.
func (t *Tracker) Storage() *Storage {
	return t.storage
}

// normalizedType memoizes GetNormalizedType; type names repeat heavily
// across a dump.
func (t *Tracker) normalizedType(typ string) NormalizedType {
	if n, ok := t.normCache.Get(typ); ok {
		return n
	}
	n := GetNormalizedType(typ)
	t.normCache.Add(typ, n)
	return n
}

func (t *Tracker) sequence(seqID uint32) *sequenceState {
	seq, ok := t.sequences[seqID]
	if !ok {
		seq = &sequenceState{
			internedLocationNames:    make(map[uint64]StringID),
			internedTypes:            make(map[uint64]*internedType),
			objectIDToRow:            make(map[uint64]ObjectID),
			typeIDToRow:              make(map[uint64]ClassID),
			referencesForFieldNameID: make(map[uint64][]int),
		}
		t.sequences[seqID] = seq
	}
	return seq
}

// setPidAndTimestamp pins a sequence to its single (upid, ts). A frame
// for a different pair is dropped with a stat.
func (t *Tracker) setPidAndTimestamp(seq *sequenceState, upid UniquePid, ts int64) bool {
	if seq.hasUpidTS && (seq.upid != upid || seq.ts != ts) {
		t.storage.Stats.NonFinalizedGraphs++
		return false
	}
	seq.upid = upid
	seq.ts = ts
	seq.hasUpidTS = true
	return true
}

func (t *Tracker) getOrInsertObject(seq *sequenceState, objectID uint64) ObjectID {
	if id, ok := seq.objectIDToRow[objectID]; ok {
		return id
	}
	id := t.storage.insertObject(Object{
		Upid:           seq.upid,
		GraphSampleTS:  seq.ts,
		SelfSize:       -1,
		ReferenceSetID: noReferenceSet,
		TypeID:         noClass,
		RootDistance:   NoRootDistance,
	})
	seq.objectIDToRow[objectID] = id
	return id
}

func (t *Tracker) getOrInsertType(seq *sequenceState, typeID uint64) ClassID {
	if id, ok := seq.typeIDToRow[typeID]; ok {
		return id
	}
	id := t.storage.insertClass(Class{SuperclassID: noSuperclass})
	seq.typeIDToRow[typeID] = id
	return id
}

// AddInternedLocationName records one location-name interning entry.
func (t *Tracker) AddInternedLocationName(seqID uint32, iid uint64, str string) {
	seq := t.sequence(seqID)
	seq.internedLocationNames[iid] = t.storage.Strings.Intern(str)
}

// AddInternedType records one type interning entry. The location iid is
// resolved at finalization because location names arrive at the end of
// the dump.
func (t *Tracker) AddInternedType(seqID uint32, iid uint64, name string, locationIID uint64, hasLocation bool) {
	seq := t.sequence(seqID)
	seq.internedTypes[iid] = &internedType{
		name:        t.storage.Strings.Intern(name),
		locationID:  locationIID,
		hasLocation: hasLocation,
	}
}

// AddInternedFieldName records one field-name interning entry and
// resolves any references already waiting on it. The string optionally
// carries a space-separated declaring-type prefix.
func (t *Tracker) AddInternedFieldName(seqID uint32, iid uint64, str string) {
	seq := t.sequence(seqID)
	var typeName string
	if space := strings.IndexByte(str, ' '); space >= 0 {
		typeName = str[:space]
		str = str[space+1:]
	}
	fieldName := t.storage.Strings.Intern(str)
	fieldTypeName := t.storage.Strings.Intern(typeName)
	for _, row := range seq.referencesForFieldNameID[iid] {
		t.storage.References[row].FieldName = fieldName
		t.storage.References[row].FieldTypeName = fieldTypeName
	}
}

// AddObject ingests one object frame: upserts the object row, sets its
// size and type, and inserts one Reference row per set reference field.
// The rows of one owner are contiguous, and the owner's ReferenceSetID
// is the index of its first row.
func (t *Tracker) AddObject(seqID uint32, upid UniquePid, ts int64, obj SourceObject) {
	seq := t.sequence(seqID)
	if !t.setPidAndTimestamp(seq, upid, ts) {
		return
	}

	ownerID := t.getOrInsertObject(seq, obj.ObjectID)
	typeID := t.getOrInsertType(seq, obj.TypeID)

	owner := &t.storage.Objects[ownerID]
	owner.SelfSize = int64(obj.SelfSize)
	owner.TypeID = int64(typeID)

	referenceSetID := len(t.storage.References)
	anyReferences := false
	for _, ref := range obj.References {
		if ref.OwnedObjectID == 0 { // unset reference field
			continue
		}
		ownedID := t.getOrInsertObject(seq, ref.OwnedObjectID)
		row := len(t.storage.References)
		t.storage.References = append(t.storage.References, Reference{
			ReferenceSetID: uint32(referenceSetID),
			OwnerID:        ownerID,
			OwnedID:        ownedID,
		})
		seq.referencesForFieldNameID[ref.FieldNameIID] = append(seq.referencesForFieldNameID[ref.FieldNameIID], row)
		anyReferences = true
	}
	if anyReferences {
		t.storage.Objects[ownerID].ReferenceSetID = int64(referenceSetID)
	}
}

// AddRoot buffers a root for application at finalization, when all of
// its objects are known.
func (t *Tracker) AddRoot(seqID uint32, upid UniquePid, ts int64, root SourceRoot) {
	seq := t.sequence(seqID)
	if !t.setPidAndTimestamp(seq, upid, ts) {
		return
	}
	seq.roots = append(seq.roots, root)
}

// SetPacketIndex checks the streaming sequence for gaps. Sequences start
// at index 0; any discontinuity counts a dropped packet.
func (t *Tracker) SetPacketIndex(seqID uint32, index uint64) {
	seq := t.sequence(seqID)
	dropped := false
	if !seq.hasPrevIndex && index != 0 {
		dropped = true
		log.Errorf("invalid first packet index %d (!= 0)", index)
	}
	if seq.hasPrevIndex && seq.prevIndex+1 != index {
		dropped = true
		log.Errorf("missing packets between %d and %d", seq.prevIndex, index)
	}
	if dropped {
		t.storage.Stats.MissingPackets++
	}
	seq.prevIndex = index
	seq.hasPrevIndex = true
}

// FinalizeProfile materializes everything the sequence buffered: class
// rows with resolved locations and package attribution, root marking
// with distance BFS, and superclass resolution. The sequence state is
// discarded.
func (t *Tracker) FinalizeProfile(seqID uint32) {
	seq := t.sequence(seqID)

	// Location names get written at the end of the dump, so classes can
	// only be completed now.
	for iid, it := range seq.internedTypes {
		location := NullStringID
		if it.hasLocation {
			strid, ok := seq.internedLocationNames[it.locationID]
			if !ok {
				t.storage.Stats.InvalidStringIDs++
			} else {
				location = strid
			}
		}
		typeID := t.getOrInsertType(seq, iid)
		class := &t.storage.Classes[typeID]
		class.Name = it.name
		if location != NullStringID {
			class.Location = location
		}

		normalizedName := NormalizeTypeName(t.storage.Strings.Get(it.name))

		// Some apps carry a relative base.apk location; that means the
		// main package, so treat it as if the location was unknown.
		isBaseAPK := location != NullStringID &&
			strings.HasPrefix(t.storage.Strings.Get(location), "base.apk")

		key := classKey{name: t.storage.Strings.Intern(normalizedName)}
		if location != NullStringID && !isBaseAPK {
			pkg, ok := t.packageFromLocation(t.storage.Strings.Get(location))
			if !ok {
				continue
			}
			key.pkg = t.storage.Strings.Intern(pkg)
		}
		t.classToRows[key] = append(t.classToRows[key], typeID)
	}

	for _, root := range seq.roots {
		rootType := t.storage.Strings.Intern(root.RootType)
		for _, objID := range root.ObjectIDs {
			id, ok := seq.objectIDToRow[objID]
			if !ok {
				// Only possible after an invalid type string id, which
				// was already reported. Silently continue.
				continue
			}
			key := upidTS{seq.upid, seq.ts}
			set, ok := t.roots[key]
			if !ok {
				set = make(map[ObjectID]struct{})
				t.roots[key] = set
			}
			if _, dup := set[id]; dup {
				continue
			}
			set[id] = struct{}{}
			t.rootOrder[key] = append(t.rootOrder[key], id)
			t.markRoot(id, rootType)
		}
	}

	t.populateSuperClasses(seq)
	delete(t.sequences, seqID)
}

// NotifyEndOfFile finalizes any sequence the trace truncated before its
// FinalizeProfile frame. There might still be valuable data even though
// the trace is incomplete.
func (t *Tracker) NotifyEndOfFile() {
	if len(t.sequences) == 0 {
		return
	}
	t.storage.Stats.NonFinalizedGraphs++
	for seqID := range t.sequences {
		t.FinalizeProfile(seqID)
	}
}

// markRoot stamps the root's type tag and runs a BFS assigning shortest
// root distances. First writer wins at any given distance; revisits at
// an equal distance are no-ops. The queue lives on the heap because
// real retention chains reach depths no goroutine stack should carry.
func (t *Tracker) markRoot(id ObjectID, rootType StringID) {
	t.storage.Objects[id].RootType = rootType

	type queued struct {
		distance int32
		node     ObjectID
	}
	queue := []queued{{0, id}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		obj := &t.storage.Objects[cur.node]
		if obj.RootDistance != NoRootDistance && obj.RootDistance <= cur.distance {
			continue
		}
		obj.Reachable = true
		obj.RootDistance = cur.distance

		for _, child := range t.storage.children(cur.node) {
			childDistance := t.storage.Objects[child].RootDistance
			if childDistance == NoRootDistance || childDistance > cur.distance+1 {
				queue = append(queue, queued{cur.distance + 1, child})
			}
		}
	}
}

// getReferredObj resolves one outbound reference of a reference set by
// field name, walking the contiguous block.
func (t *Tracker) getReferredObj(refSetID int64, fieldName StringID) (ObjectID, bool) {
	for row := refSetID; row < int64(len(t.storage.References)); row++ {
		ref := &t.storage.References[row]
		if int64(ref.ReferenceSetID) != refSetID {
			break
		}
		if ref.FieldName == fieldName {
			return ref.OwnedID, true
		}
	}
	return 0, false
}

// buildSuperclassMap scans the static-class objects of this sequence's
// (upid, ts) and reads their java.lang.Class.superClass reference,
// producing a normalized-descriptor to normalized-descriptor map.
func (t *Tracker) buildSuperclassMap(upid UniquePid, ts int64) map[classDescriptor]classDescriptor {
	superclassMap := make(map[classDescriptor]classDescriptor)
	superClassField := t.storage.Strings.Intern("java.lang.Class.superClass")

	for i := range t.storage.Objects {
		obj := &t.storage.Objects[i]
		if obj.Upid != upid || obj.GraphSampleTS != ts || obj.TypeID == noClass {
			continue
		}
		class := &t.storage.Classes[obj.TypeID]
		normalized := t.normalizedType(t.storage.Strings.Get(class.Name))
		// superClass pointers live on the static class objects; arrays
		// are generated objects and carry none.
		if !normalized.IsStaticClass || normalized.NumberOfArrays > 0 {
			continue
		}
		if obj.ReferenceSetID == noReferenceSet {
			continue
		}
		superObj, ok := t.getReferredObj(obj.ReferenceSetID, superClassField)
		if !ok {
			// Expected missing for Object and primitive types.
			continue
		}
		if t.storage.Objects[superObj].TypeID == noClass {
			continue
		}
		superClass := &t.storage.Classes[t.storage.Objects[superObj].TypeID]
		superName := NormalizeTypeName(t.storage.Strings.Get(superClass.Name))
		superclassMap[classDescriptor{
			name:     t.storage.Strings.Intern(normalized.Name),
			location: class.Location,
		}] = classDescriptor{
			name:     t.storage.Strings.Intern(superName),
			location: superClass.Location,
		}
	}
	return superclassMap
}

// populateSuperClasses annotates every ordinary class row with its
// superclass id. All rows are visited even though the map came from one
// sequence; rows without an identifiable superclass are skipped.
func (t *Tracker) populateSuperClasses(seq *sequenceState) {
	superclassMap := t.buildSuperclassMap(seq.upid, seq.ts)

	classToID := make(map[classDescriptor]ClassID, len(t.storage.Classes))
	for i := range t.storage.Classes {
		classToID[classDescriptor{
			name:     t.storage.Classes[i].Name,
			location: t.storage.Classes[i].Location,
		}] = ClassID(i)
	}

	for i := range t.storage.Classes {
		class := &t.storage.Classes[i]
		normalized := t.normalizedType(t.storage.Strings.Get(class.Name))
		if !isFoldableType(normalized) {
			continue
		}
		superDescriptor, ok := superclassMap[classDescriptor{
			name:     t.storage.Strings.Intern(normalized.Name),
			location: class.Location,
		}]
		if !ok {
			continue
		}
		superID, ok := classToID[superDescriptor]
		if !ok {
			// Classes without live instances may never have been
			// interned on old producers.
			continue
		}
		class.SuperclassID = int64(superID)
	}
}

// AddDeobfuscationMapping registers a (package, obfuscated) to
// deobfuscated class-name mapping and applies it to every known class
// row it matches, preserving each row's array and static-class shape.
func (t *Tracker) AddDeobfuscationMapping(packageName, obfuscated, deobfuscated string) {
	key := classKey{name: t.storage.Strings.Intern(NormalizeTypeName(obfuscated))}
	if packageName != "" {
		key.pkg = t.storage.Strings.Intern(packageName)
	}
	t.deobfuscate[key] = t.storage.Strings.Intern(deobfuscated)

	for _, classID := range t.classToRows[key] {
		class := &t.storage.Classes[classID]
		normalized := t.normalizedType(t.storage.Strings.Get(class.Name))
		class.DeobfuscatedName = t.storage.Strings.Intern(
			DenormalizeTypeName(normalized, deobfuscated))
	}
}

// MaybeDeobfuscate translates a type name through the deobfuscation
// mapping, re-applying the original's array suffix and static-class
// wrapper. Returns id unchanged if no mapping exists.
func (t *Tracker) MaybeDeobfuscate(packageName string, id StringID) StringID {
	normalized := t.normalizedType(t.storage.Strings.Get(id))
	key := classKey{name: t.storage.Strings.Intern(normalized.Name)}
	if packageName != "" {
		key.pkg = t.storage.Strings.Intern(packageName)
	}
	deobfuscated, ok := t.deobfuscate[key]
	if !ok {
		return id
	}
	return t.storage.Strings.Intern(
		DenormalizeTypeName(normalized, t.storage.Strings.Get(deobfuscated)))
}
