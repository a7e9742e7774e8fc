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
	"github.com/google/pprof/profile"
)

// ToPprof converts flamegraph rows into a pprof profile. Each row with a
// nonzero self size or self count becomes one sample whose "stack" is the
// retention chain from
// the row up to its top-level ancestor, leaf first, so standard pprof
// tooling renders the same tree the flamegraph rows describe.
func (t *Tracker) ToPprof(rows []FlamegraphRow) *profile.Profile {
	prof := &profile.Profile{
		DefaultSampleType: "inuse_space",
		SampleType: []*profile.ValueType{
			{Type: "inuse_objects", Unit: "count"},
			{Type: "inuse_space", Unit: "bytes"},
		},
		PeriodType: &profile.ValueType{Type: "space", Unit: "bytes"},
		Period:     1,
	}

	locations := make(map[StringID]*profile.Location)
	nextID := uint64(1)
	locationFor := func(name StringID) *profile.Location {
		if loc, ok := locations[name]; ok {
			return loc
		}
		fn := &profile.Function{
			ID:         nextID,
			Name:       t.storage.Strings.Get(name),
			SystemName: t.storage.Strings.Get(name),
		}
		loc := &profile.Location{
			ID:   nextID,
			Line: []profile.Line{{Function: fn}},
		}
		nextID++
		locations[name] = loc
		prof.Function = append(prof.Function, fn)
		prof.Location = append(prof.Location, loc)
		return loc
	}

	for i := range rows {
		row := &rows[i]
		if row.Size == 0 && row.Count == 0 {
			continue
		}
		var stack []*profile.Location
		for at := int64(i); at != -1; at = rows[at].ParentID {
			stack = append(stack, locationFor(rows[at].Name))
		}
		prof.Sample = append(prof.Sample, &profile.Sample{
			Location: stack,
			Value:    []int64{row.Count, row.Size},
		})
	}
	return prof
}
