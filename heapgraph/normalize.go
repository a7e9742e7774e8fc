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

import "strings"

const javaClassTemplate = "java.lang.Class<"

// NormalizedType is a class name with trailing "[]" pairs and any
// java.lang.Class<...> wrapper removed, plus flags recording what was
// stripped.
type NormalizedType struct {
	Name           string
	IsStaticClass  bool
	NumberOfArrays int
}

// GetStaticClassTypeName detects the synthetic java.lang.Class<X> type
// names the runtime emits for static class objects and returns the
// inner name.
func GetStaticClassTypeName(typ string) (string, bool) {
	if strings.HasPrefix(typ, javaClassTemplate) && strings.HasSuffix(typ, ">") {
		return typ[len(javaClassTemplate) : len(typ)-1], true
	}
	return "", false
}

// NumberOfArrays counts the trailing "[]" pairs of a type name.
func NumberOfArrays(typ string) int {
	arrays := 0
	for len(typ) >= 2*(arrays+1) && typ[len(typ)-2*(arrays+1):len(typ)-2*arrays] == "[]" {
		arrays++
	}
	return arrays
}

// GetNormalizedType strips the static-class wrapper and the array
// suffix, recording both.
func GetNormalizedType(typ string) NormalizedType {
	inner, isStatic := GetStaticClassTypeName(typ)
	if isStatic {
		typ = inner
	}
	arrays := NumberOfArrays(typ)
	return NormalizedType{
		Name:           typ[:len(typ)-arrays*2],
		IsStaticClass:  isStatic,
		NumberOfArrays: arrays,
	}
}

// NormalizeTypeName returns the base name of a type.
func NormalizeTypeName(typ string) string {
	return GetNormalizedType(typ).Name
}

// DenormalizeTypeName re-applies the array suffix and static-class
// wrapper of normalized onto name.
func DenormalizeTypeName(normalized NormalizedType, name string) string {
	var b strings.Builder
	b.Grow(len(javaClassTemplate) + len(name) + 2*normalized.NumberOfArrays + 1)
	if normalized.IsStaticClass {
		b.WriteString(javaClassTemplate)
	}
	b.WriteString(name)
	for i := 0; i < normalized.NumberOfArrays; i++ {
		b.WriteString("[]")
	}
	if normalized.IsStaticClass {
		b.WriteString(">")
	}
	return b.String()
}

// isFoldableType excludes array types and static-class synthetic types
// from superclass resolution and flamegraph folding.
func isFoldableType(n NormalizedType) bool {
	return !n.IsStaticClass && n.NumberOfArrays == 0
}
