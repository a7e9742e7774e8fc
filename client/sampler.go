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

package client

import "math/rand/v2"

// Sampler implements Poisson sampling over the stream of allocation
// bytes of one heap. Sample points follow an exponential schedule with
// mean interval S; an allocation is attributed S bytes for every sample
// point it crosses, which keeps the expected attributed total equal to
// the true allocated total.
//
// Sampler is not synchronized. All calls must happen while holding the
// client spinlock, which serializes decisions globally so that sampled
// byte totals are deterministic given the sequence of calls.
type Sampler struct {
	samplingInterval     uint64
	samplingRate         float64
	intervalToNextSample int64
	rng                  *rand.Rand
}

// NewSampler returns a sampler with the given interval in bytes. A zero
// interval degenerates to sampling every byte.
func NewSampler(samplingInterval uint64, rng *rand.Rand) *Sampler {
	if samplingInterval == 0 {
		samplingInterval = 1
	}
	s := &Sampler{
		samplingInterval: samplingInterval,
		samplingRate:     1.0 / float64(samplingInterval),
		rng:              rng,
	}
	s.intervalToNextSample = s.nextSampleInterval()
	return s
}

func (s *Sampler) nextSampleInterval() int64 {
	next := int64(s.rng.ExpFloat64() / s.samplingRate)
	// The +1 corrects the distribution over discrete byte positions and
	// keeps a zero draw from stalling the schedule.
	return next + 1
}

func (s *Sampler) numberOfSamples(allocSize uint64) uint64 {
	s.intervalToNextSample -= int64(allocSize)
	num := uint64(0)
	for s.intervalToNextSample <= 0 {
		s.intervalToNextSample += s.nextSampleInterval()
		num++
	}
	return num
}

// SampleSize returns the number of bytes to attribute to this allocation,
// or 0 if it is not sampled. Allocations at or above the interval are
// recorded with their exact size.
func (s *Sampler) SampleSize(allocSize uint64) uint64 {
	if allocSize >= s.samplingInterval {
		return allocSize
	}
	return s.samplingInterval * s.numberOfSamples(allocSize)
}
