// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package plane

import (
	"runtime"
)

// Number of work packages per thread. More packages than threads even out uneven batch runtimes
const batchesPerThread = 8

// Returns the given thread count, or all available CPUs if threads<=0
func Threads(threads int) int {
	if threads <= 0 {
		return runtime.GOMAXPROCS(0)
	}
	return threads
}

// Calls fn on consecutive sub-ranges of [0,n), with at most threads calls running
// concurrently. Returns once all calls are done. Runs inline for a single thread
func ParallelFor(n, threads int, fn func(lower, upper int)) {
	if n <= 0 {
		return
	}
	threads = Threads(threads)
	if threads == 1 || n == 1 {
		fn(0, n)
		return
	}

	// split into batchesPerThread*threads work packages, limit parallelism to threads
	numBatches := batchesPerThread * threads
	batchSize := (n + numBatches - 1) / numBatches
	sem := make(chan bool, threads)
	for lower := 0; lower < n; lower += batchSize {
		upper := lower + batchSize
		if upper > n {
			upper = n
		}

		sem <- true
		go func(lower, upper int) {
			fn(lower, upper)
			<-sem
		}(lower, upper)
	}

	for i := 0; i < cap(sem); i++ { // wait for goroutines to finish
		sem <- true
	}
}
