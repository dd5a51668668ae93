package tensor

import (
	"runtime"
	"sync"
)

// DefaultWorkers is the worker count used when an operation is given zero.
var DefaultWorkers = runtime.NumCPU()

// ForEach runs body for every index in [0, length) with at most limit
// goroutines in flight. It returns once all iterations finish.
func ForEach(length, limit int, body func(i int)) {
	if limit <= 0 {
		limit = DefaultWorkers
	}
	if length <= 0 {
		return
	}
	if limit == 1 || length == 1 {
		for i := 0; i < length; i++ {
			body(i)
		}
		return
	}

	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	wg.Add(length)

	for i := 0; i < length; i++ {
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			body(i)
		}(i)
	}

	wg.Wait()
}
