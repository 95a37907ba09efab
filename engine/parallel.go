package engine

import (
	"runtime"
	"sync"
)

// DefaultWorkers is the per-image parallelism used by convolution layers
var DefaultWorkers = runtime.GOMAXPROCS(0)

// parallelFor runs fn for i in [0,n) on up to workers goroutines. Items are
// assigned round-robin, so worker w always sees the same indices for a given n.
func parallelFor(n, workers int, fn func(worker, i int)) {
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		for i := 0; i < n; i++ {
			fn(0, i)
		}
		return
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := w; i < n; i += workers {
				fn(w, i)
			}
		}(w)
	}
	wg.Wait()
}

func grow(buf []float32, n int) []float32 {
	if cap(buf) < n {
		return make([]float32, n)
	}
	return buf[:n]
}
