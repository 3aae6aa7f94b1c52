//go:build load
// +build load

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Whoisraeen/raeen-core/internal/kernel"
	"github.com/Whoisraeen/raeen-core/internal/kernel/defs"
	"github.com/Whoisraeen/raeen-core/internal/kernel/sched"
	"github.com/Whoisraeen/raeen-core/internal/kernel/syscall"
	"github.com/Whoisraeen/raeen-core/internal/logging"
)

var (
	cores    = flag.Int("cores", 4, "Modeled core count")
	requests = flag.Int("requests", 1000, "Total number of process lifecycles")
	workers  = flag.Int("workers", 10, "Number of concurrent parents")
)

type result struct {
	duration time.Duration
	err      error
}

// parent is a spawned process driving lifecycles on behalf of one worker.
// A thread has at most one trap in flight, so each worker gets its own.
type parent struct {
	pid    defs.PID
	thread *sched.TCB
}

func main() {
	flag.Parse()

	log.Printf("Starting process lifecycle load test")
	log.Printf("Cores: %d", *cores)
	log.Printf("Requests: %d", *requests)
	log.Printf("Workers: %d", *workers)

	// Boot the kernel in-process
	k, err := kernel.New(kernel.Config{Cores: *cores}, nil, logging.NewNop(), nil)
	if err != nil {
		log.Fatalf("Failed to assemble kernel: %v", err)
	}
	if err := k.Start(); err != nil {
		log.Fatalf("Failed to boot: %v", err)
	}
	defer k.Stop()

	parents, err := spawnParents(k, *workers)
	if err != nil {
		log.Fatalf("Failed to spawn parents: %v", err)
	}

	// Run load test
	results := runLoadTest(k, parents, *requests)

	// Analyze results
	analyzeResults(results)

	stats := k.Procs.Stats()
	log.Printf("Kernel saw %d spawns, %d reaps, %d live", stats.Spawns, stats.Reaps, stats.Live)
}

// spawnParents has init fork one parent per worker. Init issues these
// sequentially; the parents trap concurrently afterwards.
func spawnParents(k *kernel.Kernel, workers int) ([]parent, error) {
	initTCB, ok := k.Sched.Lookup(k.InitTID())
	if !ok {
		return nil, fmt.Errorf("init thread missing")
	}

	parents := make([]parent, 0, workers)
	for w := 0; w < workers; w++ {
		res := k.Syscalls.Dispatch(context.Background(), initTCB, syscall.Call{
			Number: syscall.ProcessSpawn,
			Name:   fmt.Sprintf("loadgen_%d", w),
		})
		if res.Errno != defs.EOK {
			return nil, fmt.Errorf("spawn loadgen_%d: %w", w, res.Err())
		}
		tcb, ok := k.Sched.Lookup(defs.TID(res.Aux))
		if !ok {
			return nil, fmt.Errorf("loadgen_%d thread missing", w)
		}
		parents = append(parents, parent{pid: defs.PID(res.Value), thread: tcb})
	}
	return parents, nil
}

func runLoadTest(k *kernel.Kernel, parents []parent, totalRequests int) []result {
	results := make([]result, 0, totalRequests)
	var mu sync.Mutex

	var completed atomic.Int32
	start := time.Now()

	var wg sync.WaitGroup
	requestsChan := make(chan int, totalRequests)

	// Populate requests channel
	for i := 0; i < totalRequests; i++ {
		requestsChan <- i
	}
	close(requestsChan)

	// Start workers
	for w := range parents {
		wg.Add(1)
		go func(p parent) {
			defer wg.Done()

			for range requestsChan {
				res := executeLifecycle(k, p)

				mu.Lock()
				results = append(results, res)
				mu.Unlock()

				count := completed.Add(1)
				if count%100 == 0 {
					elapsed := time.Since(start)
					rps := float64(count) / elapsed.Seconds()
					log.Printf("Progress: %d/%d lifecycles (%.2f req/sec)",
						count, totalRequests, rps)
				}
			}
		}(parents[w])
	}

	wg.Wait()

	return results
}

// executeLifecycle runs one spawn, exit, wait round trip and times it.
func executeLifecycle(k *kernel.Kernel, p parent) result {
	ctx := context.Background()
	start := time.Now()

	res := k.Syscalls.Dispatch(ctx, p.thread, syscall.Call{
		Number: syscall.ProcessSpawn,
		Name:   "load_child",
	})
	if res.Errno != defs.EOK {
		return result{duration: time.Since(start), err: res.Err()}
	}
	childPID := res.Value

	childTCB, ok := k.Sched.Lookup(defs.TID(res.Aux))
	if !ok {
		return result{duration: time.Since(start), err: fmt.Errorf("child thread missing")}
	}
	if res := k.Syscalls.Dispatch(ctx, childTCB, syscall.Call{Number: syscall.ProcessExit}); res.Errno != defs.EOK {
		return result{duration: time.Since(start), err: res.Err()}
	}

	res = k.Syscalls.Dispatch(ctx, p.thread, syscall.Call{
		Number: syscall.ProcessWait,
		Args:   [6]uint64{childPID, uint64(int64(5 * time.Second))},
	})

	return result{
		duration: time.Since(start),
		err:      res.Err(),
	}
}

func analyzeResults(results []result) {
	if len(results) == 0 {
		log.Println("No results to analyze")
		return
	}

	var (
		totalDuration time.Duration
		successCount  int
		errorCount    int
		durations     []time.Duration
	)

	for _, r := range results {
		totalDuration += r.duration
		if r.err == nil {
			successCount++
		} else {
			errorCount++
		}
		durations = append(durations, r.duration)
	}

	// Sort durations for percentile calculation
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	total := len(results)
	avgDuration := totalDuration / time.Duration(total)
	p50 := durations[total*50/100]
	p95 := durations[total*95/100]
	p99 := durations[total*99/100]
	maxDuration := durations[total-1]

	fmt.Println("\n========================================")
	fmt.Println("Load Test Results")
	fmt.Println("========================================")
	fmt.Printf("Total Lifecycles:  %d\n", total)
	fmt.Printf("Successful:        %d (%.2f%%)\n", successCount, float64(successCount)/float64(total)*100)
	fmt.Printf("Failed:            %d (%.2f%%)\n", errorCount, float64(errorCount)/float64(total)*100)
	fmt.Println("----------------------------------------")
	fmt.Printf("Average Latency:   %v\n", avgDuration)
	fmt.Printf("P50 Latency:       %v\n", p50)
	fmt.Printf("P95 Latency:       %v\n", p95)
	fmt.Printf("P99 Latency:       %v\n", p99)
	fmt.Printf("Max Latency:       %v\n", maxDuration)
	fmt.Println("========================================")
}
