package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var ctx = context.Background()

// Exercises the submit-dedup access pattern: SETNX the idempotency key
// with a TTL, read it back, and measure throughput under concurrency.
func main() {
	rdb := redis.NewClient(&redis.Options{
		Addr:     "localhost:6379",
		Password: "", // No password by default
		DB:       0,  // Use default DB
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis ping failed: %v", err)
	}

	const (
		totalOps        = 100_000
		workers         = 10
		opsPerGoroutine = totalOps / workers
		ttl             = 24 * time.Hour
	)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(workers)

	for w := 0; w < workers; w++ {
		go func(workerID int) {
			defer wg.Done()
			for i := 0; i < opsPerGoroutine; i++ {
				key := fmt.Sprintf("brokerd:submitted:%d:%d", workerID, i)
				venueOrderID := fmt.Sprintf("V-%d-%d", workerID, i)

				if err := rdb.SetNX(ctx, key, venueOrderID, ttl).Err(); err != nil {
					log.Printf("setnx failed: %v", err)
					continue
				}
				// second attempt must hit the cache, not win the SETNX
				if err := rdb.SetNX(ctx, key, "duplicate", ttl).Err(); err != nil {
					log.Printf("setnx failed: %v", err)
					continue
				}
				got, err := rdb.Get(ctx, key).Result()
				if err != nil {
					log.Printf("get failed: %v", err)
					continue
				}
				if got != venueOrderID {
					log.Fatalf("dedup lost: key %s holds %q", key, got)
				}
			}
		}(w)
	}

	wg.Wait()
	duration := time.Since(start)
	fmt.Printf("Executed %d dedup round-trips in %s (%.2f ops/sec)\n",
		totalOps, duration, float64(totalOps)/duration.Seconds())
}
