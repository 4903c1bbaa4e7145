package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	replayPct   float64
)

// Counters
var (
	totalRequests uint64
	success201    uint64 // created
	success200    uint64 // idempotent replays
	fail409       uint64 // conflicts
	fail422       uint64 // insufficient funds
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.Float64Var(&replayPct, "replay", 0.1, "Fraction of requests that reuse a previous idempotency key")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s | Replay: %.0f%%",
		workload, concurrency, duration, replayPct*100)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, i)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, id int) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	var lastKey string
	start := time.Now()
	for time.Since(start) < duration {
		userID := pickUser()
		debit := rand.Float32() < 0.5

		key := fmt.Sprintf("bench-%d-%d", id, time.Now().UnixNano())
		if lastKey != "" && rand.Float64() < replayPct {
			key = lastKey
		}
		lastKey = key

		endpoint := "/api/v1/credits"
		payload := map[string]interface{}{
			"user_id": userID,
			"amount":  "5.00",
			"reason":  "benchmark grant",
		}
		if debit {
			endpoint = "/api/v1/debits"
			payload = map[string]interface{}{
				"user_id": userID,
				"amount":  "5.00",
				"purpose": "benchmark spend",
			}
		}
		body, _ := json.Marshal(payload)

		req, _ := http.NewRequest("POST", targetURL+endpoint, bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", key)
		req.Header.Set("X-Actor-Role", "system")

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case 201:
			atomic.AddUint64(&success201, 1)
		case 200:
			atomic.AddUint64(&success200, 1)
		case 409:
			atomic.AddUint64(&fail409, 1)
		case 422:
			atomic.AddUint64(&fail422, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func pickUser() string {
	// Assumes 1000 users seeded (user-0000 .. user-0999)
	totalUsers := 1000

	if workload == "hotspot" {
		// Hotspot: 90% of traffic targets two users to stress the row lock
		if rand.Float32() < 0.90 {
			return fmt.Sprintf("user-%04d", rand.Intn(2))
		}
	}
	return fmt.Sprintf("user-%04d", rand.Intn(totalUsers))
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	s201 := atomic.LoadUint64(&success201)
	s200 := atomic.LoadUint64(&success200)
	f409 := atomic.LoadUint64(&fail409)
	f422 := atomic.LoadUint64(&fail422)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()

	results := map[string]interface{}{
		"workload":           workload,
		"duration_sec":       d.Seconds(),
		"total_requests":     total,
		"throughput_tps":     tps,
		"success_created":    s201,
		"success_replayed":   s200,
		"conflicts":          f409,
		"insufficient_funds": f422,
		"failures_other":     fErr,
	}

	out, _ := json.MarshalIndent(results, "", "  ")
	fmt.Println(string(out))
	os.Exit(0)
}
