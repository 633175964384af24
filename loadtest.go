//go:build loadtest

package main

import (
	"bytes"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"mock-api-platform/internal/logger"

	"go.uber.org/zap"
)

// Run with: go run -tags loadtest loadtest.go -key mk_... -path /users/42
func main() {
	baseURL := flag.String("url", envOr("LOADTEST_URL", "http://localhost:8080/mock"), "mock surface base URL")
	apiKey := flag.String("key", os.Getenv("LOADTEST_API_KEY"), "API key sent as X-API-Key")
	path := flag.String("path", "/users/1", "mocked path to request")
	method := flag.String("method", http.MethodGet, "HTTP method")
	body := flag.String("body", "", "JSON request body")
	numRequests := flag.Int("n", 1000, "total requests")
	concurrentWorkers := flag.Int("c", 50, "concurrent workers")
	flag.Parse()

	log, err := logger.New(logger.Config{ServiceName: "mock-api-loadtest", Level: "warn", Format: "console"})
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build logger:", err)
		os.Exit(1)
	}
	if *apiKey == "" {
		log.Fatal("an API key is required (-key or LOADTEST_API_KEY)")
	}

	var successCount, errorCount, quotaCount int64
	var wg sync.WaitGroup
	var latMu sync.Mutex
	latencies := make([]time.Duration, 0, *numRequests)

	startTime := time.Now()
	jobs := make(chan int, *numRequests)

	target := *baseURL + *path
	// start workers
	for w := 0; w < *concurrentWorkers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			client := &http.Client{Timeout: 30 * time.Second}

			for range jobs {
				req, err := http.NewRequest(*method, target, bytes.NewReader([]byte(*body)))
				if err != nil {
					atomic.AddInt64(&errorCount, 1)
					continue
				}
				if *body != "" {
					req.Header.Set("Content-Type", "application/json")
				}
				req.Header.Set("X-API-Key", *apiKey)

				began := time.Now()
				resp, err := client.Do(req)
				if err != nil {
					log.Warn("request failed", zap.Int("worker", id), zap.Error(err))
					atomic.AddInt64(&errorCount, 1)
					continue
				}
				resp.Body.Close()
				elapsed := time.Since(began)

				latMu.Lock()
				latencies = append(latencies, elapsed)
				latMu.Unlock()

				switch {
				case resp.StatusCode == http.StatusTooManyRequests:
					atomic.AddInt64(&quotaCount, 1)
				case resp.StatusCode >= 200 && resp.StatusCode < 300:
					atomic.AddInt64(&successCount, 1)
				default:
					atomic.AddInt64(&errorCount, 1)
				}
			}
		}(w)
	}

	// send jobs
	for j := 0; j < *numRequests; j++ {
		jobs <- j
	}
	close(jobs)
	wg.Wait()

	duration := time.Since(startTime)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	fmt.Println("Load Test Results:")
	fmt.Println("==================")
	fmt.Printf("Target: %s %s\n", *method, target)
	fmt.Printf("Total Requests: %d\n", *numRequests)
	fmt.Printf("Successful: %d\n", successCount)
	fmt.Printf("Quota/Rate limited: %d\n", quotaCount)
	fmt.Printf("Failed: %d\n", errorCount)
	fmt.Printf("Duration: %v\n", duration)
	fmt.Printf("Requests/sec: %.2f\n", float64(*numRequests)/duration.Seconds())
	fmt.Printf("Success Rate: %.2f%%\n", float64(successCount)/float64(*numRequests)*100)
	if len(latencies) > 0 {
		fmt.Printf("Latency p50: %v\n", percentile(latencies, 0.50))
		fmt.Printf("Latency p95: %v\n", percentile(latencies, 0.95))
		fmt.Printf("Latency p99: %v\n", percentile(latencies, 0.99))
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
