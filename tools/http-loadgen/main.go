// http-loadgen is a tiny, dependency-free HTTP load generator for the log
// ingestion API. It reuses HTTP connections (keep-alive) and supports
// concurrency so demo scripts run fast on Windows (Git Bash), Ubuntu (WSL),
// and macOS without relying on external tools.
//
// Modes:
//   - single: POST one entry per request to /api/v1/logs
//   - batch:  POST batch_size entries per request to /api/v1/logs/batch
//
// Usage examples:
//
//	http-loadgen -base=http://127.0.0.1:8080 -mode=single -app=svc-a -n=5000 -c=16
//	http-loadgen -base=http://127.0.0.1:8080 -mode=batch -batch_size=100 -n=500 -c=8
//
// Notes:
//   - -n counts requests, so batch mode sends n*batch_size entries.
//   - Prints a one-line summary with duration and approximate throughput.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type modeType string

const (
	modeSingle modeType = "single"
	modeBatch  modeType = "batch"
)

type logPayload struct {
	AppID    string         `json:"app_id"`
	Level    string         `json:"level"`
	Message  string         `json:"message"`
	Source   string         `json:"source"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

var levels = []string{"debug", "info", "warn", "error"}

func main() {
	var (
		base      = flag.String("base", "http://127.0.0.1:8080", "Base URL including scheme and host, e.g. http://127.0.0.1:8080")
		modeS     = flag.String("mode", string(modeSingle), "Mode: single|batch")
		app       = flag.String("app", "loadgen", "app_id to stamp on generated entries")
		source    = flag.String("source", "http-loadgen", "source to stamp on generated entries")
		token     = flag.String("token", "", "Bearer token for authenticated deployments (optional)")
		batchSize = flag.Int("batch_size", 100, "Entries per request in batch mode")
		N         = flag.Int("n", 5000, "Total requests to send")
		conc      = flag.Int("c", 8, "Number of concurrent workers")
		// Timeouts & transport tuning
		timeout    = flag.Duration("timeout", 60*time.Second, "Overall timeout for the loadgen run")
		connIdle   = flag.Duration("idle_timeout", 30*time.Second, "HTTP idle connection timeout")
		maxIdle    = flag.Int("max_idle", 256, "Max idle connections total")
		maxIdlePer = flag.Int("max_idle_per_host", 256, "Max idle connections per host")
	)
	flag.Parse()

	m := modeType(strings.ToLower(*modeS))
	if m != modeSingle && m != modeBatch {
		fmt.Fprintf(os.Stderr, "unknown -mode=%s (want single|batch)\n", *modeS)
		os.Exit(2)
	}
	if *N <= 0 || *conc <= 0 {
		fmt.Fprintln(os.Stderr, "-n and -c must be > 0")
		os.Exit(2)
	}
	if m == modeBatch && *batchSize <= 0 {
		fmt.Fprintln(os.Stderr, "-batch_size must be > 0 in batch mode")
		os.Exit(2)
	}

	baseURL := strings.TrimRight(*base, "/")
	endpoint := baseURL + "/api/v1/logs"
	if m == modeBatch {
		endpoint = baseURL + "/api/v1/logs/batch"
	}

	// Configure HTTP client with connection reuse
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        *maxIdle,
		MaxIdleConnsPerHost: *maxIdlePer,
		IdleConnTimeout:     *connIdle,
	}
	client := &http.Client{Transport: tr, Timeout: 15 * time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	start := time.Now()
	var accepted, failed int64

	makePayload := func(seq int) logPayload {
		return logPayload{
			AppID:   *app,
			Level:   levels[seq%len(levels)],
			Message: fmt.Sprintf("synthetic log entry %d", seq),
			Source:  *source,
			Metadata: map[string]any{
				"seq": seq,
			},
		}
	}

	worker := func(id, count int) {
		for i := 0; i < count; i++ {
			select {
			case <-ctx.Done():
				return
			default:
			}
			seq := id*count + i
			var body []byte
			if m == modeSingle {
				body, _ = json.Marshal(makePayload(seq))
			} else {
				batch := make([]logPayload, *batchSize)
				for j := range batch {
					batch[j] = makePayload(seq**batchSize + j)
				}
				body, _ = json.Marshal(batch)
			}
			req, _ := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			if *token != "" {
				req.Header.Set("Authorization", "Bearer "+*token)
			}
			resp, err := client.Do(req)
			if err == nil {
				// Drain and close body to enable connection reuse
				_, _ = io.Copy(io.Discard, resp.Body)
				_ = resp.Body.Close()
				if resp.StatusCode == http.StatusAccepted {
					atomic.AddInt64(&accepted, 1)
				} else {
					atomic.AddInt64(&failed, 1)
				}
			} else {
				atomic.AddInt64(&failed, 1)
				// Brief backoff on errors to avoid hot spinning
				time.Sleep(200 * time.Microsecond)
			}
		}
	}

	// Split N across conc workers
	per := *N / *conc
	rem := *N - per**conc
	var wg sync.WaitGroup
	wg.Add(*conc)
	for w := 0; w < *conc; w++ {
		count := per
		if w == *conc-1 {
			count += rem
		}
		go func(id, n int) {
			defer wg.Done()
			worker(id, n)
		}(w, count)
	}
	wg.Wait()
	elapsed := time.Since(start)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	entries := int64(*N)
	if m == modeBatch {
		entries *= int64(*batchSize)
	}
	eps := float64(entries) / elapsed.Seconds()
	fmt.Printf("LoadGen: mode=%s requests=%d accepted=%d failed=%d c=%d go=%d Duration=%s Throughput=%.0f entries/s\n",
		m, *N, accepted, failed, *conc, runtime.GOMAXPROCS(0), elapsed.Truncate(time.Millisecond), eps)
}
