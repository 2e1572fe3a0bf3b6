// loadgen is a tiny, dependency-free HTTP load generator for the fleet
// telemetry ingest service. It reuses HTTP connections (keep-alive) and
// supports concurrency so smoke runs finish fast on any platform without
// external tooling.
//
// Modes:
//   - single: all samples come from one device
//   - fleet:  samples round-robin across N synthetic devices
//
// Usage examples:
//
//	loadgen -base=http://127.0.0.1:8080 -mode=single -device=truck-1 -n=5000 -c=16
//	loadgen -base=http://127.0.0.1:8080 -mode=fleet -devices=50 -n=8000 -c=16
//
// Each device walks from a fixed starting point in small coordinate steps so
// the speed processor sees plausible movement. The summary line breaks the
// responses down by status class, which makes rate-limit behavior visible.
package main

import (
	"bytes"
	"context"
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
	modeFleet  modeType = "fleet"
)

func main() {
	var (
		base    = flag.String("base", "http://127.0.0.1:8080", "Base URL including scheme and host")
		path    = flag.String("path", "/telemetry", "Ingest path")
		modeS   = flag.String("mode", string(modeSingle), "Mode: single|fleet")
		device  = flag.String("device", "truck-1", "Device id for single mode")
		devices = flag.Int("devices", 50, "Number of synthetic devices in fleet mode")
		apiKey  = flag.String("api_key", "", "X-API-Key header value, if the server requires one")
		N       = flag.Int("n", 5000, "Total samples to send")
		conc    = flag.Int("c", 8, "Number of concurrent workers")
		baseLat = flag.Float64("lat", 40.71, "Starting latitude")
		baseLon = flag.Float64("lon", -74.0, "Starting longitude")
		// Timeouts & transport tuning
		timeout    = flag.Duration("timeout", 20*time.Second, "Overall timeout for the run")
		connIdle   = flag.Duration("idle_timeout", 30*time.Second, "HTTP idle connection timeout")
		maxIdle    = flag.Int("max_idle", 256, "Max idle connections total")
		maxIdlePer = flag.Int("max_idle_per_host", 256, "Max idle connections per host")
	)
	flag.Parse()

	m := modeType(strings.ToLower(*modeS))
	if m != modeSingle && m != modeFleet {
		fmt.Fprintf(os.Stderr, "unknown -mode=%s (want single|fleet)\n", *modeS)
		os.Exit(2)
	}
	if *N <= 0 || *conc <= 0 {
		fmt.Fprintln(os.Stderr, "-n and -c must be > 0")
		os.Exit(2)
	}
	if m == modeFleet && *devices <= 0 {
		fmt.Fprintln(os.Stderr, "-devices must be > 0 in fleet mode")
		os.Exit(2)
	}

	baseURL := strings.TrimRight(*base, "/")
	p := *path
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	fullURL := baseURL + p

	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        *maxIdle,
		MaxIdleConnsPerHost: *maxIdlePer,
		IdleConnTimeout:     *connIdle,
	}
	client := &http.Client{Transport: tr, Timeout: 5 * time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	start := time.Now()
	var accepted, limited, failed int64

	worker := func(id, count int) {
		for i := 0; i < count; i++ {
			select {
			case <-ctx.Done():
				return
			default:
			}
			dev := *device
			if m == modeFleet {
				dev = fmt.Sprintf("device-%d", ((i+id)%*devices)+1)
			}
			// Deterministic small random walk: ~100 m steps, no PRNG needed.
			step := float64((i+id)%21-10) * 0.001
			body := fmt.Sprintf(
				`{"deviceId":%q,"latitude":%.6f,"longitude":%.6f,"timestamp":%q}`,
				dev, *baseLat+step, *baseLon+step,
				time.Now().UTC().Format(time.RFC3339Nano))
			req, _ := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, bytes.NewReader([]byte(body)))
			req.Header.Set("Content-Type", "application/json")
			if *apiKey != "" {
				req.Header.Set("X-API-Key", *apiKey)
			}
			resp, err := client.Do(req)
			if err != nil {
				atomic.AddInt64(&failed, 1)
				// Brief backoff on errors to avoid hot spinning
				time.Sleep(200 * time.Microsecond)
				continue
			}
			// Drain and close body to enable connection reuse
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			switch {
			case resp.StatusCode == http.StatusTooManyRequests:
				atomic.AddInt64(&limited, 1)
			case resp.StatusCode >= 200 && resp.StatusCode < 300:
				atomic.AddInt64(&accepted, 1)
			default:
				atomic.AddInt64(&failed, 1)
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
	ops := float64(*N) / elapsed.Seconds()
	fmt.Printf("LoadGen: mode=%s N=%d c=%d go=%d Duration=%s Throughput=%.0f req/s accepted=%d limited=%d failed=%d\n",
		m, *N, *conc, runtime.GOMAXPROCS(0), elapsed.Truncate(time.Millisecond), ops, accepted, limited, failed)
}
