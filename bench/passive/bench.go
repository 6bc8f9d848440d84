// Passive ingestion benchmark: submits batches of passive check results
// as JSON to a vigil API endpoint, measures ingestion throughput and
// latency across object counts.
//
// Usage: go run bench/passive/bench.go -binary ./vigil-bench -out bench/passive_results.csv
package main

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const svcsPerHost = 10

// generateConfig declares the passive-only object tree the results will
// land on. Active checks stay off so nothing competes with ingestion.
func generateConfig(dir, apiAddr string, numServices int) error {
	os.MkdirAll(filepath.Join(dir, "var"), 0755)

	numHosts := numServices / svcsPerHost
	if numHosts < 1 {
		numHosts = 1
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, `daemon:
  identity: bench
  data_dir: var
  log_level: info
  features:
    notifications: false
    event_handlers: false
    flap_detection: false
    perfdata: false
  api:
    enabled: true
    listen: %s

hosts:
`, apiAddr)

	for i := 0; i < numHosts; i++ {
		fmt.Fprintf(&sb, "  bench-host-%06d:\n", i)
		sb.WriteString("    enable_active_checks: false\n")
		sb.WriteString("    services:\n")
		for j := 0; j < svcsPerHost; j++ {
			fmt.Fprintf(&sb, "      svc-%03d:\n", j)
			sb.WriteString("        enable_active_checks: false\n")
		}
	}

	return os.WriteFile(filepath.Join(dir, "vigil.yaml"), []byte(sb.String()), 0644)
}

func startVigil(binary, configDir string) *exec.Cmd {
	cfg := filepath.Join(configDir, "vigil.yaml")
	cmd := exec.Command(binary, "-d", cfg)
	cmd.Dir = configDir
	return cmd
}

func waitForReady(cmd *exec.Cmd, timeout time.Duration) (time.Duration, error) {
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, err
	}
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	deadline := time.After(timeout)
	readyCh := make(chan struct{})
	go func() {
		for scanner.Scan() {
			if strings.Contains(scanner.Text(), "started as") {
				close(readyCh)
				for scanner.Scan() {
				}
				return
			}
		}
	}()
	select {
	case <-readyCh:
		return time.Since(start), nil
	case <-deadline:
		cmd.Process.Kill()
		return 0, fmt.Errorf("timeout waiting for vigil to start")
	}
}

func killVigil(cmd *exec.Cmd) {
	if cmd.Process != nil {
		cmd.Process.Kill()
		cmd.Wait()
	}
	time.Sleep(500 * time.Millisecond)
}

func getMemRSS(pid int) int64 {
	out, err := exec.Command("ps", "-o", "rss=", "-p", fmt.Sprintf("%d", pid)).Output()
	if err != nil {
		return 0
	}
	v, _ := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	return v
}

type passiveResult struct {
	Host       string `json:"host"`
	Service    string `json:"service,omitempty"`
	ExitStatus int    `json:"exit_status"`
	Output     string `json:"output"`
}

type resultsRequest struct {
	Results []passiveResult `json:"results"`
}

type resultsResponse struct {
	Accepted int      `json:"accepted"`
	Errors   []string `json:"errors,omitempty"`
}

// buildBatch creates a request with batchSize results, each addressing a
// distinct service within the configured tree.
func buildBatch(svcOffset, batchSize, numServices int) []byte {
	req := resultsRequest{Results: make([]passiveResult, 0, batchSize)}
	for i := 0; i < batchSize; i++ {
		idx := (svcOffset + i) % numServices
		req.Results = append(req.Results, passiveResult{
			Host:       fmt.Sprintf("bench-host-%06d", idx/svcsPerHost),
			Service:    fmt.Sprintf("svc-%03d", idx%svcsPerHost),
			ExitStatus: 0,
			Output:     fmt.Sprintf("OK - bench result %d | rtt=0.001s;1;5;0", i),
		})
	}
	body, _ := json.Marshal(req)
	return body
}

func submitBatch(resultsURL string, body []byte) (time.Duration, int, error) {
	start := time.Now()
	resp, err := http.Post(resultsURL, "application/json", bytes.NewReader(body))
	lat := time.Since(start)
	if err != nil {
		return lat, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return lat, 0, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	var rr resultsResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return lat, 0, err
	}
	return lat, rr.Accepted, nil
}

// benchIngest runs a sustained load test, sending batches of passive
// results from multiple concurrent clients.
func benchIngest(resultsURL string, totalResults, batchSize, concurrency, numServices int) (rps float64, p95ms float64, totalSent int) {
	batches := totalResults / batchSize
	if batches < 1 {
		batches = 1
	}
	batchesPerWorker := batches / concurrency
	if batchesPerWorker < 1 {
		batchesPerWorker = 1
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		lats []time.Duration
		sent atomic.Int64
	)

	start := time.Now()
	for c := 0; c < concurrency; c++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for i := 0; i < batchesPerWorker; i++ {
				offset := (workerID*batchesPerWorker + i) * batchSize
				body := buildBatch(offset, batchSize, numServices)
				lat, n, err := submitBatch(resultsURL, body)
				if err == nil {
					sent.Add(int64(n))
					mu.Lock()
					lats = append(lats, lat)
					mu.Unlock()
				}
			}
		}(c)
	}
	wg.Wait()
	wall := time.Since(start)

	totalSent = int(sent.Load())
	rps = float64(totalSent) / wall.Seconds()

	if len(lats) > 0 {
		sortDurations(lats)
		idx := int(float64(len(lats)) * 0.95)
		if idx >= len(lats) {
			idx = len(lats) - 1
		}
		p95ms = float64(lats[idx].Microseconds()) / 1000.0
	}
	return
}

func sortDurations(d []time.Duration) {
	for i := 1; i < len(d); i++ {
		for j := i; j > 0 && d[j] < d[j-1]; j-- {
			d[j], d[j-1] = d[j-1], d[j]
		}
	}
}

func main() {
	binary := flag.String("binary", "./vigil-bench", "path to vigil binary")
	outFile := flag.String("out", "bench/passive_results.csv", "output CSV")
	apiPort := flag.String("port", "15668", "API listen port")
	onlyResults := flag.Int("only", 0, "run only the scenario with this service count (0=all)")
	flag.Parse()

	apiAddr := "127.0.0.1:" + *apiPort
	resultsURL := "http://" + apiAddr + "/v1/results"

	type scenario struct {
		services    int // unique services configured
		totalChecks int // total passive results to submit
		batchSize   int // results per HTTP POST
		concurrency int // parallel HTTP clients
	}

	allScenarios := []scenario{
		{100, 1000, 10, 1},
		{500, 5000, 50, 2},
		{1000, 10000, 100, 4},
		{5000, 50000, 100, 8},
		{10000, 100000, 100, 10},
		{50000, 200000, 500, 20},
		{100000, 400000, 500, 20},
	}

	var scenarios []scenario
	if *onlyResults > 0 {
		for _, sc := range allScenarios {
			if sc.services == *onlyResults {
				scenarios = append(scenarios, sc)
			}
		}
		if len(scenarios) == 0 {
			fmt.Fprintf(os.Stderr, "No scenario matching %d found\n", *onlyResults)
			os.Exit(1)
		}
	} else {
		scenarios = allScenarios
	}

	f, err := os.Create(*outFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()
	w := csv.NewWriter(f)
	w.Write([]string{
		"unique_services", "total_submitted", "batch_size", "concurrency",
		"results_per_sec", "p95_batch_ms", "mem_rss_kb",
	})

	for _, sc := range scenarios {
		fmt.Printf("\n=== %d unique services (submit %d results, batch=%d, conc=%d) ===\n",
			sc.services, sc.totalChecks, sc.batchSize, sc.concurrency)

		configDir := filepath.Join(os.TempDir(), fmt.Sprintf("vigil-passive-bench-%d", sc.services))
		os.RemoveAll(configDir)
		fmt.Printf("  Generating config in %s ...\n", configDir)
		generateConfig(configDir, apiAddr, sc.services)

		fmt.Printf("  Starting vigil ...\n")
		cmd := startVigil(*binary, configDir)
		startupTime, err := waitForReady(cmd, 60*time.Second)
		if err != nil {
			fmt.Printf("  ERROR: %v, skipping\n", err)
			continue
		}
		fmt.Printf("  Started in %.1fms (PID %d)\n", float64(startupTime.Milliseconds()), cmd.Process.Pid)

		// Let the API listener bind
		time.Sleep(1 * time.Second)

		// Warm up connections
		submitBatch(resultsURL, buildBatch(0, 10, sc.services))
		time.Sleep(500 * time.Millisecond)

		fmt.Printf("  Running ingestion load test ...\n")
		rps, p95, totalSent := benchIngest(resultsURL, sc.totalChecks, sc.batchSize, sc.concurrency, sc.services)
		fmt.Printf("  Results: %.0f results/sec, P95 batch latency: %.1fms, total sent: %d\n", rps, p95, totalSent)

		// Measure memory after ingestion
		time.Sleep(1 * time.Second)
		rssKB := getMemRSS(cmd.Process.Pid)
		fmt.Printf("  Memory RSS: %.1f MB\n", float64(rssKB)/1024)

		killVigil(cmd)
		os.RemoveAll(configDir)

		w.Write([]string{
			fmt.Sprintf("%d", sc.services),
			fmt.Sprintf("%d", totalSent),
			fmt.Sprintf("%d", sc.batchSize),
			fmt.Sprintf("%d", sc.concurrency),
			fmt.Sprintf("%.1f", rps),
			fmt.Sprintf("%.3f", p95),
			fmt.Sprintf("%d", rssKB),
		})
		w.Flush()
	}
	fmt.Printf("\nResults written to %s\n", *outFile)
}
