// Scale benchmark: generates synthetic configs at various object counts,
// starts vigil for each, measures check processing rate and HTTP API
// throughput.
//
// Usage: go run bench/scale/scale.go -binary ./vigil-bench -out bench/scale_results.csv
package main

import (
	"bufio"
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

func generateConfig(dir string, numHosts, svcsPerHost int, checkCmd, apiAddr string) error {
	os.MkdirAll(filepath.Join(dir, "var"), 0755)

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
  checks:
    max_workers: 512
  api:
    enabled: true
    listen: %s

commands:
  check_bench:
    line: %s
    timeout: 10s

hosts:
`, apiAddr, checkCmd)

	for i := 0; i < numHosts; i++ {
		fmt.Fprintf(&sb, "  host-%05d:\n", i)
		fmt.Fprintf(&sb, "    address: 10.%d.%d.%d\n", (i/65536)%256, (i/256)%256, i%256)
		sb.WriteString("    check_command: check_bench\n")
		sb.WriteString("    check_interval: 10s\n")
		sb.WriteString("    retry_interval: 10s\n")
		if svcsPerHost > 0 {
			sb.WriteString("    services:\n")
			for j := 0; j < svcsPerHost; j++ {
				fmt.Fprintf(&sb, "      svc-%03d:\n", j)
				sb.WriteString("        check_command: check_bench\n")
				sb.WriteString("        check_interval: 10s\n")
				sb.WriteString("        retry_interval: 10s\n")
			}
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

// waitForReady starts the process and scans stderr for the startup line.
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
	// Also ensure nothing is left on the port
	time.Sleep(500 * time.Millisecond)
}

func apiGet(url string) (time.Duration, bool) {
	start := time.Now()
	resp, err := http.Get(url)
	if err != nil {
		return 0, false
	}
	defer resp.Body.Close()
	buf := make([]byte, 64*1024)
	for {
		if _, err := resp.Body.Read(buf); err != nil {
			break
		}
	}
	return time.Since(start), resp.StatusCode == 200
}

func benchAPI(url string, concurrency, iters int) (rps float64, p95ms float64) {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		lats []time.Duration
		oks  atomic.Int64
	)
	start := time.Now()
	for c := 0; c < concurrency; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iters; i++ {
				lat, ok := apiGet(url)
				if ok {
					oks.Add(1)
					mu.Lock()
					lats = append(lats, lat)
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	wall := time.Since(start)
	rps = float64(oks.Load()) / wall.Seconds()

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

type serviceView struct {
	Name      string `json:"name"`
	LastCheck int64  `json:"last_check"`
}

func fetchServices(apiBase string) []serviceView {
	resp, err := http.Get(apiBase + "/v1/objects/services")
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	var views []serviceView
	if err := json.NewDecoder(resp.Body).Decode(&views); err != nil {
		return nil
	}
	return views
}

// measureCheckRate counts services whose last_check moved inside the
// window, the way a status consumer would see it.
func measureCheckRate(apiBase string, dur time.Duration) float64 {
	// Let checks stabilize
	time.Sleep(5 * time.Second)

	t1 := time.Now().Unix()
	time.Sleep(dur)
	checked := 0
	for _, v := range fetchServices(apiBase) {
		if v.LastCheck >= t1 {
			checked++
		}
	}
	if checked > 0 {
		return float64(checked) / dur.Seconds()
	}
	return 0
}

func getMemRSS(pid int) int64 {
	out, err := exec.Command("ps", "-o", "rss=", "-p", fmt.Sprintf("%d", pid)).Output()
	if err != nil {
		return 0
	}
	s := strings.TrimSpace(string(out))
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

func main() {
	binary := flag.String("binary", "./vigil-bench", "path to vigil binary")
	outFile := flag.String("out", "bench/scale_results.csv", "output CSV")
	checkCmd := flag.String("check", "/usr/bin/true", "check command to use (e.g. path to check_jitter binary)")
	onlyServices := flag.Int("only", 0, "run only the scenario with this many services (0=all)")
	flag.Parse()

	type scenario struct {
		hosts       int
		svcsPerHost int
	}
	allScenarios := []scenario{
		{10, 10},    // 100 services
		{50, 10},    // 500 services
		{100, 10},   // 1,000 services
		{200, 25},   // 5,000 services
		{500, 20},   // 10,000 services
		{1000, 50},  // 50,000 services
		{5000, 20},  // 100,000 services
		{10000, 20}, // 200,000 services
	}
	var scenarios []scenario
	if *onlyServices > 0 {
		for _, sc := range allScenarios {
			if sc.hosts*sc.svcsPerHost == *onlyServices {
				scenarios = append(scenarios, sc)
			}
		}
		if len(scenarios) == 0 {
			fmt.Fprintf(os.Stderr, "No scenario with %d services found\n", *onlyServices)
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
		"hosts", "services", "startup_ms", "mem_rss_kb",
		"checks_per_sec", "api_hosts_rps", "api_services_rps", "api_status_rps",
		"api_hosts_p95_ms", "api_services_p95_ms",
	})

	apiAddr := "127.0.0.1:15668"
	apiBase := "http://" + apiAddr

	for _, sc := range scenarios {
		totalSvcs := sc.hosts * sc.svcsPerHost
		fmt.Printf("\n=== %d hosts x %d svc/host = %d services ===\n", sc.hosts, sc.svcsPerHost, totalSvcs)

		configDir := filepath.Join(os.TempDir(), fmt.Sprintf("vigil-bench-%d", totalSvcs))
		os.RemoveAll(configDir)
		fmt.Printf("  Generating config in %s ...\n", configDir)
		generateConfig(configDir, sc.hosts, sc.svcsPerHost, *checkCmd, apiAddr)

		fmt.Printf("  Starting vigil ...\n")
		cmd := startVigil(*binary, configDir)
		startupTime, err := waitForReady(cmd, 300*time.Second)
		if err != nil {
			fmt.Printf("  ERROR: %v, skipping\n", err)
			continue
		}
		fmt.Printf("  Started in %.1fms (PID %d)\n", float64(startupTime.Milliseconds()), cmd.Process.Pid)

		fmt.Printf("  Waiting for checks to start ...\n")
		time.Sleep(3 * time.Second)

		rssKB := getMemRSS(cmd.Process.Pid)
		fmt.Printf("  Memory RSS: %.1f MB\n", float64(rssKB)/1024)

		fmt.Printf("  Measuring check throughput (10s window) ...\n")
		checksPerSec := measureCheckRate(apiBase, 10*time.Second)
		fmt.Printf("  Check throughput: %.0f checks/sec\n", checksPerSec)

		conc := 20
		iters := 50
		if totalSvcs >= 100000 {
			iters = 10
		} else if totalSvcs >= 50000 {
			iters = 20
		}

		fmt.Printf("  API benchmark (concurrency=%d, iters=%d) ...\n", conc, iters)

		hostsRPS, hostsP95 := benchAPI(apiBase+"/v1/objects/hosts", conc, iters)
		fmt.Printf("    hosts:    %6.0f rps  p95=%.1fms\n", hostsRPS, hostsP95)

		svcsRPS, svcsP95 := benchAPI(apiBase+"/v1/objects/services", conc, iters)
		fmt.Printf("    services: %6.0f rps  p95=%.1fms\n", svcsRPS, svcsP95)

		statusRPS, _ := benchAPI(apiBase+"/v1/status", conc, iters)
		fmt.Printf("    status:   %6.0f rps\n", statusRPS)

		killVigil(cmd)
		os.RemoveAll(configDir)

		w.Write([]string{
			fmt.Sprintf("%d", sc.hosts),
			fmt.Sprintf("%d", totalSvcs),
			fmt.Sprintf("%.1f", float64(startupTime.Milliseconds())),
			fmt.Sprintf("%d", rssKB),
			fmt.Sprintf("%.1f", checksPerSec),
			fmt.Sprintf("%.1f", hostsRPS),
			fmt.Sprintf("%.1f", svcsRPS),
			fmt.Sprintf("%.1f", statusRPS),
			fmt.Sprintf("%.3f", hostsP95),
			fmt.Sprintf("%.3f", svcsP95),
		})
		w.Flush()
	}
	fmt.Printf("\nResults written to %s\n", *outFile)
}
