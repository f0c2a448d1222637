// Benchmark tool for scoring a running Kestrel server against labelled cases.
//
// Usage:
//   go run cmd/benchmark/main.go -cases cases.jsonl -truth truth.jsonl -url http://localhost:8080
//
// This tool:
//   1. Reads enriched cases (one JSON object per line) and ground-truth tiers
//   2. Sends each case to POST /api/run
//   3. Compares the returned decision with the labelled tier
//   4. Reports accuracy, the confusion matrix, escalation precision/recall and latency
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/evalreport"
)

// Case is one input line, kept raw so the server sees exactly what was labelled.
type Case struct {
	ID  string
	Raw json.RawMessage
}

// RunRequest is the Kestrel /api/run request format.
type RunRequest struct {
	EnrichedCase json.RawMessage `json:"enriched_case"`
}

// RunResponse is the subset of the /api/run response the benchmark reads.
type RunResponse struct {
	CaseID         string `json:"case_id"`
	PolicyDecision *struct {
		Decision       domain.Tier `json:"decision"`
		Confidence     string      `json:"confidence"`
		TriggeredRules []string    `json:"triggered_rules"`
	} `json:"policy_decision"`
	Justification json.RawMessage `json:"llm_justification"`
}

// Timing tracks request latencies.
type Timing struct {
	mu        sync.Mutex
	latencies []time.Duration

	TotalProcessed int64
	TotalErrors    int64
	Justified      int64
}

func (t *Timing) add(d time.Duration) {
	t.mu.Lock()
	t.latencies = append(t.latencies, d)
	t.mu.Unlock()
}

func (t *Timing) percentile(p float64) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.latencies) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), t.latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

func main() {
	// Parse flags
	casesPath := flag.String("cases", "", "Path to enriched cases JSONL")
	truthPath := flag.String("truth", "", "Path to ground truth JSONL ({case_id, decision})")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	limit := flag.Int("limit", 0, "Maximum cases to process (0 = all)")
	workers := flag.Int("workers", 4, "Number of concurrent workers")
	timeout := flag.Duration("timeout", 60*time.Second, "Per-request timeout")
	mismatchPath := flag.String("mismatches", "", "Write mismatched cases as JSONL to this file")
	verbose := flag.Bool("verbose", false, "Print each case result")
	flag.Parse()

	if *casesPath == "" || *truthPath == "" {
		fmt.Println("Usage: benchmark -cases cases.jsonl -truth truth.jsonl [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("KESTREL BENCHMARK - policy decisions vs ground truth")
	fmt.Printf("\nCases:       %s\n", *casesPath)
	fmt.Printf("Truth:       %s\n", *truthPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Println()

	// Check Kestrel is running
	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run ./cmd/kestrel serve")
		os.Exit(1)
	}
	fmt.Println("Kestrel is healthy")

	truth, err := readTruth(*truthPath)
	if err != nil {
		fmt.Printf("ERROR: Failed to read truth: %v\n", err)
		os.Exit(1)
	}

	cases, err := readCases(*casesPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read cases: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d cases, %d labels\n", len(cases), len(truth))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	report := evalreport.New(truth)
	startTime := time.Now()
	timing := runBenchmark(cases, *baseURL, *workers, *timeout, report, *verbose)
	duration := time.Since(startTime)

	printResults(report, timing, duration)

	if *mismatchPath != "" {
		if err := writeMismatches(*mismatchPath, report); err != nil {
			fmt.Printf("ERROR: Failed to write mismatches: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Mismatches written to %s\n", *mismatchPath)
	}
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/ready")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: status %d", resp.StatusCode)
	}
	return nil
}

func readTruth(path string) (evalreport.Truth, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return evalreport.ReadTruth(file)
}

func readCases(path string, limit int) ([]Case, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)

	var cases []Case
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var head struct {
			CaseID string `json:"case_id"`
		}
		if err := json.Unmarshal(text, &head); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		cases = append(cases, Case{ID: head.CaseID, Raw: append(json.RawMessage(nil), text...)})

		if limit > 0 && len(cases) >= limit {
			break
		}
	}
	return cases, scanner.Err()
}

func runBenchmark(cases []Case, baseURL string, numWorkers int, timeout time.Duration, report *evalreport.Report, verbose bool) *Timing {
	timing := &Timing{}

	// Create work channel
	work := make(chan Case, 100)
	var wg sync.WaitGroup

	// Start workers
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: timeout}

			for c := range work {
				start := time.Now()
				result, err := runCase(client, baseURL, c)
				timing.add(time.Since(start))
				atomic.AddInt64(&timing.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&timing.TotalErrors, 1)
					report.AddError()
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", c.ID, err)
					}
					continue
				}

				if len(result.Justification) > 0 && string(result.Justification) != "null" {
					atomic.AddInt64(&timing.Justified, 1)
				}

				predicted := result.PolicyDecision.Decision
				scored := report.Add(result.CaseID, predicted)

				if verbose {
					status := "?"
					if scored {
						status = "ok"
						if predicted != report.Expected(result.CaseID) {
							status = "MISS"
						}
					}
					fmt.Printf("%-4s %-20s | %-16s | %-6s | rules: %v\n",
						status,
						result.CaseID,
						predicted,
						result.PolicyDecision.Confidence,
						result.PolicyDecision.TriggeredRules,
					)
				}
			}
		}()
	}

	// Send work
	for _, c := range cases {
		work <- c
	}
	close(work)

	// Wait for completion
	wg.Wait()

	return timing
}

func runCase(client *http.Client, baseURL string, c Case) (*RunResponse, error) {
	body, err := json.Marshal(RunRequest{EnrichedCase: c.Raw})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/api/run", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}

	var result RunResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	if result.PolicyDecision == nil {
		return nil, fmt.Errorf("response has no policy_decision")
	}
	return &result, nil
}

func printResults(report *evalreport.Report, t *Timing, duration time.Duration) {
	fmt.Println("\nBENCHMARK RESULTS")
	fmt.Println()
	if err := report.WriteText(os.Stdout); err != nil {
		fmt.Printf("ERROR: %v\n", err)
	}

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Processed:  %d\n", t.TotalProcessed)
	fmt.Printf("   Errors:           %d\n", t.TotalErrors)
	fmt.Printf("   Justified:        %d\n", t.Justified)
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if t.TotalProcessed > 0 {
		fmt.Printf("   p50 Latency:      %v\n", t.percentile(0.50).Round(time.Millisecond))
		fmt.Printf("   p95 Latency:      %v\n", t.percentile(0.95).Round(time.Millisecond))
		fmt.Printf("   Throughput:       %.2f cases/sec\n", float64(t.TotalProcessed)/duration.Seconds())
	}
	fmt.Println()
}

func writeMismatches(path string, report *evalreport.Report) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return report.WriteMismatches(file)
}
