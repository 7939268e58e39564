// Package main runs the relay benchmarks and outputs results to JSON/Markdown.
// Run with: go run benchmarks/run_benchmarks.go
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// BenchmarkResults holds all benchmark data
type BenchmarkResults struct {
	Timestamp   string             `json:"timestamp"`
	Environment Environment        `json:"environment"`
	Suites      map[string][]Bench `json:"suites"`
	Summary     Summary            `json:"summary"`
}

type Environment struct {
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	CPU       string `json:"cpu"`
	NumCPU    int    `json:"num_cpu"`
	GoVersion string `json:"go_version"`
}

type Bench struct {
	Name        string  `json:"name"`
	NsPerOp     float64 `json:"ns_per_op"`
	OpsPerSec   float64 `json:"ops_per_sec"`
	BytesPerOp  int64   `json:"bytes_per_op"`
	AllocsPerOp int64   `json:"allocs_per_op"`
}

type Summary struct {
	WireEncodeOpsPerSec float64 `json:"wire_encode_ops_per_sec"`
	DispatchOpsPerSec   float64 `json:"dispatch_ops_per_sec"`
	LoopbackRoundTripNs float64 `json:"loopback_round_trip_ns"`
	WSRoundTripNs       float64 `json:"ws_round_trip_ns"`
	WSConnectNs         float64 `json:"ws_connect_ns"`
}

// suites maps a suite name to the -bench pattern that selects it.
var suites = []struct {
	name    string
	pattern string
}{
	{"wire", "BenchmarkFrame|BenchmarkEncodePayload|BenchmarkPingPayload|BenchmarkBufferPool"},
	{"dispatch", "BenchmarkDispatch|BenchmarkFeed"},
	{"loopback", "BenchmarkLoopback"},
	{"websocket", "BenchmarkWS"},
}

func main() {
	fmt.Println("==========================================")
	fmt.Println("   GRIDLINK BENCHMARK SUITE")
	fmt.Println("==========================================")
	fmt.Println()

	results := BenchmarkResults{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Environment: Environment{
			OS:        runtime.GOOS,
			Arch:      runtime.GOARCH,
			CPU:       getCPUInfo(),
			NumCPU:    runtime.NumCPU(),
			GoVersion: runtime.Version(),
		},
		Suites: make(map[string][]Bench),
	}

	for _, s := range suites {
		fmt.Printf("Running %s benchmarks...\n", s.name)
		results.Suites[s.name] = runBenchmarks(s.pattern)
	}

	results.Summary = calculateSummary(results.Suites)

	os.MkdirAll("benchmarks/results", 0755)

	jsonPath := "benchmarks/results/latest.json"
	writeJSON(results, jsonPath)
	fmt.Printf("\nJSON results: %s\n", jsonPath)

	mdPath := "benchmarks/results/LATEST.md"
	writeMarkdown(results, mdPath)
	fmt.Printf("Markdown results: %s\n", mdPath)

	printSummary(results)
}

func getCPUInfo() string {
	if runtime.GOOS == "linux" {
		data, err := os.ReadFile("/proc/cpuinfo")
		if err == nil {
			for _, line := range strings.Split(string(data), "\n") {
				if strings.HasPrefix(line, "model name") {
					parts := strings.SplitN(line, ":", 2)
					if len(parts) == 2 {
						return strings.TrimSpace(parts[1])
					}
				}
			}
		}
	}
	return "unknown"
}

func runBenchmarks(pattern string) []Bench {
	cmd := exec.Command("go", "test", "-bench="+pattern, "-benchtime=2s", "-benchmem", "./tests/performance/...")
	output, _ := cmd.CombinedOutput()

	return parseBenchmarkOutput(string(output))
}

func parseBenchmarkOutput(output string) []Bench {
	var benchmarks []Bench

	// Pattern: BenchmarkName-N    iterations    ns/op    bytes/op    allocs/op
	re := regexp.MustCompile(`(Benchmark[\w/]+)-\d+\s+(\d+)\s+([\d.]+)\s+ns/op\s+(\d+)\s+B/op\s+(\d+)\s+allocs/op`)

	for _, match := range re.FindAllStringSubmatch(output, -1) {
		if len(match) < 6 {
			continue
		}
		nsPerOp, _ := strconv.ParseFloat(match[3], 64)
		bytesPerOp, _ := strconv.ParseInt(match[4], 10, 64)
		allocsPerOp, _ := strconv.ParseInt(match[5], 10, 64)

		opsPerSec := 0.0
		if nsPerOp > 0 {
			opsPerSec = 1e9 / nsPerOp
		}

		benchmarks = append(benchmarks, Bench{
			Name:        match[1],
			NsPerOp:     nsPerOp,
			OpsPerSec:   opsPerSec,
			BytesPerOp:  bytesPerOp,
			AllocsPerOp: allocsPerOp,
		})
	}

	return benchmarks
}

func calculateSummary(suites map[string][]Bench) Summary {
	summary := Summary{}

	for _, b := range suites["wire"] {
		if b.Name == "BenchmarkFrameEncode" {
			summary.WireEncodeOpsPerSec = b.OpsPerSec
		}
	}
	for _, b := range suites["dispatch"] {
		if b.Name == "BenchmarkDispatchHit" {
			summary.DispatchOpsPerSec = b.OpsPerSec
		}
	}
	for _, b := range suites["loopback"] {
		if b.Name == "BenchmarkLoopbackEchoRoundTrip" {
			summary.LoopbackRoundTripNs = b.NsPerOp
		}
	}
	for _, b := range suites["websocket"] {
		if b.Name == "BenchmarkWSEchoRoundTrip" {
			summary.WSRoundTripNs = b.NsPerOp
		}
		if b.Name == "BenchmarkWSConnect" {
			summary.WSConnectNs = b.NsPerOp
		}
	}

	return summary
}

func writeJSON(results BenchmarkResults, path string) {
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		fmt.Printf("Error marshaling JSON: %v\n", err)
		return
	}
	os.WriteFile(path, data, 0644)
}

func writeMarkdown(results BenchmarkResults, path string) {
	var sb strings.Builder

	sb.WriteString("# Gridlink Benchmark Results\n\n")
	sb.WriteString(fmt.Sprintf("**Generated**: %s\n\n", results.Timestamp))
	sb.WriteString("## Environment\n\n")
	sb.WriteString(fmt.Sprintf("- **OS**: %s/%s\n", results.Environment.OS, results.Environment.Arch))
	sb.WriteString(fmt.Sprintf("- **CPU**: %s (%d cores)\n", results.Environment.CPU, results.Environment.NumCPU))
	sb.WriteString(fmt.Sprintf("- **Go**: %s\n\n", results.Environment.GoVersion))

	sb.WriteString("## Summary\n\n")
	sb.WriteString("| Path | Rate | Latency |\n")
	sb.WriteString("|------|------|--------|\n")
	sb.WriteString(fmt.Sprintf("| Frame encode | %.0f op/s | - |\n", results.Summary.WireEncodeOpsPerSec))
	sb.WriteString(fmt.Sprintf("| Dispatch | %.0f op/s | - |\n", results.Summary.DispatchOpsPerSec))
	sb.WriteString(fmt.Sprintf("| Loopback round trip | %.0f msg/s | %.2fμs |\n",
		1e9/max(results.Summary.LoopbackRoundTripNs, 1), results.Summary.LoopbackRoundTripNs/1000))
	sb.WriteString(fmt.Sprintf("| WebSocket round trip | %.0f msg/s | %.2fμs |\n",
		1e9/max(results.Summary.WSRoundTripNs, 1), results.Summary.WSRoundTripNs/1000))
	sb.WriteString(fmt.Sprintf("| WebSocket connect | - | %.2fms |\n", results.Summary.WSConnectNs/1e6))
	sb.WriteString("\n")

	for name, benches := range results.Suites {
		sb.WriteString(fmt.Sprintf("## %s\n\n", cases.Title(language.English).String(name)))
		sb.WriteString("| Benchmark | ops/sec | ns/op | B/op | allocs/op |\n")
		sb.WriteString("|-----------|---------|-------|------|----------|\n")
		for _, b := range benches {
			sb.WriteString(fmt.Sprintf("| %s | %.0f | %.0f | %d | %d |\n",
				b.Name, b.OpsPerSec, b.NsPerOp, b.BytesPerOp, b.AllocsPerOp))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("## Reproducing\n\n")
	sb.WriteString("```bash\n")
	sb.WriteString("go run benchmarks/run_benchmarks.go\n")
	sb.WriteString("# Or individual suites:\n")
	sb.WriteString("go test -bench=BenchmarkFrame -benchtime=2s -benchmem ./tests/performance/...\n")
	sb.WriteString("go test -bench=BenchmarkWS -benchtime=2s -benchmem ./tests/performance/...\n")
	sb.WriteString("```\n")

	os.WriteFile(path, []byte(sb.String()), 0644)
}

func printSummary(results BenchmarkResults) {
	fmt.Println()
	fmt.Println("==========================================")
	fmt.Println("              SUMMARY")
	fmt.Println("==========================================")
	fmt.Printf("Frame encode:   %.0f op/s\n", results.Summary.WireEncodeOpsPerSec)
	fmt.Printf("Dispatch:       %.0f op/s\n", results.Summary.DispatchOpsPerSec)
	fmt.Printf("Loopback RTT:   %.2fμs\n", results.Summary.LoopbackRoundTripNs/1000)
	fmt.Printf("WebSocket RTT:  %.2fμs\n", results.Summary.WSRoundTripNs/1000)
	fmt.Printf("WS connect:     %.2fms\n", results.Summary.WSConnectNs/1e6)
	fmt.Println("==========================================")
}
