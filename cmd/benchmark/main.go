// Benchmark tool for the APEX evaluation core.
//
// Usage:
//
//	go run cmd/benchmark/main.go -n 100000 -workers 8
//
// This tool:
//  1. Loads a set of representative rules into an engine
//  2. Evaluates them against generated contexts from concurrent workers
//  3. Reports throughput, latency percentiles and expression-cache stats
//  4. Compares instrumented evaluation against the bare evaluator to
//     estimate monitoring overhead
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/apexrules/apex/internal/domain"
	"github.com/apexrules/apex/internal/engine"
	"github.com/apexrules/apex/internal/expr"
)

var benchmarkRules = []*domain.Rule{
	{ID: "bench-age", Name: "adult", Condition: "age >= 18", Message: "adult customer", Severity: domain.SeverityInfo, Enabled: true},
	{ID: "bench-amount", Name: "large-amount", Condition: "amount > 10000.0 && currency == 'USD'", Message: "large USD amount", Severity: domain.SeverityWarning, Enabled: true},
	{ID: "bench-ternary", Name: "tier", Condition: "(score > 700 ? 'prime' : 'subprime') == 'prime'", Message: "prime tier", Severity: domain.SeverityInfo, Enabled: true},
	{ID: "bench-string", Name: "swift-code", Condition: "system.startsWith('SWIFT') && system.size() > 5", Message: "swift system", Severity: domain.SeverityInfo, Enabled: true},
}

func main() {
	n := flag.Int("n", 100000, "Total evaluations to run")
	workers := flag.Int("workers", 8, "Number of concurrent workers")
	cacheSize := flag.Int("cache", 10000, "Expression cache size")
	flag.Parse()

	// Keep benchmark output clean
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))

	fmt.Println("APEX evaluation benchmark")
	fmt.Printf("  evaluations: %d\n", *n)
	fmt.Printf("  workers:     %d\n", *workers)
	fmt.Println()

	cfg := domain.DefaultConfig().Engine
	cfg.ExpressionCacheSize = *cacheSize

	eng, err := engine.New(cfg, nil, nil)
	if err != nil {
		fmt.Printf("ERROR: failed to create engine: %v\n", err)
		os.Exit(1)
	}
	if err := eng.LoadRules(benchmarkRules); err != nil {
		fmt.Printf("ERROR: failed to load rules: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// Warm the expression cache
	for _, rule := range benchmarkRules {
		if _, err := eng.EvaluateRule(ctx, rule, sampleContext(rand.New(rand.NewSource(1)))); err != nil {
			fmt.Printf("ERROR: warmup failed for %s: %v\n", rule.ID, err)
			os.Exit(1)
		}
	}

	latencies := runEngine(ctx, eng, *n, *workers)
	report("instrumented engine", latencies)

	// Bare evaluator pass for monitor-overhead comparison
	bare := runBare(*n, *cacheSize)
	report("bare evaluator", bare)

	overhead := float64(total(latencies)-total(bare)) / float64(total(bare)) * 100
	fmt.Printf("\nmonitoring overhead: %+.2f%%\n", overhead)

	size, hits, misses := eng.Evaluator().CacheStats()
	fmt.Printf("expression cache: size=%d hits=%d misses=%d\n", size, hits, misses)

	for _, snap := range eng.Monitor().Snapshots() {
		fmt.Printf("  %-14s count=%-8d avg=%-12s success=%.3f\n",
			snap.ID, snap.EvaluationCount, snap.AverageTime, snap.SuccessRate)
	}
}

func runEngine(ctx context.Context, eng *engine.Engine, n, workers int) []time.Duration {
	latencies := make([]time.Duration, n)
	var wg sync.WaitGroup
	per := n / workers

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w)))
			for i := 0; i < per; i++ {
				rule := benchmarkRules[rng.Intn(len(benchmarkRules))]
				vars := sampleContext(rng)

				start := time.Now()
				_, _ = eng.EvaluateRule(ctx, rule, vars)
				latencies[w*per+i] = time.Since(start)
			}
		}(w)
	}
	wg.Wait()
	return latencies[:per*workers]
}

func runBare(n, cacheSize int) []time.Duration {
	evaluator, err := expr.NewEvaluator(cacheSize)
	if err != nil {
		fmt.Printf("ERROR: failed to create evaluator: %v\n", err)
		os.Exit(1)
	}

	rng := rand.New(rand.NewSource(42))
	latencies := make([]time.Duration, n)
	for i := 0; i < n; i++ {
		rule := benchmarkRules[rng.Intn(len(benchmarkRules))]
		vars := sampleContext(rng)

		start := time.Now()
		_, _ = evaluator.EvalBoolString(rule.Condition, vars)
		latencies[i] = time.Since(start)
	}
	return latencies
}

func sampleContext(rng *rand.Rand) map[string]any {
	return map[string]any{
		"age":      rng.Intn(80),
		"amount":   rng.Float64() * 20000,
		"currency": "USD",
		"score":    rng.Intn(850),
		"system":   "SWIFT-MT103",
	}
}

func report(name string, latencies []time.Duration) {
	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	sum := total(sorted)
	fmt.Printf("%s:\n", name)
	fmt.Printf("  total:      %s\n", sum)
	fmt.Printf("  throughput: %.0f eval/s\n", float64(len(sorted))/sum.Seconds())
	fmt.Printf("  p50:        %s\n", sorted[len(sorted)/2])
	fmt.Printf("  p99:        %s\n", sorted[len(sorted)*99/100])
	fmt.Printf("  max:        %s\n", sorted[len(sorted)-1])
}

func total(latencies []time.Duration) time.Duration {
	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	return sum
}
