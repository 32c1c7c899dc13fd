package cmd

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/citypages/cacheflow/internal/config"
	"github.com/citypages/cacheflow/internal/coordinator"
	"github.com/citypages/cacheflow/internal/engine"
	"github.com/citypages/cacheflow/internal/event"
	"github.com/citypages/cacheflow/internal/invalidate"
	"github.com/citypages/cacheflow/internal/logging"
	"github.com/citypages/cacheflow/internal/tui"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a scripted workload against the engine",
	Long: `Run a scripted workload against the engine using a synthetic fetcher.

The scenario exercises page navigation with rapid jumps, adjacent
prefetch, environment signals (blur, focus, offline, online), and one
mutation of each type, then prints a summary of what the engine did.

With --tui, a live dashboard shows queue depth, scheduler state, and
cache counters while the scenario runs.`,
	RunE: runSimulate,
}

var (
	simLatencyMs int
	simFailRate  float64
	simPages     int
	simSeed      int64
	simTUI       bool
)

func init() {
	simulateCmd.Flags().IntVar(&simLatencyMs, "latency", 40, "synthetic fetch latency in milliseconds")
	simulateCmd.Flags().Float64Var(&simFailRate, "fail-rate", 0, "probability (0..1) that a synthetic fetch fails")
	simulateCmd.Flags().IntVar(&simPages, "pages", 8, "number of page navigations in the scenario")
	simulateCmd.Flags().Int64Var(&simSeed, "seed", 0, "random seed (0 uses current time)")
	simulateCmd.Flags().BoolVar(&simTUI, "tui", false, "show a live dashboard while the scenario runs")
	rootCmd.AddCommand(simulateCmd)
}

// syntheticFetcher serves generated payloads with configurable latency
// and failure probability.
type syntheticFetcher struct {
	latency  time.Duration
	failRate float64
	rng      *rand.Rand
}

func (f *syntheticFetcher) Fetch(ctx context.Context, resource string) (any, error) {
	if f.latency > 0 {
		timer := time.NewTimer(f.latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.failRate > 0 && f.rng.Float64() < f.failRate {
		return nil, fmt.Errorf("synthetic transport failure for %s", resource)
	}
	return map[string]any{
		"resource":  resource,
		"generated": time.Now().Format(time.RFC3339Nano),
	}, nil
}

func runSimulate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// A scenario should finish in seconds, not minutes; tighten the
	// interactive windows regardless of the configured values.
	cfg.Cache.NavDebounceMs = 30
	cfg.Prefetch.DispatchIntervalMs = 10
	cfg.Scheduler.ActiveIntervalMs = 500
	cfg.Scheduler.IdleCheckIntervalMs = 100

	logger, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	seed := simSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	fetcher := &syntheticFetcher{
		latency:  time.Duration(simLatencyMs) * time.Millisecond,
		failRate: simFailRate,
		rng:      rand.New(rand.NewSource(seed)),
	}

	eng := engine.New(*cfg, fetcher, logger,
		engine.WithDomains("events", "venues", "tickets"),
		engine.WithDependents(map[string][]string{
			"events":  {"venues", "tickets"},
			"venues":  {"events"},
			"tickets": {"events"},
		}))
	if err := eng.Start(); err != nil {
		return err
	}
	defer eng.Stop()

	if simTUI {
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			return fmt.Errorf("--tui requires an interactive terminal")
		}
		return tui.Run(eng, func(ctx context.Context) { runScenario(ctx, cmd, eng) })
	}

	runScenario(cmd.Context(), cmd, eng)
	printSummary(cmd, eng)
	return nil
}

// runScenario drives the scripted workload. Errors are part of the
// show: failed fetches and superseded navigations are expected
// outcomes, reported in the summary rather than aborting the run.
func runScenario(ctx context.Context, cmd *cobra.Command, eng *engine.Engine) {
	out := cmd.OutOrStdout()

	// Sequential navigation with adjacent prefetch.
	for page := 1; page <= simPages; page++ {
		if _, err := eng.RequestPage(ctx, "events", page); err != nil {
			fmt.Fprintf(out, "navigate events:%d: %v\n", page, err)
		}
	}

	// Rapid jumps: the middle navigations are superseded.
	jumps := []int{simPages + 1, simPages + 4, simPages + 7}
	results := make(chan error, len(jumps))
	for _, page := range jumps {
		go func(page int) {
			_, err := eng.RequestPage(ctx, "events", page)
			results <- err
		}(page)
		time.Sleep(5 * time.Millisecond)
	}
	for range jumps {
		<-results
	}

	// One mutation of each type.
	mutations := []coordinator.Mutation{
		{Type: coordinator.MutationCreate, EntityType: "events", Data: map[string]any{"name": "created"}},
		{Type: coordinator.MutationUpdate, EntityType: "events", EntityID: "1", Data: map[string]any{"name": "updated"}},
		{Type: coordinator.MutationDelete, EntityType: "events", EntityID: "2"},
		{Type: coordinator.MutationBulkUpdate, EntityType: "venues"},
		{Type: coordinator.MutationRelationship, EntityType: "tickets", EntityID: "3"},
	}
	for _, m := range mutations {
		if _, err := eng.Mutate(ctx, m); err != nil {
			fmt.Fprintf(out, "mutate %s %s: %v\n", m.Type, m.EntityType, err)
		}
	}

	// Environment round trip: blur, hide, offline, online, focus.
	for _, sig := range []event.Event{
		event.NewFocusLostEvent(),
		event.NewVisibilityChangedEvent(false),
		event.NewConnectivityChangedEvent(false),
		event.NewConnectivityChangedEvent(true),
		event.NewFocusGainedEvent(),
	} {
		eng.Signal(sig)
		time.Sleep(30 * time.Millisecond)
	}

	// A batch invalidation burst that coalesces into one refetch.
	for i := 0; i < 5; i++ {
		_, _ = eng.InvalidateRequest(ctx, invalidate.Request{
			Strategy: invalidate.StrategyBatch,
			Scope:    invalidate.ScopeDomain,
			Domain:   "events",
		})
	}

	// Let background work settle before the summary.
	time.Sleep(500 * time.Millisecond)
}

func printSummary(cmd *cobra.Command, eng *engine.Engine) {
	out := cmd.OutOrStdout()
	stats := eng.Stats()

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Scenario complete.")
	fmt.Fprintf(out, "  scheduler state:  %s\n", stats.State)
	fmt.Fprintf(out, "  network:          online=%v speed=%s\n", stats.Network.Online, stats.Network.Speed)
	fmt.Fprintf(out, "  queue:            queued=%d active=%d completed=%d failed=%d cancelled=%d\n",
		stats.Queue.Queued, stats.Queue.Active, stats.Queue.Completed, stats.Queue.Failed, stats.Queue.Cancelled)
	fmt.Fprintf(out, "  mutations:        settled=%d success_rate=%.0f%% avg=%s\n",
		stats.Mutations.Settled, stats.Mutations.SuccessRate*100, stats.Mutations.AvgDuration.Round(time.Millisecond))
	fmt.Fprintf(out, "  live tokens:      %d\n", stats.LiveTokens)
	for _, domain := range eng.Domains() {
		c := stats.Cache[domain]
		fmt.Fprintf(out, "  cache[%s]:  hits=%d misses=%d\n", domain, c.Hits, c.Misses)
	}
}

func buildLogger(cfg *config.Config) (*logging.Logger, error) {
	if !cfg.Logging.Enabled {
		return logging.NopLogger(), nil
	}
	return logging.NewLogger(cfg.Logging.Dir, cfg.Logging.Level)
}
