package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/hermes/internal/alert"
	"github.com/sells-group/hermes/internal/appetite"
	"github.com/sells-group/hermes/internal/config"
	"github.com/sells-group/hermes/internal/cost"
	"github.com/sells-group/hermes/internal/parse"
	"github.com/sells-group/hermes/internal/scrape"
	"github.com/sells-group/hermes/internal/task"
	"github.com/sells-group/hermes/pkg/anthropic"
)

// buildRunner wires every C6-C9 dependency the task surface needs from a
// loaded config, the way cmd/runs.go's RunE bodies call initStore directly
// rather than holding a long-lived app struct.
func buildRunner(ctx context.Context) (*task.Runner, func(), error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() { _ = st.Close() }

	if err := st.Migrate(ctx); err != nil {
		cleanup()
		return nil, nil, eris.Wrap(err, "migrate store")
	}

	detector := appetite.NewDetector(st)
	profiler := appetite.NewProfiler(st)
	alerts := alert.NewManager(st, &storeOpenSubmissionsCounter{store: st})
	reports := alert.NewReportGenerator(st)

	var scraper task.ScrapeRunner
	if cfg.Portal.BaseURL != "" {
		scraper = scrape.NewOrchestrator(st, cfg.Portal, cfg.Scrape, cfg.Storage)
	}

	var parser task.ParseRunner
	if cfg.Anthropic.Key != "" {
		llm := anthropic.NewClient(cfg.Anthropic.Key)
		parser = parse.NewOrchestrator(st, llm, cfg.Anthropic, costRates(cfg.Pricing))
	}

	return task.NewRunner(st, detector, profiler, alerts, reports, scraper, parser), cleanup, nil
}

// costRates converts the loaded pricing config into the cost package's
// mirror types (internal/config deliberately doesn't import internal/cost).
func costRates(p config.PricingConfig) cost.Rates {
	mirror := cost.PricingConfig{Anthropic: make(map[string]cost.ModelPricing, len(p.Anthropic))}
	for m, v := range p.Anthropic {
		mirror.Anthropic[m] = cost.ModelPricing{
			Input: v.Input, Output: v.Output, BatchDiscount: v.BatchDiscount,
			CacheWriteMul: v.CacheWriteMul, CacheReadMul: v.CacheReadMul,
		}
	}
	return cost.RatesFromConfig(mirror)
}

// taskSpec names one C9 task and the Runner method invoking it.
type taskSpec struct {
	use   string
	short string
	run   func(ctx context.Context, r *task.Runner) (map[string]any, error)
}

var taskSpecs = []taskSpec{
	{"daily_scrape_incremental", "Run an incremental listing pass for every scrape-enabled state",
		func(ctx context.Context, r *task.Runner) (map[string]any, error) { return r.DailyScrapeIncremental(ctx) }},
	{"parse_new_filings", "Parse documents with parsed_flag=false",
		func(ctx context.Context, r *task.Runner) (map[string]any, error) { return r.ParseNewFilings(ctx) }},
	{"detect_appetite_shifts", "Detect appetite shifts across recently updated triples",
		func(ctx context.Context, r *task.Runner) (map[string]any, error) { return r.DetectAppetiteShifts(ctx) }},
	{"recompute_appetite_profiles", "Recompute profiles for triples with recently parsed documents",
		func(ctx context.Context, r *task.Runner) (map[string]any, error) { return r.RecomputeAppetiteProfiles(ctx) }},
	{"generate_market_report", "Generate the per (state, line) market report",
		func(ctx context.Context, r *task.Runner) (map[string]any, error) { return r.GenerateMarketReport(ctx) }},
	{"stale_data_check", "Flip is_current=false on profiles older than 90 days",
		func(ctx context.Context, r *task.Runner) (map[string]any, error) { return r.StaleDataCheck(ctx) }},
	{"health_check", "Report DB connectivity, parse backlog, stuck scrapes, and unacked signals",
		func(ctx context.Context, r *task.Runner) (map[string]any, error) { return r.HealthCheck(ctx) }},
}

func taskCmds() []*cobra.Command {
	cmds := make([]*cobra.Command, 0, len(taskSpecs))
	for _, spec := range taskSpecs {
		spec := spec
		cmds = append(cmds, &cobra.Command{
			Use:   spec.use,
			Short: spec.short,
			RunE: func(cmd *cobra.Command, _ []string) error {
				if err := cfg.Validate(spec.use); err != nil {
					return err
				}

				ctx := cmd.Context()
				runner, cleanup, err := buildRunner(ctx)
				if err != nil {
					return err
				}
				defer cleanup()

				summary, err := spec.run(ctx, runner)
				if err != nil {
					return err
				}

				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(summary)
			},
		})
	}
	return cmds
}
