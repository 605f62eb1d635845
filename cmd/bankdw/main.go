// Command bankdw loads banking staging extracts into the star-schema
// warehouse and runs the validation battery.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"bankdw/internal/batch"
	"bankdw/internal/config"
	"bankdw/internal/datedim"
	"bankdw/internal/metrics"
	"bankdw/internal/metrics/datadog"
	"bankdw/internal/report"
	"bankdw/internal/staging"
	stagingcsv "bankdw/internal/staging/csv"
	"bankdw/internal/staging/htmltable"
	"bankdw/internal/staging/jsonrows"
	"bankdw/internal/storage"
	"bankdw/internal/validate"

	// register all backends with the storage factory.
	// config specifies which to use but we build in support for all of them.
	_ "bankdw/internal/storage/all"
)

var (
	cfgPath        string
	metricsBackend string
	metricsTags    string
	verbose        bool
	noColor        bool
)

func main() {
	root := &cobra.Command{
		Use:           "bankdw",
		Short:         "Banking data warehouse loader",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "configs/pipeline.json", "pipeline config JSON path")
	root.PersistentFlags().StringVar(&metricsBackend, "metrics-backend", "none", "metrics backend (datadog, none)")
	root.PersistentFlags().StringVar(&metricsTags, "metrics-tags", "", "extra metric tags, e.g. env:prod,team:dw")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logs")
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	root.AddCommand(runCmd(), validateCmd(), datedimCmd(), checkConfigCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var asOfFlag string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load the staging extract and validate the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			p, err := loadConfig()
			if err != nil {
				return err
			}
			asOf, err := parseAsOf(asOfFlag)
			if err != nil {
				return err
			}

			stopMetrics := setupMetrics(p.Job)
			defer stopMetrics()

			repo, err := storage.New(ctx, storage.Config{Kind: p.Storage.Kind, DSN: p.Storage.DSN})
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer repo.Close()

			source, err := buildSource(p)
			if err != nil {
				return err
			}

			engine := &batch.Engine{
				Repo:    repo,
				Source:  source,
				Logger:  logger(),
				Rules:   p.Rules,
				Runtime: p.Runtime,
			}
			if !asOf.IsZero() {
				engine.Clock = func() time.Time { return asOf }
			}

			sum, err := engine.Run(ctx)
			if err != nil {
				return fmt.Errorf("load: %w", err)
			}

			results, err := validate.RunAndRecord(ctx, repo, validationRules(p, sum.ProcessedAt, sum.BatchID))
			if err != nil {
				return err
			}

			r := report.NewRenderer(!noColor)
			r.Summary(os.Stdout, sum)
			fmt.Println()
			r.Ledger(os.Stdout, results)

			if failed := report.FailedRules(results); len(failed) > 0 {
				return fmt.Errorf("validation failed: %v", failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&asOfFlag, "as-of", "", "load timestamp override (2006-01-02 or RFC3339)")
	return cmd
}

func validateCmd() *cobra.Command {
	var batchID string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Run the validation battery against the warehouse",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			p, err := loadConfig()
			if err != nil {
				return err
			}
			stopMetrics := setupMetrics(p.Job)
			defer stopMetrics()

			repo, err := storage.New(ctx, storage.Config{Kind: p.Storage.Kind, DSN: p.Storage.DSN})
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer repo.Close()

			results, err := validate.RunAndRecord(ctx, repo, validationRules(p, time.Now().UTC(), batchID))
			if err != nil {
				return err
			}

			report.NewRenderer(!noColor).Ledger(os.Stdout, results)
			if failed := report.FailedRules(results); len(failed) > 0 {
				return fmt.Errorf("validation failed: %v", failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&batchID, "batch", "", "batch id recorded with the results")
	return cmd
}

func datedimCmd() *cobra.Command {
	var fromFlag, toFlag string
	cmd := &cobra.Command{
		Use:   "datedim",
		Short: "Populate the date dimension for a calendar range",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			p, err := loadConfig()
			if err != nil {
				return err
			}
			from, err := time.ParseInLocation("2006-01-02", fromFlag, time.UTC)
			if err != nil {
				return fmt.Errorf("bad --from: %w", err)
			}
			to, err := time.ParseInLocation("2006-01-02", toFlag, time.UTC)
			if err != nil {
				return fmt.Errorf("bad --to: %w", err)
			}

			repo, err := storage.New(ctx, storage.Config{Kind: p.Storage.Kind, DSN: p.Storage.DSN})
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer repo.Close()

			if err := repo.EnsureSchema(ctx); err != nil {
				return err
			}
			entries := datedim.Range(from, to)
			if err := repo.EnsureDates(ctx, entries); err != nil {
				return err
			}
			logger().Printf("stage=datedim ok entries=%d from=%s to=%s", len(entries), fromFlag, toFlag)
			return nil
		},
	}
	cmd.Flags().StringVar(&fromFlag, "from", "", "first date, inclusive (2006-01-02)")
	cmd.Flags().StringVar(&toFlag, "to", "", "last date, inclusive (2006-01-02)")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func checkConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the pipeline config and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			issues := config.ValidatePipeline(p)
			hasError := false
			for _, iss := range issues {
				fmt.Fprintf(os.Stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
				if iss.Severity == config.SeverityError {
					hasError = true
				}
			}
			if hasError {
				return fmt.Errorf("configuration is invalid: %s", cfgPath)
			}
			fmt.Printf("configuration is valid: %s\n", cfgPath)
			return nil
		},
	}
}

func loadConfig() (config.Pipeline, error) {
	p, err := config.Load(cfgPath)
	if err != nil {
		return p, err
	}
	for _, iss := range config.ValidatePipeline(p) {
		if iss.Severity == config.SeverityError {
			return p, fmt.Errorf("config %s: %s: %s", cfgPath, iss.Path, iss.Message)
		}
		fmt.Fprintf(os.Stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	return p, nil
}

func buildSource(p config.Pipeline) (staging.Source, error) {
	switch p.Source.Kind {
	case "csv":
		return stagingcsv.Source{Path: p.Source.File.Path, Options: p.Parser.Options}, nil
	case "json":
		return jsonrows.Source{Path: p.Source.File.Path, Options: p.Parser.Options}, nil
	case "html":
		return htmltable.Source{Path: p.Source.File.Path, Options: p.Parser.Options}, nil
	default:
		return nil, fmt.Errorf("unsupported source.kind=%s", p.Source.Kind)
	}
}

func validationRules(p config.Pipeline, asOf time.Time, batchID string) validate.Rules {
	rules := validate.Rules{
		AmountMin:            float64(config.DefaultAmountMin),
		AmountMax:            float64(config.DefaultAmountMax),
		CustomerKeyPattern:   p.Rules.CustomerKeyPattern,
		TransactionIDPattern: p.Rules.TransactionIDPattern,
		AsOf:                 asOf,
		BatchID:              batchID,
	}
	if p.Rules.AmountMin != nil {
		rules.AmountMin = *p.Rules.AmountMin
	}
	if p.Rules.AmountMax != nil {
		rules.AmountMax = *p.Rules.AmountMax
	}
	return rules
}

// setupMetrics installs the requested metrics backend and returns the
// shutdown hook. Backend selection: flag, then METRICS_BACKEND, then none.
func setupMetrics(job string) func() {
	name := metricsBackend
	if name == "" || name == "none" {
		if env := os.Getenv("METRICS_BACKEND"); env != "" {
			name = env
		}
	}

	switch name {
	case "datadog":
		// Buffers metrics and submits periodically, plus one final submit at
		// shutdown, so long loads produce a real time series.
		b, err := datadog.NewBackend(context.Background(), datadog.Options{
			JobName: job,
			Tags:    datadog.ParseTagsCSV(metricsTags),
		})
		if err != nil {
			log.Printf("metrics: failed to init datadog backend: %v; using nop", err)
			return func() {}
		}
		metrics.SetBackend(b)
		return func() {
			if err := b.Close(); err != nil {
				log.Printf("metrics: flush error: %v", err)
			}
		}

	case "", "none":
		return func() {}

	default:
		log.Printf("metrics: unknown backend %q; using nop", name)
		return func() {}
	}
}

func logger() *log.Logger {
	if verbose {
		return log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)
	}
	return log.New(os.Stderr, "", log.LstdFlags)
}

func parseAsOf(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("bad --as-of %q", s)
}
