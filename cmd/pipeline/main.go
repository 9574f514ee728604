package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"go-event-pipeline/internal/config"
	"go-event-pipeline/internal/dataset"
	"go-event-pipeline/internal/logging"
	"go-event-pipeline/internal/model"
	"go-event-pipeline/internal/pipeline"
	"go-event-pipeline/internal/store"
)

func main() {
	var (
		cfgPath  = flag.String("config", "config.yaml", "stage configuration file")
		input    = flag.String("input", "", "dataset file(s), comma-separated (JSON or CSV)")
		simulate = flag.Bool("simulate", false, "log stage calls instead of performing them")
		logLevel = flag.String("log-level", "info", "log level (debug, info, warn, error)")
		dbPath   = flag.String("db", "", "sqlite database path (empty disables persistence)")
		outDir   = flag.String("out", "outputs", "directory for exported run artifacts (empty disables export)")
	)
	flag.Parse()

	if err := run(*cfgPath, *input, *simulate, *logLevel, *dbPath, *outDir); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// run executes one batch end to end. The returned error is non-nil only for
// fatal failures; rejected records alone never change the exit code.
func run(cfgPath, input string, simulate bool, logLevel, dbPath, outDir string) error {
	flush, err := logging.Setup(logLevel)
	if err != nil {
		return err
	}
	defer flush()

	if input == "" {
		return eris.New("--input is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	var paths []string
	for _, p := range strings.Split(input, ",") {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	records, err := dataset.Load(ctx, paths)
	if err != nil {
		return err
	}

	mode := model.ModeLive
	if simulate {
		mode = model.ModeSimulate
	}

	var opts []pipeline.Option
	if dbPath != "" {
		st, err := store.Open(dbPath)
		if err != nil {
			return err
		}
		defer st.Close()
		opts = append(opts, pipeline.WithSink(st))
	}

	report, runErr := pipeline.New(cfg, mode, opts...).Run(ctx, records)
	printSummary(report)

	if outDir != "" {
		files, err := pipeline.ExportReport(report, outDir)
		if err != nil {
			zap.L().Warn("exporting run artifacts failed", zap.Error(err))
		} else {
			fmt.Printf("report written to %s\n", files.ReportPath)
			fmt.Printf("summaries written to %s\n", files.SummariesPath)
		}
	}
	return runErr
}

func printSummary(report *model.PipelineReport) {
	fmt.Printf("run %s (%s) finished in %s\n",
		report.RunID, report.Mode, report.Duration().Round(time.Millisecond))
	for _, sr := range report.Stages {
		outcome := "ok"
		if !sr.Success {
			outcome = "FAILED"
			if sr.Err != nil {
				outcome = fmt.Sprintf("FAILED (%s)", sr.Err.Kind)
			}
		}
		fmt.Printf("  %-14s attempted=%-4d succeeded=%-4d failed=%-4d calls=%d  %s\n",
			sr.StageName, sr.Counts.Attempted, sr.Counts.Succeeded, sr.Counts.Failed,
			sr.Attempts, outcome)
	}
	fmt.Printf("records: %d kept, %d duplicates discarded\n",
		len(report.Records), len(report.Discards))
	fmt.Printf("totals: %d available, %d unavailable, amount sum %.2f\n",
		report.Totals.Available, report.Totals.Unavailable, report.Totals.AmountSum)
	if report.Fatal != nil {
		fmt.Printf("fatal: %s\n", report.Fatal.Error())
	}
}
