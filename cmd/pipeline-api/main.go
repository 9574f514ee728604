package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"go-event-pipeline/internal/api"
	"go-event-pipeline/internal/api/handler"
	"go-event-pipeline/internal/config"
	"go-event-pipeline/internal/logging"
	"go-event-pipeline/internal/store"
	"go-event-pipeline/pkg/router"
	"go-event-pipeline/pkg/utils"
)

// @title Event Pipeline API
// @version 1.0
// @description Submit event batches to the six-stage pipeline and inspect finished runs.
// @BasePath /api/v1

func main() {
	var (
		addr     = flag.String("addr", ":8080", "listen address")
		cfgPath  = flag.String("config", "config.yaml", "stage configuration file")
		dbPath   = flag.String("db", "pipeline.db", "sqlite database path")
		outDir   = flag.String("out", "outputs", "directory for exported run artifacts")
		logLevel = flag.String("log-level", "info", "log level (debug, info, warn, error)")
	)
	flag.Parse()

	flush, err := logging.Setup(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer flush()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		zap.L().Fatal("loading stage configuration", zap.Error(err))
	}

	st, err := store.Open(*dbPath)
	if err != nil {
		zap.L().Fatal("opening run store", zap.Error(err))
	}
	defer st.Close()

	out := utils.NewOutputManager(*outDir)
	if err := out.EnsureOutputDirExists(); err != nil {
		zap.L().Fatal("creating output directory", zap.Error(err))
	}

	r := router.New(zap.L())
	api.RegisterRoutes(r, handler.New(st, cfg, out))

	if err := r.Start(*addr); err != nil {
		zap.L().Fatal("server stopped", zap.Error(err))
	}
}
