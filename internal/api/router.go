package api

import (
	httpSwagger "github.com/swaggo/http-swagger"

	_ "go-event-pipeline/docs"
	"go-event-pipeline/internal/api/handler"
	"go-event-pipeline/pkg/router"
)

// RegisterRoutes wires the run endpoints and the swagger UI.
func RegisterRoutes(r *router.Router, h *handler.RunHandler) {
	r.POST("/api/v1/runs", h.CreateRun)
	r.GET("/api/v1/runs", h.ListRuns)
	// More specific routes first
	r.GET("/api/v1/runs/*/report", h.GetRunReport)
	r.GET("/api/v1/runs/*/stages", h.GetRunStages)
	r.GET("/api/v1/runs/*/records", h.GetRunRecords)
	r.GET("/api/v1/runs/*/summary", h.GetRunSummary)
	r.GET("/api/v1/runs/*/errors", h.GetRunErrors)
	r.GET("/api/v1/runs/*/files/*", h.DownloadRunFile)
	r.GET("/api/v1/runs/*/files", h.GetRunFiles)
	// Generic run route last
	r.GET("/api/v1/runs/*", h.GetRun)

	r.Mount("/swagger/", httpSwagger.WrapHandler)
}
