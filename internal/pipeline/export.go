package pipeline

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"strconv"

	"github.com/rotisserie/eris"

	"go-event-pipeline/internal/model"
	"go-event-pipeline/pkg/utils"
)

// ExportFiles names the artifacts written for a finished run.
type ExportFiles struct {
	ReportPath    string `json:"reportPath"`
	SummariesPath string `json:"summariesPath"`
}

// ExportReport writes report.json and summaries.csv into a per-run directory
// under baseDir and returns the file locations.
func ExportReport(report *model.PipelineReport, baseDir string) (ExportFiles, error) {
	var files ExportFiles
	om := utils.NewOutputManager(baseDir)

	reportPath, err := om.RunFilePath(report.RunID, "report.json")
	if err != nil {
		return files, eris.Wrap(err, "resolving report path")
	}
	if err := writeReportJSON(report, reportPath); err != nil {
		return files, err
	}
	files.ReportPath = reportPath

	summariesPath, err := om.RunFilePath(report.RunID, "summaries.csv")
	if err != nil {
		return files, eris.Wrap(err, "resolving summaries path")
	}
	if err := writeSummariesCSV(report.Summaries, summariesPath); err != nil {
		return files, err
	}
	files.SummariesPath = summariesPath
	return files, nil
}

func writeReportJSON(report *model.PipelineReport, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return eris.Wrap(err, "creating report file")
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(report); err != nil {
		return eris.Wrap(err, "encoding report")
	}
	return nil
}

func writeSummariesCSV(summaries []model.SummaryEntry, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return eris.Wrap(err, "creating summaries file")
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"recordId", "sourceRecordId", "status", "available", "amount", "currency", "reason"}
	if err := writer.Write(header); err != nil {
		return eris.Wrap(err, "writing summaries header")
	}

	for _, entry := range summaries {
		amount := ""
		if entry.Amount != nil {
			amount = strconv.FormatFloat(*entry.Amount, 'f', -1, 64)
		}
		row := []string{
			entry.RecordID,
			entry.SourceRecordID,
			string(entry.Status),
			strconv.FormatBool(entry.Available),
			amount,
			entry.Currency,
			entry.Reason,
		}
		if err := writer.Write(row); err != nil {
			return eris.Wrap(err, "writing summary row")
		}
	}
	if err := writer.Error(); err != nil {
		return eris.Wrap(err, "flushing summaries")
	}
	return nil
}
