package dataset

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"go-event-pipeline/internal/model"
	"go-event-pipeline/pkg/utils"
)

// sourceIDKeys are the accepted spellings of the source record id field, in
// lookup order.
var sourceIDKeys = []string{"sourceRecordId", "source_record_id", "sourceId", "id"}

// Load reads one or more dataset files and returns the batch as RAW records.
// Files may be JSON (array of objects) or CSV (header row). They are read in
// parallel but the batch preserves the order of paths and of rows within
// each file; record order is part of the deduplication contract.
func Load(ctx context.Context, paths []string) ([]model.Record, error) {
	if len(paths) == 0 {
		return nil, eris.New("no input files given")
	}

	perFile := make([][]model.Record, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			records, err := LoadFile(path)
			if err != nil {
				return eris.Wrapf(err, "loading %s", path)
			}
			zap.L().Debug("dataset file loaded", zap.String("path", path), zap.Int("records", len(records)))
			perFile[i] = records
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var batch []model.Record
	for _, records := range perFile {
		batch = append(batch, records...)
	}
	return batch, nil
}

// LoadFile reads a single dataset file, picking the format by extension.
func LoadFile(path string) ([]model.Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return readCSV(file)
	case ".json":
		return readJSON(file)
	default:
		return nil, fmt.Errorf("unsupported dataset format %q", filepath.Ext(path))
	}
}

func readJSON(r io.Reader) ([]model.Record, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var rows []map[string]interface{}
	if err := json.Unmarshal(data, &rows); err != nil {
		// A single object counts as a one-record dataset.
		var row map[string]interface{}
		if err2 := json.Unmarshal(data, &row); err2 != nil {
			return nil, eris.Wrap(err, "decoding JSON dataset")
		}
		rows = []map[string]interface{}{row}
	}

	records := make([]model.Record, 0, len(rows))
	for i, row := range rows {
		rec, err := toRecord(row)
		if err != nil {
			return nil, eris.Wrapf(err, "row %d", i+1)
		}
		records = append(records, rec)
	}
	return records, nil
}

func readCSV(r io.Reader) ([]model.Record, error) {
	reader := csv.NewReader(r)
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		return nil, eris.Wrap(err, "reading CSV header")
	}
	for i, h := range header {
		h = strings.TrimSpace(h)
		header[i] = strings.ReplaceAll(h, `"`, "")
	}

	var records []model.Record
	row := 1
	for {
		cells, err := reader.Read()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return nil, eris.Wrapf(err, "reading CSV row %d", row+1)
		}
		row++

		payload := make(map[string]interface{}, len(header))
		for i, h := range header {
			if i >= len(cells) {
				break
			}
			payload[h] = utils.ParseValue(cells[i])
		}
		rec, err := toRecord(payload)
		if err != nil {
			return nil, eris.Wrapf(err, "row %d", row)
		}
		records = append(records, rec)
	}
}

// toRecord promotes the source record id out of the payload and builds a RAW
// record. A record without a source id cannot be deduplicated and rejects
// the whole file.
func toRecord(payload map[string]interface{}) (model.Record, error) {
	for _, key := range sourceIDKeys {
		v, present := payload[key]
		if !present || v == nil {
			continue
		}
		id := strings.TrimSpace(fmt.Sprintf("%v", v))
		if id == "" {
			continue
		}
		delete(payload, key)
		return model.NewRecord(id, payload), nil
	}
	return model.Record{}, eris.New("record has no source record id")
}
