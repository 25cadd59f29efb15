package server

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/funnyzak/viewaudit/pkg/request"
)

// ExportReplays serializes replay records into the desired format.
func ExportReplays(data []*request.ReplayRecord, format string) ([]byte, string, string, error) {
	switch strings.ToLower(format) {
	case "json":
		if data == nil {
			data = []*request.ReplayRecord{}
		}
		buf, err := json.MarshalIndent(data, "", "  ")
		return buf, "application/json", "json", err
	case "csv":
		return exportCSV(data)
	default:
		return nil, "", "", fmt.Errorf("unsupported export format: %s", format)
	}
}

func exportCSV(data []*request.ReplayRecord) ([]byte, string, string, error) {
	buf := &bytes.Buffer{}
	writer := csv.NewWriter(buf)

	headers := []string{
		"id", "run_id", "timestamp", "view", "full_path", "result",
		"prod_rows", "new_rows", "diff_rows", "duration_ms", "error", "diff",
	}
	if err := writer.Write(headers); err != nil {
		return nil, "", "", err
	}

	for _, item := range data {
		line := []string{
			strconv.FormatInt(item.ID, 10),
			item.RunID,
			item.Timestamp.Format(time.RFC3339),
			item.View,
			item.FullPath,
			item.Result,
			strconv.Itoa(item.ProdRows),
			strconv.Itoa(item.NewRows),
			strconv.Itoa(item.DiffRows),
			strconv.FormatInt(item.DurationMs, 10),
			item.Error,
			string(item.Diff),
		}
		if err := writer.Write(line); err != nil {
			return nil, "", "", err
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", "", err
	}
	return buf.Bytes(), "text/csv", "csv", nil
}
