package eval

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/xuri/excelize/v2"
)

// LoadResults reads a results file. A missing file holds no reports.
func LoadResults(path string) ([]Report, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var reports []Report
	if err := json.Unmarshal(data, &reports); err != nil {
		return nil, fmt.Errorf("eval: decoding %s: %w", path, err)
	}
	return reports, nil
}

// AppendResults adds r to the results file at path, dropping exact
// duplicates, and returns the stored history.
func AppendResults(path string, r *Report) ([]Report, error) {
	reports, err := LoadResults(path)
	if err != nil {
		return nil, err
	}
	reports = dedupe(append(reports, *r))

	data, err := json.MarshalIndent(reports, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("eval: writing %s: %w", path, err)
	}
	return reports, nil
}

func dedupe(reports []Report) []Report {
	seen := make(map[string]bool, len(reports))
	out := reports[:0]
	for _, r := range reports {
		// encoding/json sorts map keys, so equal reports encode equally.
		key, err := json.Marshal(r)
		if err == nil && seen[string(key)] {
			continue
		}
		seen[string(key)] = true
		out = append(out, r)
	}
	return out
}

// WriteXLSX exports reports as a workbook: a Summary sheet with one row per
// report and a Fields sheet with one row per report and field.
func WriteXLSX(path string, reports []Report) error {
	f := excelize.NewFile()
	defer f.Close()

	const summary, fields = "Summary", "Fields"
	if err := f.SetSheetName("Sheet1", summary); err != nil {
		return err
	}
	if _, err := f.NewSheet(fields); err != nil {
		return err
	}

	if err := f.SetSheetRow(summary, "A1", &[]any{"Title", "Type", "Pairs", "Average"}); err != nil {
		return err
	}
	if err := f.SetSheetRow(fields, "A1", &[]any{"Title", "Field", "Score"}); err != nil {
		return err
	}

	row := 2
	for i, r := range reports {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(summary, cell, &[]any{r.Title, string(r.Type), len(r.Pairs), r.Average}); err != nil {
			return err
		}
		for _, k := range sortedKeys(r.Fields) {
			cell, _ := excelize.CoordinatesToCellName(1, row)
			if err := f.SetSheetRow(fields, cell, &[]any{r.Title, k, r.Fields[k]}); err != nil {
				return err
			}
			row++
		}
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("eval: saving %s: %w", path, err)
	}
	return nil
}
