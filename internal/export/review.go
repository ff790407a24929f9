package export

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"

	"github.com/coopaaaaaah/rule-tooling/internal/snapshot"
)

const (
	ChangesSheet = "Changes"
	ContentSheet = "Content"

	// excel rejects longer cell values
	maxCellChars   = excelize.TotalCellChars
	truncateMarker = "…[truncated]"
)

var (
	changesHeader = []any{"Rule ID", "Org ID", "Status", "Target", "Version", "Path", "Legacy value", "Perspectives"}
	contentHeader = []any{"Rule ID", "Changes", "Transformed content"}
)

// WriteReview renders a fetch snapshot as an xlsx workbook: one row per
// rewritten node on the Changes sheet, one row per rule on the Content sheet.
func WriteReview(w io.Writer, snap *snapshot.Snapshot) error {
	f, err := buildReview(snap)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write review workbook: %w", err)
	}
	return nil
}

// SaveReview writes the review workbook to path, replacing any previous file
func SaveReview(path string, snap *snapshot.Snapshot) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create review directory: %w", err)
	}
	tempFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp review file: %w", err)
	}
	tempPath := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = tempFile.Close()
			_ = os.Remove(tempPath)
		}
	}()

	if err := WriteReview(tempFile, snap); err != nil {
		return err
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close review file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("promote review file: %w", err)
	}
	cleanup = false
	return nil
}

func buildReview(snap *snapshot.Snapshot) (*excelize.File, error) {
	f := excelize.NewFile()
	ok := false
	defer func() {
		if !ok {
			_ = f.Close()
		}
	}()

	if err := f.SetSheetName(f.GetSheetName(0), ChangesSheet); err != nil {
		return nil, fmt.Errorf("name changes sheet: %w", err)
	}
	if _, err := f.NewSheet(ContentSheet); err != nil {
		return nil, fmt.Errorf("create content sheet: %w", err)
	}
	headerStyle, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, fmt.Errorf("create header style: %w", err)
	}

	if err := writeRow(f, ChangesSheet, 1, changesHeader); err != nil {
		return nil, err
	}
	if err := writeRow(f, ContentSheet, 1, contentHeader); err != nil {
		return nil, err
	}

	changeRow, contentRow := 2, 2
	for _, entry := range snap.Rules {
		for _, change := range entry.Changes {
			perspectives, err := json.Marshal(change.Perspectives)
			if err != nil {
				return nil, fmt.Errorf("encode perspectives for rule %d: %w", entry.ID, err)
			}
			row := []any{
				entry.ID,
				entry.OrgID,
				entry.Status,
				entry.Target.String(),
				strconv.FormatUint(uint64(entry.Version), 10),
				change.Path,
				change.Legacy,
				fitCell(string(perspectives)),
			}
			if err := writeRow(f, ChangesSheet, changeRow, row); err != nil {
				return nil, err
			}
			changeRow++
		}

		if err := writeRow(f, ContentSheet, contentRow, []any{entry.ID, len(entry.Changes), fitCell(string(entry.Content))}); err != nil {
			return nil, err
		}
		contentRow++
	}

	for _, sheet := range []string{ChangesSheet, ContentSheet} {
		if err := f.SetRowStyle(sheet, 1, 1, headerStyle); err != nil {
			return nil, fmt.Errorf("style %s header: %w", sheet, err)
		}
	}
	if err := f.SetColWidth(ChangesSheet, "F", "F", 40); err != nil {
		return nil, fmt.Errorf("size path column: %w", err)
	}
	if err := f.SetColWidth(ChangesSheet, "H", "H", 80); err != nil {
		return nil, fmt.Errorf("size perspectives column: %w", err)
	}
	if err := f.SetColWidth(ContentSheet, "C", "C", 100); err != nil {
		return nil, fmt.Errorf("size content column: %w", err)
	}
	f.SetActiveSheet(0)

	ok = true
	return f, nil
}

func writeRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("write %s row %d: %w", sheet, row, err)
	}
	return nil
}

func fitCell(s string) string {
	if utf8.RuneCountInString(s) <= maxCellChars {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxCellChars-utf8.RuneCountInString(truncateMarker)]) + truncateMarker
}
