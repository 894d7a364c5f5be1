// Package normalizer converts keypoint exports into the single canonical CSV
// the analysis services consume. Capture devices export one spreadsheet sheet
// per tracked hand; downstream everything expects one time-ordered table.
package normalizer

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/xuri/excelize/v2"
)

const outputFilename = "normalized.csv"

// Normalizer flattens multi-sheet keypoint workbooks. Stateless and safe for
// concurrent use.
type Normalizer struct{}

func New() *Normalizer {
	return &Normalizer{}
}

// Result describes the canonical file produced by Normalize.
type Result struct {
	Path        string // canonical CSV path
	Rows        int    // rows written, header included; 0 when Passthrough
	HeaderSheet string // sheet that supplied the header row
	SheetCount  int    // non-empty sheets merged
	Passthrough bool   // input was already tabular and is used unchanged
}

// Normalize produces a canonical CSV from inputPath inside outDir.
//
// CSV inputs are already tabular and are returned unchanged. XLSX inputs are
// merged in workbook sheet order: the first non-empty sheet supplies the
// header row, every later non-empty sheet's rows are appended as data. A
// header-looking first row on a later sheet is not promoted to a header; it
// rides along as a data row, which the analysis services tolerate. Empty
// sheets contribute nothing and do not block header selection from a later
// sheet.
func (n *Normalizer) Normalize(inputPath, outDir string) (*Result, error) {
	switch strings.ToLower(filepath.Ext(inputPath)) {
	case ".csv":
		if _, err := os.Stat(inputPath); err != nil {
			return nil, fmt.Errorf("keypoints file %s: %w", inputPath, err)
		}
		log.Debug().Str("input", inputPath).Msg("Keypoints already tabular, using unchanged")
		return &Result{Path: inputPath, Passthrough: true}, nil
	case ".xlsx":
		return n.mergeWorkbook(inputPath, outDir)
	default:
		return nil, fmt.Errorf("unsupported keypoints format %q", filepath.Ext(inputPath))
	}
}

func (n *Normalizer) mergeWorkbook(inputPath, outDir string) (*Result, error) {
	wb, err := excelize.OpenFile(inputPath)
	if err != nil {
		return nil, fmt.Errorf("open workbook %s: %w", inputPath, err)
	}
	defer wb.Close()

	outPath := filepath.Join(outDir, outputFilename)
	out, err := os.Create(outPath)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", outPath, err)
	}
	defer out.Close()

	w := csv.NewWriter(out)
	result := &Result{Path: outPath}

	for _, sheet := range wb.GetSheetList() {
		rows, err := wb.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
		}
		if sheetEmpty(rows) {
			log.Debug().Str("sheet", sheet).Msg("Skipping empty sheet")
			continue
		}

		if result.HeaderSheet == "" {
			result.HeaderSheet = sheet
		}
		for _, row := range rows {
			if err := w.Write(row); err != nil {
				return nil, fmt.Errorf("write row from sheet %q: %w", sheet, err)
			}
			result.Rows++
		}
		result.SheetCount++

		log.Debug().
			Str("sheet", sheet).
			Int("rows", len(rows)).
			Msg("Merged sheet")
	}

	if result.HeaderSheet == "" {
		return nil, fmt.Errorf("workbook %s contains no data rows", inputPath)
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush %s: %w", outPath, err)
	}

	log.Info().
		Str("output", outPath).
		Int("rows", result.Rows).
		Int("sheets", result.SheetCount).
		Str("headerSheet", result.HeaderSheet).
		Msg("Normalized keypoints workbook")

	return result, nil
}

// sheetEmpty reports whether every cell of every row is blank.
func sheetEmpty(rows [][]string) bool {
	for _, row := range rows {
		for _, cell := range row {
			if cell != "" {
				return false
			}
		}
	}
	return true
}
