// Package dataset loads evaluation questions from CSV files. A dataset has
// a header row with at least the "question" and "gold_answer" columns; extra
// columns are ignored.
package dataset

import (
	"encoding/csv"
	"fmt"
	"os"

	"github.com/hasura/evalset/internal/models"
)

const (
	columnQuestion   = "question"
	columnGoldAnswer = "gold_answer"
)

// LoadQuestions reads every data row of a dataset file. Questions keep their
// 1-based dataset index so results remain attributable to rows after range
// selection.
func LoadQuestions(path string) ([]models.Question, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dataset: open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	reader := csv.NewReader(f)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("dataset: parse %s: %w", path, err)
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("dataset: %s is empty (no header row)", path)
	}

	headers := records[0]
	questionCol, goldCol := -1, -1
	for i, h := range headers {
		switch h {
		case columnQuestion:
			questionCol = i
		case columnGoldAnswer:
			goldCol = i
		}
	}
	if questionCol == -1 || goldCol == -1 {
		return nil, fmt.Errorf("dataset: %s must have %q and %q columns, got %v",
			path, columnQuestion, columnGoldAnswer, headers)
	}

	questions := make([]models.Question, 0, len(records)-1)
	for i, record := range records[1:] {
		if len(record) != len(headers) {
			return nil, fmt.Errorf("dataset: row %d has %d columns, expected %d", i+2, len(record), len(headers))
		}
		questions = append(questions, models.Question{
			Index:      i + 1,
			Text:       record[questionCol],
			GoldAnswer: record[goldCol],
		})
	}

	return questions, nil
}

// LoadQuestionsRange reads the data rows in [start, end] (1-based,
// inclusive). Row 1 is the first data row after the header. The end is
// clamped to the available rows; a start past the end of the file yields an
// empty slice.
func LoadQuestionsRange(path string, start, end int) ([]models.Question, error) {
	if start < 1 {
		return nil, fmt.Errorf("dataset: range start must be >= 1, got %d", start)
	}
	if end < start {
		return nil, fmt.Errorf("dataset: range end (%d) must be >= start (%d)", end, start)
	}

	all, err := LoadQuestions(path)
	if err != nil {
		return nil, err
	}

	if end > len(all) {
		end = len(all)
	}
	if start > len(all) {
		return []models.Question{}, nil
	}

	return all[start-1 : end], nil
}
