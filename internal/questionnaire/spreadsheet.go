package questionnaire

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/kalambet/attest/internal/storage"
)

const previewRows = 20

// ColumnRole is what a mapped spreadsheet column contributes to an item.
type ColumnRole string

const (
	ColumnQuestion             ColumnRole = "QUESTION"
	ColumnAnswer               ColumnRole = "ANSWER"
	ColumnExplanation          ColumnRole = "EXPLANATION"
	ColumnAnswerAndExplanation ColumnRole = "ANSWER_AND_EXPLANATION"
)

// Preview is the header and the first rows of a workbook's first sheet.
type Preview struct {
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// PreviewSpreadsheet returns the header row and up to 20 data rows of the
// first sheet, each padded to the header width.
func PreviewSpreadsheet(data []byte) (Preview, error) {
	rows, err := firstSheet(data)
	if err != nil {
		return Preview{}, invalid("%v", err)
	}
	p := Preview{Columns: []string{}, Rows: [][]string{}}
	if len(rows) == 0 {
		return p, nil
	}
	p.Columns = rows[0]
	for _, row := range rows[1:min(len(rows), previewRows+1)] {
		cells := make([]string, len(p.Columns))
		copy(cells, row)
		p.Rows = append(p.Rows, cells)
	}
	return p, nil
}

type importLocation struct {
	Row         int `json:"row"`
	QuestionCol int `json:"questionCol"`
}

// ImportSpreadsheet appends one item per non-empty question cell of the
// first sheet, skipping the header row. Mapped answer and explanation cells
// become a DRAFT response. It returns the number of items created.
func (s *Service) ImportSpreadsheet(ctx context.Context, tenantID, userID, questionnaireID string, data []byte, mapping map[int]ColumnRole) (int, error) {
	questionCol, answerCol, explanationCol := -1, -1, -1
	for col, role := range mapping {
		if col < 0 {
			return 0, invalid("column index %d is negative", col)
		}
		switch role {
		case ColumnQuestion:
			questionCol = col
		case ColumnAnswer, ColumnAnswerAndExplanation:
			answerCol = col
		case ColumnExplanation:
			explanationCol = col
		default:
			return 0, invalid("unknown column role %q", role)
		}
	}
	if questionCol < 0 {
		return 0, invalid("no question column mapped")
	}
	if _, err := s.store.GetQuestionnaire(ctx, tenantID, questionnaireID); err != nil {
		return 0, err
	}
	rows, err := firstSheet(data)
	if err != nil {
		return 0, invalid("%v", err)
	}
	next, err := s.store.NextItemIndex(ctx, tenantID, questionnaireID)
	if err != nil {
		return 0, err
	}

	created := 0
	for r := 1; r < len(rows); r++ {
		question := cellAt(rows[r], questionCol)
		if question == "" {
			continue
		}
		answer, explanation := cellAt(rows[r], answerCol), cellAt(rows[r], explanationCol)
		state := storage.ItemUnanswered
		if answer != "" || explanation != "" {
			state = storage.ItemDrafted
		}
		loc, _ := json.Marshal(importLocation{Row: r, QuestionCol: questionCol})
		it, err := s.store.CreateItem(ctx, storage.QuestionnaireItem{
			TenantID:        tenantID,
			QuestionnaireID: questionnaireID,
			Index:           next + created,
			QuestionText:    question,
			State:           state,
			SourceLocation:  string(loc),
		})
		if err != nil {
			return created, err
		}
		if state == storage.ItemDrafted {
			if _, err := s.store.CreateResponse(ctx, storage.Response{
				TenantID:    tenantID,
				ItemID:      it.ID,
				AnswerText:  answer,
				Explanation: explanation,
				Status:      storage.ResponseDraft,
				CreatedBy:   userID,
			}); err != nil {
				return created, err
			}
		}
		created++
	}
	if _, err := s.store.RecomputeProgress(ctx, tenantID, questionnaireID); err != nil {
		return created, err
	}
	s.logger.Info("spreadsheet imported", "tenant_id", tenantID, "questionnaire_id", questionnaireID, "items", created)
	return created, nil
}

func firstSheet(data []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("opening workbook: %w", err)
	}
	defer f.Close()
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("reading sheet %q: %w", sheets[0], err)
	}
	for _, row := range rows {
		for c := range row {
			row[c] = strings.TrimSpace(row[c])
		}
	}
	return rows, nil
}

func cellAt(row []string, col int) string {
	if col < 0 || col >= len(row) {
		return ""
	}
	return row[col]
}
