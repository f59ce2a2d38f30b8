// Package extraction finds question tables in spreadsheet-like documents and
// turns their rows into questionnaire items.
package extraction

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

const (
	maxHeaderScan  = 15
	minDataRows    = 2
	minRoleMatches = 2
	maxRowBonus    = 0.2
	itemHeaderMax  = 30
)

// Sheet is the chosen header interpretation of one qualifying table.
type Sheet struct {
	Name         string
	Index        int
	Rows         [][]string
	DataStartRow int
	QuestionCol  int
	ItemCol      int
	CategoryCol  int
	AnswerCol    int
	ScoreCol     int
	Confidence   float64
}

// Item is one extracted question. Answer is the answer cell, empty when the
// row had none.
type Item struct {
	Index          int
	QuestionText   string
	Answer         string
	SourceLocation string
}

// Result is the outcome of a successful extraction.
type Result struct {
	Sheets   []Sheet
	Items    []Item
	Answered int
}

// Progress is the share of items that already carry an answer, rounded down.
func (r *Result) Progress() int {
	if len(r.Items) == 0 {
		return 0
	}
	return r.Answered * 100 / len(r.Items)
}

type Extractor struct {
	rules  *Rules
	logger *slog.Logger
}

// New creates an Extractor. A nil rules table selects DefaultRules.
func New(rules *Rules) *Extractor {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Extractor{rules: rules, logger: slog.Default()}
}

type structured struct {
	Tables []struct {
		Title *string `json:"title"`
		Rows  [][]any `json:"rows"`
	} `json:"tables"`
}

// Extract analyzes parsedJSON and returns the items of every qualifying
// sheet, sheets ordered by confidence. It returns nil when no sheet
// qualifies, and an error only when parsedJSON is not valid JSON.
func (e *Extractor) Extract(parsedJSON []byte) (*Result, error) {
	var doc structured
	if err := json.Unmarshal(parsedJSON, &doc); err != nil {
		return nil, fmt.Errorf("decoding structured data: %w", err)
	}

	var sheets []Sheet
	for t, table := range doc.Tables {
		name := fmt.Sprintf("Sheet %d", t+1)
		if table.Title != nil {
			name = *table.Title
		}
		if len(table.Rows) < 2 {
			continue
		}
		rows := make([][]string, len(table.Rows))
		for r, row := range table.Rows {
			cells := make([]string, len(row))
			for c, v := range row {
				cells[c] = cellString(v)
			}
			rows[r] = cells
		}

		var best *Sheet
		for h := 0; h < min(len(rows), maxHeaderScan); h++ {
			s, ok := e.analyzeHeaderRow(rows, h)
			if ok && (best == nil || s.Confidence > best.Confidence) {
				s.Name, s.Index, s.Rows = name, t, rows
				best = &s
			}
		}
		if best != nil {
			e.logger.Info("question sheet qualifies",
				"sheet", name,
				"confidence", fmt.Sprintf("%.2f", best.Confidence),
				"question_col", best.QuestionCol,
				"answer_col", best.AnswerCol,
				"data_rows", len(rows)-best.DataStartRow)
			sheets = append(sheets, *best)
		}
	}
	if len(sheets) == 0 {
		return nil, nil
	}
	sort.SliceStable(sheets, func(i, j int) bool { return sheets[i].Confidence > sheets[j].Confidence })

	res := &Result{Sheets: sheets}
	for _, s := range sheets {
		e.walk(s, res)
	}
	if len(res.Items) == 0 {
		return nil, nil
	}
	return res, nil
}

func (e *Extractor) analyzeHeaderRow(rows [][]string, headerRow int) (Sheet, bool) {
	headers := rows[headerRow]
	s := Sheet{QuestionCol: -1, ItemCol: -1, CategoryCol: -1, AnswerCol: -1, ScoreCol: -1}
	matched := make(map[Role]bool)

	for c, raw := range headers {
		h := strings.TrimSpace(raw)
		if h == "" {
			continue
		}
		for _, r := range e.rules.rules {
			if !r.re.MatchString(h) {
				continue
			}
			if r.Role == RoleQuestion {
				if s.QuestionCol < 0 || (r.prefer != nil && r.prefer.MatchString(h)) {
					if s.QuestionCol >= 0 {
						s.ItemCol = s.QuestionCol
					}
					s.QuestionCol = c
				}
			} else {
				col := s.column(r.Role)
				if *col >= 0 {
					continue
				}
				*col = c
			}
			matched[r.Role] = true
			s.Confidence += r.Weight
			break
		}
	}

	if s.QuestionCol < 0 || len(matched) < minRoleMatches {
		return Sheet{}, false
	}

	if s.ItemCol < 0 && s.CategoryCol < 0 {
		for c := 0; c < s.QuestionCol; c++ {
			h := strings.TrimSpace(headers[c])
			if h != "" && len([]rune(h)) < itemHeaderMax {
				s.ItemCol = c
			}
		}
	}

	dataRows := len(rows) - headerRow - 1
	if dataRows < minDataRows {
		return Sheet{}, false
	}
	s.Confidence += min(float64(dataRows)/50.0, maxRowBonus)
	s.DataStartRow = headerRow + 1
	return s, true
}

func (s *Sheet) column(role Role) *int {
	switch role {
	case RoleCategory:
		return &s.CategoryCol
	case RoleAnswer:
		return &s.AnswerCol
	default:
		return &s.ScoreCol
	}
}

type sourceLocation struct {
	Sheet       string `json:"sheet"`
	Row         int    `json:"row"`
	Category    string `json:"category"`
	QuestionCol int    `json:"questionCol"`
	AnswerCol   int    `json:"answerCol"`
}

func (e *Extractor) walk(s Sheet, res *Result) {
	lastCategory := ""
	for r := s.DataStartRow; r < len(s.Rows); r++ {
		row := s.Rows[r]
		question := cell(row, s.QuestionCol)
		item := cell(row, s.ItemCol)
		if question == "" && item == "" {
			continue
		}
		if question == "" {
			question = item
		}
		if category := cell(row, s.CategoryCol); category != "" {
			lastCategory = category
		}
		answer := cell(row, s.AnswerCol)

		full := question
		if item != "" && item != question {
			full = item + " — " + question
		}
		if lastCategory != "" {
			full = "[" + lastCategory + "] " + full
		}

		loc, _ := json.Marshal(sourceLocation{
			Sheet:       s.Name,
			Row:         r,
			Category:    lastCategory,
			QuestionCol: s.QuestionCol,
			AnswerCol:   s.AnswerCol,
		})
		res.Items = append(res.Items, Item{
			Index:          len(res.Items),
			QuestionText:   full,
			Answer:         answer,
			SourceLocation: string(loc),
		})
		if answer != "" {
			res.Answered++
		}
	}
}

func cell(row []string, col int) string {
	if col < 0 || col >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[col])
}

func cellString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprint(x)
	default:
		return fmt.Sprint(x)
	}
}
