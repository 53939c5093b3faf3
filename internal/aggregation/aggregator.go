// Package aggregation folds per-chunk runner verdicts of large-document
// reviews into one result per checklist item.
package aggregation

import (
	"fmt"
	"strings"

	"ai-review-orchestrator/internal/models"
)

// Aggregate groups chunk results by checklist item content, in first-seen
// order, and keeps every chunk as an ordered constituent of its item.
//
// An item succeeds when any of its chunks succeeded. Its evaluation is the
// label ranked earliest in labels among the successful chunks, or the first
// successful chunk's evaluation when none of them is a known label. The
// error message is set only when every chunk failed.
func Aggregate(chunks []models.ChunkResult, labels []string) []models.ItemResult {
	rank := make(map[string]int, len(labels))
	for i, l := range labels {
		if _, ok := rank[l]; !ok {
			rank[l] = i
		}
	}

	var order []string
	groups := make(map[string][]models.ChunkResult)
	for _, c := range chunks {
		if _, ok := groups[c.ChecklistItem]; !ok {
			order = append(order, c.ChecklistItem)
		}
		groups[c.ChecklistItem] = append(groups[c.ChecklistItem], c)
	}

	out := make([]models.ItemResult, 0, len(order))
	for _, item := range order {
		out = append(out, merge(item, groups[item], rank))
	}
	return out
}

func merge(item string, chunks []models.ChunkResult, rank map[string]int) models.ItemResult {
	res := models.ItemResult{
		ChecklistItem: item,
		Constituents:  chunks,
	}

	var comments, errs []string
	bestRank := -1
	for _, c := range chunks {
		if c.Failed() {
			errs = append(errs, label(c)+c.Error)
			continue
		}
		if c.Comment != "" {
			comments = append(comments, label(c)+c.Comment)
		}
		r, known := rank[c.Evaluation]
		switch {
		case res.Evaluation == "" && bestRank < 0:
			res.Evaluation = c.Evaluation
			if known {
				bestRank = r
			}
		case known && (bestRank < 0 || r < bestRank):
			res.Evaluation = c.Evaluation
			bestRank = r
		}
	}
	if len(errs) == len(chunks) {
		res.ErrorMessage = strings.Join(errs, "\n")
		return res
	}
	res.Comment = strings.Join(comments, "\n")
	return res
}

func label(c models.ChunkResult) string {
	if c.SourceFile == "" {
		return fmt.Sprintf("[chunk %d] ", c.ChunkIndex)
	}
	return "[" + c.SourceFile + "] "
}

// Summary counts item outcomes of a finished review.
type Summary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

func Summarize(items []models.ItemResult) Summary {
	s := Summary{Total: len(items)}
	for _, it := range items {
		if it.Failed() {
			s.Failed++
		} else {
			s.Succeeded++
		}
	}
	return s
}
