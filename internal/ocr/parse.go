package ocr

import (
	"sort"
	"strings"

	"github.com/penguinhealth/chartflow/internal/models"
)

// ExtractLines returns the text lines of a result in reading order.
// LINE blocks capture all text, including delimiters that never appear
// as form fields; sorting by page then vertical position restores the
// order the engine may have interleaved across result pages.
func ExtractLines(res *Result) []models.Line {
	var lines []models.Line
	for _, block := range res.Blocks {
		if block.BlockType != "LINE" {
			continue
		}
		page := block.Page
		if page == 0 {
			page = 1
		}
		lines = append(lines, models.Line{
			Text: block.Text,
			Page: page,
			Y:    block.Geometry.BoundingBox.Top,
		})
	}

	sort.SliceStable(lines, func(i, j int) bool {
		if lines[i].Page != lines[j].Page {
			return lines[i].Page < lines[j].Page
		}
		return lines[i].Y < lines[j].Y
	})
	return lines
}

// Text joins lines into one newline-separated document body.
func Text(lines []models.Line) string {
	parts := make([]string, len(lines))
	for i, line := range lines {
		parts[i] = line.Text
	}
	return strings.Join(parts, "\n")
}
