package ai

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"studyboard/api/internal/store"
)

const summarySystem = "You are a study assistant. Summarize the provided class material into a short, well-structured study summary. Use plain text with short paragraphs and bullet points. Do not invent facts that are not in the material."

const quizSystem = `You are a study assistant that writes practice quizzes. Respond with ONLY a JSON array, no prose. Each element must be an object with keys "question" (string), "options" (array of exactly 4 strings), "answer" (integer index 0-3 of the correct option) and "explanation" (string).`

const scheduleSystem = `You are a study planner. Given open study units with priorities, time estimates and due dates, produce a day-by-day plan. Respond with ONLY a JSON array, no prose. Each element must be an object with keys "date" (YYYY-MM-DD), "tileId" (string), "title" (string), "minutes" (integer) and "note" (string). Schedule higher-priority and earlier-due items first and never place an item after its due date.`

// QuizQuestion is one generated multiple-choice question.
type QuizQuestion struct {
	Question    string   `json:"question"`
	Options     []string `json:"options"`
	Answer      int      `json:"answer"`
	Explanation string   `json:"explanation"`
}

// ScheduleEntry is one slot of a generated study plan.
type ScheduleEntry struct {
	Date   string `json:"date"`
	TileID string `json:"tileId"`
	Title  string `json:"title"`
	Min    int    `json:"minutes"`
	Note   string `json:"note"`
}

const maxExtractLen = 8000

// BuildSummaryPrompt assembles the material of one board into a user prompt.
func BuildSummaryPrompt(board store.Board, tiles []store.Tile, files []store.File) (system, user string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Class: %s", board.Name)
	if board.Subject != "" {
		fmt.Fprintf(&b, " (%s)", board.Subject)
	}
	b.WriteString("\n\n")

	for _, t := range tiles {
		fmt.Fprintf(&b, "Study unit: %s [%s]\n", t.Title, t.Status)
		if t.Notes != "" {
			b.WriteString(t.Notes)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	writeFileExtracts(&b, files)

	return summarySystem, b.String()
}

// BuildQuizPrompt assembles board material and the desired question count.
func BuildQuizPrompt(board store.Board, tiles []store.Tile, files []store.File, count int) (system, user string) {
	if count <= 0 {
		count = 5
	}
	_, material := BuildSummaryPrompt(board, tiles, files)
	user = fmt.Sprintf("Write %d multiple-choice questions about the following material.\n\n%s", count, material)
	return quizSystem, user
}

// BuildSchedulePrompt describes the user's open study units for planning.
func BuildSchedulePrompt(tiles []store.Tile, now time.Time) (system, user string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Today is %s. Open study units:\n\n", now.UTC().Format("2006-01-02"))
	for _, t := range tiles {
		fmt.Fprintf(&b, "- id=%s title=%q priority=%d estimated_minutes=%d", t.ID, t.Title, t.Priority, t.EstimatedMinutes)
		if t.DueAt != nil {
			fmt.Fprintf(&b, " due=%s", t.DueAt.UTC().Format("2006-01-02"))
		}
		b.WriteString("\n")
	}
	return scheduleSystem, b.String()
}

func writeFileExtracts(b *strings.Builder, files []store.File) {
	for _, f := range files {
		if f.ExtractedText == "" {
			continue
		}
		text := f.ExtractedText
		if len(text) > maxExtractLen {
			text = text[:maxExtractLen]
		}
		fmt.Fprintf(b, "Attached file %q:\n%s\n\n", f.Name, text)
	}
}

// ParseQuiz decodes the model's quiz output, tolerating markdown code fences
// and surrounding prose.
func ParseQuiz(text string) ([]QuizQuestion, error) {
	raw := extractJSONArray(text)
	var questions []QuizQuestion
	if err := json.Unmarshal([]byte(raw), &questions); err != nil {
		return nil, fmt.Errorf("parse quiz: %w", err)
	}
	for i, q := range questions {
		if q.Question == "" || len(q.Options) == 0 {
			return nil, fmt.Errorf("parse quiz: question %d is incomplete", i)
		}
		if q.Answer < 0 || q.Answer >= len(q.Options) {
			return nil, fmt.Errorf("parse quiz: question %d has answer index out of range", i)
		}
	}
	return questions, nil
}

// ParseSchedule decodes the model's plan output with the same tolerance.
func ParseSchedule(text string) ([]ScheduleEntry, error) {
	raw := extractJSONArray(text)
	var entries []ScheduleEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("parse schedule: %w", err)
	}
	return entries, nil
}

// extractJSONArray returns the first top-level JSON array in text, stripping
// anything before the first '[' and after the last ']'.
func extractJSONArray(text string) string {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start == -1 || end == -1 || end < start {
		return text
	}
	return text[start : end+1]
}
