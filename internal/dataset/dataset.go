// Package dataset loads rollout prompts from JSONL files.
package dataset

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// Example is one prompt record. Files using a "question" field (GSM8K-style
// exports) are accepted as well.
type Example struct {
	Prompt   string `json:"prompt"`
	Question string `json:"question"`
}

// Text returns the prompt text of the example.
func (e *Example) Text() string {
	if e.Prompt != "" {
		return e.Prompt
	}
	return e.Question
}

// LoadPrompts reads one JSON object per line and returns the prompt texts.
// Blank lines are skipped; a line that is neither valid JSON nor carries a
// prompt is an error.
func LoadPrompts(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()

	var prompts []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var ex Example
		if err := json.Unmarshal(raw, &ex); err != nil {
			return nil, fmt.Errorf("dataset line %d: %w", line, err)
		}
		if ex.Text() == "" {
			return nil, fmt.Errorf("dataset line %d: no prompt or question field", line)
		}
		prompts = append(prompts, ex.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	if len(prompts) == 0 {
		return nil, fmt.Errorf("dataset %s is empty", path)
	}
	return prompts, nil
}
