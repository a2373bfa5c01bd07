// Package normalize turns raw extracted page data into structured output
// using a text-generation backend. Model output is treated as untrusted:
// JSON is carved out of whatever the model returns, and parse failures
// degrade to a wrapped raw payload instead of an error.
package normalize

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"webrunner/internal/llm"
	"webrunner/internal/logging"

	"golang.org/x/net/html"
)

const (
	defaultAITask       = "Summarize and structure the extracted data"
	defaultOutputFormat = "json"

	// Page content beyond this many characters is dropped before
	// prompting. Keeps token usage bounded on large pages.
	maxPageContent = 15000
)

// Normalizer drives AI post-processing of extraction results.
type Normalizer struct {
	client llm.Client
}

// New creates a Normalizer backed by the given client.
func New(client llm.Client) *Normalizer {
	return &Normalizer{client: client}
}

// ProcessData asks the model to transform raw extracted data according to
// the task instruction and output format. The returned value is the parsed
// JSON object when the model produced one, or a map with "error" and
// "content" keys when it did not. Only transport failures return an error.
func (n *Normalizer) ProcessData(ctx context.Context, rawData interface{}, aiTask, outputFormat string, schema json.RawMessage) (interface{}, error) {
	if aiTask == "" {
		aiTask = defaultAITask
	}
	if outputFormat == "" {
		outputFormat = defaultOutputFormat
	}

	encoded, err := json.MarshalIndent(rawData, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode raw data: %w", err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Task: %s\n\n", aiTask)
	fmt.Fprintf(&sb, "Input data:\n%s\n\n", encoded)
	fmt.Fprintf(&sb, "Respond in %s format.", outputFormat)
	if len(schema) > 0 {
		fmt.Fprintf(&sb, "\n\nThe output must conform to this JSON schema:\n%s", schema)
	}

	system := "You are a data processing assistant. Transform the input data as instructed. " +
		"When asked for JSON, respond with a single JSON value and no commentary."

	raw, err := n.client.CompleteWithSystem(ctx, system, sb.String())
	if err != nil {
		return nil, fmt.Errorf("process data: %w", err)
	}
	return parseModelOutput(raw), nil
}

// GenerateAutomationInstructions asks the model for a structured automation
// plan for a natural-language task description. Same parse contract as
// ProcessData: the parsed JSON value, or {error, content} when the model
// produced none.
func (n *Normalizer) GenerateAutomationInstructions(ctx context.Context, taskDescription string) (interface{}, error) {
	var sb strings.Builder
	sb.WriteString("Produce browser automation instructions for the following task.\n\n")
	fmt.Fprintf(&sb, "Task: %s\n\n", taskDescription)
	sb.WriteString("Respond with a JSON object of the form:\n" +
		`{
  "steps": [
    {"action": "navigate|click|input|extract|wait|condition", "selector": "css selector if applicable", "value": "input value or url if applicable", "description": "what this step does"}
  ],
  "expectedOutput": "description of the data the task should produce"
}`)

	raw, err := n.client.CompleteWithSystem(ctx,
		"You are a browser automation expert. Respond with a single JSON value and no commentary.",
		sb.String())
	if err != nil {
		return nil, fmt.Errorf("generate instructions: %w", err)
	}
	return parseModelOutput(raw), nil
}

// AnalyzeWebpage asks the model which data regions of a page are worth
// extracting. Script and style content is stripped and the remaining text
// truncated before prompting. Same parse contract as ProcessData.
func (n *Normalizer) AnalyzeWebpage(ctx context.Context, pageHTML, pageURL string) (interface{}, error) {
	content := extractText(pageHTML)
	if len(content) > maxPageContent {
		content = content[:maxPageContent]
		logging.LLM("page content truncated to %d chars for analysis", maxPageContent)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Identify the extractable data regions of the page at %s.\n\n", pageURL)
	fmt.Fprintf(&sb, "Page content:\n%s\n\n", content)
	sb.WriteString("Respond with a JSON object of the form:\n" +
		`{
  "regions": [
    {"name": "field name", "selector": "css selector", "type": "text|html|attribute", "description": "what this region contains"}
  ]
}`)

	raw, err := n.client.CompleteWithSystem(ctx,
		"You analyze webpage structure for data extraction. Respond with a single JSON value and no commentary.",
		sb.String())
	if err != nil {
		return nil, fmt.Errorf("analyze webpage: %w", err)
	}
	return parseModelOutput(raw), nil
}

// parseModelOutput extracts and parses JSON from model output. A fenced
// ```json block wins; otherwise the first balanced {...} or [...] substring
// is tried. Unparsable output becomes a map carrying the raw text.
func parseModelOutput(raw string) interface{} {
	candidate := extractJSONBlock(raw)
	if candidate == "" {
		candidate = extractBalancedJSON(raw)
	}
	if candidate != "" {
		var parsed interface{}
		if err := json.Unmarshal([]byte(candidate), &parsed); err == nil {
			return parsed
		}
	}
	return map[string]interface{}{
		"error":   "model output was not valid JSON",
		"content": raw,
	}
}

// extractJSONBlock returns the contents of the first fenced ```json block,
// or "" when none exists.
func extractJSONBlock(s string) string {
	start := strings.Index(s, "```json")
	if start == -1 {
		return ""
	}
	rest := s[start+len("```json"):]
	end := strings.Index(rest, "```")
	if end == -1 {
		return ""
	}
	return strings.TrimSpace(rest[:end])
}

// extractBalancedJSON returns the first brace- or bracket-balanced JSON
// candidate in s, or "" when none exists. Quoting is respected so braces
// inside strings do not affect depth.
func extractBalancedJSON(s string) string {
	start := -1
	var open, close byte
	for i := 0; i < len(s); i++ {
		if s[i] == '{' || s[i] == '[' {
			start = i
			open = s[i]
			if open == '{' {
				close = '}'
			} else {
				close = ']'
			}
			break
		}
	}
	if start == -1 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == open:
			depth++
		case c == close:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// extractText strips tags from HTML, skipping script and style subtrees.
func extractText(raw string) string {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return raw
	}
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style" || n.Data == "noscript") {
			return
		}
		if n.Type == html.TextNode {
			text := strings.TrimSpace(n.Data)
			if text != "" {
				sb.WriteString(text)
				sb.WriteByte('\n')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return strings.TrimSpace(sb.String())
}
