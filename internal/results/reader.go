// Package results reads the artifacts an agent leaves behind after finishing
// a task. Everything here is best-effort: agents write these files themselves
// and any of them may be missing, partial, or malformed.
package results

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"agentdeck/internal/model"
)

const (
	summaryLimit      = 500
	filesChangedLimit = 20
)

// frontmatter is the YAML header of a result markdown file.
type frontmatter struct {
	Status string   `yaml:"status"`
	Needs  []string `yaml:"needs"`
	File   string   `yaml:"file"`
}

// outputStats is the subset of the agent's output JSON the scheduler keeps.
type outputStats struct {
	SessionID    string  `json:"session_id"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	DurationMS   int64   `json:"duration_ms"`
	NumTurns     int     `json:"num_turns"`
	Result       string  `json:"result"`
}

// Read collects the most recent result markdown and output JSON from an
// agent's result directory into a TaskResult. Returns nil only when the
// directory itself cannot be listed; otherwise every recoverable field is
// filled and parse problems are noted on the result.
func Read(dir string) *model.TaskResult {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	result := &model.TaskResult{}
	if path := newest(entries, dir, "-result.md"); path != "" {
		readResultFile(path, result)
	}
	if path := newest(entries, dir, "-output.json"); path != "" {
		readOutputFile(path, result)
	}
	if result.Empty() {
		return nil
	}
	return result
}

// newest returns the lexically last file with the given suffix. File names
// start with a sortable timestamp, so lexical order is chronological order.
func newest(entries []os.DirEntry, dir, suffix string) string {
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	return filepath.Join(dir, names[len(names)-1])
}

func readResultFile(path string, result *model.TaskResult) {
	data, err := os.ReadFile(path)
	if err != nil {
		result.ParseError = "unreadable result file: " + err.Error()
		return
	}

	body := string(data)
	if fm, rest, ok := splitFrontmatter(body); ok {
		var parsed frontmatter
		if err := yaml.Unmarshal([]byte(fm), &parsed); err != nil {
			result.ParseError = "malformed result frontmatter: " + err.Error()
		} else {
			result.Status = parsed.Status
			result.Needs = parsed.Needs
			result.File = parsed.File
		}
		body = rest
	}

	result.Summary = truncate(section(body, "## Summary"), summaryLimit)
	result.FilesChanged = listItems(section(body, "## Files Changed"), filesChangedLimit)
}

func readOutputFile(path string, result *model.TaskResult) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var stats outputStats
	if err := json.Unmarshal(data, &stats); err != nil {
		if result.ParseError == "" {
			result.ParseError = "malformed output file: " + err.Error()
		}
		return
	}
	result.SessionID = stats.SessionID
	result.CostUSD = stats.TotalCostUSD
	result.DurationMS = stats.DurationMS
	result.NumTurns = stats.NumTurns
	result.Output = truncate(stats.Result, summaryLimit)
}

// splitFrontmatter separates a leading --- delimited YAML block from the
// markdown body.
func splitFrontmatter(body string) (fm, rest string, ok bool) {
	if !strings.HasPrefix(body, "---\n") && !strings.HasPrefix(body, "---\r\n") {
		return "", body, false
	}
	trimmed := strings.TrimPrefix(body, "---")
	end := strings.Index(trimmed, "\n---")
	if end < 0 {
		return "", body, false
	}
	fm = trimmed[:end]
	rest = trimmed[end+len("\n---"):]
	return fm, rest, true
}

// section extracts the text under a markdown heading, up to the next heading.
func section(body, heading string) string {
	idx := strings.Index(body, heading)
	if idx < 0 {
		return ""
	}
	content := body[idx+len(heading):]
	if next := strings.Index(content, "\n## "); next >= 0 {
		content = content[:next]
	}
	return strings.TrimSpace(content)
}

// listItems parses markdown bullet lines into a capped slice.
func listItems(text string, limit int) []string {
	var items []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if item, ok := strings.CutPrefix(line, "- "); ok {
			items = append(items, strings.TrimSpace(item))
		} else if item, ok := strings.CutPrefix(line, "* "); ok {
			items = append(items, strings.TrimSpace(item))
		}
		if len(items) == limit {
			break
		}
	}
	return items
}

func truncate(s string, limit int) string {
	if len(s) > limit {
		return s[:limit]
	}
	return s
}
