package runner

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Permission kinds attached to EventPermission events.
const (
	KindTool   = "tool"
	KindAction = "action"
)

var (
	allowToolRe = regexp.MustCompile(`allow\s+(\w+)\s+to\s+(.+?)\?`)
	shouldIRe   = regexp.MustCompile(`should i (create|write|modify|delete|execute|run)`)
)

// promptPattern pairs a matcher with a classifier that builds the permission
// event for matching text.
type promptPattern struct {
	match    func(lower string) bool
	classify func(text, lower string) *Event
}

// promptPatterns is evaluated in order; the first match wins. Package-level
// so new prompt shapes can be added without touching the detection flow.
var promptPatterns = []promptPattern{
	{
		// "Allow Write to create /path/file?"
		match: func(lower string) bool { return allowToolRe.MatchString(lower) },
		classify: func(text, lower string) *Event {
			m := allowToolRe.FindStringSubmatch(lower)
			options := []string{"Yes", "No"}
			if strings.Contains(lower, "always") {
				options = append(options, "Always")
			}
			return &Event{
				Type:    EventPermission,
				Prompt:  text,
				Kind:    KindTool,
				Tool:    capitalize(m[1]),
				Action:  m[2],
				Options: options,
			}
		},
	},
	{
		// "(Y)es / (N)o / (A)lways"
		match: func(lower string) bool {
			return strings.Contains(lower, "(y)es") && strings.Contains(lower, "(n)o")
		},
		classify: func(text, lower string) *Event {
			options := []string{"Yes", "No"}
			if strings.Contains(lower, "(a)lways") {
				options = append(options, "Always")
			}
			return &Event{Type: EventPermission, Prompt: text, Kind: KindTool, Options: options}
		},
	},
	{
		match: func(lower string) bool {
			return strings.Contains(lower, "[y/n]") || strings.Contains(lower, "(y/n)")
		},
		classify: func(text, lower string) *Event {
			return &Event{Type: EventPermission, Prompt: text, Kind: KindTool, Options: []string{"y", "n"}}
		},
	},
	{
		match: func(lower string) bool { return strings.Contains(lower, "press enter") },
		classify: func(text, lower string) *Event {
			return &Event{Type: EventPermission, Prompt: text, Kind: KindTool, Options: []string{"Continue"}}
		},
	},
	{
		match: func(lower string) bool {
			return strings.Contains(lower, "do you want to proceed") || strings.Contains(lower, "approve this plan")
		},
		classify: func(text, lower string) *Event {
			return &Event{Type: EventPermission, Prompt: text, Kind: KindTool, Options: []string{"Yes", "No"}}
		},
	},
	{
		match: func(lower string) bool {
			return strings.Contains(lower, "run this command") || strings.Contains(lower, "execute this")
		},
		classify: func(text, lower string) *Event {
			return &Event{Type: EventPermission, Prompt: text, Kind: KindTool, Options: []string{"Yes", "No"}}
		},
	},
}

// detectPrompt scans raw subprocess output for an interactive permission
// prompt. Returns nil when the text contains no prompt.
func detectPrompt(text string) *Event {
	lower := strings.ToLower(text)
	for _, p := range promptPatterns {
		if p.match(lower) {
			return p.classify(text, lower)
		}
	}
	return nil
}

// streamMessage is the subset of a structured output line the prompt detector
// inspects.
type streamMessage struct {
	Type    string `json:"type"`
	Result  string `json:"result"`
	Message struct {
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// detectJSONPrompt re-applies prompt detection to the text content of a
// structured assistant or result message, using a secondary conversational
// pattern set. Matches produce an action-kind permission event.
func detectJSONPrompt(raw []byte) *Event {
	var msg streamMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil
	}

	var text string
	switch msg.Type {
	case "assistant":
		var blocks []contentBlock
		if err := json.Unmarshal(msg.Message.Content, &blocks); err == nil {
			for _, b := range blocks {
				if b.Type == "text" {
					text += b.Text + " "
				}
			}
		} else {
			var s string
			if err := json.Unmarshal(msg.Message.Content, &s); err == nil {
				text = s
			}
		}
	case "result":
		text = msg.Result
	}
	if text == "" {
		return nil
	}

	lower := strings.ToLower(text)
	action := ""
	switch {
	case strings.Contains(lower, "may i proceed"):
		action = "proceed"
	case strings.Contains(lower, "do you want me to"):
		action = "action"
	case shouldIRe.MatchString(lower):
		action = "action"
	case strings.Contains(lower, "do you approve"):
		action = "approval"
	case strings.Contains(lower, "is this okay"):
		action = "confirmation"
	case strings.Contains(lower, "can i proceed"):
		action = "proceed"
	case strings.Contains(lower, "shall i"):
		action = "action"
	default:
		return nil
	}

	preview := strings.TrimSpace(text)
	if len(preview) > 200 {
		preview = preview[:200] + "..."
	}
	return &Event{
		Type:    EventPermission,
		Prompt:  preview,
		Kind:    KindAction,
		Action:  action,
		Options: []string{"Yes", "No"},
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
