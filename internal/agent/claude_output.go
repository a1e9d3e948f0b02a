// Package agent runs external coding-agent CLIs as task engines.
package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sevir/cadence/internal/engine"
	"github.com/sevir/cadence/pkg/models"
)

// AskToolName is the tool an agent calls to put a question to the user.
const AskToolName = "AskUserQuestion"

const maxTextCapture = 1024 * 1024

// StreamEvent is one line of stream-json output. Both the current
// envelope (assistant/user/system/result) and the older flat one
// (message/tool_use/tool_result/error) are accepted.
type StreamEvent struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Message   *StreamMessage  `json:"message,omitempty"`
	Content   []ContentBlock  `json:"content,omitempty"`
	Name      string          `json:"name,omitempty"`
	ID        string          `json:"id,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    string          `json:"output,omitempty"`
	Status    string          `json:"status,omitempty"`
	Result    string          `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Usage     *StreamUsage    `json:"usage,omitempty"`
}

// StreamMessage is the message body of assistant and user events.
type StreamMessage struct {
	Role    string         `json:"role,omitempty"`
	Content []ContentBlock `json:"content,omitempty"`
}

// ContentBlock is one block of a message.
type ContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// StreamUsage is the token accounting of a result event.
type StreamUsage struct {
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheReadTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_input_tokens"`
}

// TokenUsage converts to the task counters.
func (u StreamUsage) TokenUsage() models.TokenUsage {
	prompt := u.InputTokens + u.CacheReadTokens + u.CacheCreationTokens
	return models.TokenUsage{Prompt: prompt, Completion: u.OutputTokens, Total: prompt + u.OutputTokens}
}

// StreamParser turns stream-json lines into engine signals.
type StreamParser struct {
	SessionID string

	askID string
	text  strings.Builder
}

// NewStreamParser creates a parser.
func NewStreamParser() *StreamParser {
	return &StreamParser{}
}

// AskID returns the tool call id of the last question seen.
func (p *StreamParser) AskID() string {
	return p.askID
}

// Parse converts one output line. Lines that are not JSON are passed on
// as progress.
func (p *StreamParser) Parse(line string) []engine.Signal {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	var ev StreamEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return []engine.Signal{engine.Progress(line)}
	}

	switch ev.Type {
	case "system", "init":
		if ev.SessionID != "" {
			p.SessionID = ev.SessionID
		}
		return nil
	case "assistant":
		if ev.Message == nil {
			return nil
		}
		return p.blocks(ev.Message.Content)
	case "message":
		if ev.Message != nil {
			return p.blocks(ev.Message.Content)
		}
		return p.blocks(ev.Content)
	case "tool_use":
		return p.toolUse(ContentBlock{Type: "tool_use", ID: ev.ID, Name: ev.Name, Input: ev.Input})
	case "user", "tool_result":
		return nil
	case "error":
		msg := ev.Output
		if msg == "" {
			msg = ev.Result
		}
		return []engine.Signal{engine.Failure(fmt.Errorf("agent error: %s", msg))}
	case "result":
		return []engine.Signal{p.result(ev)}
	default:
		return p.blocks(ev.Content)
	}
}

func (p *StreamParser) blocks(blocks []ContentBlock) []engine.Signal {
	var out []engine.Signal
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if strings.TrimSpace(b.Text) == "" {
				continue
			}
			if p.text.Len() < maxTextCapture {
				p.text.WriteString(b.Text)
				if !strings.HasSuffix(b.Text, "\n") {
					p.text.WriteString("\n")
				}
			}
			out = append(out, engine.Progress(strings.TrimRight(b.Text, "\n")))
		case "tool_use":
			out = append(out, p.toolUse(b)...)
		}
	}
	return out
}

func (p *StreamParser) toolUse(b ContentBlock) []engine.Signal {
	if b.Name == "" {
		return nil
	}
	out := []engine.Signal{engine.Usage(models.TokenUsage{}, models.ToolUsage{b.Name: 1})}
	if b.Name != AskToolName {
		return out
	}
	prompt, suggestions := parseAsk(b.Input)
	if prompt == "" {
		return out
	}
	p.askID = b.ID
	return append(out, engine.Ask(prompt, askKind(suggestions), suggestions))
}

func (p *StreamParser) result(ev StreamEvent) engine.Signal {
	var tokens models.TokenUsage
	if ev.Usage != nil {
		tokens = ev.Usage.TokenUsage()
	}
	if ev.IsError || strings.HasPrefix(ev.Subtype, "error") || ev.Status == "error" {
		reason := ev.Result
		if reason == "" {
			reason = ev.Subtype
		}
		return engine.Failure(fmt.Errorf("agent finished with error: %s", reason))
	}
	text := ev.Result
	if text == "" {
		text = strings.TrimRight(p.text.String(), "\n")
	}
	return engine.Final(text, tokens, nil)
}

type askInput struct {
	Questions []struct {
		Question string          `json:"question"`
		Options  json.RawMessage `json:"options"`
	} `json:"questions"`
	Question string          `json:"question"`
	Options  json.RawMessage `json:"options"`
}

func parseAsk(raw json.RawMessage) (string, []string) {
	var in askInput
	if len(raw) == 0 || json.Unmarshal(raw, &in) != nil {
		return "", nil
	}
	if len(in.Questions) > 0 {
		return strings.TrimSpace(in.Questions[0].Question), optionLabels(in.Questions[0].Options)
	}
	return strings.TrimSpace(in.Question), optionLabels(in.Options)
}

func optionLabels(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var plain []string
	if json.Unmarshal(raw, &plain) == nil {
		return plain
	}
	var labelled []struct {
		Label string `json:"label"`
	}
	if json.Unmarshal(raw, &labelled) != nil {
		return nil
	}
	out := make([]string, 0, len(labelled))
	for _, o := range labelled {
		if o.Label != "" {
			out = append(out, o.Label)
		}
	}
	return out
}

func askKind(suggestions []string) models.QuestionKind {
	switch len(suggestions) {
	case 0:
		return models.QuestionFreeText
	case 2:
		a, b := strings.ToLower(suggestions[0]), strings.ToLower(suggestions[1])
		if (a == "yes" && b == "no") || (a == "no" && b == "yes") {
			return models.QuestionConfirmation
		}
	}
	return models.QuestionChoice
}

type userInput struct {
	Type    string      `json:"type"`
	Message userMessage `json:"message"`
}

type userMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type toolResult struct {
	Type      string `json:"type"`
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// promptLine is the stream-json input line carrying the task prompt.
func promptLine(prompt string) ([]byte, error) {
	return json.Marshal(userInput{Type: "user", Message: userMessage{Role: "user", Content: prompt}})
}

// answerLine is the stream-json input line resuming an ask.
func answerLine(toolUseID, text string, isError bool) ([]byte, error) {
	return json.Marshal(userInput{Type: "user", Message: userMessage{
		Role:    "user",
		Content: []toolResult{{Type: "tool_result", ToolUseID: toolUseID, Content: text, IsError: isError}},
	}})
}
