package models

import "sort"

// TokenUsage counts model tokens consumed by a task.
type TokenUsage struct {
	Prompt     int64 `json:"prompt_tokens" yaml:"prompt_tokens"`
	Completion int64 `json:"completion_tokens" yaml:"completion_tokens"`
	Total      int64 `json:"total_tokens" yaml:"total_tokens"`
}

// Add returns u plus the non-negative parts of inc. Total is derived when
// the increment leaves it unset.
func (u TokenUsage) Add(inc TokenUsage) TokenUsage {
	total := inc.Total
	if total == 0 {
		total = nonNegative(inc.Prompt) + nonNegative(inc.Completion)
	}
	return TokenUsage{
		Prompt:     u.Prompt + nonNegative(inc.Prompt),
		Completion: u.Completion + nonNegative(inc.Completion),
		Total:      u.Total + nonNegative(total),
	}
}

// IsZero reports whether no tokens were counted.
func (u TokenUsage) IsZero() bool {
	return u.Prompt == 0 && u.Completion == 0 && u.Total == 0
}

// ToolUsage counts invocations per tool name.
type ToolUsage map[string]int64

// Merge returns a new map holding u plus the non-negative counts of inc.
func (u ToolUsage) Merge(inc ToolUsage) ToolUsage {
	if len(u) == 0 && len(inc) == 0 {
		return u
	}
	out := u.Clone()
	if out == nil {
		out = make(ToolUsage, len(inc))
	}
	for name, n := range inc {
		out[name] += nonNegative(n)
	}
	return out
}

// Clone copies the map.
func (u ToolUsage) Clone() ToolUsage {
	if u == nil {
		return nil
	}
	out := make(ToolUsage, len(u))
	for k, v := range u {
		out[k] = v
	}
	return out
}

// Calls returns the total invocation count.
func (u ToolUsage) Calls() int64 {
	var n int64
	for _, v := range u {
		n += v
	}
	return n
}

// Names returns the tool names in sorted order.
func (u ToolUsage) Names() []string {
	names := make([]string, 0, len(u))
	for k := range u {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func nonNegative(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}
