package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/sevir/cadence/pkg/models"
)

// Script is a deterministic engine read from YAML. It drives demos, the
// terminal runner and tests.
//
//	steps:
//	  - progress: Analyzing files...
//	  - ask: Overwrite config.json?
//	    kind: confirmation
//	    suggestions: ["Yes", "No"]
//	  - final: "Wrote 3 files ({{answer}})."
//	    usage: {prompt_tokens: 120, completion_tokens: 30}
type Script struct {
	Name  string `yaml:"name,omitempty"`
	Steps []Step `yaml:"steps"`
}

// Step is one scripted action. Exactly one action field is set.
type Step struct {
	Progress    string              `yaml:"progress,omitempty"`
	Ask         string              `yaml:"ask,omitempty"`
	Kind        models.QuestionKind `yaml:"kind,omitempty"`
	Suggestions []string            `yaml:"suggestions,omitempty"`
	// Default replaces the answer when the question is not answered;
	// without it an unanswered question fails the script.
	Default *string            `yaml:"default,omitempty"`
	Sleep   models.Duration    `yaml:"sleep,omitempty"`
	Final   *string            `yaml:"final,omitempty"`
	Repeat  int                `yaml:"repeat,omitempty"`
	Fail    string             `yaml:"fail,omitempty"`
	Usage   *models.TokenUsage `yaml:"usage,omitempty"`
	Tools   models.ToolUsage   `yaml:"tools,omitempty"`
}

func (s Step) action() string {
	var set []string
	if s.Progress != "" {
		set = append(set, "progress")
	}
	if s.Ask != "" {
		set = append(set, "ask")
	}
	if s.Sleep > 0 {
		set = append(set, "sleep")
	}
	if s.Final != nil {
		set = append(set, "final")
	}
	if s.Fail != "" {
		set = append(set, "fail")
	}
	switch {
	case len(set) == 1:
		return set[0]
	case len(set) == 0 && (s.Usage != nil || len(s.Tools) > 0):
		return "usage"
	case len(set) == 0:
		return ""
	default:
		return strings.Join(set, "+")
	}
}

// ParseScript decodes and validates a YAML script.
func ParseScript(data []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse script YAML: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks that every step has exactly one action and that the
// script terminates with final or fail.
func (s *Script) Validate() error {
	if len(s.Steps) == 0 {
		return errors.New("script has no steps")
	}
	for i, step := range s.Steps {
		switch a := step.action(); a {
		case "progress", "sleep", "usage", "final", "fail":
		case "ask":
			if step.Kind == "" {
				s.Steps[i].Kind = models.QuestionFreeText
				if len(step.Suggestions) > 0 {
					s.Steps[i].Kind = models.QuestionChoice
				}
			}
		case "":
			return fmt.Errorf("step %d has no action", i+1)
		default:
			return fmt.Errorf("step %d has several actions: %s", i+1, a)
		}
		if a := step.action(); (a == "final" || a == "fail") && i != len(s.Steps)-1 {
			return fmt.Errorf("step %d: %s must be the last step", i+1, a)
		}
	}
	if a := s.Steps[len(s.Steps)-1].action(); a != "final" && a != "fail" {
		return errors.New("script must end with final or fail")
	}
	return nil
}

// Engine returns a fresh engine that plays the script.
func (s *Script) Engine() *Func {
	return FromFunc(s.Run)
}

// Run plays the script against a session.
func (s *Script) Run(ctx context.Context, sess Session) (Result, error) {
	var (
		answer string
		tools  models.ToolUsage
		tokens models.TokenUsage
	)
	expand := func(text string) string {
		return strings.ReplaceAll(text, "{{answer}}", answer)
	}

	for i, step := range s.Steps {
		switch step.action() {
		case "progress":
			if err := sess.Progress(ctx, expand(step.Progress)); err != nil {
				return Result{}, err
			}
		case "ask":
			a, err := sess.Ask(ctx, expand(step.Ask), step.Kind, step.Suggestions)
			switch {
			case err == nil:
				answer = a.Text
			case step.Default != nil:
				answer = *step.Default
			default:
				return Result{}, fmt.Errorf("step %d: %w", i+1, err)
			}
		case "sleep":
			t := time.NewTimer(step.Sleep.Std())
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return Result{}, ctx.Err()
			}
		case "usage":
			var inc models.TokenUsage
			if step.Usage != nil {
				inc = *step.Usage
			}
			if err := sess.ReportUsage(ctx, inc, step.Tools); err != nil {
				return Result{}, err
			}
		case "final":
			if step.Usage != nil {
				tokens = *step.Usage
			}
			tools = step.Tools
			text := expand(*step.Final)
			if step.Repeat > 1 {
				text = strings.Repeat(text, step.Repeat)
			}
			return Result{Text: text, TokenUsage: tokens, ToolUsage: tools}, nil
		case "fail":
			return Result{}, errors.New(expand(step.Fail))
		}
	}
	return Result{}, errors.New("script ended without a result")
}
