// Package tokens provides pluggable token counting for compiled
// message lists.
package tokens

import (
	"fmt"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/tracthq/tract/internal/types"
)

// Message-format overhead mirroring the OpenAI chat encoding: a fixed
// cost per message plus a reply primer on the whole list.
const (
	tokensPerMessage = 4
	tokensPerReply   = 3
)

// Counter counts tokens for raw text and for structured message lists.
// Implementations must be deterministic.
type Counter interface {
	CountText(text string) int
	CountMessages(messages []types.Message) int
	// Source identifies the counting scheme, e.g. "tiktoken:cl100k_base".
	Source() string
}

// TiktokenCounter counts with a real BPE encoding.
type TiktokenCounter struct {
	encoding *tiktoken.Tiktoken
	name     string
}

// NewTiktokenCounter loads the named encoding (e.g. "cl100k_base").
// Loading may fetch the BPE ranks on first use; callers that need an
// offline counter should fall back to NewHeuristicCounter on error.
func NewTiktokenCounter(encodingName string) (*TiktokenCounter, error) {
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("failed to load encoding %s: %w", encodingName, err)
	}
	return &TiktokenCounter{encoding: enc, name: encodingName}, nil
}

func (c *TiktokenCounter) CountText(text string) int {
	return len(c.encoding.Encode(text, nil, nil))
}

func (c *TiktokenCounter) CountMessages(messages []types.Message) int {
	total := 0
	for _, m := range messages {
		total += tokensPerMessage
		total += c.CountText(m.Role)
		total += c.CountText(m.Content)
		if m.Name != "" {
			total += c.CountText(m.Name)
		}
	}
	if len(messages) > 0 {
		total += tokensPerReply
	}
	return total
}

func (c *TiktokenCounter) Source() string { return "tiktoken:" + c.name }

// HeuristicCounter approximates tokens as runes/4, the usual rough
// cut for English prose. Used when a BPE encoding is unavailable.
type HeuristicCounter struct{}

func NewHeuristicCounter() HeuristicCounter { return HeuristicCounter{} }

func (HeuristicCounter) CountText(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

func (h HeuristicCounter) CountMessages(messages []types.Message) int {
	total := 0
	for _, m := range messages {
		total += tokensPerMessage
		total += h.CountText(m.Role)
		total += h.CountText(m.Content)
		if m.Name != "" {
			total += h.CountText(m.Name)
		}
	}
	if len(messages) > 0 {
		total += tokensPerReply
	}
	return total
}

func (HeuristicCounter) Source() string { return "heuristic:chars/4" }

// Default returns the best available counter: tiktoken cl100k_base
// when its ranks can be loaded, the heuristic otherwise.
func Default() Counter {
	if c, err := NewTiktokenCounter("cl100k_base"); err == nil {
		return c
	}
	return NewHeuristicCounter()
}
