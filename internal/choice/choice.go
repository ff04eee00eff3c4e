package choice

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/rs/zerolog"

	"llmbridge/internal/dispatch"
	"llmbridge/internal/metrics"
)

var ErrTooFewOptions = errors.New("choice needs at least two options")

type Match string

const (
	MatchExact     Match = "exact"
	MatchIndex     Match = "index"
	MatchSubstring Match = "substring"
	MatchFallback  Match = "fallback"
)

type Result struct {
	Option string
	// Index is zero-based into the options slice.
	Index    int
	Match    Match
	Fallback bool
	Reply    dispatch.Reply
}

type Chatter interface {
	Chat(ctx context.Context, agentID, prompt string) (dispatch.Reply, error)
}

type Resolver struct {
	chat    Chatter
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func New(chat Chatter, logger zerolog.Logger, m *metrics.Metrics) *Resolver {
	if m == nil {
		m = metrics.Global()
	}
	return &Resolver{chat: chat, logger: logger, metrics: m}
}

// Choose asks the agent to pick one of options and always returns a member
// of options unless the chat call itself fails.
func (r *Resolver) Choose(ctx context.Context, agentID, prompt string, options []string) (Result, error) {
	if len(options) < 2 {
		return Result{}, ErrTooFewOptions
	}
	reply, err := r.chat.Chat(ctx, agentID, BuildPrompt(prompt, options))
	if err != nil {
		return Result{}, err
	}
	res := Resolve(reply.Text, options)
	res.Reply = reply

	r.metrics.ChoiceOutcomes.WithLabelValues(string(res.Match)).Inc()
	if res.Fallback {
		r.logger.Warn().
			Str("agent_id", agentID).
			Str("reply", truncate(reply.Text, 120)).
			Msg("no option matched the reply, using the first option")
	}
	return res, nil
}

func BuildPrompt(prompt string, options []string) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(prompt))
	sb.WriteString("\n\nOptions:\n")
	for i, opt := range options {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, opt)
	}
	sb.WriteString("\nAnswer with only the number or the exact text of one option.")
	return sb.String()
}

// Resolve maps a free-text reply onto options. It tries an exact
// case-insensitive match, then a leading 1-based number, then the first
// option contained in the reply, and finally falls back to options[0].
func Resolve(reply string, options []string) Result {
	if len(options) == 0 {
		return Result{Index: -1, Match: MatchFallback, Fallback: true}
	}

	cleaned := normalize(reply)
	for i, opt := range options {
		if n := normalize(opt); n != "" && n == cleaned {
			return Result{Option: opt, Index: i, Match: MatchExact}
		}
	}

	if n, ok := leadingInt(reply); ok && n >= 1 && n <= len(options) {
		return Result{Option: options[n-1], Index: n - 1, Match: MatchIndex}
	}

	lower := strings.ToLower(reply)
	for i, opt := range options {
		needle := strings.ToLower(strings.TrimSpace(opt))
		if needle != "" && strings.Contains(lower, needle) {
			return Result{Option: opt, Index: i, Match: MatchSubstring}
		}
	}

	return Result{Option: options[0], Index: 0, Match: MatchFallback, Fallback: true}
}

func normalize(s string) string {
	return strings.ToLower(strings.Trim(s, " \t\r\n\"'`.!"))
}

func leadingInt(s string) (int, bool) {
	s = strings.TrimLeftFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == '(' || r == '[' || r == '"' || r == '\'' || r == '#'
	})
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0, false
	}
	return n, true
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
