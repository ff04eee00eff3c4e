package bridge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"llmbridge/internal/config"
	"llmbridge/internal/dispatch"
)

var ErrUsage = errors.New("usage")

const usage = `commands:
  chat <agent> <prompt>                 synchronous chat
  async <agent> <prompt>                launch a chat, prints a handle
  await <handle>                        wait for a launched chat
  state <handle>                        created, pending, resolved or failed
  drop <handle>                         forget a handle
  choose <agent> <prompt> | <a> | <b>   constrained choice, options split on |
  clear <agent>                         drop an agent's history
  history <agent>                       print an agent's history
  note <agent> <role> <text>            append a message without a call
  agents                                agents with their message counts
  providers [ready]                     list all or only ready providers
  status [provider]                     readiness of a provider
  config                                active configuration, keys masked
  setup [provider]                      setup help
  models [provider]                     model catalog
  load <path>                           load a key=value config file
  provider <name>                       switch the active provider
  key <api-key>                         set the active provider's key
  model <name>                          set the active model
  base_url <url>                        set the active base url
  forget-key <provider>                 delete stored credentials
  restore <provider>                    reload stored credentials
  audit [n]                             newest credential actions`

// Exec runs one command line and renders its result as text. It never
// panics; every failure comes back as an error.
func (b *Bridge) Exec(ctx context.Context, line string) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Str("line", line).Msg("command panicked")
			out, err = "", fmt.Errorf("internal error: %v", r)
		}
	}()

	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", nil
	}
	cmd, rest := cut(line)
	switch strings.ToLower(cmd) {
	case "help", "?":
		return usage, nil

	case "chat":
		agent, prompt := cut(rest)
		if agent == "" || prompt == "" {
			return "", usageErr("chat <agent> <prompt>")
		}
		reply, err := b.Chat(ctx, agent, prompt)
		if err != nil {
			return "", err
		}
		return renderReply(reply), nil

	case "async":
		agent, prompt := cut(rest)
		if agent == "" || prompt == "" {
			return "", usageErr("async <agent> <prompt>")
		}
		return b.ChatAsync(agent, prompt)

	case "await":
		if rest == "" {
			return "", usageErr("await <handle>")
		}
		reply, err := b.Await(ctx, rest)
		if err != nil {
			return "", err
		}
		return renderReply(reply), nil

	case "state":
		st, err := b.TaskState(rest)
		if err != nil {
			return "", err
		}
		return st.String(), nil

	case "drop":
		if rest == "" {
			return "", usageErr("drop <handle>")
		}
		b.Forget(rest)
		return "ok", nil

	case "choose":
		agent, body := cut(rest)
		parts := strings.Split(body, "|")
		if agent == "" || len(parts) < 2 {
			return "", usageErr("choose <agent> <prompt> | <option> | <option>")
		}
		options := make([]string, 0, len(parts)-1)
		for _, p := range parts[1:] {
			if p = strings.TrimSpace(p); p != "" {
				options = append(options, p)
			}
		}
		res, err := b.Choose(ctx, agent, strings.TrimSpace(parts[0]), options)
		if err != nil {
			return "", err
		}
		if res.Fallback {
			return fmt.Sprintf("%s (fallback)", res.Option), nil
		}
		return res.Option, nil

	case "clear":
		if rest == "" {
			return "", usageErr("clear <agent>")
		}
		b.ClearHistory(rest)
		return "ok", nil

	case "history":
		if rest == "" {
			return "", usageErr("history <agent>")
		}
		msgs := b.History(rest)
		lines := make([]string, 0, len(msgs))
		for _, m := range msgs {
			lines = append(lines, fmt.Sprintf("%s: %s", m.Role, m.Content))
		}
		return strings.Join(lines, "\n"), nil

	case "note":
		agent, tail := cut(rest)
		role, content := cut(tail)
		if agent == "" || role == "" || content == "" {
			return "", usageErr("note <agent> <role> <text>")
		}
		if err := b.AddMessage(agent, role, content); err != nil {
			return "", err
		}
		return "ok", nil

	case "agents":
		agents := b.Agents()
		lines := make([]string, 0, len(agents))
		for _, a := range agents {
			lines = append(lines, fmt.Sprintf("%s %d", a.ID, a.Messages))
		}
		return strings.Join(lines, "\n"), nil

	case "providers":
		ps := b.Providers(ctx, strings.EqualFold(rest, "ready"))
		names := make([]string, 0, len(ps))
		for _, p := range ps {
			names = append(names, string(p))
		}
		return strings.Join(names, " "), nil

	case "status":
		st, err := b.Status(ctx, rest)
		if err != nil {
			return "", err
		}
		return renderStatus(st), nil

	case "config":
		return b.ConfigSummary(), nil

	case "setup":
		return b.SetupHelp(rest)

	case "models":
		models, err := b.Models(rest)
		if err != nil {
			return "", err
		}
		return strings.Join(models, "\n"), nil

	case "load":
		if rest == "" {
			return "", usageErr("load <path>")
		}
		return statusResult(b.LoadConfig(ctx, rest))

	case "provider":
		if rest == "" {
			return "", usageErr("provider <name>")
		}
		return statusResult(b.SetProvider(ctx, rest))

	case "key":
		return statusResult(b.SetAPIKey(ctx, rest))

	case "model":
		return statusResult(b.SetModel(ctx, rest))

	case "base_url":
		return statusResult(b.SetBaseURL(ctx, rest))

	case "forget-key":
		if rest == "" {
			return "", usageErr("forget-key <provider>")
		}
		return statusResult(b.ForgetKey(ctx, rest))

	case "restore":
		if rest == "" {
			return "", usageErr("restore <provider>")
		}
		return statusResult(b.RestoreProvider(ctx, rest))

	case "audit":
		limit := 0
		if rest != "" {
			n, err := strconv.Atoi(rest)
			if err != nil || n <= 0 {
				return "", usageErr("audit [n]")
			}
			limit = n
		}
		entries, err := b.Audit(ctx, limit)
		if err != nil {
			return "", err
		}
		lines := make([]string, 0, len(entries))
		for _, e := range entries {
			lines = append(lines, strings.TrimSpace(fmt.Sprintf("%s %s %s", e.Action, e.Provider, e.MetaJSON)))
		}
		return strings.Join(lines, "\n"), nil
	}
	return "", fmt.Errorf("unknown command %q, try help", cmd)
}

func cut(s string) (head, tail string) {
	s = strings.TrimSpace(s)
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i+1:])
}

func usageErr(form string) error {
	return fmt.Errorf("%w: %s", ErrUsage, form)
}

func statusResult(st config.Status, err error) (string, error) {
	if err != nil {
		return "", err
	}
	return renderStatus(st), nil
}

func renderStatus(st config.Status) string {
	s := fmt.Sprintf("provider=%s ready=%t has_key=%t reachable=%t base_url=%s", st.Provider, st.Ready, st.HasKey, st.Reachable, st.BaseURL)
	if st.Hint != "" {
		s += "\nhint: " + st.Hint
	}
	return s
}

func renderReply(r dispatch.Reply) string {
	if r.Degraded {
		return r.Text + "\n(degraded: " + r.DegradedReason + ")"
	}
	return r.Text
}
