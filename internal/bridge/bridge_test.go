package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmbridge/internal/config"
	"llmbridge/internal/crypto"
	"llmbridge/internal/history"
	"llmbridge/internal/storage"
)

type fakeProvider struct {
	srv   *httptest.Server
	calls int64
	reply atomic.Value
}

func newFakeProvider(t *testing.T, reply string) *fakeProvider {
	t.Helper()
	f := &fakeProvider{}
	f.reply.Store(reply)
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&f.calls, 1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"content": f.reply.Load().(string)}}},
		})
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func newTestBridge(t *testing.T, baseURL string) *Bridge {
	t.Helper()
	b := New(Options{Workers: 2, QueueSize: 8, Logger: zerolog.Nop()})
	t.Cleanup(b.Close)

	ctx := context.Background()
	_, err := b.SetProvider(ctx, "openai")
	require.NoError(t, err)
	_, err = b.SetAPIKey(ctx, "sk-test")
	require.NoError(t, err)
	_, err = b.SetModel(ctx, "gpt-4o-mini")
	require.NoError(t, err)
	_, err = b.SetBaseURL(ctx, baseURL)
	require.NoError(t, err)
	return b
}

func TestChatRecordsHistory(t *testing.T) {
	f := newFakeProvider(t, "hello")
	b := newTestBridge(t, f.srv.URL)

	reply, err := b.Chat(context.Background(), "agent1", "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello", reply.Text)
	assert.Equal(t, []history.Message{
		{Role: history.RoleUser, Content: "hi"},
		{Role: history.RoleAssistant, Content: "hello"},
	}, b.History("agent1"))

	b.ClearHistory("agent1")
	assert.Empty(t, b.History("agent1"))
}

func TestAwaitTwiceCallsProviderOnce(t *testing.T) {
	f := newFakeProvider(t, "later")
	b := newTestBridge(t, f.srv.URL)

	id, err := b.ChatAsync("agent1", "hi")
	require.NoError(t, err)

	r1, err1 := b.Await(context.Background(), id)
	r2, err2 := b.Await(context.Background(), id)
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, "later", r1.Text)
	assert.Equal(t, r1, r2)
	assert.EqualValues(t, 1, atomic.LoadInt64(&f.calls))
	assert.Len(t, b.History("agent1"), 2)

	_, err = b.Await(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownHandle)
}

func TestAsyncFailureIsCached(t *testing.T) {
	b := New(Options{Workers: 1, QueueSize: 1, Logger: zerolog.Nop()})
	defer b.Close()
	_, err := b.SetProvider(context.Background(), "gemini")
	require.NoError(t, err)

	id, err := b.ChatAsync("agent1", "hi")
	require.NoError(t, err)
	_, err1 := b.Await(context.Background(), id)
	_, err2 := b.Await(context.Background(), id)
	assert.ErrorIs(t, err1, config.ErrNotReady)
	assert.Equal(t, err1, err2)

	st, err := b.TaskState(id)
	require.NoError(t, err)
	assert.Equal(t, "failed", st.String())
}

func TestChooseScenario(t *testing.T) {
	f := newFakeProvider(t, "2) green")
	b := newTestBridge(t, f.srv.URL)

	res, err := b.Choose(context.Background(), "agent1", "pick one", []string{"red", "green", "blue"})
	require.NoError(t, err)
	assert.Equal(t, "green", res.Option)
	assert.False(t, res.Fallback)
}

func TestChooseAlwaysReturnsOption(t *testing.T) {
	f := newFakeProvider(t, "")
	b := newTestBridge(t, f.srv.URL)
	options := []string{"north", "south"}

	for _, reply := range []string{"", "no idea", "42", "SOUTH!", "go south"} {
		f.reply.Store(reply)
		res, err := b.Choose(context.Background(), "agent1", "where", options)
		require.NoError(t, err, "reply %q", reply)
		assert.Contains(t, options, res.Option, "reply %q", reply)
	}
}

func TestProvidersAndStatus(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	b := New(Options{Logger: zerolog.Nop()})
	defer b.Close()
	ctx := context.Background()

	_, err := b.SetProvider(ctx, "ollama")
	require.NoError(t, err)
	_, err = b.SetBaseURL(ctx, deadURL)
	require.NoError(t, err)
	st, err := b.Status(ctx, "ollama")
	require.NoError(t, err)
	assert.False(t, st.Ready)
	assert.True(t, st.HasKey)
	assert.Contains(t, st.Hint, "ollama serve")

	assert.NotContains(t, b.Providers(ctx, true), config.Ollama)
	assert.Contains(t, b.Providers(ctx, false), config.Ollama)

	st, err = b.SetProvider(ctx, "openai")
	require.NoError(t, err)
	assert.False(t, st.Ready)
	st, err = b.SetAPIKey(ctx, "sk-x")
	require.NoError(t, err)
	assert.True(t, st.Ready)

	_, err = b.SetProvider(ctx, "cohere")
	assert.ErrorIs(t, err, config.ErrUnknownProvider)
}

func TestConfigSummaryMasksKeys(t *testing.T) {
	b := newTestBridge(t, "http://127.0.0.1:1")
	summary := b.ConfigSummary()
	assert.NotContains(t, summary, "sk-test")
	assert.Contains(t, summary, "sk-te****")
}

func TestModels(t *testing.T) {
	b := New(Options{Logger: zerolog.Nop()})
	defer b.Close()

	models, err := b.Models("anthropic")
	require.NoError(t, err)
	assert.Contains(t, models, "claude-3-5-haiku-latest")

	models, err = b.Models("")
	require.NoError(t, err)
	assert.Contains(t, models, "gpt-4o-mini")

	_, err = b.Models("nope")
	assert.True(t, errors.Is(err, config.ErrConfig))
}

func TestLoadConfigPersistsToVault(t *testing.T) {
	ctx := context.Background()
	store, err := storage.Open(ctx, "sqlite", filepath.Join(t.TempDir(), "v.db"), true)
	require.NoError(t, err)
	defer store.Close()
	sealer, err := crypto.NewSealer("k", map[string][]byte{"k": make([]byte, 32)})
	require.NoError(t, err)
	vault := storage.NewVault(store, sealer, zerolog.Nop())

	path := filepath.Join(t.TempDir(), "llm.conf")
	require.NoError(t, os.WriteFile(path, []byte("provider=anthropic\nanthropic_api_key=sk-ant-123456\nopenai_api_key=sk-oai-123456\n"), 0o600))

	b := New(Options{Vault: vault, Logger: zerolog.Nop()})
	defer b.Close()
	st, err := b.LoadConfig(ctx, path)
	require.NoError(t, err)
	assert.True(t, st.Ready)

	restored := config.NewManager(config.ManagerConfig{Logger: zerolog.Nop()})
	n, err := vault.Restore(ctx, restored)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, config.Anthropic, restored.Active())
	assert.Equal(t, "sk-oai-123456", restored.Credentials(config.OpenAI).APIKey)
}

func TestExec(t *testing.T) {
	f := newFakeProvider(t, "hello")
	b := newTestBridge(t, f.srv.URL)
	ctx := context.Background()

	out, err := b.Exec(ctx, "chat agent1 hi there")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	out, err = b.Exec(ctx, "history agent1")
	require.NoError(t, err)
	assert.Equal(t, "user: hi there\nassistant: hello", out)

	f.reply.Store("blue")
	out, err = b.Exec(ctx, "choose agent1 pick a color | red | green | blue")
	require.NoError(t, err)
	assert.Equal(t, "blue", out)

	id, err := b.Exec(ctx, "async agent2 ping")
	require.NoError(t, err)
	out, err = b.Exec(ctx, "await "+id)
	require.NoError(t, err)
	assert.Equal(t, "blue", out)

	out, err = b.Exec(ctx, "providers")
	require.NoError(t, err)
	assert.Equal(t, "openai anthropic gemini ollama", out)

	out, err = b.Exec(ctx, "config")
	require.NoError(t, err)
	assert.NotContains(t, out, "sk-test")

	out, err = b.Exec(ctx, "# a comment")
	require.NoError(t, err)
	assert.Empty(t, out)

	_, err = b.Exec(ctx, "chat onlyagent")
	assert.ErrorIs(t, err, ErrUsage)

	_, err = b.Exec(ctx, "frobnicate")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unknown command"))
}

func TestHandleCapDropsOldestFinished(t *testing.T) {
	f := newFakeProvider(t, "ok")
	b := New(Options{Workers: 1, QueueSize: 4, MaxHandles: 2, Logger: zerolog.Nop()})
	t.Cleanup(b.Close)
	ctx := context.Background()
	_, err := b.SetAPIKey(ctx, "sk-test")
	require.NoError(t, err)
	_, err = b.SetBaseURL(ctx, f.srv.URL)
	require.NoError(t, err)

	ids := make([]string, 0, 3)
	for range 3 {
		id, err := b.ChatAsync("agent1", "hi")
		require.NoError(t, err)
		_, err = b.Await(ctx, id)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	_, err = b.Await(ctx, ids[0])
	assert.ErrorIs(t, err, ErrUnknownHandle)
	for _, id := range ids[1:] {
		reply, err := b.Await(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "ok", reply.Text)
	}
}

func TestHandleCapKeepsRunningCalls(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"content": "late"}}},
		})
	}))
	t.Cleanup(srv.Close)

	b := New(Options{Workers: 2, QueueSize: 2, MaxHandles: 1, Logger: zerolog.Nop()})
	t.Cleanup(b.Close)
	ctx := context.Background()
	_, err := b.SetAPIKey(ctx, "sk-test")
	require.NoError(t, err)
	_, err = b.SetBaseURL(ctx, srv.URL)
	require.NoError(t, err)

	first, err := b.ChatAsync("a", "hi")
	require.NoError(t, err)
	second, err := b.ChatAsync("b", "hi")
	require.NoError(t, err)
	close(release)

	for _, id := range []string{first, second} {
		reply, err := b.Await(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "late", reply.Text)
	}
}

func TestCredentialCommands(t *testing.T) {
	ctx := context.Background()
	store, err := storage.Open(ctx, "sqlite", filepath.Join(t.TempDir(), "v.db"), true)
	require.NoError(t, err)
	defer store.Close()
	sealer, err := crypto.NewSealer("k", map[string][]byte{"k": make([]byte, 32)})
	require.NoError(t, err)

	b := New(Options{Vault: storage.NewVault(store, sealer, zerolog.Nop()), Logger: zerolog.Nop()})
	defer b.Close()

	_, err = b.Exec(ctx, "key sk-saved-123456")
	require.NoError(t, err)
	b.Config().SetCredentials(config.OpenAI, config.Credentials{APIKey: "sk-unsaved"})

	out, err := b.Exec(ctx, "restore openai")
	require.NoError(t, err)
	assert.Contains(t, out, "ready=true")
	assert.Equal(t, "sk-saved-123456", b.Config().Credentials(config.OpenAI).APIKey)

	out, err = b.Exec(ctx, "forget-key openai")
	require.NoError(t, err)
	assert.Contains(t, out, "has_key=false")
	assert.Empty(t, b.Config().Credentials(config.OpenAI))
	_, err = store.GetCredential(ctx, "openai")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = b.Exec(ctx, "restore openai")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	out, err = b.Exec(ctx, "audit 2")
	require.NoError(t, err)
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "credentials.delete openai"), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "credentials.restore openai"), lines[1])
	assert.NotContains(t, out, "sk-saved")

	_, err = b.Exec(ctx, "audit zero")
	assert.ErrorIs(t, err, ErrUsage)
}

func TestCredentialCommandsNeedVault(t *testing.T) {
	b := New(Options{Logger: zerolog.Nop()})
	defer b.Close()
	ctx := context.Background()

	for _, line := range []string{"forget-key openai", "restore openai", "audit"} {
		_, err := b.Exec(ctx, line)
		assert.ErrorIs(t, err, ErrNoVault, line)
	}
	_, err := b.Exec(ctx, "forget-key cohere")
	assert.ErrorIs(t, err, config.ErrUnknownProvider)
}

func TestNoteAndAgents(t *testing.T) {
	f := newFakeProvider(t, "hello")
	b := newTestBridge(t, f.srv.URL)
	ctx := context.Background()

	_, err := b.Exec(ctx, "note agent1 system answer in one word")
	require.NoError(t, err)
	_, err = b.Exec(ctx, "chat agent1 hi")
	require.NoError(t, err)
	_, err = b.Exec(ctx, "note agent2 User remember me")
	require.NoError(t, err)

	assert.Equal(t, history.Message{Role: history.RoleSystem, Content: "answer in one word"}, b.History("agent1")[0])

	out, err := b.Exec(ctx, "agents")
	require.NoError(t, err)
	assert.Equal(t, "agent1 3\nagent2 1", out)

	_, err = b.Exec(ctx, "note agent1 wizard abracadabra")
	assert.Error(t, err)
	_, err = b.Exec(ctx, "note agent1 user")
	assert.ErrorIs(t, err, ErrUsage)
}
