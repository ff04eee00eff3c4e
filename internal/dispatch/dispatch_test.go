package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmbridge/internal/config"
	"llmbridge/internal/history"
	"llmbridge/internal/providers"
)

type proberFunc func(ctx context.Context, baseURL string) error

func (f proberFunc) Probe(ctx context.Context, baseURL string) error { return f(ctx, baseURL) }

type chatPayload struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

// echoServer answers chat completions with "re: <last user message>".
func echoServer(t *testing.T, calls *int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(calls, 1)
		var p chatPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		last := p.Messages[len(p.Messages)-1].Content
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"role": "assistant", "content": "re: " + last}}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newOpenAIDispatcher(t *testing.T, baseURL string) (*Dispatcher, *config.Manager) {
	t.Helper()
	m := config.NewManager(config.ManagerConfig{
		Logger: zerolog.Nop(),
		Prober: proberFunc(func(context.Context, string) error {
			t.Errorf("cloud providers never reach the network")
			return nil
		}),
	})
	ctx := context.Background()
	_, err := m.SetProvider(ctx, "openai")
	require.NoError(t, err)
	_, err = m.SetAPIKey("sk-test")
	require.NoError(t, err)
	_, err = m.SetModel("gpt-4o-mini")
	require.NoError(t, err)
	_, err = m.SetBaseURL(baseURL)
	require.NoError(t, err)

	return New(Config{Config: m, History: history.NewStore(), Logger: zerolog.Nop()}), m
}

func TestChatExampleScenario(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"hello"}}]}`)
	}))
	defer srv.Close()

	d, _ := newOpenAIDispatcher(t, srv.URL)
	reply, err := d.Chat(context.Background(), "agent1", "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello", reply.Text)
	assert.Equal(t, config.OpenAI, reply.Provider)
	assert.Equal(t, "gpt-4o-mini", reply.Model)
	assert.False(t, reply.Degraded)

	assert.Equal(t, []history.Message{
		{Role: history.RoleUser, Content: "hi"},
		{Role: history.RoleAssistant, Content: "hello"},
	}, d.History().Snapshot("agent1"))
}

func TestChatSequentialCallsGrowHistory(t *testing.T) {
	var calls int64
	srv := echoServer(t, &calls)
	d, _ := newOpenAIDispatcher(t, srv.URL)

	const n = 5
	for i := 0; i < n; i++ {
		_, err := d.Chat(context.Background(), "agent1", fmt.Sprintf("p%d", i))
		require.NoError(t, err)
	}

	msgs := d.History().Snapshot("agent1")
	require.Len(t, msgs, 2*n)
	for i := 0; i < n; i++ {
		assert.Equal(t, history.Message{Role: history.RoleUser, Content: fmt.Sprintf("p%d", i)}, msgs[2*i])
		assert.Equal(t, history.Message{Role: history.RoleAssistant, Content: fmt.Sprintf("re: p%d", i)}, msgs[2*i+1])
	}
}

func TestChatSendsPriorTurns(t *testing.T) {
	var seen []int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p chatPayload
		_ = json.NewDecoder(r.Body).Decode(&p)
		mu.Lock()
		seen = append(seen, len(p.Messages))
		mu.Unlock()
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer srv.Close()

	d, _ := newOpenAIDispatcher(t, srv.URL)
	for i := 0; i < 3; i++ {
		_, err := d.Chat(context.Background(), "a", "x")
		require.NoError(t, err)
	}
	assert.Equal(t, []int{1, 3, 5}, seen)
}

func TestChatFailureAppendsNothing(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d, _ := newOpenAIDispatcher(t, srv.URL)
	_, err := d.Chat(context.Background(), "agent1", "hi")
	require.Error(t, err)
	assert.True(t, errors.Is(err, providers.ErrNetwork))

	var perr *providers.Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, http.StatusInternalServerError, perr.StatusCode)

	assert.Empty(t, d.History().Snapshot("agent1"))
	assert.EqualValues(t, 1, atomic.LoadInt64(&calls))
}

func TestChatAgentsAreIsolated(t *testing.T) {
	var calls int64
	srv := echoServer(t, &calls)
	d, _ := newOpenAIDispatcher(t, srv.URL)

	_, err := d.Chat(context.Background(), "A", "mine")
	require.NoError(t, err)
	before := d.History().Snapshot("A")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = d.Chat(context.Background(), "B", fmt.Sprintf("b%d", i))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, before, d.History().Snapshot("A"))
	assert.Len(t, d.History().Snapshot("B"), 20)
}

func TestChatSameAgentConcurrentCallsStayPaired(t *testing.T) {
	var calls int64
	srv := echoServer(t, &calls)
	d, _ := newOpenAIDispatcher(t, srv.URL)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := d.Chat(context.Background(), "agent1", fmt.Sprintf("q%d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	msgs := d.History().Snapshot("agent1")
	require.Len(t, msgs, 40)
	for i := 0; i < len(msgs); i += 2 {
		require.Equal(t, history.RoleUser, msgs[i].Role)
		require.Equal(t, history.RoleAssistant, msgs[i+1].Role)
		require.Equal(t, "re: "+msgs[i].Content, msgs[i+1].Content)
	}
}

func TestChatNotReadySkipsNetwork(t *testing.T) {
	var calls int64
	srv := echoServer(t, &calls)

	m := config.NewManager(config.ManagerConfig{Logger: zerolog.Nop()})
	_, err := m.SetProvider(context.Background(), "anthropic")
	require.NoError(t, err)
	_, err = m.SetBaseURL(srv.URL)
	require.NoError(t, err)

	d := New(Config{Config: m, Logger: zerolog.Nop()})
	_, err = d.Chat(context.Background(), "agent1", "hi")
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrNotReady))

	var nre *config.NotReadyError
	require.True(t, errors.As(err, &nre))
	assert.Contains(t, nre.Hint, "anthropic_api_key")

	assert.Zero(t, atomic.LoadInt64(&calls))
	assert.Empty(t, d.History().Snapshot("agent1"))
}

func TestChatOllamaUnreachableIsNotReady(t *testing.T) {
	m := config.NewManager(config.ManagerConfig{
		Logger: zerolog.Nop(),
		Prober: proberFunc(func(context.Context, string) error { return errors.New("connection refused") }),
	})
	_, err := m.SetProvider(context.Background(), "ollama")
	require.NoError(t, err)

	_, err = New(Config{Config: m, Logger: zerolog.Nop()}).Chat(context.Background(), "agent1", "hi")
	assert.True(t, errors.Is(err, config.ErrNotReady))
}

func TestChatUsesConfigCapturedAtDispatch(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var models []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p chatPayload
		_ = json.NewDecoder(r.Body).Decode(&p)
		mu.Lock()
		models = append(models, p.Model)
		first := len(models) == 1
		mu.Unlock()
		if first {
			close(entered)
			<-release
		}
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer srv.Close()

	d, m := newOpenAIDispatcher(t, srv.URL)

	done := make(chan error, 1)
	go func() {
		_, err := d.Chat(context.Background(), "agent1", "first")
		done <- err
	}()
	<-entered
	_, err := m.SetModel("gpt-4o")
	require.NoError(t, err)
	close(release)
	require.NoError(t, <-done)

	_, err = d.Chat(context.Background(), "agent1", "second")
	require.NoError(t, err)

	assert.Equal(t, []string{"gpt-4o-mini", "gpt-4o"}, models)
}

type denyLimiter struct{ calls int }

func (l *denyLimiter) Check(context.Context, string) error {
	l.calls++
	return errors.New("over budget")
}

func TestChatLimiterRefusesBeforeNetwork(t *testing.T) {
	var calls int64
	srv := echoServer(t, &calls)
	_, m := newOpenAIDispatcher(t, srv.URL)

	lim := &denyLimiter{}
	d := New(Config{Config: m, Limiter: lim, Logger: zerolog.Nop()})
	_, err := d.Chat(context.Background(), "agent1", "hi")
	require.EqualError(t, err, "over budget")
	assert.Equal(t, 1, lim.calls)
	assert.Zero(t, atomic.LoadInt64(&calls))
}

func TestChatDegradedReplyIsRecorded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "plain text reply")
	}))
	defer srv.Close()

	d, _ := newOpenAIDispatcher(t, srv.URL)
	reply, err := d.Chat(context.Background(), "agent1", "hi")
	require.NoError(t, err)
	assert.True(t, reply.Degraded)
	assert.Equal(t, "plain text reply", reply.Text)
	assert.Len(t, d.History().Snapshot("agent1"), 2)
}

func TestChatEmptyBodyFailsAndAppendsNothing(t *testing.T) {
	for _, body := range []string{"", " \n\t"} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, body)
		}))

		d, m := newOpenAIDispatcher(t, srv.URL)
		for _, strict := range []bool{false, true} {
			m.SetStrictParsing(strict)
			_, err := d.Chat(context.Background(), "agent1", "hi")
			assert.ErrorIs(t, err, providers.ErrParseDegraded, "body %q strict %t", body, strict)
			assert.Empty(t, d.History().Snapshot("agent1"), "body %q strict %t", body, strict)
		}
		srv.Close()
	}
}

func TestChatEmptyAgentID(t *testing.T) {
	d, _ := newOpenAIDispatcher(t, "http://127.0.0.1:1")
	_, err := d.Chat(context.Background(), " ", "hi")
	assert.ErrorIs(t, err, ErrEmptyAgentID)
}
