package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/events"
	"github.com/go-go-golems/branchchat/pkg/orchestrator"
	"github.com/go-go-golems/branchchat/pkg/providers"
	"github.com/go-go-golems/branchchat/pkg/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	store  *store.InMemoryStore
	orch   *orchestrator.Orchestrator
	server *Server
}

func newTestEnv(t *testing.T, orchOptions []orchestrator.Option, options ...Option) *testEnv {
	t.Helper()
	s := store.NewInMemoryStore()
	registry := providers.NewRegistry(nil)
	require.NoError(t, registry.Register(providers.NewEchoProvider("a"), providers.WithKind("echo")))
	require.NoError(t, registry.Register(providers.NewEchoProvider("b"), providers.WithKind("echo")))
	require.NoError(t, registry.Register(
		providers.NewEchoProvider("slow", providers.WithChunkDelay(50*time.Millisecond)),
		providers.WithKind("echo"),
	))
	o := orchestrator.New(s, registry, orchOptions...)
	return &testEnv{
		store:  s,
		orch:   o,
		server: NewServer(s, o, options...),
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func (e *testEnv) createConversation(t *testing.T) *conversation.Conversation {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/conversations", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var conv conversation.Conversation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &conv))
	return &conv
}

type frame struct {
	event string
	data  string
}

func parseFrames(body string) []frame {
	var ret []frame
	for _, block := range strings.Split(strings.TrimSpace(body), "\n\n") {
		var f frame
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event:"):
				f.event = strings.TrimPrefix(line, "event:")
			case strings.HasPrefix(line, "data:"):
				f.data = strings.TrimPrefix(line, "data:")
			}
		}
		if f.event != "" {
			ret = append(ret, f)
		}
	}
	return ret
}

func framesOf(frames []frame, event string) []frame {
	var ret []frame
	for _, f := range frames {
		if f.event == event {
			ret = append(ret, f)
		}
	}
	return ret
}

func TestConversationLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/api/conversations", gin.H{"title": "Planning"})
	require.Equal(t, http.StatusCreated, w.Code)
	var conv conversation.Conversation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &conv))
	assert.Equal(t, "Planning", conv.Title)

	w = env.do(t, http.MethodGet, "/api/conversations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), conv.ID)

	w = env.do(t, http.MethodGet, "/api/conversations/"+conv.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodDelete, "/api/conversations/"+conv.ID, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodGet, "/api/conversations/"+conv.ID, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), `"error"`)
}

func TestListProviders(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, http.MethodGet, "/api/providers", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Providers []providers.Info `json:"providers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Providers, 3)
	assert.Equal(t, "a", resp.Providers[0].ID)
	assert.True(t, resp.Providers[0].HasCredential)
	assert.Equal(t, "echo", resp.Providers[0].Type)
}

func TestFanOutStreamsEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	conv := env.createConversation(t)

	w := env.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/fanout", gin.H{
		"prompt":    "hello world",
		"providers": []string{"a", "b"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(w.Header().Get(events.HeaderRunID), "run_"))

	frames := parseFrames(w.Body.String())
	require.NotEmpty(t, frames)
	assert.Equal(t, "userTurn", frames[0].event)
	assert.Equal(t, "done", frames[len(frames)-1].event)
	assert.Len(t, framesOf(frames, "turnStart"), 2)
	assert.Len(t, framesOf(frames, "turnEnd"), 2)
	assert.Len(t, framesOf(frames, "chunk"), 4)
	assert.Empty(t, framesOf(frames, "error"))

	var start events.TurnStartData
	require.NoError(t, json.Unmarshal([]byte(framesOf(frames, "turnStart")[0].data), &start))
	var user events.UserTurnData
	require.NoError(t, json.Unmarshal([]byte(frames[0].data), &user))
	assert.Equal(t, user.ID, start.ParentTurnID)

	w = env.do(t, http.MethodGet, "/api/conversations/"+conv.ID+"/turns?branch=a", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resolved struct {
		BranchID string            `json:"branchId"`
		Turns    conversation.Turns `json:"turns"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resolved))
	assert.Equal(t, "a", resolved.BranchID)
	assert.Equal(t, []string{"hello world", "hello world"}, resolved.Turns.Contents())
	for _, turn := range resolved.Turns {
		assert.True(t, turn.Sealed)
	}

	w = env.do(t, http.MethodGet, "/api/conversations/"+conv.ID+"/turns?limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resolved))
	require.Len(t, resolved.Turns, 1)
	assert.Equal(t, conversation.RoleAssistant, resolved.Turns[0].Role)

	w = env.do(t, http.MethodGet, "/api/conversations/"+conv.ID+"/branches", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var branches struct {
		Branches []conversation.BranchInfo `json:"branches"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &branches))
	ids := []string{}
	for _, b := range branches.Branches {
		ids = append(ids, b.ID)
	}
	assert.Equal(t, []string{conversation.RootBranch, "a", "b"}, ids)

	w = env.do(t, http.MethodGet, "/api/turns/"+start.ID.String()+"/path", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var path struct {
		Turns conversation.Turns `json:"turns"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &path))
	assert.Equal(t, []conversation.TurnID{user.ID, start.ID}, path.Turns.IDs())
}

func TestFanOutErrorsAreJSON(t *testing.T) {
	env := newTestEnv(t, nil)
	conv := env.createConversation(t)

	cases := []struct {
		name   string
		path   string
		body   interface{}
		status int
	}{
		{"unknown provider", "/api/conversations/" + conv.ID + "/fanout", gin.H{"prompt": "hi", "providers": []string{"zzz"}}, http.StatusBadRequest},
		{"empty prompt", "/api/conversations/" + conv.ID + "/fanout", gin.H{"prompt": "", "providers": []string{"a"}}, http.StatusBadRequest},
		{"unknown conversation", "/api/conversations/nope/fanout", gin.H{"prompt": "hi", "providers": []string{"a"}}, http.StatusNotFound},
		{"malformed body", "/api/conversations/" + conv.ID + "/fanout", "not an object", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, tc.path, tc.body)
			assert.Equal(t, tc.status, w.Code)
			assert.Contains(t, w.Header().Get("Content-Type"), "application/json")
			assert.Empty(t, w.Header().Get(events.HeaderRunID))
			assert.Contains(t, w.Body.String(), `"error"`)
		})
	}

	w := env.do(t, http.MethodGet, "/api/conversations/"+conv.ID+"/turns?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.do(t, http.MethodGet, "/api/conversations/"+conv.ID+"/turns?branch=bad%20branch", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCompareEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	conv := env.createConversation(t)

	w := env.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/fanout", gin.H{
		"prompt": "question", "providers": []string{"a"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	var user events.UserTurnData
	require.NoError(t, json.Unmarshal([]byte(parseFrames(w.Body.String())[0].data), &user))

	w = env.do(t, http.MethodPost, "/api/turns/"+user.ID.String()+"/compare", gin.H{"providers": []string{"b"}})
	require.Equal(t, http.StatusOK, w.Code)
	frames := parseFrames(w.Body.String())
	assert.Equal(t, "userTurn", frames[0].event)
	assert.Equal(t, "done", frames[len(frames)-1].event)
	require.Len(t, framesOf(frames, "turnEnd"), 1)

	w = env.do(t, http.MethodGet, "/api/conversations/"+conv.ID+"/turns?branch=b", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"model":"b"`)

	w = env.do(t, http.MethodPost, "/api/turns/"+conversation.NewTurnID().String()+"/compare", gin.H{"providers": []string{"b"}})
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = env.do(t, http.MethodPost, "/api/turns/not-a-uuid/compare", gin.H{"providers": []string{"b"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelProviderOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil)
	conv := env.createConversation(t)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	words := make([]string, 40)
	for i := range words {
		words[i] = "word"
	}
	prompt := strings.Join(words, " ")
	body, err := json.Marshal(gin.H{"prompt": prompt, "providers": []string{"slow", "a"}})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/api/conversations/"+conv.ID+"/fanout", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	runID := resp.Header.Get(events.HeaderRunID)
	require.NotEmpty(t, runID)

	var slowTurn conversation.TurnID
	cancelled := false
	var frames []frame
	var current frame
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			current.event = strings.TrimPrefix(line, "event:")
		case strings.HasPrefix(line, "data:"):
			current.data = strings.TrimPrefix(line, "data:")
		case line == "":
			frames = append(frames, current)
			if current.event == "chunk" && !cancelled {
				var chunk events.ChunkData
				require.NoError(t, json.Unmarshal([]byte(current.data), &chunk))
				if chunk.Model == "slow" {
					slowTurn = chunk.ID
					cancelReq, err := json.Marshal(gin.H{"provider": "slow"})
					require.NoError(t, err)
					cresp, err := http.Post(srv.URL+"/api/runs/"+runID+"/cancel", "application/json", bytes.NewReader(cancelReq))
					require.NoError(t, err)
					_ = cresp.Body.Close()
					require.Equal(t, http.StatusAccepted, cresp.StatusCode)
					cancelled = true
				}
			}
			current = frame{}
		}
	}
	require.NoError(t, scanner.Err())
	require.True(t, cancelled)
	assert.Equal(t, "done", frames[len(frames)-1].event)
	assert.Len(t, framesOf(frames, "turnEnd"), 2)

	turn, err := env.store.GetTurn(context.Background(), slowTurn)
	require.NoError(t, err)
	assert.True(t, turn.Sealed)
	assert.True(t, strings.HasPrefix(turn.Content, "word"))
	assert.Less(t, len(turn.Content), len(prompt))

	w := env.do(t, http.MethodPost, "/api/runs/"+runID+"/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestObserverStream(t *testing.T) {
	router, err := events.NewEventRouter()
	require.NoError(t, err)
	defer func() {
		_ = router.Close()
	}()

	env := newTestEnv(t, []orchestrator.Option{orchestrator.WithObserver(router.Sink())}, WithEventRouter(router))
	conv := env.createConversation(t)
	other := env.createConversation(t)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events?conversation="+conv.ID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	w := env.do(t, http.MethodPost, "/api/conversations/"+other.ID+"/fanout", gin.H{"prompt": "elsewhere", "providers": []string{"a"}})
	require.Equal(t, http.StatusOK, w.Code)
	w = env.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/fanout", gin.H{"prompt": "watched", "providers": []string{"a"}})
	require.Equal(t, http.StatusOK, w.Code)

	var seen []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data:") {
			e, err := events.NewEventFromJSON([]byte(strings.TrimPrefix(line, "data:")))
			require.NoError(t, err)
			assert.Equal(t, conv.ID, e.Metadata().ConversationID)
		}
		if strings.HasPrefix(line, "event:") {
			seen = append(seen, strings.TrimPrefix(line, "event:"))
			if line == "event:done" {
				break
			}
		}
	}
	assert.Equal(t, []string{"userTurn", "turnStart", "chunk", "turnEnd", "done"}, seen)
}

func TestObserverDisabled(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, http.MethodGet, "/api/events", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
