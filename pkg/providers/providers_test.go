package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-go-golems/branchchat/pkg/config"
	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOpenAIServer(t *testing.T, handler http.HandlerFunc) string {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv.URL + "/v1"
}

func streamChunks(chunks ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for i, c := range chunks {
			_, _ = fmt.Fprintf(w,
				"data: {\"id\":\"c%d\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"m\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n",
				i, c)
		}
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	}
}

func TestOpenAIProviderStreamsChunksInOrder(t *testing.T) {
	baseURL := newOpenAIServer(t, streamChunks("Hel", "lo", " world"))
	creds := NewStaticCredentials(map[string]string{"gpt": "sk-test"})
	p := NewOpenAIProvider("gpt", "gpt-4o-mini", baseURL, creds)

	var got []string
	err := p.Stream(context.Background(), "hi", []Message{{Role: conversation.RoleUser, Content: "before"}}, func(chunk string) error {
		got = append(got, chunk)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo", " world"}, got)
}

func TestOpenAIProviderWithoutCredential(t *testing.T) {
	p := NewOpenAIProvider("gpt", "gpt-4o-mini", "http://127.0.0.1:1/v1", NewStaticCredentials(nil))
	err := p.Stream(context.Background(), "hi", nil, func(string) error { return nil })

	var pe *Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, KindCredentialMissing, pe.Kind)
	assert.Equal(t, "Error: credential not configured", ErrorContent(err))
}

func TestOpenAIProviderClassifiesRateLimit(t *testing.T) {
	baseURL := newOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`))
	})
	p := NewOpenAIProvider("gpt", "gpt-4o-mini", baseURL, NewStaticCredentials(map[string]string{"gpt": "sk"}))

	err := p.Stream(context.Background(), "hi", nil, func(string) error { return nil })
	var pe *Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, KindRateLimitOrQuota, pe.Kind)
	assert.True(t, strings.HasPrefix(ErrorContent(err), "Error: "))
}

func TestEchoProviderStreamsWords(t *testing.T) {
	p := NewEchoProvider("echo")
	var got []string
	err := p.Stream(context.Background(), "one two three", nil, func(chunk string) error {
		got = append(got, chunk)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one ", "two ", "three"}, got)

	out, err := p.Generate(context.Background(), "one two", nil)
	require.NoError(t, err)
	assert.Equal(t, "one two", out)
}

func TestEchoProviderStopsOnCancel(t *testing.T) {
	p := NewEchoProvider("echo", WithChunkDelay(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Stream(ctx, "never sent", nil, func(string) error {
		t.Fatal("no chunk expected")
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestRegistryCredentialsAndOverrides(t *testing.T) {
	creds := NewStaticCredentials(nil)
	r := NewRegistry(creds)
	require.NoError(t, r.Register(NewEchoProvider("echo")))
	require.NoError(t, r.Register(NewOpenAIProvider("gpt", "m", "", creds), WithContextWindow(4), WithTimeout(time.Second)))

	require.ErrorIs(t, r.Register(NewEchoProvider("echo")), conversation.ErrValidation)
	require.ErrorIs(t, r.Register(NewEchoProvider(conversation.RootBranch)), conversation.ErrValidation)

	assert.Equal(t, []string{"echo", "gpt"}, r.IDs())
	assert.True(t, r.HasCredential("echo"))
	assert.False(t, r.HasCredential("gpt"))
	assert.False(t, r.HasCredential("missing"))

	creds.Set("gpt", "sk")
	assert.True(t, r.HasCredential("gpt"))

	assert.Equal(t, 4, r.ContextWindow("gpt", 10))
	assert.Equal(t, 10, r.ContextWindow("echo", 10))
	assert.Equal(t, time.Second, r.Timeout("gpt", time.Minute))
	assert.Equal(t, time.Minute, r.Timeout("echo", time.Minute))

	_, err := r.Get("missing")
	var pe *Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, KindInvalidProvider, pe.Kind)
}

func TestCredentialsFallBackToEnvironment(t *testing.T) {
	t.Setenv("BRANCHCHAT_TEST_KEY", "from-env")
	creds := NewStaticCredentials(nil)
	creds.BindEnv("gpt", "BRANCHCHAT_TEST_KEY")
	key, ok := creds.Lookup("gpt")
	require.True(t, ok)
	assert.Equal(t, "from-env", key)

	creds.Set("gpt", "explicit")
	key, _ = creds.Lookup("gpt")
	assert.Equal(t, "explicit", key)
}

func TestNewRegistryFromSettings(t *testing.T) {
	s := config.NewSettings()
	s.Providers = append(s.Providers, config.ProviderSettings{
		ID: "gpt", Type: config.ProviderTypeOpenAI, Model: "gpt-4o-mini", ContextWindow: 3,
	})
	s.Credentials["gpt"] = "sk"

	r, err := NewRegistryFromSettings(s)
	require.NoError(t, err)
	assert.Equal(t, []string{"echo", "gpt"}, r.IDs())
	assert.True(t, r.HasCredential("gpt"))
	assert.Equal(t, 3, r.ContextWindow("gpt", 10))

	infos := r.Describe()
	require.Len(t, infos, 2)
	assert.Equal(t, config.ProviderTypeOpenAI, infos[1].Type)
}

func TestNewCapabilityChecksBaseURL(t *testing.T) {
	p := config.ProviderSettings{
		ID: "local", Type: config.ProviderTypeOpenAI, Model: "llama3", BaseURL: "http://127.0.0.1:8000/v1",
	}
	_, err := NewCapability(p, NewStaticCredentials(nil))
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindInvalidProvider, perr.Kind)

	p.AllowLocal = true
	c, err := NewCapability(p, NewStaticCredentials(nil))
	require.NoError(t, err)
	assert.Equal(t, "local", c.ID())
}

func TestClassify(t *testing.T) {
	assert.Equal(t, KindTransport, Classify("p", context.DeadlineExceeded).Kind)
	assert.Equal(t, KindTransport, Classify("p", errors.New("dial tcp: connection refused")).Kind)
	assert.Equal(t, KindRateLimitOrQuota, Classify("p", errors.New("You exceeded your current quota")).Kind)
	assert.Equal(t, KindUnknown, Classify("p", errors.New("boom")).Kind)
	assert.Nil(t, Classify("p", nil))

	wrapped := NewError("p", KindCredentialMissing, ErrCredentialMissing)
	assert.Same(t, wrapped, Classify("q", errors.Wrap(wrapped, "context")))
	assert.Equal(t, "Error: boom", ErrorContent(errors.New("boom")))
}
