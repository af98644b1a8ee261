package schwab

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestExtractAuthCode(t *testing.T) {
	tests := []struct {
		name     string
		redirect string
		state    string
		want     string
		wantErr  bool
	}{
		{"plain", "https://127.0.0.1/?code=C0.abc%40&session=xyz", "", "C0.abc@", false},
		{"matching state", "https://127.0.0.1/?code=abc&state=s1", "s1", "abc", false},
		{"state absent from redirect", "https://127.0.0.1/?code=abc", "s1", "abc", false},
		{"surrounding whitespace", "  https://127.0.0.1/?code=abc\n", "", "abc", false},
		{"state mismatch", "https://127.0.0.1/?code=abc&state=other", "s1", "", true},
		{"no code", "https://127.0.0.1/?session=xyz", "", "", true},
		{"provider error", "https://127.0.0.1/?error=access_denied", "", "", true},
		{"garbage", "://not a url", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, err := ExtractAuthCode(tt.redirect, tt.state)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrAuthFailure)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, code)
		})
	}
}

func TestConsoleAuthorizer(t *testing.T) {
	var out strings.Builder
	a := NewConsoleAuthorizer(&out, strings.NewReader("https://127.0.0.1/?code=abc\n"))

	redirect, err := a.Authorize(context.Background(), "https://auth.example/authorize?state=1")
	require.NoError(t, err)
	assert.Equal(t, "https://127.0.0.1/?code=abc", redirect)
	assert.Contains(t, out.String(), "https://auth.example/authorize?state=1")
}

func TestConsoleAuthorizer_EmptyInput(t *testing.T) {
	a := NewConsoleAuthorizer(io.Discard, strings.NewReader("\n"))

	_, err := a.Authorize(context.Background(), "https://auth.example")
	assert.ErrorIs(t, err, ErrAuthFailure)
}

func TestConsoleAuthorizer_ContextCancelled(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	a := NewConsoleAuthorizer(io.Discard, r)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := a.Authorize(ctx, "https://auth.example")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConsoleAuthorizer_LineAfterCancelReachesNextCall(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	a := NewConsoleAuthorizer(io.Discard, r)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := a.Authorize(ctx, "https://auth.example")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	go func() {
		_, _ = io.WriteString(w, "https://127.0.0.1/?code=second\n")
	}()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	redirect, err := a.Authorize(ctx2, "https://auth.example")
	require.NoError(t, err)
	assert.Equal(t, "https://127.0.0.1/?code=second", redirect)
}

func TestConsoleAuthorizer_ClosedInput(t *testing.T) {
	a := NewConsoleAuthorizer(io.Discard, strings.NewReader(""))

	_, err := a.Authorize(context.Background(), "https://auth.example")
	assert.ErrorIs(t, err, io.EOF)
}

func TestCallbackAuthorizer_CapturesRedirect(t *testing.T) {
	hits := make(chan error, 1)
	a, err := NewCallbackAuthorizer("127.0.0.1:0", "https://127.0.0.1/callback", io.Discard, discardLogger(),
		WithCallbackTimeout(5*time.Second),
		WithListeningHook(func(addr string) {
			go func() {
				resp, err := http.Get("http://" + addr + "/callback?code=C0.xyz&state=s1")
				if err == nil {
					resp.Body.Close()
				}
				hits <- err
			}()
		}))
	require.NoError(t, err)

	redirect, err := a.Authorize(context.Background(), "https://auth.example")
	require.NoError(t, err)
	require.NoError(t, <-hits)

	code, err := ExtractAuthCode(redirect, "s1")
	require.NoError(t, err)
	assert.Equal(t, "C0.xyz", code)
}

func TestCallbackAuthorizer_Timeout(t *testing.T) {
	a, err := NewCallbackAuthorizer("127.0.0.1:0", "https://127.0.0.1", io.Discard, nil,
		WithCallbackTimeout(50*time.Millisecond))
	require.NoError(t, err)

	_, err = a.Authorize(context.Background(), "https://auth.example")
	assert.ErrorIs(t, err, ErrAuthFailure)
}

func TestCallbackAuthorizer_InvalidCallbackURL(t *testing.T) {
	_, err := NewCallbackAuthorizer("127.0.0.1:0", "://bad", io.Discard, nil)
	assert.ErrorIs(t, err, ErrConfigurationFailure)
}
