package schwab

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// ExtractAuthCode pulls the authorization code out of the URL the browser was
// redirected to. When expectedState is set, a state parameter present in the
// URL must match it.
func ExtractAuthCode(redirectURL, expectedState string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(redirectURL))
	if err != nil {
		return "", fmt.Errorf("%w: invalid redirect URL: %v", ErrAuthFailure, err)
	}
	q := u.Query()
	if e := q.Get("error"); e != "" {
		return "", fmt.Errorf("%w: authorization denied: %s", ErrAuthFailure, e)
	}
	code := q.Get("code")
	if code == "" {
		return "", fmt.Errorf("%w: redirect URL has no code parameter", ErrAuthFailure)
	}
	if state := q.Get("state"); expectedState != "" && state != "" && state != expectedState {
		return "", fmt.Errorf("%w: state mismatch", ErrAuthFailure)
	}
	return code, nil
}

// ConsoleAuthorizer prints the authorization URL and reads the pasted redirect URL.
// One goroutine reads the input for the authorizer's lifetime, so a line
// pasted after a cancelled Authorize goes to the next call.
type ConsoleAuthorizer struct {
	out io.Writer
	in  *bufio.Reader

	start   sync.Once
	lines   chan string
	readErr error // set before lines is closed
}

// NewConsoleAuthorizer uses stdout and stdin when out or in are nil.
func NewConsoleAuthorizer(out io.Writer, in io.Reader) *ConsoleAuthorizer {
	if out == nil {
		out = os.Stdout
	}
	if in == nil {
		in = os.Stdin
	}
	return &ConsoleAuthorizer{
		out:   out,
		in:    bufio.NewReader(in),
		lines: make(chan string),
	}
}

func (a *ConsoleAuthorizer) readLines() {
	for {
		line, err := a.in.ReadString('\n')
		if line != "" || err == nil {
			a.lines <- strings.TrimSpace(line)
		}
		if err != nil {
			a.readErr = err
			close(a.lines)
			return
		}
	}
}

func (a *ConsoleAuthorizer) Authorize(ctx context.Context, authURL string) (string, error) {
	a.start.Do(func() { go a.readLines() })

	fmt.Fprintf(a.out, "Open the following URL in a browser and log in:\n\n  %s\n\n", authURL)
	fmt.Fprint(a.out, "Paste the full URL you were redirected to: ")

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-a.lines:
		if !ok {
			return "", fmt.Errorf("reading redirect URL: %w", a.readErr)
		}
		if line == "" {
			return "", fmt.Errorf("%w: empty redirect URL", ErrAuthFailure)
		}
		return line, nil
	}
}

// CallbackAuthorizer serves the OAuth redirect locally and captures it, so the
// operator only has to click through the login page.
type CallbackAuthorizer struct {
	listenAddr   string
	callbackPath string
	certFile     string
	keyFile      string
	timeout      time.Duration
	out          io.Writer
	logger       *slog.Logger

	// onListening is called with the bound address once the server accepts connections.
	onListening func(addr string)
}

// CallbackOption configures a CallbackAuthorizer.
type CallbackOption func(*CallbackAuthorizer)

// WithTLS serves the callback over HTTPS; the provider requires https redirect URLs.
func WithTLS(certFile, keyFile string) CallbackOption {
	return func(a *CallbackAuthorizer) {
		a.certFile = certFile
		a.keyFile = keyFile
	}
}

// WithCallbackTimeout bounds how long Authorize waits for the redirect.
func WithCallbackTimeout(d time.Duration) CallbackOption {
	return func(a *CallbackAuthorizer) { a.timeout = d }
}

// WithListeningHook reports the bound address.
func WithListeningHook(fn func(addr string)) CallbackOption {
	return func(a *CallbackAuthorizer) { a.onListening = fn }
}

// NewCallbackAuthorizer listens on listenAddr and waits for a request on the
// path of callbackURL.
func NewCallbackAuthorizer(listenAddr, callbackURL string, out io.Writer, logger *slog.Logger, opts ...CallbackOption) (*CallbackAuthorizer, error) {
	u, err := url.Parse(callbackURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid callback URL: %v", ErrConfigurationFailure, err)
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	if out == nil {
		out = os.Stdout
	}
	if logger == nil {
		logger = discardLogger()
	}
	a := &CallbackAuthorizer{
		listenAddr:   listenAddr,
		callbackPath: path,
		timeout:      5 * time.Minute,
		out:          out,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *CallbackAuthorizer) Authorize(ctx context.Context, authURL string) (string, error) {
	ln, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return "", fmt.Errorf("callback listener: %w", err)
	}

	captured := make(chan string, 1)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET(a.callbackPath, func(c *gin.Context) {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		full := scheme + "://" + c.Request.Host + c.Request.URL.RequestURI()
		select {
		case captured <- full:
		default:
		}
		c.String(http.StatusOK, "Authorization received. You can close this window.")
	})

	srv := &http.Server{Handler: router, ReadHeaderTimeout: 10 * time.Second}
	serveErr := make(chan error, 1)
	go func() {
		var err error
		if a.certFile != "" {
			err = srv.ServeTLS(ln, a.certFile, a.keyFile)
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("Callback server shutdown failed",
				"function", "Authorize",
				"error", err)
		}
	}()

	a.logger.Info("Waiting for OAuth callback",
		"function", "Authorize",
		"listen", ln.Addr().String(),
		"path", a.callbackPath)
	if a.onListening != nil {
		a.onListening(ln.Addr().String())
	}
	fmt.Fprintf(a.out, "Open the following URL in a browser and log in:\n\n  %s\n\n", authURL)

	timer := time.NewTimer(a.timeout)
	defer timer.Stop()

	select {
	case redirect := <-captured:
		return redirect, nil
	case err := <-serveErr:
		return "", fmt.Errorf("callback server: %w", err)
	case <-timer.C:
		return "", fmt.Errorf("%w: no callback within %v", ErrAuthFailure, a.timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
