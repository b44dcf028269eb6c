package auth

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/dl-alexandre/dbxsync/internal/utils"
	"golang.org/x/oauth2"
)

const defaultLoginTimeout = 5 * time.Minute

// OAuthConfig returns the Dropbox OAuth2 configuration for an app
func (m *Manager) OAuthConfig(appKey, appSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     appKey,
		ClientSecret: appSecret,
		Endpoint:     m.endpoint,
		RedirectURL:  redirectURL,
	}
}

// TokenSource returns a refreshing source when the credentials carry a
// refresh grant, otherwise a static bearer token. Token refreshes go
// through the HTTP client stored in ctx under oauth2.HTTPClient.
func (m *Manager) TokenSource(ctx context.Context, creds *Credentials) oauth2.TokenSource {
	if creds.CanRefresh() {
		conf := m.OAuthConfig(creds.AppKey, creds.AppSecret, "")
		// Start from the refresh token alone; a stored access token may be stale.
		return conf.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken})
	}
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: creds.AccessToken, TokenType: "Bearer"})
}

// HTTPClient returns a client that authorizes every request with the
// Dropbox token. transport, when set, carries both API calls and refreshes.
func (m *Manager) HTTPClient(ctx context.Context, creds *Credentials, transport http.RoundTripper, timeout time.Duration) *http.Client {
	if transport == nil {
		transport = http.DefaultTransport
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Transport: transport, Timeout: timeout})
	client := oauth2.NewClient(ctx, m.TokenSource(ctx, creds))
	client.Timeout = timeout
	return client
}

// OAuthFlow is one PKCE authorization code exchange
type OAuthFlow struct {
	config       *oauth2.Config
	listener     net.Listener
	state        string
	codeVerifier string
	codeChan     chan string
	errChan      chan error
}

// NewOAuthFlow creates a flow. A nil listener means the user copies the code
// Dropbox shows after approval; otherwise the code arrives at redirectURL.
func NewOAuthFlow(config *oauth2.Config, listener net.Listener, redirectURL string) (*OAuthFlow, error) {
	if config == nil {
		return nil, fmt.Errorf("OAuth config not set")
	}
	if config.ClientID == "" {
		return nil, fmt.Errorf("app key not set")
	}

	state, err := generateState()
	if err != nil {
		return nil, fmt.Errorf("failed to generate state: %w", err)
	}
	verifier, err := generateCodeVerifier()
	if err != nil {
		return nil, fmt.Errorf("failed to generate code verifier: %w", err)
	}

	cfg := *config
	cfg.RedirectURL = redirectURL
	if listener != nil && redirectURL == "" {
		return nil, fmt.Errorf("redirect URL not set")
	}

	return &OAuthFlow{
		config:       &cfg,
		listener:     listener,
		state:        state,
		codeVerifier: verifier,
		codeChan:     make(chan string, 1),
		errChan:      make(chan error, 1),
	}, nil
}

// AuthURL is where the user approves access. It asks for an offline
// grant so the exchange returns a refresh token.
func (f *OAuthFlow) AuthURL() string {
	return f.config.AuthCodeURL(
		f.state,
		oauth2.SetAuthURLParam("token_access_type", "offline"),
		oauth2.SetAuthURLParam("code_challenge", codeChallengeS256(f.codeVerifier)),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// StartCallbackServer serves the redirect until ctx is done
func (f *OAuthFlow) StartCallbackServer(ctx context.Context) {
	mux := http.NewServeMux()
	mux.HandleFunc("/callback", f.handleCallback)

	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := server.Serve(f.listener); err != http.ErrServerClosed {
			select {
			case f.errChan <- err:
			default:
			}
		}
	}()

	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()
}

func (f *OAuthFlow) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("state") != f.state {
		f.fail(fmt.Errorf("invalid state parameter"))
		http.Error(w, "Invalid state", http.StatusBadRequest)
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		f.fail(fmt.Errorf("auth error: %s", r.URL.Query().Get("error_description")))
		http.Error(w, "No code received", http.StatusBadRequest)
		return
	}

	select {
	case f.codeChan <- code:
	default:
	}
	w.Header().Set("Content-Type", "text/html")
	fmt.Fprint(w, `<html><body><h1>dbxsync is authorized</h1><p>You can close this window.</p></body></html>`)
}

func (f *OAuthFlow) fail(err error) {
	select {
	case f.errChan <- err:
	default:
	}
}

// WaitForCode waits for the redirect to deliver the authorization code
func (f *OAuthFlow) WaitForCode(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case code := <-f.codeChan:
		return code, nil
	case err := <-f.errChan:
		return "", err
	case <-timer.C:
		return "", fmt.Errorf("authentication timed out")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// ExchangeCode trades the authorization code for tokens
func (f *OAuthFlow) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	token, err := f.config.Exchange(ctx, code, oauth2.SetAuthURLParam("code_verifier", f.codeVerifier))
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}
	return token, nil
}

// Close releases the callback listener
func (f *OAuthFlow) Close() {
	if f.listener != nil {
		_ = f.listener.Close()
	}
}

// LoginOptions controls Login
type LoginOptions struct {
	AppKey    string
	AppSecret string
	// Port, when set, receives the redirect on 127.0.0.1; the URI
	// http://127.0.0.1:<port>/callback must be registered for the app.
	// Zero means the user pastes the code.
	Port        int
	Timeout     time.Duration
	In          io.Reader
	Out         io.Writer
	OpenBrowser func(url string) error
}

// Login runs the PKCE flow and stores the resulting tokens
func (m *Manager) Login(ctx context.Context, opts LoginOptions) (*oauth2.Token, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultLoginTimeout
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}

	var code string
	if opts.Port > 0 {
		listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", opts.Port))
		if err != nil {
			return nil, fmt.Errorf("failed to start local server: %w", err)
		}
		redirect := fmt.Sprintf("http://127.0.0.1:%d/callback", opts.Port)
		flow, err := NewOAuthFlow(m.OAuthConfig(opts.AppKey, opts.AppSecret, ""), listener, redirect)
		if err != nil {
			_ = listener.Close()
			return nil, err
		}
		defer flow.Close()

		serverCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		flow.StartCallbackServer(serverCtx)

		fmt.Fprintf(opts.Out, "Approve access in your browser. If it does not open, visit:\n%s\n", flow.AuthURL())
		if opts.OpenBrowser != nil {
			if err := opts.OpenBrowser(flow.AuthURL()); err != nil {
				fmt.Fprintf(opts.Out, "Failed to open browser: %v\n", err)
			}
		}
		code, err = flow.WaitForCode(ctx, opts.Timeout)
		if err != nil {
			return nil, err
		}
		return m.finishLogin(ctx, flow, code)
	}

	flow, err := NewOAuthFlow(m.OAuthConfig(opts.AppKey, opts.AppSecret, ""), nil, "")
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(opts.Out, "Open this URL in a browser and approve access:\n%s\n", flow.AuthURL())
	if opts.In == nil {
		return nil, fmt.Errorf("no input to read the authorization code from")
	}
	code, err = promptForAuthCode(bufio.NewReader(opts.In), opts.Out)
	if err != nil {
		return nil, err
	}
	return m.finishLogin(ctx, flow, code)
}

func (m *Manager) finishLogin(ctx context.Context, flow *OAuthFlow, code string) (*oauth2.Token, error) {
	if code == "" {
		return nil, utils.NewAppError(utils.NewCLIError(utils.ErrCodeInvalidArgument, "empty authorization code").Build())
	}
	token, err := flow.ExchangeCode(ctx, code)
	if err != nil {
		return nil, utils.WrapAppError(utils.NewCLIError(utils.ErrCodeAuthRequired, err.Error()).Build(), err)
	}
	if token.RefreshToken == "" {
		return nil, utils.NewAppError(utils.NewCLIError(utils.ErrCodeAuthRequired,
			"Dropbox returned no refresh token; the app must allow offline access").Build())
	}
	if err := m.SetSecret(utils.KeyringDropboxRefresh, token.RefreshToken); err != nil {
		return nil, err
	}
	if token.AccessToken != "" {
		if err := m.SetSecret(utils.KeyringDropboxToken, token.AccessToken); err != nil {
			return nil, err
		}
	}
	return token, nil
}

func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

func generateCodeVerifier() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func codeChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func promptForAuthCode(reader *bufio.Reader, out io.Writer) (string, error) {
	fmt.Fprint(out, "Paste the authorization code: ")
	code, err := reader.ReadString('\n')
	if err != nil && (err != io.EOF || code == "") {
		return "", err
	}
	return strings.TrimSpace(code), nil
}
