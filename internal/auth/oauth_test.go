package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	testhelpers "github.com/dl-alexandre/dbxsync/internal/testing"
	"github.com/dl-alexandre/dbxsync/internal/utils"
	"golang.org/x/oauth2"
)

// tokenServer fakes the Dropbox token endpoint
type tokenServer struct {
	*httptest.Server
	refreshes atomic.Int32
	exchanges atomic.Int32
}

func newTokenServer(t *testing.T) *tokenServer {
	t.Helper()
	ts := &tokenServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if r.FormValue("client_id") != "app-key" {
			http.Error(w, `{"error":"invalid_client"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.FormValue("grant_type") {
		case "refresh_token":
			if r.FormValue("refresh_token") != "refresh-1" {
				http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
				return
			}
			n := ts.refreshes.Add(1)
			fmt.Fprintf(w, `{"access_token":"fresh-%d","token_type":"bearer","expires_in":14400}`, n)
		case "authorization_code":
			if r.FormValue("code_verifier") == "" {
				http.Error(w, `{"error":"missing verifier"}`, http.StatusBadRequest)
				return
			}
			ts.exchanges.Add(1)
			fmt.Fprint(w, `{"access_token":"sl.access","refresh_token":"refresh-1","token_type":"bearer","expires_in":14400}`)
		default:
			http.Error(w, `{"error":"unsupported_grant_type"}`, http.StatusBadRequest)
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *tokenServer) endpoint() oauth2.Endpoint {
	return oauth2.Endpoint{
		AuthURL:   ts.URL + "/oauth2/authorize",
		TokenURL:  ts.URL + "/oauth2/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}
}

// bearerEcho records the Authorization header of every request
func bearerEcho(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func TestHTTPClient_StaticToken(t *testing.T) {
	mgr := newTestManager(t, nil)
	api, seen := bearerEcho(t)

	client := mgr.HTTPClient(context.Background(), &Credentials{AccessToken: "static"}, nil, 5*time.Second)
	resp, err := client.Get(api.URL)
	testhelpers.AssertNoError(t, err)
	resp.Body.Close()

	testhelpers.AssertStrings(t, *seen, []string{"Bearer static"})
	testhelpers.AssertEqual(t, client.Timeout, 5*time.Second)
}

func TestHTTPClient_RefreshesOnce(t *testing.T) {
	tokens := newTokenServer(t)
	mgr := newTestManager(t, nil)
	mgr.endpoint = tokens.endpoint()
	api, seen := bearerEcho(t)

	creds := &Credentials{AccessToken: "stale", RefreshToken: "refresh-1", AppKey: "app-key"}
	client := mgr.HTTPClient(context.Background(), creds, nil, 0)
	for i := 0; i < 3; i++ {
		resp, err := client.Get(api.URL)
		testhelpers.AssertNoError(t, err)
		resp.Body.Close()
	}

	testhelpers.AssertStrings(t, *seen, []string{"Bearer fresh-1", "Bearer fresh-1", "Bearer fresh-1"})
	testhelpers.AssertEqual(t, tokens.refreshes.Load(), int32(1))
}

func TestHTTPClient_RefreshUsesTransport(t *testing.T) {
	tokens := newTokenServer(t)
	mgr := newTestManager(t, nil)
	mgr.endpoint = tokens.endpoint()
	api, _ := bearerEcho(t)

	var calls atomic.Int32
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		calls.Add(1)
		return http.DefaultTransport.RoundTrip(r)
	})

	creds := &Credentials{RefreshToken: "refresh-1", AppKey: "app-key"}
	client := mgr.HTTPClient(context.Background(), creds, transport, 0)
	resp, err := client.Get(api.URL)
	testhelpers.AssertNoError(t, err)
	resp.Body.Close()

	// one refresh plus one API call
	testhelpers.AssertEqual(t, calls.Load(), int32(2))
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestOAuthFlow_AuthURL(t *testing.T) {
	mgr := newTestManager(t, nil)
	flow, err := NewOAuthFlow(mgr.OAuthConfig("app-key", "", ""), nil, "")
	testhelpers.AssertNoError(t, err)

	if len(flow.codeVerifier) < 43 || len(flow.codeVerifier) > 128 {
		t.Errorf("Code verifier length %d outside valid range 43-128", len(flow.codeVerifier))
	}

	parsed, err := url.Parse(flow.AuthURL())
	testhelpers.AssertNoError(t, err)
	query := parsed.Query()

	testhelpers.AssertEqual(t, parsed.Host, "www.dropbox.com")
	testhelpers.AssertEqual(t, query.Get("client_id"), "app-key")
	testhelpers.AssertEqual(t, query.Get("token_access_type"), "offline")
	testhelpers.AssertEqual(t, query.Get("code_challenge_method"), "S256")
	testhelpers.AssertEqual(t, query.Get("code_challenge"), codeChallengeS256(flow.codeVerifier))
	testhelpers.AssertEqual(t, query.Get("state"), flow.state)
	testhelpers.AssertEqual(t, query.Get("redirect_uri"), "")
}

func TestNewOAuthFlow_Validation(t *testing.T) {
	mgr := newTestManager(t, nil)

	_, err := NewOAuthFlow(nil, nil, "")
	testhelpers.AssertError(t, err)

	_, err = NewOAuthFlow(mgr.OAuthConfig("", "", ""), nil, "")
	testhelpers.AssertError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	testhelpers.AssertNoError(t, err)
	defer listener.Close()
	_, err = NewOAuthFlow(mgr.OAuthConfig("app-key", "", ""), listener, "")
	testhelpers.AssertError(t, err, "listener without redirect")
}

func TestCodeChallengeS256(t *testing.T) {
	// RFC 7636 appendix B
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	testhelpers.AssertEqual(t, codeChallengeS256(verifier), "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM")

	sum := sha256.Sum256([]byte("x"))
	testhelpers.AssertEqual(t, codeChallengeS256("x"), base64.RawURLEncoding.EncodeToString(sum[:]))
}

func TestHandleCallback(t *testing.T) {
	mgr := newTestManager(t, nil)
	flow, err := NewOAuthFlow(mgr.OAuthConfig("app-key", "", ""), nil, "")
	testhelpers.AssertNoError(t, err)

	tests := []struct {
		name          string
		state         string
		code          string
		errorContains string
	}{
		{name: "valid state", state: flow.state, code: "the-code"},
		{name: "invalid state", state: "wrong", code: "the-code", errorContains: "invalid state"},
		{name: "missing code", state: flow.state, errorContains: "auth error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flow.codeChan = make(chan string, 1)
			flow.errChan = make(chan error, 1)

			req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/callback?state=%s&code=%s",
				url.QueryEscape(tt.state), url.QueryEscape(tt.code)), nil)
			w := httptest.NewRecorder()
			flow.handleCallback(w, req)

			select {
			case code := <-flow.codeChan:
				if tt.errorContains != "" {
					t.Fatalf("expected error, got code %q", code)
				}
				testhelpers.AssertEqual(t, code, tt.code)
				testhelpers.AssertEqual(t, w.Code, http.StatusOK)
			case err := <-flow.errChan:
				if tt.errorContains == "" {
					t.Fatalf("unexpected error: %v", err)
				}
				if !strings.Contains(err.Error(), tt.errorContains) {
					t.Errorf("error should contain %q, got: %v", tt.errorContains, err)
				}
				testhelpers.AssertEqual(t, w.Code, http.StatusBadRequest)
			default:
				t.Fatal("callback produced neither code nor error")
			}
		})
	}
}

func TestWaitForCode_Timeout(t *testing.T) {
	mgr := newTestManager(t, nil)
	flow, err := NewOAuthFlow(mgr.OAuthConfig("app-key", "", ""), nil, "")
	testhelpers.AssertNoError(t, err)

	_, err = flow.WaitForCode(context.Background(), 10*time.Millisecond)
	testhelpers.AssertError(t, err)
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLogin_PastedCode(t *testing.T) {
	tokens := newTokenServer(t)
	mgr := newTestManager(t, nil)
	mgr.endpoint = tokens.endpoint()

	var out strings.Builder
	token, err := mgr.Login(context.Background(), LoginOptions{
		AppKey: "app-key",
		In:     strings.NewReader("  pasted-code \n"),
		Out:    &out,
	})
	testhelpers.AssertNoError(t, err)
	testhelpers.AssertEqual(t, token.RefreshToken, "refresh-1")
	testhelpers.AssertEqual(t, tokens.exchanges.Load(), int32(1))

	if !strings.Contains(out.String(), tokens.URL+"/oauth2/authorize") {
		t.Errorf("login output missing authorize URL: %q", out.String())
	}

	refresh, err := mgr.store.Get(utils.KeyringDropboxRefresh)
	testhelpers.AssertNoError(t, err)
	testhelpers.AssertEqual(t, refresh, "refresh-1")
	access, err := mgr.store.Get(utils.KeyringDropboxToken)
	testhelpers.AssertNoError(t, err)
	testhelpers.AssertEqual(t, access, "sl.access")
}

func TestLogin_EmptyCode(t *testing.T) {
	tokens := newTokenServer(t)
	mgr := newTestManager(t, nil)
	mgr.endpoint = tokens.endpoint()

	_, err := mgr.Login(context.Background(), LoginOptions{AppKey: "app-key", In: strings.NewReader("\n")})
	testhelpers.AssertError(t, err)
	testhelpers.AssertEqual(t, utils.ErrorCode(err), utils.ErrCodeInvalidArgument)
	testhelpers.AssertEqual(t, tokens.exchanges.Load(), int32(0))
}

func TestLogin_Loopback(t *testing.T) {
	tokens := newTokenServer(t)
	mgr := newTestManager(t, nil)
	mgr.endpoint = tokens.endpoint()

	probe, err := net.Listen("tcp", "127.0.0.1:0")
	testhelpers.AssertNoError(t, err)
	port := probe.Addr().(*net.TCPAddr).Port
	probe.Close()

	// The "browser" approves immediately by following the redirect.
	openBrowser := func(authURL string) error {
		parsed, err := url.Parse(authURL)
		if err != nil {
			return err
		}
		q := parsed.Query()
		go func() {
			resp, err := http.Get(q.Get("redirect_uri") + "?code=loop-code&state=" + url.QueryEscape(q.Get("state")))
			if err == nil {
				resp.Body.Close()
			}
		}()
		return nil
	}

	token, err := mgr.Login(context.Background(), LoginOptions{
		AppKey:      "app-key",
		Port:        port,
		Timeout:     5 * time.Second,
		OpenBrowser: openBrowser,
	})
	testhelpers.AssertNoError(t, err)
	testhelpers.AssertEqual(t, token.AccessToken, "sl.access")
}
