package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// deviceFlow prints the verification URL and code, then polls until the user
// approves in a browser.
func deviceFlow(ctx context.Context, conf *oauth2.Config, out io.Writer, scopes []string) (*oauth2.Token, error) {
	da, err := conf.DeviceAuth(ctx, oauth2.SetAuthURLParam("scopes", strings.Join(scopes, " ")))
	if err != nil {
		return nil, fmt.Errorf("request device code: %w", err)
	}
	uri := da.VerificationURIComplete
	if uri == "" {
		uri = da.VerificationURI
	}
	fmt.Fprintf(out, "AUTHORIZATION REQUIRED\n\n1. Open this URL in your browser:\n\n   %s\n\n2. Enter code %s if asked, log in with the bot account and authorize.\n\nWaiting for authorization (Ctrl+C to cancel)...\n", uri, da.UserCode)

	tok, err := conf.DeviceAccessToken(ctx, da, oauth2.SetAuthURLParam("scopes", strings.Join(scopes, " ")))
	if err != nil {
		return nil, fmt.Errorf("wait for device authorization: %w", err)
	}
	return tok, nil
}

type callbackResult struct {
	code string
	err  error
}

// codeFlow listens on the redirect URI, prints the authorize URL and exchanges
// the returned code.
func codeFlow(ctx context.Context, conf *oauth2.Config, redirectURI string, out io.Writer) (*oauth2.Token, error) {
	u, err := url.Parse(redirectURI)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid TWITCH_REDIRECT_URI %q", redirectURI)
	}
	state, err := newState()
	if err != nil {
		return nil, err
	}
	results := make(chan callbackResult, 1)
	path := u.Path
	if path == "" {
		path = "/"
	}
	mux := http.NewServeMux()
	mux.Handle(path, callbackHandler(state, results))

	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("listen for oauth callback on %s: %w", u.Host, err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = srv.Serve(ln) }()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(out, "AUTHORIZATION REQUIRED\n\nOpen this URL in your browser and authorize with the bot account:\n\n   %s\n\nWaiting for the callback on %s (Ctrl+C to cancel)...\n",
		conf.AuthCodeURL(state), redirectURI)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-results:
		if res.err != nil {
			return nil, res.err
		}
		tok, err := conf.Exchange(ctx, res.code)
		if err != nil {
			return nil, fmt.Errorf("exchange authorization code: %w", err)
		}
		return tok, nil
	}
}

// callbackHandler delivers the first valid code (or provider error) to results.
func callbackHandler(state string, results chan<- callbackResult) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			http.Error(w, "invalid state", http.StatusBadRequest)
			return
		}
		var res callbackResult
		switch {
		case q.Get("error") != "":
			res.err = fmt.Errorf("authorization denied: %s: %s", q.Get("error"), q.Get("error_description"))
		case q.Get("code") == "":
			http.Error(w, "missing code", http.StatusBadRequest)
			return
		default:
			res.code = q.Get("code")
		}
		select {
		case results <- res:
		default:
		}
		if res.err != nil {
			http.Error(w, res.err.Error(), http.StatusForbidden)
			return
		}
		_, _ = io.WriteString(w, "Authorization complete. You can close this tab.")
	})
}

func newState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", errors.New("generate oauth state")
	}
	return hex.EncodeToString(b), nil
}
