// Command seed-tokens runs the one-time Twitch OAuth authorization for the bot
// account and writes the resulting user credential into the configured
// credential store (CREDENTIAL_STORE). The detector refuses to start until this
// has been done once; afterwards it keeps the credential fresh on its own.
//
// Two flows are supported:
//
//	--flow device  (default) prints a verification URL and code; works headless
//	--flow code    opens a local callback listener on TWITCH_REDIRECT_URI
//
// Requires TWITCH_CLIENT_ID and TWITCH_CLIENT_SECRET. Requested scopes come from
// TWITCH_SCOPES (default "chat:read clips:edit").
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/twitch"

	"github.com/onnwee/clip-tender/config"
	"github.com/onnwee/clip-tender/db"
	"github.com/onnwee/clip-tender/oauth"
	"github.com/onnwee/clip-tender/twitchapi"
)

const deviceAuthURL = "https://id.twitch.tv/oauth2/device"

func main() {
	flow := flag.String("flow", "device", "authorization flow: device | code")
	store := flag.String("store", "", "override CREDENTIAL_STORE (file | postgres | redis)")
	flag.Parse()

	_ = godotenv.Load()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *flow, *store); err != nil {
		slog.Error("seeding failed", slog.Any("err", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, flow, storeKind string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.ValidateTwitchApp(); err != nil {
		return err
	}
	if storeKind == "" {
		storeKind = cfg.CredentialStore
	}
	scopes := strings.Fields(cfg.TwitchScopes)
	conf := oauthConfig(cfg, scopes)

	fmt.Fprintf(os.Stdout, "Client ID: %s...\nRequired scopes: %s\n\n", prefix(cfg.TwitchClientID, 8), strings.Join(scopes, ", "))

	var tok *oauth2.Token
	switch flow {
	case "device":
		tok, err = deviceFlow(ctx, conf, os.Stdout, scopes)
	case "code":
		tok, err = codeFlow(ctx, conf, cfg.TwitchRedirectURI, os.Stdout)
	default:
		return fmt.Errorf("unknown flow %q", flow)
	}
	if err != nil {
		return err
	}
	cred := credentialFromToken(tok, scopes, time.Now().UTC())

	auth := &twitchapi.AuthClient{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret, HTTPClient: &http.Client{Timeout: 15 * time.Second}}
	v, err := auth.ValidateToken(ctx, cred.AccessToken)
	if err != nil {
		return fmt.Errorf("validate new token: %w", err)
	}
	if !v.HasScopes(scopes...) {
		return fmt.Errorf("granted scopes %v do not include %v", v.Scopes, scopes)
	}
	cred.Scopes = v.Scopes

	var database *sql.DB
	if storeKind == "postgres" {
		if database, err = db.Connect(ctx, cfg.DBDsn); err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer database.Close()
		if err := db.Migrate(ctx, database); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
	}
	s, err := oauth.OpenStore(ctx, storeKind, cfg, database)
	if err != nil {
		return err
	}
	if c, ok := s.(io.Closer); ok {
		defer c.Close()
	}
	if err := s.Save(ctx, cred); err != nil {
		return fmt.Errorf("save credential: %w", err)
	}

	fmt.Fprintf(os.Stdout, "\nAuthorized as %s. Credential written to the %s store", v.Login, storeKind)
	if fs, ok := s.(*oauth.FileStore); ok {
		fmt.Fprintf(os.Stdout, " (%s)", fs.Path())
	}
	fmt.Fprintln(os.Stdout, ".\nThe detector refreshes it automatically from now on.")
	return nil
}

func oauthConfig(cfg *config.Config, scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.TwitchClientID,
		ClientSecret: cfg.TwitchClientSecret,
		RedirectURL:  cfg.TwitchRedirectURI,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:       twitch.Endpoint.AuthURL,
			TokenURL:      twitch.Endpoint.TokenURL,
			DeviceAuthURL: deviceAuthURL,
			AuthStyle:     oauth2.AuthStyleInParams,
		},
	}
}

// credentialFromToken converts an oauth2 token. Twitch returns granted scopes
// as a JSON array under "scope"; requested is used when that is absent.
func credentialFromToken(tok *oauth2.Token, requested []string, now time.Time) oauth.Credential {
	c := oauth.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Scopes:       requested,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    tok.Expiry.UTC(),
	}
	switch raw := tok.Extra("scope").(type) {
	case []any:
		var granted []string
		for _, s := range raw {
			if str, ok := s.(string); ok {
				granted = append(granted, str)
			}
		}
		if len(granted) > 0 {
			c.Scopes = granted
		}
	case string:
		if f := strings.Fields(raw); len(f) > 0 {
			c.Scopes = f
		}
	}
	return c
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
