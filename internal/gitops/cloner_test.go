package gitops

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
)

// initRepo creates a repository with one commit on master and a second
// commit on a "feature" branch.
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("worktree: %v", err)
	}
	sig := &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()}

	commit := func(name, content string) plumbing.Hash {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		if _, err := wt.Add(name); err != nil {
			t.Fatalf("add %s: %v", name, err)
		}
		h, err := wt.Commit("add "+name, &git.CommitOptions{Author: sig})
		if err != nil {
			t.Fatalf("commit: %v", err)
		}
		return h
	}

	base := commit("main.go", "package main\n")
	if err := wt.Checkout(&git.CheckoutOptions{
		Hash:   base,
		Branch: plumbing.NewBranchReferenceName("feature"),
		Create: true,
	}); err != nil {
		t.Fatalf("create branch: %v", err)
	}
	commit("feature.go", "package main\n")
	return dir
}

func TestCloner_CloneDefaultBranch(t *testing.T) {
	src := initRepo(t)
	dest := filepath.Join(t.TempDir(), "repository")

	hash, err := NewCloner(nil).Clone(context.Background(), src, "", dest)
	if err != nil {
		t.Fatalf("clone failed: %v", err)
	}
	if hash == "" {
		t.Error("expected commit hash")
	}
	if _, err := os.Stat(filepath.Join(dest, ".git")); err != nil {
		t.Errorf("expected .git directory: %v", err)
	}
}

func TestCloner_CloneRef(t *testing.T) {
	src := initRepo(t)
	dest := filepath.Join(t.TempDir(), "repository")

	if _, err := NewCloner(nil).Clone(context.Background(), src, "feature", dest); err != nil {
		t.Fatalf("clone failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "feature.go")); err != nil {
		t.Errorf("expected feature.go after checkout: %v", err)
	}
}

func TestCloner_UnknownRef(t *testing.T) {
	src := initRepo(t)
	dest := filepath.Join(t.TempDir(), "repository")

	_, err := NewCloner(nil).Clone(context.Background(), src, "does-not-exist", dest)
	if err == nil {
		t.Fatal("expected checkout error")
	}
}

func TestCloner_TokenAuth(t *testing.T) {
	c := NewCloner(&Auth{Host: "github.com", Token: "secret"})
	auth, err := c.authFor("https://github.com/acme/repo.git")
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	basic, ok := auth.(*http.BasicAuth)
	if !ok {
		t.Fatalf("expected basic auth, got %T", auth)
	}
	if basic.Password != "secret" || basic.Username != "x-access-token" {
		t.Errorf("unexpected credentials %+v", basic)
	}
}

func TestCloner_CredentialsScopedToHost(t *testing.T) {
	c := NewCloner(&Auth{Host: "github.com", Token: "secret", SSHKey: []byte("not a key")})
	for _, u := range []string{
		"https://evil.example.com/acme/repo.git",
		"git@evil.example.com:acme/repo.git",
		"https://github.com.evil.example.com/acme/repo.git",
	} {
		auth, err := c.authFor(u)
		if err != nil || auth != nil {
			t.Errorf("%s: expected no credentials, got %#v (%v)", u, auth, err)
		}
	}

	auth, err := NewCloner(&Auth{Token: "secret"}).authFor("https://github.com/acme/repo.git")
	if err != nil || auth != nil {
		t.Errorf("expected no credentials without a host, got %#v (%v)", auth, err)
	}
}

func TestCloner_AuthFollowsTransport(t *testing.T) {
	keyOnly := NewCloner(&Auth{Host: "github.com", SSHKey: []byte("not a key")})
	if auth, err := keyOnly.authFor("https://github.com/acme/repo.git"); err != nil || auth != nil {
		t.Errorf("https with only a key: expected anonymous, got %#v (%v)", auth, err)
	}
	if _, err := keyOnly.authFor("git@github.com:acme/repo.git"); err == nil {
		t.Error("ssh url should use the key and reject the malformed one")
	}
	if _, err := keyOnly.authFor("ssh://git@github.com/acme/repo.git"); err == nil {
		t.Error("ssh:// url should use the key and reject the malformed one")
	}

	tokenOnly := NewCloner(&Auth{Host: "github.com", Token: "secret", Username: "bot"})
	if auth, err := tokenOnly.authFor("git@github.com:acme/repo.git"); err != nil || auth != nil {
		t.Errorf("ssh with only a token: expected no auth, got %#v (%v)", auth, err)
	}
	auth, err := tokenOnly.authFor("https://GitHub.com/acme/repo.git")
	if basic, ok := auth.(*http.BasicAuth); err != nil || !ok || basic.Username != "bot" {
		t.Errorf("expected basic auth for bot, got %#v (%v)", auth, err)
	}
}

func TestCloner_TokenNotSentToOtherHost(t *testing.T) {
	var (
		mu      sync.Mutex
		headers []string
	)
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		mu.Lock()
		headers = append(headers, r.Header.Get("Authorization"))
		mu.Unlock()
		nethttp.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewCloner(&Auth{Host: "github.com", Token: "server-secret"})
	_, err := c.Clone(context.Background(), srv.URL+"/attacker/repo.git", "", filepath.Join(t.TempDir(), "repository"))
	if err == nil {
		t.Fatal("expected clone to fail against a 404 server")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(headers) == 0 {
		t.Fatal("expected the server to be contacted")
	}
	for _, h := range headers {
		if h != "" {
			t.Errorf("credentials leaked to unrelated host: %q", h)
		}
	}
}

func TestCloner_TokenSentToConfiguredHost(t *testing.T) {
	var (
		mu      sync.Mutex
		headers []string
	)
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		mu.Lock()
		headers = append(headers, r.Header.Get("Authorization"))
		mu.Unlock()
		nethttp.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewCloner(&Auth{Host: "127.0.0.1", Token: "server-secret"})
	c.Clone(context.Background(), srv.URL+"/acme/repo.git", "", filepath.Join(t.TempDir(), "repository"))

	mu.Lock()
	defer mu.Unlock()
	if len(headers) == 0 || !strings.HasPrefix(headers[0], "Basic ") {
		t.Errorf("expected basic auth on the configured host, got %v", headers)
	}
}

func TestIsAuthError(t *testing.T) {
	if !IsAuthError(fmt.Errorf("clone: %w", transport.ErrAuthenticationRequired)) {
		t.Error("expected wrapped authentication error to be detected")
	}
	if !IsAuthError(transport.ErrAuthorizationFailed) {
		t.Error("expected authorization error to be detected")
	}
	if IsAuthError(errors.New("connection reset")) {
		t.Error("unexpected auth error for network failure")
	}
}
