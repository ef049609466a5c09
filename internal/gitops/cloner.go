package gitops

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
)

// Auth holds the server's clone credentials. They are only offered to
// Host: the token over http(s), the key over ssh.
type Auth struct {
	Host     string // Hostname the credentials belong to
	Token    string // Personal access token
	SSHKey   []byte // SSH private key
	Username string // For token auth
}

// Cloner fetches repositories into job workspaces. It is shared by every
// job and holds no per-clone state.
type Cloner struct {
	auth *Auth
}

func NewCloner(auth *Auth) *Cloner {
	return &Cloner{auth: auth}
}

// Clone clones repoURL into dest and checks out ref when it is non-empty.
// It returns the hash of the checked out commit.
func (c *Cloner) Clone(ctx context.Context, repoURL, ref, dest string) (string, error) {
	auth, err := c.authFor(repoURL)
	if err != nil {
		return "", fmt.Errorf("set auth: %w", err)
	}
	opts := &git.CloneOptions{
		URL:  repoURL,
		Auth: auth,
	}

	repo, err := git.PlainCloneContext(ctx, dest, false, opts)
	if err != nil {
		return "", fmt.Errorf("clone: %w", err)
	}

	if ref != "" {
		if err := checkout(repo, ref); err != nil {
			return "", fmt.Errorf("checkout %q: %w", ref, err)
		}
	}

	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("read head: %w", err)
	}
	return head.Hash().String(), nil
}

// checkout accepts branch names, tags, remote branches and commit hashes.
func checkout(repo *git.Repository, ref string) error {
	var (
		hash *plumbing.Hash
		err  error
	)
	for _, candidate := range []string{ref, "origin/" + ref, "refs/tags/" + ref} {
		hash, err = repo.ResolveRevision(plumbing.Revision(candidate))
		if err == nil {
			break
		}
	}
	if err != nil {
		return err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("get worktree: %w", err)
	}
	return worktree.Checkout(&git.CheckoutOptions{
		Hash:  *hash,
		Force: true,
	})
}

// IsAuthError reports whether err came from the remote rejecting
// credentials.
func IsAuthError(err error) bool {
	return errors.Is(err, transport.ErrAuthenticationRequired) ||
		errors.Is(err, transport.ErrAuthorizationFailed)
}

// authFor picks the credential matching the transport of repoURL. URLs on
// any other host get none.
func (c *Cloner) authFor(repoURL string) (transport.AuthMethod, error) {
	auth := c.auth
	if auth == nil || auth.Host == "" {
		return nil, nil
	}
	ep, err := transport.NewEndpoint(repoURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if !strings.EqualFold(ep.Host, auth.Host) {
		return nil, nil
	}

	switch ep.Protocol {
	case "http", "https":
		if auth.Token == "" {
			return nil, nil
		}
		username := auth.Username
		if username == "" {
			username = "x-access-token"
		}
		return &http.BasicAuth{
			Username: username,
			Password: auth.Token,
		}, nil
	case "ssh":
		if len(auth.SSHKey) == 0 {
			return nil, nil
		}
		user := ep.User
		if user == "" {
			user = "git"
		}
		sshAuth, err := ssh.NewPublicKeys(user, auth.SSHKey, "")
		if err != nil {
			return nil, fmt.Errorf("create ssh auth: %w", err)
		}
		return sshAuth, nil
	}
	return nil, nil
}
