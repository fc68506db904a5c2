// Package identity resolves local OS accounts and builds commands that run
// under them.
package identity

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/user"
	"sort"
	"strconv"
	"strings"
)

// ErrUnknownIdentity is returned when an account does not exist locally.
var ErrUnknownIdentity = errors.New("unknown identity")

// Identity is a local account a session can run as.
type Identity struct {
	Username string `json:"username"`
	UID      uint32 `json:"uid"`
	GID      uint32 `json:"gid"`
	HomeDir  string `json:"homeDir"`
}

// Resolver looks up local accounts.
type Resolver struct {
	// PasswdPath is read by List. Defaults to /etc/passwd.
	PasswdPath string

	// HomePrefix filters List to accounts whose home directory starts with
	// it. Empty lists every account.
	HomePrefix string
}

// NewResolver creates a resolver that lists accounts homed under homePrefix.
func NewResolver(homePrefix string) *Resolver {
	return &Resolver{PasswdPath: "/etc/passwd", HomePrefix: homePrefix}
}

// Current returns the identity the server itself runs as.
func Current() (*Identity, error) {
	u, err := user.Current()
	if err != nil {
		return nil, fmt.Errorf("current user: %w", err)
	}
	return fromUser(u)
}

// Lookup resolves name to a local identity. An empty name is the server's
// own identity.
func (r *Resolver) Lookup(name string) (*Identity, error) {
	if name == "" {
		return Current()
	}
	u, err := user.Lookup(name)
	if err != nil {
		var unknown user.UnknownUserError
		if errors.As(err, &unknown) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownIdentity, name)
		}
		return nil, fmt.Errorf("lookup %s: %w", name, err)
	}
	return fromUser(u)
}

// Exists reports whether name is a local account.
func (r *Resolver) Exists(name string) bool {
	_, err := r.Lookup(name)
	return err == nil
}

// HomeDir returns the home directory of name.
func (r *Resolver) HomeDir(name string) (string, error) {
	id, err := r.Lookup(name)
	if err != nil {
		return "", err
	}
	return id.HomeDir, nil
}

// List returns local identities from the passwd file, filtered by
// HomePrefix and sorted by name.
func (r *Resolver) List() ([]Identity, error) {
	path := r.PasswdPath
	if path == "" {
		path = "/etc/passwd"
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	defer f.Close()

	ids, err := parsePasswd(bufio.NewScanner(f), r.HomePrefix)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Username < ids[j].Username })
	return ids, nil
}

func parsePasswd(sc *bufio.Scanner, homePrefix string) ([]Identity, error) {
	var ids []Identity
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ":")
		if len(parts) < 7 {
			continue
		}
		home := parts[5]
		if homePrefix != "" && !strings.HasPrefix(home, homePrefix) {
			continue
		}
		uid, err := strconv.ParseUint(parts[2], 10, 32)
		if err != nil {
			continue
		}
		gid, err := strconv.ParseUint(parts[3], 10, 32)
		if err != nil {
			continue
		}
		ids = append(ids, Identity{
			Username: parts[0],
			UID:      uint32(uid),
			GID:      uint32(gid),
			HomeDir:  home,
		})
	}
	return ids, sc.Err()
}

func fromUser(u *user.User) (*Identity, error) {
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("parse uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("parse gid %q: %w", u.Gid, err)
	}
	return &Identity{
		Username: u.Username,
		UID:      uint32(uid),
		GID:      uint32(gid),
		HomeDir:  u.HomeDir,
	}, nil
}
