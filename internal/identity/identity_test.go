package identity

import (
	"bufio"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

const samplePasswd = `root:x:0:0:root:/root:/bin/bash
daemon:x:1:1:daemon:/usr/sbin:/usr/sbin/nologin
# comment
alice:x:1000:1000:Alice:/home/alice:/bin/bash
bob:x:1001:1001::/home/bob:/bin/zsh
broken:x:notanumber:1:::/bin/sh
`

func TestParsePasswd_FiltersByHomePrefix(t *testing.T) {
	ids, err := parsePasswd(bufio.NewScanner(strings.NewReader(samplePasswd)), "/home/")
	if err != nil {
		t.Fatalf("parsePasswd failed: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 identities, got %d", len(ids))
	}
	if ids[0].Username != "alice" || ids[0].UID != 1000 || ids[0].HomeDir != "/home/alice" {
		t.Errorf("unexpected first identity: %+v", ids[0])
	}
}

func TestParsePasswd_NoPrefix(t *testing.T) {
	ids, err := parsePasswd(bufio.NewScanner(strings.NewReader(samplePasswd)), "")
	if err != nil {
		t.Fatalf("parsePasswd failed: %v", err)
	}
	// "broken" has an invalid uid and is skipped.
	if len(ids) != 4 {
		t.Errorf("expected 4 identities, got %d", len(ids))
	}
}

func TestResolver_List(t *testing.T) {
	path := filepath.Join(t.TempDir(), "passwd")
	if err := os.WriteFile(path, []byte(samplePasswd), 0644); err != nil {
		t.Fatal(err)
	}
	r := &Resolver{PasswdPath: path, HomePrefix: "/home/"}

	ids, err := r.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = id.Username
	}
	if !slices.Equal(names, []string{"alice", "bob"}) {
		t.Errorf("expected [alice bob], got %v", names)
	}
}

func TestResolver_LookupEmptyIsCurrent(t *testing.T) {
	r := NewResolver("")
	id, err := r.Lookup("")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if id.UID != uint32(os.Getuid()) {
		t.Errorf("expected current uid %d, got %d", os.Getuid(), id.UID)
	}
}

func TestResolver_LookupUnknown(t *testing.T) {
	r := NewResolver("")
	_, err := r.Lookup("no-such-user-ptyhub-test")
	if !errors.Is(err, ErrUnknownIdentity) {
		t.Fatalf("expected ErrUnknownIdentity, got %v", err)
	}
	if r.Exists("no-such-user-ptyhub-test") {
		t.Error("expected Exists to be false")
	}
}

func TestShellArgs(t *testing.T) {
	s := Shell{Path: "/bin/sh"}
	if got := s.args("echo hi"); !slices.Equal(got, []string{"-c", "echo hi"}) {
		t.Errorf("unexpected args: %v", got)
	}
	if got := s.args("  "); len(got) != 0 {
		t.Errorf("expected interactive shell without args, got %v", got)
	}
	s.Login = true
	if got := s.args("ls"); !slices.Equal(got, []string{"-l", "-c", "ls"}) {
		t.Errorf("unexpected login args: %v", got)
	}
}

func TestCredentialLauncher_CurrentUser(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	me, err := Current()
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	l := &CredentialLauncher{Shell: Shell{Path: "/bin/sh"}}

	cmd, err := l.Command(me, "echo hi", dir)
	if err != nil {
		t.Fatalf("Command failed: %v", err)
	}
	if cmd.Dir != dir {
		t.Errorf("expected dir %s, got %s", dir, cmd.Dir)
	}
	if cmd.SysProcAttr != nil {
		t.Error("expected no credential switch for the current user")
	}
	if !slices.Contains(cmd.Env, "TERM=xterm-256color") {
		t.Error("expected TERM in child environment")
	}
	if !slices.Contains(cmd.Env, "HOME="+me.HomeDir) {
		t.Error("expected HOME in child environment")
	}
}

func TestCredentialLauncher_MissingShell(t *testing.T) {
	l := &CredentialLauncher{Shell: Shell{Path: "/nonexistent/shell"}}
	if _, err := l.Command(nil, "echo hi", t.TempDir()); err == nil {
		t.Fatal("expected error for missing shell")
	}
}

func TestSudoLauncher_OtherUserArgs(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	// A fake sudo binary on a temp PATH keeps the test independent of the host.
	bin := t.TempDir()
	fake := filepath.Join(bin, "sudo")
	if err := os.WriteFile(fake, []byte("#!/bin/sh\nexit 0\n"), 0755); err != nil {
		t.Fatal(err)
	}

	other := &Identity{Username: "alice", UID: uint32(os.Geteuid()) + 1, HomeDir: "/home/alice"}
	l := &SudoLauncher{Shell: Shell{Path: "/bin/sh"}, Sudo: fake}

	cmd, err := l.Command(other, "echo hi", t.TempDir())
	if err != nil {
		t.Fatalf("Command failed: %v", err)
	}
	want := []string{fake, "-n", "-H", "-u", "alice", "--", "/bin/sh", "-c", "echo hi"}
	if !slices.Equal(cmd.Args, want) {
		t.Errorf("expected args %v, got %v", want, cmd.Args)
	}
	if !slices.Contains(cmd.Env, "USER=alice") {
		t.Error("expected USER=alice in child environment")
	}
}
