package identity

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

// Shell describes how a session command is wrapped.
type Shell struct {
	// Path is the shell binary, e.g. /bin/sh.
	Path string

	// Login starts the shell as a login shell (-l).
	Login bool
}

// args returns the shell argv (without the binary) for command. An empty
// command starts an interactive shell.
func (s Shell) args(command string) []string {
	var args []string
	if s.Login {
		args = append(args, "-l")
	}
	if strings.TrimSpace(command) != "" {
		args = append(args, "-c", command)
	}
	return args
}

// CredentialLauncher runs the shell directly and switches the child's
// uid/gid when the target identity differs from the server's. Switching
// requires the server to be privileged.
type CredentialLauncher struct {
	Shell Shell
}

// Command builds the child process for command under id in dir.
func (l *CredentialLauncher) Command(id *Identity, command, dir string) (*exec.Cmd, error) {
	shell, err := exec.LookPath(l.Shell.Path)
	if err != nil {
		return nil, fmt.Errorf("shell %s: %w", l.Shell.Path, err)
	}

	cmd := exec.Command(shell, l.Shell.args(command)...)
	cmd.Dir = dir
	cmd.Env = childEnv(id, shell)

	if id != nil && uint32(os.Geteuid()) != id.UID {
		if os.Geteuid() != 0 {
			return nil, fmt.Errorf("running as %s requires root privileges", id.Username)
		}
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Credential: &syscall.Credential{Uid: id.UID, Gid: id.GID},
		}
	}
	return cmd, nil
}

// SudoLauncher delegates the identity switch to sudo. Identities equal to
// the server's own run without sudo.
type SudoLauncher struct {
	Shell Shell

	// Sudo is the sudo binary. Defaults to "sudo" on PATH.
	Sudo string
}

// Command builds the child process for command under id in dir.
func (l *SudoLauncher) Command(id *Identity, command, dir string) (*exec.Cmd, error) {
	if id == nil || uint32(os.Geteuid()) == id.UID {
		direct := &CredentialLauncher{Shell: l.Shell}
		return direct.Command(id, command, dir)
	}

	sudo := l.Sudo
	if sudo == "" {
		sudo = "sudo"
	}
	sudoPath, err := exec.LookPath(sudo)
	if err != nil {
		return nil, fmt.Errorf("sudo: %w", err)
	}

	args := []string{"-n", "-H", "-u", id.Username, "--", l.Shell.Path}
	args = append(args, l.Shell.args(command)...)

	cmd := exec.Command(sudoPath, args...)
	cmd.Dir = dir
	cmd.Env = childEnv(id, l.Shell.Path)
	return cmd, nil
}

// childEnv returns the server environment with identity-specific entries
// replaced.
func childEnv(id *Identity, shell string) []string {
	override := map[string]string{
		"TERM":  "xterm-256color",
		"SHELL": shell,
	}
	if id != nil {
		override["HOME"] = id.HomeDir
		override["USER"] = id.Username
		override["LOGNAME"] = id.Username
	}

	env := make([]string, 0, len(os.Environ())+len(override))
	for _, kv := range os.Environ() {
		k, _, _ := strings.Cut(kv, "=")
		if _, ok := override[k]; ok {
			continue
		}
		env = append(env, kv)
	}
	for k, v := range override {
		env = append(env, k+"="+v)
	}
	return env
}
