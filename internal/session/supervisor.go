package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"ptyhub/internal/identity"
	"ptyhub/internal/logging"
)

const (
	defaultKillGrace   = 5 * time.Second
	defaultCols        = 80
	defaultRows        = 24
	readBufSize        = 32 * 1024
	inputQueueSize     = 256
	drainTimeout       = 250 * time.Millisecond
	exitCodeUnknown    = -1
	signalExitCodeBase = 128
)

// Launcher builds the command that runs a session's command line as a
// local identity in a working directory.
type Launcher interface {
	Command(id *identity.Identity, command, dir string) (*exec.Cmd, error)
}

// IdentityResolver resolves a runAs identity name.
type IdentityResolver interface {
	Lookup(name string) (*identity.Identity, error)
}

// SupervisorOptions configures a Supervisor.
type SupervisorOptions struct {
	Launcher Launcher
	Resolver IdentityResolver

	// ReplayCapacity is the number of chunks kept per session.
	ReplayCapacity int

	// KillGrace is the delay between the graceful and the forceful signal.
	KillGrace time.Duration

	Cols, Rows uint16

	Logger *log.Logger
}

// Supervisor owns the spawned processes: one per session id. It proxies
// pseudo-terminal I/O, keeps each session's replay buffer, and reports
// output and exit to its Observer.
type Supervisor struct {
	opts SupervisorOptions
	log  *log.Logger

	mu       sync.Mutex
	procs    map[string]*process
	starting map[string]bool
	buffers  map[string]*RingBuffer
	observer Observer

	wg sync.WaitGroup
}

type process struct {
	sessionID string
	cmd       *exec.Cmd
	pty       *os.File
	pid       int
	observer  Observer
	buffer    *RingBuffer
	log       *log.Logger

	input    chan []byte
	readDone chan struct{}
	done     chan struct{}

	mu        sync.Mutex
	exited    bool
	ptyClosed bool
	killing   bool
	killTimer *time.Timer
	ioErr     error

	// forgotten is guarded by Supervisor.mu.
	forgotten bool
}

// NewSupervisor creates a Supervisor. Launcher and Resolver are required.
func NewSupervisor(opts SupervisorOptions) *Supervisor {
	if opts.ReplayCapacity <= 0 {
		opts.ReplayCapacity = DefaultReplayCapacity
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = defaultKillGrace
	}
	if opts.Cols == 0 {
		opts.Cols = defaultCols
	}
	if opts.Rows == 0 {
		opts.Rows = defaultRows
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Supervisor{
		opts:     opts,
		log:      logger.WithPrefix("supervisor"),
		procs:    make(map[string]*process),
		starting: make(map[string]bool),
		buffers:  make(map[string]*RingBuffer),
		observer: nopObserver{},
	}
}

// Observe sets the observer for processes spawned from now on.
func (s *Supervisor) Observe(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o == nil {
		o = nopObserver{}
	}
	s.observer = o
}

// Spawn starts command under the identity runAs in dir, attached to a new
// pseudo-terminal, and returns its pid. The session gets a fresh replay
// buffer. The id is reserved while the identity lookup and fork run, so
// other sessions are not held up by a slow spawn.
func (s *Supervisor) Spawn(sessionID, command, dir, runAs string) (int, error) {
	s.mu.Lock()
	if _, exists := s.procs[sessionID]; exists || s.starting[sessionID] {
		s.mu.Unlock()
		return 0, opError("spawn", sessionID, ErrAlreadySupervised)
	}
	s.starting[sessionID] = true
	s.mu.Unlock()

	p, id, err := s.start(sessionID, command, dir, runAs)

	s.mu.Lock()
	delete(s.starting, sessionID)
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	p.observer = s.observer
	s.procs[sessionID] = p
	s.buffers[sessionID] = p.buffer
	s.wg.Add(1)
	s.mu.Unlock()

	p.log.Info("process spawned", "pid", p.pid, "identity", id.Username, "dir", dir)

	go s.readLoop(p)
	go s.writeLoop(p)
	go s.waitLoop(p)

	return p.pid, nil
}

// start resolves the identity, checks the working directory and starts the
// command on a new pseudo-terminal. It does not register the process.
func (s *Supervisor) start(sessionID, command, dir, runAs string) (*process, *identity.Identity, error) {
	id, err := s.opts.Resolver.Lookup(runAs)
	if err != nil {
		return nil, nil, spawnError(sessionID, err)
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, nil, spawnError(sessionID, fmt.Errorf("working directory: %w", err))
	}
	if !info.IsDir() {
		return nil, nil, spawnError(sessionID, fmt.Errorf("working directory %s is not a directory", dir))
	}

	cmd, err := s.opts.Launcher.Command(id, command, dir)
	if err != nil {
		return nil, nil, spawnError(sessionID, err)
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: s.opts.Rows, Cols: s.opts.Cols})
	if err != nil {
		return nil, nil, spawnError(sessionID, err)
	}

	return &process{
		sessionID: sessionID,
		cmd:       cmd,
		pty:       ptmx,
		pid:       cmd.Process.Pid,
		buffer:    NewRingBuffer(s.opts.ReplayCapacity),
		log:       s.log.With("session", sessionID),
		input:     make(chan []byte, inputQueueSize),
		readDone:  make(chan struct{}),
		done:      make(chan struct{}),
	}, id, nil
}

// readLoop copies pty output into the replay buffer and the observer.
func (s *Supervisor) readLoop(p *process) {
	defer close(p.readDone)
	defer logging.LogPanic(p.log, "pty-reader", nil)

	buf := make([]byte, readBufSize)
	for {
		n, err := p.pty.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			chunk := p.buffer.Append(data, time.Now().UTC())
			p.observer.OnOutput(p.sessionID, chunk)
		}
		if err != nil {
			if !isPTYClosed(err) {
				p.log.Warn("pty read failed, terminating process", "error", err)
				p.fail(err)
			}
			return
		}
	}
}

// writeLoop forwards queued input to the pty so Write never blocks.
func (s *Supervisor) writeLoop(p *process) {
	defer logging.LogPanic(p.log, "pty-writer", nil)

	for {
		select {
		case data := <-p.input:
			if _, err := p.pty.Write(data); err != nil {
				if !isPTYClosed(err) {
					p.log.Warn("pty write failed, terminating process", "error", err)
					p.fail(err)
				}
				return
			}
		case <-p.done:
			return
		}
	}
}

// waitLoop reaps the process, lets the reader drain, reports the exit and
// unregisters the process.
func (s *Supervisor) waitLoop(p *process) {
	defer s.wg.Done()
	defer logging.LogPanic(p.log, "pty-waiter", nil)

	waitErr := p.cmd.Wait()

	p.mu.Lock()
	p.exited = true
	if p.killTimer != nil {
		p.killTimer.Stop()
	}
	ioErr := p.ioErr
	p.mu.Unlock()

	// Descendants may keep the terminal open; bound the wait for trailing output.
	select {
	case <-p.readDone:
	case <-time.After(drainTimeout):
	}
	p.mu.Lock()
	p.ptyClosed = true
	p.pty.Close()
	p.mu.Unlock()
	<-p.readDone

	code, status := exitStatus(waitErr, ioErr)
	p.log.Info("process exited", "pid", p.pid, "code", code, "status", status)

	p.observer.OnExit(Exit{SessionID: p.sessionID, ExitCode: code, Status: status})

	s.mu.Lock()
	if s.procs[p.sessionID] == p {
		delete(s.procs, p.sessionID)
	}
	if p.forgotten && s.buffers[p.sessionID] == p.buffer {
		delete(s.buffers, p.sessionID)
	}
	s.mu.Unlock()
	close(p.done)
}

// Write queues data for the session's input stream.
func (s *Supervisor) Write(sessionID string, data []byte) error {
	p := s.get(sessionID)
	if p == nil {
		return opError("write", sessionID, ErrNoSuchSession)
	}
	if len(data) == 0 {
		return nil
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case p.input <- buf:
	case <-p.done:
	default:
		p.log.Warn("input queue full, dropping input", "bytes", len(data))
	}
	return nil
}

// Resize changes the session's terminal size.
func (s *Supervisor) Resize(sessionID string, cols, rows uint16) error {
	p := s.get(sessionID)
	if p == nil {
		return opError("resize", sessionID, ErrNoSuchSession)
	}
	if err := p.setsize(cols, rows); err != nil {
		if isPTYClosed(err) {
			return opError("resize", sessionID, ErrNoSuchSession)
		}
		return opError("resize", sessionID, err)
	}
	p.log.Debug("pty resized", "cols", cols, "rows", rows)
	return nil
}

// setsize issues TIOCSWINSZ on the master through its raw conn. Fd would
// switch the master to blocking mode.
func (p *process) setsize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ptyClosed {
		return os.ErrClosed
	}

	raw, err := p.pty.SyscallConn()
	if err != nil {
		return err
	}
	var ioctlErr error
	err = raw.Control(func(fd uintptr) {
		ioctlErr = unix.IoctlSetWinsize(int(fd), unix.TIOCSWINSZ, &unix.Winsize{Row: rows, Col: cols})
	})
	if err != nil {
		return err
	}
	return ioctlErr
}

// Kill sends SIGTERM to the session's process group now and SIGKILL once
// the grace period passes without an exit. Killing an unsupervised or
// already-exiting session is a no-op.
func (s *Supervisor) Kill(sessionID string) {
	p := s.get(sessionID)
	if p == nil {
		return
	}
	p.kill(s.opts.KillGrace)
}

func (p *process) kill(grace time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.exited || p.killing {
		return
	}
	p.killing = true
	p.log.Info("terminating process", "pid", p.pid, "grace", grace)
	p.signalLocked(unix.SIGTERM)

	p.killTimer = time.AfterFunc(grace, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.exited {
			return
		}
		p.log.Warn("process ignored SIGTERM, sending SIGKILL", "pid", p.pid)
		p.signalLocked(unix.SIGKILL)
	})
}

// fail records a mid-life I/O error and forces the process down so the
// exit path reports it.
func (p *process) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ioErr == nil {
		p.ioErr = err
	}
	if !p.exited {
		p.signalLocked(unix.SIGKILL)
	}
}

// signalLocked signals the process group led by the child, falling back to
// the child alone. Must be called with p.mu held.
func (p *process) signalLocked(sig unix.Signal) {
	err := unix.Kill(-p.pid, sig)
	if err == nil || errors.Is(err, unix.ESRCH) {
		return
	}
	if err := p.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.log.Warn("signal failed", "signal", sig, "error", err)
	}
}

// Replay returns the session's buffered chunks, oldest first. It returns an
// empty slice for sessions that produced no output or are unknown.
func (s *Supervisor) Replay(sessionID string) []Chunk {
	return s.ReplaySince(sessionID, 0)
}

// ReplaySince returns the buffered chunks with Seq > after.
func (s *Supervisor) ReplaySince(sessionID string, after uint64) []Chunk {
	s.mu.Lock()
	buf := s.buffers[sessionID]
	s.mu.Unlock()
	if buf == nil {
		return []Chunk{}
	}
	return buf.Since(after)
}

// LastSeq returns the sequence number of the session's newest buffered
// chunk, or 0.
func (s *Supervisor) LastSeq(sessionID string) uint64 {
	s.mu.Lock()
	buf := s.buffers[sessionID]
	s.mu.Unlock()
	if buf == nil {
		return 0
	}
	return buf.LastSeq()
}

// Has reports whether a live process is registered for sessionID.
func (s *Supervisor) Has(sessionID string) bool {
	return s.get(sessionID) != nil
}

// PID returns the pid of the session's live process.
func (s *Supervisor) PID(sessionID string) (int, bool) {
	p := s.get(sessionID)
	if p == nil {
		return 0, false
	}
	return p.pid, true
}

// Done returns a channel closed once the session's current process has
// exited and been unregistered. It returns nil for unsupervised sessions.
func (s *Supervisor) Done(sessionID string) <-chan struct{} {
	p := s.get(sessionID)
	if p == nil {
		return nil
	}
	return p.done
}

// Forget drops a session's replay buffer. For a live process the buffer
// is dropped once it exits.
func (s *Supervisor) Forget(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, live := s.procs[sessionID]; live {
		p.forgotten = true
		return
	}
	delete(s.buffers, sessionID)
}

// Live returns the ids of all supervised sessions.
func (s *Supervisor) Live() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown kills every live process and waits for them to exit. When ctx
// ends first, the survivors are sent SIGKILL and ctx's error is returned.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	ids := s.Live()
	s.log.Info("shutting down", "live", len(ids))
	for _, id := range ids {
		s.Kill(id)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, id := range s.Live() {
			if p := s.get(id); p != nil {
				p.mu.Lock()
				if !p.exited {
					p.log.Warn("shutdown timeout, sending SIGKILL", "pid", p.pid)
					p.signalLocked(unix.SIGKILL)
				}
				p.mu.Unlock()
			}
		}
		return ctx.Err()
	}
}

func (s *Supervisor) get(sessionID string) *process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[sessionID]
}

// exitStatus maps a Wait result to an exit code and terminal status.
// Signal deaths are reported as 128+signal, like a shell does.
func exitStatus(waitErr, ioErr error) (int, Status) {
	code := 0
	if waitErr != nil {
		code = exitCodeUnknown
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code = exitErr.ExitCode()
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				code = signalExitCodeBase + int(ws.Signal())
			}
		}
	}
	if code == 0 && waitErr == nil && ioErr == nil {
		return 0, StatusCompleted
	}
	return code, StatusFailed
}

// isPTYClosed reports errors that mean the terminal has gone away.
func isPTYClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) || errors.Is(err, syscall.EIO)
}

type nopObserver struct{}

func (nopObserver) OnOutput(string, Chunk) {}
func (nopObserver) OnExit(Exit)            {}
