package process

import (
	"bytes"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/wezterm-parallel/core/internal/logging"
)

// ringBuffer is a small bounded in-memory capture of stdout/stderr, never
// persisted to disk (spec §1 non-goal): only the most recent bytes are kept.
type ringBuffer struct {
	mu   sync.Mutex
	buf  []byte
	size int
}

func newRingBuffer(size int) *ringBuffer {
	if size <= 0 {
		size = 64 * 1024
	}
	return &ringBuffer{size: size}
}

func (r *ringBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, p...)
	if len(r.buf) > r.size {
		r.buf = r.buf[len(r.buf)-r.size:]
	}
	return len(p), nil
}

func (r *ringBuffer) Close() error { return nil }

func (r *ringBuffer) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, len(r.buf))
	copy(out, r.buf)
	return out
}

// Handle wraps a single OS child process and the bookkeeping needed to
// start, stop, and reap it exactly once, without racing a monitor goroutine.
// It is the runtime counterpart to Record: Record is the serializable
// snapshot, Handle is the live exec.Cmd plus synchronization.
type Handle struct {
	mu         sync.Mutex
	cmd        *exec.Cmd
	pid        int
	stopping   bool
	waitDone   chan struct{}
	monitoring bool
	outRing    *ringBuffer
	errRing    *ringBuffer
	outCloser  io.WriteCloser
	errCloser  io.WriteCloser
	pidFile    string
}

// NewHandle builds the *exec.Cmd for spec and prepares logging/ring capture.
// It does not start the process.
func NewHandle(spec Spec, mergedEnv []string) (*Handle, *exec.Cmd) {
	h := &Handle{pidFile: spec.PIDFile, outRing: newRingBuffer(0), errRing: newRingBuffer(0)}

	// #nosec G204 -- argv is supplied by the caller's own spec, not
	// constructed from unsanitized shell text; no shell is invoked.
	cmd := exec.Command(spec.Command, spec.Args...)
	if spec.WorkingDir != "" {
		cmd.Dir = spec.WorkingDir
	}
	if len(mergedEnv) > 0 {
		cmd.Env = mergedEnv
	}
	configureSysProcAttr(cmd)

	logCfg := logging.Config{
		Dir: spec.Log.Dir, StdoutPath: spec.Log.StdoutPath, StderrPath: spec.Log.StderrPath,
		MaxSizeMB: spec.Log.MaxSizeMB, MaxBackups: spec.Log.MaxBackups, MaxAgeDays: spec.Log.MaxAgeDays,
		Compress: spec.Log.Compress,
	}
	if logCfg.Dir != "" {
		_ = os.MkdirAll(logCfg.Dir, 0o750)
	}
	fileOut, fileErr := logCfg.Writers(spec.Workspace)
	h.outCloser, h.errCloser = fileOut, fileErr

	if fileOut != nil {
		cmd.Stdout = io.MultiWriter(h.outRing, fileOut)
	} else {
		cmd.Stdout = h.outRing
	}
	if fileErr != nil {
		cmd.Stderr = io.MultiWriter(h.errRing, fileErr)
	} else {
		cmd.Stderr = h.errRing
	}
	return h, cmd
}

// Start launches cmd and records the resulting PID.
func (h *Handle) Start(cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return err
	}
	h.mu.Lock()
	h.cmd = cmd
	h.pid = cmd.Process.Pid
	h.waitDone = make(chan struct{})
	h.stopping = false
	h.mu.Unlock()
	h.writePIDFile()
	return nil
}

func (h *Handle) writePIDFile() {
	h.mu.Lock()
	path, pid := h.pidFile, h.pid
	h.mu.Unlock()
	if path == "" || pid == 0 {
		return
	}
	_ = os.MkdirAll(filepath.Dir(path), 0o750)
	_ = os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o600)
}

// RemovePIDFile best-effort removes the PID file on terminal transitions.
func (h *Handle) RemovePIDFile() {
	h.mu.Lock()
	path := h.pidFile
	h.mu.Unlock()
	if path != "" {
		_ = os.Remove(path)
	}
}

func (h *Handle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pid
}

func (h *Handle) Cmd() *exec.Cmd {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cmd
}

func (h *Handle) SetStopRequested(v bool) {
	h.mu.Lock()
	h.stopping = v
	h.mu.Unlock()
}

func (h *Handle) StopRequested() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopping
}

// ClaimMonitoring returns true exactly once per process lifetime to the
// first caller (the Supervisor's monitor goroutine), preventing a second
// waiter from racing cmd.Wait().
func (h *Handle) ClaimMonitoring() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.monitoring {
		return false
	}
	h.monitoring = true
	return true
}

func (h *Handle) ReleaseMonitoring() {
	h.mu.Lock()
	h.monitoring = false
	h.mu.Unlock()
}

func (h *Handle) WaitDone() chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.waitDone
}

func (h *Handle) CloseWaitDone() {
	h.mu.Lock()
	if h.waitDone != nil {
		close(h.waitDone)
		h.waitDone = nil
	}
	h.mu.Unlock()
}

// CloseWriters flushes and closes the rotated log writers, if any.
func (h *Handle) CloseWriters() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.outCloser != nil {
		_ = h.outCloser.Close()
		h.outCloser = nil
	}
	if h.errCloser != nil {
		_ = h.errCloser.Close()
		h.errCloser = nil
	}
}

// OutputTail returns the most recent captured stdout/stderr bytes, for
// debug endpoints only; never persisted.
func (h *Handle) OutputTail() (stdout, stderr []byte) {
	return h.outRing.Bytes(), h.errRing.Bytes()
}

// DetectAlive probes liveness without racing os/exec's internal reaping.
func (h *Handle) DetectAlive() bool {
	pid := h.PID()
	if pid == 0 {
		return false
	}
	if runtime.GOOS == "linux" && isZombieLinux(pid) {
		return false
	}
	return processgroupAlive(pid)
}

func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}

// Stop sends the graceful-stop signal, waiting up to `wait` for the monitor
// goroutine to observe exit, then escalates to a forced kill.
func (h *Handle) Stop(wait time.Duration) {
	if !h.DetectAlive() {
		return
	}
	h.SetStopRequested(true)
	pid := h.PID()
	_ = signalGroup(pid, syscall.SIGTERM)

	wd := h.WaitDone()
	if wd == nil {
		time.Sleep(wait)
		return
	}
	select {
	case <-wd:
	case <-time.After(wait):
		_ = signalGroup(pid, syscall.SIGKILL)
		select {
		case <-wd:
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// Kill sends SIGKILL immediately and waits briefly for reap.
func (h *Handle) Kill() {
	pid := h.PID()
	if pid == 0 {
		return
	}
	_ = signalGroup(pid, syscall.SIGKILL)
	wd := h.WaitDone()
	if wd == nil {
		time.Sleep(200 * time.Millisecond)
		return
	}
	select {
	case <-wd:
	case <-time.After(200 * time.Millisecond):
	}
}
