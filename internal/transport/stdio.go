package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rosterlabs/roster/internal/fault"
)

// maxFrameSize bounds a single line-delimited frame from a child process.
const maxFrameSize = 16 * 1024 * 1024

// killGrace is how long Close waits after SIGTERM before sending SIGKILL.
const killGrace = 5 * time.Second

// StdioTransport runs a tool server as a child process and exchanges
// line-delimited JSON frames over its stdin/stdout. stderr is piped to the
// process log. Writes are serialized through an internal queue so at most
// one frame is in flight on the pipe at a time.
type StdioTransport struct {
	name  string
	cmd   *exec.Cmd
	stdin io.WriteCloser

	writes chan writeReq
	frames chan []byte

	mu        sync.Mutex
	termErr   error
	closed    bool
	closeOnce sync.Once
	done      chan struct{}
	waitDone  chan struct{}
}

type writeReq struct {
	frame []byte
	errCh chan error
}

// OpenStdio spawns the child process and starts the read/write loops.
// name is used only for log attribution.
func OpenStdio(name, command string, args []string, env map[string]string, cwd string) (*StdioTransport, error) {
	cmd := exec.Command(command, args...)
	cmd.Dir = cwd
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fault.Wrap(fault.TransportUnavailable, err, "stdio %q: stdin pipe", name)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fault.Wrap(fault.TransportUnavailable, err, "stdio %q: stdout pipe", name)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fault.Wrap(fault.TransportUnavailable, err, "stdio %q: stderr pipe", name)
	}

	if err := cmd.Start(); err != nil {
		return nil, fault.Wrap(fault.TransportUnavailable, err, "stdio %q: spawn %q", name, command)
	}

	t := &StdioTransport{
		name:     name,
		cmd:      cmd,
		stdin:    stdin,
		writes:   make(chan writeReq),
		frames:   make(chan []byte, 32),
		done:     make(chan struct{}),
		waitDone: make(chan struct{}),
	}

	go t.writeLoop()
	go t.readLoop(stdout)
	go t.logStderr(stderr)
	go t.reapChild()

	log.Printf("[Transport] stdio %q started (pid %d)", name, cmd.Process.Pid)
	return t, nil
}

// Send queues one frame for the child's stdin.
func (t *StdioTransport) Send(ctx context.Context, frame []byte) error {
	req := writeReq{frame: frame, errCh: make(chan error, 1)}
	select {
	case t.writes <- req:
	case <-t.done:
		return t.terminalError()
	case <-ctx.Done():
		return fault.Wrap(fault.Cancelled, ctx.Err(), "stdio %q: send", t.name)
	}
	select {
	case err := <-req.errCh:
		return err
	case <-ctx.Done():
		return fault.Wrap(fault.Cancelled, ctx.Err(), "stdio %q: send", t.name)
	}
}

// Frames returns the inbound frame stream.
func (t *StdioTransport) Frames() <-chan []byte { return t.frames }

// Err reports the terminal error once Frames is closed.
func (t *StdioTransport) Err() error { return t.terminalError() }

// Close sends SIGTERM, waits up to 5s, then SIGKILL. Idempotent.
func (t *StdioTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		close(t.done)
		_ = t.stdin.Close()

		if t.cmd.Process != nil {
			_ = t.cmd.Process.Signal(syscall.SIGTERM)
			select {
			case <-t.waitDone:
			case <-time.After(killGrace):
				log.Printf("[Transport] stdio %q did not exit after SIGTERM, killing", t.name)
				_ = t.cmd.Process.Kill()
				<-t.waitDone
			}
		}
	})
	return nil
}

func (t *StdioTransport) writeLoop() {
	for {
		select {
		case req := <-t.writes:
			_, err := t.stdin.Write(append(req.frame, '\n'))
			if err != nil {
				err = fault.Wrap(fault.TransportTransient, err, "stdio %q: write", t.name)
			}
			req.errCh <- err
		case <-t.done:
			return
		}
	}
}

// readLoop reads one JSON frame per line. Partial frames never survive
// across lines; an oversized line is a terminal framing failure.
func (t *StdioTransport) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		frame := make([]byte, len(line))
		copy(frame, line)
		select {
		case t.frames <- frame:
		case <-t.done:
			close(t.frames)
			return
		}
	}
	err := scanner.Err()
	t.mu.Lock()
	if t.termErr == nil {
		if err != nil {
			t.termErr = fault.Wrap(fault.TransportTransient, err, "stdio %q: read", t.name)
		} else if !t.closed {
			t.termErr = fault.New(fault.TransportTransient, "stdio %q: child closed stdout", t.name)
		}
	}
	t.mu.Unlock()
	close(t.frames)
}

func (t *StdioTransport) logStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 4096), 256*1024)
	for scanner.Scan() {
		log.Printf("[Transport] stdio %q stderr: %s", t.name, scanner.Text())
	}
}

func (t *StdioTransport) reapChild() {
	err := t.cmd.Wait()
	close(t.waitDone)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.termErr != nil {
		return
	}
	if err != nil {
		t.termErr = fault.Wrap(fault.TransportTransient, err, "stdio %q: child exited", t.name)
	} else {
		t.termErr = fault.New(fault.TransportTransient, "stdio %q: child exited", t.name)
	}
	log.Printf("[Transport] stdio %q exited: %v", t.name, err)
}

func (t *StdioTransport) terminalError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.termErr != nil {
		return t.termErr
	}
	if t.closed {
		return fmt.Errorf("transport: stdio %q closed", t.name)
	}
	return nil
}
