// Package terminal pipes a user terminal to a workspace SSH session.
//
// Input bytes go verbatim to the remote stdin; remote stdout/stderr come
// back through the output callback, coalesced but never dropped. When the
// SSH session ends for any reason the pipe emits one final red error
// summary, then reports closure.
package terminal

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"github.com/termbridge/termbridge/internal/logutil"
)

const (
	// MinDim and MaxDim bound accepted PTY geometry; out-of-range resize
	// requests are ignored.
	MinDim = 1
	MaxDim = 1000

	defaultCols = 80
	defaultRows = 24

	readBufSize = 32 * 1024

	// closeWait bounds how long Close waits for the I/O workers before
	// abandoning them.
	closeWait = 5 * time.Second
)

// ErrClosed is returned by writes to a closed pipe.
var ErrClosed = errors.New("terminal: pipe closed")

// Options configure the remote session.
type Options struct {
	// Command is the remote command to run; empty means the login shell.
	Command string
	// Env is exported into the session before the command starts. Servers
	// may refuse individual variables; refusals are logged and skipped.
	Env map[string]string
	Cols int
	Rows int
}

// Pipe is one live terminal session.
type Pipe struct {
	session  *ssh.Session
	stdin    io.WriteCloser
	output   func([]byte)
	onClosed func(summary string)

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// Start opens a PTY session on the SSH client and begins piping. output
// receives remote bytes and the final error summary; onClosed fires once
// after the session has ended and all output has been delivered.
func Start(client *ssh.Client, opts Options, output func([]byte), onClosed func(summary string)) (*Pipe, error) {
	sess, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open ssh session: %w", err)
	}

	for k, v := range opts.Env {
		if err := sess.Setenv(k, v); err != nil {
			log.Printf("Terminal: server refused env %s: %v", logutil.SanitizeForLog(k), err)
		}
	}

	cols, rows := opts.Cols, opts.Rows
	if cols < MinDim || cols > MaxDim {
		cols = defaultCols
	}
	if rows < MinDim || rows > MaxDim {
		rows = defaultRows
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("xterm-256color", rows, cols, modes); err != nil {
		sess.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if opts.Command != "" {
		err = sess.Start(opts.Command)
	} else {
		err = sess.Shell()
	}
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("start remote shell: %w", err)
	}

	p := &Pipe{
		session:  sess,
		stdin:    stdin,
		output:   output,
		onClosed: onClosed,
		done:     make(chan struct{}),
	}
	go p.run(stdout, stderr)
	return p, nil
}

// Write sends terminal input to the remote stdin, preserving order.
func (p *Pipe) Write(data []byte) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	_, err := p.stdin.Write(data)
	return err
}

// Resize updates the remote PTY geometry. Dimensions outside [MinDim,
// MaxDim] are ignored and reported false.
func (p *Pipe) Resize(cols, rows int) bool {
	if cols < MinDim || cols > MaxDim || rows < MinDim || rows > MaxDim {
		return false
	}
	if err := p.session.WindowChange(rows, cols); err != nil {
		log.Printf("Terminal: window change failed: %v", err)
	}
	return true
}

// Close tears the session down. The final summary still flows through the
// output callback unless Close initiated the teardown.
func (p *Pipe) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.stdin.Close()
	p.session.Close()

	select {
	case <-p.done:
	case <-time.After(closeWait):
		log.Printf("Terminal: I/O workers did not exit within %v, abandoning", closeWait)
	}
}

// Done is closed once the session has fully ended.
func (p *Pipe) Done() <-chan struct{} {
	return p.done
}

func (p *Pipe) run(stdout, stderr io.Reader) {
	defer close(p.done)

	var g errgroup.Group
	g.Go(func() error { p.copyOut(stdout); return nil })
	g.Go(func() error { p.copyOut(stderr); return nil })
	g.Wait()

	err := p.session.Wait()

	p.mu.Lock()
	userClosed := p.closed
	p.closed = true
	p.mu.Unlock()

	summary := "session closed"
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			summary = fmt.Sprintf("session exited with status %d", exitErr.ExitStatus())
		} else if !errors.Is(err, io.EOF) {
			summary = fmt.Sprintf("session ended: %v", err)
		}
	}

	if !userClosed {
		p.output([]byte("\x1b[31m" + summary + "\x1b[0m\r\n"))
	}
	if p.onClosed != nil {
		p.onClosed(summary)
	}
}

// copyOut moves remote output to the callback in bounded chunks.
func (p *Pipe) copyOut(r io.Reader) {
	buf := make([]byte, readBufSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.output(chunk)
		}
		if err != nil {
			return
		}
	}
}
