// Package tracetap observes the relay client's free-form diagnostic stream
// and extracts structured facts from it.
//
// The tap is opt-in (debug sessions only) and is the single place in the
// broker where diagnostic text is parsed. Port-forwarding lines become
// Detected values offered to a registered consumer, which uses them as a
// last-resort discovery source. Auth-flavoured lines are redacted before
// retention. Recent events are kept in a bounded ring buffer.
package tracetap

import (
	"bytes"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/termbridge/termbridge/internal/logutil"
)

// Category buckets a diagnostic line by subject matter.
type Category string

const (
	CategoryPortForwarding Category = "port_forwarding"
	CategoryConnection     Category = "connection"
	CategoryAuth           Category = "auth"
	CategoryGeneral        Category = "general"
)

// Direction of a detected forwarding.
type Direction string

const (
	DirectionForward Direction = "forward"
	DirectionReverse Direction = "reverse"
)

// Detected is a structured port-forwarding fact extracted from trace text.
type Detected struct {
	LocalPort  int
	RemotePort int
	Direction  Direction
	Protocol   string // "ssh", "http", "tcp", "ipv6" or empty
}

// Event is one parsed diagnostic entry.
type Event struct {
	Timestamp time.Time
	Level     string
	Category  Category
	Port      *Detected // non-nil for port_forwarding events that parsed
	Raw       string    // redacted for auth events
}

// DefaultBufferSize is the default ring capacity.
const DefaultBufferSize = 1000

// SinkHolder is the part of the relay client the tap needs: a swappable
// diagnostic sink.
type SinkHolder interface {
	TraceSink() io.Writer
	SetTraceSink(io.Writer)
}

// Port-forwarding line patterns, matched in order; first match wins.
var (
	forwardPattern     = regexp.MustCompile(`Forwarding from 127\.0\.0\.1:(\d+) to host port (\d+)\.?`)
	forwardIPv6Pattern = regexp.MustCompile(`Forwarding from ::1:(\d+) to host port (\d+)\.?`)
	establishedPattern = regexp.MustCompile(`Port (\d+) forwarding established`)
	listeningPattern   = regexp.MustCompile(`Listening on port (\d+)`)
)

// Tap parses a diagnostic stream line by line. It implements io.Writer so it
// can be installed as the relay's trace sink; writes are also teed to the
// original sink so diagnostics keep flowing while tapped.
type Tap struct {
	mu       sync.Mutex
	events   []Event
	head     int
	count    int
	partial  bytes.Buffer
	holder   SinkHolder
	original io.Writer
	attached bool
	onPort   func(Detected)
}

// New creates a Tap with the given ring capacity (DefaultBufferSize if <= 0).
func New(bufferSize int) *Tap {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Tap{events: make([]Event, bufferSize)}
}

// OnPortDetected registers the consumer for detected forwarding facts.
// The callback runs on the relay's write path and must not block.
func (t *Tap) OnPortDetected(fn func(Detected)) {
	t.mu.Lock()
	t.onPort = fn
	t.mu.Unlock()
}

// Attach installs the tap as the holder's trace sink, remembering the
// original sink. Attaching twice is a no-op.
func (t *Tap) Attach(holder SinkHolder) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.attached {
		return
	}
	t.holder = holder
	t.original = holder.TraceSink()
	t.attached = true
	holder.SetTraceSink(t)
}

// Detach restores the exact original sink, even when called during abnormal
// teardown. Safe to call multiple times.
func (t *Tap) Detach() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.attached {
		return
	}
	t.holder.SetTraceSink(t.original)
	t.holder = nil
	t.original = nil
	t.attached = false
}

// Write implements io.Writer. Input is split on newlines; incomplete lines
// are buffered until their terminator arrives.
func (t *Tap) Write(p []byte) (int, error) {
	t.mu.Lock()
	original := t.original
	t.partial.Write(p)
	var lines []string
	for {
		data := t.partial.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		lines = append(lines, string(data[:idx]))
		t.partial.Next(idx + 1)
	}
	t.mu.Unlock()

	for _, line := range lines {
		t.observe(line)
	}

	if original != nil {
		original.Write(p)
	}
	return len(p), nil
}

// observe parses one complete line and records the event. Parse errors are
// swallowed; a line that matches nothing is still retained as general.
func (t *Tap) observe(line string) {
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return
	}

	ev := Event{
		Timestamp: time.Now(),
		Level:     levelOf(line),
		Category:  categorize(line),
		Raw:       line,
	}

	var detected *Detected
	if ev.Category == CategoryPortForwarding {
		detected = parsePortLine(line)
		ev.Port = detected
	}
	if ev.Category == CategoryAuth {
		ev.Raw = logutil.RedactSecrets(line)
	}

	t.mu.Lock()
	t.events[t.head] = ev
	t.head = (t.head + 1) % len(t.events)
	if t.count < len(t.events) {
		t.count++
	}
	onPort := t.onPort
	t.mu.Unlock()

	if detected != nil && onPort != nil {
		onPort(*detected)
	}
}

// Events returns the retained events in chronological order.
func (t *Tap) Events() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.count == 0 {
		return nil
	}
	result := make([]Event, t.count)
	if t.count < len(t.events) {
		copy(result, t.events[:t.count])
	} else {
		n := copy(result, t.events[t.head:])
		copy(result[n:], t.events[:t.head])
	}
	return result
}

// parsePortLine extracts a Detected from a port-forwarding line, or nil when
// no pattern matches.
func parsePortLine(line string) *Detected {
	if m := forwardPattern.FindStringSubmatch(line); m != nil {
		local, err1 := strconv.Atoi(m[1])
		remote, err2 := strconv.Atoi(m[2])
		if err1 != nil || err2 != nil {
			return nil
		}
		return &Detected{LocalPort: local, RemotePort: remote, Direction: DirectionForward, Protocol: inferProtocol(line)}
	}
	if m := forwardIPv6Pattern.FindStringSubmatch(line); m != nil {
		local, err1 := strconv.Atoi(m[1])
		remote, err2 := strconv.Atoi(m[2])
		if err1 != nil || err2 != nil {
			return nil
		}
		return &Detected{LocalPort: local, RemotePort: remote, Direction: DirectionForward, Protocol: "ipv6"}
	}
	if m := establishedPattern.FindStringSubmatch(line); m != nil {
		remote, err := strconv.Atoi(m[1])
		if err != nil {
			return nil
		}
		return &Detected{RemotePort: remote, Direction: DirectionForward, Protocol: inferProtocol(line)}
	}
	if m := listeningPattern.FindStringSubmatch(line); m != nil {
		local, err := strconv.Atoi(m[1])
		if err != nil {
			return nil
		}
		return &Detected{LocalPort: local, Direction: DirectionReverse, Protocol: inferProtocol(line)}
	}
	return nil
}

// inferProtocol guesses the protocol from keywords, case-insensitively.
func inferProtocol(line string) string {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "ssh"):
		return "ssh"
	case strings.Contains(lower, "http"):
		return "http"
	case strings.Contains(lower, "tcp"):
		return "tcp"
	default:
		return ""
	}
}

func categorize(line string) Category {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "forwarding") || strings.Contains(lower, "listening on port"):
		return CategoryPortForwarding
	case strings.Contains(lower, "auth") || strings.Contains(lower, "token") || strings.Contains(lower, "credential"):
		return CategoryAuth
	case strings.Contains(lower, "connect") || strings.Contains(lower, "disconnect") || strings.Contains(lower, "session"):
		return CategoryConnection
	default:
		return CategoryGeneral
	}
}

func levelOf(line string) string {
	lower := strings.ToLower(line)
	switch {
	case strings.HasPrefix(lower, "error") || strings.Contains(lower, " error:"):
		return "error"
	case strings.HasPrefix(lower, "warn") || strings.Contains(lower, " warning:"):
		return "warn"
	default:
		return "info"
	}
}
