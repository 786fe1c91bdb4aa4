package console

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// Printer receives console output. Each call must reach the writer whole,
// since events and command replies print from different goroutines.
type Printer interface {
	Printf(format string, args ...any)
	Println(args ...any)
}

// Line tags.
const (
	tagNet     = "NET"
	tagRoom    = "ROOM"
	tagGroup   = "GROUP"
	tagVibe    = "VIBE"
	tagContact = "CONTACT"
	tagProfile = "PROFILE"
)

// Terminal writes console output to w. With color off, ANSI escapes are
// dropped before writing.
type Terminal struct {
	color bool

	mu sync.Mutex
	w  io.Writer
}

func NewTerminal(w io.Writer, color bool) *Terminal {
	return &Terminal{w: w, color: color}
}

func (t *Terminal) Printf(format string, args ...any) {
	t.write(fmt.Sprintf(format, args...))
}

func (t *Terminal) Println(args ...any) {
	t.write(fmt.Sprintln(args...))
}

func (t *Terminal) write(s string) {
	if !t.color {
		s = stripANSI(s)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = io.WriteString(t.w, s)
}

// stripANSI removes CSI escape sequences such as "\033[31m".
func stripANSI(s string) string {
	if !strings.Contains(s, "\033[") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\033' && i+1 < len(s) && s[i+1] == '[' {
			j := i + 2
			for j < len(s) && (s[j] < 0x40 || s[j] > 0x7e) {
				j++
			}
			i = j
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// tagf prints one line prefixed with [tag].
func tagf(p Printer, tag, format string, args ...any) {
	p.Printf("["+tag+"] "+format+"\n", args...)
}
