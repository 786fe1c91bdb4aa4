// Package console is the interactive front end of six7-node: it reads
// slash commands from stdin, broadcasts plain lines to the active room and
// prints inbound messenger events.
package console

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"six7-fabric/internal/fabric"
	"six7-fabric/internal/identity"
	"six7-fabric/internal/messenger"
)

var errQuit = errors.New("console: quit")

// Node is the part of the fabric the console drives directly.
type Node interface {
	LocalIdentity() string
	BootstrapString() string
	PeersSnapshot() []fabric.PeerSnapshot
	Bootstrap(ctx context.Context, peers ...string) error
	Watch(id identity.PeerID) error
	Telemetry() fabric.Telemetry
}

type App struct {
	ui   Printer
	log  zerolog.Logger
	node Node
	msgr *messenger.Messenger

	// active room for plain lines
	room string

	// names learned from contact and profile messages
	namesMu sync.RWMutex
	names   map[identity.PeerID]string
}

func New(node Node, msgr *messenger.Messenger, ui Printer, log zerolog.Logger) *App {
	return &App{
		ui:    ui,
		log:   log.With().Str("component", "console").Logger(),
		node:  node,
		msgr:  msgr,
		room:  msgr.Room(),
		names: make(map[identity.PeerID]string),
	}
}

// Run prints the banner, then serves commands from in and messenger events
// until ctx is done, in is exhausted or /quit is entered.
func (a *App) Run(ctx context.Context, in io.Reader) error {
	PrintBanner(a.ui, a.node, a.room)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				<-ctx.Done()
				return nil
			}
			if err := a.handleCommand(ctx, line); errors.Is(err, errQuit) {
				a.ui.Println("quitting...")
				return nil
			}
		case ev := <-a.msgr.Events():
			a.handleEvent(ev)
		}
	}
}

func (a *App) displayName(p identity.PeerID) string {
	a.namesMu.RLock()
	defer a.namesMu.RUnlock()
	return a.names[p]
}

func (a *App) noteName(p identity.PeerID, name string) {
	if name == "" {
		return
	}
	a.namesMu.Lock()
	a.names[p] = name
	a.namesMu.Unlock()
}

func (a *App) who(p identity.PeerID) string {
	return formatName(a.displayName(p), p.String())
}
