package console

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"six7-fabric/internal/identity"
	"six7-fabric/internal/message"
)

const commandTimeout = 15 * time.Second

func (a *App) handleCommand(ctx context.Context, line string) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	if !strings.HasPrefix(line, "/") {
		a.broadcast(ctx, line)
		return nil
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "/quit", "/exit":
		return errQuit

	case "/help":
		PrintCommands(a.ui)

	case "/list":
		a.printList()

	case "/telemetry":
		a.printTelemetry()

	case "/me":
		a.ui.Println()
		a.ui.Println("== You ==")
		a.ui.Printf("  ID:         %s\n", a.node.LocalIdentity())
		a.ui.Printf("  Bootstrap:  %s\n", a.node.BootstrapString())
		a.ui.Printf("  Peers:      %d\n", len(a.node.PeersSnapshot()))
		a.ui.Printf("  Room:       %s\n", a.room)
		a.ui.Printf("  Groups:     %s\n", strings.Join(a.msgr.Groups(), ", "))
		a.ui.Println()

	case "/peers":
		peers := a.node.PeersSnapshot()
		if len(peers) == 0 {
			a.ui.Println("no peers connected")
			return nil
		}
		a.ui.Println()
		a.ui.Println("Connected peers:")
		a.ui.Printf("%-16s  %-10s  %-8s  %-9s  %s\n", "NAME", "ID", "PATH", "LIVENESS", "ADDR")
		a.ui.Printf("%-16s  %-10s  %-8s  %-9s  %s\n", "----", "--", "----", "--------", "----")
		for _, p := range peers {
			path := "direct"
			if p.Relayed {
				path = "relayed"
			}
			a.ui.Printf("%-16s  %-10s  %-8s  %-9s  %s\n", a.who(p.ID), p.ID.Short(), path, p.Liveness, p.Addr)
		}
		a.ui.Println()

	case "/connect":
		if rest == "" {
			a.ui.Println("usage: /connect <host:port/id>")
			return nil
		}
		if err := a.node.Bootstrap(ctx, rest); err != nil {
			a.ui.Printf("connect: %v\n", err)
			return nil
		}
		tagf(a.ui, tagNet, "connected")

	case "/send":
		to, msg, ok := a.peerArg(rest, "usage: /send <peer> <message>")
		if !ok {
			return nil
		}
		if _, err := a.msgr.SendText(ctx, to, msg); err != nil {
			a.ui.Printf("send: %v\n", err)
		}

	case "/contact", "/accept":
		to, err := identity.ParsePeerID(rest)
		if err != nil {
			a.ui.Printf("usage: %s <peer>\n", cmd)
			return nil
		}
		if cmd == "/contact" {
			_, err = a.msgr.SendContactRequest(ctx, to, "")
		} else {
			_, err = a.msgr.SendContactAccepted(ctx, to, "")
		}
		if err != nil {
			a.ui.Printf("%s: %v\n", cmd[1:], err)
		}

	case "/watch":
		p, err := identity.ParsePeerID(rest)
		if err != nil {
			a.ui.Println("usage: /watch <peer>")
			return nil
		}
		if err := a.node.Watch(p); err != nil {
			a.ui.Printf("watch: %v\n", err)
		}

	case "/newgroup":
		id := uuid.NewString()
		if err := a.msgr.JoinGroup(id); err != nil {
			a.ui.Printf("newgroup: %v\n", err)
			return nil
		}
		tagf(a.ui, tagGroup, "created %s", id)

	case "/join":
		if err := a.msgr.JoinGroup(rest); err != nil {
			a.ui.Printf("join: %v\n", err)
			return nil
		}
		tagf(a.ui, tagGroup, "joined %s", rest)

	case "/leave":
		if err := a.msgr.LeaveGroup(rest); err != nil {
			a.ui.Printf("leave: %v\n", err)
		}

	case "/say":
		group, msg, _ := strings.Cut(rest, " ")
		msg = strings.TrimSpace(msg)
		if group == "" || msg == "" {
			a.ui.Println("usage: /say <group> <message>")
			return nil
		}
		if _, err := a.msgr.SendGroup(ctx, group, message.Text{Text: msg}); err != nil {
			a.ui.Printf("say: %v\n", err)
		}

	case "/vibe":
		id, secret, _ := strings.Cut(rest, " ")
		secret = strings.TrimSpace(secret)
		if id == "" || secret == "" {
			a.ui.Println("usage: /vibe <id> <secret>")
			return nil
		}
		// the session outlives this command
		commit, err := a.msgr.StartVibe(context.WithoutCancel(ctx), id, []byte(secret))
		if err != nil {
			a.ui.Printf("vibe: %v\n", err)
			return nil
		}
		tagf(a.ui, tagVibe, "committed %s to %q", shortID(commit), id)

	case "/room":
		if rest == "" {
			a.ui.Println("usage: /room <name>")
			return nil
		}
		if err := a.msgr.JoinRoom(rest); err != nil {
			a.ui.Printf("room: %v\n", err)
			return nil
		}
		a.room = strings.ToLower(rest)
		tagf(a.ui, tagRoom, "now talking in %s", a.room)

	default:
		a.ui.Println("unknown command. Type /help")
	}
	return nil
}

// peerArg splits "<peer> <text>" and parses the peer id.
func (a *App) peerArg(rest, usage string) (identity.PeerID, string, bool) {
	idHex, msg, _ := strings.Cut(rest, " ")
	msg = strings.TrimSpace(msg)
	p, err := identity.ParsePeerID(idHex)
	if err != nil || msg == "" {
		a.ui.Println(usage)
		return identity.PeerID{}, "", false
	}
	return p, msg, true
}

// broadcast publishes a plain line to the active room and echoes it.
func (a *App) broadcast(ctx context.Context, line string) {
	if a.room == "" {
		a.ui.Println("no room joined; /room <name> to join one")
		return
	}
	env, err := a.msgr.SendRoom(ctx, a.room, line)
	if err != nil {
		a.ui.Printf("room: %v\n", err)
		return
	}
	a.ui.Printf("%s %s you: %s\n", timestamp(env.Time()), roomTag(a.room), message.SanitizeText(line))
}
