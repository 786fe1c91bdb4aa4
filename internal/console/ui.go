package console

import (
	"hash/fnv"
	"time"
)

const (
	ansiReset = "\033[0m"
	ansiDim   = "\033[2m"
)

var nameColors = []string{
	"\033[31m", // red
	"\033[32m", // green
	"\033[33m", // yellow
	"\033[34m", // blue
	"\033[35m", // magenta
	"\033[36m", // cyan
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func timestamp(t time.Time) string {
	return ansiDim + "[" + t.Format("15:04:05") + "]" + ansiReset
}

func roomTag(room string) string {
	return ansiDim + "#" + room + ansiReset
}

func pickColor(s string) string {
	if s == "" {
		return ansiReset
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return nameColors[h.Sum32()%uint32(len(nameColors))]
}

// formatName colors a display name, falling back to the short peer id.
func formatName(name, peerHex string) string {
	display := name
	if display == "" {
		display = shortID(peerHex)
	}
	return pickColor(peerHex) + display + ansiReset
}

func PrintBanner(p Printer, n Node, room string) {
	p.Println()
	p.Println("Node started.")
	p.Printf("ID:             %s\n", n.LocalIdentity())
	p.Printf("Bootstrap:      %s\n", n.BootstrapString())
	if room != "" {
		p.Printf("Room:           #%s\n", room)
	}
	p.Println()
	PrintCommands(p)
	p.Println()
}

func PrintCommands(p Printer) {
	p.Println("Commands:")
	p.Println("    /help                        - show this list")
	p.Println("    /me                          - prints your info")
	p.Println("    /peers                       - show connected peers")
	p.Println("    /list                        - peers, routing table, topics and records")
	p.Println("    /telemetry                   - fabric counters")
	p.Println("    /connect <host:port/id>      - dial a peer")
	p.Println("    /send <peer> <message>       - direct message")
	p.Println("    /contact <peer>              - send a contact request")
	p.Println("    /accept <peer>               - accept a contact request")
	p.Println("    /watch <peer>                - track a peer's presence")
	p.Println("    /newgroup                    - create and join a group")
	p.Println("    /join <group>                - join a group")
	p.Println("    /leave <group>               - leave a group")
	p.Println("    /say <group> <message>       - post to a group")
	p.Println("    /vibe <id> <secret>          - commit to a vibe, reveal later")
	p.Println("    /room <name>                 - join a chat room and talk there")
	p.Println("    /quit                        - exit")
	p.Println("Anything else is broadcast to the room.")
}
