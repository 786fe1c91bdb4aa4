package console

import (
	"strings"

	"six7-fabric/internal/message"
	"six7-fabric/internal/messenger"
)

func (a *App) handleEvent(ev messenger.Event) {
	switch ev.Kind {
	case messenger.EventVibeMatch:
		tagf(a.ui, tagVibe, "%s shares your secret for %q", a.who(ev.Peer), ev.Match.VibeID)
		return
	case messenger.EventDirect, messenger.EventGroup, messenger.EventRoom:
	default:
		return
	}

	rcv := ev.Message
	body, err := rcv.Body()
	if err != nil {
		a.log.Debug().Err(err).Str("peer", rcv.From().Short()).Msg("unreadable body")
		return
	}

	prefix := timestamp(rcv.Envelope().Time())
	switch {
	case ev.Kind == messenger.EventRoom:
		prefix += " " + roomTag(ev.Room)
	case rcv.IsGroup():
		prefix += " " + ansiDim + "<" + shortID(rcv.GroupID()) + ">" + ansiReset
	}
	from := a.who(rcv.From())

	switch b := body.(type) {
	case message.Text:
		a.ui.Printf("%s %s: %s\n", prefix, from, message.SanitizeText(b.Text))
	case message.Media:
		a.ui.Printf("%s %s sent %s %q (%s)\n", prefix, from, b.MediaKind, b.Name, b.URL)
	case message.Location:
		a.ui.Printf("%s %s is at %.5f,%.5f %s\n", prefix, from, b.Latitude, b.Longitude, b.Label)
	case message.Contact:
		a.ui.Printf("%s %s shared contact %s (%s)\n", prefix, from, b.Name, shortID(b.PeerID))
	case message.ContactRequest:
		a.noteName(rcv.From(), b.DisplayName)
		tagf(a.ui, tagContact, "%s (%s) wants to connect; /accept %s", a.who(rcv.From()), rcv.From().Short(), rcv.From())
	case message.ContactAccepted:
		a.noteName(rcv.From(), b.DisplayName)
		tagf(a.ui, tagContact, "%s accepted", a.who(rcv.From()))
	case message.ProfileUpdate:
		a.noteName(rcv.From(), b.DisplayName)
		tagf(a.ui, tagProfile, "%s: %s", a.who(rcv.From()), b.Status)
	case message.ReadReceipt:
		a.ui.Printf("%s %s read %d message(s)\n", prefix, from, len(b.MessageIDs))
	case message.GroupInvite:
		tagf(a.ui, tagGroup, "%s invited you to %q; /join %s", from, b.Name, b.GroupID)
	default:
		a.ui.Printf("%s %s sent %s\n", prefix, from, strings.ToLower(string(body.Kind())))
	}
}
