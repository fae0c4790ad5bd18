package inbox

import (
	"sort"
	"strings"
)

// Directory maintains the sorted conversation list for one (agent, channel)
// scope. Threads are ordered descending by last activity; ties keep the most
// recently touched entry first (sort is stable and updates move to the head
// before re-sorting).
//
// Like MessageStore, the directory is confined to the session goroutine.
type Directory struct {
	agentID string
	channel Channel
	threads []Thread
}

// NewDirectory creates an empty directory for the given scope.
func NewDirectory(agentID string, channel Channel) *Directory {
	return &Directory{
		agentID: agentID,
		channel: channel,
	}
}

// AgentID returns the directory's agent scope.
func (d *Directory) AgentID() string {
	return d.agentID
}

// Channel returns the directory's channel scope.
func (d *Directory) Channel() Channel {
	return d.channel
}

// Replace installs a full REST refresh, replacing all prior entries.
func (d *Directory) Replace(threads []Thread) {
	d.threads = d.threads[:0]
	for _, t := range threads {
		if strings.TrimSpace(t.ContactID) == "" {
			continue
		}
		t = d.scoped(t)
		d.threads = append(d.threads, t)
	}
	d.resort()
}

// Threads returns a copy of the ordered conversation list.
func (d *Directory) Threads() []Thread {
	out := make([]Thread, len(d.threads))
	copy(out, d.threads)
	return out
}

// Len returns the number of known threads.
func (d *Directory) Len() int {
	return len(d.threads)
}

// Get returns the thread for a contact, if known.
func (d *Directory) Get(contactID string) (Thread, bool) {
	if i := d.indexOf(contactID); i >= 0 {
		return d.threads[i], true
	}
	return Thread{}, false
}

// UpsertFromRealtime applies a "thread updated" event: any existing entry with
// the same identity is removed and the update is inserted at the head, then
// the list is re-sorted. The update is by definition the newest activity, so
// the stable sort keeps it ahead of equal timestamps.
func (d *Directory) UpsertFromRealtime(t Thread) Thread {
	if strings.TrimSpace(t.ContactID) == "" {
		return Thread{}
	}
	t = d.scoped(t)
	if i := d.indexOf(t.ContactID); i >= 0 {
		d.threads = append(d.threads[:i], d.threads[i+1:]...)
	}
	d.threads = append([]Thread{t}, d.threads...)
	d.resort()
	return t
}

// ApplyMessageEvent updates the named thread's preview, timestamp, and
// direction from a realtime message event. Inbound messages bump the unread
// counter. An unknown contact gets a minimal synthesized entry (mode bot, no
// lock, zero unread) rather than dropping the event: a thread must never be
// invisible because the event raced the initial directory load.
func (d *Directory) ApplyMessageEvent(contactID string, msg Message, direction Direction) Thread {
	contactID = strings.TrimSpace(contactID)
	if contactID == "" {
		return Thread{}
	}
	t, known := d.Get(contactID)
	if !known {
		t = Thread{
			AgentID:   d.agentID,
			Channel:   d.channel,
			ContactID: contactID,
			Takeover:  TakeoverState{Mode: ModeBot},
		}
	}
	if msg.Timestamp > 0 {
		t.LastMessageAt = msg.Timestamp
	}
	t.LastMessageText = previewText(msg)
	t.LastDirection = direction
	if direction == DirectionInbound {
		t.UnreadCount++
	}
	return d.UpsertFromRealtime(t)
}

// MarkRead applies a server-confirmed unread count. The counter only ever
// moves down toward the confirmed value; a racing increment from a newer
// inbound event is never clobbered upward.
func (d *Directory) MarkRead(contactID string, unread int) (Thread, bool) {
	i := d.indexOf(contactID)
	if i < 0 {
		return Thread{}, false
	}
	if unread < 0 {
		unread = 0
	}
	if unread < d.threads[i].UnreadCount {
		d.threads[i].UnreadCount = unread
	}
	return d.threads[i], true
}

// SetTakeover applies a server-confirmed takeover state to a thread.
func (d *Directory) SetTakeover(contactID string, state TakeoverState) (Thread, bool) {
	i := d.indexOf(contactID)
	if i < 0 {
		return Thread{}, false
	}
	d.threads[i].Takeover = state
	return d.threads[i], true
}

func (d *Directory) indexOf(contactID string) int {
	for i, t := range d.threads {
		if t.ContactID == contactID {
			return i
		}
	}
	return -1
}

// scoped stamps the directory's scope onto entries that arrive without it.
func (d *Directory) scoped(t Thread) Thread {
	if t.AgentID == "" {
		t.AgentID = d.agentID
	}
	if t.Channel == "" {
		t.Channel = d.channel
	}
	if t.Takeover.Mode == "" {
		t.Takeover.Mode = ModeBot
	}
	return t
}

func (d *Directory) resort() {
	sort.SliceStable(d.threads, func(i, j int) bool {
		return d.threads[i].LastMessageAt > d.threads[j].LastMessageAt
	})
}

func previewText(msg Message) string {
	if text := strings.TrimSpace(msg.Content); text != "" {
		return text
	}
	if msg.Profile != nil && msg.Profile.Media != nil {
		return "[" + msg.Profile.Media.Kind + "]"
	}
	return ""
}
