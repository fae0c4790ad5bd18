package inbox

import (
	"sort"
)

// MessageStore holds the ordered, deduplicated transcript for exactly one open
// conversation. It keeps two invariants: messages are sorted ascending by
// timestamp (stable, so equal timestamps keep insertion order), and no two
// entries share the same dedup tuple.
//
// The store is not safe for concurrent use; all mutation happens on the
// session goroutine.
type MessageStore struct {
	messages []Message
	seen     map[string]struct{}
}

// NewMessageStore creates an empty store.
func NewMessageStore() *MessageStore {
	return &MessageStore{
		seen: map[string]struct{}{},
	}
}

// Replace discards prior content and installs the given history page.
// Invalid entries are dropped, duplicates collapse to the first occurrence.
func (s *MessageStore) Replace(messages []Message) {
	s.messages = s.messages[:0]
	s.seen = map[string]struct{}{}
	s.appendNew(messages)
	s.resort()
}

// MergeNewer folds realtime appends and optimistic sends into the store.
// Messages whose dedup tuple already exists are skipped, the rest are
// appended, then the store is re-sorted so out-of-order arrival cannot break
// the total order.
func (s *MessageStore) MergeNewer(messages []Message) int {
	added := s.appendNew(messages)
	if added > 0 {
		s.resort()
	}
	return added
}

// MergeOlder folds a backward-pagination page into the store. The caller
// guarantees strictly older timestamps via the before cursor; the store does
// not rely on that and dedups and re-sorts regardless.
func (s *MessageStore) MergeOlder(messages []Message) int {
	return s.MergeNewer(messages)
}

func (s *MessageStore) appendNew(messages []Message) int {
	added := 0
	for _, msg := range messages {
		if !msg.Valid() {
			continue
		}
		key := msg.DedupKey()
		if _, dup := s.seen[key]; dup {
			continue
		}
		s.seen[key] = struct{}{}
		s.messages = append(s.messages, msg)
		added++
	}
	return added
}

func (s *MessageStore) resort() {
	sort.SliceStable(s.messages, func(i, j int) bool {
		return s.messages[i].Timestamp < s.messages[j].Timestamp
	})
}

// Len returns the number of stored messages.
func (s *MessageStore) Len() int {
	return len(s.messages)
}

// Messages returns a copy of the ordered transcript.
func (s *MessageStore) Messages() []Message {
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Oldest returns the earliest message, used as the before cursor for
// backward pagination.
func (s *MessageStore) Oldest() (Message, bool) {
	if len(s.messages) == 0 {
		return Message{}, false
	}
	return s.messages[0], true
}

// ViewForDisplay returns the sequence actually rendered: consecutive messages
// from the same role with identical non-empty content collapse to one. Some
// upstream sources repeat a message verbatim with no distinguishing field, so
// this is a display-level suppression on top of identity dedup. The
// underlying store is never mutated.
func (s *MessageStore) ViewForDisplay() []Message {
	out := make([]Message, 0, len(s.messages))
	for _, msg := range s.messages {
		if len(out) > 0 {
			prev := out[len(out)-1]
			if msg.Role == prev.Role && msg.Content != "" && msg.Content == prev.Content {
				continue
			}
		}
		out = append(out, msg)
	}
	return out
}
