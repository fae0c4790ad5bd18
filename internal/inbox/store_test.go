package inbox_test

import (
	"math/rand"
	"testing"

	"github.com/lumadesk/operator/internal/inbox"
)

func textMsg(ts int64, role inbox.Role, content string) inbox.Message {
	return inbox.Message{Role: role, Content: content, Timestamp: ts}
}

func TestReplaceSortsAscending(t *testing.T) {
	t.Parallel()
	store := inbox.NewMessageStore()
	store.Replace([]inbox.Message{
		textMsg(30, inbox.RoleAssistant, "three"),
		textMsg(10, inbox.RoleUser, "one"),
		textMsg(20, inbox.RoleUser, "two"),
	})
	got := store.Messages()
	if len(got) != 3 {
		t.Fatalf("Len = %d, want 3", len(got))
	}
	for i, want := range []int64{10, 20, 30} {
		if got[i].Timestamp != want {
			t.Fatalf("messages[%d].Timestamp = %d, want %d", i, got[i].Timestamp, want)
		}
	}
}

func TestMergeNewerDropsDuplicateAppendsRest(t *testing.T) {
	t.Parallel()
	store := inbox.NewMessageStore()
	store.Replace([]inbox.Message{textMsg(10, inbox.RoleUser, "hi")})

	added := store.MergeNewer([]inbox.Message{
		textMsg(10, inbox.RoleUser, "hi"),
		textMsg(12, inbox.RoleUser, "bye"),
	})
	if added != 1 {
		t.Fatalf("MergeNewer added = %d, want 1", added)
	}
	got := store.Messages()
	if len(got) != 2 {
		t.Fatalf("Len = %d, want 2", len(got))
	}
	if got[0].Content != "hi" || got[0].Timestamp != 10 {
		t.Fatalf("messages[0] = %+v, want {10 hi}", got[0])
	}
	if got[1].Content != "bye" || got[1].Timestamp != 12 {
		t.Fatalf("messages[1] = %+v, want {12 bye}", got[1])
	}
}

func TestMediaSignatureDistinguishesMessages(t *testing.T) {
	t.Parallel()
	store := inbox.NewMessageStore()
	plain := textMsg(10, inbox.RoleUser, "")
	withMedia := textMsg(10, inbox.RoleUser, "")
	withMedia.Profile = &inbox.Profile{Media: &inbox.MediaRef{Kind: "image", Mime: "image/png"}}

	store.MergeNewer([]inbox.Message{plain, withMedia})
	if store.Len() != 2 {
		t.Fatalf("Len = %d, want 2 (media signature should split the tuple)", store.Len())
	}
	// Same tuple again must collapse.
	store.MergeNewer([]inbox.Message{withMedia})
	if store.Len() != 2 {
		t.Fatalf("Len = %d after duplicate media merge, want 2", store.Len())
	}
}

func TestMergeOlderPrependsDeduplicated(t *testing.T) {
	t.Parallel()
	store := inbox.NewMessageStore()
	store.Replace([]inbox.Message{
		textMsg(100, inbox.RoleUser, "newer"),
		textMsg(110, inbox.RoleAssistant, "newest"),
	})
	store.MergeOlder([]inbox.Message{
		textMsg(90, inbox.RoleAssistant, "older"),
		textMsg(100, inbox.RoleUser, "newer"),
		textMsg(80, inbox.RoleUser, "oldest"),
	})
	got := store.Messages()
	if len(got) != 4 {
		t.Fatalf("Len = %d, want 4", len(got))
	}
	if got[0].Content != "oldest" || got[3].Content != "newest" {
		t.Fatalf("order = [%s .. %s], want [oldest .. newest]", got[0].Content, got[3].Content)
	}
	oldest, ok := store.Oldest()
	if !ok || oldest.Timestamp != 80 {
		t.Fatalf("Oldest = (%+v, %v), want ts 80", oldest, ok)
	}
}

func TestInvalidEntriesDroppedSilently(t *testing.T) {
	t.Parallel()
	store := inbox.NewMessageStore()
	store.Replace([]inbox.Message{
		{Role: inbox.RoleUser, Content: "no timestamp"},
		{Role: inbox.Role("weird"), Content: "bad role", Timestamp: 5},
		textMsg(10, inbox.RoleUser, "kept"),
	})
	if store.Len() != 1 {
		t.Fatalf("Len = %d, want 1", store.Len())
	}
}

// Any interleaving of merges must preserve sorted order and tuple uniqueness.
func TestMergeInterleavingInvariant(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(42))
	store := inbox.NewMessageStore()
	pool := make([]inbox.Message, 0, 40)
	for i := range 40 {
		role := inbox.RoleUser
		if i%3 == 0 {
			role = inbox.RoleAssistant
		}
		pool = append(pool, textMsg(int64(1000+rng.Intn(50)), role, string(rune('a'+i%26))))
	}
	for range 30 {
		batch := make([]inbox.Message, 0, 5)
		for range 5 {
			batch = append(batch, pool[rng.Intn(len(pool))])
		}
		if rng.Intn(2) == 0 {
			store.MergeNewer(batch)
		} else {
			store.MergeOlder(batch)
		}
	}
	got := store.Messages()
	keys := map[string]struct{}{}
	for i, msg := range got {
		if i > 0 && got[i-1].Timestamp > msg.Timestamp {
			t.Fatalf("order violated at %d: %d > %d", i, got[i-1].Timestamp, msg.Timestamp)
		}
		key := msg.DedupKey()
		if _, dup := keys[key]; dup {
			t.Fatalf("duplicate dedup tuple at %d: %q", i, key)
		}
		keys[key] = struct{}{}
	}
}

func TestViewForDisplayCollapsesConsecutiveRepeats(t *testing.T) {
	t.Parallel()
	store := inbox.NewMessageStore()
	store.Replace([]inbox.Message{
		textMsg(10, inbox.RoleAssistant, "hello"),
		textMsg(11, inbox.RoleAssistant, "hello"),
		textMsg(12, inbox.RoleUser, "hello"),
		textMsg(13, inbox.RoleUser, "other"),
		textMsg(14, inbox.RoleUser, "other"),
	})
	view := store.ViewForDisplay()
	if len(view) != 3 {
		t.Fatalf("view len = %d, want 3", len(view))
	}
	// The store itself keeps all five.
	if store.Len() != 5 {
		t.Fatalf("store len = %d, want 5 (view must not mutate the store)", store.Len())
	}
}

func TestViewForDisplayKeepsEmptyContentMediaPairs(t *testing.T) {
	t.Parallel()
	store := inbox.NewMessageStore()
	a := textMsg(10, inbox.RoleUser, "")
	a.Profile = &inbox.Profile{Media: &inbox.MediaRef{Kind: "image", Mime: "image/png"}}
	b := textMsg(11, inbox.RoleUser, "")
	b.Profile = &inbox.Profile{Media: &inbox.MediaRef{Kind: "image", Mime: "image/jpeg"}}
	store.Replace([]inbox.Message{a, b})
	if len(store.ViewForDisplay()) != 2 {
		t.Fatalf("pure-media messages with empty content must not collapse")
	}
}
