package message

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
	"time"
)

const threadIDLen = 16

// NormalizeID lowercases a Message-ID and strips angle brackets.
func NormalizeID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.ToLower(strings.TrimSpace(id))
}

func hashID(id string) string {
	sum := sha256.Sum256([]byte(NormalizeID(id)))
	return hex.EncodeToString(sum[:])[:threadIDLen]
}

// ThreadIDFor derives a thread id from the reply headers: the In-Reply-To
// target, else the first reference, else the message itself.
func ThreadIDFor(inReplyTo string, references []string, self string) string {
	switch {
	case NormalizeID(inReplyTo) != "":
		return hashID(inReplyTo)
	case len(references) > 0 && NormalizeID(references[0]) != "":
		return hashID(references[0])
	default:
		return hashID(self)
	}
}

var (
	replyPrefix = regexp.MustCompile(`(?i)^\s*(re|fwd?|aw|sv|antw)(\s*\[\d+\])?\s*:\s*`)
	whitespace  = regexp.MustCompile(`\s+`)
)

// NormalizeSubject strips reply and forward prefixes, collapses whitespace
// and lowercases.
func NormalizeSubject(subject string) string {
	s := subject
	for {
		loc := replyPrefix.FindStringIndex(s)
		if loc == nil {
			break
		}
		s = s[loc[1]:]
	}
	return strings.ToLower(strings.TrimSpace(whitespace.ReplaceAllString(s, " ")))
}

// IsReplySubject reports whether subject carries a reply or forward prefix.
func IsReplySubject(subject string) bool {
	return replyPrefix.MatchString(subject)
}

// Thread is one resolved conversation.
type Thread struct {
	ID       string
	Messages []Message // ascending by Date
}

// Root is the earliest message.
func (t Thread) Root() Message { return t.Messages[0] }

// Latest is the most recent message.
func (t Thread) Latest() Message { return t.Messages[len(t.Messages)-1] }

type disjointSet struct {
	parent map[string]string
	size   map[string]int
}

func newDisjointSet() *disjointSet {
	return &disjointSet{parent: map[string]string{}, size: map[string]int{}}
}

func (d *disjointSet) add(x string) {
	if _, ok := d.parent[x]; !ok {
		d.parent[x] = x
		d.size[x] = 1
	}
}

func (d *disjointSet) find(x string) string {
	d.add(x)
	root := x
	for d.parent[root] != root {
		root = d.parent[root]
	}
	for d.parent[x] != root {
		next := d.parent[x]
		d.parent[x] = root
		x = next
	}
	return root
}

func (d *disjointSet) union(a, b string) {
	ra, rb := d.find(a), d.find(b)
	if ra == rb {
		return
	}
	if d.size[ra] < d.size[rb] {
		ra, rb = rb, ra
	}
	d.parent[rb] = ra
	d.size[ra] += d.size[rb]
}

func earlier(a, b *Message) bool {
	if !a.Date.Equal(b.Date) {
		return a.Date.Before(b.Date)
	}
	return a.ID < b.ID
}

// GroupThreads resolves a batch into transitively closed threads. Messages
// linked through In-Reply-To or References end up in one thread even when
// their computed thread ids differ. A message without reply headers but
// with a reply-prefixed subject joins the thread of the same normalized
// subject. Threads are ordered by their latest message, newest first.
func GroupThreads(msgs []Message) []Thread {
	if len(msgs) == 0 {
		return nil
	}

	ds := newDisjointSet()
	tids := make([]string, len(msgs))
	for i := range msgs {
		m := &msgs[i]
		tids[i] = ThreadIDFor(m.InReplyTo, m.References, m.ID)
		ds.add(tids[i])
		if m.ID != "" {
			ds.union(tids[i], hashID(m.ID))
		}
		if m.InReplyTo != "" {
			ds.union(tids[i], hashID(m.InReplyTo))
		}
		for _, ref := range m.References {
			ds.union(tids[i], hashID(ref))
		}
	}

	bySubject := map[string]int{}
	for i := range msgs {
		subj := NormalizeSubject(msgs[i].Subject)
		if subj == "" {
			continue
		}
		if j, ok := bySubject[subj]; !ok || earlier(&msgs[i], &msgs[j]) {
			bySubject[subj] = i
		}
	}
	for i := range msgs {
		m := &msgs[i]
		if m.InReplyTo != "" || len(m.References) > 0 || !IsReplySubject(m.Subject) {
			continue
		}
		if j, ok := bySubject[NormalizeSubject(m.Subject)]; ok && j != i {
			ds.union(tids[i], tids[j])
		}
	}

	groups := map[string][]int{}
	var order []string
	for i := range msgs {
		root := ds.find(tids[i])
		if _, ok := groups[root]; !ok {
			order = append(order, root)
		}
		groups[root] = append(groups[root], i)
	}

	threads := make([]Thread, 0, len(groups))
	for _, root := range order {
		idx := groups[root]
		sort.SliceStable(idx, func(a, b int) bool { return earlier(&msgs[idx[a]], &msgs[idx[b]]) })
		canonical := tids[idx[0]]

		t := Thread{ID: canonical, Messages: make([]Message, 0, len(idx))}
		for _, i := range idx {
			t.Messages = append(t.Messages, msgs[i].WithThreadID(canonical))
		}
		threads = append(threads, t)
	}

	sort.SliceStable(threads, func(i, j int) bool {
		return latestDate(threads[i]).After(latestDate(threads[j]))
	})
	return threads
}

func latestDate(t Thread) time.Time {
	return t.Latest().Date
}

// Assign returns copies of msgs, in input order, carrying the canonical
// thread id of the group each belongs to.
func Assign(msgs []Message) []Message {
	ids := map[string]string{}
	for _, t := range GroupThreads(msgs) {
		for _, m := range t.Messages {
			ids[key(m)] = t.ID
		}
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.WithThreadID(ids[key(m)])
	}
	return out
}

func key(m Message) string {
	return m.ID + "\x00" + m.TransportID
}
