package label

import (
	"strings"
)

// KeywordPrefix namespaces keywords owned by this service so they never
// collide with user keywords.
const KeywordPrefix = "$MailSync_"

const maxKeywordLen = 64

// Reserved labels used by the rule engine. Their keyword forms are fixed.
const (
	NeedsReply    = "Needs Reply"
	AwaitingReply = "Awaiting Reply"
	FYI           = "FYI"
	Processed     = "Processed"
	Archived      = "Archived"
	ColdEmail     = "Cold Email"
	Newsletter    = "Newsletter"
	Receipt       = "Receipt"
)

var reservedKeywords = map[string]string{
	NeedsReply:    KeywordPrefix + "NeedsReply",
	AwaitingReply: KeywordPrefix + "AwaitingReply",
	FYI:           KeywordPrefix + "FYI",
	Processed:     KeywordPrefix + "Processed",
	Archived:      KeywordPrefix + "Archived",
	ColdEmail:     KeywordPrefix + "ColdEmail",
	Newsletter:    KeywordPrefix + "Newsletter",
	Receipt:       KeywordPrefix + "Receipt",
}

var (
	reservedByFold   = map[string]string{}
	reservedLabelsOf = map[string]string{}
)

func init() {
	for label, kw := range reservedKeywords {
		reservedByFold[strings.ToLower(label)] = kw
		reservedLabelsOf[strings.ToLower(kw)] = label
	}
}

// ReservedLabels lists the labels with fixed keyword forms.
func ReservedLabels() []string {
	out := make([]string, 0, len(reservedKeywords))
	for label := range reservedKeywords {
		out = append(out, label)
	}
	return out
}

// LabelToKeyword maps a logical label to the IMAP keyword that carries it.
func LabelToKeyword(label string) string {
	label = strings.TrimSpace(label)
	if kw, ok := reservedByFold[strings.ToLower(label)]; ok {
		return kw
	}

	kw := KeywordPrefix + sanitize(label)
	if len(kw) > maxKeywordLen {
		kw = kw[:maxKeywordLen]
	}
	return kw
}

// KeywordToLabel maps a keyword back to its logical label. Keywords outside
// the reserved namespace report false.
func KeywordToLabel(keyword string) (string, bool) {
	if label, ok := reservedLabelsOf[strings.ToLower(keyword)]; ok {
		return label, true
	}
	if len(keyword) <= len(KeywordPrefix) || !strings.EqualFold(keyword[:len(KeywordPrefix)], KeywordPrefix) {
		return "", false
	}
	return strings.ReplaceAll(keyword[len(KeywordPrefix):], "_", " "), true
}

// sanitize keeps characters valid in an IMAP flag atom.
func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		case r == ' ' || r == '\t':
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), "_")
}

// FolderName is the folder used to emulate label on servers without
// custom keyword support.
func FolderName(prefix, label string) string {
	name := strings.TrimSpace(label)
	name = strings.ReplaceAll(name, "/", "-")
	return prefix + name
}
