package imapsync

import (
	"context"

	"github.com/emersion/go-imap/v2"

	"github.com/Martian-dev/mailsync/internal/capability"
)

// Probe builds a capability snapshot from the CAPABILITY list and the
// PERMANENTFLAGS of INBOX. Custom keywords are supported when the server
// advertises \* in PERMANENTFLAGS.
func Probe(ctx context.Context, c *Conn) (capability.Capabilities, error) {
	set := c.Caps()
	caps := capability.Capabilities{
		Idle:      set.Has(imap.CapIdle),
		Move:      set.Has(imap.CapMove),
		CondStore: set.Has(imap.CapCondStore),
		UTF8:      set.Has(imap.CapUTF8Accept),
		UIDPlus:   set.Has(imap.CapUIDPlus),
	}

	st, err := c.Select(ctx, "INBOX")
	if err != nil {
		return caps, err
	}
	caps.CustomKeywords = permitsKeywords(st.PermanentFlags)
	return caps, nil
}

func permitsKeywords(permanent []string) bool {
	for _, f := range permanent {
		if f == string(imap.FlagWildcard) {
			return true
		}
	}
	return false
}
