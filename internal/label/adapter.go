package label

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Martian-dev/mailsync/internal/capability"
)

// ErrMessageIDRequired is returned when a folder-emulated label is added or
// removed without a Message-ID.
var ErrMessageIDRequired = errors.New("message id required for folder labels")

// ConfigError reports a label operation that cannot run with the
// information supplied.
type ConfigError struct {
	Op  string
	Err error
}

func (e *ConfigError) Error() string {
	return "label " + e.Op + ": " + e.Err.Error()
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Mailbox is the server-side surface labels are realised on. UIDs are
// scoped to the named folder.
type Mailbox interface {
	AddKeywords(ctx context.Context, folder string, uid uint32, keywords []string) error
	RemoveKeywords(ctx context.Context, folder string, uid uint32, keywords []string) error
	CopyTo(ctx context.Context, folder string, uid uint32, dest string) error
	EnsureFolder(ctx context.Context, name string) error
	FindByMessageID(ctx context.Context, folder, messageID string) ([]uint32, error)
	DeleteMessages(ctx context.Context, folder string, uids []uint32) error
	ListFolders(ctx context.Context, prefix string) ([]string, error)
	ListKeywords(ctx context.Context, folder string) ([]string, error)
}

// Target locates one message.
type Target struct {
	Folder    string
	UID       uint32
	MessageID string
}

// Adapter applies logical labels using native keywords when the server
// supports them and label folders otherwise.
type Adapter struct {
	mbox         Mailbox
	caps         capability.Capabilities
	folderPrefix string
}

// NewAdapter binds a mailbox and its capability snapshot.
func NewAdapter(mbox Mailbox, caps capability.Capabilities, folderPrefix string) *Adapter {
	return &Adapter{mbox: mbox, caps: caps, folderPrefix: folderPrefix}
}

// SupportsNativeTagging reports whether labels can be stored as keywords.
func SupportsNativeTagging(caps capability.Capabilities) bool {
	return caps.CustomKeywords
}

// Native reports which realisation the adapter uses.
func (a *Adapter) Native() bool {
	return SupportsNativeTagging(a.caps)
}

// Add applies label to the target message.
func (a *Adapter) Add(ctx context.Context, t Target, label string) error {
	if a.Native() {
		if err := a.mbox.AddKeywords(ctx, t.Folder, t.UID, []string{LabelToKeyword(label)}); err != nil {
			return fmt.Errorf("adding keyword for %q: %w", label, err)
		}
		return nil
	}

	if t.MessageID == "" {
		return &ConfigError{Op: "add", Err: ErrMessageIDRequired}
	}

	dest := FolderName(a.folderPrefix, label)
	if err := a.mbox.EnsureFolder(ctx, dest); err != nil {
		return fmt.Errorf("creating label folder %s: %w", dest, err)
	}

	existing, err := a.mbox.FindByMessageID(ctx, dest, t.MessageID)
	if err != nil {
		return fmt.Errorf("searching label folder %s: %w", dest, err)
	}
	if len(existing) > 0 {
		return nil
	}

	if err := a.mbox.CopyTo(ctx, t.Folder, t.UID, dest); err != nil {
		return fmt.Errorf("copying to label folder %s: %w", dest, err)
	}
	return nil
}

// Remove takes label off the target message. The folder fallback finds the
// copy by Message-ID because UIDs differ between folders.
func (a *Adapter) Remove(ctx context.Context, t Target, label string) error {
	if a.Native() {
		if err := a.mbox.RemoveKeywords(ctx, t.Folder, t.UID, []string{LabelToKeyword(label)}); err != nil {
			return fmt.Errorf("removing keyword for %q: %w", label, err)
		}
		return nil
	}

	if t.MessageID == "" {
		return &ConfigError{Op: "remove", Err: ErrMessageIDRequired}
	}

	folder := FolderName(a.folderPrefix, label)
	uids, err := a.mbox.FindByMessageID(ctx, folder, t.MessageID)
	if err != nil {
		return fmt.Errorf("searching label folder %s: %w", folder, err)
	}
	if len(uids) == 0 {
		return nil
	}
	if err := a.mbox.DeleteMessages(ctx, folder, uids); err != nil {
		return fmt.Errorf("deleting from label folder %s: %w", folder, err)
	}
	return nil
}

// List returns every label visible on the server: keyword-derived names
// from folder plus label folder names, deduplicated case-insensitively.
func (a *Adapter) List(ctx context.Context, folder string) ([]string, error) {
	var names []string

	if a.Native() {
		keywords, err := a.mbox.ListKeywords(ctx, folder)
		if err != nil {
			return nil, fmt.Errorf("listing keywords: %w", err)
		}
		for _, kw := range keywords {
			if label, ok := KeywordToLabel(kw); ok {
				names = append(names, label)
			}
		}
	}

	folders, err := a.mbox.ListFolders(ctx, a.folderPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing label folders: %w", err)
	}
	for _, f := range folders {
		if name := strings.TrimPrefix(f, a.folderPrefix); name != "" && name != f {
			names = append(names, name)
		}
	}

	return dedupeFold(names), nil
}

func dedupeFold(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		k := strings.ToLower(n)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i]) < strings.ToLower(out[j])
	})
	return out
}
