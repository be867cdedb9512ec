package imapsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// Status is the subset of SELECT data the sync layer uses.
type Status struct {
	UIDValidity    uint32
	UIDNext        uint32
	NumMessages    uint32
	Flags          []string
	PermanentFlags []string
}

// Fetched is one message as returned by UID FETCH.
type Fetched struct {
	UID          uint32
	Flags        []string
	InternalDate time.Time
	Size         int64
	Raw          []byte
	// Err is set when the server response for UID could not be read.
	Err error
}

// Conn is an authenticated IMAP connection. Commands are serialized so a
// pooled connection can be shared between callers.
type Conn struct {
	mu       sync.Mutex
	client   *imapclient.Client
	selected string
}

func newConn(c *imapclient.Client) *Conn {
	return &Conn{client: c}
}

// Alive reports whether the connection is still authenticated.
func (c *Conn) Alive() bool {
	switch c.client.State() {
	case imap.ConnStateAuthenticated, imap.ConnStateSelected:
		return true
	default:
		return false
	}
}

// Close logs out and closes the socket.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.client.Logout().Wait()
	return c.client.Close()
}

// Caps returns the server capability set announced after login.
func (c *Conn) Caps() imap.CapSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client.Caps()
}

// Noop pings the server.
func (c *Conn) Noop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.client.Noop().Wait()
}

// Select always issues SELECT so UIDVALIDITY and UIDNEXT are fresh.
func (c *Conn) Select(ctx context.Context, folder string) (*Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.selectLocked(folder)
}

func (c *Conn) selectLocked(folder string) (*Status, error) {
	data, err := c.client.Select(folder, nil).Wait()
	if err != nil {
		c.selected = ""
		return nil, fmt.Errorf("selecting %s: %w", folder, err)
	}
	c.selected = folder
	return &Status{
		UIDValidity:    data.UIDValidity,
		UIDNext:        uint32(data.UIDNext),
		NumMessages:    data.NumMessages,
		Flags:          flagStrings(data.Flags),
		PermanentFlags: flagStrings(data.PermanentFlags),
	}, nil
}

func (c *Conn) ensureSelected(ctx context.Context, folder string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.selected == folder {
		return nil
	}
	_, err := c.selectLocked(folder)
	return err
}

// UIDsSince returns UIDs of messages with an internal date on or after since.
func (c *Conn) UIDsSince(ctx context.Context, folder string, since time.Time) ([]uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureSelected(ctx, folder); err != nil {
		return nil, err
	}
	return c.searchLocked(&imap.SearchCriteria{Since: since})
}

// UIDsAfter returns UIDs strictly greater than uid.
func (c *Conn) UIDsAfter(ctx context.Context, folder string, uid uint32) ([]uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureSelected(ctx, folder); err != nil {
		return nil, err
	}

	var set imap.UIDSet
	set.AddRange(imap.UID(uid+1), 0)
	uids, err := c.searchLocked(&imap.SearchCriteria{UID: []imap.UIDSet{set}})
	if err != nil {
		return nil, err
	}

	// "n:*" always matches the highest UID even when it is below n.
	out := uids[:0]
	for _, u := range uids {
		if u > uid {
			out = append(out, u)
		}
	}
	return out, nil
}

func (c *Conn) searchLocked(criteria *imap.SearchCriteria) ([]uint32, error) {
	data, err := c.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching: %w", err)
	}
	all := data.AllUIDs()
	uids := make([]uint32, 0, len(all))
	for _, u := range all {
		uids = append(uids, uint32(u))
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

// Fetch downloads full messages without setting \Seen.
func (c *Conn) Fetch(ctx context.Context, folder string, uids []uint32) ([]Fetched, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureSelected(ctx, folder); err != nil {
		return nil, err
	}

	section := &imap.FetchItemBodySection{Peek: true}
	opts := &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		InternalDate: true,
		RFC822Size:   true,
		BodySection:  []*imap.FetchItemBodySection{section},
	}

	cmd := c.client.Fetch(uidSet(uids), opts)
	defer cmd.Close()

	var out []Fetched
	var unreadable error
	for {
		msg := cmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			if buf.UID == 0 {
				// Without a UID the message cannot be skipped safely.
				unreadable = fmt.Errorf("reading message %d: %w", buf.SeqNum, err)
				continue
			}
			out = append(out, Fetched{UID: uint32(buf.UID), Err: fmt.Errorf("reading message UID %d: %w", buf.UID, err)})
			continue
		}
		out = append(out, Fetched{
			UID:          uint32(buf.UID),
			Flags:        flagStrings(buf.Flags),
			InternalDate: buf.InternalDate,
			Size:         buf.RFC822Size,
			Raw:          buf.FindBodySection(section),
		})
	}

	if err := cmd.Close(); err != nil {
		return out, fmt.Errorf("fetching messages: %w", err)
	}
	if unreadable != nil {
		return out, unreadable
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

// AddKeywords sets keywords on a message.
func (c *Conn) AddKeywords(ctx context.Context, folder string, uid uint32, keywords []string) error {
	return c.storeFlags(ctx, folder, []uint32{uid}, imap.StoreFlagsAdd, keywords)
}

// RemoveKeywords clears keywords from a message.
func (c *Conn) RemoveKeywords(ctx context.Context, folder string, uid uint32, keywords []string) error {
	return c.storeFlags(ctx, folder, []uint32{uid}, imap.StoreFlagsDel, keywords)
}

func (c *Conn) storeFlags(ctx context.Context, folder string, uids []uint32, op imap.StoreFlagsOp, flags []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureSelected(ctx, folder); err != nil {
		return err
	}

	imapFlags := make([]imap.Flag, 0, len(flags))
	for _, f := range flags {
		imapFlags = append(imapFlags, imap.Flag(f))
	}

	err := c.client.Store(uidSet(uids), &imap.StoreFlags{
		Op:     op,
		Silent: true,
		Flags:  imapFlags,
	}, nil).Close()
	if err != nil {
		return fmt.Errorf("storing flags: %w", err)
	}
	return nil
}

// CopyTo copies a message into dest.
func (c *Conn) CopyTo(ctx context.Context, folder string, uid uint32, dest string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureSelected(ctx, folder); err != nil {
		return err
	}
	if _, err := c.client.Copy(uidSet([]uint32{uid}), dest).Wait(); err != nil {
		return fmt.Errorf("copying to %s: %w", dest, err)
	}
	return nil
}

// EnsureFolder creates name unless it already exists.
func (c *Conn) EnsureFolder(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	existing, err := c.client.List("", name, nil).Collect()
	if err != nil {
		return fmt.Errorf("listing %s: %w", name, err)
	}
	if len(existing) > 0 {
		return nil
	}

	if err := c.client.Create(name, nil).Wait(); err != nil {
		var imapErr *imap.Error
		if errors.As(err, &imapErr) && imapErr.Code == imap.ResponseCodeAlreadyExists {
			return nil
		}
		return fmt.Errorf("creating %s: %w", name, err)
	}
	return nil
}

// FindByMessageID returns the UIDs in folder whose Message-ID header
// matches id. A missing folder yields no UIDs.
func (c *Conn) FindByMessageID(ctx context.Context, folder, id string) ([]uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureSelected(ctx, folder); err != nil {
		var imapErr *imap.Error
		if errors.As(err, &imapErr) && imapErr.Code == imap.ResponseCodeNonExistent {
			return nil, nil
		}
		return nil, err
	}

	id = strings.TrimSuffix(strings.TrimPrefix(id, "<"), ">")
	return c.searchLocked(&imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{{Key: "Message-ID", Value: id}},
	})
}

// DeleteMessages flags uids \Deleted and expunges them.
func (c *Conn) DeleteMessages(ctx context.Context, folder string, uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}
	if err := c.storeFlags(ctx, folder, uids, imap.StoreFlagsAdd, []string{string(imap.FlagDeleted)}); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	if c.client.Caps().Has(imap.CapUIDPlus) {
		err = c.client.UIDExpunge(uidSet(uids)).Close()
	} else {
		err = c.client.Expunge().Close()
	}
	if err != nil {
		return fmt.Errorf("expunging: %w", err)
	}
	return nil
}

// ListFolders lists mailboxes whose name starts with prefix.
func (c *Conn) ListFolders(ctx context.Context, prefix string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := c.client.List("", prefix+"*", nil).Collect()
	if err != nil {
		return nil, fmt.Errorf("listing folders: %w", err)
	}
	names := make([]string, 0, len(data))
	for _, d := range data {
		names = append(names, d.Mailbox)
	}
	return names, nil
}

// ListKeywords returns the keywords defined in folder.
func (c *Conn) ListKeywords(ctx context.Context, folder string) ([]string, error) {
	st, err := c.Select(ctx, folder)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, f := range st.Flags {
		if !strings.HasPrefix(f, `\`) {
			out = append(out, f)
		}
	}
	return out, nil
}

func uidSet(uids []uint32) imap.UIDSet {
	set := make([]imap.UID, len(uids))
	for i, u := range uids {
		set[i] = imap.UID(u)
	}
	return imap.UIDSetNum(set...)
}

func flagStrings(flags []imap.Flag) []string {
	out := make([]string, len(flags))
	for i, f := range flags {
		out[i] = string(f)
	}
	return out
}
