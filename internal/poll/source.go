package poll

import (
	"context"
	"errors"
	"fmt"

	"github.com/Martian-dev/mailsync/internal/message"
	"github.com/Martian-dev/mailsync/internal/store"
)

// ErrCursorExpired is returned by a Source when the server no longer
// recognises the stored cursor and the account must be re-baselined.
var ErrCursorExpired = errors.New("sync cursor expired")

// AuthError reports a rejected credential from a poll source.
type AuthError struct {
	Transport store.Kind
	Err       error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %v", e.Transport, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// Item is one fetched message. Err is set when the message could be listed
// but not normalized; the engine counts it as failed and moves on.
type Item struct {
	Message message.Message
	// Cursor is the position just past this item.
	Cursor string
	Err    error
}

// Batch is the result of one fetch.
type Batch struct {
	Items []Item
	// Cursor is the position after the whole batch. With no items it may
	// still differ from the input cursor, for example after a baseline.
	Cursor  string
	HasMore bool
}

// Source fetches messages newer than a cursor for one transport. An empty
// cursor asks the source to establish a baseline.
type Source interface {
	FetchSince(ctx context.Context, acct *store.Account, cursor string, limit int) (*Batch, error)
}
