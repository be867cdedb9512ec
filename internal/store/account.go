package store

import (
	"time"
)

// Kind identifies the mail transport of an account.
type Kind string

const (
	KindJMAP    Kind = "jmap"
	KindIMAP    Kind = "imap"
	KindGmail   Kind = "gmail"
	KindOutlook Kind = "outlook"
)

// PollKinds are the transports driven by the poll scheduler.
var PollKinds = []Kind{KindIMAP, KindGmail, KindOutlook}

// Account is a mail account as seen by the sync layer.
type Account struct {
	ID           string     `db:"id" json:"id"`
	Email        string     `db:"email" json:"email"`
	Kind         Kind       `db:"kind" json:"kind"`
	Host         string     `db:"host" json:"host,omitempty"`
	Port         int        `db:"port" json:"port,omitempty"`
	SMTPHost     string     `db:"smtp_host" json:"smtp_host,omitempty"`
	SMTPPort     int        `db:"smtp_port" json:"smtp_port,omitempty"`
	TLSMode      string     `db:"tls_mode" json:"tls_mode,omitempty"` // tls, starttls, none
	Username     string     `db:"username" json:"username,omitempty"`
	Password     string     `db:"password" json:"-"`
	AccessToken  string     `db:"access_token" json:"-"`
	RefreshToken string     `db:"refresh_token" json:"-"`
	ExpiresAt    *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	SyncCursor   string     `db:"sync_cursor" json:"sync_cursor"`
	LastPolledAt *time.Time `db:"last_polled_at" json:"last_polled_at,omitempty"`
	ActiveRules  int        `db:"active_rules" json:"active_rules"`
	Tier         int        `db:"tier" json:"tier"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// Tokens is a refreshed OAuth credential set.
type Tokens struct {
	AccessToken  string
	RefreshToken string // empty keeps the stored refresh token
	ExpiresAt    time.Time
}

// PushCapable reports whether the transport supports server push.
func (a *Account) PushCapable() bool {
	return a.Kind == KindJMAP
}

// HasCredentials reports whether the account carries the credential its
// transport needs. IMAP accepts either a password or an OAuth token.
func (a *Account) HasCredentials() bool {
	if a.Kind == KindIMAP {
		return a.Password != "" || a.AccessToken != ""
	}
	return a.AccessToken != ""
}

// Principal is the identity used to key pooled connections and capability
// snapshots.
func (a *Account) Principal() string {
	if a.Username != "" {
		return a.Username
	}
	return a.Email
}

// Eligible reports whether the account should be synchronized: a credential
// is present, at least one rule is active and the tier is sufficient.
func (a *Account) Eligible(minTier int) (bool, string) {
	switch {
	case !a.HasCredentials():
		return false, "missing credentials"
	case a.ActiveRules <= 0:
		return false, "no enabled rules"
	case a.Tier < minTier:
		return false, "insufficient plan"
	}
	return true, ""
}
