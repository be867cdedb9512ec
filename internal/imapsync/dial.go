package imapsync

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"

	"github.com/Martian-dev/mailsync/internal/poll"
	"github.com/Martian-dev/mailsync/internal/store"
)

const defaultDialTimeout = 30 * time.Second

// Dialer opens authenticated IMAP connections for accounts.
type Dialer struct {
	Timeout   time.Duration
	TLSConfig *tls.Config
}

// Dial connects according to the account's TLS mode and authenticates with
// the password, or with OAUTHBEARER when only an access token is present.
func (d *Dialer) Dial(ctx context.Context, acct *store.Account) (*Conn, error) {
	port := acct.Port
	if port == 0 {
		port = 993
		if acct.TLSMode == "starttls" || acct.TLSMode == "none" {
			port = 143
		}
	}
	addr := net.JoinHostPort(acct.Host, strconv.Itoa(port))

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	nd := &net.Dialer{Timeout: timeout}
	raw, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	tlsConfig := d.tlsConfig(acct.Host)
	opts := &imapclient.Options{TLSConfig: tlsConfig}

	var client *imapclient.Client
	switch acct.TLSMode {
	case "starttls":
		client, err = imapclient.NewStartTLS(raw, opts)
		if err != nil {
			raw.Close()
			return nil, fmt.Errorf("starting TLS with %s: %w", addr, err)
		}
	case "none":
		client = imapclient.New(raw, opts)
	default:
		tlsConn := tls.Client(raw, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			raw.Close()
			return nil, fmt.Errorf("TLS handshake with %s: %w", addr, err)
		}
		client = imapclient.New(tlsConn, opts)
	}

	if err := authenticate(client, acct); err != nil {
		_ = client.Close()
		return nil, &poll.AuthError{Transport: store.KindIMAP, Err: err}
	}

	return newConn(client), nil
}

func (d *Dialer) tlsConfig(host string) *tls.Config {
	if d.TLSConfig != nil {
		cfg := d.TLSConfig.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = host
		}
		return cfg
	}
	return &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
}

func authenticate(client *imapclient.Client, acct *store.Account) error {
	user := acct.Principal()
	if acct.Password != "" {
		if err := client.Login(user, acct.Password).Wait(); err != nil {
			return fmt.Errorf("login failed for %s: %w", user, err)
		}
		return nil
	}

	saslClient := sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
		Username: user,
		Token:    acct.AccessToken,
	})
	if err := client.Authenticate(saslClient); err != nil {
		return fmt.Errorf("OAUTHBEARER failed for %s: %w", user, err)
	}
	return nil
}
