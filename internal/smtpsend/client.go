package smtpsend

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/Martian-dev/mailsync/internal/poll"
	"github.com/Martian-dev/mailsync/internal/store"
)

// Client is an authenticated SMTP session that can be pooled.
type Client struct {
	mu sync.Mutex
	c  *smtp.Client
}

// Alive reports whether the server still answers NOOP.
func (c *Client) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.c.Noop() == nil
}

// Close ends the session.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.c.Quit(); err == nil {
		return nil
	}
	return c.c.Close()
}

// Send transmits one message.
func (c *Client) Send(from string, to []string, msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.c.SendMail(from, to, bytesReader(msg)); err != nil {
		// Leave the session usable for the next message.
		_ = c.c.Reset()
		return fmt.Errorf("sending mail: %w", err)
	}
	return nil
}

// Dialer opens authenticated SMTP sessions for accounts.
type Dialer struct {
	TLSConfig *tls.Config
}

// Dial connects to the account's SMTP server. Port 465 uses implicit TLS,
// other ports STARTTLS unless the account disables TLS.
func (d *Dialer) Dial(ctx context.Context, acct *store.Account) (*Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	host := acct.SMTPHost
	if host == "" {
		host = acct.Host
	}
	port := acct.SMTPPort
	if port == 0 {
		port = 587
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	tlsConfig := d.tlsConfig(host)

	var (
		c   *smtp.Client
		err error
	)
	switch {
	case port == 465:
		c, err = smtp.DialTLS(addr, tlsConfig)
	case acct.TLSMode == "none":
		c, err = smtp.Dial(addr)
	default:
		c, err = smtp.DialStartTLS(addr, tlsConfig)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to SMTP %s: %w", addr, err)
	}

	if err := c.Auth(saslClient(acct)); err != nil {
		_ = c.Close()
		return nil, &poll.AuthError{Transport: store.KindIMAP, Err: fmt.Errorf("SMTP auth failed for %s: %w", acct.Principal(), err)}
	}

	return &Client{c: c}, nil
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

func saslClient(acct *store.Account) sasl.Client {
	if acct.Password != "" {
		return sasl.NewPlainClient("", acct.Principal(), acct.Password)
	}
	return sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
		Username: acct.Principal(),
		Token:    acct.AccessToken,
	})
}
