package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/capability"
	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/eventstore/sqlite"
	"github.com/Martian-dev/mailsync/internal/imapsync"
	"github.com/Martian-dev/mailsync/internal/jmap"
	"github.com/Martian-dev/mailsync/internal/logging"
	natsjs "github.com/Martian-dev/mailsync/internal/nats"
	"github.com/Martian-dev/mailsync/internal/poll"
	"github.com/Martian-dev/mailsync/internal/pool"
	"github.com/Martian-dev/mailsync/internal/providers/gmail"
	"github.com/Martian-dev/mailsync/internal/providers/outlook"
	"github.com/Martian-dev/mailsync/internal/rules"
	"github.com/Martian-dev/mailsync/internal/secrets"
	"github.com/Martian-dev/mailsync/internal/smtpsend"
	"github.com/Martian-dev/mailsync/internal/store"
)

// app holds the components shared by every command.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	accounts  *store.SQLStore
	ledger    *sqlite.Store
	publisher *natsjs.Publisher
	refresher *auth.Refresher

	detector   *capability.Detector
	imapPool   *pool.Pool[*imapsync.Conn]
	smtpPool   *pool.Pool[*smtpsend.Client]
	imapSource *imapsync.Source
	sender     *smtpsend.Sender
	verifier   *imapsync.Verifier
	jmapClient *jmap.Client

	engine *poll.Engine
}

func newApp(ctx context.Context, cfgPath string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logger := logging.New(cfg.Log)

	if cfg.Secrets.Keyring {
		if err := resolveSecrets(cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &app{cfg: cfg, logger: logger}

	a.accounts, err = store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	a.ledger, err = sqlite.Open(cfg.EventStore.Path)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("opening event store: %w", err)
	}

	if cfg.NATS.URL != "" {
		pub, err := natsjs.NewPublisher(cfg.NATS.URL, cfg.NATS.Stream)
		if err == nil {
			err = pub.EnsureStream(ctx)
		}
		if err != nil {
			if pub != nil {
				pub.Close()
			}
			// Events stay in the outbox until a broker is reachable.
			logger.Warn().Err(err).Str("url", cfg.NATS.URL).Msg("nats unavailable, outbox relay disabled")
		} else {
			a.publisher = pub
		}
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	a.refresher = auth.NewRefresher(httpClient)
	a.refresher.Register(store.KindGmail, auth.App{
		ClientID:     cfg.Google.ClientID,
		ClientSecret: cfg.Google.ClientSecret,
		Endpoint:     auth.GoogleEndpoint,
	})
	a.refresher.Register(store.KindOutlook, auth.App{
		ClientID:     cfg.Microsoft.ClientID,
		ClientSecret: cfg.Microsoft.ClientSecret,
		Endpoint:     auth.MicrosoftEndpoint,
	})
	if cfg.JMAP.TokenURL != "" {
		a.refresher.Register(store.KindJMAP, auth.App{
			ClientID:     cfg.JMAP.ClientID,
			ClientSecret: cfg.JMAP.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.JMAP.TokenURL},
		})
	}

	a.detector = capability.NewDetector(cfg.Capabilities.CacheSize, cfg.Capabilities.TTL, logger)
	a.imapPool = pool.New[*imapsync.Conn]("imap", cfg.Pool.IdleTimeout, cfg.Pool.SweepInterval, logger)
	a.smtpPool = pool.New[*smtpsend.Client]("smtp", cfg.Pool.IdleTimeout, cfg.Pool.SweepInterval, logger)

	imapDialer := &imapsync.Dialer{}
	smtpDialer := &smtpsend.Dialer{}
	a.imapSource = imapsync.NewSource(a.imapPool, imapDialer, a.detector, imapsync.SourceConfig{
		Mailbox:       cfg.Poll.Mailbox,
		InitialWindow: cfg.Poll.InitialWindow,
		FolderPrefix:  cfg.Labels.FolderPrefix,
	}, logger)
	a.sender = smtpsend.NewSender(a.smtpPool, smtpDialer, logger)
	a.verifier = imapsync.NewVerifier(imapDialer, a.sender, a.detector, logger)

	a.engine = poll.NewEngine(a.accounts, rules.NewOutboxProcessor(a.ledger, logger), a.refresher, poll.Config{
		MinInterval: cfg.Poll.MinInterval,
		BatchSize:   cfg.Poll.BatchSize,
		MinTier:     cfg.Manager.MinTier,
		Concurrency: cfg.Poll.Concurrency,
		Logger:      logger,
	})
	a.engine.Register(store.KindIMAP, a.imapSource)
	a.engine.Register(store.KindGmail, gmail.New(a.refresher, a.accounts, gmail.Config{InitialWindow: cfg.Poll.InitialWindow}, logger))
	a.engine.Register(store.KindOutlook, outlook.New(a.refresher, a.accounts, outlook.Config{InitialWindow: cfg.Poll.InitialWindow}, logger))
	if cfg.JMAP.SessionURL != "" {
		a.jmapClient = jmap.NewClient(httpClient, cfg.JMAP.SessionURL)
		a.engine.Register(store.KindJMAP, jmap.NewSource(a.jmapClient))
	}

	return a, nil
}

func resolveSecrets(cfg *config.Config) error {
	r, err := secrets.Open(cfg.Secrets.Service, cfg.Secrets.FileDir)
	if err != nil {
		return err
	}
	for key, dst := range map[string]*string{
		"webhook.secret":          &cfg.Webhook.Secret,
		"google.client_secret":    &cfg.Google.ClientSecret,
		"microsoft.client_secret": &cfg.Microsoft.ClientSecret,
		"jmap.client_secret":      &cfg.JMAP.ClientSecret,
	} {
		if err := r.Fill(dst, key); err != nil {
			return err
		}
	}
	return nil
}

// Close stops background polls and releases pooled connections and
// databases.
func (a *app) Close() {
	if a.engine != nil {
		a.engine.Stop()
	}
	if a.imapPool != nil {
		_ = a.imapPool.Close()
	}
	if a.smtpPool != nil {
		_ = a.smtpPool.Close()
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.ledger != nil {
		_ = a.ledger.Close()
	}
	if a.accounts != nil {
		_ = a.accounts.Close()
	}
}
