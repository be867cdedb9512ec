package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/dispatch"
	"github.com/Martian-dev/mailsync/internal/poll"
	"github.com/Martian-dev/mailsync/internal/rules"
	"github.com/Martian-dev/mailsync/internal/server"
	"github.com/Martian-dev/mailsync/internal/store"
	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:          "mailsync",
		Short:        "Mail event synchronization service",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config file (YAML)")

	root.AddCommand(newServeCmd(&cfgPath), newPollCmd(&cfgPath), newVerifyCmd(&cfgPath))
	return root
}

func newServeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run push manager, poll scheduler, outbox relay and HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, *cfgPath)
		},
	}
}

func serve(ctx context.Context, cfgPath string) error {
	a, err := newApp(ctx, cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg, logger := a.cfg, a.logger

	go a.imapPool.Run(ctx)
	go a.smtpPool.Run(ctx)

	relayCtx, stopRelay := context.WithCancel(context.Background())
	relayDone := make(chan struct{})
	if a.publisher != nil {
		relay := rules.NewRelay(a.ledger, a.publisher, logger)
		go func() {
			defer close(relayDone)
			relay.Run(relayCtx)
		}()
	} else {
		close(relayDone)
	}

	scheduler, err := poll.NewScheduler(a.engine, cfg.Poll.ScheduleInterval, logger)
	if err != nil {
		stopRelay()
		return err
	}
	scheduler.Start()

	var manager *mailsync.Manager
	switch {
	case !cfg.PushEnabled():
		logger.Warn().Msg("webhook url or secret missing, push delivery disabled")
	case a.jmapClient == nil:
		logger.Warn().Msg("jmap session url missing, push delivery disabled")
	default:
		dispatcher := dispatch.New(dispatch.Config{
			URL:        cfg.Webhook.URL,
			Secret:     cfg.Webhook.Secret,
			MaxRetries: cfg.Webhook.MaxRetries,
			BaseDelay:  cfg.Webhook.BaseDelay,
			Timeout:    cfg.Webhook.Timeout,
		}, &http.Client{Timeout: cfg.Webhook.Timeout}, logger)

		connector := &mailsync.JMAPConnector{
			Client:       a.jmapClient,
			// Event streams are long-lived and must not time out.
			HTTP:         &http.Client{},
			PingInterval: cfg.JMAP.PingInterval,
			BaseDelay:    cfg.Manager.BackoffBase,
			MaxDelay:     cfg.Manager.BackoffCap,
			MaxAttempts:  cfg.Manager.MaxAttempts,
			Logger:       logger,
		}
		manager = mailsync.NewManager(a.accounts, connector, dispatcher, a.refresher, mailsync.Options{
			Interval: cfg.Manager.RefreshInterval,
			MinTier:  cfg.Manager.MinTier,
			Parallel: cfg.Manager.ReconcileParallel,
			Logger:   logger,
		})
		manager.Start(ctx)
	}

	deps := server.Deps{
		Poller:   a.engine,
		Accounts: a.accounts,
		Secret:   auth.BearerSecret(cfg.Webhook.Secret),
		Labels:   a.imapSource,
		Sender:   a.sender,
		Outbox:   a.ledger,
		Pools:    map[string]server.Sizer{"imap": a.imapPool, "smtp": a.smtpPool},
		Logger:   logger,
	}
	if manager != nil {
		deps.Manager = manager
	}
	if cfg.Auth.JWKSURL != "" {
		verifier, err := auth.NewJWTVerifier(ctx, cfg.Auth.JWKSURL)
		if err != nil {
			logger.Error().Err(err).Msg("jwks unavailable, admin API disabled")
		} else {
			defer verifier.Close()
			deps.Verifier = verifier
		}
	}

	httpErr := server.New(deps).ListenAndServe(ctx, cfg.HTTP.Addr, cfg.HTTP.ShutdownTimeout)
	if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
		logger.Error().Err(httpErr).Msg("http server failed")
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("poll scheduler did not stop in time")
	}
	if manager != nil {
		manager.Stop()
	}
	stopRelay()
	<-relayDone

	if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
		return httpErr
	}
	return nil
}

func newPollCmd(cfgPath *string) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "poll <account-id>",
		Short: "Poll one account and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()

			res := a.engine.Poll(ctx, args[0], poll.Options{Force: force})
			if a.publisher != nil {
				flushCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				n, err := rules.NewRelay(a.ledger, a.publisher, a.logger).Flush(flushCtx)
				cancel()
				if err != nil {
					a.logger.Warn().Err(err).Msg("flushing outbox failed")
				} else {
					a.logger.Info().Int("published", n).Msg("outbox flushed")
				}
			}

			if err := printJSON(cmd, res); err != nil {
				return err
			}
			if res.Status == poll.StatusError {
				return res.Err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "ignore the minimum poll interval")
	return cmd
}

func newVerifyCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <account-id>",
		Short: "Check that an account's servers accept its credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			a, err := newApp(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()

			acct, err := a.accounts.GetAccount(ctx, args[0])
			if err != nil {
				return err
			}

			switch acct.Kind {
			case store.KindIMAP:
				caps, err := a.verifier.Verify(ctx, acct)
				if err != nil {
					return err
				}
				return printJSON(cmd, caps)
			case store.KindJMAP:
				if a.jmapClient == nil {
					return errors.New("jmap.session_url is not configured")
				}
				sess, err := a.jmapClient.Session(ctx, acct.AccessToken)
				if err != nil {
					return err
				}
				id, err := sess.MailAccountID()
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]string{"mailAccountId": id, "eventSourceUrl": sess.EventSourceURL})
			default:
				ts, err := a.refresher.TokenSource(ctx, acct)
				if err != nil {
					return err
				}
				tok, err := ts.Token()
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{"kind": acct.Kind, "tokenExpiry": tok.Expiry})
			}
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}
	return nil
}
