package main

import (
	"context"
	"database/sql"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/tokenmail/tokenmail/assets"
	"github.com/tokenmail/tokenmail/internal"
	"github.com/tokenmail/tokenmail/internal/auth"
	authdb "github.com/tokenmail/tokenmail/internal/auth/db"
	"github.com/tokenmail/tokenmail/internal/db"
	"github.com/tokenmail/tokenmail/internal/email"
	"github.com/tokenmail/tokenmail/internal/email/mailgun"
	"github.com/tokenmail/tokenmail/internal/email/postmark"
	"github.com/tokenmail/tokenmail/internal/email/smtp"
	"github.com/tokenmail/tokenmail/internal/email/view"
	"github.com/tokenmail/tokenmail/internal/krypto"
	"github.com/tokenmail/tokenmail/internal/migrate"
	"github.com/tokenmail/tokenmail/internal/ratelimit"
	"github.com/tokenmail/tokenmail/internal/web"
	"github.com/tokenmail/tokenmail/migrations"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Stderr))
}

func run(ctx context.Context, w io.Writer) int {
	logger := slog.New(slog.NewTextHandler(w, nil))

	cfg, err := configFromEnv()
	if err != nil {
		logger.Error("failed to get config from environment", "error", err)
		return 1
	}

	writeDB, err := db.OpenSQLite(cfg.db.file, true)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		return 1
	}
	defer writeDB.Close()

	migCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	applied, err := migrate.RunFS(migCtx, writeDB, migrations.FS, migrate.Metadata{
		AppVersion: internal.BuildRevision,
	})
	if err != nil {
		logger.Error("failed to run migrations", "error", err)
		return 1
	}

	if len(applied) > 0 {
		logger.Info("applied migrations", "count", len(applied))
	}

	encryptor, err := krypto.NewEncryptor(cfg.db.encryptionKeys)
	if err != nil {
		logger.Error("failed to create encryptor", "error", err)
		return 1
	}

	store := authdb.New(writeDB, encryptor, cfg.db.blindIndexKey)

	emailer, err := newEmailer(cfg, logger)
	if err != nil {
		logger.Error("failed to create email service", "error", err)
		return 1
	}

	limiter := newLimiter(cfg, writeDB)

	svc, err := auth.NewService(store, limiter, emailer, logger, auth.ServiceConfig{
		SiteName:  cfg.email.siteName,
		BaseURL:   cfg.email.baseURL,
		DigestKey: cfg.db.tokenDigestKey,
		Limits: auth.RateLimits{
			EmailSend:     cfg.limiter.emailSend,
			PasswordReset: cfg.limiter.passwordReset,
			MagicLink:     cfg.limiter.magicLink,
		},
	})
	if err != nil {
		logger.Error("failed to create auth service", "error", err)
		return 1
	}

	srv := &http.Server{
		Addr:         cfg.http.addr,
		ReadTimeout:  cfg.http.readTimeout,
		WriteTimeout: cfg.http.writeTimeout,
		IdleTimeout:  cfg.http.idleTimeout,
		Handler: web.NewServer(&web.ServerDeps{
			Logger:      logger,
			AuthService: svc,
		}),
	}

	// We need to run three tasks concurrently:
	// - Listen and serving of the HTTP server.
	// - Waiting for a signal to stop the server.
	// - Periodically purging tokens past their retention.

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting http server",
			"addr", cfg.http.addr,
			"buildRevision", internal.BuildRevision,
			"buildRevisionTime", internal.BuildRevisionTime,
			"buildLocalModified", internal.BuildLocalModified,
		)
		// ListenAndServe always returns a non-nil error,
		// g will cancel gCtx when an error is returned, so
		// this will also stop the other goroutines.
		return srv.ListenAndServe()
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("stopping http server")

		shutCtx, cancel := context.WithTimeout(context.Background(), cfg.http.shutdownTimeout)
		defer cancel()

		return srv.Shutdown(shutCtx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(cfg.purge.interval)
		defer ticker.Stop()

		for {
			select {
			case <-gCtx.Done():
				return nil
			case <-ticker.C:
				purgeCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
				removed, err := svc.PurgeTokens(purgeCtx, time.Now().Add(-cfg.purge.retention))
				cancel()

				if err != nil {
					logger.Error("failed to purge tokens", "error", err)
					continue
				}

				if removed > 0 {
					logger.Info("purged tokens past retention", "count", removed)
				}
			}
		}
	})

	err = g.Wait()
	if err != nil && err != http.ErrServerClosed {
		logger.Error("http server stopped with error", "error", err)
		return 1
	}

	logger.Info("http server stopped successfully")

	return 0
}

// newEmailer builds the sender chain from the configuration. The order
// of cfg.email.senders decides which provider is primary and which are
// fallbacks.
func newEmailer(cfg config, logger *slog.Logger) (*email.Service, error) {
	senders := make([]email.Sender, 0, len(cfg.email.senders))

	for _, name := range cfg.email.senders {
		switch name {
		case "postmark":
			senders = append(senders, postmark.NewSender(http.DefaultClient, postmark.Settings{
				APIURL:        cfg.email.postmarkAPIURL,
				ServerToken:   cfg.email.postmarkServerToken,
				MessageStream: cfg.email.postmarkMessageStream,
			}))
		case "mailgun":
			senders = append(senders, mailgun.NewSender(http.DefaultClient, mailgun.Settings{
				APIHost:  cfg.email.mailgunAPIHost,
				Domain:   cfg.email.mailgunDomain,
				Username: cfg.email.mailgunUsername,
				Password: cfg.email.mailgunPassword,
			}))
		case "smtp":
			sender, err := smtp.NewSender(smtp.Settings{
				Addr:         cfg.email.smtpAddr,
				Username:     cfg.email.smtpUsername,
				Password:     cfg.email.smtpPassword,
				DKIMDomain:   cfg.email.dkimDomain,
				DKIMSelector: cfg.email.dkimSelector,
				DKIMKeyPEM:   cfg.email.dkimKeyPEM,
			})
			if err != nil {
				return nil, err
			}
			senders = append(senders, sender)
		case "log":
			senders = append(senders, email.NewLogSender(logger))
		}
	}

	emailFS, err := fs.Sub(assets.EmailFS, "emails")
	if err != nil {
		return nil, err
	}

	return email.NewService(view.NewFSRenderer(emailFS), senders, cfg.email.from, logger, email.WithSendTimeout(cfg.email.sendTimeout))
}

func newLimiter(cfg config, writeDB *sql.DB) ratelimit.Limiter {
	switch cfg.limiter.driver {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.limiter.redisAddr,
			Password: string(cfg.limiter.redisPassword.SecretValue()),
			DB:       cfg.limiter.redisDB,
		})
		return ratelimit.NewRedis(client, "tokenmail:ratelimit:")
	case "memory":
		return ratelimit.NewMemory()
	default:
		return ratelimit.NewSQLite(writeDB, cfg.db.blindIndexKey)
	}
}
