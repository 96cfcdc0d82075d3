package main

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tokenmail/tokenmail/internal/email"
	"github.com/tokenmail/tokenmail/internal/krypto"
	"github.com/tokenmail/tokenmail/internal/ratelimit"
)

// httpConfig is the configuration for the HTTP server.
type httpConfig struct {
	addr            string
	readTimeout     time.Duration
	writeTimeout    time.Duration
	idleTimeout     time.Duration
	shutdownTimeout time.Duration
}

// dbConfig is the configuration for the database.
type dbConfig struct {
	file string
	// encryptionKeys are used to encrypt data at rest. The last key is
	// used to encrypt, all keys can decrypt, which allows key rotation.
	encryptionKeys []krypto.Key
	// blindIndexKey derives the blind indexes used to look up
	// encrypted email addresses.
	blindIndexKey krypto.Key
	// tokenDigestKey digests tokens before they are stored. Falls back
	// to the blind index key when not set.
	tokenDigestKey krypto.Key
	hasDigestKey   bool
}

// emailConfig is the configuration for outgoing email.
type emailConfig struct {
	from     email.Address
	siteName string
	baseURL  *url.URL
	// senders is the provider chain in order, the first is the primary.
	senders     []string
	sendTimeout time.Duration

	postmarkAPIURL        *url.URL
	postmarkServerToken   krypto.Secret
	postmarkMessageStream string

	mailgunAPIHost  string
	mailgunDomain   string
	mailgunUsername string
	mailgunPassword krypto.Secret

	smtpAddr     string
	smtpUsername string
	smtpPassword krypto.Secret
	dkimDomain   string
	dkimSelector string
	dkimKeyPEM   krypto.Secret
}

// limiterConfig is the configuration for the rate limiter.
type limiterConfig struct {
	// driver selects the backend: sqlite, redis or memory.
	driver string

	redisAddr     string
	redisPassword krypto.Secret
	redisDB       int

	emailSend     ratelimit.Limit
	passwordReset ratelimit.Limit
	magicLink     ratelimit.Limit
}

// purgeConfig is the configuration for the expired token purge job.
type purgeConfig struct {
	// retention is how long expired tokens are kept for audit purposes.
	retention time.Duration
	interval  time.Duration
}

// config is the configuration for the server command.
type config struct {
	http    httpConfig
	db      dbConfig
	email   emailConfig
	limiter limiterConfig
	purge   purgeConfig
}

// defaultConfig returns a config with sane default values.
func defaultConfig() config {
	postmarkURL, err := url.Parse("https://api.postmarkapp.com/email")
	if err != nil {
		panic(err)
	}

	return config{
		http: httpConfig{
			addr:            ":8888",
			readTimeout:     time.Second * 5,
			writeTimeout:    time.Second * 10,
			idleTimeout:     time.Second * 120,
			shutdownTimeout: time.Second * 15,
		},
		db: dbConfig{
			file: "tokenmail.db",
		},
		email: emailConfig{
			siteName:              "tokenmail",
			senders:               []string{"log"},
			sendTimeout:           email.DefaultSendTimeout,
			postmarkAPIURL:        postmarkURL,
			postmarkMessageStream: "outbound",
			mailgunAPIHost:        "api.mailgun.net",
			mailgunUsername:       "api",
		},
		limiter: limiterConfig{
			driver:        "sqlite",
			emailSend:     ratelimit.Limit{MaxRequests: 5, Window: time.Hour},
			passwordReset: ratelimit.Limit{MaxRequests: 3, Window: time.Hour},
			magicLink:     ratelimit.Limit{MaxRequests: 10, Window: time.Hour},
		},
		purge: purgeConfig{
			retention: 30 * 24 * time.Hour,
			interval:  time.Hour,
		},
	}
}

// envMap maps environment variable names to fields in the config struct.
var envMap = map[string]func(v string, c *config) error{
	"HTTP_ADDR": func(v string, c *config) error {
		c.http.addr = v
		return nil
	},
	"HTTP_READ_TIMEOUT": func(v string, c *config) error {
		return confDuration(v, &c.http.readTimeout, 0, math.MaxInt64)
	},
	"HTTP_WRITE_TIMEOUT": func(v string, c *config) error {
		return confDuration(v, &c.http.writeTimeout, 0, math.MaxInt64)
	},
	"HTTP_IDLE_TIMEOUT": func(v string, c *config) error {
		return confDuration(v, &c.http.idleTimeout, 0, math.MaxInt64)
	},
	"HTTP_SHUTDOWN_TIMEOUT": func(v string, c *config) error {
		return confDuration(v, &c.http.shutdownTimeout, 0, math.MaxInt64)
	},
	"DB_FILE": func(v string, c *config) error {
		c.db.file = v
		return nil
	},
	"DB_ENCRYPTION_KEYS": func(v string, c *config) error {
		for _, raw := range strings.Split(v, ",") {
			key, err := krypto.ParseKey(strings.TrimSpace(raw))
			if err != nil {
				return err
			}
			c.db.encryptionKeys = append(c.db.encryptionKeys, key)
		}
		return nil
	},
	"DB_BLIND_INDEX_KEY": func(v string, c *config) error {
		return confKey(v, &c.db.blindIndexKey)
	},
	"TOKEN_DIGEST_KEY": func(v string, c *config) error {
		c.db.hasDigestKey = true
		return confKey(v, &c.db.tokenDigestKey)
	},
	"EMAIL_FROM": func(v string, c *config) error {
		addr, err := email.ParseAddress(v)
		if err != nil {
			return err
		}
		c.email.from = addr
		return nil
	},
	"SITE_NAME": func(v string, c *config) error {
		c.email.siteName = v
		return nil
	},
	"BASE_URL": func(v string, c *config) error {
		return confURL(v, &c.email.baseURL)
	},
	"EMAIL_SENDERS": func(v string, c *config) error {
		c.email.senders = c.email.senders[:0]
		for _, name := range strings.Split(v, ",") {
			name = strings.TrimSpace(name)
			switch name {
			case "postmark", "mailgun", "smtp", "log":
				c.email.senders = append(c.email.senders, name)
			default:
				return fmt.Errorf("unknown email sender: %q", name)
			}
		}
		return nil
	},
	"EMAIL_SEND_TIMEOUT": func(v string, c *config) error {
		return confDuration(v, &c.email.sendTimeout, time.Second, math.MaxInt64)
	},
	"POSTMARK_API_URL": func(v string, c *config) error {
		return confURL(v, &c.email.postmarkAPIURL)
	},
	"POSTMARK_SERVER_TOKEN": func(v string, c *config) error {
		c.email.postmarkServerToken = krypto.NewSecret(v)
		return nil
	},
	"POSTMARK_MESSAGE_STREAM": func(v string, c *config) error {
		c.email.postmarkMessageStream = v
		return nil
	},
	"MAILGUN_API_HOST": func(v string, c *config) error {
		c.email.mailgunAPIHost = v
		return nil
	},
	"MAILGUN_DOMAIN": func(v string, c *config) error {
		c.email.mailgunDomain = v
		return nil
	},
	"MAILGUN_USERNAME": func(v string, c *config) error {
		c.email.mailgunUsername = v
		return nil
	},
	"MAILGUN_PASSWORD": func(v string, c *config) error {
		c.email.mailgunPassword = krypto.NewSecret(v)
		return nil
	},
	"SMTP_ADDR": func(v string, c *config) error {
		c.email.smtpAddr = v
		return nil
	},
	"SMTP_USERNAME": func(v string, c *config) error {
		c.email.smtpUsername = v
		return nil
	},
	"SMTP_PASSWORD": func(v string, c *config) error {
		c.email.smtpPassword = krypto.NewSecret(v)
		return nil
	},
	"DKIM_DOMAIN": func(v string, c *config) error {
		c.email.dkimDomain = v
		return nil
	},
	"DKIM_SELECTOR": func(v string, c *config) error {
		c.email.dkimSelector = v
		return nil
	},
	"DKIM_KEY_PEM": func(v string, c *config) error {
		c.email.dkimKeyPEM = krypto.NewSecret(v)
		return nil
	},
	"RATE_LIMIT_DRIVER": func(v string, c *config) error {
		switch v {
		case "sqlite", "redis", "memory":
			c.limiter.driver = v
			return nil
		default:
			return fmt.Errorf("unknown rate limit driver: %q", v)
		}
	},
	"REDIS_ADDR": func(v string, c *config) error {
		c.limiter.redisAddr = v
		return nil
	},
	"REDIS_PASSWORD": func(v string, c *config) error {
		c.limiter.redisPassword = krypto.NewSecret(v)
		return nil
	},
	"REDIS_DB": func(v string, c *config) error {
		return confInt(v, &c.limiter.redisDB, 0, 15)
	},
	"RATE_LIMIT_EMAIL_SEND": func(v string, c *config) error {
		return confInt(v, &c.limiter.emailSend.MaxRequests, 1, math.MaxInt)
	},
	"RATE_LIMIT_EMAIL_SEND_WINDOW": func(v string, c *config) error {
		return confDuration(v, &c.limiter.emailSend.Window, time.Second, math.MaxInt64)
	},
	"RATE_LIMIT_PASSWORD_RESET": func(v string, c *config) error {
		return confInt(v, &c.limiter.passwordReset.MaxRequests, 1, math.MaxInt)
	},
	"RATE_LIMIT_PASSWORD_RESET_WINDOW": func(v string, c *config) error {
		return confDuration(v, &c.limiter.passwordReset.Window, time.Second, math.MaxInt64)
	},
	"RATE_LIMIT_MAGIC_LINK": func(v string, c *config) error {
		return confInt(v, &c.limiter.magicLink.MaxRequests, 1, math.MaxInt)
	},
	"RATE_LIMIT_MAGIC_LINK_WINDOW": func(v string, c *config) error {
		return confDuration(v, &c.limiter.magicLink.Window, time.Second, math.MaxInt64)
	},
	"TOKEN_RETENTION": func(v string, c *config) error {
		return confDuration(v, &c.purge.retention, 0, math.MaxInt64)
	},
	"PURGE_INTERVAL": func(v string, c *config) error {
		return confDuration(v, &c.purge.interval, time.Minute, math.MaxInt64)
	},
}

// configFromEnv returns a config with values from the environment. It falls
// back to default values for any missing environment variables.
//
// It does a best effort to validate provided values, so that mistakes are
// caught ASAP. However, there is no guarantee that the returned config
// is valid and will work.
func configFromEnv() (config, error) {
	c := defaultConfig()

	for key, mf := range envMap {
		if val, ok := os.LookupEnv(key); ok {
			if err := mf(val, &c); err != nil {
				return c, fmt.Errorf("invalid env variable %s: %w", key, err)
			}
		}
	}

	if err := c.validate(); err != nil {
		return c, err
	}

	return c, nil
}

func (c *config) validate() error {
	if len(c.db.encryptionKeys) == 0 {
		return errors.New("DB_ENCRYPTION_KEYS is required")
	}

	if len(c.db.blindIndexKey.SecretValue()) == 0 {
		return errors.New("DB_BLIND_INDEX_KEY is required")
	}

	if !c.db.hasDigestKey {
		c.db.tokenDigestKey = c.db.blindIndexKey
	}

	if c.email.from == "" {
		return errors.New("EMAIL_FROM is required")
	}

	if c.email.baseURL == nil {
		return errors.New("BASE_URL is required")
	}

	for _, name := range c.email.senders {
		switch name {
		case "postmark":
			if !c.email.postmarkServerToken.IsSet() {
				return errors.New("POSTMARK_SERVER_TOKEN is required to use the postmark sender")
			}
		case "mailgun":
			if c.email.mailgunDomain == "" || !c.email.mailgunPassword.IsSet() {
				return errors.New("MAILGUN_DOMAIN and MAILGUN_PASSWORD are required to use the mailgun sender")
			}
		case "smtp":
			if c.email.smtpAddr == "" {
				return errors.New("SMTP_ADDR is required to use the smtp sender")
			}
		}
	}

	if c.limiter.driver == "redis" && c.limiter.redisAddr == "" {
		return errors.New("REDIS_ADDR is required to use the redis rate limit driver")
	}

	return nil
}

// confDuration attempts to parse v into tgt and checks if the result is in
// the provided range (inclusive).
func confDuration(v string, tgt *time.Duration, min, max time.Duration) error {
	dur, err := time.ParseDuration(v)
	if err != nil {
		return err
	}

	if dur < min || dur > max {
		return fmt.Errorf("duration %s not in range [%s, %s] (inclusive)", dur, min, max)
	}

	*tgt = dur

	return nil
}

// confInt attempts to parse v into tgt and checks if the result is in
// the provided range (inclusive).
func confInt(v string, tgt *int, min, max int) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}

	if n < min || n > max {
		return fmt.Errorf("number %d not in range [%d, %d] (inclusive)", n, min, max)
	}

	*tgt = n

	return nil
}

func confKey(v string, tgt *krypto.Key) error {
	key, err := krypto.ParseKey(v)
	if err != nil {
		return err
	}

	*tgt = key

	return nil
}

func confURL(v string, tgt **url.URL) error {
	u, err := url.Parse(v)
	if err != nil {
		return err
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL %s must use the http or https scheme", v)
	}

	*tgt = u

	return nil
}
