package conn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/yanun0323/logs"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	pgHost          = "localhost"
	pgPort          = 5432
	pgSSLMode       = "disable"
	pgMaxOpen       = 8
	pgMaxIdle       = 2
	pgConnLifetime  = 30 * time.Minute
	pgSlowThreshold = 200 * time.Millisecond
)

// Option locates a postgres database. ConnString, when set, wins over the discrete fields.
type Option struct {
	Host       string
	Port       int
	User       string
	Password   string
	Database   string
	SSLMode    string
	Params     map[string]string
	ConnString string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// SlowThreshold marks statements logged as slow. Negative disables statement logging.
	SlowThreshold time.Duration

	// Config overrides the gorm config, mostly for dry runs in tests.
	Config *gorm.Config
}

// Client owns a gorm handle and its connection pool.
type Client struct {
	db *gorm.DB
}

// New opens the pool. gorm pings on open unless the config disables it.
func New(opt Option) (*Client, error) {
	dsn := opt.dsn()

	cfg := opt.Config
	if cfg == nil {
		cfg = &gorm.Config{}
	}
	if cfg.Logger == nil {
		cfg.Logger = newQueryLogger(opt.SlowThreshold)
	}

	db, err := gorm.Open(postgres.Open(dsn), cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	pool, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	pool.SetMaxOpenConns(orDefault(opt.MaxOpenConns, pgMaxOpen))
	pool.SetMaxIdleConns(orDefault(opt.MaxIdleConns, pgMaxIdle))
	pool.SetConnMaxLifetime(orDefault(opt.ConnMaxLifetime, pgConnLifetime))

	return &Client{db: db}, nil
}

// DB returns the gorm handle, nil on a nil client.
func (c *Client) DB() *gorm.DB {
	if c == nil {
		return nil
	}
	return c.db
}

// Ping checks the database is reachable.
func (c *Client) Ping(ctx context.Context) error {
	pool, err := c.db.DB()
	if err != nil {
		return err
	}
	return pool.PingContext(ctx)
}

func (c *Client) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	pool, err := c.db.DB()
	if err != nil {
		return err
	}
	return pool.Close()
}

func (opt Option) dsn() string {
	if opt.ConnString != "" {
		return opt.ConnString
	}

	q := url.Values{}
	for k, v := range opt.Params {
		if k != "" {
			q.Set(k, v)
		}
	}
	q.Set("sslmode", orDefault(opt.SSLMode, pgSSLMode))

	u := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(orDefault(opt.Host, pgHost), strconv.Itoa(orDefault(opt.Port, pgPort))),
		RawQuery: q.Encode(),
	}
	switch {
	case opt.User != "" && opt.Password != "":
		u.User = url.UserPassword(opt.User, opt.Password)
	case opt.User != "":
		u.User = url.User(opt.User)
	}
	if opt.Database != "" {
		u.Path = "/" + opt.Database
	}
	return u.String()
}

func orDefault[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

// queryLogger sends gorm statements to the process logger. Only failures and slow
// statements are reported.
type queryLogger struct {
	slow time.Duration
}

func newQueryLogger(slow time.Duration) logger.Interface {
	if slow == 0 {
		slow = pgSlowThreshold
	}
	return &queryLogger{slow: slow}
}

func (l *queryLogger) LogMode(logger.LogLevel) logger.Interface { return l }

func (l *queryLogger) Info(_ context.Context, msg string, args ...any) {
	logs.Infof("postgres: "+msg, args...)
}

func (l *queryLogger) Warn(_ context.Context, msg string, args ...any) {
	logs.Infof("postgres warn: "+msg, args...)
}

func (l *queryLogger) Error(_ context.Context, msg string, args ...any) {
	logs.Errorf("postgres: "+msg, args...)
}

func (l *queryLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.slow < 0 {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		sql, rows := fc()
		logs.Errorf("postgres statement failed after %s (%d rows): %s, err: %+v", elapsed, rows, sql, err)
	case elapsed >= l.slow:
		sql, rows := fc()
		logs.Infof("postgres slow statement %s (%d rows): %s", elapsed, rows, sql)
	}
}
