package extract

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/plk-sync/hissync/pkg/config"
	"github.com/plk-sync/hissync/pkg/errors"
)

// Opener returns a fresh, unshared database handle. The extractor closes it
// when the attempt ends.
type Opener func(ctx context.Context) (*sql.DB, error)

// NewOpener returns an Opener for the configured driver. Every call dials a
// new connection and pings it within the connect timeout.
func NewOpener(cfg config.DatabaseConfig) (Opener, error) {
	var open func() (*sql.DB, error)

	switch cfg.Driver {
	case config.DriverMySQL:
		connector, err := mysql.NewConnector(MySQLConfig(cfg))
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid mysql settings")
		}
		open = func() (*sql.DB, error) { return sql.OpenDB(connector), nil }
	case config.DriverPostgres:
		connConfig, err := pgx.ParseConfig(PostgresDSN(cfg))
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid postgres settings")
		}
		connConfig.ConnectTimeout = cfg.ConnectTimeout
		open = func() (*sql.DB, error) { return stdlib.OpenDB(*connConfig), nil }
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported driver %q", cfg.Driver)
	}

	return func(ctx context.Context) (*sql.DB, error) {
		db, err := open()
		if err != nil {
			return nil, err
		}
		// One attempt, one connection.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)

		pingCtx := ctx
		if cfg.ConnectTimeout > 0 {
			var cancel context.CancelFunc
			pingCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
			defer cancel()
		}
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return nil, err
		}
		return db, nil
	}, nil
}

// MySQLConfig maps the database section onto driver settings.
func MySQLConfig(cfg config.DatabaseConfig) *mysql.Config {
	mc := mysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	mc.DBName = cfg.Name
	mc.Timeout = cfg.ConnectTimeout
	mc.ReadTimeout = cfg.ReadTimeout
	mc.WriteTimeout = cfg.WriteTimeout
	// Loc stays UTC: zone-less DATETIME values are read back with their wall
	// clock unshifted and normalized without an offset.
	mc.ParseTime = true
	mc.AllowNativePasswords = true
	if cfg.Charset != "" {
		mc.Params = map[string]string{"charset": cfg.Charset}
	}
	return mc
}

// PostgresDSN builds a connection URL from the database section.
func PostgresDSN(cfg config.DatabaseConfig) string {
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:   "/" + cfg.Name,
	}
	if cfg.Password != "" {
		u.User = url.UserPassword(cfg.User, cfg.Password)
	} else if cfg.User != "" {
		u.User = url.User(cfg.User)
	}
	q := url.Values{}
	if cfg.ConnectTimeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(int(cfg.ConnectTimeout.Seconds())))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func describe(cfg config.DatabaseConfig) string {
	return fmt.Sprintf("%s://%s:%d/%s", cfg.Driver, cfg.Host, cfg.Port, cfg.Name)
}
