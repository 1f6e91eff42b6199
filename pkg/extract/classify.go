package extract

import (
	"context"
	"database/sql/driver"
	stderrors "errors"
	"io"
	"net"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/plk-sync/hissync/pkg/errors"
)

// MySQL client and server error numbers that mean the connection went away.
var transientMySQLCodes = map[uint16]struct{}{
	2006: {}, // server has gone away
	2013: {}, // lost connection during query
	2014: {}, // commands out of sync
	2055: {}, // lost connection at system error
}

// lostConnection is the message MySQL uses for every flavor of a dropped link.
const lostConnection = "lost connection to mysql server"

// Classify decides whether a failed fetch may be tried again. Only loss of
// an established connection is retryable. Dial failures, DNS errors, context
// errors, syntax errors, constraint violations and every unrecognized
// failure are fatal.
func Classify(err error) errors.Class {
	if err == nil {
		return errors.Fatal
	}

	var myErr *mysql.MySQLError
	if stderrors.As(err, &myErr) {
		if _, ok := transientMySQLCodes[myErr.Number]; ok {
			return errors.Retryable
		}
		return errors.Fatal
	}

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		// SQLSTATE class 08 is connection exception.
		if strings.HasPrefix(pgErr.Code, "08") {
			return errors.Retryable
		}
		return errors.Fatal
	}

	// A link that was never established, or a caller deadline, does not
	// heal by reconnecting at once.
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Fatal
	}
	var opErr *net.OpError
	if stderrors.As(err, &opErr) && opErr.Op == "dial" {
		return errors.Fatal
	}
	var dnsErr *net.DNSError
	if stderrors.As(err, &dnsErr) {
		return errors.Fatal
	}

	switch {
	case stderrors.Is(err, mysql.ErrInvalidConn),
		stderrors.Is(err, driver.ErrBadConn),
		stderrors.Is(err, io.ErrUnexpectedEOF):
		return errors.Retryable
	}

	if pgconn.SafeToRetry(err) {
		return errors.Retryable
	}

	if strings.Contains(strings.ToLower(err.Error()), lostConnection) {
		return errors.Retryable
	}
	return errors.Fatal
}

// classified wraps err with the class Classify assigns it.
func classified(err error, errType errors.ErrorType, message string) error {
	if Classify(err) == errors.Retryable {
		return errors.Transient(err, errType, message)
	}
	return errors.Permanent(err, errType, message)
}
