package pgguard

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Category is the outcome of classifying a driver error.
type Category int

const (
	// CategoryTransient covers application level failures. Never pool-fatal.
	CategoryTransient Category = iota
	// CategoryAdminTermination means the server closed the session itself.
	CategoryAdminTermination
	// CategoryPoolExhaustion means connections could not be obtained or were lost.
	CategoryPoolExhaustion
)

func (c Category) String() string {
	switch c {
	case CategoryAdminTermination:
		return "admin_termination"
	case CategoryPoolExhaustion:
		return "pool_exhaustion"
	default:
		return "transient"
	}
}

// Fatal reports whether the category invalidates the whole pool.
func (c Category) Fatal() bool {
	return c == CategoryAdminTermination || c == CategoryPoolExhaustion
}

// sqlStateCategories maps SQLSTATE codes to categories.
// See: https://www.postgresql.org/docs/current/errcodes-appendix.html
var sqlStateCategories = map[string]Category{
	"57P01": CategoryAdminTermination, // admin_shutdown
	"57P02": CategoryAdminTermination, // crash_shutdown
	"57P03": CategoryPoolExhaustion,   // cannot_connect_now
	"53300": CategoryPoolExhaustion,   // too_many_connections
}

type messageRule struct {
	pattern  string
	category Category
}

// messageRules is matched case-insensitively against the error text, in order.
var messageRules = []messageRule{
	{"terminating connection due to administrator command", CategoryAdminTermination},
	{"connection terminated unexpectedly", CategoryPoolExhaustion},
	{"timeout exceeded when trying to connect", CategoryPoolExhaustion},
	{"connection timeout", CategoryPoolExhaustion},
	{"connection refused", CategoryPoolExhaustion},
	{"connection reset by peer", CategoryPoolExhaustion},
	{"broken pipe", CategoryPoolExhaustion},
	{"unexpected eof", CategoryPoolExhaustion},
	{"conn closed", CategoryPoolExhaustion},
	{"too many clients", CategoryPoolExhaustion},
	{"remaining connection slots are reserved", CategoryPoolExhaustion},
}

// sqlStateError is satisfied by pgdriver.Error.
type sqlStateError interface {
	Field(k byte) string
}

// ClassifyCode maps a SQLSTATE to a category. Class 08 (connection
// exception) is treated as exhaustion.
func ClassifyCode(code string) (Category, bool) {
	if c, ok := sqlStateCategories[code]; ok {
		return c, true
	}
	if strings.HasPrefix(code, "08") {
		return CategoryPoolExhaustion, true
	}
	return CategoryTransient, false
}

// Classify maps a driver error to a failure category. It has no side effects.
func Classify(err error) Category {
	if err == nil {
		return CategoryTransient
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if c, ok := ClassifyCode(pgErr.Code); ok {
			return c
		}
		return classifyMessage(pgErr.Message)
	}

	var fieldErr sqlStateError
	if errors.As(err, &fieldErr) {
		if c, ok := ClassifyCode(fieldErr.Field('C')); ok {
			return c
		}
		return classifyMessage(fieldErr.Field('M'))
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return CategoryPoolExhaustion
	}

	var gErr *Error
	if errors.As(err, &gErr) && gErr.Code == CodeConnectionFailed {
		return CategoryPoolExhaustion
	}

	// Caller deadlines and cancellations are the caller's business.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CategoryTransient
	}

	return classifyMessage(err.Error())
}

func classifyMessage(msg string) Category {
	msg = strings.ToLower(msg)
	for _, r := range messageRules {
		if strings.Contains(msg, r.pattern) {
			return r.category
		}
	}
	return CategoryTransient
}
