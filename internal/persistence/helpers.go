package persistence

import (
	"database/sql"
	"errors"
	"time"
)

func toUnixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixMilli()
}

func fromUnixMillis(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}

	return time.UnixMilli(v)
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
