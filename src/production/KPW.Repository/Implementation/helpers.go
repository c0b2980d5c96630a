package implementation

import (
	"database/sql"
	"errors"

	"github.com/lib/pq"
	interfaces "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Repository/Interfaces"
)

// Postgres SQLSTATE for unique_violation
const uniqueViolation = "23505"

// translateError maps driver errors onto the repository sentinels
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return interfaces.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return interfaces.ErrAlreadyExists
	}
	return err
}

func nullableString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullableInt(i *int) interface{} {
	if i == nil {
		return nil
	}
	return int64(*i)
}

func emptyToNil(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
