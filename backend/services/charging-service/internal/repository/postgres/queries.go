package postgres

import (
	libdb "evpay/backend/libs/db"
)

// queries implements repository.Reader over either the pool or an open transaction.
type queries struct {
	q queryer
}

func isUnique(err error, constraint string) bool {
	return libdb.IsUniqueViolation(err, constraint)
}
