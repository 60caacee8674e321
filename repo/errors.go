package repo

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vitalbase/vitalbase/fhir"
)

// classify converts infrastructural errors into the abstract error taxonomy
// at the repository boundary. Driver-specific types never escape.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var domain *fhir.Error
	if errors.As(err, &domain) {
		return domain
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fhir.Transient(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fhir.Transient(err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"): // connection exceptions
			return fhir.Transient(err)
		case pgErr.Code == "40001" || pgErr.Code == "40P01": // serialization, deadlock
			return fhir.Transient(err)
		case pgErr.Code == "57014": // query canceled
			return fhir.Transient(err)
		case pgErr.Code == "23505": // unique violation
			return fhir.Duplicate("resource already exists")
		default:
			return fhir.Internal(err)
		}
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fhir.Internal(err)
	}
	return fhir.Internal(err)
}
