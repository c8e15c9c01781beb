package commit

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"loadlog-pipeline/internal/apperr"
)

// classify attaches a kind to a store error. Serialization failures, deadlocks, connection
// loss and timeouts are infrastructure (retryable); constraint and data errors are validation
// (fatal). Errors that already carry a kind pass through.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return apperr.Wrap(apperr.KindInternal, op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return apperr.Wrap(apperr.KindPromotionInfra, op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", pgErr.Code == "40P01":
			return apperr.Wrap(apperr.KindPromotionInfra, op, err)
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "53"), strings.HasPrefix(pgErr.Code, "57P"):
			return apperr.Wrap(apperr.KindPromotionInfra, op, err)
		case strings.HasPrefix(pgErr.Code, "23"), strings.HasPrefix(pgErr.Code, "22"):
			return apperr.Wrap(apperr.KindValidation, op, err)
		default:
			return apperr.Wrap(apperr.KindInternal, op, err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || pgconn.SafeToRetry(err) {
		return apperr.Wrap(apperr.KindPromotionInfra, op, err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return apperr.Wrap(apperr.KindPromotionInfra, op, err)
	}
	return apperr.Wrap(apperr.KindInternal, op, err)
}
