package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"smsrelay/internal/models"
)

// RequestTx exposes the phone_message operations that must share one
// transaction: selecting a candidate and resolving it.
type RequestTx interface {
	FindUnresolved(ctx context.Context, c models.MatchCriteria) (*models.PendingRequest, error)
	FindResolvedByCode(ctx context.Context, c models.MatchCriteria, code string, at time.Time) (*models.PendingRequest, error)
	Resolve(ctx context.Context, id int64, at time.Time, code string) (bool, error)
}

type requestTx struct {
	tx *sql.Tx
	d  *Database
}

// InTx runs fn in a single retried transaction
func (d *Database) InTx(ctx context.Context, operation string, fn func(ctx context.Context, rtx RequestTx) error) error {
	return d.run(ctx, operation, func(ctx context.Context, tx *sql.Tx) error {
		return fn(ctx, &requestTx{tx: tx, d: d})
	})
}

// FindUnresolved returns the oldest pending request matching c, or nil
func (r *requestTx) FindUnresolved(ctx context.Context, c models.MatchCriteria) (*models.PendingRequest, error) {
	query, args := withMarketplaces(selectUnresolvedQuery, []any{c.Phone, c.From.UTC(), c.To.UTC()}, c.Marketplaces)

	req := &models.PendingRequest{}
	err := r.tx.QueryRowContext(ctx, r.d.rebind(query), args...).Scan(
		&req.ID, &req.User, &req.Phone, &req.Marketplace, &req.TimeRequest,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	req.TimeRequest = req.TimeRequest.UTC()
	return req, nil
}

// FindResolvedByCode returns the oldest request matching c that was already
// resolved with code at response time at, or nil. A hit means the event was
// delivered before.
func (r *requestTx) FindResolvedByCode(ctx context.Context, c models.MatchCriteria, code string, at time.Time) (*models.PendingRequest, error) {
	at = at.UTC()
	query, args := withMarketplaces(selectResolvedByCodeQuery,
		[]any{c.Phone, code, c.From.UTC(), c.To.UTC(), at, at}, c.Marketplaces)

	var (
		req          models.PendingRequest
		timeResponse sql.NullTime
		message      sql.NullString
	)
	err := r.tx.QueryRowContext(ctx, r.d.rebind(query), args...).Scan(
		&req.ID, &req.User, &req.Phone, &req.Marketplace, &req.TimeRequest, &timeResponse, &message,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	req.TimeRequest = req.TimeRequest.UTC()
	if timeResponse.Valid {
		t := timeResponse.Time.UTC()
		req.TimeResponse = &t
	}
	if message.Valid {
		req.Message = &message.String
	}
	return &req, nil
}

func withMarketplaces(query string, args []any, marketplaces []string) (string, []any) {
	if len(marketplaces) > 0 {
		query += fmt.Sprintf("\n\t\t  AND marketplace IN (%s)", placeholders(len(marketplaces)))
		for _, m := range marketplaces {
			args = append(args, m)
		}
	}
	return query + selectUnresolvedOrder, args
}

// Resolve sets the response time and code on a still-pending request. It
// returns false when another writer resolved the row first.
func (r *requestTx) Resolve(ctx context.Context, id int64, at time.Time, code string) (bool, error) {
	res, err := r.tx.ExecContext(ctx, r.d.rebind(resolveRequestQuery), at.UTC(), code, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CreatePendingRequest inserts an unresolved request, as the login
// automation client does
func (d *Database) CreatePendingRequest(ctx context.Context, user, phone, marketplace string, requestedAt time.Time) (int64, error) {
	return d.insertRequest(ctx, "create_pending_request", models.PendingRequest{
		User:        user,
		Phone:       phone,
		Marketplace: marketplace,
		TimeRequest: requestedAt,
	})
}

// InsertResolved stores a request that is already answered. Both response
// fields must be set.
func (d *Database) InsertResolved(ctx context.Context, req models.PendingRequest) (int64, error) {
	if !req.Resolved() {
		return 0, fmt.Errorf("insert resolved: time_response and message are required")
	}
	return d.insertRequest(ctx, "insert_resolved", req)
}

func (d *Database) insertRequest(ctx context.Context, operation string, req models.PendingRequest) (int64, error) {
	var responseAt any
	if req.TimeResponse != nil {
		responseAt = req.TimeResponse.UTC()
	}
	var message any
	if req.Message != nil {
		message = *req.Message
	}

	var id int64
	err := d.run(ctx, operation, func(ctx context.Context, tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, d.rebind(insertRequestQuery),
			req.User, req.Phone, req.Marketplace, req.TimeRequest.UTC(), responseAt, message,
		).Scan(&id)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// GetPendingRequest loads a request by id, or nil if absent
func (d *Database) GetPendingRequest(ctx context.Context, id int64) (*models.PendingRequest, error) {
	var req *models.PendingRequest
	err := d.run(ctx, "get_pending_request", func(ctx context.Context, tx *sql.Tx) error {
		var (
			p            models.PendingRequest
			timeResponse sql.NullTime
			message      sql.NullString
		)
		err := tx.QueryRowContext(ctx, d.rebind(selectRequestByIDQuery), id).Scan(
			&p.ID, &p.User, &p.Phone, &p.Marketplace, &p.TimeRequest, &timeResponse, &message,
		)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		p.TimeRequest = p.TimeRequest.UTC()
		if timeResponse.Valid {
			t := timeResponse.Time.UTC()
			p.TimeResponse = &t
		}
		if message.Valid {
			p.Message = &message.String
		}
		req = &p
		return nil
	})
	return req, err
}
