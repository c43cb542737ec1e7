// Package source provides read-only access to the authoritative external
// worker database. The legacy system owns this data; nothing here writes.
package source

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/buildsafe/sitesync/internal/errs"
	"github.com/buildsafe/sitesync/internal/model"
)

const (
	// livenessWindow bounds how long a successful ping vouches for the
	// cached connection before the next checkout re-verifies it.
	livenessWindow = 30 * time.Second

	connectTimeout = 5 * time.Second
	queryTimeout   = 15 * time.Second

	maxConns = 2

	// Incremental reads retry with doubling delay before surfacing failure.
	retryAttempts  = 3
	retryBaseDelay = 500 * time.Millisecond
)

const employeeSelect = `
SELECT e.emp_cd, e.emp_nm, p.prt_nm, e.phone_no, e.regno_pre, e.stat_cd,
       e.hire_dt, e.retr_dt, e.trade_cd, e.posi_cd, e.role_cd, e.viol_cnt, e.upd_dttm
FROM employee e
LEFT JOIN partner p ON p.prt_cd = e.prt_cd`

// Client is a pooled read-only client for the legacy employee database.
// One bounded sql.DB pool per client, health-checked on checkout and reopened
// transparently when the ping fails.
type Client struct {
	dsn string
	log *zap.Logger

	mu       sync.Mutex
	db       *sqlx.DB
	lastPing time.Time

	healthy atomic.Bool
}

// NewClient constructs a client for the given legacy DSN. No connection is
// opened until the first call.
func NewClient(dsn string, log *zap.Logger) *Client {
	return &Client{dsn: dsn, log: log}
}

// Healthy reports whether the last source interaction succeeded.
func (c *Client) Healthy() bool { return c.healthy.Load() }

// Close releases the cached pool.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db != nil {
		_ = c.db.Close()
		c.db = nil
	}
}

// acquire returns a verified pool, reopening on a failed ping. A ping within
// the liveness window is trusted without re-verification.
func (c *Client) acquire(ctx context.Context) (*sqlx.DB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db != nil {
		if time.Since(c.lastPing) < livenessWindow {
			return c.db, nil
		}
		pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		err := c.db.PingContext(pingCtx)
		cancel()
		if err == nil {
			c.lastPing = time.Now()
			return c.db, nil
		}
		c.log.Warn("source ping failed, reopening", zap.Error(err))
		_ = c.db.Close()
		c.db = nil
	}

	db, err := sqlx.Open("postgres", c.dsn)
	if err != nil {
		c.healthy.Store(false)
		return nil, fmt.Errorf("%w: %v", errs.ErrConnectionFailure, err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(1)
	db.SetConnMaxIdleTime(livenessWindow)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	err = db.PingContext(pingCtx)
	cancel()
	if err != nil {
		_ = db.Close()
		c.healthy.Store(false)
		return nil, fmt.Errorf("%w: %v", errs.ErrConnectionFailure, err)
	}

	c.db = db
	c.lastPing = time.Now()
	c.healthy.Store(true)
	return db, nil
}

// GetEmployee returns one employee or errs.ErrNotFound.
func (c *Client) GetEmployee(ctx context.Context, workerID string) (*model.ExternalEmployee, error) {
	db, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var row employeeRow
	err = db.GetContext(ctx, &row, db.Rebind(employeeSelect+` WHERE e.emp_cd = ?`), workerID)
	if err != nil {
		if isNoRows(err) {
			return nil, errs.ErrNotFound
		}
		return nil, c.fail("get employee", err)
	}
	e := mapEmployee(row)
	return &e, nil
}

// GetEmployeesBatch fetches N employees in a single round-trip.
func (c *Client) GetEmployeesBatch(ctx context.Context, workerIDs []string) (map[string]model.ExternalEmployee, error) {
	if len(workerIDs) == 0 {
		return map[string]model.ExternalEmployee{}, nil
	}
	db, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query, args, err := sqlx.In(employeeSelect+` WHERE e.emp_cd IN (?)`, workerIDs)
	if err != nil {
		return nil, err
	}
	var rows []employeeRow
	if err := db.SelectContext(ctx, &rows, db.Rebind(query), args...); err != nil {
		return nil, c.fail("get employees batch", err)
	}
	out := make(map[string]model.ExternalEmployee, len(rows))
	for _, r := range rows {
		out[r.EmpCd] = mapEmployee(r)
	}
	return out, nil
}

// GetUpdatedEmployees returns employees updated since the given time, oldest
// first. A nil since means full scan. Reads retry with bounded exponential
// backoff before surfacing failure.
func (c *Client) GetUpdatedEmployees(ctx context.Context, since *time.Time) ([]model.ExternalEmployee, error) {
	var out []model.ExternalEmployee
	backoff := retry.WithMaxRetries(retryAttempts-1, retry.NewExponential(retryBaseDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		rows, err := c.getUpdatedOnce(ctx, since)
		if err != nil {
			return retry.RetryableError(err)
		}
		out = rows
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) getUpdatedOnce(ctx context.Context, since *time.Time) ([]model.ExternalEmployee, error) {
	db, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := employeeSelect
	var args []any
	if since != nil {
		query += ` WHERE e.upd_dttm > ?`
		args = append(args, *since)
	}
	query += ` ORDER BY e.upd_dttm ASC`

	var rows []employeeRow
	if err := db.SelectContext(ctx, &rows, db.Rebind(query), args...); err != nil {
		return nil, c.fail("get updated employees", err)
	}
	out := make([]model.ExternalEmployee, len(rows))
	for i, r := range rows {
		out[i] = mapEmployee(r)
	}
	return out, nil
}

// GetAllEmployeesPaginated returns one page plus the total source count, for
// bulk sync bounded by execution-time limits.
func (c *Client) GetAllEmployeesPaginated(ctx context.Context, offset, limit int) ([]model.ExternalEmployee, int, error) {
	db, err := c.acquire(ctx)
	if err != nil {
		return nil, 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var total int
	if err := db.GetContext(ctx, &total, `SELECT count(*) FROM employee`); err != nil {
		return nil, 0, c.fail("count employees", err)
	}

	var rows []employeeRow
	q := db.Rebind(employeeSelect + ` ORDER BY e.emp_cd ASC LIMIT ? OFFSET ?`)
	if err := db.SelectContext(ctx, &rows, q, limit, offset); err != nil {
		return nil, 0, c.fail("page employees", err)
	}
	out := make([]model.ExternalEmployee, len(rows))
	for i, r := range rows {
		out[i] = mapEmployee(r)
	}
	return out, total, nil
}

// GetDailyAttendance returns all access rows for one day (YYYY-MM-DD).
func (c *Client) GetDailyAttendance(ctx context.Context, day string) ([]model.SourceAttendance, error) {
	db, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	const q = `SELECT emp_cd, day, in_tm, out_tm, stat_cd FROM access_daily WHERE day = ?`
	var rows []attendanceRow
	if err := db.SelectContext(ctx, &rows, db.Rebind(q), day); err != nil {
		return nil, c.fail("get daily attendance", err)
	}
	out := make([]model.SourceAttendance, len(rows))
	for i, r := range rows {
		out[i] = mapAttendance(r)
	}
	return out, nil
}

// SearchByPhone returns the employee with the given phone number, or errs.ErrNotFound.
func (c *Client) SearchByPhone(ctx context.Context, phone string) (*model.ExternalEmployee, error) {
	db, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var row employeeRow
	err = db.GetContext(ctx, &row, db.Rebind(employeeSelect+` WHERE e.phone_no = ?`), phone)
	if err != nil {
		if isNoRows(err) {
			return nil, errs.ErrNotFound
		}
		return nil, c.fail("search by phone", err)
	}
	e := mapEmployee(row)
	return &e, nil
}

// SearchByName returns employees whose name contains the partial string.
func (c *Client) SearchByName(ctx context.Context, partial string) ([]model.ExternalEmployee, error) {
	db, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var rows []employeeRow
	q := db.Rebind(employeeSelect + ` WHERE e.emp_nm LIKE ? ORDER BY e.emp_nm ASC`)
	if err := db.SelectContext(ctx, &rows, q, "%"+partial+"%"); err != nil {
		return nil, c.fail("search by name", err)
	}
	out := make([]model.ExternalEmployee, len(rows))
	for i, r := range rows {
		out[i] = mapEmployee(r)
	}
	return out, nil
}

func (c *Client) fail(op string, err error) error {
	c.healthy.Store(false)
	c.log.Warn("source query failed", zap.String("op", op), zap.Error(err))
	return fmt.Errorf("%s: %w", op, err)
}
