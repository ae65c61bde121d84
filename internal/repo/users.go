package repo

import (
	"context"
	"database/sql"
	"time"

	"bountyhub/internal/domain"
)

const userColumns = `id,email,name,role,portfolio_url,payer_profile_id,payee_profile_id,payouts_enabled,created_at,updated_at`

func scanUser(row rowScanner) (domain.User, error) {
	var u domain.User
	var name, portfolio, payer, payee sql.NullString
	var enabled int
	err := row.Scan(&u.ID, &u.Email, &name, &u.Role, &portfolio, &payer, &payee, &enabled, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.Name = name.String
	u.PortfolioURL = portfolio.String
	u.PayerProfileID = stringPtr(payer)
	u.PayeeProfileID = stringPtr(payee)
	u.PayoutsEnabled = enabled != 0
	return u, nil
}

func (r Repo) InsertUser(ctx context.Context, u domain.User) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(`+userColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		u.ID, u.Email, nullable(u.Name), u.Role, nullable(u.PortfolioURL), nullableStringPtr(u.PayerProfileID),
		nullableStringPtr(u.PayeeProfileID), boolInt(u.PayoutsEnabled), u.CreatedAt, u.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// SetPayerProfileIfAbsent stores profileID only when the user has none yet.
// It reports false when another writer got there first.
func (r Repo) SetPayerProfileIfAbsent(ctx context.Context, tx DBTX, userID, profileID, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE users SET payer_profile_id=?, updated_at=? WHERE id=? AND payer_profile_id IS NULL`, profileID, now, userID)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// SetPayeeProfileIfAbsent is the payee counterpart of SetPayerProfileIfAbsent.
func (r Repo) SetPayeeProfileIfAbsent(ctx context.Context, tx DBTX, userID, profileID, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE users SET payee_profile_id=?, payouts_enabled=0, updated_at=? WHERE id=? AND payee_profile_id IS NULL`, profileID, now, userID)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// ClearPayeeProfile unlinks the payee profile if it is still expected.
func (r Repo) ClearPayeeProfile(ctx context.Context, tx DBTX, userID, expected, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE users SET payee_profile_id=NULL, payouts_enabled=0, updated_at=? WHERE id=? AND payee_profile_id=?`, now, userID, expected)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// UsersByPayeeProfile returns every user linked to the processor account.
func (r Repo) UsersByPayeeProfile(ctx context.Context, tx DBTX, accountID string) ([]domain.User, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE payee_profile_id=? ORDER BY id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// SetPayoutsEnabled writes the flag while the user is still linked to accountID.
func (r Repo) SetPayoutsEnabled(ctx context.Context, tx DBTX, userID, accountID string, enabled bool, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE users SET payouts_enabled=?, updated_at=? WHERE id=? AND payee_profile_id=?`, boolInt(enabled), now, userID, accountID)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (r Repo) InsertClient(ctx context.Context, c domain.Client) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO clients(id,name,created_at) VALUES (?,?,?)`, c.ID, c.Name, c.CreatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (r Repo) GetClient(ctx context.Context, id string) (domain.Client, error) {
	var c domain.Client
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM clients WHERE id=?`, id).Scan(&c.ID, &c.Name, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) ListClients(ctx context.Context) ([]domain.Client, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM clients ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Client
	for rows.Next() {
		var c domain.Client
		if err := rows.Scan(&c.ID, &c.Name, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// AddClientMember is idempotent.
func (r Repo) AddClientMember(ctx context.Context, clientID, userID string, at time.Time) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO client_members(client_id,user_id,created_at) VALUES (?,?,?)`,
		clientID, userID, at.UTC().Format(time.RFC3339))
	return err
}

func (r Repo) IsClientMember(ctx context.Context, clientID, userID string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM client_members WHERE client_id=? AND user_id=? LIMIT 1`, clientID, userID).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// FirstClientMember returns the earliest member of the client.
func (r Repo) FirstClientMember(ctx context.Context, clientID string) (string, error) {
	var userID string
	err := r.DB.QueryRowContext(ctx, `SELECT user_id FROM client_members WHERE client_id=? ORDER BY created_at, user_id LIMIT 1`, clientID).Scan(&userID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return userID, err
}

func (r Repo) ListClientMembers(ctx context.Context, clientID string) ([]domain.ClientMembership, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT client_id,user_id,created_at FROM client_members WHERE client_id=? ORDER BY created_at, user_id`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ClientMembership
	for rows.Next() {
		var m domain.ClientMembership
		if err := rows.Scan(&m.ClientID, &m.UserID, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
