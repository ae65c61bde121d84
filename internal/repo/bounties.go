package repo

import (
	"context"
	"database/sql"
	"strings"

	"bountyhub/internal/domain"
)

const bountyColumns = `id,title,description,reward,currency,status,creator_id,client_id,assignee_id,issue_url,pull_request_url,labels_json,deadline,transfer_id,created_at,updated_at,assigned_at,released_at,completed_at,approved_at,paid_at,version`

type BountyFilter struct {
	Status     domain.Status
	ClientID   string
	CreatorID  string
	AssigneeID string
	RewardMin  int64
	RewardMax  int64
	Limit      int
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBounty(row rowScanner) (domain.Bounty, error) {
	var b domain.Bounty
	var assignee, issue, pr, labels, deadline, transfer, assignedAt, releasedAt, completedAt, approvedAt, paidAt sql.NullString
	err := row.Scan(&b.ID, &b.Title, &b.Description, &b.Reward, &b.Currency, &b.Status, &b.CreatorID, &b.ClientID,
		&assignee, &issue, &pr, &labels, &deadline, &transfer, &b.CreatedAt, &b.UpdatedAt,
		&assignedAt, &releasedAt, &completedAt, &approvedAt, &paidAt, &b.Version)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	b.AssigneeID = stringPtr(assignee)
	b.IssueURL = stringPtr(issue)
	b.PullRequestURL = stringPtr(pr)
	b.Labels = unmarshalStringSlice(labels)
	b.Deadline = stringPtr(deadline)
	b.TransferID = stringPtr(transfer)
	b.AssignedAt = stringPtr(assignedAt)
	b.ReleasedAt = stringPtr(releasedAt)
	b.CompletedAt = stringPtr(completedAt)
	b.ApprovedAt = stringPtr(approvedAt)
	b.PaidAt = stringPtr(paidAt)
	return b, nil
}

func (r Repo) InsertBounty(ctx context.Context, tx DBTX, b domain.Bounty) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO bounties(`+bountyColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.Title, b.Description, b.Reward, b.Currency, b.Status, b.CreatorID, b.ClientID,
		nullableStringPtr(b.AssigneeID), nullableStringPtr(b.IssueURL), nullableStringPtr(b.PullRequestURL),
		marshalStringSlice(b.Labels), nullableStringPtr(b.Deadline), nullableStringPtr(b.TransferID),
		b.CreatedAt, b.UpdatedAt, nullableStringPtr(b.AssignedAt), nullableStringPtr(b.ReleasedAt),
		nullableStringPtr(b.CompletedAt), nullableStringPtr(b.ApprovedAt), nullableStringPtr(b.PaidAt), b.Version)
	return classify(err)
}

func (r Repo) GetBounty(ctx context.Context, id string) (domain.Bounty, error) {
	return scanBounty(r.DB.QueryRowContext(ctx, `SELECT `+bountyColumns+` FROM bounties WHERE id=?`, id))
}

func (r Repo) GetBountyByIssueURL(ctx context.Context, issueURL string) (domain.Bounty, error) {
	return scanBounty(r.DB.QueryRowContext(ctx, `SELECT `+bountyColumns+` FROM bounties WHERE issue_url=?`, issueURL))
}

func (r Repo) ListBounties(ctx context.Context, f BountyFilter) ([]domain.Bounty, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ClientID != "" {
		clauses = append(clauses, "client_id=?")
		args = append(args, f.ClientID)
	}
	if f.CreatorID != "" {
		clauses = append(clauses, "creator_id=?")
		args = append(args, f.CreatorID)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.RewardMin > 0 {
		clauses = append(clauses, "reward>=?")
		args = append(args, f.RewardMin)
	}
	if f.RewardMax > 0 {
		clauses = append(clauses, "reward<=?")
		args = append(args, f.RewardMax)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + bountyColumns + ` FROM bounties ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Bounty
	for rows.Next() {
		b, err := scanBounty(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// CompareAndSwapBounty writes every mutable column of b only if the stored
// status still equals expected and the stored version still equals
// b.Version. The stored version is incremented. It reports whether the row
// was written.
func (r Repo) CompareAndSwapBounty(ctx context.Context, tx DBTX, b domain.Bounty, expected domain.Status) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE bounties SET title=?, description=?, reward=?, status=?, assignee_id=?, issue_url=?, pull_request_url=?, labels_json=?, deadline=?, transfer_id=?, updated_at=?, assigned_at=?, released_at=?, completed_at=?, approved_at=?, paid_at=?, version=version+1 WHERE id=? AND status=? AND version=?`,
		b.Title, b.Description, b.Reward, b.Status, nullableStringPtr(b.AssigneeID), nullableStringPtr(b.IssueURL),
		nullableStringPtr(b.PullRequestURL), marshalStringSlice(b.Labels), nullableStringPtr(b.Deadline),
		nullableStringPtr(b.TransferID), b.UpdatedAt, nullableStringPtr(b.AssignedAt), nullableStringPtr(b.ReleasedAt),
		nullableStringPtr(b.CompletedAt), nullableStringPtr(b.ApprovedAt), nullableStringPtr(b.PaidAt),
		b.ID, expected, b.Version)
	if err != nil {
		return false, classify(err)
	}
	return affected(res)
}

// DeleteBountyInStatus removes the bounty only while it is in status.
func (r Repo) DeleteBountyInStatus(ctx context.Context, tx DBTX, id string, status domain.Status) (bool, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM bounties WHERE id=? AND status=?`, id, status)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// classify maps constraint failures onto the repository sentinels.
func classify(err error) error {
	switch {
	case isUniqueViolation(err):
		return ErrAlreadyExists
	case isForeignKeyViolation(err):
		return ErrUnknownReference
	}
	return err
}
