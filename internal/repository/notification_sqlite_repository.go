package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/fieldops/dispatch/internal/domain"
)

type sqliteNotificationRepository struct {
	db *sql.DB
}

// NewSQLiteNotificationRepository builds the single-node repository.
func NewSQLiteNotificationRepository(db *sql.DB) NotificationRepository {
	return &sqliteNotificationRepository{db: db}
}

func (r *sqliteNotificationRepository) Create(ctx context.Context, n *domain.Notification) error {
	const query = `
        INSERT INTO notifications (id, user_id, message, kind, is_read, created_at)
        VALUES (?,?,?,?,?,?)
        ON CONFLICT (id) DO NOTHING`
	_, err := r.db.ExecContext(ctx, query,
		n.ID,
		n.UserID,
		n.Message,
		string(n.Kind),
		boolToInt(n.IsRead),
		n.CreatedAt.UTC().UnixNano(),
	)
	return err
}

func (r *sqliteNotificationRepository) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Notification, error) {
	const query = `
        SELECT id, user_id, message, kind, is_read, created_at
        FROM notifications WHERE user_id=?
        ORDER BY created_at DESC, seq DESC
        LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.Notification, 0, limit)
	for rows.Next() {
		var (
			n       domain.Notification
			kind    string
			isRead  int
			created int64
		)
		if err := rows.Scan(&n.ID, &n.UserID, &n.Message, &kind, &isRead, &created); err != nil {
			return nil, err
		}
		n.Kind = domain.NotificationKind(kind)
		n.IsRead = isRead != 0
		n.CreatedAt = time.Unix(0, created).UTC()
		result = append(result, n)
	}
	return result, rows.Err()
}

func (r *sqliteNotificationRepository) MarkRead(ctx context.Context, userID, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE notifications SET is_read=1 WHERE user_id=? AND id=?`, userID, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

func (r *sqliteNotificationRepository) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE notifications SET is_read=1 WHERE user_id=? AND is_read=0`, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *sqliteNotificationRepository) CountUnread(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications WHERE user_id=? AND is_read=0`, userID).Scan(&count)
	return count, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
