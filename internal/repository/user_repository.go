package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/digkill/GrammarBot/internal/models"
)

type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) DB() *sql.DB {
	return r.db
}

const userColumns = `id, telegram_id, COALESCE(username, ''), COALESCE(first_name, ''), COALESCE(last_name, ''), premium_until, created_at, updated_at`

func scanUser(row rowScanner) (*models.User, error) {
	var u models.User
	var premiumUntil sql.NullTime
	if err := row.Scan(&u.ID, &u.TelegramID, &u.Username, &u.FirstName, &u.LastName, &premiumUntil, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	if premiumUntil.Valid {
		t := premiumUntil.Time
		u.PremiumUntil = &t
	}
	return &u, nil
}

func (r *UserRepository) FindByTelegramID(ctx context.Context, telegramID int64) (*models.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE telegram_id = ?`, telegramID)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return u, nil
}

func (r *UserRepository) FindByID(ctx context.Context, id int64) (*models.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan user by id: %w", err)
	}
	return u, nil
}

func (r *UserRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	const query = `
INSERT INTO users (telegram_id, username, first_name, last_name)
VALUES (?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''))`
	res, err := r.db.ExecContext(ctx, query, user.TelegramID, user.Username, user.FirstName, user.LastName)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	user.ID = id
	return user, nil
}

func (r *UserRepository) UpdateProfile(ctx context.Context, userID int64, username, firstName, lastName string) error {
	const query = `
UPDATE users SET username = NULLIF(?, ''), first_name = NULLIF(?, ''), last_name = NULLIF(?, ''), updated_at = NOW()
WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, username, firstName, lastName, userID); err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	return nil
}

// Ensure returns the user for telegramID, creating it on first contact.
func (r *UserRepository) Ensure(ctx context.Context, telegramID int64, username, firstName, lastName string) (*models.User, bool, error) {
	user, err := r.FindByTelegramID(ctx, telegramID)
	if err != nil {
		return nil, false, err
	}
	if user != nil {
		go func() {
			_ = r.UpdateProfile(context.Background(), user.ID, username, firstName, lastName)
		}()
		return user, false, nil
	}
	created, err := r.Create(ctx, &models.User{
		TelegramID: telegramID,
		Username:   username,
		FirstName:  firstName,
		LastName:   lastName,
	})
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

// ExtendPremium pushes premium_until forward by days, counting from the later
// of now and the current expiry so renewals stack.
func (r *UserRepository) ExtendPremium(ctx context.Context, userID int64, days int, now time.Time) error {
	return extendPremium(ctx, r.db, userID, days, now)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func extendPremium(ctx context.Context, db execer, userID int64, days int, now time.Time) error {
	const query = `
UPDATE users
SET premium_until = DATE_ADD(GREATEST(COALESCE(premium_until, ?), ?), INTERVAL ? DAY), updated_at = NOW()
WHERE id = ?`
	if _, err := db.ExecContext(ctx, query, now, now, days, userID); err != nil {
		return fmt.Errorf("extend premium: %w", err)
	}
	return nil
}

// ExtendPremiumTx is ExtendPremium inside a caller-owned transaction.
func ExtendPremiumTx(ctx context.Context, tx *sql.Tx, userID int64, days int, now time.Time) error {
	return extendPremium(ctx, tx, userID, days, now)
}

func (r *UserRepository) ListTelegramIDs(ctx context.Context) ([]int64, error) {
	const query = `SELECT telegram_id FROM users`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list telegram ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan telegram id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
