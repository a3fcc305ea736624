package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/designboard/internal/model"
)

const (
	uniqueViolation     = "23505"
	usersEmailUniqueKey = "users_email_key"

	userColumns = `id, email, name, avatar_url, provider, provider_user_id, created_at, updated_at`
)

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db  *sql.DB
	now func() time.Time

	// upsertRow はUpsertの1文を実行する。テストで競合を再現するために差し替える。
	upsertRow func(ctx context.Context, profile *model.ExternalProfile) (*model.User, error)
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	r := &PostgresUserRepo{db: db, now: time.Now}
	r.upsertRow = r.insertOrUpdate
	return r
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	// usersのidはUUID型のため、UUIDとして解釈できない値は存在しない扱いにする
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}

	user, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}

	return user, nil
}

// FindByProviderIdentity はproviderと外部IDでユーザーを検索する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByProviderIdentity(ctx context.Context, provider model.Provider, externalID string) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE provider = $1 AND provider_user_id = $2`,
		string(provider), externalID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by provider identity: %w", err)
	}

	return user, nil
}

// Upsert は(provider, provider_user_id)の一意制約を使ってユーザーを作成または更新する。
// 既存行ではname、avatar_url、updated_atのみ更新し、emailは初回登録時の値を維持する。
// 同時に初回ログインした場合でも、競合に負けた側は勝った側の行を受け取る。
func (r *PostgresUserRepo) Upsert(ctx context.Context, profile *model.ExternalProfile) (*model.User, error) {
	user, err := r.upsertRow(ctx, profile)
	if err == nil {
		return user, nil
	}
	if !isEmailConflict(err) {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}

	// ON CONFLICTの対象は(provider, provider_user_id)のみで、emailの一意インデックスが先に検査される。
	// 同じアイデンティティの同時初回ログインで負けた側はemailの一意制約違反になるため、
	// 勝った側の行があれば更新側としてやり直す。
	existing, err := r.FindByProviderIdentity(ctx, profile.Provider, profile.ExternalID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, ErrEmailConflict
	}

	user, err = r.upsertRow(ctx, profile)
	if err != nil {
		if isEmailConflict(err) {
			return nil, ErrEmailConflict
		}
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}
	return user, nil
}

// insertOrUpdate は1文でユーザーを作成または更新する。
func (r *PostgresUserRepo) insertOrUpdate(ctx context.Context, profile *model.ExternalProfile) (*model.User, error) {
	now := r.now().UTC()

	return scanUser(r.db.QueryRowContext(ctx,
		`INSERT INTO users (id, email, name, avatar_url, provider, provider_user_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		 ON CONFLICT (provider, provider_user_id) DO UPDATE
		 SET name = EXCLUDED.name,
		     avatar_url = EXCLUDED.avatar_url,
		     updated_at = EXCLUDED.updated_at
		 RETURNING `+userColumns,
		uuid.New().String(), profile.Email, profile.DisplayName, profile.AvatarURL,
		string(profile.Provider), profile.ExternalID, now,
	))
}

// isEmailConflict はemailの一意制約違反かどうかを判定する。
func isEmailConflict(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == uniqueViolation && pqErr.Constraint == usersEmailUniqueKey
}

func scanUser(row *sql.Row) (*model.User, error) {
	user := &model.User{}
	var provider string
	err := row.Scan(
		&user.ID, &user.Email, &user.Name, &user.AvatarURL,
		&provider, &user.ProviderUserID, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	user.Provider = model.Provider(provider)
	return user, nil
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
