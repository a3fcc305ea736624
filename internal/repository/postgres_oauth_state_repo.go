package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/designboard/internal/model"
)

// PostgresOAuthStateRepo はPostgreSQLを使用したOAuth stateリポジトリ。
// 複数インスタンス構成でもstateの使い捨てを保証する。
type PostgresOAuthStateRepo struct {
	db *sql.DB
}

// NewPostgresOAuthStateRepo はPostgresOAuthStateRepoを生成する。
func NewPostgresOAuthStateRepo(db *sql.DB) *PostgresOAuthStateRepo {
	return &PostgresOAuthStateRepo{db: db}
}

// Create はstateを保存する。
func (r *PostgresOAuthStateRepo) Create(ctx context.Context, state *model.OAuthState) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO oauth_states (state, provider, code_verifier, return_to, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		state.State, string(state.Provider), state.CodeVerifier, state.ReturnTo,
		state.CreatedAt, state.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert oauth state: %w", err)
	}
	return nil
}

// Consume はDELETE ... RETURNINGでstateを取り出す。
// 同じstateで同時に呼ばれても、行を受け取れるのは1つのトランザクションだけになる。
// 期限切れのstateも削除した上で返し、有効期限の判定は呼び出し側で行う。
func (r *PostgresOAuthStateRepo) Consume(ctx context.Context, state string) (*model.OAuthState, error) {
	s := &model.OAuthState{}
	var provider string
	err := r.db.QueryRowContext(ctx,
		`DELETE FROM oauth_states WHERE state = $1
		 RETURNING state, provider, code_verifier, return_to, created_at, expires_at`,
		state,
	).Scan(&s.State, &provider, &s.CodeVerifier, &s.ReturnTo, &s.CreatedAt, &s.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume oauth state: %w", err)
	}
	s.Provider = model.Provider(provider)
	return s, nil
}

// DeleteExpired は期限切れのstateを削除する。
func (r *PostgresOAuthStateRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM oauth_states WHERE expires_at < $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired oauth states: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return deleted, nil
}

// compile-time interface check
var _ OAuthStateRepository = (*PostgresOAuthStateRepo)(nil)
