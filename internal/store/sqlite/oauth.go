package sqlite

import (
	"context"
	"database/sql"

	"github.com/kestrelproxy/kestrel/internal/gwcore"
)

// GetOAuthSession loads a session by id (§4.1 credential materialization).
func (s *Store) GetOAuthSession(ctx context.Context, sessionID string) (gwcore.OAuthSession, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT session_id, user_id, provider_name, status, access_token, refresh_token, expires_at
		 FROM oauth_client_sessions WHERE session_id = ?`, sessionID,
	)

	var sess gwcore.OAuthSession
	var expiresAt sql.NullString
	err := row.Scan(&sess.SessionID, &sess.UserID, &sess.ProviderName, &sess.Status,
		&sess.AccessToken, &sess.RefreshToken, &expiresAt)
	if err != nil {
		return gwcore.OAuthSession{}, notFoundErr(err)
	}
	if t := parseTime(expiresAt); t != nil {
		sess.ExpiresAt = *t
	}
	return sess, nil
}
