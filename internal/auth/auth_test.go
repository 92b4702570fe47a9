package auth

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reedfamily/cs2instance/internal/db"
)

func newService(t *testing.T) *Service {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(conn))
	t.Cleanup(func() { conn.Close() })

	s := NewService(conn, time.Hour)
	require.NoError(t, s.EnsureDefaultUser(context.Background(), "admin", "changeme123"))
	return s
}

func TestLoginAndValidate(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	_, err := s.Login(ctx, "admin", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = s.Login(ctx, "nobody", "changeme123")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	token, err := s.Login(ctx, "admin", "changeme123")
	require.NoError(t, err)
	assert.Len(t, token, 64)

	user, err := s.ValidateSession(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "admin", user.Username)

	require.NoError(t, s.Logout(ctx, token))
	_, err = s.ValidateSession(ctx, token)
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestEnsureDefaultUserOnlyOnce(t *testing.T) {
	s := newService(t)
	require.NoError(t, s.EnsureDefaultUser(context.Background(), "other", "password123"))

	_, err := s.Login(context.Background(), "other", "password123")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestSessionsExpire(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	token, err := s.Login(ctx, "admin", "changeme123")
	require.NoError(t, err)

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = s.ValidateSession(ctx, token)
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestPurgeExpired(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	_, err := s.Login(ctx, "admin", "changeme123")
	require.NoError(t, err)

	n, err := s.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err = s.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestChangePasswordEndsSessions(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	token, err := s.Login(ctx, "admin", "changeme123")
	require.NoError(t, err)
	user, err := s.ValidateSession(ctx, token)
	require.NoError(t, err)

	assert.ErrorIs(t, s.ChangePassword(ctx, user.ID, "wrong", "newpassword1"), ErrInvalidCredentials)
	assert.Error(t, s.ChangePassword(ctx, user.ID, "changeme123", "short"))
	require.NoError(t, s.ChangePassword(ctx, user.ID, "changeme123", "newpassword1"))

	_, err = s.ValidateSession(ctx, token)
	assert.ErrorIs(t, err, ErrSessionExpired)
	_, err = s.Login(ctx, "admin", "newpassword1")
	assert.NoError(t, err)
}
