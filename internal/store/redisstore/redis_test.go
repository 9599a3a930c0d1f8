package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agrivet.store/internal/auth"
)

var fixedNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) (*RefreshTokens, redismock.ClientMock) {
	t.Helper()
	client, mock := redismock.NewClientMock()
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
	})
	return New(client, "test:", WithClock(func() time.Time { return fixedNow })), mock
}

func encoded(t *testing.T, rec record) string {
	t.Helper()
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	return string(data)
}

func TestCreate(t *testing.T) {
	s, mock := newStore(t)
	tok := &auth.RefreshToken{ID: "t1", UserID: "u1", CreatedAt: fixedNow, ExpiresAt: fixedNow.Add(time.Hour)}
	value := encoded(t, record{UserID: "u1", ExpiresAt: tok.ExpiresAt, CreatedAt: fixedNow})

	mock.ExpectSetNX("test:refresh:t1", value, time.Hour).SetVal(true)
	mock.ExpectSAdd("test:refresh:user:u1", "t1").SetVal(1)
	mock.ExpectExpire("test:refresh:user:u1", time.Hour).SetVal(true)
	require.NoError(t, s.Create(context.Background(), tok))

	mock.ExpectSetNX("test:refresh:t1", value, time.Hour).SetVal(false)
	assert.ErrorIs(t, s.Create(context.Background(), tok), auth.ErrConflict)
}

func TestCreateRejectsExpiredToken(t *testing.T) {
	s, _ := newStore(t)
	for _, expires := range []time.Time{fixedNow, fixedNow.Add(-time.Minute)} {
		tok := &auth.RefreshToken{ID: "t1", UserID: "u1", CreatedAt: fixedNow, ExpiresAt: expires}
		assert.ErrorIs(t, s.Create(context.Background(), tok), auth.ErrInvalidInput)
	}
}

func TestFind(t *testing.T) {
	s, mock := newStore(t)
	exp := fixedNow.Add(time.Hour)
	mock.ExpectGet("test:refresh:t1").SetVal(encoded(t, record{UserID: "u1", ExpiresAt: exp, CreatedAt: fixedNow}))
	tok, err := s.Find(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "u1", tok.UserID)
	assert.True(t, tok.ExpiresAt.Equal(exp))
	assert.False(t, tok.Revoked())

	mock.ExpectGet("test:refresh:gone").RedisNil()
	_, err = s.Find(context.Background(), "gone")
	assert.ErrorIs(t, err, auth.ErrNotFound)

	mock.ExpectGet("test:refresh:t2").SetErr(errors.New("connection reset"))
	_, err = s.Find(context.Background(), "t2")
	require.Error(t, err)
	assert.NotErrorIs(t, err, auth.ErrNotFound)
}

func TestConsumeSingleWinner(t *testing.T) {
	s, mock := newStore(t)
	mock.ExpectDel("test:refresh:t1").SetVal(1)
	mock.ExpectDel("test:refresh:t1").SetVal(0)

	require.NoError(t, s.Consume(context.Background(), "t1"))
	assert.ErrorIs(t, s.Consume(context.Background(), "t1"), auth.ErrNotFound)
}

func TestRevokeAllForUser(t *testing.T) {
	s, mock := newStore(t)
	mock.ExpectSMembers("test:refresh:user:u1").SetVal([]string{"a", "b"})
	mock.ExpectDel("test:refresh:a", "test:refresh:b", "test:refresh:user:u1").SetVal(3)
	require.NoError(t, s.RevokeAllForUser(context.Background(), "u1"))

	mock.ExpectDel("test:refresh:x").SetVal(0)
	require.NoError(t, s.Revoke(context.Background(), "x"), "revoking an absent token succeeds")

	n, err := s.DeleteExpired(context.Background(), fixedNow)
	require.NoError(t, err)
	assert.Zero(t, n)
}
