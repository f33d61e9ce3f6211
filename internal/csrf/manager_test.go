package csrf

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"

	"credguard/internal/repository/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager() (*Manager, *memory.SessionStore) {
	store := memory.NewSessionStore()
	return NewManager(store, zap.NewNop()), store
}

func TestIssueAndValidate(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	t1, err := m.Issue(ctx, "session-a")
	require.NoError(t, err)
	t2, err := m.Issue(ctx, "session-a")
	require.NoError(t, err)

	assert.NotEqual(t, t1, t2)
	assert.NoError(t, m.Validate(ctx, "session-a", t1))
	assert.NoError(t, m.Validate(ctx, "session-a", t2))
}

func TestTokenIsBoundToSession(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	tokenA, err := m.Issue(ctx, "session-a")
	require.NoError(t, err)
	_, err = m.Issue(ctx, "session-b")
	require.NoError(t, err)

	assert.ErrorIs(t, m.Validate(ctx, "session-b", tokenA), ErrTokenInvalid)
}

func TestDestroyedSessionRejectsOldToken(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	old, err := m.Issue(ctx, "session-old")
	require.NoError(t, err)
	require.NoError(t, m.Destroy(ctx, "session-old"))

	assert.ErrorIs(t, m.Validate(ctx, "session-old", old), ErrTokenInvalid)

	// A new session for the same user gets a new secret.
	_, err = m.Issue(ctx, "session-new")
	require.NoError(t, err)
	assert.ErrorIs(t, m.Validate(ctx, "session-new", old), ErrTokenInvalid)

	// Re-issuing under the old id creates a fresh secret too.
	_, err = m.Issue(ctx, "session-old")
	require.NoError(t, err)
	assert.ErrorIs(t, m.Validate(ctx, "session-old", old), ErrTokenInvalid)
}

func TestValidateRejectsMalformedTokens(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	good, err := m.Issue(ctx, "s")
	require.NoError(t, err)
	raw, err := base64.RawURLEncoding.DecodeString(good)
	require.NoError(t, err)

	flipped := append([]byte(nil), raw...)
	flipped[len(flipped)-1] ^= 0x01

	tests := map[string]string{
		"empty":       "",
		"not base64":  "***",
		"short":       base64.RawURLEncoding.EncodeToString(raw[:20]),
		"long":        base64.RawURLEncoding.EncodeToString(append(raw, 0)),
		"tampered":    base64.RawURLEncoding.EncodeToString(flipped),
		"padded":      good + "==",
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, m.Validate(ctx, "s", token), ErrTokenInvalid)
		})
	}

	assert.ErrorIs(t, m.Validate(ctx, "", good), ErrTokenInvalid)
}

func TestValidateWithoutSecret(t *testing.T) {
	m, _ := newTestManager()
	other, _ := newTestManager()

	token, err := other.Issue(context.Background(), "s")
	require.NoError(t, err)

	assert.ErrorIs(t, m.Validate(context.Background(), "s", token), ErrTokenInvalid)
}

func TestIssueRejectsEmptySession(t *testing.T) {
	m, _ := newTestManager()

	_, err := m.Issue(context.Background(), "")
	assert.Error(t, err)
}

func TestConcurrentFirstIssueSharesSecret(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	var wg sync.WaitGroup
	tokens := make([]string, 16)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := m.Issue(ctx, "racy")
			assert.NoError(t, err)
			tokens[i] = tok
		}(i)
	}
	wg.Wait()

	for _, tok := range tokens {
		assert.NoError(t, m.Validate(ctx, "racy", tok))
	}
}

type failingStore struct{}

var errStoreDown = errors.New("store down")

func (failingStore) GetSecret(context.Context, string) ([]byte, error) { return nil, errStoreDown }
func (failingStore) SetSecretIfAbsent(context.Context, string, []byte) ([]byte, error) {
	return nil, errStoreDown
}
func (failingStore) DeleteSecret(context.Context, string) error { return errStoreDown }

func TestStoreErrorsPropagate(t *testing.T) {
	m := NewManager(failingStore{}, zap.NewNop())
	ctx := context.Background()
	token := base64.RawURLEncoding.EncodeToString(make([]byte, tokenLength))

	_, err := m.Issue(ctx, "s")
	assert.ErrorIs(t, err, errStoreDown)

	err = m.Validate(ctx, "s", token)
	assert.ErrorIs(t, err, errStoreDown)
	assert.NotErrorIs(t, err, ErrTokenInvalid)

	assert.ErrorIs(t, m.Destroy(ctx, "s"), errStoreDown)
}
