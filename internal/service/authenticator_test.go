package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"credguard/internal/bruteforce"
	"credguard/internal/csrf"
	"credguard/internal/hashing"
	"credguard/internal/models"
	"credguard/internal/repository/memory"
	"credguard/internal/strength"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	strongPassword = "vR7#qLm2!xTz9pWk"
	otherStrong    = "Gq4!nB8@wZ2#hK6s"
)

type recordingEvents struct {
	mu     sync.Mutex
	events []*models.SecurityEvent
}

func (r *recordingEvents) Publish(_ context.Context, e *models.SecurityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingEvents) types() []models.SecurityEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.SecurityEventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.EventType)
	}
	return out
}

type recordingComparisons struct {
	mu      sync.Mutex
	records []*models.HashComparisonRecord
	err     error
}

func (r *recordingComparisons) AppendComparisonRecord(_ context.Context, rec *models.HashComparisonRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.records = append(r.records, rec)
	return nil
}

func (r *recordingComparisons) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

type fixture struct {
	auth        *CredentialAuthenticator
	store       *memory.CredentialStore
	attempts    *memory.AttemptStore
	sessions    *memory.SessionStore
	hasher      *hashing.Hasher
	events      *recordingEvents
	comparisons *recordingComparisons
}

func lowCostHasher(t *testing.T, bcryptCost int) *hashing.Hasher {
	t.Helper()
	h, err := hashing.NewHasher(hashing.Params{
		BcryptCost: bcryptCost,
		Argon2: hashing.Argon2Params{
			Memory:      1024,
			Iterations:  1,
			Parallelism: 1,
			SaltLength:  16,
			KeyLength:   32,
		},
	}, hashing.NewPool(4), zap.NewNop())
	require.NoError(t, err)
	return h
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()

	f := &fixture{
		store:       memory.NewCredentialStore(),
		attempts:    memory.NewAttemptStore(),
		sessions:    memory.NewSessionStore(),
		hasher:      lowCostHasher(t, 4),
		events:      &recordingEvents{},
		comparisons: &recordingComparisons{},
	}
	f.auth = NewCredentialAuthenticator(Dependencies{
		Store:       f.store,
		Hasher:      f.hasher,
		Analyzer:    strength.NewAnalyzer(strength.DefaultPolicy(), zap.NewNop()),
		Guard:       bruteforce.NewGuard(f.attempts, bruteforce.DefaultConfig(), zap.NewNop()),
		Csrf:        csrf.NewManager(f.sessions, zap.NewNop()),
		Comparisons: f.comparisons,
		Events:      f.events,
		Logger:      zap.NewNop(),
	}, opts)
	t.Cleanup(f.auth.Close)
	return f
}

func (f *fixture) register(t *testing.T, username, email, password string) *models.Credential {
	t.Helper()
	cred, err := f.auth.Register(context.Background(), RegisterRequest{
		Username: username,
		Email:    email,
		Password: password,
	})
	require.NoError(t, err)
	return cred
}

func TestRegisterStoresOnlyBcrypt(t *testing.T) {
	f := newFixture(t, DefaultOptions())

	cred := f.register(t, "alice", "Alice@Example.com", strongPassword)

	assert.NotEmpty(t, cred.ID)
	assert.Equal(t, "alice@example.com", cred.Email)
	assert.Equal(t, models.AlgorithmBcrypt, cred.Hash.Algorithm)
	assert.NotContains(t, cred.Hash.Value, strongPassword)

	stored, err := f.store.FindByID(context.Background(), cred.ID)
	require.NoError(t, err)
	assert.Equal(t, cred.Hash, stored.Hash)

	f.auth.Close()
	assert.Contains(t, f.events.types(), models.EventRegistered)
	assert.Zero(t, f.comparisons.count())
}

func TestRegisterWeakPasswordGate(t *testing.T) {
	f := newFixture(t, DefaultOptions())

	_, err := f.auth.Register(context.Background(), RegisterRequest{
		Username: "bob", Email: "bob@example.com", Password: "Password1",
	})

	require.ErrorIs(t, err, ErrWeakPassword)
	var weak *WeakPasswordError
	require.True(t, errors.As(err, &weak))
	assert.LessOrEqual(t, weak.Result.Score, 1)
	assert.Equal(t, 2, weak.MinScore)
	assert.Equal(t, CodeWeakPassword, Code(err))
}

func TestRegisterStructuralGate(t *testing.T) {
	f := newFixture(t, DefaultOptions())

	// Strong by score, but no digit.
	_, err := f.auth.Register(context.Background(), RegisterRequest{
		Username: "carol", Email: "carol@example.com", Password: "correct-Horse-battery-staple",
	})
	require.ErrorIs(t, err, ErrValidation)
	var v *ValidationError
	require.True(t, errors.As(err, &v))
	assert.Contains(t, v.Errors, "password must contain a digit")
}

func TestRegisterGatesAreIndependentlyConfigurable(t *testing.T) {
	f := newFixture(t, Options{ScoreGate: false, StructuralGate: true})
	_, err := f.auth.Register(context.Background(), RegisterRequest{
		Username: "dave", Email: "dave@example.com", Password: "Password1",
	})
	assert.NoError(t, err)

	f = newFixture(t, Options{ScoreGate: true, StructuralGate: false})
	_, err = f.auth.Register(context.Background(), RegisterRequest{
		Username: "erin", Email: "erin@example.com", Password: "correct-horse-battery-staple",
	})
	assert.NoError(t, err)
}

func TestRegisterDuplicateIdentity(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.register(t, "alice", "alice@example.com", strongPassword)

	_, err := f.auth.Register(context.Background(), RegisterRequest{
		Username: "alice2", Email: "alice@example.com", Password: otherStrong,
	})
	assert.ErrorIs(t, err, ErrDuplicateIdentity)

	_, err = f.auth.Register(context.Background(), RegisterRequest{
		Username: "alice", Email: "other@example.com", Password: otherStrong,
	})
	assert.ErrorIs(t, err, ErrDuplicateIdentity)
	assert.Equal(t, 409, HTTPStatus(err))
}

func TestRegisterValidatesIdentity(t *testing.T) {
	f := newFixture(t, DefaultOptions())

	tests := []RegisterRequest{
		{Username: "ab", Email: "ab@example.com", Password: strongPassword},
		{Username: "has space", Email: "x@example.com", Password: strongPassword},
		{Username: "valid", Email: "not-an-email", Password: strongPassword},
		{Username: "valid", Email: "<script>@example.com", Password: strongPassword},
		{Username: "valid", Email: "valid@example.com", Password: ""},
	}
	for _, req := range tests {
		_, err := f.auth.Register(context.Background(), req)
		assert.ErrorIs(t, err, ErrValidation, "%+v", req)
	}
}

func TestRegisterRejectsOverlongPassword(t *testing.T) {
	f := newFixture(t, DefaultOptions())

	long := strongPassword + strongPassword + strongPassword + strongPassword + strongPassword
	_, err := f.auth.Register(context.Background(), RegisterRequest{
		Username: "long", Email: "long@example.com", Password: long,
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestAuthenticateSuccessClearsFailures(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()
	cred := f.register(t, "alice", "alice@example.com", strongPassword)

	for i := 0; i < 3; i++ {
		_, err := f.auth.Authenticate(ctx, LoginRequest{Identity: "alice", Password: "wrong", SourceIP: "203.0.113.5"})
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}
	adm, err := f.auth.CheckAdmission(ctx, "203.0.113.5", "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, adm.CurrentCount)

	got, err := f.auth.Authenticate(ctx, LoginRequest{Identity: "ALICE@example.com", Password: strongPassword, SourceIP: "203.0.113.5"})
	require.NoError(t, err)
	assert.Equal(t, cred.ID, got.ID)
	require.NotNil(t, got.LastLoginAt)

	adm, err = f.auth.CheckAdmission(ctx, "203.0.113.5", "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, adm.CurrentCount)
	assert.Equal(t, models.LockStateClear, adm.State)

	f.auth.Close()
	assert.Contains(t, f.events.types(), models.EventLoginSucceeded)
	assert.Contains(t, f.events.types(), models.EventLoginFailed)
}

func TestAuthenticateUnknownIdentityLooksLikeWrongPassword(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()
	f.register(t, "alice", "alice@example.com", strongPassword)

	_, unknownErr := f.auth.Authenticate(ctx, LoginRequest{Identity: "nobody@example.com", Password: "x", SourceIP: "198.51.100.1"})
	_, wrongErr := f.auth.Authenticate(ctx, LoginRequest{Identity: "alice@example.com", Password: "x", SourceIP: "198.51.100.1"})

	assert.ErrorIs(t, unknownErr, ErrInvalidCredentials)
	assert.ErrorIs(t, wrongErr, ErrInvalidCredentials)
	assert.Equal(t, unknownErr.Error(), wrongErr.Error())
	assert.Equal(t, PublicMessage(unknownErr), PublicMessage(wrongErr))

	adm, err := f.auth.CheckAdmission(ctx, "198.51.100.1", "")
	require.NoError(t, err)
	assert.Equal(t, 2, adm.CurrentCount)
}

func TestAuthenticateLockout(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()
	f.register(t, "user", "user@example.com", strongPassword)

	for i := 0; i < 6; i++ {
		_, err := f.auth.Authenticate(ctx, LoginRequest{Identity: "user@example.com", Password: "guess", SourceIP: "203.0.113.5"})
		require.ErrorIs(t, err, ErrInvalidCredentials, "attempt %d", i+1)
	}

	_, err := f.auth.Authenticate(ctx, LoginRequest{Identity: "user@example.com", Password: strongPassword, SourceIP: "203.0.113.5"})
	require.ErrorIs(t, err, ErrTooManyAttempts)
	var tooMany *TooManyAttemptsError
	require.True(t, errors.As(err, &tooMany))
	assert.Equal(t, 6, tooMany.Count)
	assert.Greater(t, tooMany.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, tooMany.RetryAfter, 15*time.Minute)
	assert.Equal(t, 429, HTTPStatus(err))

	// Other sources are unaffected.
	_, err = f.auth.Authenticate(ctx, LoginRequest{Identity: "user@example.com", Password: strongPassword, SourceIP: "203.0.113.99"})
	assert.NoError(t, err)

	f.auth.Close()
	assert.Contains(t, f.events.types(), models.EventLockout)
}

func TestAuthenticateValidationDoesNotCountAsFailure(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := f.auth.Authenticate(ctx, LoginRequest{Identity: "", Password: "", SourceIP: "203.0.113.5"})
		require.ErrorIs(t, err, ErrValidation)
	}

	adm, err := f.auth.CheckAdmission(ctx, "203.0.113.5", "")
	require.NoError(t, err)
	assert.Equal(t, 0, adm.CurrentCount)
}

func TestAuthenticateCorruptHashIsIntegrityError(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()

	_, err := f.store.Insert(ctx, &models.Credential{
		ID:       "corrupt-1",
		Username: "mallory",
		Email:    "mallory@example.com",
		Hash:     models.HashEncoding{Algorithm: models.AlgorithmBcrypt, Value: "$2a$10$tooshort"},
	})
	require.NoError(t, err)

	_, err = f.auth.Authenticate(ctx, LoginRequest{Identity: "mallory", Password: strongPassword, SourceIP: "203.0.113.5"})
	require.ErrorIs(t, err, ErrIntegrity)
	assert.NotErrorIs(t, err, ErrInvalidCredentials)
	assert.Equal(t, CodeIntegrity, Code(err))
	assert.Equal(t, 500, HTTPStatus(err))

	adm, err := f.auth.CheckAdmission(ctx, "203.0.113.5", "")
	require.NoError(t, err)
	assert.Equal(t, 0, adm.CurrentCount)
}

func TestAuthenticateOversizedArgon2IsIntegrityError(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()

	_, err := f.store.Insert(ctx, &models.Credential{
		ID:       "huge-1",
		Username: "trudy",
		Email:    "trudy@example.com",
		Hash: models.HashEncoding{
			Algorithm: models.AlgorithmArgon2id,
			Value:     "$argon2id$v=19$m=4294967295,t=4294967295,p=1$c2FsdHNhbHQ$a2V5a2V5",
		},
	})
	require.NoError(t, err)

	_, err = f.auth.Authenticate(ctx, LoginRequest{Identity: "trudy", Password: strongPassword, SourceIP: "203.0.113.6"})
	require.ErrorIs(t, err, ErrIntegrity)
	assert.ErrorIs(t, err, hashing.ErrInvalidHash)
}

func TestAuthenticateRehashesOutdatedEncoding(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()
	cred := f.register(t, "alice", "alice@example.com", strongPassword)

	upgraded := NewCredentialAuthenticator(Dependencies{
		Store:    f.store,
		Hasher:   lowCostHasher(t, 5),
		Analyzer: strength.NewAnalyzer(strength.DefaultPolicy(), zap.NewNop()),
		Guard:    bruteforce.NewGuard(f.attempts, bruteforce.DefaultConfig(), zap.NewNop()),
		Csrf:     csrf.NewManager(f.sessions, zap.NewNop()),
	}, DefaultOptions())

	_, err := upgraded.Authenticate(ctx, LoginRequest{Identity: "alice", Password: strongPassword, SourceIP: "203.0.113.5"})
	require.NoError(t, err)

	stored, err := f.store.FindByID(ctx, cred.ID)
	require.NoError(t, err)
	assert.NotEqual(t, cred.Hash.Value, stored.Hash.Value)
	assert.Contains(t, stored.Hash.Value, "$05$")
}

func TestChangePassword(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()
	cred := f.register(t, "alice", "alice@example.com", strongPassword)

	err := f.auth.ChangePassword(ctx, ChangePasswordRequest{CredentialID: cred.ID, CurrentPassword: "wrong", NewPassword: otherStrong})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	err = f.auth.ChangePassword(ctx, ChangePasswordRequest{CredentialID: cred.ID, CurrentPassword: strongPassword, NewPassword: "Password1"})
	assert.ErrorIs(t, err, ErrWeakPassword)

	require.NoError(t, f.auth.ChangePassword(ctx, ChangePasswordRequest{
		CredentialID: cred.ID, CurrentPassword: strongPassword, NewPassword: otherStrong,
	}))

	_, err = f.auth.Authenticate(ctx, LoginRequest{Identity: "alice", Password: strongPassword, SourceIP: "203.0.113.5"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = f.auth.Authenticate(ctx, LoginRequest{Identity: "alice", Password: otherStrong, SourceIP: "203.0.113.5"})
	assert.NoError(t, err)
}

type countingStore struct {
	*memory.CredentialStore
	replaced int
}

func (c *countingStore) ReplaceHash(ctx context.Context, id string, enc models.HashEncoding) error {
	c.replaced++
	return c.CredentialStore.ReplaceHash(ctx, id, enc)
}

func TestChangePasswordSameAsCurrentRejectedBeforeHashing(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()
	cred := f.register(t, "alice", "alice@example.com", strongPassword)

	store := &countingStore{CredentialStore: f.store}
	auth := NewCredentialAuthenticator(Dependencies{
		Store:    store,
		Hasher:   f.hasher,
		Analyzer: strength.NewAnalyzer(strength.DefaultPolicy(), zap.NewNop()),
		Guard:    bruteforce.NewGuard(f.attempts, bruteforce.DefaultConfig(), zap.NewNop()),
		Csrf:     csrf.NewManager(f.sessions, zap.NewNop()),
	}, DefaultOptions())

	err := auth.ChangePassword(ctx, ChangePasswordRequest{
		CredentialID: cred.ID, CurrentPassword: strongPassword, NewPassword: strongPassword,
	})
	require.ErrorIs(t, err, ErrValidation)
	var v *ValidationError
	require.True(t, errors.As(err, &v))
	assert.Equal(t, []string{"new password must differ from the current password"}, v.Errors)
	assert.Zero(t, store.replaced)

	stored, err := f.store.FindByID(ctx, cred.ID)
	require.NoError(t, err)
	assert.Equal(t, cred.Hash, stored.Hash)
}

func TestDeleteAccount(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()
	cred := f.register(t, "alice", "alice@example.com", strongPassword)

	assert.ErrorIs(t, f.auth.DeleteAccount(ctx, cred.ID, "wrong"), ErrInvalidCredentials)
	require.NoError(t, f.auth.DeleteAccount(ctx, cred.ID, strongPassword))
	assert.ErrorIs(t, f.auth.DeleteAccount(ctx, cred.ID, strongPassword), ErrInvalidCredentials)

	// The identity is free again.
	f.register(t, "alice", "alice@example.com", otherStrong)
}

func TestReverifyFailuresLockTheCredential(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()
	cred := f.register(t, "alice", "alice@example.com", strongPassword)
	key := "credential:" + cred.ID

	// A wrong current password counts, and a correct one clears the count.
	require.ErrorIs(t, f.auth.DeleteAccount(ctx, cred.ID, "wrong"), ErrInvalidCredentials)
	n, err := f.attempts.CountSince(ctx, key, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, f.auth.ChangePassword(ctx, ChangePasswordRequest{
		CredentialID: cred.ID, CurrentPassword: strongPassword, NewPassword: otherStrong,
	}))
	n, err = f.attempts.CountSince(ctx, key, time.Time{})
	require.NoError(t, err)
	assert.Zero(t, n)

	limit := bruteforce.DefaultConfig().MaxFailures
	for i := 0; i <= limit; i++ {
		err := f.auth.ChangePassword(ctx, ChangePasswordRequest{
			CredentialID: cred.ID, CurrentPassword: "wrong", NewPassword: strongPassword,
		})
		require.ErrorIs(t, err, ErrInvalidCredentials, "attempt %d", i)
	}

	// Locked: even the right password is refused without verification.
	err = f.auth.DeleteAccount(ctx, cred.ID, otherStrong)
	require.ErrorIs(t, err, ErrTooManyAttempts)
	assert.Equal(t, 429, HTTPStatus(err))
	_, err = f.store.FindByID(ctx, cred.ID)
	assert.NoError(t, err)

	// Network-keyed login is unaffected.
	_, err = f.auth.Authenticate(ctx, LoginRequest{Identity: "alice", Password: otherStrong, SourceIP: "203.0.113.9"})
	assert.NoError(t, err)

	f.auth.Close()
	assert.Contains(t, f.events.types(), models.EventLockout)
}

func TestBenchmark(t *testing.T) {
	f := newFixture(t, DefaultOptions())

	rec, err := f.auth.Benchmark(context.Background(), "alice", strongPassword)
	require.NoError(t, err)

	assert.Equal(t, "alice", rec.Identity)
	assert.Equal(t, models.AlgorithmBcrypt, rec.Bcrypt.Algorithm)
	assert.Equal(t, models.AlgorithmArgon2id, rec.Argon2id.Algorithm)
	assert.True(t, rec.Bcrypt.Verified)
	assert.True(t, rec.Argon2id.Verified)
	assert.GreaterOrEqual(t, rec.Bcrypt.HashMs, 0.0)
	assert.GreaterOrEqual(t, rec.Argon2id.VerifyMs, 0.0)
	assert.Equal(t, 1, f.comparisons.count())
}

func TestBenchmarkSinkFailureIsIgnored(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.comparisons.err = errors.New("clickhouse down")

	rec, err := f.auth.Benchmark(context.Background(), "", strongPassword)
	require.NoError(t, err)
	assert.Empty(t, rec.Identity)
}

func TestBenchmarkOnRegister(t *testing.T) {
	f := newFixture(t, Options{ScoreGate: true, StructuralGate: true, BenchmarkOnRegister: true})
	f.comparisons.err = errors.New("sink down")

	f.register(t, "alice", "alice@example.com", strongPassword)
	f.auth.Close()

	f.comparisons.err = nil
	f.register(t, "bob", "bob@example.com", otherStrong)
	f.auth.Close()
	assert.Equal(t, 1, f.comparisons.count())
}

func TestHashReport(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.register(t, "alice", "alice@example.com", strongPassword)
	f.register(t, "bob", "bob@example.com", otherStrong)

	report, err := f.auth.HashReport(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 2, report.ByAlgorithm[models.AlgorithmBcrypt])
	assert.Equal(t, models.AlgorithmBcrypt, report.MostCommon)
	assert.Zero(t, report.Mismatched)
	assert.Equal(t, 60.0, report.AverageHashLength)
	assert.Equal(t, map[int]int{60: 2}, report.HashLengths)
}

func TestHashReportClassifiesByValue(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()
	day1 := time.Date(2024, 3, 1, 23, 30, 0, 0, time.UTC)
	day2 := time.Date(2024, 3, 3, 8, 0, 0, 0, time.UTC)

	// Both rows claim bcrypt; neither value is one.
	rows := []struct {
		username, value string
		created         time.Time
	}{
		{"legacy_argon", "$argon2id$v=19$m=1024,t=1,p=1$c2FsdHNhbHQ$a2V5a2V5a2V5", day1},
		{"legacy_md5", "5f4dcc3b5aa765d61d8327deb882cf99", day2},
		{"legacy_md5b", "e10adc3949ba59abbe56e057f20f883e", day2.Add(time.Hour)},
	}
	for _, r := range rows {
		_, err := f.store.Insert(ctx, &models.Credential{
			Username:  r.username,
			Email:     r.username + "@example.com",
			Hash:      models.HashEncoding{Algorithm: models.AlgorithmBcrypt, Value: r.value},
			CreatedAt: r.created,
		})
		require.NoError(t, err)
	}

	report, err := f.auth.HashReport(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 1, report.ByAlgorithm[models.AlgorithmArgon2id])
	assert.Equal(t, 2, report.ByAlgorithm[models.AlgorithmUnknown])
	assert.Zero(t, report.ByAlgorithm[models.AlgorithmBcrypt])
	assert.Equal(t, 3, report.Mismatched)
	assert.Equal(t, models.AlgorithmUnknown, report.MostCommon)

	argonLen := len(rows[0].value)
	assert.Equal(t, map[int]int{argonLen: 1, 32: 2}, report.HashLengths)
	assert.InDelta(t, float64(argonLen+64)/3, report.AverageHashLength, 0.006)

	assert.Equal(t, day1, report.Earliest)
	assert.Equal(t, day2.Add(time.Hour), report.Latest)
	assert.Equal(t, []DailyCount{
		{Date: "2024-03-01", Count: 1},
		{Date: "2024-03-03", Count: 2},
	}, report.CreatedPerDay)
}

func TestHashReportEmptyStore(t *testing.T) {
	f := newFixture(t, DefaultOptions())

	report, err := f.auth.HashReport(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Total)
	assert.Zero(t, report.AverageHashLength)
	assert.Empty(t, report.MostCommon)
	assert.Empty(t, report.CreatedPerDay)
}

func TestCsrfPassThrough(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()

	token, err := f.auth.IssueCsrfToken(ctx, "session-a")
	require.NoError(t, err)
	require.NoError(t, f.auth.ValidateCsrfToken(ctx, "session-a", token))

	// Destroying the session invalidates the token everywhere.
	require.NoError(t, f.sessions.DeleteSecret(ctx, "session-a"))
	_, err = f.auth.IssueCsrfToken(ctx, "session-b")
	require.NoError(t, err)

	err = f.auth.ValidateCsrfToken(ctx, "session-b", token)
	assert.ErrorIs(t, err, ErrCsrfTokenInvalid)
	assert.Equal(t, 403, HTTPStatus(err))

	f.auth.Close()
	assert.Contains(t, f.events.types(), models.EventCsrfRejected)
}

type unavailableStore struct{}

var errDown = errors.New("connection refused")

func (unavailableStore) FindByIdentity(context.Context, models.IdentityField, string) (*models.Credential, error) {
	return nil, errDown
}
func (unavailableStore) FindByID(context.Context, string) (*models.Credential, error) {
	return nil, errDown
}
func (unavailableStore) Insert(context.Context, *models.Credential) (string, error) { return "", errDown }
func (unavailableStore) ReplaceHash(context.Context, string, models.HashEncoding) error {
	return errDown
}
func (unavailableStore) TouchLastLogin(context.Context, string, time.Time) error { return errDown }
func (unavailableStore) Delete(context.Context, string) error                    { return errDown }

func TestStoreUnavailablePropagates(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	auth := NewCredentialAuthenticator(Dependencies{
		Store:    unavailableStore{},
		Hasher:   f.hasher,
		Analyzer: strength.NewAnalyzer(strength.DefaultPolicy(), zap.NewNop()),
		Guard:    bruteforce.NewGuard(f.attempts, bruteforce.DefaultConfig(), zap.NewNop()),
		Csrf:     csrf.NewManager(f.sessions, zap.NewNop()),
	}, DefaultOptions())
	ctx := context.Background()

	_, err := auth.Authenticate(ctx, LoginRequest{Identity: "alice", Password: "pw", SourceIP: "203.0.113.5"})
	require.ErrorIs(t, err, ErrStoreUnavailable)
	require.ErrorIs(t, err, errDown)
	var se *StoreError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "find_credential", se.Op)
	assert.Equal(t, 503, HTTPStatus(err))

	_, err = auth.Register(ctx, RegisterRequest{Username: "alice", Email: "alice@example.com", Password: strongPassword})
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = auth.HashReport(ctx)
	assert.Error(t, err)
}
