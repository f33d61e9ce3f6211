package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"credguard/internal/bruteforce"
	"credguard/internal/csrf"
	"credguard/internal/hashing"
	"credguard/internal/models"
	"credguard/internal/repository"
	"credguard/internal/strength"
	"credguard/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	maxPasswordBytes = 72 // bcrypt input limit
	sinkTimeout      = 5 * time.Second
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{3,64}$`)

// CredentialStore is the narrow persistence contract the authenticator
// needs. Lookups return repository.ErrNotFound; Insert returns
// repository.ErrDuplicate when either identity field is taken.
type CredentialStore interface {
	FindByIdentity(ctx context.Context, field models.IdentityField, value string) (*models.Credential, error)
	FindByID(ctx context.Context, id string) (*models.Credential, error)
	Insert(ctx context.Context, cred *models.Credential) (string, error)
	ReplaceHash(ctx context.Context, id string, enc models.HashEncoding) error
	TouchLastLogin(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error
}

// HashCensus is implemented by stores that can enumerate stored encodings.
type HashCensus interface {
	ScanHashes(ctx context.Context, fn func(models.StoredHash) error) error
}

// ComparisonSink receives benchmark telemetry. It must not block.
type ComparisonSink interface {
	AppendComparisonRecord(ctx context.Context, record *models.HashComparisonRecord) error
}

// EventSink receives security events, best-effort.
type EventSink interface {
	Publish(ctx context.Context, event *models.SecurityEvent) error
}

type Options struct {
	ScoreGate           bool
	StructuralGate      bool
	BenchmarkOnRegister bool
}

func DefaultOptions() Options {
	return Options{ScoreGate: true, StructuralGate: true}
}

type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Identity string `json:"identity"`
	Password string `json:"password"`
	SourceIP string `json:"-"`
}

type ChangePasswordRequest struct {
	CredentialID    string `json:"-"`
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// HashReport classifies stored encodings by their value, not by the tag
// the row carries. Mismatched counts rows whose tag disagrees.
type HashReport struct {
	Total             int                      `json:"total"`
	ByAlgorithm       map[models.Algorithm]int `json:"by_algorithm"`
	Mismatched        int                      `json:"mismatched"`
	AverageHashLength float64                  `json:"average_hash_length"`
	HashLengths       map[int]int              `json:"hash_lengths"`
	MostCommon        models.Algorithm         `json:"most_common,omitempty"`
	Earliest          time.Time                `json:"earliest,omitzero"`
	Latest            time.Time                `json:"latest,omitzero"`
	CreatedPerDay     []DailyCount             `json:"created_per_day"`
}

type DailyCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// CredentialAuthenticator orchestrates registration, login and password
// lifecycle over the hasher, analyzer, guard and CSRF manager.
type CredentialAuthenticator struct {
	store       CredentialStore
	hasher      *hashing.Hasher
	analyzer    *strength.Analyzer
	guard       *bruteforce.Guard
	csrf        *csrf.Manager
	comparisons ComparisonSink
	events      EventSink
	opts        Options
	logger      *zap.Logger
	now         func() time.Time

	background sync.WaitGroup
}

type Dependencies struct {
	Store       CredentialStore
	Hasher      *hashing.Hasher
	Analyzer    *strength.Analyzer
	Guard       *bruteforce.Guard
	Csrf        *csrf.Manager
	Comparisons ComparisonSink
	Events      EventSink
	Logger      *zap.Logger
	Clock       func() time.Time
}

func NewCredentialAuthenticator(deps Dependencies, opts Options) *CredentialAuthenticator {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &CredentialAuthenticator{
		store:       deps.Store,
		hasher:      deps.Hasher,
		analyzer:    deps.Analyzer,
		guard:       deps.Guard,
		csrf:        deps.Csrf,
		comparisons: deps.Comparisons,
		events:      deps.Events,
		opts:        opts,
		logger:      logger,
		now:         clock,
	}
}

// Register persists a new credential. Only the bcrypt encoding is stored.
func (a *CredentialAuthenticator) Register(ctx context.Context, req RegisterRequest) (*models.Credential, error) {
	startTime := time.Now()

	username := util.NormalizeUsername(req.Username)
	email := util.NormalizeEmail(req.Email)

	if errs := validateIdentity(username, email); len(errs) > 0 {
		return nil, newValidationError(errs...)
	}
	if err := a.passwordGates(req.Password, username, email); err != nil {
		return nil, err
	}

	for _, claim := range []struct {
		field models.IdentityField
		value string
	}{
		{models.IdentityUsername, username},
		{models.IdentityEmail, email},
	} {
		_, err := a.store.FindByIdentity(ctx, claim.field, claim.value)
		switch {
		case err == nil:
			a.logger.Info("Registration rejected: identity taken", zap.String("field", string(claim.field)))
			return nil, ErrDuplicateIdentity
		case !errors.Is(err, repository.ErrNotFound):
			return nil, storeError("find_credential", err)
		}
	}

	hashed, err := a.hasher.HashAlgorithm(ctx, req.Password, models.AlgorithmBcrypt)
	if err != nil {
		return nil, a.hashError(err)
	}

	now := a.now().UTC()
	cred := &models.Credential{
		ID:        uuid.NewString(),
		Username:  username,
		Email:     email,
		Hash:      hashed.Encoding,
		CreatedAt: now,
		UpdatedAt: now,
	}

	id, err := a.store.Insert(ctx, cred)
	if err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrDuplicateIdentity
		}
		return nil, storeError("insert_credential", err)
	}
	cred.ID = id

	a.logger.Info("Credential registered",
		zap.String("credential_id", cred.ID),
		zap.Float64("hash_ms", hashed.ElapsedMs()),
		zap.Duration("duration", time.Since(startTime)),
	)
	a.emit(models.EventRegistered, cred.ID, username, "", nil)

	if a.opts.BenchmarkOnRegister {
		a.benchmarkAsync(cred.ID, req.Password)
	}

	return cred, nil
}

// Authenticate checks admission before any hash work, then verifies.
// Unknown identities and wrong passwords are indistinguishable to the caller.
func (a *CredentialAuthenticator) Authenticate(ctx context.Context, req LoginRequest) (*models.Credential, error) {
	identity := strings.TrimSpace(req.Identity)
	if identity == "" || req.Password == "" {
		return nil, newValidationError("identity and password are required")
	}

	field, value := identityLookup(identity)
	src := a.guard.Source(req.SourceIP, value)

	adm, err := a.guard.CheckAdmission(ctx, src)
	if err != nil {
		return nil, storeError("check_admission", err)
	}
	if !adm.Admitted {
		a.emit(models.EventLockout, "", value, req.SourceIP, map[string]string{
			"count": fmt.Sprint(adm.CurrentCount),
		})
		return nil, &TooManyAttemptsError{RetryAfter: adm.RetryAfter, Count: adm.CurrentCount}
	}

	cred, err := a.store.FindByIdentity(ctx, field, value)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, storeError("find_credential", err)
		}
		a.hasher.VerifyDecoy(ctx, req.Password)
		a.guard.RecordFailure(ctx, src, emailOf(field, value))
		a.logger.Info("Login failed: unknown identity", zap.String("source", src.Key()))
		a.emit(models.EventLoginFailed, "", value, req.SourceIP, map[string]string{"reason": "unknown_identity"})
		return nil, ErrInvalidCredentials
	}

	ok, err := a.hasher.Verify(ctx, req.Password, cred.Hash)
	if err != nil {
		return nil, a.verifyError(cred, err)
	}
	if !ok {
		a.guard.RecordFailure(ctx, src, emailOf(field, value))
		a.logger.Info("Login failed: wrong password",
			zap.String("credential_id", cred.ID),
			zap.String("source", src.Key()),
		)
		a.emit(models.EventLoginFailed, cred.ID, value, req.SourceIP, map[string]string{"reason": "wrong_password"})
		return nil, ErrInvalidCredentials
	}

	a.guard.Clear(ctx, src)

	now := a.now().UTC()
	if err := a.store.TouchLastLogin(ctx, cred.ID, now); err != nil {
		a.logger.Warn("Failed to record last login", zap.String("credential_id", cred.ID), zap.Error(err))
	} else {
		cred.LastLoginAt = &now
	}

	if a.hasher.NeedsRehash(cred.Hash) {
		a.rehash(ctx, cred, req.Password)
	}

	a.logger.Info("Login succeeded", zap.String("credential_id", cred.ID))
	a.emit(models.EventLoginSucceeded, cred.ID, value, req.SourceIP, nil)

	return cred, nil
}

// rehash upgrades an encoding produced under older parameters. Failure
// leaves the old, still valid, hash in place.
func (a *CredentialAuthenticator) rehash(ctx context.Context, cred *models.Credential, password string) {
	fresh, err := a.hasher.HashAlgorithm(ctx, password, models.AlgorithmBcrypt)
	if err != nil {
		a.logger.Warn("Rehash failed", zap.String("credential_id", cred.ID), zap.Error(err))
		return
	}
	if err := a.store.ReplaceHash(ctx, cred.ID, fresh.Encoding); err != nil {
		a.logger.Warn("Rehash not stored", zap.String("credential_id", cred.ID), zap.Error(err))
		return
	}
	cred.Hash = fresh.Encoding
	a.logger.Info("Credential rehashed", zap.String("credential_id", cred.ID))
}

// ChangePassword replaces the stored hash in one update, so the old hash
// stays valid until the new one is in place.
func (a *CredentialAuthenticator) ChangePassword(ctx context.Context, req ChangePasswordRequest) error {
	if req.CurrentPassword == "" || req.NewPassword == "" {
		return newValidationError("current and new password are required")
	}

	cred, err := a.loadAndVerify(ctx, req.CredentialID, req.CurrentPassword)
	if err != nil {
		return err
	}

	if req.NewPassword == req.CurrentPassword {
		return newValidationError("new password must differ from the current password")
	}
	if err := a.passwordGates(req.NewPassword, cred.Username, cred.Email); err != nil {
		return err
	}

	hashed, err := a.hasher.HashAlgorithm(ctx, req.NewPassword, models.AlgorithmBcrypt)
	if err != nil {
		return a.hashError(err)
	}
	if err := a.store.ReplaceHash(ctx, cred.ID, hashed.Encoding); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrInvalidCredentials
		}
		return storeError("replace_hash", err)
	}

	a.logger.Info("Password changed", zap.String("credential_id", cred.ID))
	a.emit(models.EventPasswordChanged, cred.ID, cred.Username, "", nil)
	return nil
}

// DeleteAccount re-verifies the password before destroying the credential.
func (a *CredentialAuthenticator) DeleteAccount(ctx context.Context, credentialID, password string) error {
	if password == "" {
		return newValidationError("password is required")
	}

	cred, err := a.loadAndVerify(ctx, credentialID, password)
	if err != nil {
		return err
	}

	if err := a.store.Delete(ctx, cred.ID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrInvalidCredentials
		}
		return storeError("delete_credential", err)
	}

	a.logger.Info("Account deleted", zap.String("credential_id", cred.ID))
	a.emit(models.EventAccountDeleted, cred.ID, cred.Username, "", nil)
	return nil
}

// loadAndVerify re-checks the password of a signed-in account. Failures are
// counted per credential so a stolen session cannot guess the password.
func (a *CredentialAuthenticator) loadAndVerify(ctx context.Context, credentialID, password string) (*models.Credential, error) {
	src := a.guard.ForCredential(credentialID)
	adm, err := a.guard.CheckAdmission(ctx, src)
	if err != nil {
		return nil, storeError("check_admission", err)
	}
	if !adm.Admitted {
		a.emit(models.EventLockout, credentialID, "", "", map[string]string{
			"count":  fmt.Sprint(adm.CurrentCount),
			"reason": "reverify",
		})
		return nil, &TooManyAttemptsError{RetryAfter: adm.RetryAfter, Count: adm.CurrentCount}
	}

	cred, err := a.store.FindByID(ctx, credentialID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			a.hasher.VerifyDecoy(ctx, password)
			return nil, ErrInvalidCredentials
		}
		return nil, storeError("find_credential", err)
	}

	ok, err := a.hasher.Verify(ctx, password, cred.Hash)
	if err != nil {
		return nil, a.verifyError(cred, err)
	}
	if !ok {
		a.guard.RecordFailure(ctx, src, cred.Email)
		a.logger.Info("Password re-verification failed", zap.String("credential_id", cred.ID))
		a.emit(models.EventLoginFailed, cred.ID, cred.Username, "", map[string]string{"reason": "reverify_wrong_password"})
		return nil, ErrInvalidCredentials
	}
	a.guard.Clear(ctx, src)
	return cred, nil
}

// Benchmark hashes and verifies with both algorithms and hands the timings
// to the comparison sink. Sink failures never fail the call.
func (a *CredentialAuthenticator) Benchmark(ctx context.Context, identity, password string) (*models.HashComparisonRecord, error) {
	if password == "" {
		return nil, newValidationError("password is required")
	}
	if len(password) > maxPasswordBytes {
		return nil, newValidationError("password is too long")
	}

	pair, err := a.hasher.Hash(ctx, password)
	if err != nil {
		return nil, a.hashError(err)
	}

	record := &models.HashComparisonRecord{
		RecordID:  uuid.NewString(),
		Identity:  identity,
		CreatedAt: a.now().UTC(),
	}

	for _, side := range []struct {
		result hashing.Result
		out    *models.AlgorithmTiming
	}{
		{pair.Bcrypt, &record.Bcrypt},
		{pair.Argon2id, &record.Argon2id},
	} {
		ok, elapsed, err := a.hasher.VerifyTimed(ctx, password, side.result.Encoding)
		if err != nil {
			return nil, fmt.Errorf("benchmark verify %s: %w", side.result.Encoding.Algorithm, err)
		}
		*side.out = models.AlgorithmTiming{
			Algorithm: side.result.Encoding.Algorithm,
			Encoding:  side.result.Encoding.Value,
			HashMs:    side.result.ElapsedMs(),
			VerifyMs:  float64(elapsed.Microseconds()) / 1000,
			Verified:  ok,
		}
	}

	if a.comparisons != nil {
		if err := a.comparisons.AppendComparisonRecord(ctx, record); err != nil {
			a.logger.Warn("Comparison record dropped", zap.String("record_id", record.RecordID), zap.Error(err))
		}
	}

	a.logger.Debug("Hash benchmark completed",
		zap.String("record_id", record.RecordID),
		zap.Float64("bcrypt_hash_ms", record.Bcrypt.HashMs),
		zap.Float64("argon2id_hash_ms", record.Argon2id.HashMs),
		zap.String("faster", string(record.FasterAlgorithm())),
	)

	return record, nil
}

func (a *CredentialAuthenticator) benchmarkAsync(identity, password string) {
	a.background.Add(1)
	go func() {
		defer a.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := a.Benchmark(ctx, identity, password); err != nil {
			a.logger.Warn("Registration benchmark failed", zap.String("credential_id", identity), zap.Error(err))
		}
	}()
}

// HashReport tallies stored encodings per detected algorithm along with
// length and creation-date statistics. Days are UTC.
func (a *CredentialAuthenticator) HashReport(ctx context.Context) (*HashReport, error) {
	census, ok := a.store.(HashCensus)
	if !ok {
		return nil, errors.New("credential store does not support hash reports")
	}

	report := &HashReport{
		ByAlgorithm: make(map[models.Algorithm]int),
		HashLengths: make(map[int]int),
	}
	var (
		totalLen int
		perDay   = make(map[string]int)
	)
	err := census.ScanHashes(ctx, func(h models.StoredHash) error {
		detected := hashing.DetectAlgorithm(h.Value)
		report.Total++
		report.ByAlgorithm[detected]++
		if detected != h.Tag {
			report.Mismatched++
		}
		n := len(h.Value)
		totalLen += n
		report.HashLengths[n]++

		if h.CreatedAt.IsZero() {
			return nil
		}
		created := h.CreatedAt.UTC()
		if report.Earliest.IsZero() || created.Before(report.Earliest) {
			report.Earliest = created
		}
		if created.After(report.Latest) {
			report.Latest = created
		}
		perDay[created.Format(time.DateOnly)]++
		return nil
	})
	if err != nil {
		return nil, storeError("scan_hashes", err)
	}
	if report.Total == 0 {
		return report, nil
	}

	report.AverageHashLength = math.Round(float64(totalLen)/float64(report.Total)*100) / 100
	report.MostCommon = mostCommon(report.ByAlgorithm)
	report.CreatedPerDay = make([]DailyCount, 0, len(perDay))
	for day, n := range perDay {
		report.CreatedPerDay = append(report.CreatedPerDay, DailyCount{Date: day, Count: n})
	}
	sort.Slice(report.CreatedPerDay, func(i, j int) bool {
		return report.CreatedPerDay[i].Date < report.CreatedPerDay[j].Date
	})
	return report, nil
}

// mostCommon breaks ties by name so the result is stable.
func mostCommon(counts map[models.Algorithm]int) models.Algorithm {
	var (
		best  models.Algorithm
		bestN int
	)
	for alg, n := range counts {
		if n > bestN || (n == bestN && alg < best) {
			best, bestN = alg, n
		}
	}
	return best
}

func (a *CredentialAuthenticator) ScorePassword(password string, userInputs ...string) strength.Result {
	return a.analyzer.Score(password, userInputs...)
}

func (a *CredentialAuthenticator) ValidatePassword(password string) strength.Validation {
	return a.analyzer.Validate(password)
}

func (a *CredentialAuthenticator) CheckAdmission(ctx context.Context, sourceIP, identity string) (bruteforce.Admission, error) {
	_, value := identityLookup(strings.TrimSpace(identity))
	adm, err := a.guard.CheckAdmission(ctx, a.guard.Source(sourceIP, value))
	if err != nil {
		return adm, storeError("check_admission", err)
	}
	return adm, nil
}

func (a *CredentialAuthenticator) IssueCsrfToken(ctx context.Context, sessionID string) (string, error) {
	token, err := a.csrf.Issue(ctx, sessionID)
	if err != nil {
		return "", storeError("issue_csrf_token", err)
	}
	return token, nil
}

func (a *CredentialAuthenticator) ValidateCsrfToken(ctx context.Context, sessionID, token string) error {
	err := a.csrf.Validate(ctx, sessionID, token)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, csrf.ErrTokenInvalid):
		a.logger.Info("CSRF token rejected", zap.String("session_id", sessionID))
		a.emit(models.EventCsrfRejected, "", "", "", map[string]string{"session_id": sessionID})
		return ErrCsrfTokenInvalid
	default:
		return storeError("validate_csrf_token", err)
	}
}

// Close waits for background benchmarks and event deliveries.
func (a *CredentialAuthenticator) Close() {
	a.background.Wait()
}

func (a *CredentialAuthenticator) passwordGates(password string, userInputs ...string) error {
	if password == "" {
		return newValidationError("password is too short")
	}
	if len(password) > maxPasswordBytes {
		return newValidationError("password is too long")
	}

	if a.opts.ScoreGate {
		result := a.analyzer.Score(password, userInputs...)
		if !a.analyzer.MeetsMinimum(result) {
			a.logger.Info("Password rejected by strength gate", zap.Int("score", result.Score))
			return &WeakPasswordError{Result: result, MinScore: a.analyzer.Policy().MinScore}
		}
	}
	if a.opts.StructuralGate {
		if v := a.analyzer.Validate(password); !v.IsValid {
			a.logger.Info("Password rejected by structural policy", zap.Strings("errors", v.Errors))
			return newValidationError(v.Errors...)
		}
	}
	return nil
}

func (a *CredentialAuthenticator) verifyError(cred *models.Credential, err error) error {
	if errors.Is(err, hashing.ErrInvalidHash) || errors.Is(err, hashing.ErrIncompatibleVersion) {
		a.logger.Error("Stored hash is corrupt",
			zap.String("credential_id", cred.ID),
			zap.String("algorithm", string(cred.Hash.Algorithm)),
			zap.Error(err),
		)
		a.emit(models.EventIntegrityFault, cred.ID, "", "", nil)
		return &IntegrityError{CredentialID: cred.ID, Err: err}
	}
	return fmt.Errorf("verify password: %w", err)
}

func (a *CredentialAuthenticator) hashError(err error) error {
	switch {
	case errors.Is(err, hashing.ErrEmptyPassword):
		return newValidationError("password is too short")
	case errors.Is(err, hashing.ErrPasswordTooLong):
		return newValidationError("password is too long")
	default:
		return fmt.Errorf("hash password: %w", err)
	}
}

func (a *CredentialAuthenticator) emit(kind models.SecurityEventType, credentialID, identity, ip string, details map[string]string) {
	if a.events == nil {
		return
	}

	event := &models.SecurityEvent{
		EventID:      uuid.NewString(),
		EventType:    kind,
		EventTime:    a.now().UTC(),
		CredentialID: credentialID,
		Identity:     identity,
		IPAddress:    util.NormalizeIP(ip),
		Details:      details,
	}

	a.background.Add(1)
	go func() {
		defer a.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		defer cancel()
		if err := a.events.Publish(ctx, event); err != nil {
			a.logger.Warn("Security event not delivered",
				zap.String("event_type", string(kind)),
				zap.Error(err),
			)
		}
	}()
}

func validateIdentity(username, email string) []string {
	var errs []string
	if !usernamePattern.MatchString(username) {
		errs = append(errs, "username must be 3-64 characters of letters, digits, '.', '_' or '-'")
	}
	if !util.LooksLikeEmail(email) || util.ContainsSuspicious(email) {
		errs = append(errs, "email is invalid")
	}
	return errs
}

// identityLookup treats anything containing '@' as an email.
func identityLookup(identity string) (models.IdentityField, string) {
	if strings.Contains(identity, "@") {
		return models.IdentityEmail, util.NormalizeEmail(identity)
	}
	return models.IdentityUsername, util.NormalizeUsername(identity)
}

func emailOf(field models.IdentityField, value string) string {
	if field == models.IdentityEmail {
		return value
	}
	return ""
}
