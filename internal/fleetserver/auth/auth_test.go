package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUserStore struct {
	users map[string]UserRecord
}

func (f *fakeUserStore) GetUser(username string) (UserRecord, bool) {
	u, ok := f.users[username]
	return u, ok
}

func (f *fakeUserStore) SetBcryptHash(username, hash string) error {
	u := f.users[username]
	u.BcryptHash = hash
	u.LegacySHA256Hex = ""
	f.users[username] = u
	return nil
}

func TestVerifyAndMigrateAcceptsCorrectBcryptPassword(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)
	store := &fakeUserStore{users: map[string]UserRecord{"alice": {Username: "alice", BcryptHash: hash}}}

	ok, err := VerifyAndMigrate(store, "alice", "correct horse battery staple")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyAndMigrateRejectsWrongPassword(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)
	store := &fakeUserStore{users: map[string]UserRecord{"alice": {Username: "alice", BcryptHash: hash}}}

	ok, err := VerifyAndMigrate(store, "alice", "wrong password")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyAndMigrateUpgradesLegacyHashOnSuccess(t *testing.T) {
	sum := sha256.Sum256([]byte("legacy-password"))
	store := &fakeUserStore{users: map[string]UserRecord{
		"bob": {Username: "bob", LegacySHA256Hex: hex.EncodeToString(sum[:])},
	}}

	ok, err := VerifyAndMigrate(store, "bob", "legacy-password")
	require.NoError(t, err)
	assert.True(t, ok)

	migrated := store.users["bob"]
	assert.NotEmpty(t, migrated.BcryptHash, "a successful legacy login must upgrade the stored hash to bcrypt")
	assert.Empty(t, migrated.LegacySHA256Hex)

	ok2, err := VerifyAndMigrate(store, "bob", "legacy-password")
	require.NoError(t, err)
	assert.True(t, ok2, "the migrated bcrypt hash must still verify the same password")
}

func TestVerifyAndMigrateUnknownUserReturnsFalseNotError(t *testing.T) {
	store := &fakeUserStore{users: map[string]UserRecord{}}
	ok, err := VerifyAndMigrate(store, "ghost", "whatever")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSessionIssueAndLookup(t *testing.T) {
	store := NewSessionStore(0)
	rec := httptest.NewRecorder()
	sess, err := store.Issue(rec, "alice", true)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.CSRFToken)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}

	got, ok := store.Lookup(req)
	require.True(t, ok)
	assert.Equal(t, "alice", got.Username)
}

func TestRequireSessionRejectsMissingCookie(t *testing.T) {
	store := NewSessionStore(0)
	handler := store.RequireSession(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireCSRFRejectsMissingToken(t *testing.T) {
	store := NewSessionStore(0)
	issueRec := httptest.NewRecorder()
	_, err := store.Issue(issueRec, "alice", true)
	require.NoError(t, err)

	handler := store.RequireCSRF(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	for _, c := range issueRec.Result().Cookies() {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	handler(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRequireCSRFAcceptsMatchingToken(t *testing.T) {
	store := NewSessionStore(0)
	issueRec := httptest.NewRecorder()
	sess, err := store.Issue(issueRec, "alice", true)
	require.NoError(t, err)

	handler := store.RequireCSRF(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	for _, c := range issueRec.Result().Cookies() {
		req.AddCookie(c)
	}
	req.Header.Set("X-CSRF-Token", sess.CSRFToken)
	rec := httptest.NewRecorder()
	handler(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRevokeClearsSession(t *testing.T) {
	store := NewSessionStore(0)
	issueRec := httptest.NewRecorder()
	_, err := store.Issue(issueRec, "alice", true)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	for _, c := range issueRec.Result().Cookies() {
		req.AddCookie(c)
	}
	revokeRec := httptest.NewRecorder()
	store.Revoke(revokeRec, req)

	_, ok := store.Lookup(req)
	assert.False(t, ok, "a revoked session must no longer be valid even with the original cookie")
}
