package auth

import "fmt"

// KVStore is the narrow dotted-path contract ConfigUserStore needs; it is
// satisfied by *internal/configstore.Store without this package importing
// it, the same narrowing httpapi applies to its own ConfigStore contract.
type KVStore interface {
	Get(path string) (any, bool)
	Set(path string, value any)
}

// ConfigUserStore persists admin accounts under the "admin.users.<name>"
// subtree of a KVStore: a small fixed admin population, not a general user
// system. It does not mark that subtree secret itself (see
// NewConfigUserStore). It is the only concrete UserStore this package ships.
type ConfigUserStore struct {
	kv KVStore
}

// NewConfigUserStore wraps kv. Callers should call kv.(*configstore.Store).MarkSecret
// on the "admin.users" prefix before first Save, since this store cannot see
// the concrete type.
func NewConfigUserStore(kv KVStore) *ConfigUserStore {
	return &ConfigUserStore{kv: kv}
}

func userPath(username, field string) string {
	return fmt.Sprintf("admin.users.%s.%s", username, field)
}

// GetUser implements UserStore.
func (s *ConfigUserStore) GetUser(username string) (UserRecord, bool) {
	bcryptHash, hasBcrypt := s.kv.Get(userPath(username, "bcrypt_hash"))
	legacy, hasLegacy := s.kv.Get(userPath(username, "legacy_sha256"))
	if !hasBcrypt && !hasLegacy {
		return UserRecord{}, false
	}
	record := UserRecord{Username: username}
	if hasBcrypt {
		record.BcryptHash, _ = bcryptHash.(string)
	}
	if hasLegacy {
		record.LegacySHA256Hex, _ = legacy.(string)
	}
	return record, true
}

// SetBcryptHash implements UserStore, clearing any legacy hash once the
// bcrypt hash is in place (migration contract).
func (s *ConfigUserStore) SetBcryptHash(username, bcryptHash string) error {
	s.kv.Set(userPath(username, "bcrypt_hash"), bcryptHash)
	s.kv.Set(userPath(username, "legacy_sha256"), "")
	return nil
}

// SeedIfEmpty creates username with password if that account does not
// already exist, so a fresh Fleet Server install always has one admin
// login instead of an unreachable admin surface. No-op once the account
// exists, including after a prior SeedIfEmpty call.
func (s *ConfigUserStore) SeedIfEmpty(username, password string) error {
	if _, ok := s.GetUser(username); ok {
		return nil
	}
	hash, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("auth: seed admin user: %w", err)
	}
	return s.SetBcryptHash(username, hash)
}
