package whitelist

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"gestured/internal/authcrypto"
)

// Schema for the key whitelist. One row per key; rowid preserves
// insertion order for signature matching.
const schema = `
CREATE TABLE IF NOT EXISTS keys (
    key_id                     TEXT PRIMARY KEY,
    algorithm                  TEXT NOT NULL,
    public_key                 TEXT NOT NULL,
    created_at                 INTEGER NOT NULL,
    last_used_at               INTEGER NOT NULL,
    attestation_verified       INTEGER NOT NULL DEFAULT 0,
    attestation_package        TEXT NOT NULL DEFAULT '',
    attestation_sig            TEXT NOT NULL DEFAULT '',
    attestation_security_level TEXT NOT NULL DEFAULT '',
    trust_status               TEXT NOT NULL,
    is_active                  INTEGER NOT NULL DEFAULT 1
);
`

// store is the sqlite persistence layer for the whitelist.
type store struct {
	db *sql.DB
}

// openStore opens or creates the database at path and applies the schema.
func openStore(path string) (*store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create whitelist directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open whitelist database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply whitelist schema: %w", err)
	}

	return &store{db: db}, nil
}

func (s *store) close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// loadAll reads every key row in insertion order.
func (s *store) loadAll() (map[string]*KeyEntry, []string, error) {
	rows, err := s.db.Query(`
		SELECT key_id, algorithm, public_key, created_at, last_used_at,
		       attestation_verified, attestation_package, attestation_sig,
		       attestation_security_level, trust_status, is_active
		FROM keys ORDER BY rowid`)
	if err != nil {
		return nil, nil, fmt.Errorf("load whitelist: %w", err)
	}
	defer rows.Close()

	entries := make(map[string]*KeyEntry)
	var order []string

	for rows.Next() {
		var (
			entry                KeyEntry
			algName, pubHex      string
			createdAt, lastUsed  int64
			attVerified, active  int
			attPackage, attSig   string
			attLevel, trustName  string
		)
		if err := rows.Scan(&entry.ID, &algName, &pubHex, &createdAt, &lastUsed,
			&attVerified, &attPackage, &attSig, &attLevel, &trustName, &active); err != nil {
			return nil, nil, fmt.Errorf("scan whitelist row: %w", err)
		}

		alg, err := authcrypto.ParseAlgorithm(algName)
		if err != nil {
			return nil, nil, err
		}
		pub, err := authcrypto.DecodeHex(pubHex)
		if err != nil {
			return nil, nil, fmt.Errorf("key %s: %w", entry.ID, err)
		}
		trust, err := parseTrustState(trustName)
		if err != nil {
			return nil, nil, err
		}

		entry.Algorithm = alg
		entry.PublicKey = pub
		entry.CreatedAt = unixTime(createdAt)
		entry.LastUsedAt = unixTime(lastUsed)
		entry.Trust = trust
		entry.Active = active != 0

		if attVerified != 0 {
			sig, err := authcrypto.DecodeHex(attSig)
			if err != nil {
				return nil, nil, fmt.Errorf("key %s attestation sig: %w", entry.ID, err)
			}
			entry.Attestation = &AttestationRecord{
				Verified:      true,
				PackageName:   attPackage,
				AppSignature:  sig,
				SecurityLevel: attLevel,
			}
		}

		entries[entry.ID] = &entry
		order = append(order, entry.ID)
	}

	return entries, order, rows.Err()
}

// insert writes a new key row. The write is synchronous: it completes
// before the in-memory map is touched.
func (s *store) insert(e *KeyEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO keys (key_id, algorithm, public_key, created_at, last_used_at,
		                  attestation_verified, attestation_package, attestation_sig,
		                  attestation_security_level, trust_status, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Algorithm.String(), authcrypto.EncodeHex(e.PublicKey),
		e.CreatedAt.Unix(), e.LastUsedAt.Unix(),
		boolInt(e.Attestation != nil && e.Attestation.Verified),
		attPackage(e), attSigHex(e), attLevel(e),
		e.Trust.String(), boolInt(e.Active),
	)
	if err != nil {
		return fmt.Errorf("insert key %s: %w", e.ID, err)
	}
	return nil
}

// update rewrites the mutable columns of a key row.
func (s *store) update(e *KeyEntry) error {
	res, err := s.db.Exec(`
		UPDATE keys SET last_used_at = ?, attestation_verified = ?,
		                attestation_package = ?, attestation_sig = ?,
		                attestation_security_level = ?, trust_status = ?, is_active = ?
		WHERE key_id = ?`,
		e.LastUsedAt.Unix(),
		boolInt(e.Attestation != nil && e.Attestation.Verified),
		attPackage(e), attSigHex(e), attLevel(e),
		e.Trust.String(), boolInt(e.Active), e.ID,
	)
	if err != nil {
		return fmt.Errorf("update key %s: %w", e.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// remove deletes a key row.
func (s *store) remove(keyID string) error {
	if _, err := s.db.Exec(`DELETE FROM keys WHERE key_id = ?`, keyID); err != nil {
		return fmt.Errorf("remove key %s: %w", keyID, err)
	}
	return nil
}

func attPackage(e *KeyEntry) string {
	if e.Attestation == nil {
		return ""
	}
	return e.Attestation.PackageName
}

func attSigHex(e *KeyEntry) string {
	if e.Attestation == nil {
		return ""
	}
	return authcrypto.EncodeHex(e.Attestation.AppSignature)
}

func attLevel(e *KeyEntry) string {
	if e.Attestation == nil {
		return ""
	}
	return e.Attestation.SecurityLevel
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixTime(sec int64) time.Time {
	return time.Unix(sec, 0)
}

