package vault

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/scrubline/scrubline/core/apperr"
)

// Store is the single-file encrypted vault's persistence layer. It knows
// nothing about encryption; every blob it stores is already ciphertext or
// non-sensitive metadata. Vault is the only caller that should construct
// one directly — other components receive a *Store handle so they can
// persist their own durable state (e.g. the scheduler's checkpoints)
// through the same single-writer, single-file discipline rather than
// standing up a second storage engine.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) a SQLite-backed store at path and
// brings its schema up to date.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, apperr.Wrap(apperr.KindIO, "opening vault file", err)
	}
	db.SetMaxOpenConns(1) // single-writer discipline per record via one connection

	if err := applyMigrations(db); err != nil {
		_ = db.Close()
		return nil, apperr.Wrap(apperr.KindIO, "migrating vault schema", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic. No lock is held across a suspension point beyond
// the transaction's own short writer lock.
func (s *Store) WithTx(fn func(*sql.Tx) error) (err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return apperr.Wrap(apperr.KindIO, "beginning transaction", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.KindIO, "committing transaction", err)
	}
	return nil
}

// PutVerifier writes the unlock verifier row, used once at vault creation.
func (s *Store) PutVerifier(salt, tag, nonce []byte) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO verifier (id, salt, tag, nonce) VALUES (1, ?, ?, ?)`, salt, tag, nonce)
	if err != nil {
		return apperr.Wrap(apperr.KindIO, "writing verifier", err)
	}
	return nil
}

// GetVerifier reads the unlock verifier row. Returns ok=false if the vault
// has never been initialized.
func (s *Store) GetVerifier() (salt, tag, nonce []byte, ok bool, err error) {
	row := s.db.QueryRow(`SELECT salt, tag, nonce FROM verifier WHERE id = 1`)
	if scanErr := row.Scan(&salt, &tag, &nonce); scanErr != nil {
		if scanErr == sql.ErrNoRows {
			return nil, nil, nil, false, nil
		}
		return nil, nil, nil, false, apperr.Wrap(apperr.KindIO, "reading verifier", scanErr)
	}
	return salt, tag, nonce, true, nil
}

// PutRecord upserts a JSON-encoded record into table keyed by id. idCol and
// extraCols let callers populate index columns alongside the opaque blob;
// extraVals must align positionally with extraCols.
func (s *Store) PutRecord(table, idCol string, id string, extraCols []string, extraVals []any, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, "encoding record", err)
	}

	cols := append([]string{idCol, "record"}, extraCols...)
	placeholders := make([]string, len(cols))
	vals := make([]any, 0, len(cols)+1)
	vals = append(vals, id, data)
	for i := range cols {
		placeholders[i] = "?"
	}
	vals = append(vals, extraVals...)

	query := fmt.Sprintf(`INSERT OR REPLACE INTO %s (%s) VALUES (%s)`,
		table, joinCols(cols), joinPlaceholders(len(cols)))
	_, err = s.db.Exec(query, vals...)
	if err != nil {
		return apperr.Wrap(apperr.KindIO, "writing record to "+table, err)
	}
	return nil
}

// GetRecord reads the JSON-encoded record blob for id from table and decodes
// it into dest.
func (s *Store) GetRecord(table, idCol string, id string, dest any) (bool, error) {
	query := fmt.Sprintf(`SELECT record FROM %s WHERE %s = ?`, table, idCol)
	row := s.db.QueryRow(query, id)
	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, apperr.Wrap(apperr.KindIO, "reading record from "+table, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, apperr.Wrap(apperr.KindFatal, "decoding record from "+table, err)
	}
	return true, nil
}

// ListRecords decodes every record in table via decodeFn, which should
// json.Unmarshal into a fresh value and append it to an accumulator in the
// caller's closure.
func (s *Store) ListRecords(table string, decodeFn func(data []byte) error) error {
	rows, err := s.db.Query(fmt.Sprintf(`SELECT record FROM %s`, table))
	if err != nil {
		return apperr.Wrap(apperr.KindIO, "listing records from "+table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return apperr.Wrap(apperr.KindIO, "scanning record from "+table, err)
		}
		if err := decodeFn(data); err != nil {
			return err
		}
	}
	return rows.Err()
}

func joinCols(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}

func joinPlaceholders(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			out += ", "
		}
		out += "?"
	}
	return out
}

// nowRFC3339 formats t the way timestamp columns are stored.
func nowRFC3339(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }
