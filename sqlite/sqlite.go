// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package sqlite implements persistent endpoint provisioning with a SQLite
// database: certificate slots and their signing keys, pre-shared keys,
// measurement blocks and a log of connection and session events.
package sqlite

import (
	"context"
	"crypto"
	"crypto/x509"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/openspdm/go-spdm"
	"github.com/openspdm/go-spdm/protocol"
)

// DB implements SPDM endpoint persistence.
type DB struct {
	// Log all SQL queries to this optional writer.
	DebugLog io.Writer

	db *sql.DB
}

// New creates a DB. The expected tables must be created and FOREIGN_KEYS must
// be enabled before the database is used.
func New(db *sql.DB) *DB { return &DB{db: db} }

// Init ensures all tables are created and pragma are set. It does not
// recognize if tables have been created with invalid schemas.
func Init(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cert_slots
			( slot INTEGER PRIMARY KEY CHECK (slot BETWEEN 0 AND 7)
			, x509_chain BLOB NOT NULL
			, pkcs8 BLOB
			)`,
		`CREATE TABLE IF NOT EXISTS psks
			( hint BLOB PRIMARY KEY
			, psk BLOB NOT NULL
			)`,
		`CREATE TABLE IF NOT EXISTS measurements
			( idx INTEGER PRIMARY KEY CHECK (idx BETWEEN 1 AND 254)
			, spec INTEGER NOT NULL
			, measurement BLOB NOT NULL
			)`,
		`CREATE TABLE IF NOT EXISTS events
			( id INTEGER PRIMARY KEY AUTOINCREMENT
			, time INTEGER NOT NULL
			, role TEXT NOT NULL
			, type TEXT NOT NULL
			, version INTEGER NOT NULL
			, session_id INTEGER NOT NULL
			, error TEXT
			)`,
		`CREATE INDEX IF NOT EXISTS events_session
			ON events(session_id, id)`,
		`PRAGMA foreign_keys = ON`,
	}
	for _, sql := range stmts {
		if _, err := db.Exec(sql); err != nil {
			_ = db.Close()
			if strings.Contains(err.Error(), "file is not a database") {
				return fmt.Errorf("file is not a database: likely due to incorrect or missing database password")
			}
			return fmt.Errorf("error creating tables: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (db *DB) Close() error { return db.db.Close() }

// DB returns the underlying database/sql DB.
func (db *DB) DB() *sql.DB { return db.db }

type debugLogKey struct{}

func (db *DB) debugCtx(parent context.Context) context.Context {
	return context.WithValue(parent, debugLogKey{}, db.DebugLog)
}

func debug(ctx context.Context, format string, a ...any) {
	w, ok := ctx.Value(debugLogKey{}).(io.Writer)
	if !ok || w == nil {
		return
	}
	msg := strings.TrimSpace(fmt.Sprintf(format, a...))
	_, _ = fmt.Fprintln(w, msg)
}

// Compile-time check for interface implementation correctness
var _ interface {
	spdm.PSKStore
	spdm.MeasurementStore
	spdm.EventHandler
} = (*DB)(nil)

func (db *DB) upsert(ctx context.Context, table string, kvs map[string]any, conflict string) error {
	return upsert(db.debugCtx(ctx), db.db, table, kvs, conflict)
}

func (db *DB) query(ctx context.Context, table string, columns []string, where map[string]any, into ...any) error {
	return query(db.debugCtx(ctx), db.db, table, columns, where, into...)
}

func (db *DB) remove(ctx context.Context, table string, where map[string]any) error {
	return remove(db.debugCtx(ctx), db.db, table, where)
}

// Allows using *sql.DB or *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Allows using *sql.DB or *sql.Tx
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// upsert inserts a row, replacing the other columns of a row with the same
// conflict column. An empty conflict column inserts unconditionally.
func upsert(ctx context.Context, db execer, table string, kvs map[string]any, conflict string) error {
	columns := slices.Sorted(maps.Keys(kvs))
	args := make([]any, len(columns))
	for i, name := range columns {
		args[i] = kvs[name]
	}
	markers := slices.Repeat([]string{"?"}, len(columns))

	var onConflict string
	if conflict != "" {
		var updates []string
		for _, key := range columns {
			if key != conflict {
				updates = append(updates, fmt.Sprintf("`%s` = excluded.`%s`", key, key))
			}
		}
		onConflict = fmt.Sprintf(" ON CONFLICT(`%s`) DO UPDATE SET %s", conflict, strings.Join(updates, ", "))
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)%s",
		table,
		"`"+strings.Join(columns, "`, `")+"`",
		strings.Join(markers, ", "),
		onConflict,
	)
	debug(ctx, "sqlite: %s\n%+v", query, columns)
	_, err := db.ExecContext(ctx, query, args...)
	return err
}

func where(kvs map[string]any) (string, []any) {
	keys := slices.Sorted(maps.Keys(kvs))
	clauses := make([]string, len(keys))
	vals := make([]any, len(keys))
	for i, key := range keys {
		clauses[i] = "`" + key + "` = ?"
		vals[i] = kvs[key]
	}
	return strings.Join(clauses, " AND "), vals
}

func query(ctx context.Context, db querier, table string, columns []string, whereKVs map[string]any, into ...any) error {
	if len(columns) != len(into) {
		panic("programming error - query must have the same number of columns and values")
	}

	clause, whereVals := where(whereKVs)
	query := fmt.Sprintf(
		`SELECT %s FROM %s WHERE %s`,
		"`"+strings.Join(columns, "`, `")+"`",
		table,
		clause,
	)
	debug(ctx, "sqlite: %s\n%+v", query, whereKVs)

	row := db.QueryRowContext(ctx, query, whereVals...)
	if err := row.Scan(into...); errors.Is(err, sql.ErrNoRows) {
		return spdm.ErrNotFound
	} else if err != nil {
		return fmt.Errorf("error querying DB: %w", err)
	}
	return nil
}

func remove(ctx context.Context, db execer, table string, whereKVs map[string]any) error {
	clause, whereVals := where(whereKVs)
	query := fmt.Sprintf(`DELETE FROM %s WHERE %s`, table, clause)
	debug(ctx, "sqlite: %s\n%+v", query, whereVals)

	result, err := db.ExecContext(ctx, query, whereVals...)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err != nil {
		return err
	} else if n < 1 {
		return spdm.ErrNotFound
	}
	return nil
}

// SetCertChain stores a root-first DER certificate chain in a slot. The key
// is optional and must be the private key of the chain's leaf when given.
func (db *DB) SetCertChain(ctx context.Context, slot uint8, chain []byte, key crypto.Signer) error {
	if slot >= protocol.MaxSlots {
		return fmt.Errorf("slot %d out of range", slot)
	}
	certs, err := x509.ParseCertificates(chain)
	if err != nil {
		return fmt.Errorf("error parsing certificate chain: %w", err)
	}
	if len(certs) == 0 {
		return fmt.Errorf("required certificate chain is missing")
	}

	kvs := map[string]any{
		"slot":       int(slot),
		"x509_chain": chain,
		"pkcs8":      nil,
	}
	if key != nil {
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			return err
		}
		kvs["pkcs8"] = der
	}
	return db.upsert(ctx, "cert_slots", kvs, "slot")
}

// CertChain returns the DER chain of a slot and its key, which is nil when
// none was stored.
func (db *DB) CertChain(ctx context.Context, slot uint8) ([]byte, crypto.Signer, error) {
	var chain, pkcs8 []byte
	if err := db.query(ctx, "cert_slots", []string{"x509_chain", "pkcs8"}, map[string]any{
		"slot": int(slot),
	}, &chain, &pkcs8); err != nil {
		return nil, nil, err
	}
	if pkcs8 == nil {
		return chain, nil, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(pkcs8)
	if err != nil {
		return nil, nil, fmt.Errorf("error parsing slot %d key: %w", slot, err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, nil, fmt.Errorf("slot %d key of type %T cannot sign", slot, key)
	}
	return chain, signer, nil
}

// Provisioning loads a Responder's provisioning. The signer is the key of
// the lowest slot that has one. The DB itself serves PSKs and measurements.
func (db *DB) Provisioning(ctx context.Context) (spdm.Provisioning, error) {
	prov := spdm.Provisioning{PSKs: db, Measurements: db}
	for slot := range uint8(protocol.MaxSlots) {
		chain, key, err := db.CertChain(ctx, slot)
		if errors.Is(err, spdm.ErrNotFound) {
			continue
		} else if err != nil {
			return spdm.Provisioning{}, err
		}
		prov.CertChains[slot] = chain
		if prov.Signer == nil {
			prov.Signer = key
		}
	}
	return prov, nil
}

// AddPSK stores a pre-shared key under a hint, replacing any key stored
// under the same hint.
func (db *DB) AddPSK(ctx context.Context, hint, psk []byte) error {
	if len(psk) == 0 {
		return fmt.Errorf("empty PSK")
	}
	return db.upsert(ctx, "psks", map[string]any{
		"hint": hint,
		"psk":  psk,
	}, "hint")
}

// RemovePSK deletes the key of a hint.
func (db *DB) RemovePSK(ctx context.Context, hint []byte) error {
	return db.remove(ctx, "psks", map[string]any{"hint": hint})
}

// PSK implements spdm.PSKStore.
func (db *DB) PSK(ctx context.Context, hint []byte) ([]byte, error) {
	var psk []byte
	if err := db.query(ctx, "psks", []string{"psk"}, map[string]any{"hint": hint}, &psk); err != nil {
		return nil, fmt.Errorf("PSK hint %q: %w", hint, err)
	}
	return psk, nil
}

// SetMeasurement adds or replaces a DMTF measurement block.
func (db *DB) SetMeasurement(ctx context.Context, index, valueType uint8, value []byte) error {
	return db.SetMeasurementBlock(ctx, protocol.NewDMTFBlock(index, valueType, value))
}

// SetMeasurementBlock adds or replaces a measurement block of any
// measurement specification.
func (db *DB) SetMeasurementBlock(ctx context.Context, mb protocol.MeasurementBlock) error {
	if mb.Index == 0 || mb.Index == 0xff {
		return fmt.Errorf("measurement index %d is reserved", mb.Index)
	}
	return db.upsert(ctx, "measurements", map[string]any{
		"idx":         int(mb.Index),
		"spec":        int(mb.Spec),
		"measurement": mb.Measurement,
	}, "idx")
}

// Measurements implements spdm.MeasurementStore.
func (db *DB) Measurements(ctx context.Context) ([]protocol.MeasurementBlock, error) {
	ctx = db.debugCtx(ctx)
	query := `SELECT idx, spec, measurement FROM measurements ORDER BY idx ASC`
	debug(ctx, "sqlite: %s", query)

	rows, err := db.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("error querying measurements: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var blocks []protocol.MeasurementBlock
	for rows.Next() {
		var index, spec int
		var measurement []byte
		if err := rows.Scan(&index, &spec, &measurement); err != nil {
			return nil, fmt.Errorf("error scanning measurement: %w", err)
		}
		blocks = append(blocks, protocol.MeasurementBlock{
			Index:       uint8(index), //nolint:gosec // constrained by CHECK
			Spec:        uint8(spec),  //nolint:gosec // written from a uint8
			Measurement: measurement,
		})
	}
	return blocks, rows.Err()
}

// LoggedEvent is an event read back from the log.
type LoggedEvent struct {
	Time      time.Time
	Role      string
	Type      string
	Version   protocol.Version
	SessionID uint32
	Error     string
}

// HandleEvent implements spdm.EventHandler by appending the event to the
// log. Failures to write are logged and otherwise ignored.
func (db *DB) HandleEvent(ctx context.Context, event spdm.Event) {
	kvs := map[string]any{
		"time":       event.Timestamp.UnixNano(),
		"role":       event.Role.String(),
		"type":       event.Type.String(),
		"version":    int(event.Version),
		"session_id": int64(event.SessionID),
	}
	if event.Error != nil {
		kvs["error"] = event.Error.Error()
	}
	if err := db.upsert(context.WithoutCancel(ctx), "events", kvs, ""); err != nil {
		slog.Warn("error logging event", "event", event.Type, "error", err)
	}
}

// Events returns the logged events of a session in order. Session ID zero
// selects connection events.
func (db *DB) Events(ctx context.Context, sessionID uint32) ([]LoggedEvent, error) {
	ctx = db.debugCtx(ctx)
	query := `SELECT time, role, type, version, error FROM events WHERE session_id = ? ORDER BY id ASC`
	debug(ctx, "sqlite: %s\n%d", query, sessionID)

	rows, err := db.db.QueryContext(ctx, query, int64(sessionID))
	if err != nil {
		return nil, fmt.Errorf("error querying events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []LoggedEvent
	for rows.Next() {
		var nanos int64
		var version int
		var errMsg sql.NullString
		e := LoggedEvent{SessionID: sessionID}
		if err := rows.Scan(&nanos, &e.Role, &e.Type, &version, &errMsg); err != nil {
			return nil, fmt.Errorf("error scanning event: %w", err)
		}
		e.Time = time.Unix(0, nanos)
		e.Version = protocol.Version(version) //nolint:gosec // written from a uint8
		e.Error = errMsg.String
		events = append(events, e)
	}
	return events, rows.Err()
}
