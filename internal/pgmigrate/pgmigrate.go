// Package pgmigrate copies posbase collections into PostgreSQL tables, one
// table per collection with the record payload as jsonb.
//
// It reads through the raw KV primitive (not the entity store), so it sees
// every record key that exists regardless of index state. That makes it safe
// to run against a drifted store, but also means it never repairs anything.
package pgmigrate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mingkwai/posbase"
)

// Result reports how many records were exported per collection
type Result struct {
	Collections map[string]int
}

// Export copies every record of the given collections into PostgreSQL.
// Tables are created on demand and rows are upserted by id, so repeated
// exports converge instead of duplicating.
func Export(ctx context.Context, kv posbase.KV, collections []string, pgURL string) (*Result, error) {
	conn, err := pgx.Connect(ctx, pgURL)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	defer conn.Close(ctx)

	result := &Result{Collections: make(map[string]int)}

	for _, collection := range collections {
		table, err := tableName(collection)
		if err != nil {
			return nil, err
		}

		ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id text PRIMARY KEY,
			data jsonb NOT NULL,
			created_at timestamptz,
			updated_at timestamptz
		)`, table)
		if _, err := conn.Exec(ctx, ddl); err != nil {
			return nil, fmt.Errorf("create table %s: %w", table, err)
		}

		keys, err := kv.Keys(ctx, collection+":*")
		if err != nil {
			return nil, err
		}

		batch := &pgx.Batch{}
		count := 0
		for _, key := range keys {
			id, ok := recordID(collection, key)
			if !ok {
				continue // index keys
			}

			data, err := kv.Get(ctx, key)
			if err != nil {
				if posbase.IsNotFound(err) {
					continue // deleted mid-scan
				}
				return nil, err
			}

			var rec posbase.Record
			// Undecodable payloads still land in postgres as null
			// timestamps rather than being dropped silently
			createdAt, updatedAt := recordTimes(data, &rec)

			batch.Queue(fmt.Sprintf(`INSERT INTO %s (id, data, created_at, updated_at)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (id) DO UPDATE
				SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`, table),
				id, string(data), createdAt, updatedAt)
			count++
		}

		if count > 0 {
			results := conn.SendBatch(ctx, batch)
			for i := 0; i < count; i++ {
				if _, err := results.Exec(); err != nil {
					results.Close()
					return nil, fmt.Errorf("insert into %s: %w", table, err)
				}
			}
			if err := results.Close(); err != nil {
				return nil, err
			}
		}

		result.Collections[collection] = count
	}

	return result, nil
}

func recordID(collection, key string) (string, bool) {
	rest, found := strings.CutPrefix(key, collection+":")
	if !found || rest == "" || rest == "index" || strings.Contains(rest, ":") {
		return "", false
	}
	return rest, true
}

func recordTimes(data []byte, rec *posbase.Record) (createdAt, updatedAt *time.Time) {
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, nil
	}
	if t, err := time.Parse(posbase.TimeLayout, rec.CreatedAt()); err == nil {
		createdAt = &t
	}
	if t, err := time.Parse(posbase.TimeLayout, rec.UpdatedAt()); err == nil {
		updatedAt = &t
	}
	return createdAt, updatedAt
}

// tableName validates the collection name as a safe SQL identifier.
// Collection names are code-controlled, but the export runs against
// arbitrary stores.
func tableName(collection string) (string, error) {
	for _, r := range collection {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' {
			return "", fmt.Errorf("collection %q is not a valid table name", collection)
		}
	}
	if collection == "" {
		return "", fmt.Errorf("empty collection name")
	}
	return collection, nil
}
