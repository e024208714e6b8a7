// Package resources implements APE's built-in resource adapters:
// conversation history, database schema introspection, and the tool
// error log, each addressed by URI per spec.md §6.3. Grounded on
// original_source/ape/resources/adapters/{conversation,schema,errorlog}.py,
// re-expressed against internal/storage.Store instead of ad-hoc
// aiosqlite connections, and registered into internal/registry's
// ResourceTable instead of the original's decorator-based @register.
package resources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/Choapinus/ape/internal/registry"
	"github.com/Choapinus/ape/internal/storage"
	"github.com/Choapinus/ape/internal/models"
)

// Register wires every built-in adapter into table.
func Register(table *registry.ResourceTable, store *storage.Store) {
	registerConversation(table, store)
	registerSchema(table, store)
	registerErrors(table, store)
}

func queryParams(uri string) url.Values {
	idx := strings.IndexByte(uri, '?')
	if idx == -1 {
		return url.Values{}
	}
	values, err := url.ParseQuery(uri[idx+1:])
	if err != nil {
		return url.Values{}
	}
	return values
}

func intParam(values url.Values, key string, fallback int) int {
	raw := values.Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func registerConversation(table *registry.ResourceTable, store *storage.Store) {
	table.Register(models.ResourceSpec{
		URI:         "conversation://sessions",
		Name:        "All conversation sessions",
		Description: "List of session IDs with basic metadata",
		MimeHint:    "application/json",
	}, "conversation://sessions", func(ctx context.Context, uri string) (any, error) {
		sessions, err := store.GetAllSessions(ctx)
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		return marshal(sessions)
	})

	table.Register(models.ResourceSpec{
		URI:         "conversation://recent",
		Name:        "Recent messages (all sessions)",
		Description: "Most recent messages across every session (default 20)",
		MimeHint:    "application/json",
	}, "conversation://recent", func(ctx context.Context, uri string) (any, error) {
		limit := intParam(queryParams(uri), "limit", 20)
		msgs, err := store.GetRecentMessages(ctx, limit)
		if err != nil {
			return nil, fmt.Errorf("recent messages: %w", err)
		}
		return marshal(msgs)
	})

	table.Register(models.ResourceSpec{
		URI:         "conversation://*",
		Name:        "Session history",
		Description: "Full message history for one session (default limit 50)",
		MimeHint:    "application/json",
	}, "conversation://*", func(ctx context.Context, uri string) (any, error) {
		path := uri
		if idx := strings.IndexByte(uri, '?'); idx != -1 {
			path = uri[:idx]
		}
		sessionID := strings.TrimPrefix(path, "conversation://")
		if sessionID == "" {
			return nil, fmt.Errorf("missing session_id in conversation://<session_id>")
		}

		limit := intParam(queryParams(uri), "limit", 50)
		history, err := store.GetHistory(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("session history: %w", err)
		}
		if len(history) > limit {
			history = history[len(history)-limit:]
		}
		return marshal(history)
	})
}

func registerSchema(table *registry.ResourceTable, store *storage.Store) {
	table.Register(models.ResourceSpec{
		URI:         "schema://tables",
		Name:        "Database tables list",
		Description: "Names of all tables in the SQLite schema",
		MimeHint:    "application/json",
	}, "schema://tables", func(ctx context.Context, uri string) (any, error) {
		tables, err := store.ListTables(ctx)
		if err != nil {
			return nil, fmt.Errorf("list tables: %w", err)
		}
		return marshal(tables)
	})

	table.Register(models.ResourceSpec{
		URI:         "schema://*/columns",
		Name:        "Table columns",
		Description: "Column metadata for one table",
		MimeHint:    "application/json",
	}, "schema://*/columns", func(ctx context.Context, uri string) (any, error) {
		rest := strings.TrimPrefix(uri, "schema://")
		table := strings.TrimSuffix(rest, "/columns")
		cols, err := store.TableColumns(ctx, table)
		if err != nil {
			return nil, fmt.Errorf("table columns: %w", err)
		}
		return marshal(cols)
	})
}

func registerErrors(table *registry.ResourceTable, store *storage.Store) {
	table.Register(models.ResourceSpec{
		URI:         "errors://recent",
		Name:        "Recent tool errors",
		Description: "Most recent tool errors (default limit 20)",
		MimeHint:    "application/json",
	}, "errors://recent", func(ctx context.Context, uri string) (any, error) {
		values := queryParams(uri)
		limit := intParam(values, "limit", 20)
		sessionID := values.Get("session_id")

		errs, err := store.GetRecentErrors(ctx, limit, sessionID)
		if err != nil {
			return nil, fmt.Errorf("recent errors: %w", err)
		}
		return marshal(errs)
	})
}

func marshal(v any) (any, error) {
	blob, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return string(blob), nil
}
