package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/fairyhunter13/uds3-core/internal/domain"
)

var identRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func validIdent(s string) bool { return identRe.MatchString(s) }

// quoteIdent doubles embedded quotes so a name can never close the quoted
// identifier, even if an unvalidated string reaches it.
func quoteIdent(s string) string { return `"` + strings.ReplaceAll(s, `"`, `""`) + `"` }

func joinIdents(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}
	return strings.Join(quoted, ", ")
}

// TableColumns introspects the target table's column names via
// information_schema, in ordinal order.
func TableColumns(ctx context.Context, pool PgxPool, table string) ([]string, error) {
	rows, err := pool.Query(ctx,
		`SELECT column_name FROM information_schema.columns WHERE table_name = $1 ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	var cols []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, translate(err)
		}
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("op=postgres.table_columns table=%s: %w", table, domain.ErrNotFound)
	}
	return cols, nil
}

// SafeInsert projects values onto the columns actually present in table.
// Unknown fields spill into a catch-all JSON column (payload_snapshot or
// data) when one exists; a table exposing only (id, data) degrades to a
// single JSON blob insert. Returns the row id, generating one when the
// table has an id column and the caller supplied none.
func SafeInsert(ctx context.Context, pool PgxPool, table string, values map[string]any) (string, error) {
	cols, err := TableColumns(ctx, pool, table)
	if err != nil {
		return "", err
	}
	return SafeInsertColumns(ctx, pool, table, cols, values)
}

// SafeInsertColumns is SafeInsert with a caller-provided column list, for
// callers that cache introspection results across writes.
func SafeInsertColumns(ctx context.Context, pool PgxPool, table string, cols []string, values map[string]any) (string, error) {
	if !validIdent(table) {
		return "", fmt.Errorf("op=postgres.safe_insert table=%q: %w: invalid identifier", table, domain.ErrPermanent)
	}
	colSet := make(map[string]struct{}, len(cols))
	for _, c := range cols {
		colSet[c] = struct{}{}
	}

	catchAll := ""
	for _, candidate := range []string{"payload_snapshot", "data", "extra"} {
		if _, ok := colSet[candidate]; ok {
			catchAll = candidate
			break
		}
	}

	known := map[string]any{}
	unknown := map[string]any{}
	for k, v := range values {
		if _, ok := colSet[k]; ok {
			known[k] = v
		} else {
			unknown[k] = v
		}
	}

	id, _ := values["id"].(string)
	if _, hasID := colSet["id"]; hasID {
		if id == "" {
			id = uuid.New().String()
		}
		known["id"] = id
		delete(unknown, "id")
	}

	// Fields without a matching column spill into the catch-all JSON column
	// when present and are dropped otherwise. A table exposing only (id,
	// data) therefore degrades to a single JSON blob insert.
	if catchAll != "" && len(unknown) > 0 {
		// A caller-supplied catch-all value that is already a JSON object is
		// merged with the spilled fields instead of being nested inside them.
		if prior, ok := known[catchAll].(string); ok {
			merged := map[string]any{}
			if json.Unmarshal([]byte(prior), &merged) == nil {
				for k, v := range unknown {
					merged[k] = v
				}
				unknown = merged
			}
		}
		b, err := json.Marshal(unknown)
		if err != nil {
			return "", fmt.Errorf("op=postgres.safe_insert table=%s: %w: %v", table, domain.ErrPermanent, err)
		}
		known[catchAll] = string(b)
	}
	if len(known) == 0 {
		return "", fmt.Errorf("op=postgres.safe_insert table=%s: %w: no insertable columns", table, domain.ErrPermanent)
	}

	insertCols, args, holders, err := flatten(known)
	if err != nil {
		return "", err
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, joinIdents(insertCols), holders)
	if _, err := pool.Exec(ctx, q, args...); err != nil {
		return "", translate(err)
	}
	return id, nil
}
