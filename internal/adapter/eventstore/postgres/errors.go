package postgres

import (
	pgadapter "github.com/fairyhunter13/uds3-core/internal/adapter/backend/postgres"
)

// translate reuses the relational adapter's pgx error mapping; both packages
// ride the same pool and taxonomy.
func translate(err error) error { return pgadapter.Translate(err) }
