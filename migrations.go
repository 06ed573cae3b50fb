package taskescrow

import "embed"

// MigrationsFS holds the Postgres schema applied on startup.
//
//go:embed migrations/*.sql
var MigrationsFS embed.FS
