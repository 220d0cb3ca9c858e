// Package migrations registers the billing schema: the entitlements
// table with its RLS policies, and the trigger that publishes row
// changes on the entitlement_changes NOTIFY channel.
package migrations

import (
	"embed"

	"github.com/uptrace/bun/migrate"
)

//go:embed *.sql
var migrationFS embed.FS

// FS exposes the embedded SQL for external runners.
var FS = migrationFS

// Migrations is the bun/migrate registry host applications run at boot.
var Migrations = migrate.NewMigrations()

func init() {
	_ = Migrations.Discover(migrationFS)
}
