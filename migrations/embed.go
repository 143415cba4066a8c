// Package migrations embeds the Pebble Core schema migrations into the binary.
package migrations

import (
	"embed"

	"github.com/nerrad567/pebble-core/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
