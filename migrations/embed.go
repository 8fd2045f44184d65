// Package migrations embeds the Gray Lift schema into the binary.
package migrations

import (
	"embed"

	"github.com/nerrad567/graylift-core/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
