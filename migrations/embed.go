// Package migrations embeds the relay history schema so the service can
// migrate without SQL files on disk.
package migrations

import (
	"embed"

	"github.com/nerrad567/gray-logic-canrelay/internal/infrastructure/database"
)

//go:embed *.sql
var files embed.FS

func init() {
	database.Migrations = files
}
