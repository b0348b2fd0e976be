package migrations

import (
	_ "embed"

	"github.com/hashlocked/escrowd/db"
	"github.com/hashlocked/escrowd/db/types"
)

//go:embed registry0001.sql
var mig001 string

// RunMigrations brings the registry database schema up to date.
func RunMigrations(dbPath string) error {
	migrations := []types.Migration{
		{
			ID:  "registry0001",
			SQL: mig001,
		},
	}
	return db.RunMigrations(dbPath, migrations)
}
