// Package migrations embeds the SQL schema for the MySQL run store.
//
// Files follow the golang-migrate naming scheme,
// <version>_<title>.up.sql and <version>_<title>.down.sql, and each file
// holds a single statement so the DSN does not need multiStatements.
package migrations

import (
	"embed"
	"io/fs"

	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed *.sql
var files embed.FS

// Embedded returns the migrations compiled into the binary.
func Embedded() fs.FS { return files }

// Source opens the embedded migrations as a golang-migrate source driver.
func Source() (source.Driver, error) {
	return iofs.New(files, ".")
}
