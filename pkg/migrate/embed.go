package migrate

import "embed"

// EmbeddedDir is the directory name inside Files.
const EmbeddedDir = "migrations"

// Files holds the SQL migrations compiled into every binary so dev auto-run
// does not depend on the working directory.
//
//go:embed migrations/*.sql
var Files embed.FS
