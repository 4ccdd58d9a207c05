package database

import "embed"

// Migration workflow:
//  1. Add a new pair of NNNN_name.up.sql / NNNN_name.down.sql files under
//     pkg/database/migrations/
//  2. Files are embedded into the binary at compile time
//  3. The app applies pending migrations on startup (runMigrations)
//
//go:embed migrations
var migrationsFS embed.FS
