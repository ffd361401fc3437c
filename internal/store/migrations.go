package store

// runMigrations executes all database migrations.
func (s *Store) runMigrations() error {
	migrations := []string{
		// Shots table - one row per captured or uploaded shot
		`CREATE TABLE IF NOT EXISTS shots (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'pending',
			path TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			output_path TEXT NOT NULL DEFAULT '',
			two_lens INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			completed_at DATETIME,
			duration_ms INTEGER NOT NULL DEFAULT 0
		)`,

		// Settings table - runtime configuration overrides as key-value pairs
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_shots_created_at ON shots(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_shots_status ON shots(status)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return err
		}
	}

	return nil
}
