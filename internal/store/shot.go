package store

import (
	"database/sql"
	"errors"
	"time"
)

// Shot statuses stored before the pipeline reports an outcome.
const (
	ShotPending    = "pending"
	ShotProcessing = "processing"
)

// Shot is the history record of one shot.
type Shot struct {
	ID         string
	Status     string
	Path       string
	Error      string
	OutputPath string
	TwoLens    bool
	CreatedAt  time.Time
	// CompletedAt is zero until the shot finished processing.
	CompletedAt time.Time
	Duration    time.Duration
}

// ShotRepository provides access to the shots table.
type ShotRepository struct {
	db *sql.DB
}

// Shots returns the shot repository for this store.
func (s *Store) Shots() *ShotRepository {
	return &ShotRepository{db: s.db}
}

const shotColumns = `id, status, path, error, output_path, two_lens, created_at, completed_at, duration_ms`

// Create inserts a new shot. An empty status is stored as pending.
func (r *ShotRepository) Create(sh *Shot) error {
	sh.CreatedAt = time.Now()
	if sh.Status == "" {
		sh.Status = ShotPending
	}

	_, err := r.db.Exec(
		`INSERT INTO shots (id, status, path, error, output_path, two_lens, created_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sh.ID, sh.Status, sh.Path, sh.Error, sh.OutputPath, sh.TwoLens, sh.CreatedAt, sh.Duration.Milliseconds(),
	)
	return err
}

// SetStatus changes the status of a shot that has not finished.
func (r *ShotRepository) SetStatus(id, status string) error {
	result, err := r.db.Exec(`UPDATE shots SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	return expectRow(result)
}

// Complete records the outcome of a shot and stamps CompletedAt.
func (r *ShotRepository) Complete(sh *Shot) error {
	sh.CompletedAt = time.Now()

	result, err := r.db.Exec(
		`UPDATE shots SET status = ?, path = ?, error = ?, output_path = ?, completed_at = ?, duration_ms = ?
		 WHERE id = ?`,
		sh.Status, sh.Path, sh.Error, sh.OutputPath, sh.CompletedAt, sh.Duration.Milliseconds(), sh.ID,
	)
	if err != nil {
		return err
	}
	return expectRow(result)
}

// GetByID retrieves a shot by its ID.
func (r *ShotRepository) GetByID(id string) (*Shot, error) {
	sh, err := scanShot(r.db.QueryRow(`SELECT `+shotColumns+` FROM shots WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return sh, nil
}

// List returns the most recent shots first. A limit of zero or less returns all shots.
func (r *ShotRepository) List(limit int) ([]*Shot, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.Query(
		`SELECT `+shotColumns+` FROM shots ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var shots []*Shot
	for rows.Next() {
		sh, err := scanShot(rows)
		if err != nil {
			return nil, err
		}
		shots = append(shots, sh)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return shots, nil
}

// Delete removes a shot record.
func (r *ShotRepository) Delete(id string) error {
	result, err := r.db.Exec(`DELETE FROM shots WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectRow(result)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanShot(row scanner) (*Shot, error) {
	sh := &Shot{}
	var (
		twoLens    int
		completed  sql.NullTime
		durationMs int64
	)
	err := row.Scan(&sh.ID, &sh.Status, &sh.Path, &sh.Error, &sh.OutputPath, &twoLens, &sh.CreatedAt, &completed, &durationMs)
	if err != nil {
		return nil, err
	}

	sh.TwoLens = twoLens != 0
	if completed.Valid {
		sh.CompletedAt = completed.Time
	}
	sh.Duration = time.Duration(durationMs) * time.Millisecond
	return sh, nil
}

func expectRow(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}
