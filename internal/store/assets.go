package store

import (
	"database/sql"
	"errors"

	"valet/pkg/models"
)

// AddDocument records an ingested document and returns its id.
func (s *Store) AddDocument(conversationID int64, name, path, docType, text string) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO documents (conversation_id, name, path, doc_type, text, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		conversationID, name, path, docType, text, now(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetDocument loads one document by id.
func (s *Store) GetDocument(id int64) (*models.Document, error) {
	row := s.db.QueryRow(
		`SELECT id, conversation_id, name, path, doc_type, text, created_at
		 FROM documents WHERE id = ?`, id,
	)
	var d models.Document
	var created string
	err := row.Scan(&d.ID, &d.ConversationID, &d.Name, &d.Path, &d.DocType, &d.Text, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.CreatedAt = parseTime(created)
	return &d, nil
}

// ListDocuments returns a conversation's documents, oldest first.
func (s *Store) ListDocuments(conversationID int64) ([]*models.Document, error) {
	rows, err := s.db.Query(
		`SELECT id, conversation_id, name, path, doc_type, text, created_at
		 FROM documents WHERE conversation_id = ? ORDER BY id`, conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Document
	for rows.Next() {
		var d models.Document
		var created string
		if err := rows.Scan(&d.ID, &d.ConversationID, &d.Name, &d.Path, &d.DocType, &d.Text, &created); err != nil {
			return nil, err
		}
		d.CreatedAt = parseTime(created)
		out = append(out, &d)
	}
	return out, rows.Err()
}

// UpdateDocumentText replaces a document's extracted text, for re-ingestion.
func (s *Store) UpdateDocumentText(id int64, text string) error {
	_, err := s.db.Exec(`UPDATE documents SET text = ? WHERE id = ?`, text, id)
	return err
}

// DeleteDocument removes one document row.
func (s *Store) DeleteDocument(id int64) error {
	_, err := s.db.Exec(`DELETE FROM documents WHERE id = ?`, id)
	return err
}

// NewestDocumentTime returns the created_at of the conversation's most
// recent document, or zero when it has none. Retrieval uses it to decide
// whether a persisted index is stale.
func (s *Store) NewestDocumentTime(conversationID int64) (string, error) {
	var created sql.NullString
	err := s.db.QueryRow(
		`SELECT MAX(created_at) FROM documents WHERE conversation_id = ?`,
		conversationID,
	).Scan(&created)
	if err != nil {
		return "", err
	}
	return created.String, nil
}

// AddImage records an uploaded or generated image and returns its id.
func (s *Store) AddImage(conversationID int64, name, path, description string, generated bool) (int64, error) {
	flag := 0
	if generated {
		flag = 1
	}
	res, err := s.db.Exec(
		`INSERT INTO images (conversation_id, name, path, description, generated, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		conversationID, name, path, description, flag, now(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetImage loads one image by id.
func (s *Store) GetImage(id int64) (*models.Image, error) {
	row := s.db.QueryRow(
		`SELECT id, conversation_id, name, path, description, generated, created_at
		 FROM images WHERE id = ?`, id,
	)
	var img models.Image
	var generated int
	var created string
	err := row.Scan(&img.ID, &img.ConversationID, &img.Name, &img.Path, &img.Description, &generated, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	img.Generated = generated != 0
	img.CreatedAt = parseTime(created)
	return &img, nil
}

// ListImages returns a conversation's images, oldest first.
func (s *Store) ListImages(conversationID int64) ([]*models.Image, error) {
	rows, err := s.db.Query(
		`SELECT id, conversation_id, name, path, description, generated, created_at
		 FROM images WHERE conversation_id = ? ORDER BY id`, conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Image
	for rows.Next() {
		var img models.Image
		var generated int
		var created string
		if err := rows.Scan(&img.ID, &img.ConversationID, &img.Name, &img.Path, &img.Description, &generated, &created); err != nil {
			return nil, err
		}
		img.Generated = generated != 0
		img.CreatedAt = parseTime(created)
		out = append(out, &img)
	}
	return out, rows.Err()
}

// UpdateImageDescription stores a caption produced by the vision model.
func (s *Store) UpdateImageDescription(id int64, description string) error {
	_, err := s.db.Exec(`UPDATE images SET description = ? WHERE id = ?`, description, id)
	return err
}

// DeleteImage removes one image row.
func (s *Store) DeleteImage(id int64) error {
	_, err := s.db.Exec(`DELETE FROM images WHERE id = ?`, id)
	return err
}

// AddScheduledTask registers a recurring task and returns its id.
func (s *Store) AddScheduledTask(t *models.ScheduledTask) (int64, error) {
	enabled := 0
	if t.Enabled {
		enabled = 1
	}
	res, err := s.db.Exec(
		`INSERT INTO scheduled_tasks (conversation_id, name, task_type, cron, timezone, payload, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ConversationID, t.Name, t.TaskType, t.Cron, t.Timezone, t.Payload, enabled, now(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListScheduledTasks returns tasks for one conversation, or all tasks when
// conversationID is zero.
func (s *Store) ListScheduledTasks(conversationID int64) ([]*models.ScheduledTask, error) {
	query := `SELECT id, conversation_id, name, task_type, cron, timezone, payload, enabled, last_run_at, last_status, created_at
		FROM scheduled_tasks`
	var args []any
	if conversationID != 0 {
		query += ` WHERE conversation_id = ?`
		args = append(args, conversationID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ScheduledTask
	for rows.Next() {
		var t models.ScheduledTask
		var enabled int
		var lastRun sql.NullString
		var created string
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.Name, &t.TaskType, &t.Cron, &t.Timezone, &t.Payload, &enabled, &lastRun, &t.LastStatus, &created); err != nil {
			return nil, err
		}
		t.Enabled = enabled != 0
		if lastRun.Valid {
			ts := parseTime(lastRun.String)
			t.LastRunAt = &ts
		}
		t.CreatedAt = parseTime(created)
		out = append(out, &t)
	}
	return out, rows.Err()
}

// SetScheduledTaskEnabled toggles a task without removing it.
func (s *Store) SetScheduledTaskEnabled(id int64, enabled bool) error {
	flag := 0
	if enabled {
		flag = 1
	}
	_, err := s.db.Exec(`UPDATE scheduled_tasks SET enabled = ? WHERE id = ?`, flag, id)
	return err
}

// SetScheduledTaskStatus updates the status text without touching the
// last run time. Used for registration and cron parse outcomes.
func (s *Store) SetScheduledTaskStatus(id int64, status string) error {
	_, err := s.db.Exec(`UPDATE scheduled_tasks SET last_status = ? WHERE id = ?`, status, id)
	return err
}

// RecordScheduledTaskRun stamps the last run time and outcome.
func (s *Store) RecordScheduledTaskRun(id int64, status string) error {
	_, err := s.db.Exec(
		`UPDATE scheduled_tasks SET last_run_at = ?, last_status = ? WHERE id = ?`,
		now(), status, id,
	)
	return err
}

// DeleteScheduledTask removes one task row.
func (s *Store) DeleteScheduledTask(id int64) error {
	_, err := s.db.Exec(`DELETE FROM scheduled_tasks WHERE id = ?`, id)
	return err
}
