package store

// UpsertConsent writes a consent record. Last write wins by timestamp: an
// incoming record older than the stored one is ignored.
func (db *DB) UpsertConsent(r *ConsentRecord) error {
	_, err := db.Exec(`
		INSERT INTO consent (subject_id, state, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(subject_id) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at
		WHERE excluded.updated_at >= consent.updated_at`,
		r.SubjectID, r.State, r.UpdatedAt)
	return err
}

// ListConsent returns every stored consent record.
func (db *DB) ListConsent() ([]ConsentRecord, error) {
	rows, err := db.Query(`SELECT subject_id, state, updated_at FROM consent`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ConsentRecord
	for rows.Next() {
		var r ConsentRecord
		if err := rows.Scan(&r.SubjectID, &r.State, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
