package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Secret is an encrypted value. Global secrets are visible to every crew;
// the others only to the crews they are assigned to.
type Secret struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Value       []byte    `json:"-"`
	Nonce       []byte    `json:"-"`
	Global      bool      `json:"global"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (s *Store) SaveSecret(sec *Secret) error {
	_, err := s.db.Exec(`
		INSERT INTO secrets (id, name, description, value, nonce, global)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, description=excluded.description,
			value=excluded.value, nonce=excluded.nonce,
			global=excluded.global, updated_at=CURRENT_TIMESTAMP`,
		sec.ID, sec.Name, sec.Description, sec.Value, sec.Nonce, boolToInt(sec.Global))
	if err != nil {
		return fmt.Errorf("save secret: %w", err)
	}
	return nil
}

func (s *Store) GetSecret(id string) (*Secret, error) {
	row := s.db.QueryRow(`
		SELECT id, name, description, value, nonce, global, created_at, updated_at
		FROM secrets WHERE id = ?`, id)
	sec, err := scanSecret(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get secret: %w", err)
	}
	return sec, nil
}

// ListSecrets returns secret metadata without values.
func (s *Store) ListSecrets() ([]Secret, error) {
	rows, err := s.db.Query(`
		SELECT id, name, description, global, created_at, updated_at
		FROM secrets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	defer rows.Close()

	var secrets []Secret
	for rows.Next() {
		sec, err := scanSecretMeta(rows)
		if err != nil {
			return nil, fmt.Errorf("scan secret: %w", err)
		}
		secrets = append(secrets, *sec)
	}
	return secrets, rows.Err()
}

func (s *Store) DeleteSecret(id string) error {
	_, err := s.db.Exec(`DELETE FROM secrets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete secret: %w", err)
	}
	return nil
}

// GetCrewSecret looks a secret up by name among those visible to crewID.
func (s *Store) GetCrewSecret(crewID int64, name string) (*Secret, error) {
	row := s.db.QueryRow(`
		SELECT s.id, s.name, s.description, s.value, s.nonce, s.global, s.created_at, s.updated_at
		FROM secrets s
		WHERE s.name = ? AND (s.global = 1 OR s.id IN (SELECT secret_id FROM crew_secrets WHERE crew_id = ?))`,
		name, crewID)
	sec, err := scanSecret(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get crew secret: %w", err)
	}
	return sec, nil
}

func (s *Store) AddCrewSecret(crewID int64, secretID string) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO crew_secrets (crew_id, secret_id) VALUES (?, ?)`,
		crewID, secretID)
	if err != nil {
		return fmt.Errorf("add crew secret: %w", err)
	}
	return nil
}

func (s *Store) RemoveCrewSecret(crewID int64, secretID string) error {
	_, err := s.db.Exec(`DELETE FROM crew_secrets WHERE crew_id = ? AND secret_id = ?`,
		crewID, secretID)
	if err != nil {
		return fmt.Errorf("remove crew secret: %w", err)
	}
	return nil
}

func scanSecret(sc scanner) (*Secret, error) {
	sec := &Secret{}
	var global int
	var desc sql.NullString
	err := sc.Scan(&sec.ID, &sec.Name, &desc, &sec.Value, &sec.Nonce, &global, &sec.CreatedAt, &sec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sec.Global = global == 1
	sec.Description = desc.String
	return sec, nil
}

func scanSecretMeta(sc scanner) (*Secret, error) {
	sec := &Secret{}
	var global int
	var desc sql.NullString
	err := sc.Scan(&sec.ID, &sec.Name, &desc, &global, &sec.CreatedAt, &sec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sec.Global = global == 1
	sec.Description = desc.String
	return sec, nil
}
