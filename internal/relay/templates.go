package relay

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TemplateStore persists relay templates.
type TemplateStore interface {
	// Get returns ErrTemplateNotFound if the template does not exist.
	Get(ctx context.Context, id string) (*Template, error)
	List(ctx context.Context) ([]Template, error)
	// Save inserts or replaces a template.
	Save(ctx context.Context, t *Template) error
}

// SQLiteTemplateStore implements TemplateStore using the relay_templates table.
type SQLiteTemplateStore struct {
	db *sql.DB
}

// NewSQLiteTemplateStore creates a template store on an open, migrated database.
func NewSQLiteTemplateStore(db *sql.DB) *SQLiteTemplateStore {
	return &SQLiteTemplateStore{db: db}
}

// Get retrieves a template by ID.
func (s *SQLiteTemplateStore) Get(ctx context.Context, id string) (*Template, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, relays, created_at FROM relay_templates WHERE id = ?`, id)
	t, err := scanTemplate(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTemplateNotFound
		}
		return nil, fmt.Errorf("querying template: %w", err)
	}
	return t, nil
}

// List retrieves all templates ordered by name.
func (s *SQLiteTemplateStore) List(ctx context.Context) ([]Template, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, relays, created_at FROM relay_templates ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("querying templates: %w", err)
	}
	defer rows.Close()

	var templates []Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning template: %w", err)
		}
		templates = append(templates, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating templates: %w", err)
	}
	return templates, nil
}

// Save inserts or replaces a template.
func (s *SQLiteTemplateStore) Save(ctx context.Context, t *Template) error {
	relaysJSON, err := json.Marshal(t.Relays)
	if err != nil {
		return fmt.Errorf("marshalling template relays: %w", err)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO relay_templates (id, name, relays, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, relays = excluded.relays`,
		t.ID, t.Name, string(relaysJSON), t.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving template: %w", err)
	}
	return nil
}

func scanTemplate(scanner rowScanner) (*Template, error) {
	var t Template
	var relaysJSON, createdAt string
	if err := scanner.Scan(&t.ID, &t.Name, &relaysJSON, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(relaysJSON), &t.Relays); err != nil {
		return nil, fmt.Errorf("unmarshalling template relays: %w", err)
	}
	var err error
	t.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &t, nil
}

// templateFile is the YAML layout accepted by LoadTemplatesFile.
//
//	templates:
//	  - id: hq-lifts
//	    name: HQ passenger lifts
//	    relays:
//	      - id: hq-lift-a
//	        name: Lift A
//	        mac_address: "aa:bb:cc:00:00:01"
//	        capabilities: [open_door, close_door, select_floor, go_to_floor]
//	        channels:
//	          0: {function: door_open, enabled: true}
type templateFile struct {
	Templates []Template `yaml:"templates"`
}

// LoadTemplatesFile reads and validates relay templates from a YAML file.
func LoadTemplatesFile(path string) ([]Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading templates file: %w", err)
	}

	var file templateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing templates file: %w", err)
	}

	seen := make(map[string]bool, len(file.Templates))
	for i, t := range file.Templates {
		if t.ID == "" {
			return nil, fmt.Errorf("%w: templates[%d] has no id", ErrInvalidRelay, i)
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("%w: template %q defined twice", ErrInvalidRelay, t.ID)
		}
		seen[t.ID] = true
		for _, d := range t.Relays {
			if err := d.Validate(); err != nil {
				return nil, fmt.Errorf("template %s: %w", t.ID, err)
			}
		}
	}
	return file.Templates, nil
}

// ImportTemplates saves every template into store.
func ImportTemplates(ctx context.Context, store TemplateStore, templates []Template) error {
	for i := range templates {
		if err := store.Save(ctx, &templates[i]); err != nil {
			return fmt.Errorf("importing template %s: %w", templates[i].ID, err)
		}
	}
	return nil
}
