package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Section is an ordered grouping of tasks with a numeric priority.
// Higher priority sections are scheduled first; NULL priority sorts last.
type Section struct {
	ID        string
	Name      string
	Priority  *int
	CreatedAt time.Time
}

// CreateSection inserts a section and returns it.
func (p *ProjectDB) CreateSection(name string, priority *int) (*Section, error) {
	s := &Section{
		ID:        uuid.NewString(),
		Name:      name,
		Priority:  priority,
		CreatedAt: time.Now(),
	}
	_, err := p.Exec(`
		INSERT INTO sections (id, name, priority, created_at) VALUES (?, ?, ?, ?)
	`, s.ID, s.Name, s.Priority, fmtTime(s.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("create section: %w", err)
	}
	return s, nil
}

// GetSection retrieves a section by ID. Returns (nil, nil) when not found.
func (p *ProjectDB) GetSection(id string) (*Section, error) {
	return p.scanSectionRow(p.QueryRow(
		"SELECT id, name, priority, created_at FROM sections WHERE id = ?", id))
}

// GetSectionByName retrieves a section by name. Returns (nil, nil) when not found.
func (p *ProjectDB) GetSectionByName(name string) (*Section, error) {
	return p.scanSectionRow(p.QueryRow(
		"SELECT id, name, priority, created_at FROM sections WHERE name = ?", name))
}

func (p *ProjectDB) scanSectionRow(row *sql.Row) (*Section, error) {
	var (
		s         Section
		priority  sql.NullInt64
		createdAt string
	)
	if err := row.Scan(&s.ID, &s.Name, &priority, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get section: %w", err)
	}
	if priority.Valid {
		v := int(priority.Int64)
		s.Priority = &v
	}
	s.CreatedAt = parseTime(createdAt)
	return &s, nil
}

// ListSections returns all sections, highest priority first.
func (p *ProjectDB) ListSections() ([]*Section, error) {
	rows, err := p.Query(`
		SELECT id, name, priority, created_at FROM sections
		ORDER BY (priority IS NULL) ASC, priority DESC, name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sections []*Section
	for rows.Next() {
		var (
			s         Section
			priority  sql.NullInt64
			createdAt string
		)
		if err := rows.Scan(&s.ID, &s.Name, &priority, &createdAt); err != nil {
			return nil, fmt.Errorf("scan section: %w", err)
		}
		if priority.Valid {
			v := int(priority.Int64)
			s.Priority = &v
		}
		s.CreatedAt = parseTime(createdAt)
		sections = append(sections, &s)
	}
	return sections, rows.Err()
}

// AddSectionDependency records that sectionID may only run after
// dependsOnID has no incomplete tasks.
func (p *ProjectDB) AddSectionDependency(sectionID, dependsOnID string) error {
	if sectionID == dependsOnID {
		return fmt.Errorf("section cannot depend on itself")
	}
	_, err := p.Exec(`
		INSERT INTO section_dependencies (section_id, depends_on_section_id)
		VALUES (?, ?)
		ON CONFLICT(section_id, depends_on_section_id) DO NOTHING
	`, sectionID, dependsOnID)
	if err != nil {
		return fmt.Errorf("add section dependency: %w", err)
	}
	return nil
}

// ListSectionDependencies returns the section IDs that sectionID depends on.
func (p *ProjectDB) ListSectionDependencies(sectionID string) ([]string, error) {
	rows, err := p.Query(
		"SELECT depends_on_section_id FROM section_dependencies WHERE section_id = ?", sectionID)
	if err != nil {
		return nil, fmt.Errorf("list section dependencies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var deps []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		deps = append(deps, id)
	}
	return deps, rows.Err()
}

// SectionHasIncompleteTasks reports whether a section still has tasks
// that block its dependents.
func (p *ProjectDB) SectionHasIncompleteTasks(sectionID string) (bool, error) {
	var n int
	err := p.QueryRow(`
		SELECT COUNT(*) FROM tasks
		WHERE section_id = ? AND status NOT IN (?, ?)
	`, sectionID, string(StatusCompleted), string(StatusSkipped)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("section has incomplete tasks: %w", err)
	}
	return n > 0, nil
}

// SectionCompleted reports whether every task in a section is completed.
// Sections with no tasks are not considered completed.
func (p *ProjectDB) SectionCompleted(sectionID string) (bool, error) {
	var total, done int
	err := p.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN status IN (?, ?) THEN 1 ELSE 0 END), 0)
		FROM tasks WHERE section_id = ?
	`, string(StatusCompleted), string(StatusSkipped), sectionID).Scan(&total, &done)
	if err != nil {
		return false, fmt.Errorf("section completed: %w", err)
	}
	return total > 0 && total == done, nil
}
