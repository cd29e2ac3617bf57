package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/panohub/pano/pkg/cache"
)

func validateStep(st *ProcessStep) error {
	if !stepModes[st.Mode] {
		return fmt.Errorf("%w: unknown step mode %q", ErrConstraint, st.Mode)
	}
	if (st.ItemID == "") == (st.Command == "") {
		return fmt.Errorf("%w: step needs exactly one of item or command", ErrConstraint)
	}
	return nil
}

// CreateProcess inserts a process with its steps. Step positions follow
// slice order.
func (t *Tx) CreateProcess(p *Process) error {
	if p.Name == "" {
		return fmt.Errorf("%w: process name is required", ErrConstraint)
	}
	if p.ID == "" {
		p.ID = newID()
	}
	ts := now()
	p.CreatedAt, p.UpdatedAt = ts, ts
	if err := t.exec(`INSERT INTO processes (id, name, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`, p.ID, p.Name, p.Description, p.CreatedAt, p.UpdatedAt); err != nil {
		return err
	}
	if err := t.insertSteps(p.ID, p.Steps); err != nil {
		return err
	}
	t.touch(cache.DomainAdvanced)
	return nil
}

// UpdateProcess rewrites a process and replaces its steps.
func (t *Tx) UpdateProcess(p *Process) error {
	if p.Name == "" {
		return fmt.Errorf("%w: process name is required", ErrConstraint)
	}
	p.UpdatedAt = now()
	res, err := t.tx.ExecContext(t.ctx,
		`UPDATE processes SET name = ?, description = ?, updated_at = ? WHERE id = ?`,
		p.Name, p.Description, p.UpdatedAt, p.ID)
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: process %s", ErrNotFound, p.ID)
	}
	if err := t.exec(`DELETE FROM process_steps WHERE process_id = ?`, p.ID); err != nil {
		return err
	}
	if err := t.insertSteps(p.ID, p.Steps); err != nil {
		return err
	}
	t.touch(cache.DomainAdvanced)
	return nil
}

func (t *Tx) insertSteps(processID string, steps []ProcessStep) error {
	for i := range steps {
		st := &steps[i]
		if err := validateStep(st); err != nil {
			return err
		}
		if st.ID == "" {
			st.ID = newID()
		}
		st.ProcessID = processID
		st.Position = int64(i)
		var itemID any
		if st.ItemID != "" {
			if err := t.requireRow(`SELECT 1 FROM items WHERE id = ?`, st.ItemID, "item"); err != nil {
				return err
			}
			itemID = st.ItemID
		}
		if err := t.exec(`INSERT INTO process_steps (id, process_id, position, mode, item_id, command)
			VALUES (?, ?, ?, ?, ?, ?)`,
			st.ID, processID, st.Position, st.Mode, itemID, st.Command); err != nil {
			return err
		}
	}
	return nil
}

// DeleteProcess removes a process and its steps.
func (t *Tx) DeleteProcess(id string) error {
	if err := t.exec(`DELETE FROM process_steps WHERE process_id = ?`, id); err != nil {
		return err
	}
	if err := t.exec(`DELETE FROM scope_relations WHERE target_kind = 'process' AND target_id = ?`, id); err != nil {
		return err
	}
	res, err := t.tx.ExecContext(t.ctx, `DELETE FROM processes WHERE id = ?`, id)
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: process %s", ErrNotFound, id)
	}
	t.touch(cache.DomainAdvanced)
	return nil
}

// GetProcess fetches a process with its steps in position order.
func (s *Store) GetProcess(ctx context.Context, id string) (*Process, error) {
	var p Process
	err := s.read(func(db *sql.DB) error {
		err := db.QueryRowContext(ctx,
			`SELECT id, name, description, created_at, updated_at FROM processes WHERE id = ?`, id).
			Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: process %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		rows, err := db.QueryContext(ctx, `SELECT id, process_id, position, mode,
			COALESCE(item_id, ''), command
			FROM process_steps WHERE process_id = ? ORDER BY position`, id)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var st ProcessStep
			if err := rows.Scan(&st.ID, &st.ProcessID, &st.Position, &st.Mode,
				&st.ItemID, &st.Command); err != nil {
				return err
			}
			p.Steps = append(p.Steps, st)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListProcesses returns all processes by name, without steps.
func (s *Store) ListProcesses(ctx context.Context) ([]*Process, error) {
	var procs []*Process
	err := s.read(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx,
			`SELECT id, name, description, created_at, updated_at FROM processes ORDER BY name`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var p Process
			if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt); err != nil {
				return err
			}
			procs = append(procs, &p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return procs, nil
}
