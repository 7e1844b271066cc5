package flow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a flow or user row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the durable store for flows and users, backed by sqlite.
type Store struct {
	database *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := &Store{database: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	if _, err := s.database.Exec(
		`CREATE TABLE IF NOT EXISTS flows (
		id text not null primary key,
		permission text not null,
		editor_option text not null,
		nodes text not null,
		edges text not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to ensure flows table: %w", err)
	}
	if _, err := s.database.Exec(
		`CREATE TABLE IF NOT EXISTS users (
		id text not null primary key,
		name text not null,
		username text not null,
		email text not null,
		profile_url text not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to ensure users table: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.database.Close()
}

func (s *Store) CreateFlow(ctx context.Context, f *Flow) error {
	permission, err := json.Marshal(f.Permission)
	if err != nil {
		return fmt.Errorf("failed to encode permission: %w", err)
	}
	editorOption, err := json.Marshal(f.EditorOption)
	if err != nil {
		return fmt.Errorf("failed to encode editor option: %w", err)
	}
	nodes, err := json.Marshal(f.Nodes)
	if err != nil {
		return fmt.Errorf("failed to encode nodes: %w", err)
	}
	edges, err := json.Marshal(f.Edges)
	if err != nil {
		return fmt.Errorf("failed to encode edges: %w", err)
	}
	if _, err := s.database.ExecContext(
		ctx,
		`INSERT INTO flows (id, permission, editor_option, nodes, edges) VALUES (?, ?, ?, ?, ?)`,
		f.ID, string(permission), string(editorOption), string(nodes), string(edges),
	); err != nil {
		return fmt.Errorf("failed to insert flow: %w", err)
	}
	return nil
}

func (s *Store) GetFlow(ctx context.Context, id string) (*Flow, error) {
	var permission, editorOption, nodes, edges string
	if err := s.database.QueryRowContext(
		ctx,
		`SELECT permission, editor_option, nodes, edges FROM flows WHERE id = ?`,
		id,
	).Scan(&permission, &editorOption, &nodes, &edges); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("flow %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query flow: %w", err)
	}
	f := &Flow{ID: id}
	if err := json.Unmarshal([]byte(permission), &f.Permission); err != nil {
		return nil, fmt.Errorf("failed to decode permission: %w", err)
	}
	if err := json.Unmarshal([]byte(editorOption), &f.EditorOption); err != nil {
		return nil, fmt.Errorf("failed to decode editor option: %w", err)
	}
	if err := json.Unmarshal([]byte(nodes), &f.Nodes); err != nil {
		return nil, fmt.Errorf("failed to decode nodes: %w", err)
	}
	if err := json.Unmarshal([]byte(edges), &f.Edges); err != nil {
		return nil, fmt.Errorf("failed to decode edges: %w", err)
	}
	return f, nil
}

// UpdateFlow replaces all mutable fields of an existing flow.
func (s *Store) UpdateFlow(ctx context.Context, f *Flow) error {
	permission, err := json.Marshal(f.Permission)
	if err != nil {
		return fmt.Errorf("failed to encode permission: %w", err)
	}
	editorOption, err := json.Marshal(f.EditorOption)
	if err != nil {
		return fmt.Errorf("failed to encode editor option: %w", err)
	}
	nodes, err := json.Marshal(f.Nodes)
	if err != nil {
		return fmt.Errorf("failed to encode nodes: %w", err)
	}
	edges, err := json.Marshal(f.Edges)
	if err != nil {
		return fmt.Errorf("failed to encode edges: %w", err)
	}
	res, err := s.database.ExecContext(
		ctx,
		`UPDATE flows SET permission = ?, editor_option = ?, nodes = ?, edges = ? WHERE id = ?`,
		string(permission), string(editorOption), string(nodes), string(edges), f.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update flow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("flow %q: %w", f.ID, ErrNotFound)
	}
	return nil
}

// ReplaceGraph overwrites only the nodes/edges fields of a flow. This is the
// end-of-session merge: the working copy wins over whatever is stored.
func (s *Store) ReplaceGraph(ctx context.Context, id string, nodes []Doc, edges []Doc) error {
	encodedNodes, err := json.Marshal(nodes)
	if err != nil {
		return fmt.Errorf("failed to encode nodes: %w", err)
	}
	encodedEdges, err := json.Marshal(edges)
	if err != nil {
		return fmt.Errorf("failed to encode edges: %w", err)
	}
	res, err := s.database.ExecContext(
		ctx,
		`UPDATE flows SET nodes = ?, edges = ? WHERE id = ?`,
		string(encodedNodes), string(encodedEdges), id,
	)
	if err != nil {
		return fmt.Errorf("failed to replace graph: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("flow %q: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) CreateUser(ctx context.Context, u *User) error {
	if _, err := s.database.ExecContext(
		ctx,
		`INSERT INTO users (id, name, username, email, profile_url) VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Name, u.Username, u.Email, u.ProfileURL,
	); err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	u := &User{ID: id}
	if err := s.database.QueryRowContext(
		ctx,
		`SELECT name, username, email, profile_url FROM users WHERE id = ?`,
		id,
	).Scan(&u.Name, &u.Username, &u.Email, &u.ProfileURL); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return u, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	u := &User{Username: username}
	if err := s.database.QueryRowContext(
		ctx,
		`SELECT id, name, email, profile_url FROM users WHERE username = ?`,
		username,
	).Scan(&u.ID, &u.Name, &u.Email, &u.ProfileURL); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %q: %w", username, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return u, nil
}
