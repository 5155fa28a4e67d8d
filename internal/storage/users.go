package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/kalambet/annotd/internal/apperr"
)

const userColumns = `id, username, role, active_store_id, active_assignment, created_at`

// --- Users ---

func (s *Store) CreateUser(ctx context.Context, username string, role Role) (User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return User{}, apperr.Invalid("username", "required")
	}
	if !role.Valid() {
		return User{}, apperr.Invalid("role", "must be %q or %q", RoleAdmin, RoleAnnotator)
	}
	u := User{
		ID:                    uuid.New().String(),
		Username:              username,
		Role:                  role,
		AssignedConversations: map[string]AssignedStore{},
		CreatedAt:             s.now(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, role, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Username, string(u.Role), formatTime(u.CreatedAt),
	)
	if isUniqueViolation(err) {
		return User{}, fmt.Errorf("username %q: %w", username, ErrConflict)
	}
	if err != nil {
		return User{}, fmt.Errorf("inserting user: %w", err)
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (User, error) {
	return s.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (User, error) {
	return s.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username)
}

func (s *Store) getUser(ctx context.Context, query, arg string) (User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, ErrNotFound) {
		return User{}, fmt.Errorf("user %s: %w", arg, ErrNotFound)
	}
	if err != nil {
		return User{}, err
	}
	assigned, err := s.loadAssigned(ctx, u.ID)
	if err != nil {
		return User{}, err
	}
	u.AssignedConversations = assigned[u.ID]
	if u.AssignedConversations == nil {
		u.AssignedConversations = map[string]AssignedStore{}
	}
	return u, nil
}

// ListUsers returns every user with their assignments, oldest first.
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at ASC, username ASC`)
	if err != nil {
		return nil, err
	}
	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		users = append(users, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	assigned, err := s.loadAssigned(ctx, "")
	if err != nil {
		return nil, err
	}
	for i := range users {
		users[i].AssignedConversations = assigned[users[i].ID]
		if users[i].AssignedConversations == nil {
			users[i].AssignedConversations = map[string]AssignedStore{}
		}
	}
	return users, nil
}

// SetActiveStore records the user's selected store id and assignment title.
func (s *Store) SetActiveStore(ctx context.Context, userID, storeID, assignmentTitle string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET active_store_id = ?, active_assignment = ? WHERE id = ?`,
		storeID, assignmentTitle, userID)
	if err != nil {
		return fmt.Errorf("updating active store: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return nil
}

// UpsertAssignment writes one titled assignment for a user in a store and
// stamps the store entry with teamID. An existing assignment with the same
// title keeps its position and has its conversation list replaced.
func (s *Store) UpsertAssignment(ctx context.Context, userID, storeID, teamID string, a Assignment) error {
	if a.Title == "" {
		return apperr.Invalid("assignmentTitle", "required")
	}
	convs := a.Conversations
	if convs == nil {
		convs = []string{}
	}
	payload, err := json.Marshal(convs)
	if err != nil {
		return fmt.Errorf("encoding conversations: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning assignment transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE id = ?`, userID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO user_stores (user_id, store_id, team_id) VALUES (?, ?, ?)
		ON CONFLICT (user_id, store_id) DO UPDATE SET team_id = excluded.team_id`,
		userID, storeID, teamID,
	); err != nil {
		return fmt.Errorf("updating team: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO assignments (user_id, store_id, title, conversations, position, updated_at)
		VALUES (?, ?, ?, ?,
			(SELECT COALESCE(MAX(position), -1) + 1 FROM assignments WHERE user_id = ? AND store_id = ?),
			?)
		ON CONFLICT (user_id, store_id, title) DO UPDATE SET
			conversations = excluded.conversations,
			updated_at = excluded.updated_at`,
		userID, storeID, a.Title, string(payload), userID, storeID, formatTime(s.now()),
	); err != nil {
		return fmt.Errorf("writing assignment %q: %w", a.Title, err)
	}

	return tx.Commit()
}

// loadAssigned returns assignments grouped by user id then store id. An
// empty userID loads every user.
func (s *Store) loadAssigned(ctx context.Context, userID string) (map[string]map[string]AssignedStore, error) {
	out := make(map[string]map[string]AssignedStore)

	teamQuery := `SELECT user_id, store_id, team_id FROM user_stores`
	assignQuery := `SELECT user_id, store_id, title, conversations FROM assignments`
	var args []any
	if userID != "" {
		teamQuery += ` WHERE user_id = ?`
		assignQuery += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	assignQuery += ` ORDER BY user_id, store_id, position ASC`

	rows, err := s.db.QueryContext(ctx, teamQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("loading teams: %w", err)
	}
	for rows.Next() {
		var uid, sid, team string
		if err := rows.Scan(&uid, &sid, &team); err != nil {
			rows.Close()
			return nil, err
		}
		if out[uid] == nil {
			out[uid] = make(map[string]AssignedStore)
		}
		out[uid][sid] = AssignedStore{TeamID: team, Assignments: []Assignment{}}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, assignQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("loading assignments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var uid, sid, title, payload string
		if err := rows.Scan(&uid, &sid, &title, &payload); err != nil {
			return nil, err
		}
		var convs []string
		if err := json.Unmarshal([]byte(payload), &convs); err != nil {
			return nil, fmt.Errorf("decoding assignment %q: %w", title, err)
		}
		if out[uid] == nil {
			out[uid] = make(map[string]AssignedStore)
		}
		entry := out[uid][sid]
		entry.Assignments = append(entry.Assignments, Assignment{Title: title, Conversations: convs})
		out[uid][sid] = entry
	}
	return out, rows.Err()
}

func scanUser(row rowScanner) (User, error) {
	var u User
	var role, createdAt string
	err := row.Scan(&u.ID, &u.Username, &role, &u.ActiveStoreID, &u.ActiveAssignment, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	u.Role = Role(role)
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return User{}, err
	}
	return u, nil
}
