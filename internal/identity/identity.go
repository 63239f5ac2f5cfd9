// Package identity provides the SQL-backed group membership store and the
// role resolution hook consumed by the request resolution engine.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"docflow/internal/domain"
)

var ErrNotFound = errors.New("group not found")

// CycleError reports a group that is (transitively) its own ancestor.
// Propagation for such a group must not partially apply.
type CycleError struct {
	GroupID string
}

func (e CycleError) Error() string {
	return fmt.Sprintf("group membership cycle involving group %s", e.GroupID)
}

// Service provides group membership queries backed by SQL.
type Service struct {
	DB  *sql.DB
	Now func() time.Time
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Service) CreateGroup(ctx context.Context, tx *sql.Tx, id, name string) (domain.Group, error) {
	g := domain.Group{
		ID:        id,
		Name:      name,
		CreatedAt: s.now().UTC().Format(time.RFC3339),
	}
	if g.Name == "" {
		g.Name = g.ID
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO groups(id,name,version,created_at) VALUES (?,?,0,?)`, g.ID, g.Name, g.CreatedAt)
	return g, err
}

func (s Service) GetGroup(ctx context.Context, id string) (domain.Group, error) {
	var g domain.Group
	err := s.DB.QueryRowContext(ctx, `SELECT id,name,version,created_at FROM groups WHERE id=?`, id).
		Scan(&g.ID, &g.Name, &g.Version, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	return g, err
}

// GroupExistsTx checks existence inside an open transaction.
func (s Service) GroupExistsTx(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM groups WHERE id=? LIMIT 1`, id).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s Service) ListGroups(ctx context.Context) ([]domain.Group, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id,name,version,created_at FROM groups ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Group
	for rows.Next() {
		var g domain.Group
		if err := rows.Scan(&g.ID, &g.Name, &g.Version, &g.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

// AddMember records a direct member. Adding a group member that would make
// the group its own transitive ancestor is rejected up front.
func (s Service) AddMember(ctx context.Context, tx *sql.Tx, groupID, memberID, memberType string) error {
	if memberType != domain.MemberTypePrincipal && memberType != domain.MemberTypeGroup {
		return fmt.Errorf("invalid member type %s", memberType)
	}
	if memberType == domain.MemberTypeGroup {
		if memberID == groupID {
			return CycleError{GroupID: groupID}
		}
		// would groupID become reachable from memberID?
		reachable, err := s.reachableGroups(ctx, tx, memberID)
		if err != nil {
			return err
		}
		if _, ok := reachable[groupID]; ok {
			return CycleError{GroupID: groupID}
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO group_members(group_id,member_id,member_type) VALUES (?,?,?)`,
		groupID, memberID, memberType); err != nil {
		return err
	}
	return s.bumpVersion(ctx, tx, groupID)
}

func (s Service) RemoveMember(ctx context.Context, tx *sql.Tx, groupID, memberID, memberType string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM group_members WHERE group_id=? AND member_id=? AND member_type=?`,
		groupID, memberID, memberType)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return s.bumpVersion(ctx, tx, groupID)
}

func (s Service) bumpVersion(ctx context.Context, tx *sql.Tx, groupID string) error {
	res, err := tx.ExecContext(ctx, `UPDATE groups SET version=version+1 WHERE id=?`, groupID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s Service) DirectMembers(ctx context.Context, tx *sql.Tx, groupID string) ([]domain.GroupMember, error) {
	rows, err := tx.QueryContext(ctx, `SELECT group_id,member_id,member_type FROM group_members WHERE group_id=? ORDER BY member_type, member_id`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GroupMember
	for rows.Next() {
		var m domain.GroupMember
		if err := rows.Scan(&m.GroupID, &m.MemberID, &m.MemberType); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// ResolveMembers flattens nested group membership into the set of principal
// ids, sorted for stable materialization. A cycle aborts resolution.
func (s Service) ResolveMembers(ctx context.Context, tx *sql.Tx, groupID string) ([]string, error) {
	principals := map[string]struct{}{}
	visiting := map[string]bool{}
	var walk func(id string) error
	walk = func(id string) error {
		if visiting[id] {
			return CycleError{GroupID: groupID}
		}
		visiting[id] = true
		members, err := s.DirectMembers(ctx, tx, id)
		if err != nil {
			return err
		}
		for _, m := range members {
			switch m.MemberType {
			case domain.MemberTypePrincipal:
				principals[m.MemberID] = struct{}{}
			case domain.MemberTypeGroup:
				if err := walk(m.MemberID); err != nil {
					return err
				}
			}
		}
		visiting[id] = false
		return nil
	}
	if err := walk(groupID); err != nil {
		return nil, err
	}
	res := make([]string, 0, len(principals))
	for p := range principals {
		res = append(res, p)
	}
	sort.Strings(res)
	return res, nil
}

// IsMember reports whether principalID is a direct or nested member.
func (s Service) IsMember(ctx context.Context, tx *sql.Tx, groupID, principalID string) (bool, error) {
	members, err := s.ResolveMembers(ctx, tx, groupID)
	if err != nil {
		return false, err
	}
	for _, m := range members {
		if m == principalID {
			return true, nil
		}
	}
	return false, nil
}

// AncestorGroups walks the membership graph outward: every group that
// contains groupID directly or through intermediate groups. The start group
// appearing among its own ancestors is a configuration error.
func (s Service) AncestorGroups(ctx context.Context, tx *sql.Tx, groupID string) ([]string, error) {
	seen := map[string]struct{}{}
	frontier := []string{groupID}
	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		rows, err := tx.QueryContext(ctx, `SELECT group_id FROM group_members WHERE member_id=? AND member_type=?`,
			next, domain.MemberTypeGroup)
		if err != nil {
			return nil, err
		}
		var parents []string
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				rows.Close()
				return nil, err
			}
			parents = append(parents, p)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
		for _, p := range parents {
			if p == groupID {
				return nil, CycleError{GroupID: groupID}
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			frontier = append(frontier, p)
		}
	}
	res := make([]string, 0, len(seen))
	for g := range seen {
		res = append(res, g)
	}
	sort.Strings(res)
	return res, nil
}

// reachableGroups returns every group reachable downward from startID.
func (s Service) reachableGroups(ctx context.Context, tx *sql.Tx, startID string) (map[string]struct{}, error) {
	seen := map[string]struct{}{}
	frontier := []string{startID}
	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		rows, err := tx.QueryContext(ctx, `SELECT member_id FROM group_members WHERE group_id=? AND member_type=?`,
			next, domain.MemberTypeGroup)
		if err != nil {
			return nil, err
		}
		var children []string
		for rows.Next() {
			var c string
			if err := rows.Scan(&c); err != nil {
				rows.Close()
				return nil, err
			}
			children = append(children, c)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
		for _, c := range children {
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			frontier = append(frontier, c)
		}
	}
	return seen, nil
}
