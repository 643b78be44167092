package village

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/villagelabs/links/pkg/canon"
	"github.com/villagelabs/links/pkg/fslock"
)

// Roles a member row can carry.
const (
	RoleAdmin    = "admin"
	RoleMember   = "member"
	RoleObserver = "observer"
)

// Member is one row of the append-only members log. The latest row per
// member_id is the member's current state; IsRevoked is derived from the
// revocations log, never stored.
type Member struct {
	MemberID  string     `json:"member_id"`
	Role      string     `json:"role"`
	AddedAt   canon.Time `json:"added_at"`
	TokenHash string     `json:"token_hash"`
	IsRevoked bool       `json:"is_revoked"`
}

// Revocation is one row of the revocations log.
type Revocation struct {
	TokenHash string     `json:"token_hash"`
	TS        canon.Time `json:"ts"`
	Actor     *string    `json:"actor"`
	Reason    *string    `json:"reason"`
}

// HashToken derives the stored form of a bearer token.
func HashToken(token string) string {
	return canon.SHA256Hex([]byte(token))
}

func (s *Store) membersPath(villageID string) string {
	return filepath.Join(s.Dir(villageID), "members.jsonl")
}

func (s *Store) revocationsPath(villageID string) string {
	return filepath.Join(s.Dir(villageID), "revocations.jsonl")
}

// AddMember appends a member row. The village must exist; only the token
// hash is recorded.
func (s *Store) AddMember(ctx context.Context, villageID, memberID, role, tokenPlain string) (*Member, error) {
	if !s.Exists(villageID) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, villageID)
	}
	m := &Member{
		MemberID:  memberID,
		Role:      role,
		AddedAt:   canon.Now(),
		TokenHash: HashToken(tokenPlain),
	}
	if err := s.appendMemberRow(ctx, villageID, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) appendMemberRow(ctx context.Context, villageID string, m *Member) error {
	row := map[string]any{
		"member_id":  m.MemberID,
		"role":       m.Role,
		"added_at":   m.AddedAt,
		"token_hash": m.TokenHash,
	}
	line, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	if err := fslock.AppendLine(ctx, s.membersPath(villageID), line); err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

// ListMembers returns every member row in file order with IsRevoked filled
// in. Unparseable lines are skipped.
func (s *Store) ListMembers(villageID string) ([]Member, error) {
	rows, err := s.memberRows(villageID)
	if err != nil {
		return nil, err
	}
	revoked, err := s.revokedSet(villageID)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i].IsRevoked = revoked[rows[i].TokenHash]
	}
	return rows, nil
}

// Snapshot folds the log to the latest row per member, preserving first-seen
// order.
func (s *Store) Snapshot(villageID string) ([]Member, error) {
	rows, err := s.ListMembers(villageID)
	if err != nil {
		return nil, err
	}
	index := make(map[string]int, len(rows))
	out := make([]Member, 0, len(rows))
	for _, m := range rows {
		if i, ok := index[m.MemberID]; ok {
			out[i] = m
			continue
		}
		index[m.MemberID] = len(out)
		out = append(out, m)
	}
	return out, nil
}

// Authorize resolves a bearer token to the member it currently belongs to.
// The token must match the member's latest row and must not be revoked;
// otherwise nil.
func (s *Store) Authorize(villageID, tokenPlain string) (*Member, error) {
	want := HashToken(tokenPlain)
	snapshot, err := s.Snapshot(villageID)
	if err != nil {
		return nil, err
	}
	for _, m := range snapshot {
		if m.TokenHash == want && !m.IsRevoked {
			member := m
			return &member, nil
		}
	}
	return nil, nil
}

// RevokeTokenHash appends one revocation row.
func (s *Store) RevokeTokenHash(ctx context.Context, villageID, tokenHash, actor, reason string) error {
	row := map[string]any{
		"token_hash": tokenHash,
		"ts":         canon.Now(),
		"actor":      nullable(actor),
		"reason":     nullable(reason),
	}
	line, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	if err := fslock.AppendLine(ctx, s.revocationsPath(villageID), line); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// IsTokenRevoked reports whether the token hash appears in the revocations
// log.
func (s *Store) IsTokenRevoked(villageID, tokenHash string) (bool, error) {
	revoked, err := s.revokedSet(villageID)
	if err != nil {
		return false, err
	}
	return revoked[tokenHash], nil
}

// RevokeMember revokes every token hash ever recorded for the member and
// returns how many new revocations were written.
func (s *Store) RevokeMember(ctx context.Context, villageID, memberID, actor, reason string) (int, error) {
	rows, err := s.memberRows(villageID)
	if err != nil {
		return 0, err
	}
	revoked, err := s.revokedSet(villageID)
	if err != nil {
		return 0, err
	}
	n := 0
	seen := make(map[string]bool)
	for _, m := range rows {
		if m.MemberID != memberID || m.TokenHash == "" {
			continue
		}
		if revoked[m.TokenHash] || seen[m.TokenHash] {
			continue
		}
		seen[m.TokenHash] = true
		if err := s.RevokeTokenHash(ctx, villageID, m.TokenHash, actor, reason); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// RotateMemberToken revokes the member's current token and appends a fresh
// row carrying the new token hash. The old bearer stops authorizing even on
// nodes that only replay the members log, because the latest row wins.
func (s *Store) RotateMemberToken(ctx context.Context, villageID, memberID, newToken, actor string) (*Member, error) {
	snapshot, err := s.Snapshot(villageID)
	if err != nil {
		return nil, err
	}
	var current *Member
	for i := range snapshot {
		if snapshot[i].MemberID == memberID {
			current = &snapshot[i]
			break
		}
	}
	if current == nil {
		return nil, fmt.Errorf("member not found: %s", memberID)
	}
	if err := s.RevokeTokenHash(ctx, villageID, current.TokenHash, actor, "token rotated"); err != nil {
		return nil, err
	}
	next := &Member{
		MemberID:  memberID,
		Role:      current.Role,
		AddedAt:   canon.Now(),
		TokenHash: HashToken(newToken),
	}
	if err := s.appendMemberRow(ctx, villageID, next); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *Store) memberRows(villageID string) ([]Member, error) {
	return readJSONLines[Member](s.membersPath(villageID))
}

func (s *Store) revokedSet(villageID string) (map[string]bool, error) {
	rows, err := readJSONLines[Revocation](s.revocationsPath(villageID))
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(rows))
	for _, r := range rows {
		out[r.TokenHash] = true
	}
	return out, nil
}

func readJSONLines[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	var out []T
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var row T
		if err := json.Unmarshal(line, &row); err != nil {
			continue
		}
		out = append(out, row)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	return out, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
