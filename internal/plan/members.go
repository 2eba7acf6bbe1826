package plan

import (
	"fmt"
	"sort"
	"strings"
)

// MembersQuery returns the query listing the keys of the user accounts
// linked to s, or "" when no users table is configured.
func (p *Planner) MembersQuery(s Subject) string {
	u := p.opts.Users
	if !u.Enabled() {
		return ""
	}
	q := p.dialect.QuoteIdentifier
	return "SELECT " + q(u.KeyColumn()) + " FROM " + q(u.Table) +
		" WHERE " + q(u.ContactColumn) + " = " + p.dialect.QuoteLiteral(s.ID) +
		" ORDER BY " + q(u.KeyColumn())
}

// PlanMember returns the requests cleaning up the user account member of
// s: the reset of the account row, then one request per change table.
// Selections match on the author column, which updates never touch.
func (p *Planner) PlanMember(s Subject, member string) ([]Request, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	u := p.opts.Users
	if !u.Enabled() {
		return nil, fmt.Errorf("no users table configured")
	}
	q := p.dialect.QuoteIdentifier
	lit := p.dialect.QuoteLiteral

	var requests []Request
	if len(u.Reset) > 0 {
		key := u.KeyColumn()
		requests = append(requests, Request{
			Name:    fmt.Sprintf("%d:%s@user=%s", len(requests), u.Table, member),
			Select:  "SELECT " + q(key) + " FROM " + q(u.Table) + " WHERE " + q(key) + " = " + lit(member) + " ORDER BY " + q(key),
			Updates: []string{"UPDATE " + q(u.Table) + " SET " + p.resetAssignments(u.Reset, member)},
			Key:     key,
		})
	}

	for _, c := range u.Changes {
		key := c.KeyColumn()
		sets := make([]string, 0, len(c.Columns))
		for _, col := range c.Columns {
			sets = append(sets, q(col)+" = "+p.rewrite(q(col), TextColumn, s))
		}
		requests = append(requests, Request{
			Name:    fmt.Sprintf("%d:%s@user=%s", len(requests), c.Table, member),
			Select:  "SELECT " + q(key) + " FROM " + q(c.Table) + " WHERE " + q(c.UserColumn) + " = " + lit(member) + " ORDER BY " + q(key),
			Updates: []string{"UPDATE " + q(c.Table) + " SET " + strings.Join(sets, ", ")},
			Key:     key,
		})
	}
	return requests, nil
}

// resetAssignments sets each reset column to its literal value, sorted by
// column. "{id}" in a value is replaced by the account key.
func (p *Planner) resetAssignments(reset map[string]string, member string) string {
	cols := make([]string, 0, len(reset))
	for col := range reset {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	sets := make([]string, 0, len(cols))
	for _, col := range cols {
		value := strings.ReplaceAll(reset[col], "{id}", member)
		sets = append(sets, p.dialect.QuoteIdentifier(col)+" = "+p.dialect.QuoteLiteral(value))
	}
	return strings.Join(sets, ", ")
}
