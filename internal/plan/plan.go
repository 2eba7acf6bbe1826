// Package plan turns a subject into the ordered list of logical requests
// that redact its mentions. Planning reads only schema metadata, never row data.
package plan

import (
	"errors"
	"fmt"
	"strings"

	"github.com/johndauphine/mention-anonymizer/internal/driver"
	"github.com/johndauphine/mention-anonymizer/internal/schema"
)

// On-mention modes.
const (
	ModeTriggerOnly = "trigger-only"
	ModeDisabled    = "disabled"
)

// Identity is the part of a subject that can appear in text.
type Identity struct {
	FriendlyName string `json:"friendlyname" yaml:"friendlyname"`
	Email        string `json:"email" yaml:"email"`
}

// Subject is the entity being anonymized. It is immutable for a run.
type Subject struct {
	Class      string   `json:"class" yaml:"class"`
	ID         string   `json:"id" yaml:"id"`
	Origin     Identity `json:"origin" yaml:"origin"`
	Anonymized Identity `json:"anonymized" yaml:"anonymized"`
}

// TaskKey identifies the subject's action in the progress store.
func (s Subject) TaskKey() string {
	return s.Class + ":" + s.ID
}

// Validate checks the fields planning depends on.
func (s Subject) Validate() error {
	var errs []error
	if s.Class == "" {
		errs = append(errs, errors.New("subject class is required"))
	}
	if s.ID == "" {
		errs = append(errs, errors.New("subject id is required"))
	}
	if s.Origin.FriendlyName == "" {
		errs = append(errs, errors.New("subject origin friendlyname is required"))
	}
	return errors.Join(errs...)
}

// Request is one logical mutation: a key selection and the updates applied
// to each chunk of selected keys. Requests are immutable once planned.
type Request struct {
	Name    string   `json:"name" yaml:"name"`
	Select  string   `json:"select" yaml:"select"`
	Updates []string `json:"updates" yaml:"updates"`
	Key     string   `json:"key" yaml:"key"`
}

// ColumnKind selects the rewrite applied to a column.
type ColumnKind int

const (
	// CaseLogColumn is masked with '*' so entry lengths and offsets survive.
	CaseLogColumn ColumnKind = iota + 1
	// TextColumn gets the anonymized values substituted in.
	TextColumn
)

func (k ColumnKind) String() string {
	switch k {
	case CaseLogColumn:
		return "caselog"
	case TextColumn:
		return "text"
	default:
		return "unknown"
	}
}

func columnKindOf(k schema.AttributeKind) (ColumnKind, bool) {
	switch k {
	case schema.KindCaseLog:
		return CaseLogColumn, true
	case schema.KindText:
		return TextColumn, true
	default:
		return 0, false
	}
}

// Options are the anonymizer settings that shape a plan.
type Options struct {
	OnMention      string
	CaseLogContent []string
	ContactClass   string
	// Users enables the per-account cleanup planned by PlanMember.
	Users schema.UsersDef
}

func (o Options) maskEmail() bool {
	for _, c := range o.CaseLogContent {
		if strings.EqualFold(c, "email") {
			return true
		}
	}
	return false
}

// Planner builds requests from schema metadata.
type Planner struct {
	catalog schema.Catalog
	dialect driver.Dialect
	opts    Options
}

// New creates a Planner. An empty ContactClass defaults to "Contact".
func New(catalog schema.Catalog, dialect driver.Dialect, opts Options) *Planner {
	if opts.ContactClass == "" {
		opts.ContactClass = "Contact"
	}
	if opts.OnMention == "" {
		opts.OnMention = ModeTriggerOnly
	}
	return &Planner{catalog: catalog, dialect: dialect, opts: opts}
}

// Plan returns the ordered requests for s. An empty result means there is
// nothing to do.
func (p *Planner) Plan(s Subject) ([]Request, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if p.opts.OnMention != ModeTriggerOnly {
		return nil, nil
	}

	mentions := p.applicableMentions(s.Class)
	if len(mentions) == 0 {
		return nil, nil
	}

	var requests []Request
	planned := make(map[string]bool)
	updateCache := make(map[string][]string)

	for _, trigger := range p.catalog.MentionTriggerClasses() {
		classes := append([]string{trigger}, p.catalog.Subclasses(trigger)...)
		done := make(map[string]bool)

		for _, class := range classes {
			attrs, err := p.catalog.Attributes(class)
			if err != nil {
				return nil, fmt.Errorf("listing attributes of %s: %w", class, err)
			}
			key, err := p.catalog.KeyColumn(class)
			if err != nil {
				return nil, err
			}

			for _, a := range attrs {
				id := a.Table + "->" + a.Code
				if done[id] {
					continue
				}
				done[id] = true
				if a.Origin != class || a.Kind != schema.KindCaseLog {
					continue
				}

				updates, ok := updateCache[class]
				if !ok {
					if updates, err = p.updatesFor(class, s); err != nil {
						return nil, err
					}
					updateCache[class] = updates
				}

				column := a.FirstColumn()
				for _, m := range mentions {
					sel := p.selectFor(a.Table, column, key, mentionToken(m.Class, s.ID))
					if planned[sel] {
						continue
					}
					planned[sel] = true
					requests = append(requests, Request{
						Name:    fmt.Sprintf("%d:%s.%s@%s", len(requests), a.Table, column, m.Class),
						Select:  sel,
						Updates: updates,
						Key:     key,
					})
				}
			}
		}
	}
	return requests, nil
}

// applicableMentions keeps the mentionable contact classes that can refer
// to a subject of class subjectClass.
func (p *Planner) applicableMentions(subjectClass string) []schema.Mention {
	var out []schema.Mention
	for _, m := range p.catalog.MentionAllowedClasses() {
		if !p.catalog.IsParentClass(p.opts.ContactClass, m.Class) {
			continue
		}
		if !p.catalog.IsParentClass(m.Class, subjectClass) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// mentionToken is the fragment a rich-text mention of class/id leaves in
// stored HTML.
func mentionToken(class, id string) string {
	return "class=" + class + "&amp;id=" + id + `">@`
}

func (p *Planner) selectFor(table, column, key, token string) string {
	q := p.dialect.QuoteIdentifier
	return "SELECT " + q(key) + " FROM " + q(table) +
		" WHERE " + p.dialect.ContainsPredicate(q(column), token) +
		" ORDER BY " + q(key)
}

type columnRef struct {
	table  string
	column string
}

// updatesFor builds one UPDATE per table backing class or its subclasses.
// Only the first SQL column of each attribute is rewritten.
func (p *Planner) updatesFor(class string, s Subject) ([]string, error) {
	classes := append([]string{class}, p.catalog.Subclasses(class)...)

	var tables []string
	assignments := make(map[string][]string)
	seen := make(map[columnRef]bool)

	for _, c := range classes {
		attrs, err := p.catalog.Attributes(c)
		if err != nil {
			return nil, fmt.Errorf("listing attributes of %s: %w", c, err)
		}
		for _, a := range attrs {
			kind, ok := columnKindOf(a.Kind)
			if !ok {
				continue
			}
			ref := columnRef{table: a.Table, column: a.FirstColumn()}
			if seen[ref] {
				continue
			}
			seen[ref] = true

			if _, ok := assignments[a.Table]; !ok {
				tables = append(tables, a.Table)
			}
			col := p.dialect.QuoteIdentifier(ref.column)
			assignments[a.Table] = append(assignments[a.Table], col+" = "+p.rewrite(col, kind, s))
		}
	}

	updates := make([]string, 0, len(tables))
	for _, t := range tables {
		updates = append(updates, "UPDATE "+p.dialect.QuoteIdentifier(t)+" SET "+strings.Join(assignments[t], ", "))
	}
	return updates, nil
}

// rewrite nests REPLACE calls over expr, display name first.
func (p *Planner) rewrite(expr string, kind ColumnKind, s Subject) string {
	type pair struct{ from, to string }
	pairs := []pair{{s.Origin.FriendlyName, s.Anonymized.FriendlyName}}
	if s.Origin.Email != "" && p.opts.maskEmail() {
		pairs = append(pairs, pair{s.Origin.Email, s.Anonymized.Email})
	}

	for _, r := range pairs {
		to := r.to
		if kind == CaseLogColumn {
			to = Mask(r.from)
		}
		expr = driver.Replace(p.dialect, expr, r.from, to)
	}
	return expr
}

// Mask returns a run of '*' as long as s in bytes, so case log entry
// lengths and index offsets stay valid.
func Mask(s string) string {
	return strings.Repeat("*", len(s))
}
