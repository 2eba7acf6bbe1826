// Package schema exposes the read-only data-model metadata the planner needs:
// class inheritance, attribute kinds, the tables and SQL columns backing each
// attribute, and which classes can be mentioned in case logs.
package schema

import (
	"fmt"
	"sort"
	"strings"
)

// AttributeKind classifies an attribute by how its text is stored.
type AttributeKind int

const (
	// KindOther is any attribute the anonymizer never rewrites.
	KindOther AttributeKind = iota
	// KindCaseLog is an append-only journal whose entries embed mention markup.
	KindCaseLog
	// KindText is free text where the subject's name may appear verbatim.
	KindText
)

func (k AttributeKind) String() string {
	switch k {
	case KindCaseLog:
		return "caselog"
	case KindText:
		return "text"
	default:
		return "other"
	}
}

// ParseAttributeKind converts a config value to an AttributeKind.
func ParseAttributeKind(s string) (AttributeKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "caselog", "case_log":
		return KindCaseLog, nil
	case "text", "html":
		return KindText, nil
	case "", "other":
		return KindOther, nil
	default:
		return KindOther, fmt.Errorf("unknown attribute kind: %s (valid: caselog, text, other)", s)
	}
}

// Attribute describes one attribute of a class as seen from that class.
type Attribute struct {
	Code    string
	Kind    AttributeKind
	Table   string
	Columns []string
	// Origin is the class that declares the attribute. Inherited attributes
	// keep the declaring class here.
	Origin string
}

// FirstColumn returns the attribute's first SQL column, which holds the text
// for case logs (the others carry index metadata).
func (a Attribute) FirstColumn() string {
	if len(a.Columns) == 0 {
		return a.Code
	}
	return a.Columns[0]
}

// Mention maps a mention character (e.g. "@") to the class it refers to.
type Mention struct {
	Char  string
	Class string
}

// Catalog is the read-only schema introspection service.
type Catalog interface {
	// MentionTriggerClasses returns the target classes of mention triggers.
	MentionTriggerClasses() []string

	// MentionAllowedClasses returns the configured mention characters,
	// ordered by character.
	MentionAllowedClasses() []Mention

	// Subclasses returns every descendant of class, parents before children.
	Subclasses(class string) []string

	// IsParentClass reports whether class is parent or one of its descendants.
	IsParentClass(parent, class string) bool

	// Attributes returns the attributes of class including inherited ones.
	Attributes(class string) ([]Attribute, error)

	// KeyColumn returns the primary key column of class's table.
	KeyColumn(class string) (string, error)
}

// Definition is the configuration shape of a static catalog.
type Definition struct {
	Classes                []ClassDef        `yaml:"classes"`
	MentionTriggers        []string          `yaml:"mention_triggers"`
	MentionsAllowedClasses map[string]string `yaml:"mentions_allowed_classes"`
	Users                  UsersDef          `yaml:"users"`
}

// UsersDef describes the user accounts linked to a contact. When Table is
// set, each account is cleaned up after the contact's mentions: Reset
// columns are overwritten on the account row and Changes rows authored by
// the account get the anonymized name.
type UsersDef struct {
	Table         string            `yaml:"table"`
	Key           string            `yaml:"key"`
	ContactColumn string            `yaml:"contact_column"`
	Reset         map[string]string `yaml:"reset"`
	Changes       []ChangeDef       `yaml:"changes"`
}

// ChangeDef is a table whose rows record the user that authored them.
type ChangeDef struct {
	Table      string   `yaml:"table"`
	Key        string   `yaml:"key"`
	UserColumn string   `yaml:"user_column"`
	Columns    []string `yaml:"columns"`
}

// Enabled reports whether user accounts are cleaned up at all.
func (u UsersDef) Enabled() bool {
	return u.Table != ""
}

// KeyColumn returns the account key column, "id" by default.
func (u UsersDef) KeyColumn() string {
	if u.Key == "" {
		return "id"
	}
	return u.Key
}

// KeyColumn returns the change table key column, "id" by default.
func (c ChangeDef) KeyColumn() string {
	if c.Key == "" {
		return "id"
	}
	return c.Key
}

func (u UsersDef) validate() error {
	if !u.Enabled() {
		if u.ContactColumn != "" || len(u.Reset) > 0 || len(u.Changes) > 0 {
			return fmt.Errorf("schema users: table is required")
		}
		return nil
	}
	if u.ContactColumn == "" {
		return fmt.Errorf("schema users: contact_column is required")
	}
	for i, c := range u.Changes {
		if c.Table == "" || c.UserColumn == "" {
			return fmt.Errorf("schema users change #%d: table and user_column are required", i+1)
		}
		if len(c.Columns) == 0 {
			return fmt.Errorf("schema users change %s: at least one column is required", c.Table)
		}
	}
	return nil
}

// ClassDef declares one class and the attributes it introduces.
type ClassDef struct {
	Name       string         `yaml:"name"`
	Parent     string         `yaml:"parent"`
	Table      string         `yaml:"table"`
	Key        string         `yaml:"key"`
	Attributes []AttributeDef `yaml:"attributes"`
}

// AttributeDef declares an attribute. Table defaults to the class table and
// Columns defaults to the attribute code.
type AttributeDef struct {
	Code    string   `yaml:"code"`
	Kind    string   `yaml:"kind"`
	Table   string   `yaml:"table"`
	Columns []string `yaml:"columns"`
}

// StaticCatalog is a Catalog built once from a Definition.
type StaticCatalog struct {
	classes  map[string]*ClassDef
	order    []string
	children map[string][]string
	attrs    map[string][]Attribute
	triggers []string
	mentions []Mention
}

// NewStaticCatalog validates def and resolves inheritance.
func NewStaticCatalog(def Definition) (*StaticCatalog, error) {
	c := &StaticCatalog{
		classes:  make(map[string]*ClassDef, len(def.Classes)),
		children: make(map[string][]string),
		attrs:    make(map[string][]Attribute, len(def.Classes)),
	}

	for i := range def.Classes {
		cd := &def.Classes[i]
		if cd.Name == "" {
			return nil, fmt.Errorf("schema class #%d has no name", i+1)
		}
		if _, dup := c.classes[cd.Name]; dup {
			return nil, fmt.Errorf("schema class %s declared twice", cd.Name)
		}
		c.classes[cd.Name] = cd
		c.order = append(c.order, cd.Name)
	}

	for _, name := range c.order {
		cd := c.classes[name]
		if cd.Parent == "" {
			continue
		}
		if _, ok := c.classes[cd.Parent]; !ok {
			return nil, fmt.Errorf("schema class %s: unknown parent %s", name, cd.Parent)
		}
		c.children[cd.Parent] = append(c.children[cd.Parent], name)
	}

	for _, name := range c.order {
		if _, err := c.resolve(name, map[string]bool{}); err != nil {
			return nil, err
		}
	}

	if err := def.Users.validate(); err != nil {
		return nil, err
	}

	for _, t := range def.MentionTriggers {
		if _, ok := c.classes[t]; !ok {
			return nil, fmt.Errorf("mention trigger targets unknown class %s", t)
		}
		c.triggers = append(c.triggers, t)
	}

	for char, class := range def.MentionsAllowedClasses {
		c.mentions = append(c.mentions, Mention{Char: char, Class: class})
	}
	sort.Slice(c.mentions, func(i, j int) bool { return c.mentions[i].Char < c.mentions[j].Char })

	return c, nil
}

// resolve computes the attribute list of name, parents' attributes first.
func (c *StaticCatalog) resolve(name string, visiting map[string]bool) ([]Attribute, error) {
	if attrs, ok := c.attrs[name]; ok {
		return attrs, nil
	}
	if visiting[name] {
		return nil, fmt.Errorf("schema class %s: inheritance cycle", name)
	}
	visiting[name] = true

	cd := c.classes[name]
	var attrs []Attribute
	if cd.Parent != "" {
		inherited, err := c.resolve(cd.Parent, visiting)
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, inherited...)
	}

	table := cd.Table
	if table == "" {
		table = strings.ToLower(name)
	}
	for _, ad := range cd.Attributes {
		kind, err := ParseAttributeKind(ad.Kind)
		if err != nil {
			return nil, fmt.Errorf("schema class %s attribute %s: %w", name, ad.Code, err)
		}
		a := Attribute{
			Code:    ad.Code,
			Kind:    kind,
			Table:   ad.Table,
			Columns: ad.Columns,
			Origin:  name,
		}
		if a.Table == "" {
			a.Table = table
		}
		if len(a.Columns) == 0 {
			a.Columns = []string{ad.Code}
		}
		attrs = append(attrs, a)
	}

	c.attrs[name] = attrs
	return attrs, nil
}

func (c *StaticCatalog) MentionTriggerClasses() []string {
	return append([]string(nil), c.triggers...)
}

func (c *StaticCatalog) MentionAllowedClasses() []Mention {
	return append([]Mention(nil), c.mentions...)
}

func (c *StaticCatalog) Subclasses(class string) []string {
	var out []string
	queue := append([]string(nil), c.children[class]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		out = append(out, next)
		queue = append(queue, c.children[next]...)
	}
	return out
}

func (c *StaticCatalog) IsParentClass(parent, class string) bool {
	for cur := class; cur != ""; {
		if cur == parent {
			return true
		}
		cd, ok := c.classes[cur]
		if !ok {
			return false
		}
		cur = cd.Parent
	}
	return false
}

func (c *StaticCatalog) Attributes(class string) ([]Attribute, error) {
	attrs, ok := c.attrs[class]
	if !ok {
		return nil, fmt.Errorf("unknown class %s", class)
	}
	return append([]Attribute(nil), attrs...), nil
}

func (c *StaticCatalog) KeyColumn(class string) (string, error) {
	cd, ok := c.classes[class]
	if !ok {
		return "", fmt.Errorf("unknown class %s", class)
	}
	if cd.Key == "" {
		return "id", nil
	}
	return cd.Key, nil
}
