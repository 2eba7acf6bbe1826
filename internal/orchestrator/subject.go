package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/johndauphine/mention-anonymizer/internal/plan"
)

// subjectContext is the action context document: the subject's original
// and anonymized identities, optionally with its class and id.
type subjectContext struct {
	Class      string          `json:"class"`
	ID         json.RawMessage `json:"id"`
	Origin     plan.Identity   `json:"origin"`
	Anonymized plan.Identity   `json:"anonymized"`
}

// ParseSubject decodes an action context document. Non-empty class and
// id override the document's own.
func ParseSubject(data []byte, class, id string) (plan.Subject, error) {
	var doc subjectContext
	if err := json.Unmarshal(data, &doc); err != nil {
		return plan.Subject{}, fmt.Errorf("invalid subject context: %w", err)
	}
	s := plan.Subject{
		Class:      doc.Class,
		ID:         rawID(doc.ID),
		Origin:     doc.Origin,
		Anonymized: doc.Anonymized,
	}
	if class != "" {
		s.Class = class
	}
	if id != "" {
		s.ID = id
	}
	return s, nil
}

// rawID accepts the id as a JSON number or string.
func rawID(raw json.RawMessage) string {
	v := strings.TrimSpace(string(raw))
	if v == "null" {
		return ""
	}
	if unquoted, err := strconv.Unquote(v); err == nil {
		return unquoted
	}
	return v
}

// LoadSubject reads an action context document from path.
func LoadSubject(path, class, id string) (plan.Subject, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return plan.Subject{}, fmt.Errorf("reading subject context: %w", err)
	}
	return ParseSubject(data, class, id)
}
