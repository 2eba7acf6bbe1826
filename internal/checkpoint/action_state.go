package checkpoint

import (
	"fmt"
	"time"

	"github.com/johndauphine/mention-anonymizer/internal/plan"
)

// Status is the lifecycle status of a persisted action.
type Status string

const (
	// StatusPlanned means requests are planned and work remains.
	StatusPlanned Status = "planned"
	// StatusCompleted means every request completed or was skipped.
	StatusCompleted Status = "completed"
	// StatusEmpty means planning found nothing to do.
	StatusEmpty Status = "empty"
	// StatusAbandoned means the chunk size could not shrink any further.
	StatusAbandoned Status = "abandoned"
)

// Terminal reports whether no further work will be attempted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusEmpty || s == StatusAbandoned
}

// Skipped is the progress value of a request abandoned after a permanent error.
const Skipped = -1

// ActionState is the whole persisted document for one action. It is
// replaced atomically on every save.
//
// Members are walked after the planned requests, one at a time: each
// member's requests replace Requests and progress starts over.
// MemberIndex counts the members already started.
type ActionState struct {
	RunID       string          `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	Status      Status          `json:"status" yaml:"status"`
	ChunkSize   int             `json:"chunk_size" yaml:"chunk_size"`
	Requests    []plan.Request  `json:"requests" yaml:"requests"`
	Progress    map[string]int  `json:"progress,omitempty" yaml:"progress,omitempty"`
	Completed   map[string]bool `json:"completed,omitempty" yaml:"completed,omitempty"`
	Members     []string        `json:"members,omitempty" yaml:"members,omitempty"`
	MemberIndex int             `json:"member_index,omitempty" yaml:"member_index,omitempty"`
	PlannedAt   time.Time       `json:"planned_at" yaml:"planned_at"`
	UpdatedAt   time.Time       `json:"updated_at" yaml:"updated_at"`
}

// NewActionState creates the state produced by planning.
func NewActionState(chunkSize int, requests []plan.Request) *ActionState {
	if chunkSize < 1 {
		chunkSize = 1
	}
	now := time.Now().UTC()
	return &ActionState{
		Status:    StatusPlanned,
		ChunkSize: chunkSize,
		Requests:  requests,
		Progress:  make(map[string]int),
		Completed: make(map[string]bool),
		PlannedAt: now,
		UpdatedAt: now,
	}
}

// Cursor returns the number of keys already processed for name, or Skipped.
func (s *ActionState) Cursor(name string) int {
	return s.Progress[name]
}

// IsDone reports whether name needs no more chunks.
func (s *ActionState) IsDone(name string) bool {
	return s.Completed[name] || s.Progress[name] == Skipped
}

// Advance records a new cursor for name. Cursors never move backwards.
func (s *ActionState) Advance(name string, cursor int) error {
	s.ensureMaps()
	cur := s.Progress[name]
	if cur == Skipped {
		return fmt.Errorf("request %s is skipped", name)
	}
	if cursor < cur {
		return fmt.Errorf("request %s: cursor %d would move back from %d", name, cursor, cur)
	}
	s.Progress[name] = cursor
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkComplete records the final cursor of name.
func (s *ActionState) MarkComplete(name string, cursor int) error {
	if err := s.Advance(name, cursor); err != nil {
		return err
	}
	s.Completed[name] = true
	return nil
}

// MarkSkipped records a permanent failure of name.
func (s *ActionState) MarkSkipped(name string) {
	s.ensureMaps()
	s.Progress[name] = Skipped
	delete(s.Completed, name)
	s.UpdatedAt = time.Now().UTC()
}

// NextMember returns the next member to walk, if any.
func (s *ActionState) NextMember() (string, bool) {
	if s.MemberIndex >= len(s.Members) {
		return "", false
	}
	return s.Members[s.MemberIndex], true
}

// CurrentMember returns the member whose requests are in Requests, or "".
func (s *ActionState) CurrentMember() string {
	if s.MemberIndex == 0 || s.MemberIndex > len(s.Members) {
		return ""
	}
	return s.Members[s.MemberIndex-1]
}

// StartMember moves to the next member with its planned requests.
// Progress of the previous request list is dropped.
func (s *ActionState) StartMember(requests []plan.Request) {
	s.Requests = requests
	s.Progress = make(map[string]int)
	s.Completed = make(map[string]bool)
	s.MemberIndex++
	s.UpdatedAt = time.Now().UTC()
}

// Finish moves the state to a terminal status and drops progress. The
// request list is kept for audit.
func (s *ActionState) Finish(status Status) {
	s.Status = status
	s.Progress = nil
	s.Completed = nil
	s.UpdatedAt = time.Now().UTC()
}

// Summary counts requests by state. Request counts cover the current
// request list only; Members and MembersStarted cover the member walk.
type Summary struct {
	Total          int `json:"total"`
	Completed      int `json:"completed"`
	Skipped        int `json:"skipped"`
	Pending        int `json:"pending"`
	Rows           int `json:"rows"`
	Members        int `json:"members,omitempty"`
	MembersStarted int `json:"members_started,omitempty"`
}

// Summarize returns the request counts of the state.
func (s *ActionState) Summarize() Summary {
	sum := Summary{Total: len(s.Requests), Members: len(s.Members), MembersStarted: s.MemberIndex}
	for _, r := range s.Requests {
		p := s.Progress[r.Name]
		switch {
		case p == Skipped:
			sum.Skipped++
		case s.Completed[r.Name]:
			sum.Completed++
			sum.Rows += p
		default:
			sum.Pending++
			sum.Rows += p
		}
	}
	if s.Status == StatusCompleted || s.Status == StatusEmpty {
		// Progress is dropped when the action finishes.
		sum.Completed += sum.Pending
		sum.Pending = 0
	}
	return sum
}

// Clone returns a deep copy of s.
func (s *ActionState) Clone() *ActionState {
	if s == nil {
		return nil
	}
	c := *s
	c.Members = append([]string(nil), s.Members...)
	c.Requests = make([]plan.Request, len(s.Requests))
	for i, r := range s.Requests {
		r.Updates = append([]string(nil), r.Updates...)
		c.Requests[i] = r
	}
	if s.Progress != nil {
		c.Progress = make(map[string]int, len(s.Progress))
		for k, v := range s.Progress {
			c.Progress[k] = v
		}
	}
	if s.Completed != nil {
		c.Completed = make(map[string]bool, len(s.Completed))
		for k, v := range s.Completed {
			c.Completed[k] = v
		}
	}
	return &c
}

func (s *ActionState) ensureMaps() {
	if s.Progress == nil {
		s.Progress = make(map[string]int)
	}
	if s.Completed == nil {
		s.Completed = make(map[string]bool)
	}
}

// cleared returns the terminal document Clear persists for existing.
func cleared(existing *ActionState, status Status) *ActionState {
	c := existing.Clone()
	if c == nil {
		c = &ActionState{ChunkSize: 1}
	}
	c.Finish(status)
	return c
}
