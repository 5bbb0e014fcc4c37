package store

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/rapportapp/rapport/internal/model"
)

// entityPtr is the pointer form of an entity struct. Records move through
// the store as pointers and are never modified after they are committed;
// edits replace the pointer.
type entityPtr[T any] interface {
	*T
	model.Entity
	Init(now time.Time)
	Stamp(now time.Time)
	Created() time.Time
}

// collection is one entity kind held in memory.
type collection interface {
	kind() model.Kind
	fileName() string
	clone() collection
	entities() []model.Entity
	lookup(id string) (model.Entity, bool)
	// current returns the committed record that e would replace.
	current(e model.Entity) (model.Entity, bool)
	put(e model.Entity) error
	remove(id string) bool
	// cascade drops references to a deleted record. It returns whether
	// anything changed and the IDs of records removed along with it.
	cascade(id string, now time.Time) (bool, []string)
	marshal() ([]byte, error)
	unmarshal(data []byte) error
	len() int
}

func newCollection(kind model.Kind) collection {
	switch kind {
	case model.KindPerson:
		return &listCollection[model.Person, *model.Person]{k: kind, file: "people.json"}
	case model.KindMeeting:
		return &listCollection[model.Meeting, *model.Meeting]{k: kind, file: "meetings.json"}
	case model.KindGoal:
		return &listCollection[model.Goal, *model.Goal]{k: kind, file: "goals.json"}
	case model.KindTemplate:
		return &listCollection[model.Template, *model.Template]{k: kind, file: "templates.json"}
	case model.KindFeedback:
		return &listCollection[model.Feedback, *model.Feedback]{k: kind, file: "feedback.json"}
	case model.KindObjective:
		return &listCollection[model.Objective, *model.Objective]{k: kind, file: "objectives.json"}
	case model.KindRecording:
		return &listCollection[model.Recording, *model.Recording]{k: kind, file: "recordings.json"}
	case model.KindCareerProfile:
		return &careerCollection{byPerson: map[string]*model.CareerProfile{}}
	case model.KindSentiment:
		return &sentimentCollection{byPerson: map[string][]*model.SentimentEntry{}}
	}
	panic(fmt.Sprintf("store: unknown kind %q", kind))
}

// listCollection is a flat list of records.
type listCollection[T any, P entityPtr[T]] struct {
	k     model.Kind
	file  string
	items []P
}

func (c *listCollection[T, P]) kind() model.Kind { return c.k }
func (c *listCollection[T, P]) fileName() string { return c.file }
func (c *listCollection[T, P]) len() int         { return len(c.items) }

func (c *listCollection[T, P]) clone() collection {
	return &listCollection[T, P]{k: c.k, file: c.file, items: slices.Clone(c.items)}
}

func (c *listCollection[T, P]) entities() []model.Entity {
	out := make([]model.Entity, len(c.items))
	for i, p := range c.items {
		out[i] = p
	}
	return out
}

func (c *listCollection[T, P]) index(id string) int {
	return slices.IndexFunc(c.items, func(p P) bool { return p.EntityID() == id })
}

func (c *listCollection[T, P]) lookup(id string) (model.Entity, bool) {
	if i := c.index(id); i >= 0 {
		return c.items[i], true
	}
	return nil, false
}

func (c *listCollection[T, P]) current(e model.Entity) (model.Entity, bool) {
	return c.lookup(e.EntityID())
}

func (c *listCollection[T, P]) put(e model.Entity) error {
	p, ok := e.(P)
	if !ok {
		return fmt.Errorf("cannot store %T in %s collection", e, c.k)
	}
	if i := c.index(p.EntityID()); i >= 0 {
		c.items[i] = p
		return nil
	}
	c.items = append(c.items, p)
	return nil
}

func (c *listCollection[T, P]) remove(id string) bool {
	i := c.index(id)
	if i < 0 {
		return false
	}
	c.items = slices.Delete(c.items, i, i+1)
	return true
}

func (c *listCollection[T, P]) cascade(id string, now time.Time) (bool, []string) {
	changed := false
	for i, p := range c.items {
		v := *p
		np := P(&v)
		r, ok := any(np).(model.Referrer)
		if !ok {
			return false, nil
		}
		if r.DropReference(id) {
			np.Stamp(now)
			c.items[i] = np
			changed = true
		}
	}
	return changed, nil
}

func (c *listCollection[T, P]) marshal() ([]byte, error) {
	items := c.items
	if items == nil {
		items = []P{}
	}
	return json.MarshalIndent(items, "", "  ")
}

func (c *listCollection[T, P]) unmarshal(data []byte) error {
	var items []P
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	c.items = c.items[:0]
	for _, p := range items {
		if p == nil || p.EntityID() == "" {
			continue
		}
		// Later duplicates win.
		_ = c.put(p)
	}
	return nil
}

// careerCollection holds at most one profile per person, keyed by person ID.
type careerCollection struct {
	byPerson map[string]*model.CareerProfile
}

func (c *careerCollection) kind() model.Kind { return model.KindCareerProfile }
func (c *careerCollection) fileName() string { return "career_profiles.json" }
func (c *careerCollection) len() int         { return len(c.byPerson) }

func (c *careerCollection) clone() collection {
	m := make(map[string]*model.CareerProfile, len(c.byPerson))
	for k, v := range c.byPerson {
		m[k] = v
	}
	return &careerCollection{byPerson: m}
}

func (c *careerCollection) entities() []model.Entity {
	keys := make([]string, 0, len(c.byPerson))
	for k := range c.byPerson {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]model.Entity, 0, len(keys))
	for _, k := range keys {
		out = append(out, c.byPerson[k])
	}
	return out
}

func (c *careerCollection) findKey(id string) (string, bool) {
	for k, p := range c.byPerson {
		if p.ID == id {
			return k, true
		}
	}
	return "", false
}

func (c *careerCollection) lookup(id string) (model.Entity, bool) {
	if k, ok := c.findKey(id); ok {
		return c.byPerson[k], true
	}
	return nil, false
}

func (c *careerCollection) current(e model.Entity) (model.Entity, bool) {
	if cur, ok := c.lookup(e.EntityID()); ok {
		return cur, true
	}
	if p, ok := e.(*model.CareerProfile); ok {
		if cur, ok := c.byPerson[p.PersonID]; ok {
			return cur, true
		}
	}
	return nil, false
}

func (c *careerCollection) put(e model.Entity) error {
	p, ok := e.(*model.CareerProfile)
	if !ok {
		return fmt.Errorf("cannot store %T in career profile collection", e)
	}
	if k, ok := c.findKey(p.ID); ok && k != p.PersonID {
		delete(c.byPerson, k)
	}
	c.byPerson[p.PersonID] = p
	return nil
}

func (c *careerCollection) remove(id string) bool {
	k, ok := c.findKey(id)
	if ok {
		delete(c.byPerson, k)
	}
	return ok
}

func (c *careerCollection) cascade(id string, _ time.Time) (bool, []string) {
	p, ok := c.byPerson[id]
	if !ok {
		return false, nil
	}
	delete(c.byPerson, id)
	return true, []string{p.ID}
}

func (c *careerCollection) marshal() ([]byte, error) {
	return json.MarshalIndent(c.byPerson, "", "  ")
}

func (c *careerCollection) unmarshal(data []byte) error {
	var m map[string]*model.CareerProfile
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	c.byPerson = make(map[string]*model.CareerProfile, len(m))
	for k, p := range m {
		if p == nil || p.ID == "" {
			continue
		}
		if p.PersonID == "" {
			p.PersonID = k
		}
		c.byPerson[p.PersonID] = p
	}
	return nil
}

// sentimentCollection holds a list of entries per person, keyed by person ID.
type sentimentCollection struct {
	byPerson map[string][]*model.SentimentEntry
}

func (c *sentimentCollection) kind() model.Kind { return model.KindSentiment }
func (c *sentimentCollection) fileName() string { return "sentiments.json" }

func (c *sentimentCollection) len() int {
	n := 0
	for _, l := range c.byPerson {
		n += len(l)
	}
	return n
}

func (c *sentimentCollection) clone() collection {
	m := make(map[string][]*model.SentimentEntry, len(c.byPerson))
	for k, v := range c.byPerson {
		m[k] = slices.Clone(v)
	}
	return &sentimentCollection{byPerson: m}
}

func (c *sentimentCollection) entities() []model.Entity {
	keys := make([]string, 0, len(c.byPerson))
	for k := range c.byPerson {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []model.Entity
	for _, k := range keys {
		for _, e := range c.byPerson[k] {
			out = append(out, e)
		}
	}
	return out
}

func (c *sentimentCollection) find(id string) (string, int) {
	for k, l := range c.byPerson {
		for i, e := range l {
			if e.ID == id {
				return k, i
			}
		}
	}
	return "", -1
}

func (c *sentimentCollection) lookup(id string) (model.Entity, bool) {
	k, i := c.find(id)
	if i < 0 {
		return nil, false
	}
	return c.byPerson[k][i], true
}

func (c *sentimentCollection) current(e model.Entity) (model.Entity, bool) {
	return c.lookup(e.EntityID())
}

func (c *sentimentCollection) put(e model.Entity) error {
	s, ok := e.(*model.SentimentEntry)
	if !ok {
		return fmt.Errorf("cannot store %T in sentiment collection", e)
	}
	if k, i := c.find(s.ID); i >= 0 {
		if k == s.PersonID {
			c.byPerson[k][i] = s
			return nil
		}
		c.remove(s.ID)
	}
	c.byPerson[s.PersonID] = append(c.byPerson[s.PersonID], s)
	return nil
}

func (c *sentimentCollection) remove(id string) bool {
	k, i := c.find(id)
	if i < 0 {
		return false
	}
	l := slices.Delete(c.byPerson[k], i, i+1)
	if len(l) == 0 {
		delete(c.byPerson, k)
	} else {
		c.byPerson[k] = l
	}
	return true
}

func (c *sentimentCollection) cascade(id string, now time.Time) (bool, []string) {
	changed := false
	var removed []string
	if l, ok := c.byPerson[id]; ok {
		for _, e := range l {
			removed = append(removed, e.ID)
		}
		delete(c.byPerson, id)
		changed = true
	}
	for k, l := range c.byPerson {
		for i, e := range l {
			if e.MeetingID != id {
				continue
			}
			v := *e
			v.DropReference(id)
			v.Stamp(now)
			c.byPerson[k][i] = &v
			changed = true
		}
	}
	return changed, removed
}

func (c *sentimentCollection) marshal() ([]byte, error) {
	return json.MarshalIndent(c.byPerson, "", "  ")
}

func (c *sentimentCollection) unmarshal(data []byte) error {
	var m map[string][]*model.SentimentEntry
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	c.byPerson = make(map[string][]*model.SentimentEntry, len(m))
	for k, l := range m {
		for _, e := range l {
			if e == nil || e.ID == "" {
				continue
			}
			if e.PersonID == "" {
				e.PersonID = k
			}
			_ = c.put(e)
		}
	}
	return nil
}
