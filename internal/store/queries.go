package store

import (
	"sort"
	"time"

	"github.com/rapportapp/rapport/internal/model"
)

// DirectReports returns the people marked as direct reports, by name.
func (s *Store) DirectReports() []model.Person {
	people := s.People().Filter(func(p model.Person) bool { return p.IsDirectReport })
	sort.Slice(people, func(i, j int) bool { return people[i].Name < people[j].Name })
	return people
}

// MeetingsForPerson returns the meetings personID attended, most recent
// first.
func (s *Store) MeetingsForPerson(personID string) []model.Meeting {
	meetings := s.Meetings().Filter(func(m model.Meeting) bool { return m.HasAttendee(personID) })
	sort.Slice(meetings, func(i, j int) bool { return meetings[i].Date.After(meetings[j].Date) })
	return meetings
}

// UpcomingMeetings returns meetings on or after from, soonest first. A
// non-positive limit returns all of them.
func (s *Store) UpcomingMeetings(from time.Time, limit int) []model.Meeting {
	meetings := s.Meetings().Filter(func(m model.Meeting) bool { return !m.Date.Before(from) })
	sort.Slice(meetings, func(i, j int) bool { return meetings[i].Date.Before(meetings[j].Date) })
	if limit > 0 && len(meetings) > limit {
		meetings = meetings[:limit]
	}
	return meetings
}

// GoalsForPerson returns the goals owned by personID.
func (s *Store) GoalsForPerson(personID string) []model.Goal {
	return s.Goals().Filter(func(g model.Goal) bool { return g.PersonID == personID })
}

// OpenActionItem is an unfinished action item with its meeting.
type OpenActionItem struct {
	MeetingID    string
	MeetingTitle string
	MeetingDate  time.Time
	Item         model.ActionItem
}

// OpenActionItems returns every unfinished action item, oldest meeting
// first.
func (s *Store) OpenActionItems() []OpenActionItem {
	var out []OpenActionItem
	for _, m := range s.Meetings().List() {
		for _, item := range m.OpenActionItems() {
			out = append(out, OpenActionItem{
				MeetingID:    m.ID,
				MeetingTitle: m.Title,
				MeetingDate:  m.Date,
				Item:         item,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].MeetingDate.Before(out[j].MeetingDate) })
	return out
}

// ObjectiveProgress returns the key-result completion of every objective,
// keyed by objective ID.
func (s *Store) ObjectiveProgress() map[string]float64 {
	out := make(map[string]float64)
	for _, o := range s.Objectives().List() {
		out[o.ID] = o.Progress()
	}
	return out
}

// SentimentTrend returns the average score of the last n entries of
// personID. It reports false when there are no entries.
func (s *Store) SentimentTrend(personID string, n int) (float64, bool) {
	entries := s.Sentiments().ForPerson(personID)
	if len(entries) == 0 {
		return 0, false
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	sum := 0
	for _, e := range entries {
		sum += e.Score
	}
	return float64(sum) / float64(len(entries)), true
}
