package model

import "time"

// builtinEpoch is the fixed timestamp of built-in templates so that every
// device seeds byte-identical records.
var builtinEpoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// DefaultTemplates returns the templates shipped with the app.
func DefaultTemplates() []Template {
	meta := func(id string) Meta {
		return Meta{ID: id, CreatedAt: builtinEpoch, UpdatedAt: builtinEpoch}
	}
	return []Template{
		{
			Meta:    meta("builtin-weekly-1on1"),
			Name:    "Weekly 1:1",
			BuiltIn: true,
			Sections: []Section{
				{ID: "builtin-weekly-1on1-wins", Heading: "Wins", Prompt: "What went well this week?"},
				{ID: "builtin-weekly-1on1-blockers", Heading: "Blockers", Prompt: "What is slowing you down?"},
				{ID: "builtin-weekly-1on1-next", Heading: "Next steps"},
			},
		},
		{
			Meta:    meta("builtin-career"),
			Name:    "Career conversation",
			BuiltIn: true,
			Sections: []Section{
				{ID: "builtin-career-aspirations", Heading: "Aspirations", Prompt: "Where do you want to be in two years?"},
				{ID: "builtin-career-skills", Heading: "Skills to grow"},
				{ID: "builtin-career-support", Heading: "Support needed"},
			},
		},
		{
			Meta:    meta("builtin-skip-level"),
			Name:    "Skip-level",
			BuiltIn: true,
			Sections: []Section{
				{ID: "builtin-skip-level-team", Heading: "Team health"},
				{ID: "builtin-skip-level-feedback", Heading: "Feedback for management"},
			},
		},
	}
}
