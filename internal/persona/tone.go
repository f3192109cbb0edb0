package persona

import (
	"sort"
	"strings"
)

// AllTags is the hard-coded set of safe tone tags a persona may carry.
var AllTags = map[string]bool{
	// Style
	"concise":   true,
	"playful":   true,
	"formal":    true,
	"casual":    true,
	"no_emojis": true,
	"emojis_ok": true,
	// Stance
	"warm_supportive":      true,
	"neutral_professional": true,
	"vip_concierge":        true,
	"upbeat_host":          true,
	// Interaction
	"one_question_at_a_time": true,
	"mention_offers":         true,
	"no_pressure":            true,
}

// mutuallyExclusivePairs defines tags where at most one may be active. The first
// tag of a pair wins.
var mutuallyExclusivePairs = [][2]string{
	{"formal", "casual"},
	{"no_emojis", "emojis_ok"},
	{"vip_concierge", "upbeat_host"},
}

// ValidateTags strips unknown and duplicate tags, normalizes case and resolves
// mutually exclusive pairs. The result is sorted.
func ValidateTags(tags []string) []string {
	set := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(strings.ToLower(t))
		if AllTags[t] {
			set[t] = true
		}
	}
	for _, pair := range mutuallyExclusivePairs {
		if set[pair[0]] && set[pair[1]] {
			delete(set, pair[1])
		}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// BuildToneGuide produces a compact instruction snippet for injection into LLM system prompts.
// It returns an empty string when there are no valid tags.
func BuildToneGuide(tags []string) string {
	tags = ValidateTags(tags)
	if len(tags) == 0 {
		return ""
	}
	set := make(map[string]bool, len(tags))
	for _, t := range tags {
		set[t] = true
	}

	var b strings.Builder
	b.WriteString("\n<TONE POLICY>\n")

	if set["concise"] {
		b.WriteString("- Be concise: short sentences, minimal filler.\n")
	}
	if set["playful"] {
		b.WriteString("- A light, playful touch is welcome.\n")
	}
	if set["formal"] {
		b.WriteString("- Use formal diction and professional register.\n")
	}
	if set["casual"] {
		b.WriteString("- Use casual, friendly language.\n")
	}
	if set["no_emojis"] {
		b.WriteString("- Do NOT use emojis.\n")
	} else if set["emojis_ok"] {
		b.WriteString("- One emoji is fine where it fits.\n")
	}

	hasStance := false
	if set["warm_supportive"] {
		b.WriteString("- Adopt a warm, supportive stance.\n")
		hasStance = true
	}
	if set["neutral_professional"] {
		b.WriteString("- Keep a neutral, professional stance.\n")
		hasStance = true
	}
	if set["vip_concierge"] {
		b.WriteString("- Speak like a personal VIP concierge.\n")
		hasStance = true
	}
	if set["upbeat_host"] {
		b.WriteString("- Be an upbeat casino host.\n")
		hasStance = true
	}
	if !hasStance {
		b.WriteString("- Keep a neutral, professional stance.\n")
	}

	if set["one_question_at_a_time"] {
		b.WriteString("- Ask at most one question.\n")
	}
	if set["mention_offers"] {
		b.WriteString("- Mention a relevant offer when one fits the conversation.\n")
	}
	if set["no_pressure"] {
		b.WriteString("- Never pressure the player to deposit or play.\n")
	}

	b.WriteString("- NEVER mirror hostility, sarcasm, insults, or unsafe language.\n")
	b.WriteString("</TONE POLICY>\n")
	return b.String()
}
