// Package persona builds the system prompts the language model receives: the fixed
// outreach host persona and the configurable auto-reply personas.
package persona

import (
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

// DefaultName is the persona used when none is configured or the configured one is missing.
const DefaultName = "friendly_host"

// maxPromptOffers bounds the offers listed in a prompt.
const maxPromptOffers = 3

// Default returns the built-in friendly host persona.
func Default() models.Persona {
	return models.Persona{
		Name: DefaultName,
		SystemPrompt: "You are a friendly casino host texting a player by SMS. " +
			"Reply like a real person: warm, brief and specific to what the player said.",
		ToneTags: []string{"warm_supportive", "concise", "casual", "no_pressure"},
		DoRules: []string{
			"Keep replies under 300 characters.",
			"Answer the player's question first.",
			"Use the player's promotions only when they are relevant.",
		},
		DontRules: []string{
			"Do not promise winnings or guaranteed outcomes.",
			"Do not invent bonus codes or offers that are not listed.",
			"Do not ask for passwords, card numbers or other sensitive details.",
		},
	}
}

// OutreachSystemPrompt is the fixed persona for proactive outreach drafts.
const OutreachSystemPrompt = `You are a casino host writing a single SMS to a player you know well.
Be warm, personal and concise. The message must read naturally as a text message and must not exceed 300 characters.
Reference the context you are given, mention at most one offer, and never pressure the player or promise winnings.
Do not use hashtags, links or placeholders. Output only the message text.`

// BuildSystemPrompt composes a persona's prompt, tone guide, rules and the player's
// promotion context.
func BuildSystemPrompt(p models.Persona, promo models.PromotionContext) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(p.SystemPrompt))
	b.WriteString("\n")
	b.WriteString(BuildToneGuide(p.ToneTags))

	if len(p.DoRules) > 0 {
		b.WriteString("\nDO:\n")
		for _, r := range p.DoRules {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}
	if len(p.DontRules) > 0 {
		b.WriteString("\nDON'T:\n")
		for _, r := range p.DontRules {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}

	b.WriteString("\n")
	b.WriteString(PromotionSummary(promo))
	return b.String()
}

// PromotionSummary renders active bonuses and available offers for a prompt.
func PromotionSummary(promo models.PromotionContext) string {
	var b strings.Builder
	if len(promo.ActiveBonuses) == 0 {
		b.WriteString("Active bonuses: none.\n")
	} else {
		b.WriteString("Active bonuses:\n")
		for _, pb := range promo.ActiveBonuses {
			fmt.Fprintf(&b, "- %s (code %s): $%.2f, wagering %.0f%% complete\n",
				pb.Title, pb.Code, pb.Amount, pb.WageringProgress()*100)
		}
	}
	b.WriteString(OffersSummary(promo.AvailableOffers))
	return b.String()
}

// OffersSummary lists up to three offers with their codes.
func OffersSummary(offers []models.BonusOffer) string {
	if len(offers) == 0 {
		return "Available offers: none.\n"
	}
	var b strings.Builder
	b.WriteString("Available offers:\n")
	for i, o := range offers {
		if i == maxPromptOffers {
			break
		}
		fmt.Fprintf(&b, "- %s: code %s", o.Title, o.Code)
		if o.Amount > 0 {
			fmt.Fprintf(&b, ", $%.2f", o.Amount)
		}
		if o.ExpiresAt != nil {
			fmt.Fprintf(&b, ", expires %s", o.ExpiresAt.UTC().Format(time.DateOnly))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Resolve returns p when it is usable, otherwise the built-in default.
func Resolve(p *models.Persona) models.Persona {
	if p == nil || strings.TrimSpace(p.SystemPrompt) == "" {
		return Default()
	}
	return *p
}
