package research

import "fmt"

// Research focuses. Each pipeline step queries its provider with one of
// these so the provider knows which slice of the prospect to cover.
const (
	FocusWealth       = "wealth"
	FocusPhilanthropy = "philanthropy"
	FocusBiography    = "biography"
)

// promptFor builds the research prompt for a focus area. Unknown focuses
// fall back to a general background query.
func promptFor(in Input) string {
	subject := in.Subject()
	switch in.Focus {
	case FocusWealth:
		return fmt.Sprintf(
			"Research the wealth indicators of %s. Report real estate holdings with assessed "+
				"or market values, business ownership and board affiliations, SEC insider filings "+
				"with ticker symbols, and political contributions with amounts. Cite a source URL "+
				"for every claim and state dollar amounts explicitly.",
			subject)
	case FocusPhilanthropy:
		return fmt.Sprintf(
			"Research the philanthropic history of %s. Report charitable donations with amounts, "+
				"foundation affiliations and trusteeships, nonprofit board memberships, and named "+
				"gifts (buildings, endowed chairs, scholarship funds). Cite a source URL for every claim.",
			subject)
	case FocusBiography:
		prompt := fmt.Sprintf(
			"Write a concise biographical profile of %s covering age, education, career history, "+
				"family, and public activities. Cite a source URL for every claim.",
			subject)
		if in.Context != "" {
			prompt += "\n\nFindings from earlier research to incorporate:\n" + in.Context
		}
		return prompt
	default:
		return fmt.Sprintf("Research the background of %s. Cite a source URL for every claim.", subject)
	}
}
