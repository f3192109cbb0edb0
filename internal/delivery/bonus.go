package delivery

import (
	"regexp"
	"strings"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

var explicitCodePattern = regexp.MustCompile(`(?i:code)[: ]+([A-Z0-9]{4,20})\b`)

// ExtractBonusCodes returns the offer codes mentioned in text as whole words, in
// offer order, followed by any other "CODE: XXXX" tokens. Codes are upper-cased
// and unique.
func ExtractBonusCodes(text string, offers []models.BonusOffer) []string {
	seen := make(map[string]bool)
	var codes []string
	add := func(code string) {
		code = strings.ToUpper(code)
		if code == "" || seen[code] {
			return
		}
		seen[code] = true
		codes = append(codes, code)
	}

	for _, o := range offers {
		if o.Code == "" {
			continue
		}
		re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(o.Code) + `\b`)
		if err != nil {
			continue
		}
		if re.MatchString(text) {
			add(o.Code)
		}
	}
	for _, m := range explicitCodePattern.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	return codes
}
