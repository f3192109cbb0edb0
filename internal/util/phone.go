package util

// MaskPhone hides all but the last four digits of a phone number for logging.
func MaskPhone(phone string) string {
	runes := []rune(phone)
	if len(runes) <= 4 {
		return "****"
	}
	masked := make([]rune, len(runes))
	for i, r := range runes {
		switch {
		case i >= len(runes)-4:
			masked[i] = r
		case i == 0 && r == '+':
			masked[i] = r
		default:
			masked[i] = '*'
		}
	}
	return string(masked)
}
