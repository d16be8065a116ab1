package sig

import (
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Parse converts a free-text SIG into a ParsedInstruction. It never fails: an
// unparseable SIG yields a result with no dosage instructions and a zero
// total daily dose.
func Parse(text string) (parsed ParsedInstruction) {
	parsed.OriginalText = text

	defer func() {
		if r := recover(); r != nil {
			parsed = ParsedInstruction{OriginalText: text}
		}
	}()

	normalized := normalize(text)
	if normalized == "" {
		return parsed
	}

	parsed.IsAsNeeded = prnPattern.MatchString(normalized)

	frequency := extractFrequency(normalized)
	timing := extractTiming(normalized)
	route := extractRoute(normalized)

	for _, pattern := range dosePatterns {
		for _, m := range pattern.FindAllStringSubmatch(normalized, -1) {
			amount, err := strconv.ParseFloat(m[1], 64)
			if err != nil || amount <= 0 {
				continue
			}
			parsed.add(DosageInstruction{
				Amount:    amount,
				Unit:      normalizeUnit(m[2]),
				Frequency: frequency,
				Timing:    timing,
				Route:     route,
			})
		}
		if parsed.HasDosage() {
			return parsed
		}
	}

	if amount := fallbackAmount(normalized); amount > 0 {
		parsed.add(DosageInstruction{
			Amount:    amount,
			Unit:      DefaultUnit,
			Frequency: frequency,
			Timing:    timing,
			Route:     route,
		})
	}

	return parsed
}

// normalize folds compatibility characters (full-width digits, ligatures)
// before lower-casing so the ASCII patterns see a canonical string.
func normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFKC.String(text)))
}

func extractFrequency(text string) int {
	for _, rule := range frequencyRules {
		m := rule.pattern.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		if n, ok := rule.extract(m); ok {
			return n
		}
	}
	return DefaultFrequency
}

func extractTiming(text string) string {
	for _, timing := range timingVocabulary {
		if strings.Contains(text, timing) {
			return timing
		}
	}
	return ""
}

func extractRoute(text string) Route {
	for _, rule := range routeRules {
		if rule.pattern.MatchString(text) {
			return rule.route
		}
	}
	return ""
}

// fallbackAmount looks for any bare numeral, then for a spelled-out number
// word between one and ten.
func fallbackAmount(text string) float64 {
	if m := bareNumberPattern.FindString(text); m != "" {
		if amount, err := strconv.ParseFloat(m, 64); err == nil && amount > 0 {
			return amount
		}
	}
	if m := numberWordPattern.FindString(text); m != "" {
		return numberWords[m]
	}
	return 0
}

func normalizeUnit(unit string) string {
	return strings.TrimSuffix(unit, "s")
}
