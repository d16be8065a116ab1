package sig

import (
	"math"
	"regexp"
	"strconv"
)

// frequencyRule maps a phrasing to occurrences per day. Rules are evaluated in
// slice order and the first rule that extracts a frequency wins, so specific
// phrasings must precede general ones.
type frequencyRule struct {
	name    string
	pattern *regexp.Regexp
	extract func(match []string) (int, bool)
}

func fixed(n int) func([]string) (int, bool) {
	return func([]string) (int, bool) { return n, true }
}

var frequencyRules = []frequencyRule{
	{
		name:    "three times daily",
		pattern: regexp.MustCompile(`three times (?:daily|a day)|\btid\b|t\.i\.d\.`),
		extract: fixed(3),
	},
	{
		name:    "four times daily",
		pattern: regexp.MustCompile(`four times (?:daily|a day)|\bqid\b|q\.i\.d\.`),
		extract: fixed(4),
	},
	{
		name:    "twice daily",
		pattern: regexp.MustCompile(`twice (?:daily|a day)|two times (?:daily|a day)|\bbid\b|b\.i\.d\.`),
		extract: fixed(2),
	},
	{
		name:    "once daily",
		pattern: regexp.MustCompile(`once daily|once a day|\bqday\b|\bq\.d\.`),
		extract: fixed(1),
	},
	{
		name:    "every n hours",
		pattern: regexp.MustCompile(`every\s+(\d+)\s*(?:hours?|hrs?)\b`),
		extract: func(m []string) (int, bool) {
			hours, err := strconv.Atoi(m[1])
			if err != nil || hours <= 0 {
				return 0, false
			}
			return int(math.Ceil(24 / float64(hours))), true
		},
	},
	{
		name:    "n times daily",
		pattern: regexp.MustCompile(`(\d+)\s+times\s+(?:daily|a day|per day)`),
		extract: func(m []string) (int, bool) {
			n, err := strconv.Atoi(m[1])
			if err != nil || n <= 0 {
				return 0, false
			}
			return n, true
		},
	},
}

// timingVocabulary is scanned in order; the first substring present wins.
var timingVocabulary = []string{
	"with food",
	"with meals",
	"without food",
	"empty stomach",
	"morning",
	"evening",
	"night",
	"bedtime",
	"as needed",
	"prn",
}

type routeRule struct {
	route   Route
	pattern *regexp.Regexp
}

var routeRules = []routeRule{
	{RouteOral, regexp.MustCompile(`by mouth|oral|\bpo\b`)},
	{RouteIntravenous, regexp.MustCompile(`intravenous|\biv\b`)},
	{RouteIntramuscular, regexp.MustCompile(`intramuscular|\bim\b`)},
	{RouteTopical, regexp.MustCompile(`topical`)},
	{RouteSubcutaneous, regexp.MustCompile(`subcutaneous|subq|\bsc\b`)},
}

var prnPattern = regexp.MustCompile(`as needed|p\.r\.n\.|prn`)

const (
	numberExpr = `(\d+(?:\.\d+)?|\.\d+)`
	unitExpr   = `(tablets?|capsules?|pills?|ml|mg|g|doses?)\b`
)

// dosePatterns are tried in order; only matches of the first pattern that
// yields any are used.
var dosePatterns = []*regexp.Regexp{
	regexp.MustCompile(`take\s+` + numberExpr + `\s*` + unitExpr),
	regexp.MustCompile(numberExpr + `\s*` + unitExpr + `\s*(?:take|by mouth|po|oral)`),
}

var (
	bareNumberPattern = regexp.MustCompile(numberExpr)
	numberWordPattern = regexp.MustCompile(`\b(one|two|three|four|five|six|seven|eight|nine|ten)\b`)
)

var numberWords = map[string]float64{
	"one":   1,
	"two":   2,
	"three": 3,
	"four":  4,
	"five":  5,
	"six":   6,
	"seven": 7,
	"eight": 8,
	"nine":  9,
	"ten":   10,
}
