package enrich

import (
	"strings"

	"github.com/nyaruka/phonenumbers"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// minNumberDigits separates dialable numbers from internal extensions
const minNumberDigits = 7

// prefixRegions maps international calling prefixes to ISO regions for
// numbers the parser cannot classify. Lookup is longest prefix first.
// Shared calling codes (NANP "1") are omitted rather than guessed.
var prefixRegions = map[string]string{
	"20":  "EG",
	"212": "MA",
	"213": "DZ",
	"216": "TN",
	"218": "LY",
	"234": "NG",
	"249": "SD",
	"254": "KE",
	"27":  "ZA",
	"30":  "GR",
	"31":  "NL",
	"33":  "FR",
	"34":  "ES",
	"39":  "IT",
	"41":  "CH",
	"44":  "GB",
	"49":  "DE",
	"60":  "MY",
	"61":  "AU",
	"62":  "ID",
	"63":  "PH",
	"65":  "SG",
	"7":   "RU",
	"76":  "KZ",
	"77":  "KZ",
	"81":  "JP",
	"86":  "CN",
	"880": "BD",
	"90":  "TR",
	"91":  "IN",
	"92":  "PK",
	"93":  "AF",
	"94":  "LK",
	"961": "LB",
	"962": "JO",
	"963": "SY",
	"964": "IQ",
	"965": "KW",
	"966": "SA",
	"967": "YE",
	"968": "OM",
	"970": "PS",
	"971": "AE",
	"973": "BH",
	"974": "QA",
	"977": "NP",
	"98":  "IR",
}

const maxPrefixLen = 3

// CountryResolver turns phone numbers into English country names
type CountryResolver struct {
	defaultRegion string
	names         display.Namer
}

// NewCountryResolver creates a resolver that parses national-format numbers
// against defaultRegion.
func NewCountryResolver(defaultRegion string) *CountryResolver {
	return &CountryResolver{
		defaultRegion: strings.ToUpper(defaultRegion),
		names:         display.English.Regions(),
	}
}

// normalizeNumber strips formatting and international prefixes. It reports
// whether the digits carry a country code.
func normalizeNumber(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	international := strings.HasPrefix(raw, "+")

	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	if strings.HasPrefix(digits, "00") {
		international = true
	}
	if international {
		digits = strings.TrimLeft(digits, "0")
	}
	return digits, international
}

// Country resolves a number to a country name, or "" when unknown
func (c *CountryResolver) Country(raw string) string {
	digits, international := normalizeNumber(raw)
	if len(digits) < minNumberDigits {
		return ""
	}

	// Long numbers without a trunk zero already carry their country code.
	if !international && !strings.HasPrefix(digits, "0") && len(digits) > 10 {
		international = true
	}

	var region string
	if international {
		region = c.parseRegion("+"+digits, "")
	} else {
		region = c.parseRegion(digits, c.defaultRegion)
		if region == "" {
			digits = strings.TrimLeft(digits, "0")
		}
	}
	if region == "" {
		region = lookupPrefix(digits)
	}
	return c.regionName(region)
}

func (c *CountryResolver) parseRegion(number, region string) string {
	num, err := phonenumbers.Parse(number, region)
	if err != nil || !phonenumbers.IsValidNumber(num) {
		return ""
	}
	return phonenumbers.GetRegionCodeForNumber(num)
}

func (c *CountryResolver) regionName(code string) string {
	if code == "" || code == "ZZ" || code == "001" {
		return ""
	}
	r, err := language.ParseRegion(code)
	if err != nil {
		return ""
	}
	return c.names.Name(r)
}

func lookupPrefix(digits string) string {
	for n := maxPrefixLen; n > 0; n-- {
		if len(digits) < n {
			continue
		}
		if region, ok := prefixRegions[digits[:n]]; ok {
			return region
		}
	}
	return ""
}
