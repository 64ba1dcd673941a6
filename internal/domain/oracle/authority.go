package oracle

import (
	"regexp"
	"strings"
)

type Level string

const (
	LevelNational Level = "national"
	LevelLegacy   Level = "legacy"
	LevelState    Level = "state"
)

// Authority is a license-issuing council.
type Authority struct {
	Code    string `json:"code"`
	Name    string `json:"name"`
	Level   Level  `json:"level"`
	pattern *regexp.Regexp
}

func stateCouncil(code, name string) Authority {
	return Authority{
		Code:    code,
		Name:    name,
		Level:   LevelState,
		pattern: regexp.MustCompile(`^` + code + `[-/]?\d{4,8}$`),
	}
}

// authorities is matched in order; the first pattern that matches wins.
var authorities = []Authority{
	{Code: "NMC", Name: "National Medical Commission", Level: LevelNational, pattern: regexp.MustCompile(`^NMC\d{10}$`)},
	{Code: "MCI", Name: "Medical Council of India", Level: LevelLegacy, pattern: regexp.MustCompile(`^MCI[-/]?\d{5,7}$`)},
	stateCouncil("DMC", "Delhi Medical Council"),
	stateCouncil("MMC", "Maharashtra Medical Council"),
	stateCouncil("KMC", "Karnataka Medical Council"),
	stateCouncil("TNMC", "Tamil Nadu Medical Council"),
	stateCouncil("WBMC", "West Bengal Medical Council"),
	stateCouncil("GMC", "Gujarat Medical Council"),
	stateCouncil("APMC", "Andhra Pradesh Medical Council"),
}

// Authorities lists the known councils.
func Authorities() []Authority {
	out := make([]Authority, len(authorities))
	copy(out, authorities)
	return out
}

// NormalizeLicense upper-cases a license number and strips whitespace.
func NormalizeLicense(license string) string {
	return strings.ToUpper(strings.Join(strings.Fields(license), ""))
}

// FormatResult is the outcome of a purely syntactic license check.
type FormatResult struct {
	Valid         bool   `json:"valid"`
	Authority     string `json:"authority,omitempty"`
	AuthorityName string `json:"authority_name,omitempty"`
	Level         Level  `json:"level,omitempty"`
	Normalized    string `json:"normalized"`
}

// ValidateFormat routes a license number to its issuing authority by pattern.
func ValidateFormat(license string) FormatResult {
	n := NormalizeLicense(license)
	if a, ok := resolve(n); ok {
		return FormatResult{Valid: true, Authority: a.Code, AuthorityName: a.Name, Level: a.Level, Normalized: n}
	}
	return FormatResult{Normalized: n}
}

func resolve(normalized string) (Authority, bool) {
	for _, a := range authorities {
		if a.pattern.MatchString(normalized) {
			return a, true
		}
	}
	return Authority{}, false
}

// CheckFormat adapts ValidateFormat to the risk engine's checker signature.
func CheckFormat(license string) (string, bool) {
	r := ValidateFormat(license)
	return r.Authority, r.Valid
}
