package risk

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/caregate/caregate/internal/platform/geo"
	"github.com/caregate/caregate/pkg/textsim"
)

// Factor names as they appear in assessments.
const (
	FactorDuplicateAccount      = "duplicate_account"
	FactorDisposableEmail       = "disposable_email"
	FactorPhoneFormat           = "phone_format"
	FactorConsultationFee       = "consultation_fee"
	FactorGeographic            = "geographic"
	FactorDocumentAuthenticity  = "document_authenticity"
	FactorLicenseFormat         = "license_format"
	FactorExperienceConsistency = "experience_consistency"
)

// RequiredDocuments is the mandatory document set for every candidate.
var RequiredDocuments = []string{"license", "degree", "government_id"}

// -- duplicate account --

const nameSimilarityThreshold = 0.8

type duplicateAccountFactor struct{}

func (duplicateAccountFactor) Name() string { return FactorDuplicateAccount }

func (duplicateAccountFactor) Evaluate(c *Candidate, existing []ExistingAccount) FactorResult {
	email := strings.ToLower(strings.TrimSpace(c.Email))
	phone := digitsOnly(c.Phone)
	license := strings.ToUpper(strings.TrimSpace(c.LicenseNumber))
	name := textsim.NormalizeName(c.FullName)

	var emailHit, phoneHit, licenseHit, nameHit bool
	var matches []string
	bestName := 0.0

	for _, a := range existing {
		if a.UserID != "" && a.UserID == c.UserID {
			continue
		}
		hit := false
		if email != "" && strings.EqualFold(strings.TrimSpace(a.Email), email) {
			emailHit, hit = true, true
		}
		if len(phone) >= 10 && lastTen(digitsOnly(a.Phone)) == lastTen(phone) {
			phoneHit, hit = true, true
		}
		if license != "" && strings.EqualFold(strings.TrimSpace(a.LicenseNumber), license) {
			licenseHit, hit = true, true
		}
		if name != "" {
			if sim := textsim.Similarity(name, textsim.NormalizeName(a.FullName)); sim > nameSimilarityThreshold {
				nameHit, hit = true, true
				if sim > bestName {
					bestName = sim
				}
			}
		}
		if hit && a.UserID != "" {
			matches = append(matches, a.UserID)
		}
	}

	score := 0
	var signals []string
	if emailHit {
		score += 40
		signals = append(signals, "email")
	}
	if phoneHit {
		score += 30
		signals = append(signals, "phone")
	}
	if licenseHit {
		score += 50
		signals = append(signals, "license_number")
	}
	if nameHit {
		score += 15
		signals = append(signals, "name")
	}

	r := FactorResult{Score: score, Detected: score > 0, Description: "no matching accounts"}
	if score > 0 {
		r.Description = "matches existing account on " + strings.Join(signals, ", ")
		r.Details = map[string]interface{}{"signals": signals, "matching_user_ids": matches}
		if nameHit {
			r.Details["name_similarity"] = bestName
		}
	}
	return r
}

// -- disposable email --

var disposableDomains = map[string]bool{
	"mailinator.com":      true,
	"10minutemail.com":    true,
	"guerrillamail.com":   true,
	"tempmail.com":        true,
	"temp-mail.org":       true,
	"yopmail.com":         true,
	"throwawaymail.com":   true,
	"trashmail.com":       true,
	"getnada.com":         true,
	"sharklasers.com":     true,
	"dispostable.com":     true,
	"maildrop.cc":         true,
	"fakeinbox.com":       true,
	"mintemail.com":       true,
	"emailondeck.com":     true,
	"mohmal.com":          true,
	"burnermail.io":       true,
	"tempinbox.com":       true,
	"spamgourmet.com":     true,
	"mailnesia.com":       true,
	"discard.email":       true,
	"mytemp.email":        true,
	"tempmailaddress.com": true,
}

type disposableEmailFactor struct{}

func (disposableEmailFactor) Name() string { return FactorDisposableEmail }

func (disposableEmailFactor) Evaluate(c *Candidate, _ []ExistingAccount) FactorResult {
	addr, err := mail.ParseAddress(strings.TrimSpace(c.Email))
	if err != nil || addr.Address != strings.TrimSpace(c.Email) {
		return FactorResult{Score: 20, Detected: true, Description: "email address is malformed"}
	}
	_, domain, _ := strings.Cut(strings.ToLower(addr.Address), "@")
	if disposableDomains[domain] {
		return FactorResult{
			Score:       35,
			Detected:    true,
			Description: "disposable email domain",
			Details:     map[string]interface{}{"domain": domain},
		}
	}
	return FactorResult{Description: "email domain is not disposable"}
}

// -- phone format --

var indianMobile = regexp.MustCompile(`^(?:\+91|91|0)?[6-9]\d{9}$`)

type phoneFormatFactor struct{}

func (phoneFormatFactor) Name() string { return FactorPhoneFormat }

func (phoneFormatFactor) Evaluate(c *Candidate, _ []ExistingAccount) FactorResult {
	phone := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(strings.TrimSpace(c.Phone))
	if !indianMobile.MatchString(phone) {
		return FactorResult{Score: 20, Detected: true, Description: "phone number is not a valid Indian mobile number"}
	}
	local := lastTen(digitsOnly(phone))
	if allSame(local) || isSequential(local) {
		return FactorResult{Score: 15, Detected: true, Description: "phone number looks synthetic"}
	}
	return FactorResult{Description: "phone number format is valid"}
}

// -- consultation fee --

type consultationFeeFactor struct {
	ranges map[string]FeeRange
}

func (consultationFeeFactor) Name() string { return FactorConsultationFee }

func (f consultationFeeFactor) Evaluate(c *Candidate, _ []ExistingAccount) FactorResult {
	band, key := lookupFeeRange(f.ranges, c.Specialization)
	details := map[string]interface{}{
		"fee":       c.ConsultationFee.String(),
		"specialty": key,
		"min":       band.Min.String(),
		"max":       band.Max.String(),
	}
	switch {
	case c.ConsultationFee.LessThan(band.Min):
		return FactorResult{Score: 25, Detected: true, Description: "consultation fee below specialty minimum", Details: details}
	case c.ConsultationFee.GreaterThan(band.Max):
		return FactorResult{Score: 15, Detected: true, Description: "consultation fee above specialty maximum", Details: details}
	}
	return FactorResult{Description: "consultation fee within specialty range", Details: details}
}

// -- geographic --

type geographicFactor struct {
	locations map[string]bool
	zones     []Zone
}

func (geographicFactor) Name() string { return FactorGeographic }

func (f geographicFactor) Evaluate(c *Candidate, _ []ExistingAccount) FactorResult {
	city := strings.ToLower(strings.TrimSpace(c.City))
	if city != "" && f.locations[city] {
		return FactorResult{
			Score:       20,
			Detected:    true,
			Description: "practice city is on the risk list",
			Details:     map[string]interface{}{"city": c.City},
		}
	}
	if !c.Location.IsZero() {
		for _, z := range f.zones {
			if geo.Within(c.Location, z.Center, z.RadiusKm) {
				return FactorResult{
					Score:       20,
					Detected:    true,
					Description: "practice location falls inside a risk zone",
					Details: map[string]interface{}{
						"zone":        z.Name,
						"distance_km": geo.DistanceKm(c.Location, z.Center),
					},
				}
			}
		}
	}
	return FactorResult{Description: "location is not flagged"}
}

// -- document authenticity --

type documentAuthenticityFactor struct{}

func (documentAuthenticityFactor) Name() string { return FactorDocumentAuthenticity }

// Documents are not machine-authenticated here, so every required document
// that has not been verified by a reviewer carries a small residual score.
func (documentAuthenticityFactor) Evaluate(c *Candidate, _ []ExistingAccount) FactorResult {
	present := make(map[string]bool)
	verified := make(map[string]bool)
	for _, d := range c.Documents {
		present[d.Type] = true
		if d.Verified {
			verified[d.Type] = true
		}
	}

	score := 0
	var missing, unverified []string
	for _, t := range RequiredDocuments {
		switch {
		case !present[t]:
			score += 20
			missing = append(missing, t)
		case !verified[t]:
			score += 4
			unverified = append(unverified, t)
		}
	}

	r := FactorResult{
		Score:       score,
		Detected:    len(missing) > 0,
		Description: "required documents present",
		Details:     map[string]interface{}{"unverified": unverified},
	}
	if len(missing) > 0 {
		r.Description = "required documents missing"
		r.Details["missing"] = missing
	}
	return r
}

// -- license format --

type licenseFormatFactor struct {
	check LicenseFormatChecker
}

func (licenseFormatFactor) Name() string { return FactorLicenseFormat }

func (f licenseFormatFactor) Evaluate(c *Candidate, _ []ExistingAccount) FactorResult {
	if f.check == nil {
		panic("no license format checker configured")
	}
	authority, ok := f.check(c.LicenseNumber)
	if !ok {
		return FactorResult{Score: 30, Detected: true, Description: "license number does not match any authority format"}
	}
	return FactorResult{
		Description: "license number format is valid",
		Details:     map[string]interface{}{"authority": authority},
	}
}

// -- experience consistency --

// minQualifyingAge is the earliest age at which medical practice can begin.
const minQualifyingAge = 22

type experienceConsistencyFactor struct {
	now func() time.Time
}

func (experienceConsistencyFactor) Name() string { return FactorExperienceConsistency }

func (f experienceConsistencyFactor) Evaluate(c *Candidate, _ []ExistingAccount) FactorResult {
	dob, err := time.Parse("2006-01-02", strings.TrimSpace(c.DateOfBirth))
	if err != nil {
		return FactorResult{Score: 20, Detected: true, Description: "date of birth missing or unparseable"}
	}
	age := yearsBetween(dob, f.now())
	details := map[string]interface{}{"age": age, "experience_years": c.ExperienceYears}
	if c.ExperienceYears < 0 || age-c.ExperienceYears < minQualifyingAge {
		return FactorResult{
			Score:       25,
			Detected:    true,
			Description: fmt.Sprintf("claimed experience implies practice before age %d", minQualifyingAge),
			Details:     details,
		}
	}
	return FactorResult{Description: "experience is consistent with age", Details: details}
}

func yearsBetween(from, to time.Time) int {
	years := to.Year() - from.Year()
	if to.Month() < from.Month() || (to.Month() == from.Month() && to.Day() < from.Day()) {
		years--
	}
	return years
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func lastTen(digits string) string {
	if len(digits) > 10 {
		return digits[len(digits)-10:]
	}
	return digits
}

func allSame(s string) bool {
	for i := 1; i < len(s); i++ {
		if s[i] != s[0] {
			return false
		}
	}
	return len(s) > 0
}

func isSequential(s string) bool {
	if len(s) < 2 {
		return false
	}
	up, down := true, true
	for i := 1; i < len(s); i++ {
		d := int(s[i]) - int(s[i-1])
		if d != 1 && d != -9 {
			up = false
		}
		if d != -1 && d != 9 {
			down = false
		}
	}
	return up || down
}
