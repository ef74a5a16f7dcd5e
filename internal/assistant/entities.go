package assistant

import (
	"regexp"
	"strings"
)

// Temporal captures date/time candidates mentioned by the user. Values are
// normalized tokens ("amanha", "manha", "14:30"), not parsed timestamps;
// turning them into calendar slots is the booking collaborator's job.
type Temporal struct {
	Date   string `json:"data,omitempty"`
	Time   string `json:"hora,omitempty"`
	Period string `json:"periodo,omitempty"`
}

// ExtractedEntities is the partial record of candidate slot values pulled from
// one user turn. Every field is optional; Clean guarantees empty placeholders
// are never retained.
type ExtractedEntities struct {
	Name           string    `json:"nome,omitempty"`
	Document       string    `json:"documento,omitempty"`
	Phone          string    `json:"telefone,omitempty"`
	Email          string    `json:"email,omitempty"`
	Specialties    []string  `json:"especialidade,omitempty"`
	Temporal       *Temporal `json:"temporal,omitempty"`
	Symptoms       []string  `json:"sintomas,omitempty"`
	Urgency        string    `json:"urgencia,omitempty"`
	Preference     string    `json:"preferencia,omitempty"`
	AppointmentRef string    `json:"consulta_ref,omitempty"`
}

// Clean normalizes the record in place: blank strings stay zero, empty slices
// become nil and an all-empty Temporal is dropped. Returns the receiver for
// chaining.
func (e *ExtractedEntities) Clean() *ExtractedEntities {
	if e == nil {
		return nil
	}
	e.Specialties = cleanStringSlice(e.Specialties)
	e.Symptoms = cleanStringSlice(e.Symptoms)
	if e.Temporal != nil {
		e.Temporal.Date = strings.TrimSpace(e.Temporal.Date)
		e.Temporal.Time = strings.TrimSpace(e.Temporal.Time)
		e.Temporal.Period = strings.TrimSpace(e.Temporal.Period)
		if e.Temporal.Date == "" && e.Temporal.Time == "" && e.Temporal.Period == "" {
			e.Temporal = nil
		}
	}
	e.Name = strings.TrimSpace(e.Name)
	e.Document = strings.TrimSpace(e.Document)
	e.Phone = strings.TrimSpace(e.Phone)
	e.Email = strings.TrimSpace(e.Email)
	e.Urgency = strings.TrimSpace(e.Urgency)
	e.Preference = strings.TrimSpace(e.Preference)
	e.AppointmentRef = strings.TrimSpace(e.AppointmentRef)
	return e
}

func cleanStringSlice(in []string) []string {
	var out []string
	for _, item := range in {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// NonEmptyFieldCount reports how many top-level entity fields carry a value.
// Used by the confidence heuristic.
func (e *ExtractedEntities) NonEmptyFieldCount() int {
	if e == nil {
		return 0
	}
	count := 0
	for _, s := range []string{e.Name, e.Document, e.Phone, e.Email, e.Urgency, e.Preference, e.AppointmentRef} {
		if s != "" {
			count++
		}
	}
	if len(e.Specialties) > 0 {
		count++
	}
	if len(e.Symptoms) > 0 {
		count++
	}
	if e.Temporal != nil {
		count++
	}
	return count
}

// IsEmpty reports whether no entity field carries a value.
func (e *ExtractedEntities) IsEmpty() bool {
	return e.NonEmptyFieldCount() == 0
}

// SlotValues maps extracted entities onto the dialogue's named slots.
func (e *ExtractedEntities) SlotValues() map[string]string {
	if e == nil {
		return nil
	}
	slots := make(map[string]string)
	if e.Name != "" {
		slots[SlotPatientName] = e.Name
	}
	if e.Phone != "" {
		slots[SlotPatientPhone] = e.Phone
	}
	if len(e.Specialties) > 0 {
		slots[SlotSpecialty] = e.Specialties[0]
	}
	if e.AppointmentRef != "" {
		slots[SlotAppointmentRef] = e.AppointmentRef
	}
	if e.Temporal != nil && e.Temporal.Date != "" {
		slots[SlotPreferredDate] = e.Temporal.Date
	}
	return slots
}

// CleanEntityMap strips nil, empty-string, empty-array and empty-object
// values recursively from a decoded JSON document. Used to normalize raw
// extraction output before it is folded into the typed record and the audit
// snapshot, so downstream code never observes empty placeholder structures.
func CleanEntityMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for key, value := range in {
		if cleaned, keep := cleanEntityValue(value); keep {
			out[key] = cleaned
		}
	}
	return out
}

func cleanEntityValue(value any) (any, bool) {
	switch v := value.(type) {
	case nil:
		return nil, false
	case string:
		trimmed := strings.TrimSpace(v)
		return trimmed, trimmed != ""
	case []any:
		var items []any
		for _, item := range v {
			if cleaned, keep := cleanEntityValue(item); keep {
				items = append(items, cleaned)
			}
		}
		return items, len(items) > 0
	case map[string]any:
		cleaned := CleanEntityMap(v)
		return cleaned, len(cleaned) > 0
	default:
		return v, true
	}
}

// knownSpecialties is the clinic's specialty vocabulary, folded form.
var knownSpecialties = []string{
	"cardiologia",
	"dermatologia",
	"pediatria",
	"ortopedia",
	"ginecologia",
	"oftalmologia",
	"psiquiatria",
	"neurologia",
	"endocrinologia",
	"clinica geral",
	"clinico geral",
}

var (
	documentPattern = regexp.MustCompile(`\b\d{3}\.\d{3}\.\d{3}-\d{2}\b`)
	phonePattern    = regexp.MustCompile(`(?:\+55\s?)?(?:\(\d{2}\)\s?|\d{2}\s?)?\d{4,5}[-\s]?\d{4}`)
	namePattern     = regexp.MustCompile(`(?i)(?:meu nome (?:é|e)|me chamo|sou o|sou a)\s+([\p{Lu}][\p{L}]+(?:\s+(?:d[aeo]s?\s+)?[\p{Lu}][\p{L}]+)*)`)
	timePattern     = regexp.MustCompile(`\b([01]?\d|2[0-3])[h:]([0-5]\d)\b`)

	periodPatterns = []struct {
		re     *regexp.Regexp
		period string
	}{
		{regexp.MustCompile(`\bmanha\b`), "manha"},
		{regexp.MustCompile(`\btarde\b`), "tarde"},
		{regexp.MustCompile(`\bnoite\b`), "noite"},
	}

	relativeDatePatterns = []struct {
		re   *regexp.Regexp
		date string
	}{
		{regexp.MustCompile(`\bdepois de amanha\b`), "depois de amanha"},
		{regexp.MustCompile(`\bamanha\b`), "amanha"},
		{regexp.MustCompile(`\bhoje\b`), "hoje"},
	}
)

var urgencyTokens = []string{"urgente", "urgencia", "emergencia", "o quanto antes"}

// extractEntitiesByRules is the deterministic extraction fallback. It only
// claims values it can match against fixed patterns; an empty result is a
// valid outcome.
func extractEntitiesByRules(message string) *ExtractedEntities {
	entities := &ExtractedEntities{}
	folded := foldText(message)

	if match := namePattern.FindStringSubmatch(message); len(match) > 1 {
		entities.Name = strings.TrimSpace(match[1])
	}
	if doc := documentPattern.FindString(message); doc != "" {
		entities.Document = doc
	}
	// Strip the document match before looking for phones so a formatted CPF
	// is not re-captured as a phone number.
	phoneSource := message
	if entities.Document != "" {
		phoneSource = strings.Replace(phoneSource, entities.Document, "", 1)
	}
	if phone := phonePattern.FindString(phoneSource); phone != "" {
		entities.Phone = digitsOnly(phone)
	}

	for _, specialty := range knownSpecialties {
		if strings.Contains(folded, specialty) {
			entities.Specialties = append(entities.Specialties, specialty)
		}
	}

	temporal := &Temporal{}
	// "depois de amanha" is checked before "amanha"; \b keeps "amanha" from
	// matching the "manha" period token and vice versa.
	for _, candidate := range relativeDatePatterns {
		if candidate.re.MatchString(folded) {
			temporal.Date = candidate.date
			break
		}
	}
	for _, candidate := range periodPatterns {
		if candidate.re.MatchString(folded) {
			temporal.Period = candidate.period
			break
		}
	}
	if match := timePattern.FindString(folded); match != "" {
		temporal.Time = strings.ReplaceAll(match, "h", ":")
	}
	if temporal.Date != "" || temporal.Time != "" || temporal.Period != "" {
		entities.Temporal = temporal
	}

	for _, token := range urgencyTokens {
		if strings.Contains(folded, token) {
			entities.Urgency = "alta"
			break
		}
	}

	return entities.Clean()
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
