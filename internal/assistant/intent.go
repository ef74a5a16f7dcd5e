package assistant

import (
	"fmt"
	"strings"
)

// Intent is the classified purpose of a user turn. The labels are the
// Portuguese values the clinic product exposes to operators, so they are kept
// verbatim across storage and the API surface.
type Intent string

const (
	IntentAgendarConsulta      Intent = "AGENDAR_CONSULTA"
	IntentReagendarConsulta    Intent = "REAGENDAR_CONSULTA"
	IntentCancelarConsulta     Intent = "CANCELAR_CONSULTA"
	IntentConsultarAgendamento Intent = "CONSULTAR_AGENDAMENTO"
	IntentEmergencia           Intent = "EMERGENCIA"
	IntentInformacoesGerais    Intent = "INFORMACOES_GERAIS"
	IntentDesconhecido         Intent = "DESCONHECIDO"
)

// AllIntents lists every intent the classifier may emit.
var AllIntents = []Intent{
	IntentAgendarConsulta,
	IntentReagendarConsulta,
	IntentCancelarConsulta,
	IntentConsultarAgendamento,
	IntentEmergencia,
	IntentInformacoesGerais,
	IntentDesconhecido,
}

// ParseIntent maps a raw label onto a known intent. Unknown labels map to
// IntentDesconhecido with ok=false so callers can trigger the fallback path.
func ParseIntent(label string) (Intent, bool) {
	candidate := Intent(strings.ToUpper(strings.TrimSpace(label)))
	for _, intent := range AllIntents {
		if candidate == intent {
			return intent, true
		}
	}
	return IntentDesconhecido, false
}

// Slot names collected by the dialogue.
const (
	SlotPatientName    = "patientName"
	SlotPatientPhone   = "patientPhone"
	SlotSpecialty      = "specialty"
	SlotAppointmentRef = "appointmentRef"
	SlotPreferredDate  = "preferredDate"
)

// Flow state labels for the slot-filling state machine.
const (
	FlowUnderstandingIntent    = "understanding_intent"
	FlowCollectingPatientInfo  = "collecting_patient_info"
	FlowIdentifyingAppointment = "identifying_appointment"
	FlowAssessingEmergency     = "assessing_emergency"
	FlowProvidingInformation   = "providing_information"
)

// requiredSlots is the static per-intent table of slots the dialogue must
// collect and confirm before the intent's task can run.
var requiredSlots = map[Intent][]string{
	IntentAgendarConsulta:      {SlotPatientName, SlotPatientPhone, SlotSpecialty},
	IntentReagendarConsulta:    {SlotPatientName, SlotAppointmentRef, SlotPreferredDate},
	IntentCancelarConsulta:     {SlotPatientName, SlotAppointmentRef},
	IntentConsultarAgendamento: {SlotPatientName},
	IntentEmergencia:           {},
	IntentInformacoesGerais:    {},
	IntentDesconhecido:         {},
}

// initialFlowState picks the first flow state purely from the classified
// intent at session creation.
var initialFlowState = map[Intent]string{
	IntentAgendarConsulta:      FlowCollectingPatientInfo,
	IntentReagendarConsulta:    FlowIdentifyingAppointment,
	IntentCancelarConsulta:     FlowIdentifyingAppointment,
	IntentConsultarAgendamento: FlowIdentifyingAppointment,
	IntentEmergencia:           FlowAssessingEmergency,
	IntentInformacoesGerais:    FlowProvidingInformation,
	IntentDesconhecido:         FlowUnderstandingIntent,
}

// RequiredSlots returns the slots the given intent must collect.
func RequiredSlots(intent Intent) []string {
	slots, ok := requiredSlots[intent]
	if !ok {
		return nil
	}
	out := make([]string, len(slots))
	copy(out, slots)
	return out
}

// InitialFlowState returns the first flow state for the intent.
func InitialFlowState(intent Intent) string {
	if state, ok := initialFlowState[intent]; ok {
		return state
	}
	return FlowUnderstandingIntent
}

// validateIntentTables ensures every intent has a flow state, a required-slot
// entry and a prompt template. Called from NewPromptRegistry so a missing
// mapping fails at startup instead of defaulting silently at runtime.
func validateIntentTables(templates map[Intent]string) error {
	for _, intent := range AllIntents {
		if _, ok := requiredSlots[intent]; !ok {
			return fmt.Errorf("assistant: intent %s has no required-slot entry", intent)
		}
		if _, ok := initialFlowState[intent]; !ok {
			return fmt.Errorf("assistant: intent %s has no initial flow state", intent)
		}
		if _, ok := templates[intent]; !ok {
			return fmt.Errorf("assistant: intent %s has no prompt template", intent)
		}
	}
	return nil
}

// Keyword groups for the deterministic classifier fallback. Matching is done
// on the lowercased, accent-folded message.
var (
	emergencyKeywords = []string{
		"emergencia", "urgente", "urgencia", "socorro", "dor no peito",
		"desmaio", "sangramento", "falta de ar", "infarto",
	}
	cancelKeywords = []string{
		"cancelar", "cancela", "desmarcar", "desmarca", "nao vou poder ir",
	}
	rescheduleKeywords = []string{
		"remarcar", "remarca", "reagendar", "reagenda", "mudar a consulta",
		"trocar o horario", "adiar",
	}
	scheduleKeywords = []string{
		"agendar", "agenda", "marcar", "marca", "consulta nova",
		"quero uma consulta", "horario disponivel",
	}
	inquiryKeywords = []string{
		"minha consulta", "meu agendamento", "quando e a consulta",
		"confirmar consulta", "que horas",
	}
)

// classifyByKeywords is the deterministic fallback used when the completion
// service fails or returns an unknown label. Emergency wins over everything,
// then cancellation/reschedule (more specific verbs) over scheduling.
func classifyByKeywords(message string) Intent {
	text := foldText(message)

	for _, kw := range emergencyKeywords {
		if strings.Contains(text, kw) {
			return IntentEmergencia
		}
	}
	for _, kw := range cancelKeywords {
		if strings.Contains(text, kw) {
			return IntentCancelarConsulta
		}
	}
	for _, kw := range rescheduleKeywords {
		if strings.Contains(text, kw) {
			return IntentReagendarConsulta
		}
	}
	for _, kw := range scheduleKeywords {
		if strings.Contains(text, kw) {
			return IntentAgendarConsulta
		}
	}
	for _, kw := range inquiryKeywords {
		if strings.Contains(text, kw) {
			return IntentConsultarAgendamento
		}
	}
	return IntentInformacoesGerais
}

var accentFolder = strings.NewReplacer(
	"á", "a", "à", "a", "â", "a", "ã", "a",
	"é", "e", "ê", "e",
	"í", "i",
	"ó", "o", "ô", "o", "õ", "o",
	"ú", "u", "ü", "u",
	"ç", "c",
)

// foldText lowercases and strips Portuguese accents for keyword matching.
func foldText(s string) string {
	return accentFolder.Replace(strings.ToLower(s))
}
