package assistant

import "context"

// BookingService is the opaque downstream collaborator that actually books,
// reschedules or cancels against the clinic calendar. The assistant only
// observes success or failure.
type BookingService interface {
	Execute(ctx context.Context, intent Intent, userID string, slots map[string]SlotValue) (referenceID string, err error)
}

// taskIntents are the intents that represent an actionable request. Only
// these trigger a mid-dialogue intent switch; a filler answer classified as
// INFORMACOES_GERAIS or DESCONHECIDO keeps the active flow.
var taskIntents = map[Intent]bool{
	IntentAgendarConsulta:      true,
	IntentReagendarConsulta:    true,
	IntentCancelarConsulta:     true,
	IntentConsultarAgendamento: true,
	IntentEmergencia:           true,
}

// actionableIntents require a successful booking-collaborator call before the
// conversation is terminal.
var actionableIntents = map[Intent]bool{
	IntentAgendarConsulta:   true,
	IntentReagendarConsulta: true,
	IntentCancelarConsulta:  true,
}

// Step labels exposed in the context's CurrentStep.
const (
	StepInitial         = "initial"
	StepCollectingSlots = "collecting_slots"
	StepConfirmingSlots = "confirming_slots"
	StepEmergencyTriage = "emergency_triage"
	StepAnswering       = "answering"
	StepReadyToExecute  = "ready_to_execute"
	StepCompleted       = "completed"
)

// slotPrompts are the user-facing hints for still-missing slots.
var slotPrompts = map[string]string{
	SlotPatientName:    "informar o nome completo do paciente",
	SlotPatientPhone:   "informar um telefone de contato",
	SlotSpecialty:      "informar a especialidade desejada",
	SlotAppointmentRef: "identificar a consulta existente",
	SlotPreferredDate:  "informar a nova data desejada",
}

// FlowDecision is the outcome of advancing the state machine for one turn.
type FlowDecision struct {
	FlowState         string
	Step              string
	IntentSwitched    bool
	EmergencyOverride bool
	ReadyToExecute    bool
	RequiresInput     bool
	NextSteps         []string
}

// FlowController decides, from the current context and the turn's
// classification, what comes next. It is pure: the orchestrator applies the
// decision and performs the collaborator call.
type FlowController struct{}

// NewFlowController creates the dialogue flow controller.
func NewFlowController() *FlowController {
	return &FlowController{}
}

// Advance applies the turn's intent to the context and computes the next flow
// state and step. An emergency signal always pre-empts the active flow; a new
// task intent resets the flow for that intent; otherwise the active intent's
// slot-filling continues.
func (f *FlowController) Advance(conv *ConversationContext, nlp NLPResult) FlowDecision {
	decision := FlowDecision{}

	switch {
	case nlp.Intent == IntentEmergencia && conv.CurrentIntent != IntentEmergencia:
		decision.EmergencyOverride = true
		conv.CurrentIntent = IntentEmergencia
		conv.FlowState = FlowAssessingEmergency
	case taskIntents[nlp.Intent] && nlp.Intent != conv.CurrentIntent:
		decision.IntentSwitched = true
		conv.CurrentIntent = nlp.Intent
		conv.FlowState = InitialFlowState(nlp.Intent)
	case conv.CurrentIntent == IntentDesconhecido && nlp.Intent != IntentDesconhecido:
		// First understandable turn of a session that opened unclear.
		conv.CurrentIntent = nlp.Intent
		conv.FlowState = InitialFlowState(nlp.Intent)
	}

	missing := conv.MissingSlots()

	switch {
	case conv.CurrentIntent == IntentEmergencia:
		decision.Step = StepEmergencyTriage
		decision.RequiresInput = false
	case conv.CurrentIntent == IntentInformacoesGerais || conv.CurrentIntent == IntentDesconhecido:
		decision.Step = StepAnswering
		decision.RequiresInput = conv.CurrentIntent == IntentDesconhecido
	case len(missing) == 0 && actionableIntents[conv.CurrentIntent]:
		decision.Step = StepReadyToExecute
		decision.ReadyToExecute = true
	case len(missing) == 0:
		decision.Step = StepAnswering
	default:
		decision.Step = stepForMissing(conv, missing)
		decision.RequiresInput = true
		for _, name := range missing {
			if prompt, ok := slotPrompts[name]; ok {
				decision.NextSteps = append(decision.NextSteps, prompt)
			}
		}
	}

	decision.FlowState = conv.FlowState
	conv.CurrentStep = decision.Step
	return decision
}

// stepForMissing distinguishes slots the user still has to provide from
// slots that are filled but await confirmation.
func stepForMissing(conv *ConversationContext, missing []string) string {
	for _, name := range missing {
		if _, ok := conv.SlotsFilled[name]; !ok {
			return StepCollectingSlots
		}
	}
	return StepConfirmingSlots
}
