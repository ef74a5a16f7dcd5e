package assistant

import (
	"fmt"
	"strings"
)

// PromptTemplate is a named system/user prompt pair with declared variables.
type PromptTemplate struct {
	Name        string
	System      string
	User        string
	Variables   []string
	Description string
}

// BuiltPrompt is the result of variable interpolation.
type BuiltPrompt struct {
	System string
	User   string
}

// PromptRegistry is an immutable catalog of templates plus a total mapping
// from intent to template name. Built once at startup and injected into the
// orchestrator; a missing mapping is a constructor error, never a silent
// runtime default.
type PromptRegistry struct {
	templates map[string]PromptTemplate
	byIntent  map[Intent]string
}

const sharedSystemPreamble = `Você é a assistente virtual da clínica VidaPlus.
Seja cordial, objetiva e responda sempre em português.
Nunca invente horários, médicos ou diagnósticos; use apenas o contexto fornecido.
Dados do atendimento:
Etapa atual: {currentStep}
Dados já confirmados: {confirmedSlots}
Dados pendentes: {missingSlots}
Conhecimento relevante:
{knowledge}`

var defaultTemplates = []PromptTemplate{
	{
		Name:        "agendar_consulta",
		Description: "Collects booking slots and confirms the appointment request.",
		System:      sharedSystemPreamble,
		User: `Histórico recente:
{history}

Mensagem do paciente: {userMessage}

Ajude o paciente a agendar uma consulta. Se faltarem dados ({missingSlots}), peça apenas o próximo dado pendente. Se todos os dados estiverem confirmados, informe que o agendamento será efetivado.`,
		Variables: []string{"history", "userMessage", "missingSlots", "confirmedSlots", "currentStep", "knowledge"},
	},
	{
		Name:        "reagendar_consulta",
		Description: "Identifies an existing appointment and collects the new date.",
		System:      sharedSystemPreamble,
		User: `Histórico recente:
{history}

Mensagem do paciente: {userMessage}

O paciente quer remarcar uma consulta existente. Confirme qual consulta deve ser alterada e a nova data desejada antes de prosseguir.`,
		Variables: []string{"history", "userMessage", "missingSlots", "confirmedSlots", "currentStep", "knowledge"},
	},
	{
		Name:        "cancelar_consulta",
		Description: "Identifies the appointment to cancel and asks for confirmation.",
		System:      sharedSystemPreamble,
		User: `Histórico recente:
{history}

Mensagem do paciente: {userMessage}

O paciente quer cancelar uma consulta. Identifique a consulta e confirme a intenção antes de efetivar o cancelamento. Mencione a política de cancelamento se relevante: {knowledge}`,
		Variables: []string{"history", "userMessage", "missingSlots", "confirmedSlots", "currentStep", "knowledge"},
	},
	{
		Name:        "consultar_agendamento",
		Description: "Answers questions about existing appointments.",
		System:      sharedSystemPreamble,
		User: `Histórico recente:
{history}

Mensagem do paciente: {userMessage}

Responda à dúvida do paciente sobre a consulta agendada usando o histórico e o contexto disponíveis.`,
		Variables: []string{"history", "userMessage", "missingSlots", "confirmedSlots", "currentStep", "knowledge"},
	},
	{
		Name:        "emergencia",
		Description: "Emergency triage: directs the patient to immediate care.",
		System: sharedSystemPreamble + `
ATENÇÃO: o paciente pode estar em situação de emergência. Priorize orientá-lo a procurar atendimento imediato (SAMU 192) quando houver sinais de gravidade.`,
		User: `Mensagem do paciente: {userMessage}

Avalie a urgência relatada. Oriente o paciente com calma: em caso de risco de vida, indique o serviço de emergência; caso contrário, ofereça o encaixe de urgência da clínica. Protocolo: {knowledge}`,
		Variables: []string{"userMessage", "currentStep", "confirmedSlots", "missingSlots", "knowledge"},
	},
	{
		Name:        "informacoes_gerais",
		Description: "Answers general questions about the clinic.",
		System:      sharedSystemPreamble,
		User: `Histórico recente:
{history}

Pergunta do paciente: {userMessage}

Responda usando as informações da clínica acima. Se a resposta não estiver no contexto, diga que vai verificar com a recepção.`,
		Variables: []string{"history", "userMessage", "knowledge", "currentStep", "confirmedSlots", "missingSlots"},
	},
	{
		Name:        "esclarecer_intencao",
		Description: "Fallback when the user's goal is unclear.",
		System:      sharedSystemPreamble,
		User: `Mensagem do paciente: {userMessage}

Não ficou claro o que o paciente deseja. Pergunte, de forma breve e amigável, se ele quer agendar, remarcar, cancelar ou tirar dúvidas sobre uma consulta.`,
		Variables: []string{"userMessage", "currentStep", "confirmedSlots", "missingSlots", "knowledge"},
	},
}

// intentTemplateNames maps every intent to its template. Validated at
// registry construction.
var intentTemplateNames = map[Intent]string{
	IntentAgendarConsulta:      "agendar_consulta",
	IntentReagendarConsulta:    "reagendar_consulta",
	IntentCancelarConsulta:     "cancelar_consulta",
	IntentConsultarAgendamento: "consultar_agendamento",
	IntentEmergencia:           "emergencia",
	IntentInformacoesGerais:    "informacoes_gerais",
	IntentDesconhecido:         "esclarecer_intencao",
}

// NewPromptRegistry builds the immutable registry and validates that every
// intent maps to an existing template.
func NewPromptRegistry() (*PromptRegistry, error) {
	templates := make(map[string]PromptTemplate, len(defaultTemplates))
	for _, tpl := range defaultTemplates {
		if _, dup := templates[tpl.Name]; dup {
			return nil, fmt.Errorf("assistant: duplicate prompt template %q", tpl.Name)
		}
		templates[tpl.Name] = tpl
	}

	if err := validateIntentTables(intentTemplateNames); err != nil {
		return nil, err
	}
	for intent, name := range intentTemplateNames {
		if _, ok := templates[name]; !ok {
			return nil, fmt.Errorf("assistant: intent %s maps to unknown template %q", intent, name)
		}
	}

	return &PromptRegistry{templates: templates, byIntent: intentTemplateNames}, nil
}

// Template returns the named template.
func (r *PromptRegistry) Template(name string) (PromptTemplate, bool) {
	tpl, ok := r.templates[name]
	return tpl, ok
}

// TemplateForIntent resolves the intent's template. The mapping is total, so
// lookup failure can only mean a programming error.
func (r *PromptRegistry) TemplateForIntent(intent Intent) (PromptTemplate, error) {
	name, ok := r.byIntent[intent]
	if !ok {
		name = r.byIntent[IntentDesconhecido]
	}
	tpl, ok := r.templates[name]
	if !ok {
		return PromptTemplate{}, fmt.Errorf("assistant: no template for intent %s", intent)
	}
	return tpl, nil
}

// BuildPrompt interpolates {variable} placeholders over the template's system
// and user texts. Missing variables substitute the empty string.
func (r *PromptRegistry) BuildPrompt(name string, vars map[string]string) (BuiltPrompt, error) {
	tpl, ok := r.templates[name]
	if !ok {
		return BuiltPrompt{}, fmt.Errorf("assistant: unknown prompt template %q", name)
	}
	return BuiltPrompt{
		System: interpolate(tpl.System, tpl.Variables, vars),
		User:   interpolate(tpl.User, tpl.Variables, vars),
	}, nil
}

// BuildContextualPrompt resolves the template from the context's intent and
// auto-populates the standard variables (history, confirmed slots, missing
// slots, current step). Caller extras win on key collision.
func (r *PromptRegistry) BuildContextualPrompt(conv *ConversationContext, userMessage string, extras map[string]string) (BuiltPrompt, error) {
	tpl, err := r.TemplateForIntent(conv.CurrentIntent)
	if err != nil {
		return BuiltPrompt{}, err
	}

	vars := map[string]string{
		"userMessage":    userMessage,
		"history":        formatHistory(conv.ConversationHistory),
		"confirmedSlots": formatConfirmedSlots(conv.SlotsFilled),
		"missingSlots":   strings.Join(conv.MissingSlots(), ", "),
		"currentStep":    conv.CurrentStep,
	}
	for key, value := range extras {
		vars[key] = value
	}

	return BuiltPrompt{
		System: interpolate(tpl.System, tpl.Variables, vars),
		User:   interpolate(tpl.User, tpl.Variables, vars),
	}, nil
}

// interpolate replaces every declared {variable} literally. Undeclared
// placeholders in the text are left untouched; declared-but-missing variables
// become empty strings.
func interpolate(text string, declared []string, vars map[string]string) string {
	for _, name := range declared {
		text = strings.ReplaceAll(text, "{"+name+"}", vars[name])
	}
	return text
}

func formatHistory(history []HistoryEntry) string {
	if len(history) == 0 {
		return "(sem histórico)"
	}
	var b strings.Builder
	for _, entry := range history {
		label := "Paciente"
		if entry.Role == ChatRoleAssistant {
			label = "Assistente"
		}
		fmt.Fprintf(&b, "%s: %s\n", label, entry.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatConfirmedSlots(slots map[string]SlotValue) string {
	if len(slots) == 0 {
		return "(nenhum)"
	}
	var parts []string
	for _, name := range []string{SlotPatientName, SlotPatientPhone, SlotSpecialty, SlotAppointmentRef, SlotPreferredDate} {
		if slot, ok := slots[name]; ok && slot.Confirmed {
			parts = append(parts, fmt.Sprintf("%s=%s", name, slot.Value))
		}
	}
	if len(parts) == 0 {
		return "(nenhum)"
	}
	return strings.Join(parts, "; ")
}
