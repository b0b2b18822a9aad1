package usecase

import (
	"fmt"
	"strings"

	"delegate-assistant/internal/domain"
	"delegate-assistant/internal/integrations/openai"
	"delegate-assistant/internal/session"
)

const promptDate = "02/01/2006"

type promptContext struct {
	pinnedPrompt string
	delegate     *domain.Delegate
	data         session.Data
}

func buildCompletion(pc promptContext, text string, history []domain.Message) openai.Completion {
	sections := []string{systemPrompt(pc.pinnedPrompt)}
	if pc.delegate != nil {
		sections = append(sections, fmt.Sprintf("Usuario autenticado: %s (Código: %s)", pc.delegate.Name, pc.delegate.Code))
	}
	if p := pc.data.SelectedPharmacy; p != nil {
		sections = append(sections, pharmacyContext(*p))
	}
	if len(pc.data.RecentVisits) > 0 {
		sections = append(sections, visitsContext(pc.data.RecentVisits))
	}

	turns := make([]domain.ChatMessage, 0, len(history))
	for _, m := range history {
		if c := historyToPromptMessage(m); c.Content != "" {
			turns = append(turns, c)
		}
	}
	return openai.Completion{
		System:  strings.Join(sections, "\n\n"),
		History: turns,
		Prompt:  text,
	}
}

func systemPrompt(pinned string) string {
	if p := strings.TrimSpace(pinned); p != "" {
		return p
	}
	return strings.Join([]string{
		"Eres el asistente de los delegados comerciales de una red de farmacias.",
		"Ayudas con información de farmacias, visitas, feedback e informes.",
		"Responde siempre en español, de forma breve y profesional.",
		"Si no tienes la información necesaria, dilo claramente en lugar de inventarla.",
	}, "\n")
}

func pharmacyContext(p session.PharmacyDetail) string {
	last := "Sin visitas previas"
	if p.LastVisit != nil {
		last = fmt.Sprintf("%s (%s)", p.LastVisit.Date.Format(promptDate), p.LastVisit.Status)
	}
	return fmt.Sprintf("Farmacia: %s\nDirección: %s\nÚltima visita: %s", p.Name, p.Address, last)
}

func visitsContext(visits []session.VisitSummary) string {
	var b strings.Builder
	b.WriteString("Historial de visitas:")
	for _, v := range visits {
		fmt.Fprintf(&b, "\n- %s: %s", v.Date.Format(promptDate), v.Status)
	}
	return b.String()
}

func historyToPromptMessage(m domain.Message) domain.ChatMessage {
	if m.Synthetic() || m.Pending() {
		return domain.ChatMessage{}
	}
	content := strings.TrimSpace(m.Content)
	if content == "" {
		return domain.ChatMessage{}
	}
	role := domain.RoleAssistant
	if m.Direction == domain.DirectionIn {
		role = domain.RoleUser
	}
	return domain.ChatMessage{Role: role, Content: content}
}
