package dialogue

import (
	"fmt"
	"strings"

	"delegate-assistant/internal/domain"
	"delegate-assistant/internal/session"
)

const (
	replyUnknown = "Lo siento, no he entendido completamente tu mensaje. ¿Podrías ser más específico? Puedes preguntar sobre farmacias, visitas o solicitar ayuda escribiendo 'ayuda'."
	replyError   = "Lo siento, ha ocurrido un error procesando tu mensaje. Por favor, inténtalo de nuevo o escribe 'ayuda' para ver las opciones disponibles."

	replyHelp = "Puedo ayudarte con lo siguiente:\n" +
		"- Buscar información de farmacias (ej: 'farmacia centro')\n" +
		"- Consultar tus visitas a farmacias (ej: 'visitas recientes')\n" +
		"- Registrar feedback de visitas (ej: 'quiero dejar feedback')\n" +
		"- Generar reportes de visita (ej: 'generar informe')\n\n" +
		"¿Con qué necesitas ayuda hoy?"

	replyGreetingAnonymous = "Hola, ¿en qué puedo ayudarte hoy? Por favor, identifícate para continuar."

	replyVisitNeedsPharmacy    = "Para consultar información de visitas, primero necesito saber a qué farmacia te refieres. Por favor, búscala escribiendo 'farmacia' seguido del nombre."
	replyFeedbackNeedsPharmacy = "Para dejar feedback de una visita, primero necesito saber a qué farmacia te refieres. Por favor, búscala escribiendo 'farmacia' seguido del nombre."

	replyNoPharmacies        = "No encontré farmacias con ese nombre o dirección. Por favor, intenta con otro término de búsqueda más específico."
	replyNoPharmaciesRetry   = "No encontré farmacias con ese nombre o dirección. Por favor, intenta con otro término de búsqueda."
	replySearchTooShort      = "Por favor, proporciona al menos 3 caracteres para la búsqueda."
	replyInvalidSelection    = "Por favor, selecciona un número válido de la lista de farmacias."
	replyPharmacyUnavailable = "Lo siento, esa farmacia ya no está disponible. Por favor, realiza una nueva búsqueda."

	replyInvalidOption   = "Por favor selecciona una opción válida (1-4) o escribe 'salir' para volver al inicio."
	replyNeedsDelegate   = "Necesito saber quién eres para registrar una visita. Por favor, identifícate para continuar."
	replyFeedbackMedium  = "Puedes dejar feedback para la visita pendiente. ¿Prefieres feedback en texto o audio? Responde 'texto' o 'audio'."
	replyNoPendingVisit  = "No hay visitas pendientes para dejar feedback. Primero debes registrar una visita."
	replyReportReady     = "Tenemos suficiente información para generar un informe usando GPT. ¿Deseas continuar con la generación del informe?"
	replyNotEnoughVisits = "No hay suficientes datos de visitas para generar un informe completo."

	replyAskMedium      = "¿Prefieres feedback en texto o audio? Responde 'texto' o 'audio'."
	replyWriteFeedback  = "Por favor, escribe tu feedback a continuación:"
	replyAttachAudio    = "Por favor, adjunta tu archivo de audio o utiliza el botón de grabación."
	replyFeedbackThanks = "¡Gracias por tu feedback! ¿Deseas generar un informe de esta visita ahora?"
	replyBrokenSession  = "Ha ocurrido un error con la sesión. Por favor, comienza de nuevo."
	replyVisitMissing   = "Lo siento, no se encontró la visita. Por favor, intenta de nuevo."

	replyReportDeclined = "Entiendo que no deseas generar un informe ahora. ¿En qué más puedo ayudarte?"
	replyReset          = "De acuerdo, volvemos al inicio. ¿En qué puedo ayudarte?"
)

const displayDate = "02/01/2006"

func greeting(d *domain.Delegate) string {
	if d == nil {
		return replyGreetingAnonymous
	}
	return fmt.Sprintf("Hola %s, ¿en qué puedo ayudarte hoy? Puedes buscar una farmacia, consultar visitas previas, o dejar feedback sobre una visita.", d.Name)
}

func pharmacyList(list []session.PharmacyRef, footer string) string {
	var b strings.Builder
	b.WriteString("Encontré las siguientes farmacias:\n\n")
	for i, p := range list {
		fmt.Fprintf(&b, "%d. %s - %s\n", i+1, p.Name, p.Address)
	}
	b.WriteString("\n")
	b.WriteString(footer)
	return b.String()
}

const (
	footerFirstSearch = "Por favor, responde con el número de la farmacia que te interesa, o escribe 'buscar' seguido del nombre para realizar otra búsqueda."
	footerReSearch    = "Por favor, responde con el número de la farmacia que te interesa."
)

func pharmacyDetail(p session.PharmacyDetail) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Has seleccionado: %s\n", p.Name)
	fmt.Fprintf(&b, "Dirección: %s\n", p.Address)
	if p.LastVisit != nil {
		fmt.Fprintf(&b, "Última visita: %s - %s\n\n", p.LastVisit.Date.Format(displayDate), statusLabel(p.LastVisit.Status))
	} else {
		b.WriteString("No hay visitas previas registradas.\n\n")
	}
	b.WriteString("¿Qué deseas hacer?\n")
	b.WriteString("1. Registrar una nueva visita\n")
	b.WriteString("2. Consultar visitas anteriores\n")
	b.WriteString("3. Dejar feedback\n")
	b.WriteString("4. Generar informe")
	return b.String()
}

func visitList(pharmacyName string, visits []session.VisitSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Visitas recientes a %s:\n\n", pharmacyName)
	for i, v := range visits {
		fmt.Fprintf(&b, "%d. %s - %s\n", i+1, v.Date.Format(displayDate), statusLabel(v.Status))
	}
	return strings.TrimRight(b.String(), "\n")
}

func visitPending(visitID string) string {
	return fmt.Sprintf("Ya tienes una visita pendiente para esta farmacia. Puedes acceder a ella aquí: /visits/%s/", visitID)
}

func visitCreated(pharmacyName, visitID string) string {
	return fmt.Sprintf("He creado una nueva visita para la farmacia %s. Puedes completar los detalles en: /visits/%s/", pharmacyName, visitID)
}

func noVisits(pharmacyName string) string {
	return fmt.Sprintf("No hay visitas registradas para %s.", pharmacyName)
}

func statusLabel(s domain.VisitStatus) string {
	switch s {
	case domain.VisitPending:
		return "Pendiente"
	case domain.VisitCompleted:
		return "Completada"
	case domain.VisitCancelled:
		return "Cancelada"
	default:
		return string(s)
	}
}
