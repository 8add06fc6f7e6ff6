package conversation

import "strings"

var noSlotReplies = map[string]string{
	"en": "Sorry, there are no available slots at that time. Could you suggest another day or time?",
	"es": "Lo sentimos, no hay horarios disponibles en ese momento. ¿Podrías sugerir otro día u hora?",
	"pt": "Desculpe, não há horários disponíveis nesse momento. Você poderia sugerir outro dia ou horário?",
	"fr": "Désolé, aucun créneau n'est disponible à ce moment-là. Pourriez-vous proposer un autre jour ou une autre heure ?",
	"de": "Leider sind zu dieser Zeit keine Termine frei. Können Sie einen anderen Tag oder eine andere Uhrzeit vorschlagen?",
	"it": "Ci dispiace, non ci sono disponibilità in quell'orario. Puoi suggerire un altro giorno o orario?",
}

var handoffReplies = map[string]string{
	"en": "Of course. I've let our team know and someone will reply to you here shortly.",
	"es": "Por supuesto. He avisado a nuestro equipo y alguien te responderá aquí en breve.",
	"pt": "Claro. Avisei nossa equipe e alguém responderá aqui em breve.",
	"fr": "Bien sûr. J'ai prévenu notre équipe et quelqu'un vous répondra ici sous peu.",
	"de": "Natürlich. Ich habe unser Team informiert, jemand meldet sich hier in Kürze bei Ihnen.",
	"it": "Certo. Ho avvisato il nostro team e qualcuno ti risponderà qui a breve.",
}

var paymentTemplates = map[string]string{
	"en": "To confirm your %s booking, please complete your payment here: %s",
	"es": "Para confirmar tu reserva de %s, completa el pago aquí: %s",
	"pt": "Para confirmar sua reserva de %s, conclua o pagamento aqui: %s",
	"fr": "Pour confirmer votre réservation %s, veuillez régler ici : %s",
	"de": "Um Ihre Buchung für %s zu bestätigen, schließen Sie bitte die Zahlung hier ab: %s",
	"it": "Per confermare la prenotazione di %s, completa il pagamento qui: %s",
}

var noCardTemplates = map[string]string{
	"en": "If you can't pay by card: %s",
	"es": "Si no puedes pagar con tarjeta: %s",
	"pt": "Se não puder pagar com cartão: %s",
	"fr": "Si vous ne pouvez pas payer par carte : %s",
	"de": "Falls Sie nicht mit Karte zahlen können: %s",
	"it": "Se non puoi pagare con carta: %s",
}

// localized picks the entry for lang, falling back to English.
func localized(table map[string]string, lang string) string {
	if s, ok := table[normalizeLanguage(lang)]; ok {
		return s
	}
	return table["en"]
}

// mediaPlaceholder describes non-text content to the model.
func mediaPlaceholder(t MessageType, caption string) string {
	var label string
	switch t {
	case MessageVoice:
		label = "[customer sent a voice message]"
	case MessageImage:
		label = "[customer sent an image]"
	case MessageDocument:
		label = "[customer sent a document]"
	default:
		return caption
	}
	if caption = strings.TrimSpace(caption); caption != "" {
		return label + " " + caption
	}
	return label
}
