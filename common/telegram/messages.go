package telegram

import "fmt"

const (
	MsgScheduled      = "scheduled"
	MsgPublished      = "published"
	MsgPublishFailed  = "publish_failed"
	MsgPlanned        = "planned"
	MsgNoCandidates   = "no_candidates"
	MsgBudgetExceeded = "budget_exceeded"
	MsgCollabReplied  = "collab_replied"

	MsgUsage          = "usage"
	MsgUnknownChat    = "unknown_chat"
	MsgAccepted       = "accepted"
	MsgQueueEmpty     = "queue_empty"
	MsgQueue          = "queue"
	MsgStatus         = "status"
	MsgCollabNone     = "collab_none"
	MsgCollabs        = "collabs"
	MsgAgreed         = "agreed"
	MsgAgreedNotFound = "agreed_not_found"
)

var catalog = map[string]map[string]string{
	"en": {
		MsgScheduled:      "Scheduled for r/%s at %s UTC.",
		MsgPublished:      "Posted to %s: %s",
		MsgPublishFailed:  "Posting to %s failed: %s",
		MsgPlanned:        "Planned %d posts:\n%s",
		MsgNoCandidates:   "No eligible subreddit right now. Try again later.",
		MsgBudgetExceeded: "Monthly Twitter write budget is used up. Skipping.",
		MsgCollabReplied:  "@%s replied to your collab DM.",
		MsgUsage:          "Commands:\n/post <image url> <caption>\n/plan <image url> <caption>\n/queue\n/status\n/collab\n/agreed <handle>",
		MsgUnknownChat:    "This chat is not linked to a model.",
		MsgAccepted:       "On it. Job %s.",
		MsgQueueEmpty:     "Nothing scheduled.",
		MsgQueue:          "Upcoming posts:\n%s",
		MsgStatus:         "%d ready, %d queued. Twitter writes left this month: %d.",
		MsgCollabNone:     "No collab candidates yet.",
		MsgCollabs:        "Collabs:\n%s",
		MsgAgreed:         "Marked @%s as agreed.",
		MsgAgreedNotFound: "No reply from @%s waiting for confirmation.",
	},
	"es": {
		MsgScheduled:      "Programado para r/%s a las %s UTC.",
		MsgPublished:      "Publicado en %s: %s",
		MsgPublishFailed:  "La publicación en %s falló: %s",
		MsgPlanned:        "%d publicaciones planificadas:\n%s",
		MsgNoCandidates:   "No hay ningún subreddit disponible ahora. Inténtalo más tarde.",
		MsgBudgetExceeded: "El presupuesto mensual de Twitter está agotado. Se omite.",
		MsgCollabReplied:  "@%s respondió a tu DM de colaboración.",
		MsgUsage:          "Comandos:\n/post <url de imagen> <texto>\n/plan <url de imagen> <texto>\n/queue\n/status\n/collab\n/agreed <usuario>",
		MsgUnknownChat:    "Este chat no está vinculado a ningún modelo.",
		MsgAccepted:       "En marcha. Tarea %s.",
		MsgQueueEmpty:     "No hay nada programado.",
		MsgQueue:          "Próximas publicaciones:\n%s",
		MsgStatus:         "%d listas, %d en cola. Escrituras de Twitter restantes este mes: %d.",
		MsgCollabNone:     "Todavía no hay candidatos de colaboración.",
		MsgCollabs:        "Colaboraciones:\n%s",
		MsgAgreed:         "@%s marcado como acordado.",
		MsgAgreedNotFound: "No hay respuesta de @%s pendiente de confirmar.",
	},
	"de": {
		MsgScheduled:      "Geplant für r/%s um %s UTC.",
		MsgPublished:      "Gepostet auf %s: %s",
		MsgPublishFailed:  "Posten auf %s fehlgeschlagen: %s",
		MsgPlanned:        "%d Posts geplant:\n%s",
		MsgNoCandidates:   "Gerade ist kein Subreddit verfügbar. Versuch es später noch einmal.",
		MsgBudgetExceeded: "Das monatliche Twitter-Budget ist aufgebraucht. Übersprungen.",
		MsgCollabReplied:  "@%s hat auf deine Collab-DM geantwortet.",
		MsgUsage:          "Befehle:\n/post <Bild-URL> <Text>\n/plan <Bild-URL> <Text>\n/queue\n/status\n/collab\n/agreed <Handle>",
		MsgUnknownChat:    "Dieser Chat ist mit keinem Model verknüpft.",
		MsgAccepted:       "Läuft. Job %s.",
		MsgQueueEmpty:     "Nichts geplant.",
		MsgQueue:          "Anstehende Posts:\n%s",
		MsgStatus:         "%d bereit, %d in der Warteschlange. Verbleibende Twitter-Writes diesen Monat: %d.",
		MsgCollabNone:     "Noch keine Collab-Kandidaten.",
		MsgCollabs:        "Collabs:\n%s",
		MsgAgreed:         "@%s als vereinbart markiert.",
		MsgAgreedNotFound: "Keine Antwort von @%s, die bestätigt werden kann.",
	},
}

// Render formats key in lang, falling back to English for unknown languages.
func Render(lang, key string, args ...any) string {
	msgs, ok := catalog[lang]
	if !ok {
		msgs = catalog["en"]
	}
	format, ok := msgs[key]
	if !ok {
		format = catalog["en"][key]
	}
	return fmt.Sprintf(format, args...)
}
