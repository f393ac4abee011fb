package panelerr

import (
	"errors"
	"net/http"
)

// Problem is the structured error body returned to API consumers.
type Problem struct {
	Error       Kind     `json:"error"`
	Message     string   `json:"message"`
	Suggestions []string `json:"suggestions,omitempty"`
	Attempts    int      `json:"attempts,omitempty"`
}

var suggestions = map[Kind]string{
	KindTransport:          "check that the panel URL resolves and the TLS certificate is valid, or configure PANEL_DIRECT_IP / PANEL_PROXY_URL",
	KindUpstreamHTTP:       "inspect the panel's own logs; the origin answered with an error",
	KindEdgeInterference:   "check the edge-protection allowlist for this service's egress IP",
	KindInvalidCredentials: "verify the panel API key is current and was copied in full",
	KindInsufficientScope:  "verify API key scope: inventory calls need an application key, live status needs a client key",
	KindNotFound:           "run a full sync; the server may have been removed or re-provisioned",
}

// Suggest returns one troubleshooting hint per distinct kind, in order.
func Suggest(kinds ...Kind) []string {
	seen := make(map[Kind]bool, len(kinds))
	var out []string
	for _, k := range kinds {
		if seen[k] {
			continue
		}
		seen[k] = true
		if s, ok := suggestions[k]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Describe builds the API body for err.
func Describe(err error) Problem {
	kind := KindOf(err)
	p := Problem{Error: kind, Message: err.Error()}

	var exhausted *ExhaustedError
	if errors.As(err, &exhausted) {
		p.Attempts = exhausted.Attempts
		p.Suggestions = Suggest(exhausted.Classes...)
		return p
	}
	p.Suggestions = Suggest(kind)
	return p
}

// HTTPStatus maps a kind to the status code used when surfacing it.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidCredentials, KindInsufficientScope:
		return http.StatusFailedDependency
	case KindTransport, KindUpstreamHTTP, KindEdgeInterference, KindBypassExhausted:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
