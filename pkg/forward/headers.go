package forward

import (
	"net/http"
	"strings"

	"golang.org/x/net/http/httpguts"
)

var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// RemoveHopByHopHeaders removes headers that must not cross the proxy: the
// fixed hop-by-hop set plus every header named in Connection. With
// keepUpgrade set, "Connection: Upgrade" and the Upgrade header survive so a
// protocol switch can be negotiated end to end.
func RemoveHopByHopHeaders(h http.Header, keepUpgrade bool) {
	upgrade := h.Values("Upgrade")

	for _, v := range h.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			token = strings.TrimSpace(token)
			if httpguts.ValidHeaderFieldName(token) {
				h.Del(token)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}

	if keepUpgrade && len(upgrade) > 0 {
		h.Set("Connection", "Upgrade")
		h["Upgrade"] = upgrade
	}
}

func isUpgrade(h http.Header) bool {
	return httpguts.HeaderValuesContainsToken(h.Values("Connection"), "upgrade") && h.Get("Upgrade") != ""
}
