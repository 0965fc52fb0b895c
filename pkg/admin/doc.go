// Package admin serves the mockproxy inspection API.
//
// Routes:
//
//	GET    /health             liveness and uptime
//	GET    /status             listener, rule and request counts
//	GET    /rules              registered rules, most recent last
//	POST   /rules              add a static or passthrough rule
//	DELETE /rules              remove every rule
//	DELETE /rules/{id}         remove one rule
//	GET    /requests           request log, newest first (?limit=&offset=&method=&host=&path=&rule=)
//	GET    /requests/{id}      one request log entry
//	DELETE /requests           clear the request log
//	GET    /requests/stream    new log entries as server-sent events
//	GET    /events             proxy events as server-sent events
//	GET    /env                HTTP_PROXY style variables for the running proxy
//	GET    /ca.pem             the interception root certificate
//	GET    /metrics            Prometheus metrics
package admin
