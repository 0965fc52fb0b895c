// Package rule holds the interception data model and the rule matcher.
//
// A Rule pairs a list of matchers (pure predicates over an intercepted
// Request) with a Handler. Handlers are a tagged union of three variants:
//
//   - HandlerStatic: reply with a fixed Response
//   - HandlerCallback: call caller code to produce a Response
//   - HandlerPassThrough: relay the request to its real destination
//
// Rules are registered into a Set. Selection walks the set from the most
// recently registered rule to the oldest and returns the first rule whose
// matchers all accept the request, so a later registration overrides an
// earlier, overlapping one:
//
//	rules := rule.NewSet()
//	rules.Add(rule.ForGet("http://example.com/").ThenPassThrough())
//	rules.Add(rule.ForGet("http://example.com/").ThenReply(200, "mocked"))
//	// GET http://example.com/ now gets "mocked".
//
// Selection performs no I/O. Matchers that inspect the body only see a body
// that the caller has already buffered (see Body.Buffer and Set.NeedsBody).
package rule
