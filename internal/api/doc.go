// Package api is the REST surface of the engine. Handlers only translate:
// they bind JSON, call one engine method and map its error to a status.
//
// Action requests answer 202 Accepted with the queued action and a Location
// header pointing at /v1/actions/<id>. Errors carry a stable code:
//
//	resource_locked, action_conflict  409, with Retry-After
//	rate_limited                      429, with Retry-After
//	policy_rejected                   422, with the FAILED action and policy_id
//	not_found                         404
//	invalid_request                   400
//	invalid_transition, already_exists 409
//	driver_failure                    502
//	graph_inconsistency, internal     500
//
// Everything under /v1 requires a bearer token when one is configured.
// Receiver webhooks at /webhooks/<token>/trigger are authorized by the token
// in the path.
package api
