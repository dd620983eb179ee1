package wamp

import "strings"

// Meta-event topics published by the router about its own state changes.
const (
	MetaSubOnCreate      = "wamp.subscription.on_create"
	MetaSubOnSubscribe   = "wamp.subscription.on_subscribe"
	MetaSubOnUnsubscribe = "wamp.subscription.on_unsubscribe"
	MetaSubOnDelete      = "wamp.subscription.on_delete"

	MetaRegOnCreate     = "wamp.registration.on_create"
	MetaRegOnRegister   = "wamp.registration.on_register"
	MetaRegOnUnregister = "wamp.registration.on_unregister"
	MetaRegOnDelete     = "wamp.registration.on_delete"
)

// MetaProcEventHistory is the meta-procedure retrieving retained event
// history for a subscription.
const MetaProcEventHistory = "wamp.subscription.get_events"

// TrustedRole is the built-in authrole that bypasses authorization and
// may use the reserved URI namespaces.
const TrustedRole = "trusted"

// IsReservedURI reports whether uri lies in a namespace reserved for the
// router itself ("wamp." or "corvo.").
func IsReservedURI(uri string) bool {
	return strings.HasPrefix(uri, "wamp.") || strings.HasPrefix(uri, "corvo.")
}
