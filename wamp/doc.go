// Package wamp defines the WAMP protocol vocabulary used by the corvo
// router: message types, URI grammar and pattern matching, identifier
// generation, role feature flags, and the standard error URIs.
//
// The package is transport- and serialization-agnostic. Wire encodings
// live in package serializer; routing semantics live in package router.
package wamp
