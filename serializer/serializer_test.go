package serializer

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/corvoio/corvo/wamp"
)

func roundTrip(t *testing.T, s Serializer, msg wamp.Message) wamp.Message {
	t.Helper()
	data, err := s.Serialize(msg)
	if err != nil {
		t.Fatalf("serialize %s: %v", msg.MessageType(), err)
	}
	out, err := s.Deserialize(data)
	if err != nil {
		t.Fatalf("deserialize %s: %v", msg.MessageType(), err)
	}
	return out
}

func TestHelloRoundTrip(t *testing.T) {
	in := &wamp.Hello{
		Realm:       "realm1",
		AuthID:      "alice",
		AuthMethods: []string{"ticket", "anonymous"},
		Roles: wamp.ClientRoles{
			Publisher:  &wamp.PublisherFeatures{PublisherExclusion: true},
			Subscriber: &wamp.SubscriberFeatures{PatternBasedSubscription: true},
		},
	}
	out, ok := roundTrip(t, &JSON{}, in).(*wamp.Hello)
	if !ok {
		t.Fatal("message type changed across the wire")
	}
	if out.Realm != in.Realm || out.AuthID != in.AuthID {
		t.Fatalf("hello = %#v", out)
	}
	if !reflect.DeepEqual(out.AuthMethods, in.AuthMethods) {
		t.Fatalf("authmethods = %v", out.AuthMethods)
	}
	if out.Roles.Publisher == nil || !out.Roles.Publisher.PublisherExclusion {
		t.Fatalf("publisher role lost: %#v", out.Roles.Publisher)
	}
	if out.Roles.Subscriber == nil || !out.Roles.Subscriber.PatternBasedSubscription {
		t.Fatalf("subscriber role lost: %#v", out.Roles.Subscriber)
	}
	if out.Roles.Callee != nil {
		t.Fatal("absent role materialized")
	}
}

func TestPublishOptionsRoundTrip(t *testing.T) {
	excludeMe := false
	in := &wamp.Publish{
		Request: 42,
		Options: wamp.PublishOptions{
			Acknowledge:     true,
			ExcludeMe:       &excludeMe,
			DiscloseMe:      true,
			Retain:          true,
			Eligible:        []wamp.ID{7, 8},
			ExcludeAuthRole: []string{"guest"},
		},
		Topic:  "com.example.topic",
		Args:   []any{"hi"},
		Kwargs: wamp.Dict{"k": "v"},
	}
	for _, s := range []Serializer{&JSON{}, &CBOR{}} {
		out := roundTrip(t, s, in).(*wamp.Publish)
		if out.Request != 42 || out.Topic != in.Topic {
			t.Fatalf("publish = %#v", out)
		}
		o := out.Options
		if !o.Acknowledge || !o.DiscloseMe || !o.Retain {
			t.Fatalf("options = %#v", o)
		}
		if o.ExcludeMe == nil || *o.ExcludeMe {
			t.Fatal("explicit exclude_me=false lost")
		}
		if !reflect.DeepEqual(o.Eligible, []wamp.ID{7, 8}) {
			t.Fatalf("eligible = %v", o.Eligible)
		}
		if !reflect.DeepEqual(o.ExcludeAuthRole, []string{"guest"}) {
			t.Fatalf("exclude_authrole = %v", o.ExcludeAuthRole)
		}
		if o.ExcludeMe == in.Options.ExcludeMe {
			t.Fatal("decoded options alias the input")
		}
	}
}

func TestExcludeMeAbsentStaysNil(t *testing.T) {
	out := roundTrip(t, &JSON{}, &wamp.Publish{Request: 1, Topic: "com.example.topic"}).(*wamp.Publish)
	if out.Options.ExcludeMe != nil {
		t.Fatal("absent exclude_me decoded as explicit value")
	}
	if !out.Options.ExcludePublisher() {
		t.Fatal("exclude_me must default to true")
	}
}

func TestEventDetailsRoundTrip(t *testing.T) {
	in := &wamp.Event{
		Subscription: 5,
		Publication:  6,
		Details: wamp.EventDetails{
			Topic:             "com.example.topic.leaf",
			Publisher:         9,
			PublisherAuthID:   "alice",
			PublisherAuthRole: "user",
			Retained:          true,
		},
		Args: []any{"payload"},
	}
	out := roundTrip(t, &CBOR{}, in).(*wamp.Event)
	if !reflect.DeepEqual(out.Details, in.Details) {
		t.Fatalf("details = %#v", out.Details)
	}
	if len(out.Args) != 1 || out.Args[0] != "payload" {
		t.Fatalf("args = %v", out.Args)
	}
}

func TestErrorCarriesOriginalRequestType(t *testing.T) {
	in := &wamp.Error{
		Type:    wamp.MsgCall,
		Request: 3,
		Details: wamp.Dict{},
		Error:   wamp.ErrNoSuchProcedure,
		Args:    []any{"detail"},
	}
	out := roundTrip(t, &JSON{}, in).(*wamp.Error)
	if out.Type != wamp.MsgCall || out.Request != 3 || out.Error != wamp.ErrNoSuchProcedure {
		t.Fatalf("error = %#v", out)
	}
}

func TestLargeSessionIDsSurviveJSON(t *testing.T) {
	// 2^53, the top of the WAMP ID range, exceeds exact float64 integers
	// reached by naive decoding of smaller types.
	const max = wamp.ID(1) << 53
	out := roundTrip(t, &JSON{}, &wamp.Published{Request: max, Publication: max - 1}).(*wamp.Published)
	if out.Request != max || out.Publication != max-1 {
		t.Fatalf("ids = %d, %d", out.Request, out.Publication)
	}
}

func TestRevocationWireForms(t *testing.T) {
	for _, s := range []Serializer{&JSON{}, &CBOR{}} {
		out := roundTrip(t, s, &wamp.Unsubscribed{Subscription: 12, Reason: wamp.ErrCloseRealm}).(*wamp.Unsubscribed)
		if out.Request != 0 || out.Subscription != 12 || out.Reason != wamp.ErrCloseRealm {
			t.Fatalf("unsubscribed revocation = %#v", out)
		}

		reg := roundTrip(t, s, &wamp.Unregistered{Registration: 13, Reason: wamp.ErrUnregistered}).(*wamp.Unregistered)
		if reg.Request != 0 || reg.Registration != 13 || reg.Reason != wamp.ErrUnregistered {
			t.Fatalf("unregistered revocation = %#v", reg)
		}
	}

	// The plain acknowledgement form has no details dict.
	out := roundTrip(t, &JSON{}, &wamp.Unsubscribed{Request: 4}).(*wamp.Unsubscribed)
	if out.Request != 4 || out.Subscription != 0 || out.Reason != "" {
		t.Fatalf("unsubscribed ack = %#v", out)
	}
}

func TestCallRoundTripKeepsTimeoutAndProgress(t *testing.T) {
	in := &wamp.Call{
		Request:   9,
		Options:   wamp.CallOptions{TimeoutMillis: 1500, ReceiveProgress: true, DiscloseMe: true},
		Procedure: "com.example.proc",
	}
	out := roundTrip(t, &CBOR{}, in).(*wamp.Call)
	if out.Options != in.Options || out.Procedure != in.Procedure {
		t.Fatalf("call = %#v", out)
	}
}

func TestRegisterRoundTripKeepsSharedRegistrationOptions(t *testing.T) {
	in := &wamp.Register{
		Request: 2,
		Options: wamp.RegisterOptions{
			Match:           wamp.MatchWildcard,
			Invoke:          wamp.InvokeRoundRobin,
			Concurrency:     3,
			ForceReregister: true,
		},
		Procedure: "com.example..echo",
	}
	out := roundTrip(t, &JSON{}, in).(*wamp.Register)
	if out.Options != in.Options {
		t.Fatalf("options = %#v", out.Options)
	}
}

func TestDeserializeRejectsMalformedFrames(t *testing.T) {
	s := &JSON{}
	cases := []string{
		`{"not": "an array"}`,
		`[]`,
		`[999, 1, {}]`,          // unknown message type
		`[48, 1]`,               // CALL missing options and procedure
		`[16, "x", {}, "t"]`,    // request id not numeric
		`[32, 1, {}, 42]`,       // topic not a string
	}
	for _, raw := range cases {
		if _, err := s.Deserialize([]byte(raw)); !errors.Is(err, ErrBadMessage) {
			t.Fatalf("deserialize %s: err = %v", raw, err)
		}
	}
}

func TestJSONNumberDictValuesDecode(t *testing.T) {
	// Dict round trips leave json.Number values in free-form kwargs; the
	// typed option fields must still decode to native ints.
	raw, _ := json.Marshal([]any{48, 7, map[string]any{"timeout": 2000}, "com.example.proc"})
	msg, err := (&JSON{}).Deserialize(raw)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	call := msg.(*wamp.Call)
	if call.Options.TimeoutMillis != 2000 {
		t.Fatalf("timeout = %d", call.Options.TimeoutMillis)
	}
}

func TestCBORMapKeysNormalizeToStrings(t *testing.T) {
	// A peer may encode dicts with text keys in a generic map; the
	// decoder must produce string-keyed dicts either way.
	out := roundTrip(t, &CBOR{}, &wamp.Call{
		Request:   1,
		Procedure: "com.example.proc",
		Kwargs:    wamp.Dict{"nested": map[string]any{"a": "b"}},
	}).(*wamp.Call)
	nested, ok := out.Kwargs["nested"].(map[string]any)
	if !ok {
		t.Fatalf("nested kwarg decoded as %T", out.Kwargs["nested"])
	}
	if nested["a"] != "b" {
		t.Fatalf("nested = %#v", nested)
	}
}
