package serializer

import (
	"encoding/json"

	"github.com/corvoio/corvo/wamp"
)

// toWire flattens a message into its wire array form.
func toWire(msg wamp.Message) ([]any, error) {
	switch m := msg.(type) {
	case *wamp.Hello:
		details := wamp.Dict{"roles": clientRolesToWire(m.Roles)}
		if m.AuthID != "" {
			details["authid"] = m.AuthID
		}
		if len(m.AuthMethods) > 0 {
			details["authmethods"] = m.AuthMethods
		}
		if len(m.Extra) > 0 {
			details["authextra"] = m.Extra
		}
		return []any{int(wamp.MsgHello), m.Realm, details}, nil

	case *wamp.Welcome:
		details := wamp.Dict{
			"realm":    m.Realm,
			"authid":   m.AuthID,
			"authrole": m.AuthRole,
			"roles":    routerRolesToWire(m.Roles),
		}
		return []any{int(wamp.MsgWelcome), uint64(m.Session), details}, nil

	case *wamp.Abort:
		details := wamp.Dict{}
		if m.Message != "" {
			details["message"] = m.Message
		}
		return []any{int(wamp.MsgAbort), details, m.Reason}, nil

	case *wamp.Challenge:
		extra := m.Extra
		if extra == nil {
			extra = wamp.Dict{}
		}
		return []any{int(wamp.MsgChallenge), m.AuthMethod, extra}, nil

	case *wamp.Authenticate:
		extra := m.Extra
		if extra == nil {
			extra = wamp.Dict{}
		}
		return []any{int(wamp.MsgAuthenticate), m.Signature, extra}, nil

	case *wamp.Goodbye:
		details := wamp.Dict{}
		if m.Message != "" {
			details["message"] = m.Message
		}
		return []any{int(wamp.MsgGoodbye), details, m.Reason}, nil

	case *wamp.Error:
		details := m.Details
		if details == nil {
			details = wamp.Dict{}
		}
		out := []any{int(wamp.MsgError), int(m.Type), uint64(m.Request), details, m.Error}
		return appendPayload(out, m.Args, m.Kwargs), nil

	case *wamp.Publish:
		out := []any{int(wamp.MsgPublish), uint64(m.Request), publishOptionsToWire(&m.Options), m.Topic}
		return appendPayload(out, m.Args, m.Kwargs), nil

	case *wamp.Published:
		return []any{int(wamp.MsgPublished), uint64(m.Request), uint64(m.Publication)}, nil

	case *wamp.Subscribe:
		opts := wamp.Dict{}
		if p := m.Options.Match.Normalize(); p != wamp.MatchExact {
			opts["match"] = string(p)
		}
		if m.Options.GetRetained {
			opts["get_retained"] = true
		}
		if m.Options.History {
			opts["history"] = true
		}
		return []any{int(wamp.MsgSubscribe), uint64(m.Request), opts, m.Topic}, nil

	case *wamp.Subscribed:
		return []any{int(wamp.MsgSubscribed), uint64(m.Request), uint64(m.Subscription)}, nil

	case *wamp.Unsubscribe:
		return []any{int(wamp.MsgUnsubscribe), uint64(m.Request), uint64(m.Subscription)}, nil

	case *wamp.Unsubscribed:
		if m.Reason != "" {
			return []any{int(wamp.MsgUnsubscribed), uint64(m.Request), wamp.Dict{
				"subscription": uint64(m.Subscription),
				"reason":       m.Reason,
			}}, nil
		}
		return []any{int(wamp.MsgUnsubscribed), uint64(m.Request)}, nil

	case *wamp.Event:
		details := wamp.Dict{}
		if m.Details.Topic != "" {
			details["topic"] = m.Details.Topic
		}
		if m.Details.Publisher != 0 {
			details["publisher"] = uint64(m.Details.Publisher)
			details["publisher_authid"] = m.Details.PublisherAuthID
			details["publisher_authrole"] = m.Details.PublisherAuthRole
		}
		if m.Details.Retained {
			details["retained"] = true
		}
		out := []any{int(wamp.MsgEvent), uint64(m.Subscription), uint64(m.Publication), details}
		return appendPayload(out, m.Args, m.Kwargs), nil

	case *wamp.Call:
		opts := wamp.Dict{}
		if m.Options.TimeoutMillis > 0 {
			opts["timeout"] = m.Options.TimeoutMillis
		}
		if m.Options.ReceiveProgress {
			opts["receive_progress"] = true
		}
		if m.Options.DiscloseMe {
			opts["disclose_me"] = true
		}
		out := []any{int(wamp.MsgCall), uint64(m.Request), opts, m.Procedure}
		return appendPayload(out, m.Args, m.Kwargs), nil

	case *wamp.Cancel:
		opts := wamp.Dict{}
		if m.Mode != "" {
			opts["mode"] = string(m.Mode)
		}
		return []any{int(wamp.MsgCancel), uint64(m.Request), opts}, nil

	case *wamp.Result:
		details := wamp.Dict{}
		if m.Details.Progress {
			details["progress"] = true
		}
		out := []any{int(wamp.MsgResult), uint64(m.Request), details}
		return appendPayload(out, m.Args, m.Kwargs), nil

	case *wamp.Register:
		opts := wamp.Dict{}
		if p := m.Options.Match.Normalize(); p != wamp.MatchExact {
			opts["match"] = string(p)
		}
		if p := m.Options.Invoke.Normalize(); p != wamp.InvokeSingle {
			opts["invoke"] = string(p)
		}
		if m.Options.Concurrency > 0 {
			opts["concurrency"] = m.Options.Concurrency
		}
		if m.Options.ForceReregister {
			opts["force_reregister"] = true
		}
		return []any{int(wamp.MsgRegister), uint64(m.Request), opts, m.Procedure}, nil

	case *wamp.Registered:
		return []any{int(wamp.MsgRegistered), uint64(m.Request), uint64(m.Registration)}, nil

	case *wamp.Unregister:
		return []any{int(wamp.MsgUnregister), uint64(m.Request), uint64(m.Registration)}, nil

	case *wamp.Unregistered:
		if m.Reason != "" {
			return []any{int(wamp.MsgUnregistered), uint64(m.Request), wamp.Dict{
				"registration": uint64(m.Registration),
				"reason":       m.Reason,
			}}, nil
		}
		return []any{int(wamp.MsgUnregistered), uint64(m.Request)}, nil

	case *wamp.Invocation:
		details := wamp.Dict{}
		if m.Details.Procedure != "" {
			details["procedure"] = m.Details.Procedure
		}
		if m.Details.Caller != 0 {
			details["caller"] = uint64(m.Details.Caller)
			details["caller_authid"] = m.Details.CallerAuthID
			details["caller_authrole"] = m.Details.CallerAuthRole
		}
		if m.Details.ReceiveProgress {
			details["receive_progress"] = true
		}
		if m.Details.TimeoutMillis > 0 {
			details["timeout"] = m.Details.TimeoutMillis
		}
		out := []any{int(wamp.MsgInvocation), uint64(m.Request), uint64(m.Registration), details}
		return appendPayload(out, m.Args, m.Kwargs), nil

	case *wamp.Interrupt:
		opts := wamp.Dict{}
		if m.Mode != "" {
			opts["mode"] = string(m.Mode)
		}
		return []any{int(wamp.MsgInterrupt), uint64(m.Request), opts}, nil

	case *wamp.Yield:
		opts := wamp.Dict{}
		if m.Options.Progress {
			opts["progress"] = true
		}
		out := []any{int(wamp.MsgYield), uint64(m.Request), opts}
		return appendPayload(out, m.Args, m.Kwargs), nil
	}
	return nil, badMessage("unsupported message type %T", msg)
}

// appendPayload appends args/kwargs, keeping the array as short as the
// payload allows.
func appendPayload(out []any, args []any, kwargs wamp.Dict) []any {
	if len(kwargs) > 0 {
		if args == nil {
			args = []any{}
		}
		return append(out, args, kwargs)
	}
	if len(args) > 0 {
		return append(out, args)
	}
	return out
}

// fromWire reconstructs a message from its wire array form.
func fromWire(arr []any) (wamp.Message, error) {
	if len(arr) == 0 {
		return nil, badMessage("empty array")
	}
	code, err := asInt(arr[0])
	if err != nil {
		return nil, badMessage("message type: %v", err)
	}

	d := decoder{arr: arr}
	switch wamp.MessageType(code) {
	case wamp.MsgHello:
		m := &wamp.Hello{Realm: d.str(1)}
		details := d.dict(2)
		m.AuthID, _ = asString(details["authid"])
		m.AuthMethods = asStringList(details["authmethods"])
		if extra, ok := details["authextra"]; ok {
			m.Extra, _ = asDict(extra)
		}
		if roles, ok := details["roles"]; ok {
			rd, _ := asDict(roles)
			m.Roles = clientRolesFromWire(rd)
		}
		return m, d.err

	case wamp.MsgWelcome:
		m := &wamp.Welcome{Session: d.id(1)}
		details := d.dict(2)
		m.Realm, _ = asString(details["realm"])
		m.AuthID, _ = asString(details["authid"])
		m.AuthRole, _ = asString(details["authrole"])
		return m, d.err

	case wamp.MsgAbort:
		details := d.dict(1)
		m := &wamp.Abort{Reason: d.str(2)}
		m.Message, _ = asString(details["message"])
		return m, d.err

	case wamp.MsgChallenge:
		return &wamp.Challenge{AuthMethod: d.str(1), Extra: d.dict(2)}, d.err

	case wamp.MsgAuthenticate:
		return &wamp.Authenticate{Signature: d.str(1), Extra: d.dict(2)}, d.err

	case wamp.MsgGoodbye:
		details := d.dict(1)
		m := &wamp.Goodbye{Reason: d.str(2)}
		m.Message, _ = asString(details["message"])
		return m, d.err

	case wamp.MsgError:
		reqType := d.int(1)
		m := &wamp.Error{
			Type:    wamp.MessageType(reqType),
			Request: d.id(2),
			Details: d.dict(3),
			Error:   d.str(4),
		}
		m.Args, m.Kwargs = d.payload(5)
		return m, d.err

	case wamp.MsgPublish:
		m := &wamp.Publish{Request: d.id(1), Topic: d.str(3)}
		m.Options = publishOptionsFromWire(d.dict(2))
		m.Args, m.Kwargs = d.payload(4)
		return m, d.err

	case wamp.MsgPublished:
		return &wamp.Published{Request: d.id(1), Publication: d.id(2)}, d.err

	case wamp.MsgSubscribe:
		opts := d.dict(2)
		m := &wamp.Subscribe{Request: d.id(1), Topic: d.str(3)}
		match, _ := asString(opts["match"])
		m.Options.Match = wamp.MatchPolicy(match)
		m.Options.GetRetained = asBool(opts["get_retained"])
		m.Options.History = asBool(opts["history"])
		return m, d.err

	case wamp.MsgSubscribed:
		return &wamp.Subscribed{Request: d.id(1), Subscription: d.id(2)}, d.err

	case wamp.MsgUnsubscribe:
		return &wamp.Unsubscribe{Request: d.id(1), Subscription: d.id(2)}, d.err

	case wamp.MsgUnsubscribed:
		m := &wamp.Unsubscribed{Request: d.id(1)}
		if len(arr) > 2 {
			details := d.dict(2)
			sub, _ := asUint64(details["subscription"])
			m.Subscription = wamp.ID(sub)
			m.Reason, _ = asString(details["reason"])
		}
		return m, d.err

	case wamp.MsgEvent:
		m := &wamp.Event{Subscription: d.id(1), Publication: d.id(2)}
		details := d.dict(3)
		m.Details.Topic, _ = asString(details["topic"])
		pub, _ := asUint64(details["publisher"])
		m.Details.Publisher = wamp.ID(pub)
		m.Details.PublisherAuthID, _ = asString(details["publisher_authid"])
		m.Details.PublisherAuthRole, _ = asString(details["publisher_authrole"])
		m.Details.Retained = asBool(details["retained"])
		m.Args, m.Kwargs = d.payload(4)
		return m, d.err

	case wamp.MsgCall:
		m := &wamp.Call{Request: d.id(1), Procedure: d.str(3)}
		opts := d.dict(2)
		m.Options.TimeoutMillis, _ = asInt64(opts["timeout"])
		m.Options.ReceiveProgress = asBool(opts["receive_progress"])
		m.Options.DiscloseMe = asBool(opts["disclose_me"])
		m.Args, m.Kwargs = d.payload(4)
		return m, d.err

	case wamp.MsgCancel:
		opts := d.dict(2)
		mode, _ := asString(opts["mode"])
		return &wamp.Cancel{Request: d.id(1), Mode: wamp.CancelMode(mode)}, d.err

	case wamp.MsgResult:
		m := &wamp.Result{Request: d.id(1)}
		m.Details.Progress = asBool(d.dict(2)["progress"])
		m.Args, m.Kwargs = d.payload(3)
		return m, d.err

	case wamp.MsgRegister:
		m := &wamp.Register{Request: d.id(1), Procedure: d.str(3)}
		opts := d.dict(2)
		match, _ := asString(opts["match"])
		m.Options.Match = wamp.MatchPolicy(match)
		invoke, _ := asString(opts["invoke"])
		m.Options.Invoke = wamp.InvokePolicy(invoke)
		conc, _ := asInt64(opts["concurrency"])
		m.Options.Concurrency = int(conc)
		m.Options.ForceReregister = asBool(opts["force_reregister"])
		return m, d.err

	case wamp.MsgRegistered:
		return &wamp.Registered{Request: d.id(1), Registration: d.id(2)}, d.err

	case wamp.MsgUnregister:
		return &wamp.Unregister{Request: d.id(1), Registration: d.id(2)}, d.err

	case wamp.MsgUnregistered:
		m := &wamp.Unregistered{Request: d.id(1)}
		if len(arr) > 2 {
			details := d.dict(2)
			reg, _ := asUint64(details["registration"])
			m.Registration = wamp.ID(reg)
			m.Reason, _ = asString(details["reason"])
		}
		return m, d.err

	case wamp.MsgInvocation:
		m := &wamp.Invocation{Request: d.id(1), Registration: d.id(2)}
		details := d.dict(3)
		m.Details.Procedure, _ = asString(details["procedure"])
		caller, _ := asUint64(details["caller"])
		m.Details.Caller = wamp.ID(caller)
		m.Details.CallerAuthID, _ = asString(details["caller_authid"])
		m.Details.CallerAuthRole, _ = asString(details["caller_authrole"])
		m.Details.ReceiveProgress = asBool(details["receive_progress"])
		m.Details.TimeoutMillis, _ = asInt64(details["timeout"])
		m.Args, m.Kwargs = d.payload(4)
		return m, d.err

	case wamp.MsgInterrupt:
		opts := d.dict(2)
		mode, _ := asString(opts["mode"])
		return &wamp.Interrupt{Request: d.id(1), Mode: wamp.CancelMode(mode)}, d.err

	case wamp.MsgYield:
		m := &wamp.Yield{Request: d.id(1)}
		m.Options.Progress = asBool(d.dict(2)["progress"])
		m.Args, m.Kwargs = d.payload(3)
		return m, d.err
	}
	return nil, badMessage("unknown message type %d", code)
}

// decoder reads positional fields from a wire array, recording the first
// failure instead of forcing error checks at every position.
type decoder struct {
	arr []any
	err error
}

func (d *decoder) fail(i int, what string, v any) {
	if d.err == nil {
		d.err = badMessage("position %d: expected %s, got %T", i, what, v)
	}
}

func (d *decoder) at(i int) any {
	if i >= len(d.arr) {
		if d.err == nil {
			d.err = badMessage("array too short: no element %d", i)
		}
		return nil
	}
	return d.arr[i]
}

func (d *decoder) id(i int) wamp.ID {
	v := d.at(i)
	n, err := asUint64(v)
	if err != nil {
		d.fail(i, "id", v)
		return 0
	}
	return wamp.ID(n)
}

func (d *decoder) int(i int) int {
	v := d.at(i)
	n, err := asInt(v)
	if err != nil {
		d.fail(i, "integer", v)
		return 0
	}
	return n
}

func (d *decoder) str(i int) string {
	v := d.at(i)
	s, err := asString(v)
	if err != nil {
		d.fail(i, "string", v)
		return ""
	}
	return s
}

func (d *decoder) dict(i int) wamp.Dict {
	v := d.at(i)
	if v == nil {
		return wamp.Dict{}
	}
	m, err := asDict(v)
	if err != nil {
		d.fail(i, "dict", v)
		return wamp.Dict{}
	}
	return m
}

// payload reads the optional trailing args list and kwargs dict.
func (d *decoder) payload(i int) ([]any, wamp.Dict) {
	var args []any
	var kwargs wamp.Dict
	if i < len(d.arr) {
		list, err := asList(d.arr[i])
		if err != nil {
			d.fail(i, "args list", d.arr[i])
			return nil, nil
		}
		args = list
	}
	if i+1 < len(d.arr) {
		m, err := asDict(d.arr[i+1])
		if err != nil {
			d.fail(i+1, "kwargs dict", d.arr[i+1])
			return args, nil
		}
		kwargs = m
	}
	return args, kwargs
}

func publishOptionsToWire(o *wamp.PublishOptions) wamp.Dict {
	opts := wamp.Dict{}
	if o.Acknowledge {
		opts["acknowledge"] = true
	}
	if o.ExcludeMe != nil {
		opts["exclude_me"] = *o.ExcludeMe
	}
	if o.DiscloseMe {
		opts["disclose_me"] = true
	}
	if o.Retain {
		opts["retain"] = true
	}
	putIDs := func(key string, ids []wamp.ID) {
		if len(ids) == 0 {
			return
		}
		out := make([]any, len(ids))
		for i, id := range ids {
			out[i] = uint64(id)
		}
		opts[key] = out
	}
	putIDs("eligible", o.Eligible)
	putIDs("exclude", o.Exclude)
	if len(o.EligibleAuthID) > 0 {
		opts["eligible_authid"] = o.EligibleAuthID
	}
	if len(o.EligibleAuthRole) > 0 {
		opts["eligible_authrole"] = o.EligibleAuthRole
	}
	if len(o.ExcludeAuthID) > 0 {
		opts["exclude_authid"] = o.ExcludeAuthID
	}
	if len(o.ExcludeAuthRole) > 0 {
		opts["exclude_authrole"] = o.ExcludeAuthRole
	}
	return opts
}

func publishOptionsFromWire(opts wamp.Dict) wamp.PublishOptions {
	var o wamp.PublishOptions
	o.Acknowledge = asBool(opts["acknowledge"])
	if v, ok := opts["exclude_me"]; ok {
		b := asBool(v)
		o.ExcludeMe = &b
	}
	o.DiscloseMe = asBool(opts["disclose_me"])
	o.Retain = asBool(opts["retain"])
	o.Eligible = asIDList(opts["eligible"])
	o.Exclude = asIDList(opts["exclude"])
	o.EligibleAuthID = asStringList(opts["eligible_authid"])
	o.EligibleAuthRole = asStringList(opts["eligible_authrole"])
	o.ExcludeAuthID = asStringList(opts["exclude_authid"])
	o.ExcludeAuthRole = asStringList(opts["exclude_authrole"])
	return o
}

// Conversion helpers tolerant of the numeric types the JSON and CBOR
// decoders produce.

func asUint64(v any) (uint64, error) {
	switch n := v.(type) {
	case uint64:
		return n, nil
	case int64:
		if n < 0 {
			return 0, badMessage("negative integer %d", n)
		}
		return uint64(n), nil
	case int:
		if n < 0 {
			return 0, badMessage("negative integer %d", n)
		}
		return uint64(n), nil
	case float64:
		if n < 0 {
			return 0, badMessage("negative number %v", n)
		}
		return uint64(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil || i < 0 {
			return 0, badMessage("bad number %q", string(n))
		}
		return uint64(i), nil
	}
	return 0, badMessage("not an integer: %T", v)
}

func asInt64(v any) (int64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case json.Number:
		return n.Int64()
	}
	return 0, badMessage("not an integer: %T", v)
}

func asInt(v any) (int, error) {
	n, err := asInt64(v)
	return int(n), err
}

func asString(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", badMessage("not a string: %T", v)
	}
	return s, nil
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asDict(v any) (wamp.Dict, error) {
	switch m := v.(type) {
	case wamp.Dict:
		return m, nil
	case map[string]any:
		return wamp.Dict(m), nil
	case map[any]any:
		// CBOR maps decode with any keys.
		out := make(wamp.Dict, len(m))
		for k, val := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, badMessage("non-string dict key %T", k)
			}
			out[ks] = val
		}
		return out, nil
	}
	return nil, badMessage("not a dict: %T", v)
}

func asList(v any) ([]any, error) {
	if v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, badMessage("not a list: %T", v)
	}
	return list, nil
}

func asStringList(v any) []string {
	list, err := asList(v)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func asIDList(v any) []wamp.ID {
	list, err := asList(v)
	if err != nil {
		return nil
	}
	out := make([]wamp.ID, 0, len(list))
	for _, item := range list {
		if n, err := asUint64(item); err == nil {
			out = append(out, wamp.ID(n))
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
