package serializer

import "github.com/corvoio/corvo/wamp"

func features(pairs ...any) wamp.Dict {
	f := wamp.Dict{}
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1].(bool) {
			f[pairs[i].(string)] = true
		}
	}
	return wamp.Dict{"features": f}
}

func clientRolesToWire(r wamp.ClientRoles) wamp.Dict {
	roles := wamp.Dict{}
	if p := r.Publisher; p != nil {
		roles["publisher"] = features(
			"publisher_exclusion", p.PublisherExclusion,
			"publisher_identification", p.PublisherIdentification,
			"subscriber_blackwhite_listing", p.SubscriberBlackWhiteListing,
		)
	}
	if s := r.Subscriber; s != nil {
		roles["subscriber"] = features(
			"pattern_based_subscription", s.PatternBasedSubscription,
			"publisher_identification", s.PublisherIdentification,
			"subscription_revocation", s.SubscriptionRevocation,
			"retained_events", s.RetainedEvents,
		)
	}
	if c := r.Caller; c != nil {
		roles["caller"] = features(
			"call_canceling", c.CallCanceling,
			"call_timeout", c.CallTimeout,
			"caller_identification", c.CallerIdentification,
			"progressive_call_results", c.ProgressiveCallResults,
		)
	}
	if c := r.Callee; c != nil {
		roles["callee"] = features(
			"call_canceling", c.CallCanceling,
			"caller_identification", c.CallerIdentification,
			"pattern_based_registration", c.PatternBasedRegistration,
			"progressive_call_results", c.ProgressiveCallResults,
			"registration_revocation", c.RegistrationRevocation,
			"shared_registration", c.SharedRegistration,
		)
	}
	return roles
}

func roleFeatures(roles wamp.Dict, role string) wamp.Dict {
	rd, err := asDict(roles[role])
	if err != nil {
		return nil
	}
	f, err := asDict(rd["features"])
	if err != nil {
		// A role announced without features still counts as present.
		return wamp.Dict{}
	}
	return f
}

func clientRolesFromWire(roles wamp.Dict) wamp.ClientRoles {
	var out wamp.ClientRoles
	if f := roleFeatures(roles, "publisher"); f != nil {
		out.Publisher = &wamp.PublisherFeatures{
			PublisherExclusion:          asBool(f["publisher_exclusion"]),
			PublisherIdentification:     asBool(f["publisher_identification"]),
			SubscriberBlackWhiteListing: asBool(f["subscriber_blackwhite_listing"]),
		}
	}
	if f := roleFeatures(roles, "subscriber"); f != nil {
		out.Subscriber = &wamp.SubscriberFeatures{
			PatternBasedSubscription: asBool(f["pattern_based_subscription"]),
			PublisherIdentification:  asBool(f["publisher_identification"]),
			SubscriptionRevocation:   asBool(f["subscription_revocation"]),
			RetainedEvents:           asBool(f["retained_events"]),
		}
	}
	if f := roleFeatures(roles, "caller"); f != nil {
		out.Caller = &wamp.CallerFeatures{
			CallCanceling:          asBool(f["call_canceling"]),
			CallTimeout:            asBool(f["call_timeout"]),
			CallerIdentification:   asBool(f["caller_identification"]),
			ProgressiveCallResults: asBool(f["progressive_call_results"]),
		}
	}
	if f := roleFeatures(roles, "callee"); f != nil {
		out.Callee = &wamp.CalleeFeatures{
			CallCanceling:            asBool(f["call_canceling"]),
			CallerIdentification:     asBool(f["caller_identification"]),
			PatternBasedRegistration: asBool(f["pattern_based_registration"]),
			ProgressiveCallResults:   asBool(f["progressive_call_results"]),
			RegistrationRevocation:   asBool(f["registration_revocation"]),
			SharedRegistration:       asBool(f["shared_registration"]),
		}
	}
	return out
}

func routerRolesToWire(r wamp.RouterRoles) wamp.Dict {
	return wamp.Dict{
		"broker": features(
			"pattern_based_subscription", r.Broker.PatternBasedSubscription,
			"publisher_exclusion", r.Broker.PublisherExclusion,
			"publisher_identification", r.Broker.PublisherIdentification,
			"subscriber_blackwhite_listing", r.Broker.SubscriberBlackWhiteListing,
			"subscription_meta_api", r.Broker.SubscriptionMetaAPI,
			"subscription_revocation", r.Broker.SubscriptionRevocation,
			"retained_events", r.Broker.RetainedEvents,
			"event_history", r.Broker.EventHistory,
		),
		"dealer": features(
			"call_canceling", r.Dealer.CallCanceling,
			"call_timeout", r.Dealer.CallTimeout,
			"caller_identification", r.Dealer.CallerIdentification,
			"pattern_based_registration", r.Dealer.PatternBasedRegistration,
			"progressive_call_results", r.Dealer.ProgressiveCallResults,
			"registration_meta_api", r.Dealer.RegistrationMetaAPI,
			"registration_revocation", r.Dealer.RegistrationRevocation,
			"shared_registration", r.Dealer.SharedRegistration,
		),
	}
}
