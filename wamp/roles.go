package wamp

// ClientRoles describes the capabilities a client announces in HELLO.
// A nil feature struct means the role is not announced at all.
type ClientRoles struct {
	Publisher  *PublisherFeatures
	Subscriber *SubscriberFeatures
	Caller     *CallerFeatures
	Callee     *CalleeFeatures
}

// PublisherFeatures are the advanced-profile publisher features the
// router understands.
type PublisherFeatures struct {
	PublisherExclusion          bool
	PublisherIdentification     bool
	SubscriberBlackWhiteListing bool
}

// SubscriberFeatures are the advanced-profile subscriber features the
// router understands.
type SubscriberFeatures struct {
	PatternBasedSubscription bool
	PublisherIdentification  bool
	SubscriptionRevocation   bool
	RetainedEvents           bool
}

// CallerFeatures are the advanced-profile caller features the router
// understands.
type CallerFeatures struct {
	CallCanceling          bool
	CallTimeout            bool
	CallerIdentification   bool
	ProgressiveCallResults bool
}

// CalleeFeatures are the advanced-profile callee features the router
// understands.
type CalleeFeatures struct {
	CallCanceling            bool
	CallerIdentification     bool
	PatternBasedRegistration bool
	ProgressiveCallResults   bool
	RegistrationRevocation   bool
	SharedRegistration       bool
}

// RouterRoles describes the capabilities the router announces in WELCOME.
type RouterRoles struct {
	Broker BrokerFeatures
	Dealer DealerFeatures
}

// BrokerFeatures advertised by this router.
type BrokerFeatures struct {
	PatternBasedSubscription    bool
	PublisherExclusion          bool
	PublisherIdentification     bool
	SubscriberBlackWhiteListing bool
	SubscriptionMetaAPI         bool
	SubscriptionRevocation      bool
	RetainedEvents              bool
	EventHistory                bool
}

// DealerFeatures advertised by this router.
type DealerFeatures struct {
	CallCanceling            bool
	CallTimeout              bool
	CallerIdentification     bool
	PatternBasedRegistration bool
	ProgressiveCallResults   bool
	RegistrationMetaAPI      bool
	RegistrationRevocation   bool
	SharedRegistration       bool
}

// DefaultRouterRoles is what corvo advertises to joining sessions.
func DefaultRouterRoles() RouterRoles {
	return RouterRoles{
		Broker: BrokerFeatures{
			PatternBasedSubscription:    true,
			PublisherExclusion:          true,
			PublisherIdentification:     true,
			SubscriberBlackWhiteListing: true,
			SubscriptionMetaAPI:         true,
			SubscriptionRevocation:      true,
			RetainedEvents:              true,
			EventHistory:                true,
		},
		Dealer: DealerFeatures{
			CallCanceling:            true,
			CallTimeout:              true,
			CallerIdentification:     true,
			PatternBasedRegistration: true,
			ProgressiveCallResults:   true,
			RegistrationMetaAPI:      true,
			RegistrationRevocation:   true,
			SharedRegistration:       true,
		},
	}
}
