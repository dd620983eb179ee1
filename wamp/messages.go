package wamp

// MessageType is the numeric WAMP message type code.
type MessageType int

const (
	MsgHello        MessageType = 1
	MsgWelcome      MessageType = 2
	MsgAbort        MessageType = 3
	MsgChallenge    MessageType = 4
	MsgAuthenticate MessageType = 5
	MsgGoodbye      MessageType = 6
	MsgError        MessageType = 8
	MsgPublish      MessageType = 16
	MsgPublished    MessageType = 17
	MsgSubscribe    MessageType = 32
	MsgSubscribed   MessageType = 33
	MsgUnsubscribe  MessageType = 34
	MsgUnsubscribed MessageType = 35
	MsgEvent        MessageType = 36
	MsgCall         MessageType = 48
	MsgCancel       MessageType = 49
	MsgResult       MessageType = 50
	MsgRegister     MessageType = 64
	MsgRegistered   MessageType = 65
	MsgUnregister   MessageType = 66
	MsgUnregistered MessageType = 67
	MsgInvocation   MessageType = 68
	MsgInterrupt    MessageType = 69
	MsgYield        MessageType = 70
)

func (t MessageType) String() string {
	switch t {
	case MsgHello:
		return "HELLO"
	case MsgWelcome:
		return "WELCOME"
	case MsgAbort:
		return "ABORT"
	case MsgChallenge:
		return "CHALLENGE"
	case MsgAuthenticate:
		return "AUTHENTICATE"
	case MsgGoodbye:
		return "GOODBYE"
	case MsgError:
		return "ERROR"
	case MsgPublish:
		return "PUBLISH"
	case MsgPublished:
		return "PUBLISHED"
	case MsgSubscribe:
		return "SUBSCRIBE"
	case MsgSubscribed:
		return "SUBSCRIBED"
	case MsgUnsubscribe:
		return "UNSUBSCRIBE"
	case MsgUnsubscribed:
		return "UNSUBSCRIBED"
	case MsgEvent:
		return "EVENT"
	case MsgCall:
		return "CALL"
	case MsgCancel:
		return "CANCEL"
	case MsgResult:
		return "RESULT"
	case MsgRegister:
		return "REGISTER"
	case MsgRegistered:
		return "REGISTERED"
	case MsgUnregister:
		return "UNREGISTER"
	case MsgUnregistered:
		return "UNREGISTERED"
	case MsgInvocation:
		return "INVOCATION"
	case MsgInterrupt:
		return "INTERRUPT"
	case MsgYield:
		return "YIELD"
	}
	return "UNKNOWN"
}

// Message is implemented by every WAMP protocol message.
type Message interface {
	MessageType() MessageType
}

// Dict carries the free-form parts of options/details maps that the
// router does not interpret itself.
type Dict map[string]any

// InvokePolicy selects how a shared registration distributes calls.
type InvokePolicy string

const (
	InvokeSingle     InvokePolicy = "single"
	InvokeFirst      InvokePolicy = "first"
	InvokeLast       InvokePolicy = "last"
	InvokeRoundRobin InvokePolicy = "roundrobin"
	InvokeRandom     InvokePolicy = "random"
)

// Normalize maps the empty policy (absent "invoke" option) to InvokeSingle.
func (p InvokePolicy) Normalize() InvokePolicy {
	if p == "" {
		return InvokeSingle
	}
	return p
}

// Valid reports whether p names a defined invocation policy.
func (p InvokePolicy) Valid() bool {
	switch p {
	case InvokeSingle, InvokeFirst, InvokeLast, InvokeRoundRobin, InvokeRandom:
		return true
	}
	return false
}

// CancelMode selects how an in-flight call is canceled.
type CancelMode string

const (
	CancelSkip       CancelMode = "skip"
	CancelKill       CancelMode = "kill"
	CancelKillNoWait CancelMode = "killnowait"
)

// Normalize maps the empty mode (absent "mode" option) to CancelKillNoWait.
func (m CancelMode) Normalize() CancelMode {
	if m == "" {
		return CancelKillNoWait
	}
	return m
}

// Hello opens a session on a realm.
type Hello struct {
	Realm       string
	AuthID      string
	AuthMethods []string
	Roles       ClientRoles
	Extra       Dict
}

func (*Hello) MessageType() MessageType { return MsgHello }

// Challenge asks the joining peer to prove its identity.
type Challenge struct {
	AuthMethod string
	Extra      Dict
}

func (*Challenge) MessageType() MessageType { return MsgChallenge }

// Authenticate answers a Challenge.
type Authenticate struct {
	Signature string
	Extra     Dict
}

func (*Authenticate) MessageType() MessageType { return MsgAuthenticate }

// Welcome confirms a session was attached to a realm.
type Welcome struct {
	Session  ID
	Realm    string
	AuthID   string
	AuthRole string
	Roles    RouterRoles
}

func (*Welcome) MessageType() MessageType { return MsgWelcome }

// Abort rejects session establishment.
type Abort struct {
	Reason  string
	Message string
}

func (*Abort) MessageType() MessageType { return MsgAbort }

// Goodbye closes a session.
type Goodbye struct {
	Reason  string
	Message string
}

func (*Goodbye) MessageType() MessageType { return MsgGoodbye }

// Error reports the failure of a prior request. Type identifies the
// original request's message type; Request its request ID.
type Error struct {
	Type    MessageType
	Request ID
	Details Dict
	Error   string
	Args    []any
	Kwargs  Dict
}

func (*Error) MessageType() MessageType { return MsgError }

// PublishOptions are the PUBLISH options interpreted by the broker.
type PublishOptions struct {
	Acknowledge bool
	// ExcludeMe defaults to true when absent.
	ExcludeMe        *bool
	DiscloseMe       bool
	Retain           bool
	Eligible         []ID
	EligibleAuthID   []string
	EligibleAuthRole []string
	Exclude          []ID
	ExcludeAuthID    []string
	ExcludeAuthRole  []string
}

// ExcludePublisher resolves the exclude_me default.
func (o *PublishOptions) ExcludePublisher() bool {
	return o.ExcludeMe == nil || *o.ExcludeMe
}

// Publish requests publication of an event to a topic.
type Publish struct {
	Request ID
	Options PublishOptions
	Topic   string
	Args    []any
	Kwargs  Dict
}

func (*Publish) MessageType() MessageType { return MsgPublish }

// Published acknowledges a Publish.
type Published struct {
	Request     ID
	Publication ID
}

func (*Published) MessageType() MessageType { return MsgPublished }

// SubscribeOptions are the SUBSCRIBE options interpreted by the broker.
type SubscribeOptions struct {
	Match MatchPolicy
	// GetRetained requests replay of retained events upon subscribing.
	GetRetained bool
	// History marks the subscription's events for persistence when the
	// realm has a store configured.
	History bool
}

// Subscribe requests a subscription to a topic pattern.
type Subscribe struct {
	Request ID
	Options SubscribeOptions
	Topic   string
}

func (*Subscribe) MessageType() MessageType { return MsgSubscribe }

// Subscribed acknowledges a Subscribe.
type Subscribed struct {
	Request      ID
	Subscription ID
}

func (*Subscribed) MessageType() MessageType { return MsgSubscribed }

// Unsubscribe requests removal of a subscription.
type Unsubscribe struct {
	Request      ID
	Subscription ID
}

func (*Unsubscribe) MessageType() MessageType { return MsgUnsubscribe }

// Unsubscribed acknowledges an Unsubscribe. A router-initiated revocation
// carries Request == 0 with Subscription and Reason set.
type Unsubscribed struct {
	Request      ID
	Subscription ID
	Reason       string
}

func (*Unsubscribed) MessageType() MessageType { return MsgUnsubscribed }

// EventDetails are the EVENT details produced by the broker.
type EventDetails struct {
	// Topic is set for pattern-based subscriptions, carrying the concrete
	// topic published to.
	Topic             string
	Publisher         ID
	PublisherAuthID   string
	PublisherAuthRole string
	Retained          bool
}

// Event delivers a publication to a subscriber.
type Event struct {
	Subscription ID
	Publication  ID
	Details      EventDetails
	Args         []any
	Kwargs       Dict
}

func (*Event) MessageType() MessageType { return MsgEvent }

// RegisterOptions are the REGISTER options interpreted by the dealer.
type RegisterOptions struct {
	Match  MatchPolicy
	Invoke InvokePolicy
	// Concurrency limits in-flight invocations for this callee on this
	// registration; zero means unlimited.
	Concurrency     int
	ForceReregister bool
}

// Register requests a procedure registration.
type Register struct {
	Request   ID
	Options   RegisterOptions
	Procedure string
}

func (*Register) MessageType() MessageType { return MsgRegister }

// Registered acknowledges a Register.
type Registered struct {
	Request      ID
	Registration ID
}

func (*Registered) MessageType() MessageType { return MsgRegistered }

// Unregister requests removal of a registration.
type Unregister struct {
	Request      ID
	Registration ID
}

func (*Unregister) MessageType() MessageType { return MsgUnregister }

// Unregistered acknowledges an Unregister. A router-initiated revocation
// carries Request == 0 with Registration and Reason set.
type Unregistered struct {
	Request      ID
	Registration ID
	Reason       string
}

func (*Unregistered) MessageType() MessageType { return MsgUnregistered }

// CallOptions are the CALL options interpreted by the dealer.
type CallOptions struct {
	// TimeoutMillis schedules automatic cancellation of the call; zero
	// disables the timeout.
	TimeoutMillis   int64
	ReceiveProgress bool
	DiscloseMe      bool
}

// Call requests invocation of a procedure.
type Call struct {
	Request   ID
	Options   CallOptions
	Procedure string
	Args      []any
	Kwargs    Dict
}

func (*Call) MessageType() MessageType { return MsgCall }

// ResultDetails are the RESULT details produced by the dealer.
type ResultDetails struct {
	Progress bool
}

// Result delivers a call result to the caller.
type Result struct {
	Request ID
	Details ResultDetails
	Args    []any
	Kwargs  Dict
}

func (*Result) MessageType() MessageType { return MsgResult }

// Cancel requests cancellation of an in-flight call.
type Cancel struct {
	Request ID
	Mode    CancelMode
}

func (*Cancel) MessageType() MessageType { return MsgCancel }

// Interrupt tells a callee to abandon an in-flight invocation.
type Interrupt struct {
	Request ID
	Mode    CancelMode
}

func (*Interrupt) MessageType() MessageType { return MsgInterrupt }

// InvocationDetails are the INVOCATION details produced by the dealer.
type InvocationDetails struct {
	// Procedure is set for pattern-based registrations, carrying the
	// concrete procedure called.
	Procedure       string
	Caller          ID
	CallerAuthID    string
	CallerAuthRole  string
	ReceiveProgress bool
	TimeoutMillis   int64
}

// Invocation forwards a call to a callee.
type Invocation struct {
	Request      ID
	Registration ID
	Details      InvocationDetails
	Args         []any
	Kwargs       Dict
}

func (*Invocation) MessageType() MessageType { return MsgInvocation }

// YieldOptions are the YIELD options interpreted by the dealer.
type YieldOptions struct {
	Progress bool
}

// Yield delivers an invocation result from a callee.
type Yield struct {
	Request ID
	Options YieldOptions
	Args    []any
	Kwargs  Dict
}

func (*Yield) MessageType() MessageType { return MsgYield }
