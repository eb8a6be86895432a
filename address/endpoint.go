package address

// Reserved names carried by the invalid sentinels.
const (
	InvalidServiceName = "INVALID_SERVICE"
	InvalidRoleName    = "INVALID_ROLE"
	InvalidThreadName  = "INVALID_THREAD"
)

// Kind separates the two endpoint variants.
type Kind uint8

const (
	KindStub Kind = iota
	KindProxy
)

func (k Kind) String() string {
	if k == KindStub {
		return "stub"
	}
	return "proxy"
}

// StubAddress identifies one service provider instance.
type StubAddress struct {
	ServiceAddress
	Thread  string
	Channel Channel
}

// InvalidStubAddress is returned wherever no stub could be resolved.
var InvalidStubAddress = StubAddress{
	ServiceAddress: ServiceAddress{ServiceItem: ServiceItem{Name: InvalidServiceName}, Role: InvalidRoleName},
	Thread:         InvalidThreadName,
}

func NewStubAddress(svc ServiceAddress, thread string, ch Channel) StubAddress {
	return StubAddress{ServiceAddress: svc, Thread: thread, Channel: ch}
}

func (s StubAddress) IsValid() bool         { return s.Channel.IsValid() }
func (s StubAddress) IsLocalAddress() bool  { return s.Channel.Cookie == CookieLocal }
func (s StubAddress) IsRemoteAddress() bool { return s.Channel.Cookie > CookieRouter }

// Equal compares identity: service, role, thread and owning process.
func (s StubAddress) Equal(o StubAddress) bool {
	return s.SameService(o.ServiceAddress) && s.Thread == o.Thread && s.Channel.Cookie == o.Channel.Cookie
}

// IsProxyCompatible reports whether proxy p is served by this stub.
func (s StubAddress) IsProxyCompatible(p ProxyAddress) bool {
	return Compatible(s, p)
}

func (s StubAddress) String() string { return s.Path() }

func (s StubAddress) Identity() ServiceAddress { return s.ServiceAddress }
func (s StubAddress) Route() Channel           { return s.Channel }
func (s StubAddress) Kind() Kind               { return KindStub }
func (StubAddress) isEndpoint()                {}

// ProxyAddress identifies one service consumer instance. At most one proxy per
// service, role and thread exists in a process.
type ProxyAddress struct {
	ServiceAddress
	Thread  string
	Channel Channel
}

// InvalidProxyAddress is returned wherever no proxy could be resolved.
var InvalidProxyAddress = ProxyAddress{
	ServiceAddress: ServiceAddress{ServiceItem: ServiceItem{Name: InvalidServiceName}, Role: InvalidRoleName},
	Thread:         InvalidThreadName,
}

func NewProxyAddress(svc ServiceAddress, thread string, ch Channel) ProxyAddress {
	return ProxyAddress{ServiceAddress: svc, Thread: thread, Channel: ch}
}

func (p ProxyAddress) IsValid() bool         { return p.Channel.IsValid() }
func (p ProxyAddress) IsLocalAddress() bool  { return p.Channel.Cookie == CookieLocal }
func (p ProxyAddress) IsRemoteAddress() bool { return p.Channel.Cookie > CookieRouter }

func (p ProxyAddress) Equal(o ProxyAddress) bool {
	return p.SameService(o.ServiceAddress) && p.Thread == o.Thread && p.Channel.Cookie == o.Channel.Cookie
}

// IsStubCompatible reports whether stub s serves this proxy.
func (p ProxyAddress) IsStubCompatible(s StubAddress) bool {
	return Compatible(s, p)
}

// ImpliedStub is the stub identity this proxy waits for: same service and
// role, no thread, invalid channel.
func (p ProxyAddress) ImpliedStub() StubAddress {
	return StubAddress{ServiceAddress: p.ServiceAddress}
}

func (p ProxyAddress) String() string { return p.Path() }

func (p ProxyAddress) Identity() ServiceAddress { return p.ServiceAddress }
func (p ProxyAddress) Route() Channel           { return p.Channel }
func (p ProxyAddress) Kind() Kind               { return KindProxy }
func (ProxyAddress) isEndpoint()                {}

// Endpoint is either a StubAddress or a ProxyAddress.
type Endpoint interface {
	Identity() ServiceAddress
	Route() Channel
	Kind() Kind
	isEndpoint()
}

// Compatible is the single matching predicate between a stub and a proxy:
// equal role, and the stub's service item serves the proxy's. Thread and
// channel are ignored. Two endpoints of the same kind are never compatible.
func Compatible(a, b Endpoint) bool {
	if a == nil || b == nil || a.Kind() == b.Kind() {
		return false
	}
	stub, proxy := a.Identity(), b.Identity()
	if a.Kind() == KindProxy {
		stub, proxy = proxy, stub
	}
	return stub.Role == proxy.Role && stub.ServiceItem.Serves(proxy.ServiceItem)
}
