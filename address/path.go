package address

import "strings"

// PathSeparator delimits the fields of an address path.
const PathSeparator = "/"

// Path renders
//
//	stub/<name>.<major>.<minor>.<patch>.<type>/<role>/<thread>/<source>.<target>.<cookie>
func (s StubAddress) Path() string {
	return buildPath(KindStub, s.ServiceAddress, s.Thread, s.Channel)
}

// Path renders the proxy form, identical to the stub form but for the tag.
func (p ProxyAddress) Path() string {
	return buildPath(KindProxy, p.ServiceAddress, p.Thread, p.Channel)
}

// ParseStubPath converts a path back into a stub address. Malformed input
// yields InvalidStubAddress.
func ParseStubPath(path string) StubAddress {
	svc, thread, ch, ok := parsePath(KindStub, path)
	if !ok {
		return InvalidStubAddress
	}
	return StubAddress{ServiceAddress: svc, Thread: thread, Channel: ch}
}

// ParseProxyPath converts a path back into a proxy address. Malformed input
// yields InvalidProxyAddress.
func ParseProxyPath(path string) ProxyAddress {
	svc, thread, ch, ok := parsePath(KindProxy, path)
	if !ok {
		return InvalidProxyAddress
	}
	return ProxyAddress{ServiceAddress: svc, Thread: thread, Channel: ch}
}

// ParsePath returns whichever endpoint kind the path is tagged with, or nil.
func ParsePath(path string) Endpoint {
	switch {
	case strings.HasPrefix(path, KindStub.String()+PathSeparator):
		if s := ParseStubPath(path); s.IsValid() {
			return s
		}
	case strings.HasPrefix(path, KindProxy.String()+PathSeparator):
		if p := ParseProxyPath(path); p.IsValid() {
			return p
		}
	}
	return nil
}

func buildPath(kind Kind, svc ServiceAddress, thread string, ch Channel) string {
	var b strings.Builder
	b.WriteString(kind.String())
	b.WriteString(PathSeparator)
	b.WriteString(svc.segment())
	b.WriteString(PathSeparator)
	b.WriteString(svc.Role)
	b.WriteString(PathSeparator)
	b.WriteString(thread)
	b.WriteString(PathSeparator)
	b.WriteString(ch.String())
	return b.String()
}

func parsePath(kind Kind, path string) (ServiceAddress, string, Channel, bool) {
	parts := strings.Split(path, PathSeparator)
	if len(parts) != 5 || parts[0] != kind.String() {
		return ServiceAddress{}, "", Channel{}, false
	}
	item, ok := parseServiceItem(parts[1])
	if !ok {
		return ServiceAddress{}, "", Channel{}, false
	}
	ch, err := ParseChannel(parts[4])
	if err != nil {
		return ServiceAddress{}, "", Channel{}, false
	}
	return ServiceAddress{ServiceItem: item, Role: parts[2]}, parts[3], ch, true
}
