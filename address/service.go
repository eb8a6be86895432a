package address

import (
	"hash/crc32"
	"strconv"
	"strings"
)

// ServiceType tells whether a service may be reached from other processes.
type ServiceType uint8

const (
	ServiceInvalid ServiceType = 0
	ServiceLocal   ServiceType = 1 // same process only
	ServicePublic  ServiceType = 2 // routed through the broker as well
	ServiceAny     ServiceType = 0xFF
)

func (t ServiceType) String() string {
	switch t {
	case ServiceLocal:
		return "Local"
	case ServicePublic:
		return "Public"
	case ServiceAny:
		return "Any"
	default:
		return "Invalid"
	}
}

func parseServiceType(s string) (ServiceType, bool) {
	switch s {
	case "Local":
		return ServiceLocal, true
	case "Public":
		return ServicePublic, true
	case "Any":
		return ServiceAny, true
	default:
		return ServiceInvalid, false
	}
}

func (t ServiceType) compatible(other ServiceType) bool {
	if t == ServiceInvalid || other == ServiceInvalid {
		return false
	}
	return t == other || t == ServiceAny || other == ServiceAny
}

// Version is the interface version of a service.
type Version struct {
	Major, Minor, Patch uint32
}

func (v Version) String() string {
	return strconv.FormatUint(uint64(v.Major), 10) + "." +
		strconv.FormatUint(uint64(v.Minor), 10) + "." +
		strconv.FormatUint(uint64(v.Patch), 10)
}

// IsValid reports whether the version is anything but 0.0.0.
func (v Version) IsValid() bool {
	return v != Version{}
}

// Serves reports whether an implementation of version v can serve a consumer
// built against requested: same major, and at least the requested minor.
func (v Version) Serves(requested Version) bool {
	return v.Major == requested.Major && v.Minor >= requested.Minor
}

// ServiceItem is the identity of "what service".
type ServiceItem struct {
	Name    string
	Version Version
	Type    ServiceType
}

func (s ServiceItem) IsValid() bool {
	return s.Name != "" && s.Version.IsValid() && s.Type != ServiceInvalid
}

// Serves reports whether an implementation described by s satisfies a
// consumer asking for requested.
func (s ServiceItem) Serves(requested ServiceItem) bool {
	return s.Name == requested.Name &&
		s.Type.compatible(requested.Type) &&
		s.Version.Serves(requested.Version)
}

func (s ServiceItem) segment() string {
	return s.Name + "." + s.Version.String() + "." + s.Type.String()
}

func parseServiceItem(seg string) (ServiceItem, bool) {
	parts := strings.Split(seg, ".")
	if len(parts) != 5 || parts[0] == "" {
		return ServiceItem{}, false
	}
	var nums [3]uint32
	for i := 0; i < 3; i++ {
		v, err := strconv.ParseUint(parts[i+1], 10, 32)
		if err != nil {
			return ServiceItem{}, false
		}
		nums[i] = uint32(v)
	}
	typ, ok := parseServiceType(parts[4])
	if !ok {
		return ServiceItem{}, false
	}
	return ServiceItem{
		Name:    parts[0],
		Version: Version{Major: nums[0], Minor: nums[1], Patch: nums[2]},
		Type:    typ,
	}, true
}

// ServiceAddress adds the role name of the component instance owning the service.
type ServiceAddress struct {
	ServiceItem
	Role string
}

// NewServiceAddress is a small constructor used mostly by tests and examples.
func NewServiceAddress(name string, version Version, typ ServiceType, role string) ServiceAddress {
	return ServiceAddress{
		ServiceItem: ServiceItem{Name: name, Version: version, Type: typ},
		Role:        role,
	}
}

func (a ServiceAddress) IsValid() bool {
	return a.ServiceItem.IsValid() && a.Role != ""
}

// IsPublic reports whether the service is remote-capable.
func (a ServiceAddress) IsPublic() bool {
	return a.Type == ServicePublic
}

// SameService compares role and service name only.
func (a ServiceAddress) SameService(b ServiceAddress) bool {
	return a.Role == b.Role && a.Name == b.Name
}

// Hash is the CRC32 of "role/name", the bucket key used by both registries.
func (a ServiceAddress) Hash() uint32 {
	return crc32.ChecksumIEEE([]byte(a.Role + PathSeparator + a.Name))
}

func (a ServiceAddress) String() string {
	return a.segment() + PathSeparator + a.Role
}
