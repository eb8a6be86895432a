package manager

import "mini-broker/address"

// RemoteServiceConsumer is the routing transport as seen by the manager. The
// manager calls it only from its own goroutine; implementations must not
// block on the network inside these calls.
type RemoteServiceConsumer interface {
	// ServiceConfigure loads the transport configuration. An empty path
	// selects the defaults.
	ServiceConfigure(path string) error
	// StartRemotingService begins connecting to the configured router.
	StartRemotingService() error
	// StartNetRemotingService begins connecting to the router at addr,
	// overriding configuration and discovery.
	StartNetRemotingService(addr string) error
	StopRemotingService()
	EnableService(enable bool)

	IsServiceStarted() bool
	IsServiceConfigured() bool
	IsServiceEnabled() bool

	RegisterService(stub address.StubAddress)
	UnregisterService(stub address.StubAddress)
	RegisterServiceClient(proxy address.ProxyAddress)
	UnregisterServiceClient(proxy address.ProxyAddress)
}
