package manager

import "mini-broker/address"

type command uint8

const (
	cmdRegisterStub command = iota
	cmdUnregisterStub
	cmdRegisterProxy
	cmdUnregisterProxy
	cmdConfigureConnection
	cmdStartConnection
	cmdStartNetConnection
	cmdStopConnection
	cmdSetEnableService
	cmdRegisterConnection
	cmdUnregisterConnection
	cmdLostConnection
	cmdStopRoutingClient
	cmdQuery
)

var commandNames = [...]string{
	cmdRegisterStub:         "RegisterStub",
	cmdUnregisterStub:       "UnregisterStub",
	cmdRegisterProxy:        "RegisterProxy",
	cmdUnregisterProxy:      "UnregisterProxy",
	cmdConfigureConnection:  "ConfigureConnection",
	cmdStartConnection:      "StartConnection",
	cmdStartNetConnection:   "StartNetConnection",
	cmdStopConnection:       "StopConnection",
	cmdSetEnableService:     "SetEnableService",
	cmdRegisterConnection:   "RegisterConnection",
	cmdUnregisterConnection: "UnregisterConnection",
	cmdLostConnection:       "LostConnection",
	cmdStopRoutingClient:    "StopRoutingClient",
	cmdQuery:                "Query",
}

func (c command) String() string {
	if int(c) < len(commandNames) {
		return commandNames[c]
	}
	return "Unknown"
}

// eventData is one entry of the manager queue: a command and its arguments.
type eventData struct {
	cmd     command
	stub    address.StubAddress
	proxy   address.ProxyAddress
	channel address.Channel
	arg     string
	enable  bool

	query  func()
	onDrop func()
}

// Destroy runs when the event is discarded because the manager is exiting.
func (e *eventData) Destroy() {
	if e.onDrop != nil {
		e.onDrop()
	}
}
