package registry

import "mini-broker/address"

// ClientList holds the proxies sharing one logical server, in registration
// order. Membership is keyed by proxy identity including its cookie.
type ClientList struct {
	clients []ClientInfo
}

func (l *ClientList) Len() int { return len(l.clients) }

// Clients returns a copy of the members.
func (l *ClientList) Clients() []ClientInfo {
	out := make([]ClientInfo, len(l.clients))
	copy(out, l.clients)
	return out
}

func (l *ClientList) index(proxy address.ProxyAddress) int {
	for i := range l.clients {
		if l.clients[i].addr.Equal(proxy) {
			return i
		}
	}
	return -1
}

// Find returns the member registered for proxy.
func (l *ClientList) Find(proxy address.ProxyAddress) (ClientInfo, bool) {
	if i := l.index(proxy); i >= 0 {
		return l.clients[i], true
	}
	return ClientInfo{}, false
}

// RegisterClient finds or inserts proxy and binds it to server.
func (l *ClientList) RegisterClient(proxy address.ProxyAddress, server ServerInfo) ClientInfo {
	i := l.index(proxy)
	if i < 0 {
		l.clients = append(l.clients, NewClientInfo(proxy))
		i = len(l.clients) - 1
	} else {
		// a re-registering proxy may come back on another channel
		target := l.clients[i].addr.Channel.Target
		l.clients[i].addr = proxy
		l.clients[i].addr.Channel.Target = target
	}
	l.clients[i].setTarget(server)
	return l.clients[i]
}

// UnregisterClient removes proxy and returns the entry as it was before removal.
func (l *ClientList) UnregisterClient(proxy address.ProxyAddress) (ClientInfo, bool) {
	i := l.index(proxy)
	if i < 0 {
		return ClientInfo{}, false
	}
	prev := l.clients[i]
	l.clients = append(l.clients[:i], l.clients[i+1:]...)
	return prev, true
}

// SetServerAvailable binds every member to server and returns a copy of each
// updated entry for notification.
func (l *ClientList) SetServerAvailable(server ServerInfo) []ClientInfo {
	staged := make([]ClientInfo, 0, len(l.clients))
	for i := range l.clients {
		l.clients[i].setTarget(server)
		staged = append(staged, l.clients[i])
	}
	return staged
}

// SetServerUnavailable unbinds every member and returns a copy of each member
// that was connected; the others never had a server to lose. No member is
// removed, remote or local: entries stay registered and pending.
func (l *ClientList) SetServerUnavailable() []ClientInfo {
	staged := make([]ClientInfo, 0, len(l.clients))
	for i := range l.clients {
		was := l.clients[i].IsConnected()
		l.clients[i].clearTarget()
		if was {
			staged = append(staged, l.clients[i])
		}
	}
	return staged
}
