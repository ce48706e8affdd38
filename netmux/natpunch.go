package netmux

import (
	"net/netip"
	"sync"
	"time"

	"github.com/pion/stun/v3"
	"github.com/pkg/errors"

	"github.com/1ureka/1ureka.net.udp/internal/util"
	"github.com/1ureka/1ureka.net.udp/protocol"
)

// natRequestLifetime is how long an unmatched introduction registration
// stays valid on the introducer.
const natRequestLifetime = time.Minute

// NatPunchListener receives punch-through progress. Callbacks run on the
// socket goroutine.
type NatPunchListener interface {
	// OnNatIntroductionRequest fires on the introducer for every
	// registration.
	OnNatIntroductionRequest(internal, external netip.AddrPort, token string)

	// OnNatIntroductionSuccess fires on a punching client once a hole
	// punch datagram made it through.
	OnNatIntroductionSuccess(target netip.AddrPort, token string)
}

type natWaiter struct {
	internal   netip.AddrPort
	external   netip.AddrPort
	registered time.Time
}

// NatPunchModule implements rendezvous-style UDP hole punching over the
// manager's socket: an introducer matches two registrations by token and
// tells each side the other's endpoints; both sides then punch. Gated by
// Config.NatPunchEnabled.
type NatPunchModule struct {
	mgr *NetManager

	mu       sync.Mutex
	waiters  map[string]natWaiter
	listener NatPunchListener
}

func newNatPunchModule(mgr *NetManager) *NatPunchModule {
	return &NatPunchModule{mgr: mgr, waiters: make(map[string]natWaiter)}
}

// Init installs the progress listener. Required before any punching.
func (m *NatPunchModule) Init(listener NatPunchListener) {
	m.mu.Lock()
	m.listener = listener
	m.mu.Unlock()
}

// SendNatIntroduceRequest registers this host with an introducer under
// token. internal is the local endpoint as seen on the LAN.
func (m *NatPunchModule) SendNatIntroduceRequest(introducer, internal netip.AddrPort, token string) bool {
	w := protocol.NewWriter()
	w.PutAddrPort(internal)
	w.PutString(token)
	pkt := m.mgr.pool.GetWithData(protocol.NatIntroductionRequest, w.Bytes(), 0, w.Len())
	_, errCode := m.mgr.sendRaw(pkt.Data[:pkt.Size], introducer)
	m.mgr.pool.Recycle(pkt)
	return errCode == 0
}

// processMessage consumes one NAT datagram. Ownership of pkt transfers.
func (m *NatPunchModule) processMessage(remote netip.AddrPort, pkt *protocol.Packet) {
	defer m.mgr.pool.Recycle(pkt)
	reader := protocol.NewReader(pkt.Payload())

	switch pkt.Property() {
	case protocol.NatIntroductionRequest:
		internal, err := reader.GetAddrPort()
		if err != nil {
			return
		}
		token, err := reader.GetString()
		if err != nil {
			return
		}
		m.handleIntroductionRequest(internal, remote, token)

	case protocol.NatIntroduction:
		internal, err := reader.GetAddrPort()
		if err != nil {
			return
		}
		external, err := reader.GetAddrPort()
		if err != nil {
			return
		}
		token, err := reader.GetString()
		if err != nil {
			return
		}
		// Punch both faces of the target; whichever datagram lands first
		// opens the mapping.
		m.sendPunch(internal, token)
		m.sendPunch(external, token)

	case protocol.NatPunchMessage:
		token, err := reader.GetString()
		if err != nil {
			return
		}
		m.mu.Lock()
		l := m.listener
		m.mu.Unlock()
		if l != nil {
			l.OnNatIntroductionSuccess(remote, token)
		}
	}
}

func (m *NatPunchModule) handleIntroductionRequest(internal, external netip.AddrPort, token string) {
	m.mu.Lock()
	l := m.listener
	other, matched := m.waiters[token]
	if matched && time.Since(other.registered) < natRequestLifetime {
		delete(m.waiters, token)
	} else {
		matched = false
		m.waiters[token] = natWaiter{internal: internal, external: external, registered: time.Now()}
	}
	m.mu.Unlock()

	if l != nil {
		l.OnNatIntroductionRequest(internal, external, token)
	}
	if !matched {
		return
	}

	util.LogDebug("nat: introducing %s and %s (token %q)", external, other.external, token)
	m.sendIntroduction(other.external, internal, external, token)
	m.sendIntroduction(external, other.internal, other.external, token)
}

func (m *NatPunchModule) sendIntroduction(to, internal, external netip.AddrPort, token string) {
	w := protocol.NewWriter()
	w.PutAddrPort(internal)
	w.PutAddrPort(external)
	w.PutString(token)
	pkt := m.mgr.pool.GetWithData(protocol.NatIntroduction, w.Bytes(), 0, w.Len())
	m.mgr.sendRaw(pkt.Data[:pkt.Size], to)
	m.mgr.pool.Recycle(pkt)
}

func (m *NatPunchModule) sendPunch(to netip.AddrPort, token string) {
	if !to.IsValid() {
		return
	}
	w := protocol.NewWriter()
	w.PutString(token)
	pkt := m.mgr.pool.GetWithData(protocol.NatPunchMessage, w.Bytes(), 0, w.Len())
	m.mgr.sendRaw(pkt.Data[:pkt.Size], to)
	m.mgr.pool.Recycle(pkt)
}

// ExternalAddr asks a STUN server for this host's server-reflexive address.
// The query runs over a throwaway socket, so the port only carries over on
// port-preserving NATs; the address part is what introducer registration
// needs.
func ExternalAddr(stunServer string) (netip.AddrPort, error) {
	client, err := stun.Dial("udp4", stunServer)
	if err != nil {
		return netip.AddrPort{}, errors.Wrap(err, "stun dial")
	}
	defer client.Close()

	var (
		mapped netip.AddrPort
		cbErr  error
	)
	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	if err := client.Do(msg, func(res stun.Event) {
		if res.Error != nil {
			cbErr = res.Error
			return
		}
		var xor stun.XORMappedAddress
		if err := xor.GetFrom(res.Message); err != nil {
			cbErr = err
			return
		}
		addr, ok := netip.AddrFromSlice(xor.IP)
		if !ok {
			cbErr = errors.New("bad mapped address")
			return
		}
		mapped = netip.AddrPortFrom(addr.Unmap(), uint16(xor.Port))
	}); err != nil {
		return netip.AddrPort{}, errors.Wrap(err, "stun binding")
	}
	if cbErr != nil {
		return netip.AddrPort{}, errors.Wrap(cbErr, "stun binding")
	}
	return mapped, nil
}
