package netmux

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type punchRec struct {
	target netip.AddrPort
	token  string
}

type punchListener struct {
	introduced chan punchRec
	success    chan punchRec
}

func newPunchListener() *punchListener {
	return &punchListener{
		introduced: make(chan punchRec, 8),
		success:    make(chan punchRec, 8),
	}
}

func (l *punchListener) OnNatIntroductionRequest(internal, external netip.AddrPort, token string) {
	l.introduced <- punchRec{target: external, token: token}
}

func (l *punchListener) OnNatIntroductionSuccess(target netip.AddrPort, token string) {
	select {
	case l.success <- punchRec{target: target, token: token}:
	default:
	}
}

func punchConfig() Config {
	cfg := testConfig()
	cfg.NatPunchEnabled = true
	return cfg
}

func TestNatPunchRendezvous(t *testing.T) {
	introducer := startManager(t, newRecListener(), punchConfig())

	aL, bL := newPunchListener(), newPunchListener()
	a := startManager(t, newRecListener(), punchConfig())
	b := startManager(t, newRecListener(), punchConfig())
	a.NatPunch().Init(aL)
	b.NatPunch().Init(bL)
	introducer.NatPunch().Init(newPunchListener())

	const token = "rendezvous"
	require.True(t, a.NatPunch().SendNatIntroduceRequest(endpointOf(introducer), endpointOf(a), token))
	require.True(t, b.NatPunch().SendNatIntroduceRequest(endpointOf(introducer), endpointOf(b), token))

	// Both registrants get punched through once the introducer pairs them.
	aSuccess := recv(t, aL.success, "punch success at A")
	assert.Equal(t, token, aSuccess.token)
	assert.Equal(t, endpointOf(b), aSuccess.target)

	bSuccess := recv(t, bL.success, "punch success at B")
	assert.Equal(t, token, bSuccess.token)
	assert.Equal(t, endpointOf(a), bSuccess.target)
}

func TestNatPunchGatedByConfig(t *testing.T) {
	// NAT datagrams to a manager without NatPunchEnabled die silently.
	gatedL := newPunchListener()
	gated := startManager(t, newRecListener(), testConfig())
	gated.NatPunch().Init(gatedL)

	sender := startManager(t, newRecListener(), punchConfig())
	require.True(t, sender.NatPunch().SendNatIntroduceRequest(endpointOf(gated), endpointOf(sender), "tok"))

	assert.Never(t, func() bool { return len(gatedL.introduced) > 0 },
		300*time.Millisecond, 50*time.Millisecond)
}
