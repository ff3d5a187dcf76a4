package mailbox

import (
	"context"
	"testing"

	luxids "github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/orionmesh/relay/internal/idtypes"
	"github.com/orionmesh/relay/internal/protocol"
	"github.com/orionmesh/relay/internal/store"
)

type fakePusher struct {
	accept bool
	pushed [][]byte
}

func (f *fakePusher) PushToCircuit(circuit uint64, payload []byte) bool {
	if f.accept {
		f.pushed = append(f.pushed, payload)
	}
	return f.accept
}

type fakeForwarder struct {
	sentDirectly bool
	err          error
	calls        int
}

func (f *fakeForwarder) ForwardMail(ctx context.Context, peer idtypes.PeerID, recipient idtypes.Identity, content []byte) (bool, error) {
	f.calls++
	return f.sentDirectly, f.err
}

func seedProfile(t *testing.T, online store.Origin) (*store.Store, idtypes.Identity) {
	t.Helper()
	s := store.New()
	id := idtypes.Identity{42}
	require.NoError(t, s.PutProfile(id, &store.Profile{OnlineIn: online}))
	return s, id
}

func TestSendMailOfflineEnqueues(t *testing.T) {
	s, id := seedProfile(t, store.Origin{})
	err := ApplySendMail(context.Background(), s, &fakePusher{}, &fakeForwarder{}, store.Origin{}, SendMailRequest{Recipient: id, Content: []byte{7, 8}})
	require.NoError(t, err)

	p, err := s.Profile(id)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 2, 7, 8}, p.Mail)
}

func TestSendMailUnknownRecipient(t *testing.T) {
	s := store.New()
	err := ApplySendMail(context.Background(), s, &fakePusher{}, &fakeForwarder{}, store.Origin{}, SendMailRequest{Recipient: idtypes.Identity{1}, Content: []byte{1}})
	require.ErrorIs(t, err, protocol.ErrNotFound)
}

func TestSendMailFullMailbox(t *testing.T) {
	s, id := seedProfile(t, store.Origin{})
	require.NoError(t, s.WithProfile(id, func(p *store.Profile) error {
		p.Mail = make([]byte, store.MailboxCap-1)
		return nil
	}))
	err := ApplySendMail(context.Background(), s, &fakePusher{}, &fakeForwarder{}, store.Origin{}, SendMailRequest{Recipient: id, Content: []byte{1}})
	require.ErrorIs(t, err, protocol.ErrMailboxFull)
}

func TestSendMailPushesToLiveCircuit(t *testing.T) {
	online := store.Origin{Client: &store.ClientOrigin{CircuitID: 9}}
	s, id := seedProfile(t, online)
	pusher := &fakePusher{accept: true}

	err := ApplySendMail(context.Background(), s, pusher, &fakeForwarder{}, store.Origin{}, SendMailRequest{Recipient: id, Content: []byte{5}})
	require.ErrorIs(t, err, protocol.ErrSentDirectly)
	require.Equal(t, [][]byte{{5}}, pusher.pushed)

	p, _ := s.Profile(id)
	require.Empty(t, p.Mail) // a direct delivery queues nothing
}

func TestSendMailToSelfRefused(t *testing.T) {
	online := store.Origin{Client: &store.ClientOrigin{CircuitID: 9}}
	s, id := seedProfile(t, online)
	err := ApplySendMail(context.Background(), s, &fakePusher{accept: true}, &fakeForwarder{}, online, SendMailRequest{Recipient: id, Content: []byte{5}})
	require.ErrorIs(t, err, protocol.ErrSendingToSelf)
}

func TestSendMailOverwhelmedSubscriberFallsBackToQueue(t *testing.T) {
	online := store.Origin{Client: &store.ClientOrigin{CircuitID: 9}}
	s, id := seedProfile(t, online)

	err := ApplySendMail(context.Background(), s, &fakePusher{accept: false}, &fakeForwarder{}, store.Origin{}, SendMailRequest{Recipient: id, Content: []byte{5}})
	require.NoError(t, err)

	p, _ := s.Profile(id)
	require.Equal(t, []byte{0, 1, 5}, p.Mail)
	require.True(t, p.OnlineIn.IsOffline()) // stale hint cleared
}

func TestSendMailForwardedAndDelivered(t *testing.T) {
	peer := luxids.GenerateTestNodeID()
	s, id := seedProfile(t, store.Origin{Miner: &peer})
	fwd := &fakeForwarder{sentDirectly: true}

	err := ApplySendMail(context.Background(), s, &fakePusher{}, fwd, store.Origin{}, SendMailRequest{Recipient: id, Content: []byte{3}})
	require.ErrorIs(t, err, protocol.ErrSentDirectly)
	require.Equal(t, 1, fwd.calls)

	p, _ := s.Profile(id)
	require.Empty(t, p.Mail)              // popped after the confirmed delivery
	require.NotNil(t, p.OnlineIn.Miner)   // hint still valid
}

func TestSendMailForwardedSubscriberGone(t *testing.T) {
	peer := luxids.GenerateTestNodeID()
	s, id := seedProfile(t, store.Origin{Miner: &peer})
	fwd := &fakeForwarder{sentDirectly: false}

	err := ApplySendMail(context.Background(), s, &fakePusher{}, fwd, store.Origin{}, SendMailRequest{Recipient: id, Content: []byte{3}})
	require.NoError(t, err)

	p, _ := s.Profile(id)
	require.Equal(t, []byte{0, 1, 3}, p.Mail) // the queued copy stands
	require.True(t, p.OnlineIn.IsOffline())
}

func TestReplicatedSendMailIgnoresPresence(t *testing.T) {
	online := store.Origin{Client: &store.ClientOrigin{CircuitID: 9}}
	s, id := seedProfile(t, online)

	require.NoError(t, ApplyReplicatedSendMail(s, SendMailRequest{Recipient: id, Content: []byte{1}}))
	p, _ := s.Profile(id)
	require.Equal(t, []byte{0, 1, 1}, p.Mail)
	require.NotNil(t, p.OnlineIn.Client)
}

func TestDirectMailPushesOrClearsHint(t *testing.T) {
	online := store.Origin{Client: &store.ClientOrigin{CircuitID: 9}}
	s, id := seedProfile(t, online)

	err := ApplyDirectMail(s, &fakePusher{accept: true}, SendMailRequest{Recipient: id, Content: []byte{2}})
	require.ErrorIs(t, err, protocol.ErrSentDirectly)

	// Subscriber gone: the hint clears and nothing is queued.
	s2, id2 := seedProfile(t, online)
	err = ApplyDirectMail(s2, &fakePusher{accept: false}, SendMailRequest{Recipient: id2, Content: []byte{2}})
	require.NoError(t, err)
	p, _ := s2.Profile(id2)
	require.Empty(t, p.Mail)
	require.True(t, p.OnlineIn.IsOffline())
}

func TestRemoveFrameAtSkipsMismatch(t *testing.T) {
	p := &store.Profile{Mail: []byte{0, 1, 9}}
	removeFrameAt(p, 0, []byte{8}) // content mismatch
	require.Equal(t, []byte{0, 1, 9}, p.Mail)
	removeFrameAt(p, 0, []byte{9})
	require.Empty(t, p.Mail)
}
