package server_test

import (
	"context"
	"testing"
	"time"

	luxids "github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/orionmesh/relay/internal/blob"
	"github.com/orionmesh/relay/internal/client"
	"github.com/orionmesh/relay/internal/crypto/hash"
	"github.com/orionmesh/relay/internal/crypto/sign"
	"github.com/orionmesh/relay/internal/dht"
	"github.com/orionmesh/relay/internal/idtypes"
	"github.com/orionmesh/relay/internal/onion/onionmem"
	"github.com/orionmesh/relay/internal/proof"
	"github.com/orionmesh/relay/internal/protocol"
	"github.com/orionmesh/relay/internal/replication"
	"github.com/orionmesh/relay/internal/rpc/rpcmem"
	"github.com/orionmesh/relay/internal/server"
	"github.com/orionmesh/relay/internal/store"
)

type fleetNode struct {
	peer  idtypes.PeerID
	node  *server.Node
	table *dht.Table
}

type fleet struct {
	nodes []fleetNode
}

func newFleet(t *testing.T, ctx context.Context, size int) *fleet {
	t.Helper()
	network := rpcmem.NewNetwork()
	peers := make([]idtypes.PeerID, size)
	for i := range peers {
		peers[i] = luxids.GenerateTestNodeID()
	}
	f := &fleet{}
	for _, p := range peers {
		table := dht.NewTable(p)
		for _, q := range peers {
			table.Insert(q)
		}
		ep := network.Join(p)
		n := server.New(p, store.New(), table, ep, ep, server.Options{
			RequestTimeout: 2 * time.Second,
		})
		go func() { _ = n.Run(ctx) }()
		f.nodes = append(f.nodes, fleetNode{peer: p, node: n, table: table})
	}
	return f
}

// replicas returns the fleet nodes inside topic's replica set.
func (f *fleet) replicas(topic protocol.Topic) []fleetNode {
	var out []fleetNode
	for _, n := range f.nodes {
		if n.table.Contains(topic.Key(), replication.ReplicaCount, n.peer) {
			out = append(out, n)
		}
	}
	return out
}

// outsiders returns the fleet nodes outside topic's replica set.
func (f *fleet) outsiders(topic protocol.Topic) []fleetNode {
	var out []fleetNode
	for _, n := range f.nodes {
		if !n.table.Contains(topic.Key(), replication.ReplicaCount, n.peer) {
			out = append(out, n)
		}
	}
	return out
}

// connect opens a client circuit to n.
func (f *fleet) connect(t *testing.T, ctx context.Context, n fleetNode) *client.Dispatcher {
	t.Helper()
	cs, ss := onionmem.Pipe()
	go n.node.ServeClient(ctx, ss)
	d := client.New(cs, nil)
	go func() { _ = d.Run(ctx) }()
	t.Cleanup(func() { _ = d.Close() })
	return d
}

type user struct {
	pub  sign.PublicKey
	priv sign.PrivateKey
	id   idtypes.Identity

	mailNonce  uint64
	vaultNonce uint64
	chatNonce  uint64
}

func newUser(t *testing.T) *user {
	t.Helper()
	pub, priv, err := sign.Generate()
	require.NoError(t, err)
	return &user{pub: pub, priv: priv, id: hash.Sum(sign.MarshalPublic(pub))}
}

func (u *user) mailProof() proof.Proof {
	u.mailNonce++
	n := u.mailNonce
	return proof.New(u.priv, u.pub, proof.MailContext(), &n)
}

func (u *user) vaultProof(vault []byte) proof.Proof {
	u.vaultNonce++
	n := u.vaultNonce
	return proof.New(u.priv, u.pub, proof.VaultContext(vault), &n)
}

func (u *user) chatProof(name idtypes.ChatName) proof.Proof {
	u.chatNonce++
	n := u.chatNonce
	return proof.New(u.priv, u.pub, proof.ChatContext(name), &n)
}

func TestProfileCreateSetFetch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	f := newFleet(t, ctx, 5)
	u := newUser(t)
	topic := protocol.ProfileTopic(u.id)
	reps := f.replicas(topic)
	require.Len(t, reps, replication.ReplicaCount)

	d := f.connect(t, ctx, reps[0])
	require.NoError(t, d.CreateProfile(ctx, u.mailProof(), [32]byte{1}, nil))

	u.vaultNonce = 1 // the create consumed nonce 1
	require.NoError(t, d.SetVault(ctx, u.vaultProof([]byte("abc")), []byte("abc")))

	for _, rep := range reps {
		dr := f.connect(t, ctx, rep)
		got, err := dr.FetchVault(ctx, u.id)
		require.NoError(t, err)
		require.Equal(t, uint64(2), got.VaultVersion)
		require.Equal(t, uint64(0), got.MailAction)
		require.Equal(t, []byte("abc"), got.Vault)
	}

	// State stays inside the replica set.
	for _, out := range f.outsiders(topic) {
		_, err := out.node.Store().Profile(u.id)
		require.ErrorIs(t, err, store.ErrNotFound)
	}
}

func TestDoubleCreateRejected(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	f := newFleet(t, ctx, 5)
	u := newUser(t)
	d := f.connect(t, ctx, f.replicas(protocol.ProfileTopic(u.id))[0])

	require.NoError(t, d.CreateProfile(ctx, u.mailProof(), [32]byte{1}, nil))

	u.mailNonce = 0 // replay the same nonce
	err := d.CreateProfile(ctx, u.mailProof(), [32]byte{1}, nil)
	require.ErrorIs(t, err, protocol.ErrAlreadyExists)
}

func TestRepopulateAfterWipe(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	f := newFleet(t, ctx, 5)
	u := newUser(t)
	reps := f.replicas(protocol.ProfileTopic(u.id))

	d := f.connect(t, ctx, reps[0])
	require.NoError(t, d.CreateProfile(ctx, u.mailProof(), [32]byte{1}, nil))
	u.vaultNonce = 1
	require.NoError(t, d.SetVault(ctx, u.vaultProof([]byte("abc")), []byte("abc")))

	wiped := reps[1]
	wiped.node.Store().WipeProfile(u.id)

	dw := f.connect(t, ctx, wiped)
	sentDirectly, err := dw.SendMail(ctx, u.id, []byte{0xff})
	require.NoError(t, err)
	require.False(t, sentDirectly)

	p, err := wiped.node.Store().Profile(u.id)
	require.NoError(t, err)
	require.Equal(t, uint64(2), p.VaultVersion)
	require.Equal(t, []byte{0, 1, 0xff}, p.Mail)
}

func TestDirectDeliveryThenDisconnect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	f := newFleet(t, ctx, 5)
	b := newUser(t)
	reps := f.replicas(protocol.ProfileTopic(b.id))
	n1, n2 := reps[0], reps[1]

	db := f.connect(t, ctx, n2)
	require.NoError(t, db.CreateProfile(ctx, b.mailProof(), [32]byte{2}, nil))
	b.vaultNonce = 1
	require.NoError(t, db.SetVault(ctx, b.vaultProof([]byte("v")), []byte("v")))

	sub, err := db.Subscribe(ctx, protocol.ProfileTopic(b.id))
	require.NoError(t, err)

	// Presence spreads to the other replicas asynchronously.
	require.Eventually(t, func() bool {
		p, err := n1.node.Store().Profile(b.id)
		return err == nil && p.OnlineIn.Miner != nil
	}, 5*time.Second, 10*time.Millisecond)

	da := f.connect(t, ctx, n1)
	sentDirectly, err := da.SendMail(ctx, b.id, []byte{0x02})
	require.NoError(t, err)
	require.True(t, sentDirectly)

	select {
	case got := <-sub.Events:
		require.Equal(t, []byte{0x02}, got)
	case <-time.After(5 * time.Second):
		t.Fatal("no pushed event")
	}

	require.NoError(t, db.Close())
	require.Eventually(t, func() bool {
		p, err := n2.node.Store().Profile(b.id)
		return err == nil && p.OnlineIn.IsOffline()
	}, 5*time.Second, 10*time.Millisecond)

	sentDirectly, err = da.SendMail(ctx, b.id, []byte{0x03})
	require.NoError(t, err)
	require.False(t, sentDirectly)

	db2 := f.connect(t, ctx, n2)
	mail, err := db2.ReadMail(ctx, b.mailProof())
	require.NoError(t, err)
	require.Equal(t, []byte{0, 1, 3}, mail)
}

func TestChatAppendAndFetch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	f := newFleet(t, ctx, 5)
	c := newUser(t)
	name := idtypes.ChatName("room")
	d := f.connect(t, ctx, f.replicas(protocol.ChatTopic(name))[0])

	require.NoError(t, d.CreateChat(ctx, c.id, name))
	require.NoError(t, d.SendMessage(ctx, name, c.chatProof(name), []byte("hi")))

	page, err := d.FetchMessages(ctx, name, blob.NoCursor)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 2, 'h', 'i'}, page.Messages)
	// The single retained message was consumed, so the walk reports the
	// history exhausted.
	require.Equal(t, blob.NoCursor, page.Cursor)
}

func TestReplayRefused(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	f := newFleet(t, ctx, 5)
	c := newUser(t)
	name := idtypes.ChatName("room")
	reps := f.replicas(protocol.ChatTopic(name))
	d := f.connect(t, ctx, reps[0])

	require.NoError(t, d.CreateChat(ctx, c.id, name))
	pf := c.chatProof(name)
	require.NoError(t, d.SendMessage(ctx, name, pf, []byte("hi")))

	err := d.SendMessage(ctx, name, pf, []byte("hi"))
	var invalidAction protocol.InvalidActionError
	require.ErrorAs(t, err, &invalidAction)
	require.Equal(t, uint64(1), invalidAction.Stored)

	for _, rep := range reps {
		chat, err := rep.node.Store().Chat(name)
		require.NoError(t, err)
		require.Equal(t, uint32(6), chat.Messages.Offset())
	}
	for _, out := range f.outsiders(protocol.ChatTopic(name)) {
		_, err := out.node.Store().Chat(name)
		require.ErrorIs(t, err, store.ErrNotFound)
	}
}

func TestAddUserAndSecondSender(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	f := newFleet(t, ctx, 5)
	c := newUser(t)
	m := newUser(t)
	name := idtypes.ChatName("pair")
	d := f.connect(t, ctx, f.replicas(protocol.ChatTopic(name))[0])

	require.NoError(t, d.CreateChat(ctx, c.id, name))
	require.NoError(t, d.AddUser(ctx, m.id, name, c.chatProof(name)))
	require.NoError(t, d.SendMessage(ctx, name, m.chatProof(name), []byte("yo")))

	// A non-member is refused.
	stranger := newUser(t)
	err := d.SendMessage(ctx, name, stranger.chatProof(name), []byte("nope"))
	require.ErrorIs(t, err, protocol.ErrNotMember)
}

func TestMutationOutsideReplicaSet(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	f := newFleet(t, ctx, 5)
	name := idtypes.ChatName("edge")
	topic := protocol.ChatTopic(name)

	var outsider *fleetNode
	for i := range f.nodes {
		if !f.nodes[i].table.Contains(topic.Key(), replication.ReplicaCount, f.nodes[i].peer) {
			outsider = &f.nodes[i]
			break
		}
	}
	require.NotNil(t, outsider)

	c := newUser(t)
	d := f.connect(t, ctx, *outsider)
	err := d.CreateChat(ctx, c.id, name)
	require.ErrorIs(t, err, protocol.ErrInvalidTopic)
}
