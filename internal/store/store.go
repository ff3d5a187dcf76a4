// Package store implements the in-memory object store: identity -> profile
// and chat name -> chat, the authoritative local copy of every replicated
// object on this node. A mutex guards it so handler goroutines and the
// restoration driver can touch it concurrently.
package store

import (
	"errors"
	"sync"

	"github.com/orionmesh/relay/internal/blob"
	"github.com/orionmesh/relay/internal/crypto/sign"
	"github.com/orionmesh/relay/internal/idtypes"
)

// MailboxCap is the maximum total size in bytes of a profile's mail queue.
const MailboxCap = 1024 * 1024

var (
	ErrNotFound      = errors.New("store: object not found")
	ErrAlreadyExists = errors.New("store: object already exists")
	ErrMailboxFull   = errors.New("store: mailbox capacity exceeded")
)

// Origin describes where a profile owner is currently reachable, the
// online_in hint. Exactly one of Client/Miner is set, or neither (offline).
type Origin struct {
	Client   *ClientOrigin
	Miner    *idtypes.PeerID
}

// ClientOrigin identifies a specific client circuit on this node.
type ClientOrigin struct {
	CircuitID uint64
}

// Equal reports whether two origins refer to the same circuit/peer.
func (o Origin) Equal(other Origin) bool {
	switch {
	case o.Client != nil && other.Client != nil:
		return o.Client.CircuitID == other.Client.CircuitID
	case o.Miner != nil && other.Miner != nil:
		return *o.Miner == *other.Miner
	default:
		return o.Client == nil && o.Miner == nil && other.Client == nil && other.Miner == nil
	}
}

// IsOffline reports whether no presence hint is set.
func (o Origin) IsOffline() bool {
	return o.Client == nil && o.Miner == nil
}

// Profile is the per-identity replicated object: keys, vault, mailbox and
// presence.
type Profile struct {
	SignPK       sign.PublicKey
	EncPK        [32]byte
	LastSig      sign.Signature
	VaultVersion uint64
	MailAction   uint64
	Vault        []byte
	Mail         []byte // raw framed bytes: [len:u16 BE][payload]...
	OnlineIn     Origin
}

// MailLen returns the current occupied bytes of the mail queue.
func (p *Profile) MailLen() int {
	return len(p.Mail)
}

// Member is a chat participant and their per-chat action nonce.
type Member struct {
	ID     idtypes.Identity
	Action uint64
}

// Chat is the per-ChatName replicated object: an ordered member list and
// an append-only message blob.
type Chat struct {
	Members  []Member
	Messages blob.Blob
}

// FindMember returns the index of id in c.Members, or -1.
func (c *Chat) FindMember(id idtypes.Identity) int {
	for i := range c.Members {
		if c.Members[i].ID == id {
			return i
		}
	}
	return -1
}

// Store is the authoritative local object store for this node.
type Store struct {
	mu       sync.RWMutex
	profiles map[idtypes.Identity]*Profile
	chats    map[idtypes.ChatName]*Chat
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		profiles: make(map[idtypes.Identity]*Profile),
		chats:    make(map[idtypes.ChatName]*Chat),
	}
}

// Profile returns the profile for id, or ErrNotFound.
func (s *Store) Profile(id idtypes.Identity) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

// PutProfile inserts a brand-new profile, failing with ErrAlreadyExists if
// one is already present.
func (s *Store) PutProfile(id idtypes.Identity, p *Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[id]; ok {
		return ErrAlreadyExists
	}
	s.profiles[id] = p
	return nil
}

// WithProfile runs fn with exclusive access to the profile for id. fn's
// return error, if any, is propagated. Used by handlers that must read,
// validate and mutate atomically (SetVault, ReadMail, SendMail).
func (s *Store) WithProfile(id idtypes.Identity, fn func(*Profile) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return ErrNotFound
	}
	return fn(p)
}

// OverwriteVault replaces an existing profile's vault in place, used by
// the convergence rule for CreateProfile arriving at a replica where the
// profile already exists: the vault is replaced, mail is left untouched.
func (s *Store) OverwriteVault(id idtypes.Identity, vault []byte, sig sign.Signature, nonce uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return ErrNotFound
	}
	p.Vault = vault
	p.LastSig = sig
	p.VaultVersion = nonce
	return nil
}

// Chat returns the chat for name, or ErrNotFound.
func (s *Store) Chat(name idtypes.ChatName) (*Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[name]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

// PutChat inserts a brand-new chat, failing with ErrAlreadyExists if one is
// already present.
func (s *Store) PutChat(name idtypes.ChatName, c *Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[name]; ok {
		return ErrAlreadyExists
	}
	s.chats[name] = c
	return nil
}

// WithChat runs fn with exclusive access to the chat for name.
func (s *Store) WithChat(name idtypes.ChatName, fn func(*Chat) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[name]
	if !ok {
		return ErrNotFound
	}
	return fn(c)
}

// WipeProfile removes a profile entirely. Exposed for tests that simulate
// a replica losing its local copy.
func (s *Store) WipeProfile(id idtypes.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.profiles, id)
}
