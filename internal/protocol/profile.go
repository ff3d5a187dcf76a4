package protocol

import (
	"github.com/orionmesh/relay/internal/codec"
	"github.com/orionmesh/relay/internal/crypto/sign"
	"github.com/orionmesh/relay/internal/idtypes"
	"github.com/orionmesh/relay/internal/proof"
	"github.com/orionmesh/relay/internal/store"
)

// CreateProfileRequest is the request for the CreateProfile protocol: a
// proof over the mailbox context (the profile doesn't exist yet, so there
// is no vault to hash), the owner's encryption public key, and the initial
// vault contents as a Reminder.
type CreateProfileRequest struct {
	Proof proof.Proof
	EncPK [32]byte
	Vault []byte
}

func (r CreateProfileRequest) Encode(w *codec.Writer) {
	EncodeProof(w, r.Proof)
	w.WriteFixed(r.EncPK[:])
	w.WriteReminder(r.Vault)
}

// DecodeCreateProfileRequest decodes a CreateProfileRequest.
func DecodeCreateProfileRequest(r *codec.Reader) (CreateProfileRequest, error) {
	p, err := DecodeProof(r)
	if err != nil {
		return CreateProfileRequest{}, err
	}
	encb, err := r.ReadFixed(32)
	if err != nil {
		return CreateProfileRequest{}, err
	}
	vault := r.ReadReminder()
	var enc [32]byte
	copy(enc[:], encb)
	return CreateProfileRequest{Proof: p, EncPK: enc, Vault: vault}, nil
}

func (r CreateProfileRequest) Topic() Topic { return ProfileTopic(requesterIdentity(r.Proof)) }

// ApplyCreateProfile executes CreateProfile locally: verifies the proof
// over the mailbox context, then inserts a brand-new
// profile keyed by the proof signer's derived Identity.
func ApplyCreateProfile(s *store.Store, req CreateProfileRequest) error {
	if !proof.Verify(req.Proof, proof.MailContext()) {
		return ErrInvalidProof
	}
	id := requesterIdentity(req.Proof)
	err := s.PutProfile(id, &store.Profile{
		SignPK:       req.Proof.PK,
		EncPK:        req.EncPK,
		LastSig:      req.Proof.Signature,
		VaultVersion: req.Proof.Nonce,
		Vault:        append([]byte(nil), req.Vault...),
	})
	if err != nil {
		return ErrAlreadyExists
	}
	return nil
}

// ApplyCreateProfileReplicaConvergence implements the replica-side
// convergence rule for concurrent creates: when CreateProfile arrives at a replica
// where the profile already exists, the replica accepts the write (vault
// only, never mail) iff proof.Nonce > stored.VaultVersion.
func ApplyCreateProfileReplicaConvergence(s *store.Store, req CreateProfileRequest) error {
	if !proof.Verify(req.Proof, proof.MailContext()) {
		return ErrInvalidProof
	}
	id := requesterIdentity(req.Proof)
	if err := ApplyCreateProfile(s, req); err == nil {
		return nil
	}
	existing, err := s.Profile(id)
	if err != nil {
		return ErrNotFound
	}
	if req.Proof.Nonce <= existing.VaultVersion {
		return ErrAlreadyExists
	}
	return s.OverwriteVault(id, append([]byte(nil), req.Vault...), req.Proof.Signature, req.Proof.Nonce)
}

// SetVaultRequest is the request for the SetVault protocol.
type SetVaultRequest struct {
	Proof proof.Proof
	Vault []byte
}

func (r SetVaultRequest) Encode(w *codec.Writer) {
	EncodeProof(w, r.Proof)
	w.WriteReminder(r.Vault)
}

// DecodeSetVaultRequest decodes a SetVaultRequest.
func DecodeSetVaultRequest(r *codec.Reader) (SetVaultRequest, error) {
	p, err := DecodeProof(r)
	if err != nil {
		return SetVaultRequest{}, err
	}
	vault := r.ReadReminder()
	return SetVaultRequest{Proof: p, Vault: vault}, nil
}

func (r SetVaultRequest) Topic() Topic { return ProfileTopic(requesterIdentity(r.Proof)) }

// ApplySetVault executes SetVault locally: the proof's context is
// blake3 of the new vault contents, domain-separating a vault write
// from a replay of any other vault write.
func ApplySetVault(s *store.Store, req SetVaultRequest) error {
	if !proof.Verify(req.Proof, proof.VaultContext(req.Vault)) {
		return ErrInvalidProof
	}
	id := requesterIdentity(req.Proof)
	err := s.WithProfile(id, func(p *store.Profile) error {
		stored := p.VaultVersion
		if !proof.AdvanceNonce(&p.VaultVersion, req.Proof.Nonce) {
			return InvalidActionError{Stored: stored}
		}
		p.LastSig = req.Proof.Signature
		p.Vault = append([]byte(nil), req.Vault...)
		return nil
	})
	if err == store.ErrNotFound {
		return ErrNotFound
	}
	return err
}

// FetchVaultRequest is the request for the FetchVault protocol.
type FetchVaultRequest struct {
	Identity idtypes.Identity
}

func (r FetchVaultRequest) Encode(w *codec.Writer) { w.WriteFixed(r.Identity[:]) }

// DecodeFetchVaultRequest decodes a FetchVaultRequest.
func DecodeFetchVaultRequest(r *codec.Reader) (FetchVaultRequest, error) {
	b, err := r.ReadFixed(idtypes.IdentitySize)
	if err != nil {
		return FetchVaultRequest{}, err
	}
	var id idtypes.Identity
	copy(id[:], b)
	return FetchVaultRequest{Identity: id}, nil
}

func (r FetchVaultRequest) Topic() Topic { return ProfileTopic(r.Identity) }

// FetchVaultResponse is the response for the FetchVault protocol.
type FetchVaultResponse struct {
	VaultVersion uint64
	MailAction   uint64
	Vault        []byte
}

func (r FetchVaultResponse) Encode(w *codec.Writer) {
	w.WriteVarint(r.VaultVersion)
	w.WriteVarint(r.MailAction)
	w.WriteReminder(r.Vault)
}

// DecodeFetchVaultResponse decodes a FetchVaultResponse.
func DecodeFetchVaultResponse(r *codec.Reader) (FetchVaultResponse, error) {
	vv, err := r.ReadVarint()
	if err != nil {
		return FetchVaultResponse{}, err
	}
	ma, err := r.ReadVarint()
	if err != nil {
		return FetchVaultResponse{}, err
	}
	vault := r.ReadReminder()
	return FetchVaultResponse{VaultVersion: vv, MailAction: ma, Vault: vault}, nil
}

// ApplyFetchVault executes FetchVault locally, a plain read.
func ApplyFetchVault(s *store.Store, req FetchVaultRequest) (FetchVaultResponse, error) {
	p, err := s.Profile(req.Identity)
	if err != nil {
		return FetchVaultResponse{}, ErrNotFound
	}
	return FetchVaultResponse{VaultVersion: p.VaultVersion, MailAction: p.MailAction, Vault: p.Vault}, nil
}

// ReadMailRequest is the request for the ReadMail protocol: a proof over
// the fixed mailbox context.
type ReadMailRequest struct {
	Proof proof.Proof
}

func (r ReadMailRequest) Encode(w *codec.Writer) { EncodeProof(w, r.Proof) }

// DecodeReadMailRequest decodes a ReadMailRequest.
func DecodeReadMailRequest(r *codec.Reader) (ReadMailRequest, error) {
	p, err := DecodeProof(r)
	if err != nil {
		return ReadMailRequest{}, err
	}
	return ReadMailRequest{Proof: p}, nil
}

func (r ReadMailRequest) Topic() Topic { return ProfileTopic(requesterIdentity(r.Proof)) }

// ApplyReadMail executes ReadMail locally: verifies the proof, enforces
// strict-increase of the mail action counter, atomically drains the mail
// queue, and records origin as the profile's new presence hint: reading
// mail is proof the owner is reachable there.
func ApplyReadMail(s *store.Store, req ReadMailRequest, origin store.Origin) ([]byte, error) {
	if !proof.Verify(req.Proof, proof.MailContext()) {
		return nil, ErrInvalidProof
	}
	id := requesterIdentity(req.Proof)
	var mail []byte
	err := s.WithProfile(id, func(p *store.Profile) error {
		stored := p.MailAction
		if !proof.AdvanceNonce(&p.MailAction, req.Proof.Nonce) {
			return InvalidActionError{Stored: stored}
		}
		mail = p.Mail
		p.Mail = nil
		p.OnlineIn = origin
		return nil
	})
	if err != nil {
		if err == store.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return mail, nil
}

// FetchProfileRequest is the request for both FetchProfile and
// FetchFullProfile: just the identity.
type FetchProfileRequest struct {
	Identity idtypes.Identity
}

func (r FetchProfileRequest) Encode(w *codec.Writer) { w.WriteFixed(r.Identity[:]) }

// DecodeFetchProfileRequest decodes a FetchProfileRequest.
func DecodeFetchProfileRequest(r *codec.Reader) (FetchProfileRequest, error) {
	b, err := r.ReadFixed(idtypes.IdentitySize)
	if err != nil {
		return FetchProfileRequest{}, err
	}
	var id idtypes.Identity
	copy(id[:], b)
	return FetchProfileRequest{Identity: id}, nil
}

func (r FetchProfileRequest) Topic() Topic { return ProfileTopic(r.Identity) }

// FetchProfileResponse is the response for FetchProfile: just the two
// public keys.
type FetchProfileResponse struct {
	SignPK sign.PublicKey
	EncPK  [32]byte
}

func (r FetchProfileResponse) Encode(w *codec.Writer) {
	w.WriteBytes(sign.MarshalPublic(r.SignPK))
	w.WriteFixed(r.EncPK[:])
}

// DecodeFetchProfileResponse decodes a FetchProfileResponse.
func DecodeFetchProfileResponse(r *codec.Reader) (FetchProfileResponse, error) {
	pkb, err := r.ReadBytes()
	if err != nil {
		return FetchProfileResponse{}, err
	}
	encb, err := r.ReadFixed(32)
	if err != nil {
		return FetchProfileResponse{}, err
	}
	pk, err := sign.UnmarshalPublic(pkb)
	if err != nil {
		return FetchProfileResponse{}, err
	}
	var enc [32]byte
	copy(enc[:], encb)
	return FetchProfileResponse{SignPK: pk, EncPK: enc}, nil
}

// ApplyFetchProfile executes FetchProfile locally.
func ApplyFetchProfile(s *store.Store, req FetchProfileRequest) (FetchProfileResponse, error) {
	p, err := s.Profile(req.Identity)
	if err != nil {
		return FetchProfileResponse{}, ErrNotFound
	}
	return FetchProfileResponse{SignPK: p.SignPK, EncPK: p.EncPK}, nil
}

// FullProfile is the wire form of a complete profile, excluding mail,
// used by FetchFullProfile and by the restoration driver to repair a
// local miss.
type FullProfile struct {
	SignPK       sign.PublicKey
	EncPK        [32]byte
	LastSig      sign.Signature
	VaultVersion uint64
	MailAction   uint64
	Vault        []byte
}

func (p FullProfile) Encode(w *codec.Writer) {
	w.WriteBytes(sign.MarshalPublic(p.SignPK))
	w.WriteFixed(p.EncPK[:])
	w.WriteBytes(sign.MarshalSignature(p.LastSig))
	w.WriteVarint(p.VaultVersion)
	w.WriteVarint(p.MailAction)
	w.WriteReminder(p.Vault)
}

// DecodeFullProfile decodes a FullProfile.
func DecodeFullProfile(r *codec.Reader) (FullProfile, error) {
	pkb, err := r.ReadBytes()
	if err != nil {
		return FullProfile{}, err
	}
	encb, err := r.ReadFixed(32)
	if err != nil {
		return FullProfile{}, err
	}
	sigb, err := r.ReadBytes()
	if err != nil {
		return FullProfile{}, err
	}
	vv, err := r.ReadVarint()
	if err != nil {
		return FullProfile{}, err
	}
	ma, err := r.ReadVarint()
	if err != nil {
		return FullProfile{}, err
	}
	vault := r.ReadReminder()

	pk, err := sign.UnmarshalPublic(pkb)
	if err != nil {
		return FullProfile{}, err
	}
	sig, err := sign.UnmarshalSignature(sigb)
	if err != nil {
		return FullProfile{}, err
	}
	var enc [32]byte
	copy(enc[:], encb)
	return FullProfile{
		SignPK: pk, EncPK: enc, LastSig: sig,
		VaultVersion: vv, MailAction: ma, Vault: vault,
	}, nil
}

// ApplyFetchFullProfile executes FetchFullProfile locally.
func ApplyFetchFullProfile(s *store.Store, req FetchProfileRequest) (FullProfile, error) {
	p, err := s.Profile(req.Identity)
	if err != nil {
		return FullProfile{}, ErrNotFound
	}
	return FullProfile{
		SignPK: p.SignPK, EncPK: p.EncPK, LastSig: p.LastSig,
		VaultVersion: p.VaultVersion, MailAction: p.MailAction, Vault: p.Vault,
	}, nil
}
