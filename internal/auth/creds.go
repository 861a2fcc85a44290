// Package auth holds the authentication material a WhatsApp session needs
// across restarts and the adapter that persists it through a document backend.
package auth

import (
	"encoding/base64"
	mathRand "math/rand/v2"

	"go.mau.fi/util/random"
	"go.mau.fi/whatsmeow/util/keys"
)

// KeyPair is a Curve25519 key pair.
type KeyPair struct {
	Private []byte `bson:"private" json:"private"`
	Public  []byte `bson:"public" json:"public"`
}

// SignedKeyPair is a key pair signed by the identity key.
type SignedKeyPair struct {
	KeyPair   KeyPair `bson:"keyPair" json:"keyPair"`
	Signature []byte  `bson:"signature" json:"signature"`
	KeyID     uint32  `bson:"keyId" json:"keyId"`
}

// Contact identifies the account a session is registered as.
type Contact struct {
	ID   string `bson:"id" json:"id"`
	LID  string `bson:"lid,omitempty" json:"lid,omitempty"`
	Name string `bson:"name,omitempty" json:"name,omitempty"`
}

// Account is the signed device identity the phone issues at pairing.
type Account struct {
	Details             []byte `bson:"details" json:"details"`
	AccountSignatureKey []byte `bson:"accountSignatureKey" json:"accountSignatureKey"`
	AccountSignature    []byte `bson:"accountSignature" json:"accountSignature"`
	DeviceSignature     []byte `bson:"deviceSignature" json:"deviceSignature"`
}

// Creds is the credential record persisted under the "creds" key.
type Creds struct {
	NoiseKey                KeyPair       `bson:"noiseKey" json:"noiseKey"`
	PairingEphemeralKeyPair KeyPair       `bson:"pairingEphemeralKeyPair" json:"pairingEphemeralKeyPair"`
	SignedIdentityKey       KeyPair       `bson:"signedIdentityKey" json:"signedIdentityKey"`
	SignedPreKey            SignedKeyPair `bson:"signedPreKey" json:"signedPreKey"`
	RegistrationID          uint32        `bson:"registrationId" json:"registrationId"`
	AdvSecretKey            string        `bson:"advSecretKey" json:"advSecretKey"`
	NextPreKeyID            uint32        `bson:"nextPreKeyId" json:"nextPreKeyId"`
	FirstUnuploadedPreKeyID uint32        `bson:"firstUnuploadedPreKeyId" json:"firstUnuploadedPreKeyId"`
	AccountSyncCounter      uint32        `bson:"accountSyncCounter" json:"accountSyncCounter"`
	Registered              bool          `bson:"registered" json:"registered"`
	Me                      *Contact      `bson:"me,omitempty" json:"me,omitempty"`
	Account                 *Account      `bson:"account,omitempty" json:"account,omitempty"`
	Platform                string        `bson:"platform,omitempty" json:"platform,omitempty"`
	PairingCode             string        `bson:"pairingCode,omitempty" json:"pairingCode,omitempty"`
}

// InitCreds creates fresh credentials for an unpaired session.
func InitCreds() *Creds {
	identity := keys.NewKeyPair()
	preKey := identity.CreateSignedPreKey(1)

	return &Creds{
		NoiseKey:                fromKeys(keys.NewKeyPair()),
		PairingEphemeralKeyPair: fromKeys(keys.NewKeyPair()),
		SignedIdentityKey:       fromKeys(identity),
		SignedPreKey: SignedKeyPair{
			KeyPair:   fromKeys(&preKey.KeyPair),
			Signature: preKey.Signature[:],
			KeyID:     preKey.KeyID,
		},
		RegistrationID:          mathRand.Uint32() & 0x3fff,
		AdvSecretKey:            base64.StdEncoding.EncodeToString(random.Bytes(32)),
		NextPreKeyID:            1,
		FirstUnuploadedPreKeyID: 1,
	}
}

// HasIdentity reports whether the creds carry a previously registered account.
func (c *Creds) HasIdentity() bool {
	return c != nil && c.Me != nil && c.Me.ID != ""
}

// Clone returns a copy whose Me and Account can be changed independently.
// Key material is replaced, never edited in place, so it stays shared.
func (c *Creds) Clone() *Creds {
	if c == nil {
		return nil
	}
	out := *c
	if c.Me != nil {
		me := *c.Me
		out.Me = &me
	}
	if c.Account != nil {
		account := *c.Account
		out.Account = &account
	}
	return &out
}

func fromKeys(kp *keys.KeyPair) KeyPair {
	return KeyPair{
		Private: append([]byte(nil), kp.Priv[:]...),
		Public:  append([]byte(nil), kp.Pub[:]...),
	}
}
