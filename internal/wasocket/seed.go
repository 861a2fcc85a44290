package wasocket

import (
	"encoding/base64"
	"errors"
	"fmt"

	"go.mau.fi/whatsmeow/proto/waAdv"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/util/keys"

	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-session/internal/auth"
)

var (
	errBadKey    = errors.New("malformed key material")
	errNoAccount = errors.New("creds hold no paired account")
)

func keyPairFrom(kp auth.KeyPair) (*keys.KeyPair, error) {
	if len(kp.Private) != 32 {
		return nil, fmt.Errorf("%w: private key has %d bytes", errBadKey, len(kp.Private))
	}
	return keys.NewKeyPairFromPrivateKey([32]byte(kp.Private)), nil
}

// seedDevice makes an unpaired device use the key material from creds, so
// the identity a session pairs with is the one persisted by the auth store.
func seedDevice(dev *store.Device, creds *auth.Creds) error {
	noise, err := keyPairFrom(creds.NoiseKey)
	if err != nil {
		return fmt.Errorf("noise key: %w", err)
	}
	identity, err := keyPairFrom(creds.SignedIdentityKey)
	if err != nil {
		return fmt.Errorf("identity key: %w", err)
	}
	preKey, err := keyPairFrom(creds.SignedPreKey.KeyPair)
	if err != nil {
		return fmt.Errorf("signed pre-key: %w", err)
	}
	if len(creds.SignedPreKey.Signature) != 64 {
		return fmt.Errorf("%w: signature has %d bytes", errBadKey, len(creds.SignedPreKey.Signature))
	}
	adv, err := base64.StdEncoding.DecodeString(creds.AdvSecretKey)
	if err != nil {
		return fmt.Errorf("adv secret: %w", err)
	}

	sig := [64]byte(creds.SignedPreKey.Signature)
	dev.NoiseKey = noise
	dev.IdentityKey = identity
	dev.SignedPreKey = &keys.PreKey{KeyPair: *preKey, KeyID: creds.SignedPreKey.KeyID, Signature: &sig}
	dev.RegistrationID = creds.RegistrationID
	dev.AdvSecretKey = adv
	return nil
}

// restoreDevice rebuilds a paired device from creds alone. The device is
// left untouched when creds cannot describe one.
func restoreDevice(dev *store.Device, creds *auth.Creds) error {
	if !creds.HasIdentity() || creds.Account == nil {
		return errNoAccount
	}
	id, err := types.ParseJID(creds.Me.ID)
	if err != nil {
		return fmt.Errorf("device id: %w", err)
	}
	var lid types.JID
	if creds.Me.LID != "" {
		if lid, err = types.ParseJID(creds.Me.LID); err != nil {
			return fmt.Errorf("device lid: %w", err)
		}
	}
	if err := seedDevice(dev, creds); err != nil {
		return err
	}

	dev.ID = &id
	dev.LID = lid
	dev.Account = &waAdv.ADVSignedDeviceIdentity{
		Details:             creds.Account.Details,
		AccountSignatureKey: creds.Account.AccountSignatureKey,
		AccountSignature:    creds.Account.AccountSignature,
		DeviceSignature:     creds.Account.DeviceSignature,
	}
	dev.Platform = creds.Platform
	dev.PushName = creds.Me.Name
	return nil
}
