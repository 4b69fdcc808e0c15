package temporal

import (
	"sort"

	solanago "github.com/gagliardetto/solana-go"

	"github.com/brojonat/txlander/service/solana"
)

// Keyring holds the keypairs a worker can sign with. Workflows name signers
// by public key only.
type Keyring struct {
	keys map[solanago.PublicKey]solana.Keypair
}

// NewKeyring returns a keyring holding kps.
func NewKeyring(kps ...solana.Keypair) *Keyring {
	k := &Keyring{keys: make(map[solanago.PublicKey]solana.Keypair, len(kps))}
	for _, kp := range kps {
		k.keys[kp.PublicKey()] = kp
	}
	return k
}

// Keypairs returns every held keypair.
func (k *Keyring) Keypairs() []solana.Keypair {
	out := make([]solana.Keypair, 0, len(k.keys))
	for _, kp := range k.keys {
		out = append(out, kp)
	}
	return out
}

// PublicKeys lists the held public keys in base58, sorted.
func (k *Keyring) PublicKeys() []string {
	out := make([]string, 0, len(k.keys))
	for pk := range k.keys {
		out = append(out, pk.String())
	}
	sort.Strings(out)
	return out
}
