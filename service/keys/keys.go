// Package keys loads signer keypairs and program ids from the places the
// Solana toolchain leaves them: keygen JSON files and environment variables.
package keys

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/gagliardetto/solana-go"

	solanasvc "github.com/brojonat/txlander/service/solana"
)

// ErrNotConfigured is returned when neither a file nor an env var was given.
var ErrNotConfigured = errors.New("no keypair configured")

// ParseKeypairJSON decodes the keygen format: a JSON array of 64 byte values.
func ParseKeypairJSON(data []byte) (solanasvc.Keypair, error) {
	var raw []int
	if err := json.Unmarshal(data, &raw); err != nil {
		return solanasvc.Keypair{}, fmt.Errorf("decode keypair JSON: %w", err)
	}
	key := make([]byte, len(raw))
	for i, v := range raw {
		if v < 0 || v > 255 {
			return solanasvc.Keypair{}, fmt.Errorf("decode keypair JSON: value %d at index %d is not a byte", v, i)
		}
		key[i] = byte(v)
	}
	return solanasvc.NewKeypair(solana.PrivateKey(key))
}

// LoadKeypairFile reads a keygen JSON file such as ~/.config/solana/id.json.
func LoadKeypairFile(path string) (solanasvc.Keypair, error) {
	key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return solanasvc.Keypair{}, fmt.Errorf("load keypair %s: %w", path, err)
	}
	return solanasvc.NewKeypair(key)
}

// LoadKeypairEnv reads a keygen JSON array from the named environment variable.
func LoadKeypairEnv(name string) (solanasvc.Keypair, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return solanasvc.Keypair{}, fmt.Errorf("%w: %s is not set", ErrNotConfigured, name)
	}
	kp, err := ParseKeypairJSON([]byte(value))
	if err != nil {
		return solanasvc.Keypair{}, fmt.Errorf("%s: %w", name, err)
	}
	return kp, nil
}

// LoadSigner prefers path when set and falls back to the env var.
func LoadSigner(path, envName string) (solanasvc.Keypair, error) {
	if path != "" {
		return LoadKeypairFile(path)
	}
	if envName == "" {
		return solanasvc.Keypair{}, ErrNotConfigured
	}
	return LoadKeypairEnv(envName)
}

// ResolveProgramID returns the program id given either as base58 or as the
// public half of the program's deploy keypair file. base58 wins when both
// are set.
func ResolveProgramID(base58, keypairPath string) (solana.PublicKey, error) {
	if base58 != "" {
		pk, err := solana.PublicKeyFromBase58(base58)
		if err != nil {
			return solana.PublicKey{}, fmt.Errorf("invalid program id %q: %w", base58, err)
		}
		return pk, nil
	}
	if keypairPath != "" {
		kp, err := LoadKeypairFile(keypairPath)
		if err != nil {
			return solana.PublicKey{}, err
		}
		return kp.PublicKey(), nil
	}
	return solana.PublicKey{}, fmt.Errorf("%w: set PROGRAM_ID or PROGRAM_KEYPAIR_PATH", ErrNotConfigured)
}
