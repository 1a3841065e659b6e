package wallet

import (
	"fmt"
	"strings"

	"github.com/tyler-smith/go-bip39"
)

// mnemonicEntropyBits yields a 12-word phrase.
const mnemonicEntropyBits = 128

// Mnemonic wraps a BIP-39 phrase. Its String and GoString methods are redacted so the
// phrase cannot leak through log fields or %v formatting.
type Mnemonic struct {
	phrase string
}

// GenerateMnemonic creates a new 12-word BIP-39 mnemonic from crypto/rand entropy.
func GenerateMnemonic() (*Mnemonic, error) {
	entropy, err := bip39.NewEntropy(mnemonicEntropyBits)
	if err != nil {
		return nil, fmt.Errorf("generate entropy: %w", err)
	}
	phrase, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, fmt.Errorf("generate mnemonic: %w", err)
	}
	return &Mnemonic{phrase: phrase}, nil
}

// ParseMnemonic validates phrase (word list and checksum).
func ParseMnemonic(phrase string) (*Mnemonic, error) {
	phrase = strings.Join(strings.Fields(phrase), " ")
	if !bip39.IsMnemonicValid(phrase) {
		return nil, fmt.Errorf("invalid BIP-39 mnemonic")
	}
	return &Mnemonic{phrase: phrase}, nil
}

// Phrase returns the secret words.
func (m *Mnemonic) Phrase() string { return m.phrase }

// Words returns the number of words in the phrase.
func (m *Mnemonic) Words() int { return len(strings.Fields(m.phrase)) }

// Seed returns the BIP-39 seed with an empty seed passphrase.
func (m *Mnemonic) Seed() []byte { return bip39.NewSeed(m.phrase, "") }

func (m *Mnemonic) String() string   { return "[redacted mnemonic]" }
func (m *Mnemonic) GoString() string { return m.String() }
