package openid

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"hash"
	"math/big"
)

// decodeBase64BigInt decodes s as standard base64 and interprets the
// result as a btwoc-encoded nonnegative integer, the wire form
// dh_modulus, dh_gen and dh_consumer_public all use.
func decodeBase64BigInt(s string) (*big.Int, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("openid: decode base64 integer: %w", err)
	}
	return decodeUnsignedBigInt(b), nil
}

// defaultDHModulus is the 1024-bit safe prime used as the default
// Diffie-Hellman modulus whenever an associate request omits
// openid.dh_modulus. Generator is 2.
var defaultDHModulus, _ = new(big.Int).SetString(
	"155172898181473697471232257763715539915724801966915404479707795"+
		"314057629378541917580651227423698188993727816152646631438561595"+
		"825688188889951272158842675419950341258706556549803580104870537"+
		"681476726513255747040765857479291291572334510643245094715007229"+
		"621094194349783925984760375594985848253359305585439638443", 10,
)

var defaultDHGenerator = big.NewInt(2)

// btwoc is the "two's-complement big-endian" encoding required
// for values carried in a DH exchange: the minimal big-endian
// representation of a nonnegative integer, with a leading 0x00 byte
// prepended whenever the high bit of the first byte would otherwise make
// the value look negative.
func btwoc(b []byte) []byte {
	if len(b) == 0 {
		return []byte{0}
	}
	if b[0]&0x80 != 0 {
		out := make([]byte, len(b)+1)
		copy(out[1:], b)
		return out
	}
	return b
}

// btwocInt is the btwoc encoding of n, which must be nonnegative.
func btwocInt(n *big.Int) []byte {
	return btwoc(n.Bytes())
}

// decodeUnsignedBigInt reverses btwoc: it strips a leading 0x00 sign
// byte, if present, before interpreting the rest as a big-endian
// nonnegative integer.
func decodeUnsignedBigInt(b []byte) *big.Int {
	if len(b) > 1 && b[0] == 0x00 {
		b = b[1:]
	}
	return new(big.Int).SetBytes(b)
}

func xorBytes(a, b []byte) ([]byte, error) {
	if len(a) != len(b) {
		return nil, fmt.Errorf("openid: xor length mismatch: %d != %d", len(a), len(b))
	}
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out, nil
}

// macKeyLen returns the MAC key length in bytes required by alg.
func macKeyLen(alg string) (int, error) {
	switch alg {
	case AlgHMACSHA1:
		return 20, nil
	case AlgHMACSHA256:
		return 32, nil
	default:
		return 0, fmt.Errorf("openid: unsupported association algorithm %q", alg)
	}
}

func hasherFor(alg string) (func() hash.Hash, error) {
	switch alg {
	case AlgHMACSHA1:
		return sha1.New, nil
	case AlgHMACSHA256:
		return sha256.New, nil
	default:
		return nil, fmt.Errorf("openid: unsupported association algorithm %q", alg)
	}
}

// randomMACKey generates a fresh MAC key of the length alg requires.
func randomMACKey(alg string) ([]byte, error) {
	n, err := macKeyLen(alg)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("openid: generate mac key: %w", err)
	}
	return buf, nil
}

// hmacSign computes HMAC(key, body) with the hash alg selects.
func hmacSign(alg string, key, body []byte) ([]byte, error) {
	newHash, err := hasherFor(alg)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(newHash, key)
	mac.Write(body)
	return mac.Sum(nil), nil
}

// hmacVerify reports whether sig is the correct HMAC(key, body) under alg.
func hmacVerify(alg string, key, body, sig []byte) (bool, error) {
	want, err := hmacSign(alg, key, body)
	if err != nil {
		return false, err
	}
	return hmac.Equal(want, sig), nil
}

// dhKeyPair is an ephemeral Diffie-Hellman keypair generated for one
// associate exchange.
type dhKeyPair struct {
	private *big.Int
	public  *big.Int
}

// generateDHKeyPair picks a private exponent uniformly from [1, modulus-2]
// and derives the matching public value generator^private mod modulus,
// the same shape of computation as Zemnmez-yesman's NewAssociation.
func generateDHKeyPair(modulus, generator *big.Int) (dhKeyPair, error) {
	limit := new(big.Int).Sub(modulus, big.NewInt(2))
	priv, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return dhKeyPair{}, fmt.Errorf("openid: generate dh private value: %w", err)
	}
	priv.Add(priv, big.NewInt(1))
	pub := new(big.Int).Exp(generator, priv, modulus)
	return dhKeyPair{private: priv, public: pub}, nil
}

// dhSharedSecret computes theirPublic^ourPrivate mod modulus, the value
// both sides of an associate exchange arrive at independently.
func dhSharedSecret(theirPublic, ourPrivate, modulus *big.Int) *big.Int {
	return new(big.Int).Exp(theirPublic, ourPrivate, modulus)
}

// sealMACKey XORs a freshly generated plaintext MAC key against the hash
// of the DH shared secret, producing the enc_mac_key sent to the relying
// party. Both sides can recover macKey from encMacKey once they know the
// shared secret, mirroring Zemnmez-yesman's EncMacKey.
func sealMACKey(alg string, sharedSecret *big.Int, macKey []byte) (encMacKey []byte, err error) {
	newHash, err := hasherFor(alg)
	if err != nil {
		return nil, err
	}
	h := newHash()
	h.Write(btwocInt(sharedSecret))
	digest := h.Sum(nil)
	return xorBytes(digest, macKey)
}

// openMACKey is the inverse of sealMACKey: given the shared secret and the
// enc_mac_key received over the wire, recover the plaintext MAC key.
func openMACKey(alg string, sharedSecret *big.Int, encMacKey []byte) ([]byte, error) {
	return sealMACKey(alg, sharedSecret, encMacKey)
}
