package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Well-known throwaway key (hardhat account #0), never funded on mainnet.
const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestSignerAddress(t *testing.T) {
	s, err := NewSigner(testKey, 137)
	require.NoError(t, err)
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", s.Address().Hex())

	// 0x prefix is accepted.
	s2, err := NewSigner("0x"+testKey, 137)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), s2.Address())

	_, err = NewSigner("zz", 137)
	assert.Error(t, err)
}

func TestSignAuthMessageDeterministic(t *testing.T) {
	s, err := NewSigner(testKey, 137)
	require.NoError(t, err)

	sig1, err := s.SignAuthMessage(s.Address().Hex(), 1756464000, 0)
	require.NoError(t, err)
	sig2, err := s.SignAuthMessage(s.Address().Hex(), 1756464000, 0)
	require.NoError(t, err)

	assert.Equal(t, sig1, sig2)
	assert.Len(t, sig1, 2+65*2, "0x prefix plus 65 hex-encoded bytes")

	// Different timestamp, different signature.
	sig3, err := s.SignAuthMessage(s.Address().Hex(), 1756464001, 0)
	require.NoError(t, err)
	assert.NotEqual(t, sig1, sig3)
}

func TestSignOrderDomains(t *testing.T) {
	s, err := NewSigner(testKey, 137)
	require.NoError(t, err)

	order := OrderPayload{
		Salt:          "12345",
		Maker:         s.Address().Hex(),
		Signer:        s.Address().Hex(),
		Taker:         "0x0000000000000000000000000000000000000000",
		TokenID:       "111",
		MakerAmount:   "41000000",
		TakerAmount:   "100000000",
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          0,
		SignatureType: 0,
	}

	plain, err := s.SignOrder(order, false)
	require.NoError(t, err)
	negRisk, err := s.SignOrder(order, true)
	require.NoError(t, err)
	assert.NotEqual(t, plain, negRisk, "neg-risk orders sign against a different exchange contract")

	bad := order
	bad.Salt = "not-a-number"
	_, err = s.SignOrder(bad, false)
	assert.Error(t, err)
}

func TestL2HeadersDeterministic(t *testing.T) {
	auth := &HMACAuth{
		Key:        "key-1",
		Secret:     "c2VjcmV0LWJ5dGVz", // base64("secret-bytes")
		Passphrase: "pass",
	}

	h1 := auth.L2HeadersAt("0xabc", "POST", "/order", `{"a":1}`, 1756464000)
	h2 := auth.L2HeadersAt("0xabc", "POST", "/order", `{"a":1}`, 1756464000)
	assert.Equal(t, h1, h2)
	assert.Equal(t, "key-1", h1["POLY_API_KEY"])
	assert.Equal(t, "1756464000", h1["POLY_TIMESTAMP"])
	assert.NotEmpty(t, h1["POLY_SIGNATURE"])

	// Body changes the signature.
	h3 := auth.L2HeadersAt("0xabc", "POST", "/order", `{"a":2}`, 1756464000)
	assert.NotEqual(t, h1["POLY_SIGNATURE"], h3["POLY_SIGNATURE"])
}

func TestHMACAuthStringRedacts(t *testing.T) {
	auth := &HMACAuth{Key: "key-123456", Secret: "secret-123456"}
	s := auth.String()
	assert.NotContains(t, s, "123456")
	assert.Contains(t, s, "key-")
}

func TestEncryptDecryptKeyRoundTrip(t *testing.T) {
	blob, err := EncryptKey(testKey, "hunter2")
	require.NoError(t, err)

	got, err := DecryptKey(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, testKey, got)

	_, err = DecryptKey(blob, "wrong")
	assert.Error(t, err)
}

func TestLoadKey(t *testing.T) {
	got, err := LoadKey(KeyConfig{RawPrivateKey: "0x" + testKey})
	require.NoError(t, err)
	assert.Equal(t, testKey, got)

	_, err = LoadKey(KeyConfig{})
	assert.Error(t, err)
}
