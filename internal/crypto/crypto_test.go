package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Well-known anvil/hardhat test key #0.
const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

const testAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"

func TestSignerDerivesAddress(t *testing.T) {
	s, err := NewSigner(testKey, 137, "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E")
	require.NoError(t, err)
	assert.Equal(t, testAddress, s.Address().Hex())

	// 0x prefix is tolerated.
	s2, err := NewSigner("0x"+testKey, 137, "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E")
	require.NoError(t, err)
	assert.Equal(t, s.Address(), s2.Address())
}

func TestSignAuthMessageIsDeterministic(t *testing.T) {
	s, err := NewSigner(testKey, 137, "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E")
	require.NoError(t, err)

	sig1, err := s.SignAuthMessage(1700000000, 0)
	require.NoError(t, err)
	sig2, err := s.SignAuthMessage(1700000000, 0)
	require.NoError(t, err)

	assert.Equal(t, sig1, sig2)
	assert.Len(t, sig1, 2+65*2) // 0x + 65 bytes hex
	assert.NotEqual(t, sig1[:10], "0x00000000")

	// A different timestamp changes the digest.
	sig3, err := s.SignAuthMessage(1700000001, 0)
	require.NoError(t, err)
	assert.NotEqual(t, sig1, sig3)
}

func TestSignOrderRejectsMalformedAmounts(t *testing.T) {
	s, err := NewSigner(testKey, 137, "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E")
	require.NoError(t, err)

	order := OrderPayload{
		Salt:        "12345",
		Maker:       testAddress,
		Signer:      testAddress,
		Taker:       "0x0000000000000000000000000000000000000000",
		TokenID:     "7123",
		MakerAmount: "not-a-number",
		TakerAmount: "1000000",
		Expiration:  "0",
		Nonce:       "0",
		FeeRateBps:  "0",
	}
	_, err = s.SignOrder(order)
	require.Error(t, err)

	order.MakerAmount = "500000"
	sig, err := s.SignOrder(order)
	require.NoError(t, err)
	assert.Len(t, sig, 2+65*2)
}

func TestL2HeadersShape(t *testing.T) {
	creds := &APICreds{
		Key:        "api-key",
		Secret:     "c2VjcmV0LXNlY3JldC1zZWNyZXQ=", // base64("secret-secret-secret")
		Passphrase: "pass",
	}
	h := creds.L2HeadersAt(testAddress, "POST", "/order", `{"order":{}}`, 1700000000)

	assert.Equal(t, testAddress, h["POLY_ADDRESS"])
	assert.Equal(t, "api-key", h["POLY_API_KEY"])
	assert.Equal(t, "1700000000", h["POLY_TIMESTAMP"])
	assert.Equal(t, "pass", h["POLY_PASSPHRASE"])
	assert.NotEmpty(t, h["POLY_SIGNATURE"])

	// Same inputs, same signature; different body, different signature.
	h2 := creds.L2HeadersAt(testAddress, "POST", "/order", `{"order":{}}`, 1700000000)
	assert.Equal(t, h["POLY_SIGNATURE"], h2["POLY_SIGNATURE"])
	h3 := creds.L2HeadersAt(testAddress, "POST", "/order", `{"other":{}}`, 1700000000)
	assert.NotEqual(t, h["POLY_SIGNATURE"], h3["POLY_SIGNATURE"])
}

func TestCredsStringIsRedacted(t *testing.T) {
	creds := &APICreds{Key: "api-key-12345", Secret: "super-secret"}
	s := creds.String()
	assert.NotContains(t, s, "12345")
	assert.NotContains(t, s, "super-secret")
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	blob, err := EncryptKey(testKey, "hunter2")
	require.NoError(t, err)

	got, err := DecryptKey(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, testKey, got)

	_, err = DecryptKey(blob, "wrong")
	require.Error(t, err)
}

func TestLoadKeyPrefersRawKey(t *testing.T) {
	got, err := LoadKey(KeySource{RawPrivateKey: "0x" + testKey})
	require.NoError(t, err)
	assert.Equal(t, testKey, got)

	_, err = LoadKey(KeySource{})
	require.Error(t, err)
}
