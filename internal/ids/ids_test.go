package ids

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

// referencePBKDF2HMACSHA256 reimplements RFC 8018's PBKDF2 directly from its
// definition (F(P,S,c,i) = U1 ^ U2 ^ ... ^ Uc, U1 = PRF(P, S||INT(i)), Uj =
// PRF(P, U{j-1})), independently of golang.org/x/crypto/pbkdf2, so the test
// below has a known-answer vector to check DeriveInviteKey against rather
// than a hard-coded hex string pulled from nowhere. dkLen here is exactly one
// SHA-256 block (32 bytes), so only the i=1 block is needed.
func referencePBKDF2HMACSHA256(password, salt []byte, iterations int) []byte {
	mac := hmac.New(sha256.New, password)
	mac.Write(salt)
	mac.Write([]byte{0, 0, 0, 1}) // INT_32_BE(1): block index, dkLen == hLen
	u := mac.Sum(nil)
	t := append([]byte(nil), u...)
	for i := 1; i < iterations; i++ {
		mac.Reset()
		mac.Write(u)
		u = mac.Sum(nil)
		for j := range t {
			t[j] ^= u[j]
		}
	}
	return t
}

func TestDeriveInviteKeyKnownAnswerVector(t *testing.T) {
	password := "correct horse battery staple"
	nonce, err := hex.DecodeString("000102030405060708090a0b0c0d0e0f")
	require.NoError(t, err)
	require.Len(t, nonce, 16)

	var n Nonce
	copy(n[:], nonce)

	want := referencePBKDF2HMACSHA256([]byte(password), nonce, InviteKDFIterations)
	got := DeriveInviteKey(password, n)

	require.Equal(t, hex.EncodeToString(want), hex.EncodeToString(got[:]))
	require.Len(t, got, 32)
}

func TestDeriveInviteKeyDeterministic(t *testing.T) {
	var n Nonce
	for i := range n {
		n[i] = byte(i)
	}

	a := DeriveInviteKey("hunter2", n)
	b := DeriveInviteKey("hunter2", n)
	require.Equal(t, a, b)
}

func TestDeriveInviteKeyDistinguishesInputs(t *testing.T) {
	var n1, n2 Nonce
	for i := range n1 {
		n1[i] = byte(i)
	}
	for i := range n2 {
		n2[i] = byte(i + 1)
	}

	base := DeriveInviteKey("hunter2", n1)
	otherNonce := DeriveInviteKey("hunter2", n2)
	otherPassword := DeriveInviteKey("hunter3", n1)

	require.NotEqual(t, base, otherNonce)
	require.NotEqual(t, base, otherPassword)
}
