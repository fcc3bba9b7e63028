package rtctoken

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestGenerateRoomTokenRequiresCredentials(t *testing.T) {
	_, err := GenerateRoomToken(0, testSecret, "room", "user", "member", 3600)
	require.Error(t, err)

	_, err = GenerateRoomToken(1234, "", "room", "user", "member", 3600)
	require.Error(t, err)

	_, err = GenerateRoomToken(1234, "short-secret", "room", "user", "member", 3600)
	require.Error(t, err)
}

func TestGenerateRoomTokenProducesToken(t *testing.T) {
	tok, err := GenerateRoomToken(1234, testSecret, "room-42", "user-1", "astrologer", 3600)
	require.NoError(t, err)
	require.NotEmpty(t, tok)
}
