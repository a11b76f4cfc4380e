package domain

import (
	"crypto/sha256"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveTopicIsSHA256OfTrimmedRoom(t *testing.T) {
	topic, err := DeriveTopic("  lobby  ")
	require.NoError(t, err)
	require.Equal(t, Topic(sha256.Sum256([]byte("lobby"))), topic)

	again, err := DeriveTopic("lobby")
	require.NoError(t, err)
	require.Equal(t, topic, again)
}

func TestDeriveTopicRejectsBlankRooms(t *testing.T) {
	for _, raw := range []string{"", "   ", "\t\n"} {
		_, err := DeriveTopic(raw)
		require.ErrorIs(t, err, ErrInvalidRoom, "room %q", raw)
	}
}

func TestDeriveTopicRejectsLongRooms(t *testing.T) {
	_, err := DeriveTopic(strings.Repeat("r", MaxRoomNameLen+1))
	require.ErrorIs(t, err, ErrRoomTooLong)

	_, err = DeriveTopic(strings.Repeat("r", MaxRoomNameLen))
	require.NoError(t, err)
}

func TestDeriveTopicNoCollisions(t *testing.T) {
	const n = 50000
	seen := make(map[Topic]string, n)
	for i := 0; i < n; i++ {
		room := "room-" + strconv.Itoa(i)
		topic, err := DeriveTopic(room)
		require.NoError(t, err)
		if prev, ok := seen[topic]; ok {
			t.Fatalf("collision between %q and %q", prev, room)
		}
		seen[topic] = room
	}
}

func TestTopicString(t *testing.T) {
	topic, err := DeriveTopic("lobby")
	require.NoError(t, err)
	require.Len(t, topic.String(), 64)
	require.False(t, topic.IsZero())
	require.True(t, Topic{}.IsZero())
}

func TestNewClientIDUnique(t *testing.T) {
	require.NotEqual(t, NewClientID(), NewClientID())
}
