package storage

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestChatMessageJSONRoundTrip(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC+3", 3*60*60)
	original := ChatMessage{
		Username: "testuser",
		Message:  "Post Test Message",
		Datetime: time.Date(1983, 8, 19, 23, 15, 30, 123456789, loc),
	}

	payload, err := json.Marshal(original)
	require.NoError(t, err)
	require.JSONEq(t, `{"username":"testuser","message":"Post Test Message","datetime":"1983-08-19T20:15:30.123Z"}`, string(payload))

	var decoded ChatMessage
	require.NoError(t, json.Unmarshal(payload, &decoded))
	require.Equal(t, original.Truncate(), decoded)
	require.True(t, original.Datetime.Truncate(time.Millisecond).Equal(decoded.Datetime))
}

func TestChatMessageUnmarshalWithoutDatetime(t *testing.T) {
	t.Parallel()

	var m ChatMessage
	require.NoError(t, json.Unmarshal([]byte(`{"username":"u1","message":""}`), &m))
	require.Equal(t, "u1", m.Username)
	require.Empty(t, m.Message)
	require.True(t, m.Datetime.IsZero())
}

func TestChatMessageUnmarshalBadDatetime(t *testing.T) {
	t.Parallel()

	var m ChatMessage
	err := json.Unmarshal([]byte(`{"username":"u1","message":"hi","datetime":"yesterday"}`), &m)
	require.Error(t, err)
}

func TestParseDatetimeAcceptsSecondsAndNanos(t *testing.T) {
	t.Parallel()

	a, err := ParseDatetime("2105-01-01T00:00:00Z")
	require.NoError(t, err)
	b, err := ParseDatetime("2105-01-01T02:00:00.000000000+02:00")
	require.NoError(t, err)
	require.True(t, a.Equal(b))
	require.Equal(t, time.UTC, a.Location())
}

func TestUserJSON(t *testing.T) {
	t.Parallel()

	payload, err := json.Marshal(User{Name: "Sample User", LastLogin: time.UnixMilli(0)})
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"Sample User","last_login":"1970-01-01T00:00:00.000Z"}`, string(payload))

	payload, err = json.Marshal(User{Name: "Fresh User"})
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"Fresh User","last_login":null}`, string(payload))
}
