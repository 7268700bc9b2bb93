package brokerservice

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameDecoder(t *testing.T) {
	t.Run("ConcatenatedValues", func(t *testing.T) {
		var d frameDecoder
		frames, err := d.Feed([]byte(`{"action":"put","topic":"a","message":1}{"action":"get","topic":"a"}` + "\n"))
		require.NoError(t, err)
		require.Len(t, frames, 2)
		require.JSONEq(t, `{"action":"get","topic":"a"}`, string(frames[1]))
		require.Empty(t, d.pending)
	})

	t.Run("SplitAcrossReads", func(t *testing.T) {
		var d frameDecoder
		frames, err := d.Feed([]byte(`{"action":"put","to`))
		require.NoError(t, err)
		require.Empty(t, frames)

		frames, err = d.Feed([]byte(`pic":"a","message":"hi"}`))
		require.NoError(t, err)
		require.Len(t, frames, 1)

		var req Request
		require.NoError(t, json.Unmarshal(frames[0], &req))
		require.Equal(t, ActionPut, req.Action)
		require.Equal(t, "a", *req.Topic)
		require.Equal(t, `"hi"`, string(req.Message))
	})

	t.Run("SyntaxErrorDropsBuffer", func(t *testing.T) {
		var d frameDecoder
		frames, err := d.Feed([]byte(`{"action":"get","topic":"a"} not json {"action"`))
		require.Error(t, err)
		require.Len(t, frames, 1)
		require.Empty(t, d.pending)

		frames, err = d.Feed([]byte(`{"action":"get","topic":"b"}`))
		require.NoError(t, err)
		require.Len(t, frames, 1)
	})

	t.Run("OversizedFrame", func(t *testing.T) {
		d := frameDecoder{max: 16}
		_, err := d.Feed([]byte(`{"action":"put","topic":"a","message":"`))
		require.ErrorIs(t, err, errFrameTooLarge)
		require.Empty(t, d.pending)
	})

	t.Run("WhitespaceOnly", func(t *testing.T) {
		var d frameDecoder
		frames, err := d.Feed([]byte("\n  \n"))
		require.NoError(t, err)
		require.Empty(t, frames)
		require.Empty(t, d.pending)
	})
}

func TestEncodePayload(t *testing.T) {
	require.Equal(t, `{"v":1}`, string(encodePayload(`{"v":1}`)))
	require.Equal(t, `"not json"`, string(encodePayload(`not json`)))
}
