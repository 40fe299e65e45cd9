package events

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var orderAA = common.HexToHash("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

func TestTopics_MatchKnownSignatures(t *testing.T) {
	// keccak256("Fill(bytes32)") etc. must never silently change
	assert.Equal(t, 3, len(Topics()))
	assert.NotEqual(t, OpenTopic, FillTopic)
	assert.NotEqual(t, FillTopic, CancelTopic)
}

func TestDecode_Open(t *testing.T) {
	data, err := EncodeOpenData(orderAA, []byte{0xde, 0xad, 0xbe, 0xef})
	require.NoError(t, err)

	ev, err := Decode(types.Log{
		Topics:      []common.Hash{OpenTopic},
		Data:        data,
		BlockNumber: 100,
		BlockHash:   common.HexToHash("0x01"),
		TxHash:      common.HexToHash("0x02"),
		Index:       3,
	})
	require.NoError(t, err)

	open, ok := ev.(*OrderOpened)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, orderAA, open.OrderID)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, open.Payload)
	assert.Equal(t, uint64(100), open.Block.Number)
	assert.Equal(t, common.HexToHash("0x01"), open.Block.Hash)
	assert.Equal(t, uint(3), open.LogIndex)
	assert.Equal(t, "open", Name(ev))
}

func TestDecode_OpenRawTrailingData(t *testing.T) {
	data := append(orderAA.Bytes(), 0x01, 0x02)
	ev, err := Decode(types.Log{Topics: []common.Hash{OpenTopic}, Data: data})
	require.NoError(t, err)
	open := ev.(*OrderOpened)
	assert.Equal(t, orderAA, open.OrderID)
	assert.Equal(t, []byte{0x01, 0x02}, open.Payload)
}

func TestDecode_OpenTooShort(t *testing.T) {
	_, err := Decode(types.Log{Topics: []common.Hash{OpenTopic}, Data: make([]byte, 31)})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestDecode_FillAndCancel(t *testing.T) {
	t.Run("indexed order id", func(t *testing.T) {
		ev, err := Decode(types.Log{Topics: []common.Hash{FillTopic, orderAA}})
		require.NoError(t, err)
		fill, ok := ev.(*OrderFilled)
		require.True(t, ok)
		assert.Equal(t, orderAA, fill.OrderID)
	})

	t.Run("order id in data", func(t *testing.T) {
		ev, err := Decode(types.Log{Topics: []common.Hash{CancelTopic}, Data: orderAA.Bytes(), Removed: true})
		require.NoError(t, err)
		cancel, ok := ev.(*OrderCancelled)
		require.True(t, ok)
		assert.Equal(t, orderAA, cancel.OrderID)
		assert.True(t, cancel.Removed)
	})

	t.Run("missing order id", func(t *testing.T) {
		_, err := Decode(types.Log{Topics: []common.Hash{FillTopic}})
		assert.ErrorIs(t, err, ErrMalformedPayload)
	})
}

func TestDecode_UnknownIsNotAnError(t *testing.T) {
	topic := common.HexToHash("0xd0a08e8c493f9c94f29311604c9de1b4e8c8d4c06bd0c789af57f2d65bfec0f6")
	ev, err := Decode(types.Log{Topics: []common.Hash{topic}})
	require.NoError(t, err)
	unknown, ok := ev.(*UnknownEvent)
	require.True(t, ok)
	assert.Equal(t, topic, unknown.Topic)
	assert.Equal(t, "unknown", Name(ev))
}

func TestDecode_NoTopics(t *testing.T) {
	_, err := Decode(types.Log{})
	assert.ErrorIs(t, err, ErrMalformedPayload)
}
