package amqp

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/israelio/amqp10-go-client/internal/protocol"
)

func TestNewMessageData(t *testing.T) {
	msg := NewMessage([]byte("payload"))
	assert.Equal(t, byte(0x00), msg.Payload[0], "described section")

	data, err := msg.Data()
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
}

func TestMessageDataSkipsOtherSections(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, protocol.WriteValue(&buf, &protocol.Described{
		Descriptor: uint64(protocol.DescriptorAMQPValue),
		Value:      "ignored",
	}))
	buf.Write(NewMessage([]byte("ab")).Payload)
	buf.Write(NewMessage([]byte("cd")).Payload)

	data, err := (&Message{Payload: buf.Bytes()}).Data()
	require.NoError(t, err)
	assert.Equal(t, []byte("abcd"), data)
}

func TestMessageDataRejectsBareValues(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, protocol.WriteValue(&buf, "not a section"))

	_, err := (&Message{Payload: buf.Bytes()}).Data()
	assert.Error(t, err)
}

func TestEmptyMessageData(t *testing.T) {
	data, err := (&Message{}).Data()
	require.NoError(t, err)
	assert.Empty(t, data)
}
