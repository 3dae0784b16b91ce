package signaling

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFramesChannelIsOrderedWithoutRetransmits(t *testing.T) {
	dci := FramesChannelInit()
	require.NotNil(t, dci.Ordered)
	assert.True(t, *dci.Ordered)
	require.NotNil(t, dci.MaxRetransmits)
	assert.Equal(t, uint16(0), *dci.MaxRetransmits)
	assert.Nil(t, dci.MaxPacketLifeTime)
}

func TestOffererCreatesOrderedFramesChannel(t *testing.T) {
	pc, err := NewOfferer(Config{}, func([]byte) {})
	require.NoError(t, err)
	defer pc.Close()

	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	assert.Contains(t, offer.SDP, "webrtc-datachannel")
}
