package rtcpfb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/rtcpfb/pkg/rtcpfb/packet"
)

func item(ssrc uint32, kbps uint64, overhead uint16) packet.TmmbItem {
	return packet.TmmbItem{SSRC: ssrc, BitrateBps: kbps * 1000, PacketOverhead: overhead}
}

func TestFindBoundingSet(t *testing.T) {
	tests := []struct {
		name       string
		candidates []packet.TmmbItem
		want       []packet.TmmbItem
	}{
		{
			name: "empty",
			want: []packet.TmmbItem{},
		},
		{
			name:       "zero rate dropped",
			candidates: []packet.TmmbItem{item(1, 0, 40)},
			want:       []packet.TmmbItem{},
		},
		{
			name:       "single",
			candidates: []packet.TmmbItem{item(1, 100, 40)},
			want:       []packet.TmmbItem{item(1, 100, 40)},
		},
		{
			name:       "higher rate and overhead is dominated",
			candidates: []packet.TmmbItem{item(2, 200, 60), item(1, 100, 40)},
			want:       []packet.TmmbItem{item(1, 100, 40)},
		},
		{
			name:       "lower rate with higher overhead dominates",
			candidates: []packet.TmmbItem{item(1, 100, 40), item(2, 80, 100)},
			want:       []packet.TmmbItem{item(2, 80, 100)},
		},
		{
			name:       "crossing lines both kept",
			candidates: []packet.TmmbItem{item(2, 100, 60), item(1, 80, 40)},
			want:       []packet.TmmbItem{item(1, 80, 40), item(2, 100, 60)},
		},
		{
			name:       "middle tuple above envelope removed",
			candidates: []packet.TmmbItem{item(1, 80, 40), item(2, 100, 60), item(3, 110, 80)},
			want:       []packet.TmmbItem{item(1, 80, 40), item(3, 110, 80)},
		},
		{
			name:       "identical tuples keep smaller ssrc",
			candidates: []packet.TmmbItem{item(5, 100, 40), item(3, 100, 40)},
			want:       []packet.TmmbItem{item(3, 100, 40)},
		},
		{
			name:       "zero overhead",
			candidates: []packet.TmmbItem{item(1, 55, 0), item(2, 70, 0)},
			want:       []packet.TmmbItem{item(1, 55, 0)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FindBoundingSet(tt.candidates)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFindBoundingSet_Properties(t *testing.T) {
	inputs := [][]packet.TmmbItem{
		{item(1, 80, 40), item(2, 100, 60), item(3, 110, 80), item(4, 300, 20)},
		{item(1, 500, 10), item(2, 400, 30), item(3, 350, 50), item(4, 340, 51), item(5, 1000, 5)},
		{item(9, 64, 28), item(8, 64, 28), item(7, 64, 40)},
	}
	for _, in := range inputs {
		set := FindBoundingSet(in)

		require.NotEmpty(t, set, "non-empty input gives non-empty set")
		for _, s := range set {
			assert.Contains(t, in, s, "set holds only input tuples")
		}
		assert.Equal(t, set, FindBoundingSet(set), "solver is idempotent")
	}
}

func TestIsOwnerAndMinBitrate(t *testing.T) {
	set := []packet.TmmbItem{item(1, 80, 40), item(3, 110, 80)}

	assert.True(t, IsOwner(set, 3))
	assert.False(t, IsOwner(set, 2))
	assert.Equal(t, uint64(80000), MinBitrateBps(set))
	assert.Zero(t, MinBitrateBps(nil))
}
