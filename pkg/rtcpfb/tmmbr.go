package rtcpfb

import (
	"cmp"
	"math"
	"slices"

	"github.com/thesyncim/rtcpfb/pkg/rtcpfb/packet"
)

// FindBoundingSet returns the TMMBR bounding set of candidates (RFC 5104
// section 3.5.4.2): the tuples whose bitrate-versus-packet-rate lines form
// the lower envelope of all candidates. Zero-rate tuples are ignored. For
// identical tuples the one with the smaller SSRC is kept.
func FindBoundingSet(candidates []packet.TmmbItem) []packet.TmmbItem {
	work := make([]packet.TmmbItem, 0, len(candidates))
	for _, c := range candidates {
		if c.BitrateBps > 0 {
			work = append(work, c)
		}
	}
	if len(work) <= 1 {
		return work
	}

	slices.SortStableFunc(work, func(a, b packet.TmmbItem) int {
		return cmp.Or(
			cmp.Compare(a.PacketOverhead, b.PacketOverhead),
			cmp.Compare(a.BitrateBps, b.BitrateBps),
			cmp.Compare(a.SSRC, b.SSRC),
		)
	})

	live := make([]bool, len(work))
	remaining := 0
	for i := range work {
		// Among equal overheads only the lowest bitrate, sorted first, stays.
		if i > 0 && work[i].PacketOverhead == work[i-1].PacketOverhead {
			continue
		}
		live[i] = true
		remaining++
	}

	// The lowest bitrate starts the set; on ties the highest overhead.
	first := -1
	for i := range work {
		if live[i] && (first < 0 || work[i].BitrateBps <= work[first].BitrateBps) {
			first = i
		}
	}

	bounding := make([]packet.TmmbItem, 0, remaining)
	intersection := make([]float32, 0, remaining)
	maxPacketRate := make([]float32, 0, remaining)

	push := func(item packet.TmmbItem, at float32) {
		bounding = append(bounding, item)
		intersection = append(intersection, at)
		if item.PacketOverhead == 0 {
			maxPacketRate = append(maxPacketRate, math.MaxFloat32)
		} else {
			maxPacketRate = append(maxPacketRate, float32(item.BitrateBps)/float32(item.PacketOverhead))
		}
	}
	pop := func() {
		bounding = bounding[:len(bounding)-1]
		intersection = intersection[:len(intersection)-1]
		maxPacketRate = maxPacketRate[:len(maxPacketRate)-1]
	}

	push(work[first], 0)
	live[first] = false
	remaining--

	// The next tuple must be steeper: drop lower overheads.
	for i := range work {
		if live[i] && work[i].PacketOverhead < work[first].PacketOverhead {
			live[i] = false
			remaining--
		}
	}

	next := 0
	var current packet.TmmbItem
	takeNew := true
	for remaining > 0 {
		if takeNew {
			for ; next < len(work); next++ {
				if live[next] {
					current = work[next]
					live[next] = false
					break
				}
			}
		}

		last := bounding[len(bounding)-1]
		packetRate := (float32(current.BitrateBps) - float32(last.BitrateBps)) /
			(float32(current.PacketOverhead) - float32(last.PacketOverhead))

		if packetRate <= intersection[len(intersection)-1] && len(bounding) > 1 {
			// The last selected tuple is not on the envelope.
			pop()
			takeNew = false
			continue
		}
		if packetRate > intersection[len(intersection)-1] && packetRate < maxPacketRate[len(maxPacketRate)-1] {
			push(current, packetRate)
		}
		remaining--
		takeNew = true
	}
	return bounding
}

// IsOwner reports whether ssrc has a tuple in the bounding set.
func IsOwner(set []packet.TmmbItem, ssrc uint32) bool {
	for _, item := range set {
		if item.SSRC == ssrc {
			return true
		}
	}
	return false
}

// MinBitrateBps returns the lowest bitrate of the set, or 0 for an empty
// set.
func MinBitrateBps(set []packet.TmmbItem) uint64 {
	if len(set) == 0 {
		return 0
	}
	lowest := uint64(math.MaxUint64)
	for _, item := range set {
		lowest = min(lowest, item.BitrateBps)
	}
	return lowest
}
