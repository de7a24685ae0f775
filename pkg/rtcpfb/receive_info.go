package rtcpfb

import (
	"time"

	"github.com/thesyncim/rtcpfb/pkg/rtcpfb/packet"
)

type tmmbrEntry struct {
	item        packet.TmmbItem
	lastUpdated time.Time
}

// receiveInfo is the state kept per remote that sends us RTCP.
type receiveInfo struct {
	lastTimeReceived time.Time

	lastFIRRequest        time.Time
	lastFIRSequenceNumber int

	// readyForDelete is set by BYE. The entry is removed by the timers
	// once its TMMBR state has expired.
	readyForDelete bool

	// tmmbr holds the requests of this remote keyed by the SSRC they
	// were made for.
	tmmbr map[uint32]tmmbrEntry
	// tmmbn is the bounding set the remote last announced.
	tmmbn []packet.TmmbItem
}

func newReceiveInfo() *receiveInfo {
	return &receiveInfo{
		lastFIRSequenceNumber: -1,
		tmmbr:                 make(map[uint32]tmmbrEntry),
	}
}

func (r *receiveInfo) insertTmmbrItem(senderSSRC uint32, item packet.TmmbItem, now time.Time) {
	r.tmmbr[senderSSRC] = tmmbrEntry{item: item, lastUpdated: now}
}

// appendTmmbrSet appends the live requests to candidates and forgets the
// ones older than timeout.
func (r *receiveInfo) appendTmmbrSet(now time.Time, timeout time.Duration, candidates []packet.TmmbItem) []packet.TmmbItem {
	for ssrc, e := range r.tmmbr {
		if now.Sub(e.lastUpdated) > timeout {
			delete(r.tmmbr, ssrc)
			continue
		}
		candidates = append(candidates, e.item)
	}
	return candidates
}

func (r *receiveInfo) clearTmmbr() {
	clear(r.tmmbr)
}
