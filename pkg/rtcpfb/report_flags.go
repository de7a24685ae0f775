package rtcpfb

// reportFlags is the set of packet kinds the next emission should contain.
// A volatile flag is consumed by the emission that builds it; a persistent
// flag stays until it is consumed explicitly.
type reportFlags struct {
	set      PacketType
	volatile PacketType
}

// add sets t. A flag that is already present keeps its volatility.
func (f *reportFlags) add(t PacketType, volatile bool) {
	if f.set&t != 0 {
		return
	}
	f.set |= t
	if volatile {
		f.volatile |= t
	}
}

func (f *reportFlags) isSet(t PacketType) bool {
	return f.set&t != 0
}

func (f *reportFlags) isVolatile(t PacketType) bool {
	return f.volatile&t != 0
}

// consume clears t if it is volatile, or unconditionally when forced. It
// reports whether t was set.
func (f *reportFlags) consume(t PacketType, forced bool) bool {
	if f.set&t == 0 {
		return false
	}
	if forced || f.volatile&t != 0 {
		f.set &^= t
		f.volatile &^= t
	}
	return true
}

func (f *reportFlags) allVolatileConsumed() bool {
	return f.volatile == 0
}

// dropVolatile clears every volatile flag and returns the ones it cleared.
func (f *reportFlags) dropVolatile() PacketType {
	dropped := f.volatile
	f.set &^= dropped
	f.volatile = 0
	return dropped
}
