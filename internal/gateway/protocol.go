package gateway

// Negotiate picks the highest protocol version in the intersection of
// [clientMin, clientMax] and [serverMin, serverMax]. The second return
// value is false if the intersection is empty, per spec §4.T's
// handshake rule: "if empty, connection closes with a protocol-error
// code before any response."
func Negotiate(clientMin, clientMax, serverMin, serverMax int) (int, bool) {
	lo := clientMin
	if serverMin > lo {
		lo = serverMin
	}
	hi := clientMax
	if serverMax < hi {
		hi = serverMax
	}
	if lo > hi {
		return 0, false
	}
	return hi, true
}
