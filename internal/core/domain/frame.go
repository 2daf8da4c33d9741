package domain

// SeqNum is an 802.11 sequence number. The on-air field is 12 bits wide, so
// all arithmetic is modulo 4096.
type SeqNum uint16

// SeqSpace is the size of the 802.11 sequence number space.
const SeqSpace = 4096

// Add returns sn advanced by n, wrapped into the 12-bit space.
func (sn SeqNum) Add(n int) SeqNum {
	return SeqNum((int(sn) + n) % SeqSpace)
}

// Sub returns the signed modular distance sn - other. Distances larger than
// half the space are treated as negative, so a result < 0 means sn is
// "behind" other.
func (sn SeqNum) Sub(other SeqNum) int {
	d := (int(sn) - int(other)) % SeqSpace
	if d < 0 {
		d += SeqSpace
	}
	if d >= SeqSpace/2 {
		d -= SeqSpace
	}
	return d
}

// Before reports whether sn is strictly behind other in modular order.
func (sn SeqNum) Before(other SeqNum) bool {
	return sn.Sub(other) < 0
}

// TID is an 802.11 QoS traffic identifier (0-15).
type TID uint8

// MaxTID is the highest valid traffic identifier.
const MaxTID TID = 15

// Frame is one received 802.11 frame as handed up from firmware, after the
// bus/DMA layer has extracted it from a descriptor buffer. Body is the raw
// frame bytes; the QoS fields are pre-parsed because the reorder engine keys
// on them in the hot path.
type Frame struct {
	Iface InterfaceID
	// Peer is the transmitter address (the station or AP the frame came
	// from), in the canonical lower-case colon form.
	Peer string
	// TID is only meaningful for QoS data frames.
	TID TID
	// Seq is the 12-bit sequence number from the frame header.
	Seq SeqNum
	// QoSData marks frames that are subject to Block-Ack reordering.
	QoSData bool
	Body    []byte
}

// RxCompletion is what the hardware reports for one consumed receive buffer:
// which descriptor slot was filled and how many bytes landed in it.
type RxCompletion struct {
	SlotIndex int
	Length    int
}
