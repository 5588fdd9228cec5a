package xsk

// Props is a umem's frame_size/num_frames/headroom triple, broadcast to
// every ring attached to that umem so ring-level descriptor validation does
// not need a back-reference to the umem itself.
type Props struct {
	FrameSize uint32
	NumFrames uint32
	Headroom  uint32
}

// Descriptor is the slot type carried by the rx and tx rings.
type Descriptor struct {
	Index  uint32
	Length uint32
	Offset uint32
}

func (d Descriptor) valid(p Props) bool {
	return d.Index < p.NumFrames && d.Offset+d.Length <= p.FrameSize
}

func indexValid(index uint32, p Props) bool {
	return index < p.NumFrames
}
