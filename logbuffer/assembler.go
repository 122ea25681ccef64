package logbuffer

// FragmentAssembler reassembles messages that were fragmented across several frames
// and passes whole messages to the wrapped handler. Unfragmented messages are passed
// through without copying. One assembler serves one session.
type FragmentAssembler struct {
	delegate FragmentHandler
	buf      []byte
	active   bool
}

// NewFragmentAssembler wraps delegate.
func NewFragmentAssembler(delegate FragmentHandler, initialCapacity int) *FragmentAssembler {
	return &FragmentAssembler{delegate: delegate, buf: make([]byte, 0, initialCapacity)}
}

// OnFragment is a FragmentHandler.
func (a *FragmentAssembler) OnFragment(payload []byte, header *Header) {
	switch {
	case header.IsBegin() && header.IsEnd():
		a.active = false
		a.delegate(payload, header)
	case header.IsBegin():
		a.buf = append(a.buf[:0], payload...)
		a.active = true
	case a.active:
		a.buf = append(a.buf, payload...)
		if header.IsEnd() {
			a.active = false
			a.delegate(a.buf, header)
		}
	}
}
