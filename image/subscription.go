package image

import (
	"sync/atomic"

	"github.com/c360/semwire/logbuffer"
)

// AvailabilityHandler is told when an image joins or leaves a subscription.
type AvailabilityHandler func(img *Image)

// Subscription polls the images of every session on its channel and stream. Poll is
// called from one application goroutine; images are added and removed by the driver
// concurrently.
type Subscription struct {
	registrationID string
	channel        string
	streamID       int32
	images         atomic.Pointer[[]*Image]
	roundRobin     int
	closed         atomic.Bool
	onClose        func(*Subscription)

	OnAvailable   AvailabilityHandler
	OnUnavailable AvailabilityHandler
}

// NewSubscription creates an empty subscription. onClose is called once by Close.
func NewSubscription(registrationID, channel string, streamID int32, onClose func(*Subscription)) *Subscription {
	s := &Subscription{
		registrationID: registrationID,
		channel:        channel,
		streamID:       streamID,
		onClose:        onClose,
	}
	empty := make([]*Image, 0)
	s.images.Store(&empty)
	return s
}

func (s *Subscription) RegistrationID() string { return s.registrationID }
func (s *Subscription) Channel() string        { return s.channel }
func (s *Subscription) StreamID() int32        { return s.streamID }

// Images returns a snapshot of the current images.
func (s *Subscription) Images() []*Image { return *s.images.Load() }

// ImageCount returns the number of images.
func (s *Subscription) ImageCount() int { return len(*s.images.Load()) }

// IsConnected reports whether any image is connected.
func (s *Subscription) IsConnected() bool {
	for _, img := range s.Images() {
		if img.IsConnected() {
			return true
		}
	}
	return false
}

// IsClosed reports whether Close was called.
func (s *Subscription) IsClosed() bool { return s.closed.Load() }

// Poll delivers up to fragmentLimit fragments across the images, starting with a
// different image each call so no session starves the others.
func (s *Subscription) Poll(handler logbuffer.FragmentHandler, fragmentLimit int) int {
	images := s.Images()
	n := len(images)
	if n == 0 || s.closed.Load() {
		return 0
	}
	if s.roundRobin >= n {
		s.roundRobin = 0
	}
	start := s.roundRobin
	s.roundRobin++

	fragments := 0
	for i := 0; i < n && fragments < fragmentLimit; i++ {
		fragments += images[(start+i)%n].Poll(handler, fragmentLimit-fragments)
	}
	return fragments
}

// AddImage attaches img.
func (s *Subscription) AddImage(img *Image) {
	for {
		old := s.images.Load()
		next := make([]*Image, 0, len(*old)+1)
		next = append(next, *old...)
		next = append(next, img)
		if s.images.CompareAndSwap(old, &next) {
			break
		}
	}
	if s.OnAvailable != nil {
		s.OnAvailable(img)
	}
}

// RemoveImage detaches and closes img. It reports whether img was attached.
func (s *Subscription) RemoveImage(img *Image) bool {
	for {
		old := s.images.Load()
		next := make([]*Image, 0, len(*old))
		for _, existing := range *old {
			if existing != img {
				next = append(next, existing)
			}
		}
		if len(next) == len(*old) {
			return false
		}
		if s.images.CompareAndSwap(old, &next) {
			break
		}
	}
	img.Close()
	if s.OnUnavailable != nil {
		s.OnUnavailable(img)
	}
	return true
}

// Close closes every image and detaches the subscription from the driver.
func (s *Subscription) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, img := range s.Images() {
		s.RemoveImage(img)
	}
	if s.onClose != nil {
		s.onClose(s)
	}
	return nil
}
