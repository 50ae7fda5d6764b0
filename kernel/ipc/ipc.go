// Package ipc implements message channels between threads. A channel holds
// at most one message. Each channel owns a manual-reset event that stays
// signalled while a message is waiting, so a receiver can block on it with
// the scheduler's wait primitives and then collect the message.
package ipc

import (
	"aurora/kernel"
	"aurora/kernel/kfmt"
	"aurora/kernel/sched"
	"aurora/kernel/sync"
)

const (
	// MaxChannels is the size of the channel table.
	MaxChannels = 64

	// MaxMessage bounds the size of a message in bytes.
	MaxMessage = 256
)

// ChannelID identifies a channel. It is the channel's index in the table.
type ChannelID uint32

// Events is the part of the scheduler used to announce pending messages.
type Events interface {
	CreateEvent(manualReset, initialState bool) (sched.Handle, *kernel.Error)
	CloseEvent(h sched.Handle) *kernel.Error
	SignalObject(h sched.Handle) *kernel.Error
	ResetObject(h sched.Handle) *kernel.Error
}

var (
	log = kfmt.Logger{Module: "ipc"}

	errNotInitialized = &kernel.Error{Module: "ipc", Message: "channel table not initialized", Status: kernel.StatusNotInitialized}
	errTableFull      = &kernel.Error{Module: "ipc", Message: "channel table full", Status: kernel.StatusInsufficientResources}
	errBadChannel     = &kernel.Error{Module: "ipc", Message: "channel id out of range", Status: kernel.StatusInvalidParameter}
	errBadMessage     = &kernel.Error{Module: "ipc", Message: "message is empty or too large", Status: kernel.StatusInvalidParameter}
	errBadBuffer      = &kernel.Error{Module: "ipc", Message: "receive buffer is empty", Status: kernel.StatusInvalidParameter}
	errClosed         = &kernel.Error{Module: "ipc", Message: "channel is not open", Status: kernel.StatusInvalidHandle}
	errSlotFull       = &kernel.Error{Module: "ipc", Message: "channel already holds a message", Status: kernel.StatusBufferTooSmall}
	errEmpty          = &kernel.Error{Module: "ipc", Message: "no message waiting", Status: kernel.StatusNoMoreEntries}
	errShortBuffer    = &kernel.Error{Module: "ipc", Message: "receive buffer smaller than the message", Status: kernel.StatusBufferTooSmall}
)

type channel struct {
	open  bool
	event sched.Handle
	size  uint32
	data  [MaxMessage]byte
}

// Table owns every channel.
type Table struct {
	lock     sync.Spinlock
	events   Events
	channels [MaxChannels]channel
}

// Init closes every channel and binds the table to the scheduler whose
// events signal pending messages.
func (t *Table) Init(events Events) {
	t.events = events
	t.channels = [MaxChannels]channel{}
	log.Printf("%d channels of %d bytes", uint64(MaxChannels), uint64(MaxMessage))
}

// CreateChannel opens the first free channel.
func (t *Table) CreateChannel() (ChannelID, *kernel.Error) {
	if t.events == nil {
		return 0, errNotInitialized
	}

	irql := t.lock.Acquire()
	defer t.lock.Release(irql)

	for i := range t.channels {
		ch := &t.channels[i]
		if ch.open {
			continue
		}

		h, err := t.events.CreateEvent(true, false)
		if err != nil {
			return 0, err
		}
		*ch = channel{open: true, event: h}
		return ChannelID(i), nil
	}

	return 0, errTableFull
}

// CloseChannel discards any pending message and closes id. Threads waiting
// on the channel event are released with an invalid-parameter status.
func (t *Table) CloseChannel(id ChannelID) *kernel.Error {
	irql := t.lock.Acquire()
	defer t.lock.Release(irql)

	ch, err := t.lookup(id)
	if err != nil {
		return err
	}

	err = t.events.CloseEvent(ch.event)
	*ch = channel{}
	return err
}

// Event returns the handle of the event that is signalled while a message
// waits on id.
func (t *Table) Event(id ChannelID) (sched.Handle, *kernel.Error) {
	irql := t.lock.Acquire()
	defer t.lock.Release(irql)

	ch, err := t.lookup(id)
	if err != nil {
		return 0, err
	}
	return ch.event, nil
}

// Send copies msg into the channel. It fails with StatusBufferTooSmall while
// an earlier message has not been received.
func (t *Table) Send(id ChannelID, msg []byte) *kernel.Error {
	if id >= MaxChannels {
		return errBadChannel
	}
	if len(msg) == 0 || len(msg) > MaxMessage {
		return errBadMessage
	}

	irql := t.lock.Acquire()
	defer t.lock.Release(irql)

	ch, err := t.lookup(id)
	if err != nil {
		return err
	}
	if ch.size != 0 {
		return errSlotFull
	}

	ch.size = uint32(copy(ch.data[:], msg))
	return t.events.SignalObject(ch.event)
}

// Receive moves the pending message into buf and returns its size. If buf
// is too small the message stays queued, the returned size tells the caller
// how much room it needs and the error carries StatusBufferTooSmall.
func (t *Table) Receive(id ChannelID, buf []byte) (uint32, *kernel.Error) {
	if id >= MaxChannels {
		return 0, errBadChannel
	}
	if len(buf) == 0 {
		return 0, errBadBuffer
	}

	irql := t.lock.Acquire()
	defer t.lock.Release(irql)

	ch, err := t.lookup(id)
	if err != nil {
		return 0, err
	}
	if ch.size == 0 {
		return 0, errEmpty
	}
	if uint32(len(buf)) < ch.size {
		return ch.size, errShortBuffer
	}

	size := ch.size
	copy(buf, ch.data[:size])
	ch.size = 0
	return size, t.events.ResetObject(ch.event)
}

// Pending reports whether a message waits on id.
func (t *Table) Pending(id ChannelID) bool {
	irql := t.lock.Acquire()
	defer t.lock.Release(irql)

	ch, err := t.lookup(id)
	return err == nil && ch.size != 0
}

// lookup returns the open channel id. The caller must hold the lock.
func (t *Table) lookup(id ChannelID) (*channel, *kernel.Error) {
	if t.events == nil {
		return nil, errNotInitialized
	}
	if id >= MaxChannels {
		return nil, errBadChannel
	}
	if !t.channels[id].open {
		return nil, errClosed
	}
	return &t.channels[id], nil
}
