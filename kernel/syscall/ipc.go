package syscall

import (
	"aurora/kernel"
	"aurora/kernel/ipc"
	"aurora/kernel/mm/vmm"
)

func (g *Gate) sysIpcCreateChannel(_ Args) uint64 {
	id, err := g.channels.CreateChannel()
	if err != nil {
		return statusResult(err)
	}
	return uint64(id)
}

// sysIpcSend copies a message from user memory into a channel. Arguments:
// channel id, message pointer, message size.
func (g *Gate) sysIpcSend(args Args) uint64 {
	size := args[2]
	if size == 0 || size > ipc.MaxMessage {
		return uint64(kernel.StatusInvalidParameter)
	}

	var buf [ipc.MaxMessage]byte
	if err := g.CopyFromUser(buf[:size], uintptr(args[1])); err != nil {
		return statusResult(err)
	}
	return statusResult(g.channels.Send(ipc.ChannelID(args[0]), buf[:size]))
}

// sysIpcReceive moves the pending message of a channel into user memory.
// Arguments: channel id, buffer pointer, buffer size. Returns the message
// size. The user buffer is checked before the message leaves the channel so
// a bad pointer never loses a message.
func (g *Gate) sysIpcReceive(args Args) uint64 {
	size := args[2]
	if size == 0 {
		return uint64(kernel.StatusInvalidParameter)
	}
	if size > ipc.MaxMessage {
		size = ipc.MaxMessage
	}
	if err := g.ValidateUserPointer(uintptr(args[1]), uintptr(size), vmm.ProtWrite); err != nil {
		return statusResult(err)
	}

	var buf [ipc.MaxMessage]byte
	n, err := g.channels.Receive(ipc.ChannelID(args[0]), buf[:size])
	if err != nil {
		return statusResult(err)
	}
	if err = g.CopyToUser(uintptr(args[1]), buf[:n]); err != nil {
		return statusResult(err)
	}
	return uint64(n)
}

// sysIpcChannelEvent returns the handle of the event that stays signalled
// while a message waits on the channel in args[0].
func (g *Gate) sysIpcChannelEvent(args Args) uint64 {
	h, err := g.channels.Event(ipc.ChannelID(args[0]))
	if err != nil {
		return statusResult(err)
	}
	return uint64(h)
}

func (g *Gate) sysIpcCloseChannel(args Args) uint64 {
	return statusResult(g.channels.CloseChannel(ipc.ChannelID(args[0])))
}
