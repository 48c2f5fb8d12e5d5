package dbusmsg

import "os"

// UnixFD is a file descriptor to be sent or received alongside a
// message.
//
// On the wire, a UnixFD is an index into the list of files attached
// to the message. Writing a UnixFD attaches File to the message;
// reading one resolves the index against the files the transport
// attached with [Message.AttachFiles].
type UnixFD struct {
	File *os.File
}
