package noc

// Wire-level sizing constants.
const (
	// MailboxMsgSize is the fixed size of every mailbox message. Short
	// control messages (SHM/semaphore/mqueue/RMEM requests) must fit
	// within it.
	MailboxMsgSize = 128

	// PortalBufferSize bounds a single portal transfer.
	PortalBufferSize = 2 * 1024 * 1024

	// MailboxQueueDepth is how many pending messages an input mailbox
	// buffers before a writer blocks.
	MailboxQueueDepth = 64

	// MaxSyncNodes bounds how many nodes a single sync point may span.
	// 256 is a conservative stand-in large enough for any topology this
	// substrate is expected to run.
	MaxSyncNodes = 256
)
