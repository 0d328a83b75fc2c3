package command

import gocmd "github.com/goliatone/go-command"

var (
	_ gocmd.Commander[SyncInboxMessage]     = (*SyncInboxCommand)(nil)
	_ gocmd.Commander[ForwardAnswerMessage] = (*ForwardAnswerCommand)(nil)
)
