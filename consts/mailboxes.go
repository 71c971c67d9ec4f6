package consts

// MailboxInbox is the default disposition for delivered mail when no filter
// moves it elsewhere.
const MailboxInbox = "INBOX"

// MailboxJunk and MailboxTrash receive mail disposed of by the mark-as-spam
// and delete actions.
const (
	MailboxJunk  = "Junk"
	MailboxTrash = "Trash"
)
