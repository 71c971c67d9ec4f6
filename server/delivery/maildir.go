package delivery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"

	"github.com/migadu/sift/idgen"
)

// MaildirStore files delivered mail into per-account maildirs under a
// root directory: <root>/accounts/<id>/<mailbox>/{tmp,new,cur}. Standalone
// deployments use it as the MailboxStore; embedded ones bring their own.
type MaildirStore struct {
	root string
}

func NewMaildirStore(root string) (*MaildirStore, error) {
	if root == "" {
		return nil, fmt.Errorf("maildir root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating maildir root: %w", err)
	}
	return &MaildirStore{root: root}, nil
}

// DeliverToMailbox writes the message into the mailbox's maildir. System
// flags become the standard maildir info suffix; keywords have no maildir
// encoding and are dropped here.
func (s *MaildirStore) DeliverToMailbox(_ context.Context, accountID int64, mailbox string, raw []byte, flags []imap.Flag) error {
	dir := filepath.Join(s.root, "accounts", strconv.FormatInt(accountID, 10), sanitizeMailboxDir(mailbox))
	return s.write(dir, raw, flags)
}

// Redirect files the message into the target address's inbox maildir,
// under a separate tree keyed by address.
func (s *MaildirStore) Redirect(_ context.Context, _ int64, targetAddress string, raw []byte) error {
	dir := filepath.Join(s.root, "addresses", sanitizeMailboxDir(targetAddress), "INBOX")
	return s.write(dir, raw, nil)
}

func (s *MaildirStore) write(dir string, raw []byte, flags []imap.Flag) error {
	for _, sub := range []string{"tmp", "new", "cur"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return fmt.Errorf("creating maildir: %w", err)
		}
	}

	name := idgen.New()
	tmpPath := filepath.Join(dir, "tmp", name)
	if err := os.WriteFile(tmpPath, raw, 0o644); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}

	// Unflagged mail lands in new/; flagged mail goes straight to cur/
	// with its info suffix.
	dst := filepath.Join(dir, "new", name)
	if info := maildirInfo(flags); info != "" {
		dst = filepath.Join(dir, "cur", name+":2,"+info)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("filing message: %w", err)
	}
	return nil
}

// maildirInfo maps IMAP system flags to maildir info letters. Maildir
// wants them in ASCII order.
func maildirInfo(flags []imap.Flag) string {
	letters := make([]string, 0, len(flags))
	for _, f := range flags {
		switch f {
		case imap.FlagSeen:
			letters = append(letters, "S")
		case imap.FlagAnswered:
			letters = append(letters, "R")
		case imap.FlagFlagged:
			letters = append(letters, "F")
		case imap.FlagDraft:
			letters = append(letters, "D")
		case imap.FlagDeleted:
			letters = append(letters, "T")
		}
	}
	sort.Strings(letters)
	return strings.Join(letters, "")
}

// sanitizeMailboxDir keeps mailbox hierarchy separators but rejects path
// traversal.
func sanitizeMailboxDir(name string) string {
	name = strings.ReplaceAll(name, "..", "")
	name = strings.Trim(name, "/")
	if name == "" {
		return "INBOX"
	}
	return name
}
