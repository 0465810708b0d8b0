// Package imap reads messages from the mailboxes of an IMAP account.
package imap

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/mailbag/account"
	"github.com/dhcgn/mailbag/parse"
	"github.com/dhcgn/mailbag/paths"
)

// Format is the identifier of this reader.
const Format = "imap"

const fetchBatch = 100

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
}

// Reader exports all selectable mailboxes of one account. Every mailbox is a
// record; nothing is moved.
type Reader struct {
	opts   Options
	logger *slog.Logger

	client  *imapclient.Client
	cleanup func()
}

func NewReader(opts Options, logger *slog.Logger) (*Reader, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if opts.Username == "" {
		return nil, fmt.Errorf("imap user is empty")
	}
	return &Reader{opts: opts, logger: logger}, nil
}

func (r *Reader) Discover(ctx context.Context) ([]account.Record, error) {
	if err := r.connect(ctx); err != nil {
		return nil, err
	}

	mailboxes, err := r.client.List("", "*", nil).Collect()
	if err != nil {
		return nil, fmt.Errorf("list mailboxes: %w", err)
	}

	var records []account.Record
	for _, mbox := range mailboxes {
		if hasAttr(mbox.Attrs, imapv2.MailboxAttrNoSelect) || hasAttr(mbox.Attrs, imapv2.MailboxAttrNonExistent) {
			continue
		}
		records = append(records, account.Record{Path: mbox.Mailbox, Rel: Folder(mbox.Mailbox, mbox.Delim)})
	}
	if r.logger != nil {
		r.logger.Debug("imap mailboxes discovered", "count", len(records))
	}
	return records, nil
}

func (r *Reader) Parse(ctx context.Context, rec account.Record, emit account.EmitFunc) error {
	if err := r.connect(ctx); err != nil {
		return err
	}

	selected, err := r.client.Select(rec.Path, &imapv2.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return fmt.Errorf("select %s: %w", rec.Path, err)
	}
	if r.logger != nil {
		r.logger.Debug("imap mailbox selected", "mailbox", rec.Path, "messages", selected.NumMessages)
	}

	section := &imapv2.FetchItemBodySection{Peek: true}
	options := &imapv2.FetchOptions{UID: true, BodySection: []*imapv2.FetchItemBodySection{section}}

	for start := uint32(1); start <= selected.NumMessages; start += fetchBatch {
		stop := start + fetchBatch - 1
		if stop > selected.NumMessages {
			stop = selected.NumMessages
		}
		var seqSet imapv2.SeqSet
		seqSet.AddRange(start, stop)

		buffers, err := r.client.Fetch(seqSet, options).Collect()
		if err != nil {
			return fmt.Errorf("fetch %s %d:%d: %w", rec.Path, start, stop, err)
		}

		for _, buf := range buffers {
			if err := ctx.Err(); err != nil {
				return err
			}
			raw := buf.FindBodySection(section)
			msg := parse.Message(bytes.NewReader(raw), r.logger)
			if raw == nil {
				msg.AddError(r.logger, nil, fmt.Sprintf("Error fetching message %d from %s", buf.SeqNum, rec.Path))
			}
			msg.OriginalFile = r.location(rec.Path, uint32(buf.UID))
			if msg.MessagePath == "" {
				msg.MessagePath = rec.Rel
			}
			msg.DerivativesPath = paths.Normalize(msg.MessagePath)

			if err := emit(msg); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close logs out and closes the connection.
func (r *Reader) Close() error {
	if r.cleanup != nil {
		r.cleanup()
		r.cleanup = nil
	}
	return nil
}

func (r *Reader) connect(ctx context.Context) error {
	if r.client != nil {
		return nil
	}
	client, cleanup, err := r.dial(ctx)
	if err != nil {
		return err
	}
	r.client = client
	r.cleanup = cleanup
	return nil
}

func (r *Reader) dial(ctx context.Context) (*imapclient.Client, func(), error) {
	address := net.JoinHostPort(r.opts.Host, strconv.Itoa(r.opts.Port))
	options := &imapclient.Options{}

	if r.opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         r.opts.Host,
			InsecureSkipVerify: r.opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)

	if r.opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(r.opts.Username, r.opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("imap login failed: %w", err)
	}

	if r.logger != nil {
		r.logger.Debug("imap connection established", "address", address, "user", r.opts.Username, "tls", r.opts.UseTLS)
	}

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	cleanup := func() {
		stopClose()
		if ctx.Err() == nil {
			if err := client.Logout().Wait(); err != nil {
				if r.logger != nil {
					r.logger.Warn("imap logout failed", "err", err)
				}
			}
		}
		if err := client.Close(); err != nil && r.logger != nil {
			r.logger.Debug("imap connection closed", "err", err)
		}
	}

	return client, cleanup, nil
}

func (r *Reader) location(mailbox string, uid uint32) string {
	return fmt.Sprintf("imap://%s@%s/%s;UID=%d", r.opts.Username, r.opts.Host, mailbox, uid)
}

// Folder rewrites a mailbox name into a forward-slash folder path.
func Folder(mailbox string, delim rune) string {
	if delim != 0 && delim != '/' {
		mailbox = strings.ReplaceAll(mailbox, string(delim), "/")
	}
	return parse.FolderPath(mailbox)
}

func hasAttr(attrs []imapv2.MailboxAttr, want imapv2.MailboxAttr) bool {
	for _, attr := range attrs {
		if attr == want {
			return true
		}
	}
	return false
}
