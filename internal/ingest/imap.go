package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// IMAPFetcher polls a bounce folder. Every unseen message is parsed, bounces
// are stored, and the message is flagged \Seen so the next poll skips it.
type IMAPFetcher struct {
	Addr     string
	Username string
	Password string
	// StartTLS upgrades a plain connection instead of dialing TLS.
	StartTLS bool
	Folder   string
	Limit    int
	Logger   *slog.Logger
}

func (f *IMAPFetcher) connect() (*imapclient.Client, error) {
	var (
		client *imapclient.Client
		err    error
	)
	if f.StartTLS {
		client, err = imapclient.DialStartTLS(f.Addr, nil)
	} else {
		client, err = imapclient.DialTLS(f.Addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", f.Addr, err)
	}
	if err := client.Login(f.Username, f.Password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("authenticating as %s: %w", f.Username, err)
	}
	return client, nil
}

func (f *IMAPFetcher) Fetch(ctx context.Context, sink Sink) (Stats, error) {
	logger := loggerOr(f.Logger)
	var st Stats

	client, err := f.connect()
	if err != nil {
		return st, err
	}
	defer func() { _ = client.Logout().Wait() }()

	folder := f.Folder
	if folder == "" {
		folder = "INBOX"
	}
	if _, err := client.Select(folder, nil).Wait(); err != nil {
		return st, fmt.Errorf("selecting %s: %w", folder, err)
	}

	search, err := client.UIDSearch(&imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagSeen}}, nil).Wait()
	if err != nil {
		return st, fmt.Errorf("searching unseen messages: %w", err)
	}
	uids := search.AllUIDs()
	if len(uids) == 0 {
		return st, nil
	}
	if f.Limit > 0 && len(uids) > f.Limit {
		uids = uids[:f.Limit]
	}

	section := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	})
	defer fetchCmd.Close()

	var done []imap.UID
	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			logger.Warn("collecting message failed", "error", err)
			continue
		}
		st.Read++

		imported, err := store(ctx, buf.FindBodySection(section), sink)
		if err != nil {
			// Left unseen so the next poll retries it.
			logger.Warn("importing bounce failed", "uid", buf.UID, "error", err)
			continue
		}
		if imported {
			st.Imported++
		} else {
			st.Skipped++
		}
		done = append(done, buf.UID)
	}
	if err := fetchCmd.Close(); err != nil {
		return st, fmt.Errorf("fetching messages: %w", err)
	}

	if len(done) > 0 {
		err := client.Store(imap.UIDSetNum(done...), &imap.StoreFlags{
			Op:     imap.StoreFlagsAdd,
			Silent: true,
			Flags:  []imap.Flag{imap.FlagSeen},
		}, nil).Close()
		if err != nil {
			return st, fmt.Errorf("flagging messages seen: %w", err)
		}
	}
	logger.Info("bounce folder polled", "folder", folder, "read", st.Read, "imported", st.Imported, "skipped", st.Skipped)
	return st, nil
}
