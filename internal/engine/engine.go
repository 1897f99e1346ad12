// Package engine enforces the design lifecycle: draft/publish separation,
// execution locking, and the review workflow. Handlers call in here; the
// engine owns all aggregate writes.
package engine

import (
	"database/sql"
	"time"

	"protolab/internal/directory"
	"protolab/internal/domain"
	"protolab/internal/ledger"
	"protolab/internal/notify"
	"protolab/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Ledger ledger.Writer
	Notify notify.Sink
	Names  directory.Lookup
	Now    func() time.Time
}

func New(db *sql.DB, sink notify.Sink, names directory.Lookup) Engine {
	if sink == nil {
		sink = notify.Discard{}
	}
	if names == nil {
		names = directory.Static{}
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Ledger: ledger.Writer{DB: db},
		Notify: sink,
		Names:  names,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

// notifyAuthors fans a message out to every author except skip.
func (e Engine) notifyAuthors(d domain.Design, skipUID, msgType, text, link string, context map[string]any) {
	for _, uid := range d.AuthorIDs {
		if uid == skipUID {
			continue
		}
		e.Notify.Send(notify.Message{
			Recipient: uid,
			Type:      msgType,
			Text:      text,
			Link:      link,
			Context:   context,
		})
	}
}

// draftFromDesign seeds a shadow draft as a full copy of the current public
// content.
func draftFromDesign(d domain.Design, now string) domain.Draft {
	return domain.Draft{DesignID: d.ID, Content: d.Content, UpdatedAt: now}
}

// mergeDraft overlays draft content on the design. System fields (status,
// counters, authorship, fork metadata, timestamps) always come from the
// design, never the draft.
func mergeDraft(d domain.Design, dr domain.Draft) domain.Design {
	d.Content = dr.Content
	return d
}
