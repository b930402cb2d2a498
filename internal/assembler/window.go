package assembler

import (
	"context"
	"strings"

	"github.com/andyan77/diyu-agent-sub002/internal/chunker"
	memerr "github.com/andyan77/diyu-agent-sub002/internal/errors"
	"github.com/andyan77/diyu-agent-sub002/internal/model"
)

// Window is the session context: the compacted history and the turns kept
// verbatim.
type Window struct {
	Summary *model.SessionSummary
	Recent  []model.ConversationEvent
}

// Window loads the session's summary and the events after it. When those
// events outgrow the window, all but the newest are folded into a new
// summary that supersedes the previous one.
func (a *Assembler) Window(ctx context.Context, userID, sessionID string) (*Window, error) {
	w := &Window{}
	if sessionID == "" {
		return w, nil
	}

	after := 0
	sum, err := a.store.LatestSummary(ctx, sessionID)
	switch {
	case err == nil:
		if sum.UserID == userID {
			w.Summary = sum
			after = sum.ToSeq
		}
	case memerr.IsNotFound(err):
	default:
		return nil, err
	}

	all, err := a.store.ListEvents(ctx, sessionID, after)
	if err != nil {
		return nil, err
	}
	var events []model.ConversationEvent
	tokens := 0
	for _, ev := range all {
		if ev.UserID != userID || ev.Redacted {
			continue
		}
		events = append(events, ev)
		tokens += chunker.EstimateTokens(ev.Text())
	}

	keep := a.cfg.Window.KeepRecent
	if tokens <= a.cfg.Window.MaxEventTokens || len(events) <= keep {
		w.Recent = events
		return w, nil
	}

	older, recent := events[:len(events)-keep], events[len(events)-keep:]
	w.Recent = recent
	w.Summary = a.compact(ctx, userID, sessionID, w.Summary, older)
	return w, nil
}

// compact folds older events into the previous summary extractively: the
// first sentence of each turn, newest kept when over budget. Persisting the
// result is best effort; the in-memory summary is used either way.
func (a *Assembler) compact(ctx context.Context, userID, sessionID string, prev *model.SessionSummary, older []model.ConversationEvent) *model.SessionSummary {
	var lines []string
	from := older[0].Seq
	if prev != nil {
		lines = append(lines, strings.Split(prev.Content, "\n")...)
		from = prev.FromSeq
	}
	for _, ev := range older {
		sentences := chunker.Sentences(ev.Text())
		if len(sentences) == 0 {
			continue
		}
		lines = append(lines, string(ev.Role)+": "+sentences[0])
	}
	lines, _ = chunker.FitTail(lines, a.cfg.Window.SummaryTokens)

	sum := &model.SessionSummary{
		SessionID: sessionID,
		UserID:    userID,
		Content:   strings.Join(lines, "\n"),
		FromSeq:   from,
		ToSeq:     older[len(older)-1].Seq,
	}
	if strings.TrimSpace(sum.Content) == "" {
		return prev
	}
	id, err := a.store.PutSummary(ctx, *sum)
	if err != nil {
		a.logger.Warn("persisting session summary", "session_id", sessionID, "error", err)
		return sum
	}
	sum.ID = id
	a.logger.Debug("session window compacted", "session_id", sessionID, "to_seq", sum.ToSeq)
	return sum
}
