package app

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"roomchat/internal/util"
	"roomchat/pkg/domain"
)

const (
	defaultHistoryPageSize = 15
	summaryContentRunes    = 50
	exportRenderParallel   = 4
)

// HistoryEntry is one addressable transcript entry with its 1-based index.
type HistoryEntry struct {
	Index   int         `json:"index"`
	Role    domain.Role `json:"role"`
	Content string      `json:"content"`
}

// HistoryPage is one page of transcript entries. TotalMessages counts the
// addressable entries only; the system message is excluded.
type HistoryPage struct {
	Page          int            `json:"page"`
	TotalPages    int            `json:"totalPages"`
	TotalMessages int            `json:"totalMessages"`
	Entries       []HistoryEntry `json:"entries"`
}

// History returns one page of the room transcript, full content.
func (a *App) History(caller, name, quotedMessageID string, page int) (HistoryPage, error) {
	room, err := a.GetRoom(caller, name, quotedMessageID)
	if err != nil {
		return HistoryPage{}, err
	}
	return a.paginate(room.Messages, page, false)
}

// HistorySummary returns one page with entry content truncated for compact
// listings.
func (a *App) HistorySummary(caller, name, quotedMessageID string, page int) (HistoryPage, error) {
	room, err := a.GetRoom(caller, name, quotedMessageID)
	if err != nil {
		return HistoryPage{}, err
	}
	return a.paginate(room.Messages, page, true)
}

func (a *App) paginate(messages []domain.Message, page int, summarize bool) (HistoryPage, error) {
	entries := messages[1:]
	if len(entries) == 0 {
		return HistoryPage{}, validationf("room has no chat history yet")
	}
	if page < 1 {
		page = 1
	}
	totalPages := (len(entries) + a.historyPageSize - 1) / a.historyPageSize
	if page > totalPages {
		return HistoryPage{}, validationf("page out of range: valid pages are 1 to %d", totalPages)
	}
	start := (page - 1) * a.historyPageSize
	end := min(start+a.historyPageSize, len(entries))
	out := HistoryPage{Page: page, TotalPages: totalPages, TotalMessages: len(entries)}
	for i := start; i < end; i++ {
		content := entries[i].Content
		if summarize {
			content = summarizeContent(content)
		}
		out.Entries = append(out.Entries, HistoryEntry{
			Index:   i + 1,
			Role:    entries[i].Role,
			Content: content,
		})
	}
	return out, nil
}

func summarizeContent(content string) string {
	content = strings.Join(strings.Fields(content), " ")
	runes := []rune(content)
	if len(runes) <= summaryContentRunes {
		return content
	}
	return string(runes[:summaryContentRunes]) + "…"
}

// ExportPage is the outcome of rendering one history page to an image.
type ExportPage struct {
	Page int    `json:"page"`
	URL  string `json:"url,omitempty"`
	Err  string `json:"error,omitempty"`
}

// ExportResult tallies an export batch.
type ExportResult struct {
	Room     string       `json:"room"`
	Rendered int          `json:"rendered"`
	Failed   int          `json:"failed"`
	Pages    []ExportPage `json:"pages"`
}

// ExportHistory renders every history page to a PNG and stores each in the
// archive, returning presigned links. Pages render in parallel with a bounded
// group; a failed page is reported in place without sinking the batch.
func (a *App) ExportHistory(ctx context.Context, caller, name, quotedMessageID string) (ExportResult, error) {
	if a.renderer == nil || a.archive == nil {
		return ExportResult{}, fmt.Errorf("history export requires the render service and archive")
	}
	room, err := a.GetRoom(caller, name, quotedMessageID)
	if err != nil {
		return ExportResult{}, err
	}
	entries := room.Messages[1:]
	if len(entries) == 0 {
		return ExportResult{}, validationf("room has no chat history yet")
	}

	totalPages := (len(entries) + a.historyPageSize - 1) / a.historyPageSize
	result := ExportResult{Room: room.Name, Pages: make([]ExportPage, totalPages)}
	batchID := util.NewID()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(exportRenderParallel)
	for p := 0; p < totalPages; p++ {
		g.Go(func() error {
			page := p + 1
			start := p * a.historyPageSize
			end := min(start+a.historyPageSize, len(entries))
			markdown := renderPageMarkdown(room.Name, page, totalPages, entries[start:end], start)

			png, err := a.renderer.Render(gctx, markdown)
			if err != nil {
				result.Pages[p] = ExportPage{Page: page, Err: err.Error()}
				return nil
			}
			key := fmt.Sprintf("renders/%s/%s-page-%02d.png", room.ID, batchID, page)
			url, err := a.archive.SaveRender(gctx, key, png)
			if err != nil {
				result.Pages[p] = ExportPage{Page: page, Err: err.Error()}
				return nil
			}
			result.Pages[p] = ExportPage{Page: page, URL: url}
			return nil
		})
	}
	_ = g.Wait()

	for _, pg := range result.Pages {
		if pg.Err == "" {
			result.Rendered++
		} else {
			result.Failed++
		}
	}
	return result, nil
}

// renderPageMarkdown lays out one history page for the image renderer.
func renderPageMarkdown(roomName string, page, totalPages int, entries []domain.Message, offset int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s · %d/%d\n", roomName, page, totalPages)
	for i, msg := range entries {
		speaker := "🤖 Assistant"
		if msg.Role == domain.RoleUser {
			speaker = "👤 User"
		}
		fmt.Fprintf(&b, "\n---\n\n## %d. %s\n\n%s\n", offset+i+1, speaker, msg.Content)
	}
	return b.String()
}

// RenderReply renders one finished reply to an image and archives it,
// returning the presigned link. Callers fall back to plain text when the
// render pipeline is unavailable or fails.
func (a *App) RenderReply(ctx context.Context, room domain.Room, result domain.TurnResult) (string, error) {
	if a.renderer == nil || a.archive == nil {
		return "", fmt.Errorf("render pipeline not configured")
	}
	markdown := fmt.Sprintf("## %s (%d)\n\n%s\n", room.Name, result.TranscriptLen, result.Reply)
	png, err := a.renderer.Render(ctx, markdown)
	if err != nil {
		return "", fmt.Errorf("render reply: %w", err)
	}
	key := fmt.Sprintf("renders/%s/%s.png", room.ID, result.MessageID)
	url, err := a.archive.SaveRender(ctx, key, png)
	if err != nil {
		return "", fmt.Errorf("archive reply: %w", err)
	}
	return url, nil
}
