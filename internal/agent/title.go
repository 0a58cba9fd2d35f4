package agent

import (
	"context"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"valet/internal/llm"
	"valet/pkg/models"
)

// autoTitleInterval is how many user turns pass between periodic title
// refreshes after the first one.
const autoTitleInterval = 6

// MaybeUpdateTitle refreshes a conversation's auto-generated title when
// due: after the first full exchange (forceFirst) and then every
// autoTitleInterval user turns. Returns the new title, or empty when no
// update happened. Idempotent against unchanged titles and disabled
// auto-titling.
func (a *Agent) MaybeUpdateTitle(ctx context.Context, conversationID int64, forceFirst bool, branchID int64) (string, error) {
	conv, err := a.store.GetConversation(conversationID)
	if err != nil {
		return "", err
	}
	if !conv.AutoTitle {
		return "", nil
	}

	if branchID == 0 {
		branchID, err = a.store.ActiveBranch(conversationID)
		if err != nil {
			return "", err
		}
	}
	history, err := a.store.MessagesForBranch(conversationID, branchID, 0)
	if err != nil {
		return "", err
	}
	var userMsgs, assistantMsgs []string
	for _, m := range history {
		switch m.Role {
		case models.RoleUser:
			userMsgs = append(userMsgs, m.Content)
		case models.RoleAssistant:
			assistantMsgs = append(assistantMsgs, m.Content)
		}
	}
	if len(userMsgs) == 0 {
		return "", nil
	}

	due := false
	if forceFirst && len(userMsgs) == 1 && len(assistantMsgs) > 0 {
		due = true
	} else if len(userMsgs) >= 2 && len(userMsgs)%autoTitleInterval == 0 {
		due = true
	}
	if !due {
		return "", nil
	}

	first := strings.TrimSpace(userMsgs[0])
	var recent []string
	for _, m := range userMsgs[max(0, len(userMsgs)-2):] {
		if s := strings.TrimSpace(m); s != "" {
			recent = append(recent, s)
		}
	}
	if first == "" && len(recent) == 0 {
		return "", nil
	}

	title := a.generateTitle(ctx, first, recent)
	if title == "" || title == strings.TrimSpace(conv.Title) {
		return "", nil
	}
	if err := a.store.UpdateConversationTitle(conversationID, title, true); err != nil {
		return "", err
	}
	return title, nil
}

// generateTitle asks the LLM for a 3-6 word title, degrading to a
// truncation of the first message when the LLM is unavailable or the
// reply is unusable.
func (a *Agent) generateTitle(ctx context.Context, first string, recent []string) string {
	source := first
	if source == "" && len(recent) > 0 {
		source = recent[len(recent)-1]
	}
	fallback := fallbackTitle(source)
	if !a.llm.Available() {
		return fallback
	}

	recentText := ""
	for _, msg := range recent {
		recentText += "- " + collapseClip(msg, 220) + "\n"
	}
	if recentText == "" {
		recentText = "- (none)\n"
	}
	prompt := "Create a short English conversation title (3-6 words). " +
		"Use Title Case, no quotes, no emojis. " +
		"Blend the first topic with the most recent topics.\n\n" +
		"First topic: " + collapseClip(first, 320) + "\n" +
		"Recent topics:\n" + recentText + "\n" +
		"Title:"

	res, err := a.llm.Chat(ctx, llm.ChatRequest{
		Model: a.settings.TextModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "You write short, polished English conversation titles."},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return fallback
	}
	raw := strings.TrimSpace(res.Content)
	if raw == "" {
		return fallback
	}

	title := strings.TrimSpace(strings.SplitN(raw, "\n", 2)[0])
	title = strings.Trim(title, `"'`)
	if len(title) > 60 {
		cut := title[:60]
		if i := strings.LastIndex(cut, " "); i > 0 {
			cut = cut[:i]
		}
		title = cut
	}
	if title == "" {
		return fallback
	}
	return title
}

// fallbackTitle is the first six words of the message, capped at 60
// characters.
func fallbackTitle(text string) string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return "Conversation"
	}
	if len(words) > 6 {
		words = words[:6]
	}
	title := strings.Join(words, " ")
	if len(title) > 60 {
		title = title[:60]
	}
	return title
}

// collapseClip squeezes whitespace and clips on a word boundary.
func collapseClip(text string, limit int) string {
	cleaned := strings.Join(strings.Fields(text), " ")
	if len(cleaned) <= limit {
		return cleaned
	}
	cut := cleaned[:limit]
	if i := strings.LastIndex(cut, " "); i > 0 {
		cut = cut[:i]
	}
	return cut
}
