package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/shieldauth/shieldauth/pkg/db"
	"github.com/shieldauth/shieldauth/pkg/models"
)

// stubGenerator returns canned replies and records the prompts it saw.
type stubGenerator struct {
	reply    string
	err      error
	lastSys  string
	lastHist []*schema.Message
}

func (g *stubGenerator) Generate(ctx context.Context, system string, history []*schema.Message) (string, error) {
	g.lastSys = system
	g.lastHist = history
	if g.err != nil {
		return "", &GenerationError{Err: g.err}
	}
	return g.reply, nil
}

func (g *stubGenerator) Stream(ctx context.Context, system string, history []*schema.Message) (*schema.StreamReader[*schema.Message], error) {
	g.lastSys = system
	g.lastHist = history
	if g.err != nil {
		return nil, &GenerationError{Err: g.err}
	}
	return schema.StreamReaderFromArray([]*schema.Message{
		schema.AssistantMessage(g.reply, nil),
	}), nil
}

// stubRetriever returns fixed snippets.
type stubRetriever struct {
	snippets []Snippet
}

func (r *stubRetriever) Retrieve(ctx context.Context, userID, query string, topK int) ([]Snippet, error) {
	return r.snippets, nil
}

func newTestChatService(t *testing.T, gen Generator, ret Retriever) (*ChatService, *MessageStore) {
	t.Helper()
	store, tree := newTestTree(t)
	return NewChatService(store, tree, gen, ret), store
}

func TestSendCreatesConversationAndReply(t *testing.T) {
	gen := &stubGenerator{reply: "hi there"}
	svc, store := newTestChatService(t, gen, nil)
	ctx := context.Background()

	result, err := svc.Send(ctx, "user-1", &models.SendMessageRequest{Content: "hello"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if result.ConversationID == "" {
		t.Fatal("no conversation created")
	}
	if result.UserMessage == nil || result.Reply == nil {
		t.Fatal("result missing messages")
	}
	if result.Reply.ParentID == nil || *result.Reply.ParentID != result.UserMessage.ID {
		t.Fatal("reply not linked to user message")
	}
	if result.Reply.Content != "hi there" {
		t.Fatalf("reply content = %q", result.Reply.Content)
	}

	messages, err := svc.ActiveMessages(ctx, "user-1", result.ConversationID)
	if err != nil {
		t.Fatalf("active messages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("active path has %d messages, want 2", len(messages))
	}
	_ = store
}

func TestSendAutoRenamesConversation(t *testing.T) {
	gen := &stubGenerator{reply: "sure"}
	svc, store := newTestChatService(t, gen, nil)
	ctx := context.Background()

	result, err := svc.Send(ctx, "user-1", &models.SendMessageRequest{
		Content: "help me rotate my signing keys",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	// Renaming runs in the background after the reply commits.
	deadline := time.After(2 * time.Second)
	for {
		conv, err := store.GetConversation(store.DB(), "user-1", result.ConversationID)
		if err != nil {
			t.Fatalf("get conversation: %v", err)
		}
		if conv.AutoRenamed {
			if conv.Title != "help me rotate my signing keys" {
				t.Fatalf("title = %q", conv.Title)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("conversation never auto-renamed")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSendKeepsUserMessageOnGenerationFailure(t *testing.T) {
	gen := &stubGenerator{err: errors.New("model unreachable")}
	svc, store := newTestChatService(t, gen, nil)
	ctx := context.Background()

	result, err := svc.Send(ctx, "user-1", &models.SendMessageRequest{Content: "hello?"})
	if !IsGenerationError(err) {
		t.Fatalf("err = %v, want generation error", err)
	}
	if result == nil || result.UserMessage == nil {
		t.Fatal("committed user message not returned")
	}
	if result.Reply != nil {
		t.Fatal("reply present despite failure")
	}

	messages, err := svc.ActiveMessages(ctx, "user-1", result.ConversationID)
	if err != nil {
		t.Fatalf("active messages: %v", err)
	}
	if len(messages) != 1 || messages[0].Role != db.RoleUser {
		t.Fatalf("active path = %d messages", len(messages))
	}

	// A later regenerate answers the stranded user message with a fresh
	// version group.
	gen.err = nil
	gen.reply = "recovered"
	regen, err := svc.Regenerate(ctx, "user-1", result.UserMessage.ID)
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if regen.Reply == nil || regen.Reply.VersionNumber != 1 {
		t.Fatal("recovery reply should start a fresh group at version 1")
	}
	_ = store
}

func TestEditProducesNewVersionAndReply(t *testing.T) {
	gen := &stubGenerator{reply: "first answer"}
	svc, _ := newTestChatService(t, gen, nil)
	ctx := context.Background()

	sent, err := svc.Send(ctx, "user-1", &models.SendMessageRequest{Content: "v1 question"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	gen.reply = "second answer"
	edited, err := svc.Edit(ctx, "user-1", sent.UserMessage.ID, "v2 question")
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if edited.UserMessage.VersionNumber != 2 || !edited.UserMessage.IsEdited {
		t.Fatal("edit did not produce version 2")
	}
	if edited.Reply == nil || edited.Reply.Content != "second answer" {
		t.Fatal("edit did not produce a fresh reply")
	}

	messages, err := svc.ActiveMessages(ctx, "user-1", sent.ConversationID)
	if err != nil {
		t.Fatalf("active messages: %v", err)
	}
	if len(messages) != 2 || messages[0].ID != edited.UserMessage.ID {
		t.Fatal("active path should be the edited version and its reply")
	}

	// The generation prompt must follow the new branch, not timestamps:
	// history is just the edited user message.
	if len(gen.lastHist) != 1 || gen.lastHist[0].Content != "v2 question" {
		t.Fatalf("history = %d messages", len(gen.lastHist))
	}
}

func TestRegenerateAddsVersionToGroup(t *testing.T) {
	gen := &stubGenerator{reply: "take one"}
	svc, _ := newTestChatService(t, gen, nil)
	ctx := context.Background()

	sent, err := svc.Send(ctx, "user-1", &models.SendMessageRequest{Content: "question"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	gen.reply = "take two"
	regen, err := svc.Regenerate(ctx, "user-1", sent.Reply.ID)
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if regen.Reply.VersionGroupID != sent.Reply.VersionGroupID {
		t.Fatal("regenerated reply left the version group")
	}
	if regen.Reply.VersionNumber != 2 {
		t.Fatalf("regenerated version = %d, want 2", regen.Reply.VersionNumber)
	}

	info, err := svc.Versions(ctx, "user-1", sent.Reply.ID)
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	if len(info.Versions) != 2 || info.ActiveIndex != 1 {
		t.Fatalf("versions = %d, active = %d", len(info.Versions), info.ActiveIndex)
	}

	// The regeneration prompt must not contain the replaced reply.
	for _, m := range gen.lastHist {
		if m.Content == "take one" {
			t.Fatal("old reply leaked into the regeneration prompt")
		}
	}
}

func TestSwitchThroughService(t *testing.T) {
	gen := &stubGenerator{reply: "a"}
	svc, _ := newTestChatService(t, gen, nil)
	ctx := context.Background()

	sent, err := svc.Send(ctx, "user-1", &models.SendMessageRequest{Content: "q"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	gen.reply = "b"
	if _, err := svc.Regenerate(ctx, "user-1", sent.Reply.ID); err != nil {
		t.Fatalf("regenerate: %v", err)
	}

	result, err := svc.Switch(ctx, "user-1", sent.Reply.ID, &models.SwitchVersionRequest{Direction: "prev"})
	if err != nil {
		t.Fatalf("switch: %v", err)
	}
	if len(result.Activated) != 1 || result.Activated[0].ID != sent.Reply.ID {
		t.Fatal("switch prev did not restore the first reply")
	}
}

func TestOwnershipHidesForeignData(t *testing.T) {
	gen := &stubGenerator{reply: "secret"}
	svc, _ := newTestChatService(t, gen, nil)
	ctx := context.Background()

	sent, err := svc.Send(ctx, "alice", &models.SendMessageRequest{Content: "mine"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if _, err := svc.GetConversation(ctx, "mallory", sent.ConversationID); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("conversation err = %v, want not found", err)
	}
	if _, err := svc.Edit(ctx, "mallory", sent.UserMessage.ID, "hijack"); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("edit err = %v, want not found", err)
	}
	if _, err := svc.Regenerate(ctx, "mallory", sent.Reply.ID); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("regenerate err = %v, want not found", err)
	}
	if err := svc.DeleteConversation(ctx, "mallory", sent.ConversationID); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("delete err = %v, want not found", err)
	}
}

func TestRetrievalAugmentsSystemPrompt(t *testing.T) {
	gen := &stubGenerator{reply: "grounded answer"}
	ret := &stubRetriever{snippets: []Snippet{{Content: "key rotation happens monthly", Score: 0.9}}}
	svc, _ := newTestChatService(t, gen, ret)
	ctx := context.Background()

	if _, err := svc.Send(ctx, "user-1", &models.SendMessageRequest{Content: "when do keys rotate?"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if want := "key rotation happens monthly"; !strings.Contains(gen.lastSys, want) {
		t.Fatalf("system prompt missing snippet: %q", gen.lastSys)
	}
}

func TestSendStreamDeliversDeltasAndPersists(t *testing.T) {
	gen := &stubGenerator{reply: "streamed reply"}
	svc, store := newTestChatService(t, gen, nil)
	ctx := context.Background()

	chunks, err := svc.SendStream(ctx, "user-1", &models.SendMessageRequest{Content: "stream it", Stream: true})
	if err != nil {
		t.Fatalf("send stream: %v", err)
	}

	var content string
	var done *models.StreamChunk
	for chunk := range chunks {
		if chunk.Error != "" {
			t.Fatalf("stream error: %s", chunk.Error)
		}
		if chunk.Done {
			done = chunk
			continue
		}
		content += chunk.Delta
	}
	if content != "streamed reply" {
		t.Fatalf("streamed content = %q", content)
	}
	if done == nil || done.MessageID == "" {
		t.Fatal("no done chunk with the persisted message ID")
	}

	msg := &db.Message{}
	if err := store.DB().First(msg, "id = ?", done.MessageID).Error; err != nil {
		t.Fatalf("persisted reply missing: %v", err)
	}
	if msg.Content != "streamed reply" || !msg.IsActive {
		t.Fatal("persisted reply wrong")
	}
}

func TestUpdateConversationPinsTitle(t *testing.T) {
	gen := &stubGenerator{reply: "ok"}
	svc, store := newTestChatService(t, gen, nil)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "user-1", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := svc.UpdateConversation(ctx, "user-1", conv.ID, "pinned"); err != nil {
		t.Fatalf("update: %v", err)
	}

	if _, err := svc.Send(ctx, "user-1", &models.SendMessageRequest{
		ConversationID: conv.ID,
		Content:        "should not retitle",
	}); err != nil {
		t.Fatalf("send: %v", err)
	}

	// Give the background renamer a chance to (wrongly) run.
	time.Sleep(50 * time.Millisecond)
	got, err := store.GetConversation(store.DB(), "user-1", conv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "pinned" {
		t.Fatalf("title = %q, want pinned", got.Title)
	}
}
