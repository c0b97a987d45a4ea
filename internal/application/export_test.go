package application

import (
	"context"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/quillchat/quill/internal/domain/entity"
	"github.com/quillchat/quill/internal/domain/repository"
	"github.com/quillchat/quill/internal/infrastructure/persistence"
	"github.com/quillchat/quill/internal/infrastructure/storage"
)

func testLogger() *zap.Logger {
	l, _ := zap.NewDevelopment()
	return l
}

type porterFixture struct {
	store  *storage.MemoryStore
	convs  repository.ConversationRepository
	msgs   repository.MessageRepository
	provs  repository.ProviderRepository
	porter *Porter
}

func newPorterFixture(t *testing.T) *porterFixture {
	t.Helper()
	store := storage.NewMemoryStore()
	f := &porterFixture{
		store: store,
		convs: persistence.NewConversationRepo(store),
		msgs:  persistence.NewMessageRepo(store),
		provs: persistence.NewProviderRepo(store),
	}
	f.porter = NewPorter(store, f.convs, f.msgs, f.provs, testLogger())
	return f
}

func (f *porterFixture) seed(t *testing.T) (*entity.ProviderConfig, *entity.Conversation) {
	t.Helper()
	ctx := context.Background()

	cfg, err := entity.NewProviderConfig("main", entity.KindOpenAI, "", "gpt-4o-mini")
	if err != nil {
		t.Fatal(err)
	}
	cfg.APIKey = "sk-secret"
	if err := f.provs.Save(ctx, cfg); err != nil {
		t.Fatal(err)
	}

	conv, err := entity.NewConversation("greetings", cfg.ID, "gpt-4o-mini", "", false)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.convs.Save(ctx, conv); err != nil {
		t.Fatal(err)
	}
	for _, c := range []string{"hi", "hello"} {
		role := entity.RoleUser
		if c == "hello" {
			role = entity.RoleAssistant
		}
		m, err := entity.NewMessage(conv.ID, role, c, cfg.ID, "gpt-4o-mini")
		if err != nil {
			t.Fatal(err)
		}
		if err := f.msgs.Append(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	return cfg, conv
}

func TestExport_RedactsSecrets(t *testing.T) {
	f := newPorterFixture(t)
	f.seed(t)

	archive, err := f.porter.Export(context.Background())
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if archive.Version != ArchiveVersion {
		t.Errorf("version = %q", archive.Version)
	}
	if len(archive.Providers) != 1 {
		t.Fatalf("providers = %d", len(archive.Providers))
	}
	if archive.Providers[0].APIKey != "" {
		t.Error("API key leaked into the archive")
	}
	if len(archive.Conversations) != 1 || len(archive.Conversations[0].Messages) != 2 {
		t.Errorf("archive shape: %d conversations", len(archive.Conversations))
	}
}

func TestImport_ReplaceRoundTrip(t *testing.T) {
	src := newPorterFixture(t)
	src.seed(t)
	archive, err := src.porter.Export(context.Background())
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	dst := newPorterFixture(t)
	ctx := context.Background()

	// Pre-existing data in the destination must be gone after replace.
	stale, _ := entity.NewProviderConfig("stale", entity.KindOllama, "", "llama3")
	_ = dst.provs.Save(ctx, stale)

	if err := dst.porter.Import(ctx, archive, ImportReplace); err != nil {
		t.Fatalf("import: %v", err)
	}

	provs, _ := dst.provs.FindAll(ctx)
	if len(provs) != 1 || provs[0].Name != "main" {
		t.Errorf("providers after replace: %d", len(provs))
	}
	convs, _ := dst.convs.FindAll(ctx)
	if len(convs) != 1 {
		t.Fatalf("conversations after replace: %d", len(convs))
	}
	history, _ := dst.msgs.FindByConversationID(ctx, convs[0].ID)
	if len(history) != 2 || history[0].Content != "hi" {
		t.Errorf("history after replace: %d", len(history))
	}
}

func TestImport_MergeRegeneratesCollidingIDs(t *testing.T) {
	f := newPorterFixture(t)
	cfg, conv := f.seed(t)
	ctx := context.Background()

	archive, err := f.porter.Export(ctx)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	// Importing into the same store collides on every id.
	if err := f.porter.Import(ctx, archive, ImportMerge); err != nil {
		t.Fatalf("import: %v", err)
	}

	convs, _ := f.convs.FindAll(ctx)
	if len(convs) != 2 {
		t.Fatalf("expected original + imported copy, got %d", len(convs))
	}
	var imported *entity.Conversation
	for _, c := range convs {
		if c.ID != conv.ID {
			imported = c
		}
	}
	if imported == nil {
		t.Fatal("colliding conversation id was not regenerated")
	}

	// Messages follow the regenerated id.
	history, _ := f.msgs.FindByConversationID(ctx, imported.ID)
	if len(history) != 2 {
		t.Errorf("imported history = %d messages", len(history))
	}
	for _, m := range history {
		if m.ConversationID != imported.ID {
			t.Errorf("message still points at %s", m.ConversationID)
		}
	}

	// The existing provider record keeps its key: the redacted copy loses.
	got, _ := f.provs.FindByID(ctx, cfg.ID)
	if got.APIKey != "sk-secret" {
		t.Errorf("merge clobbered the stored key: %q", got.APIKey)
	}
}

func TestImport_BadVersionLeavesStoreUntouched(t *testing.T) {
	f := newPorterFixture(t)
	f.seed(t)
	ctx := context.Background()

	before, _ := f.store.List(ctx, "")
	err := f.porter.Import(ctx, &Archive{Version: "99"}, ImportReplace)
	if err == nil {
		t.Fatal("expected version error")
	}
	after, _ := f.store.List(ctx, "")
	if len(after) != len(before) {
		t.Errorf("store changed on rejected import: %d -> %d records", len(before), len(after))
	}
}

func TestExportImportFile(t *testing.T) {
	f := newPorterFixture(t)
	f.seed(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "backup.json")
	if err := f.porter.ExportToFile(ctx, path); err != nil {
		t.Fatalf("export to file: %v", err)
	}

	dst := newPorterFixture(t)
	if err := dst.porter.ImportFromFile(ctx, path, ImportReplace); err != nil {
		t.Fatalf("import from file: %v", err)
	}
	convs, _ := dst.convs.FindAll(ctx)
	if len(convs) != 1 {
		t.Errorf("conversations = %d", len(convs))
	}

	if err := dst.porter.ImportFromFile(ctx, filepath.Join(t.TempDir(), "missing.json"), ImportMerge); err == nil {
		t.Error("missing file must error")
	}
}
