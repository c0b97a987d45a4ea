package repl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/quillchat/quill/internal/application"
	"github.com/quillchat/quill/internal/domain/entity"
	"github.com/quillchat/quill/internal/domain/service"
	"github.com/quillchat/quill/pkg/safego"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorCyan   = "\033[36m"
	colorYellow = "\033[33m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

// REPL is the interactive chat session over stdin/stdout. While a reply is
// streaming, the prompt stays live so /stop can interrupt it; any other
// input during a stream is refused.
type REPL struct {
	app    *application.App
	logger *zap.Logger

	conversationID string
	streaming      atomic.Bool
}

// New creates a REPL over the wired app.
func New(app *application.App, logger *zap.Logger) *REPL {
	return &REPL{app: app, logger: logger}
}

// Run starts the loop. Returns on EOF or /exit.
func (r *REPL) Run(ctx context.Context) error {
	r.printBanner()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		if !r.streaming.Load() {
			fmt.Printf("%syou> %s", colorGreen, colorReset)
		}

		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		if handled, exit := r.handleCommand(ctx, input); handled {
			if exit {
				return nil
			}
			continue
		}

		if r.streaming.Load() {
			fmt.Printf("%sA reply is still streaming; /stop to interrupt.%s\n", colorYellow, colorReset)
			continue
		}

		r.send(ctx, input)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	fmt.Println("\nGoodbye!")
	return nil
}

// send dispatches one user turn in the background, printing deltas as they
// arrive so the loop keeps accepting /stop.
func (r *REPL) send(ctx context.Context, input string) {
	conversationID, err := r.ensureConversation(ctx)
	if err != nil {
		r.printError(err)
		return
	}

	deltaCh := make(chan service.StreamChunk, 32)
	r.streaming.Store(true)
	start := time.Now()

	safego.Go(r.logger, "repl-render", func() {
		r.render(deltaCh)
	})
	safego.Go(r.logger, "repl-send", func() {
		defer r.streaming.Store(false)

		msg, err := r.app.Orchestrator.Send(ctx, conversationID, input, nil, deltaCh)
		close(deltaCh)
		if err != nil {
			if errors.Is(err, service.ErrTurnCancelled) {
				fmt.Printf("\n%s(stopped)%s\n", colorGray, colorReset)
				return
			}
			r.printError(err)
			return
		}

		elapsed := time.Since(start).Round(time.Millisecond)
		if msg.Usage != nil {
			fmt.Printf("\n%s(%s · %d tokens)%s\n", colorGray, elapsed, msg.Usage.Total, colorReset)
		} else {
			fmt.Printf("\n%s(%s)%s\n", colorGray, elapsed, colorReset)
		}
	})
}

// render prints stream deltas. Thinking output is dimmed and kept apart
// from the answer text.
func (r *REPL) render(deltaCh <-chan service.StreamChunk) {
	inThinking := false
	started := false
	for chunk := range deltaCh {
		if !started && (chunk.DeltaText != "" || chunk.DeltaThinking != "") {
			fmt.Printf("\n%s%sassistant%s\n", colorBold, colorCyan, colorReset)
			started = true
		}
		if chunk.DeltaThinking != "" {
			if !inThinking {
				fmt.Printf("%s[thinking] ", colorGray)
				inThinking = true
			}
			fmt.Print(chunk.DeltaThinking)
		}
		if chunk.DeltaText != "" {
			if inThinking {
				fmt.Printf("%s\n", colorReset)
				inThinking = false
			}
			fmt.Print(chunk.DeltaText)
		}
	}
	if inThinking {
		fmt.Print(colorReset)
	}
}

// ensureConversation commits the pending selection into a new conversation
// on first send.
func (r *REPL) ensureConversation(ctx context.Context) (string, error) {
	if r.conversationID != "" {
		return r.conversationID, nil
	}
	conv, err := r.app.Selection.Commit(ctx)
	if err != nil {
		return "", err
	}
	r.conversationID = conv.ID
	fmt.Printf("%s✓ Conversation started (provider %s, model %s)%s\n",
		colorCyan, conv.ActiveProviderID, conv.ActiveModel, colorReset)
	return conv.ID, nil
}

// handleCommand processes built-in commands. Returns (handled, exit).
func (r *REPL) handleCommand(ctx context.Context, input string) (bool, bool) {
	if !strings.HasPrefix(input, "/") {
		return false, false
	}
	parts := strings.Fields(input)
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "/exit", "/quit", "/q":
		fmt.Println("Goodbye!")
		return true, true

	case "/stop":
		if r.conversationID != "" {
			r.app.Orchestrator.Cancel(r.conversationID)
		}
		return true, false

	case "/new":
		r.conversationID = ""
		r.app.Selection.ClearPending()
		fmt.Printf("%s✓ Next message starts a new conversation%s\n", colorCyan, colorReset)
		return true, false

	case "/provider":
		r.cmdProvider(ctx, args)
		return true, false

	case "/model":
		r.cmdModel(ctx, args)
		return true, false

	case "/persona":
		r.cmdPersona(ctx, args)
		return true, false

	case "/models":
		r.cmdModels(ctx, args)
		return true, false

	case "/ping":
		r.cmdPing(ctx, args)
		return true, false

	case "/export":
		r.cmdExport(ctx, args)
		return true, false

	case "/import":
		r.cmdImport(ctx, args)
		return true, false

	case "/help":
		r.printHelp()
		return true, false

	default:
		fmt.Printf("%sUnknown command %s — /help lists commands%s\n", colorYellow, cmd, colorReset)
		return true, false
	}
}

func (r *REPL) cmdProvider(ctx context.Context, args []string) {
	if len(args) == 0 {
		providers, err := r.app.Providers.FindAll(ctx)
		if err != nil {
			r.printError(err)
			return
		}
		fmt.Printf("%s── Providers ──%s\n", colorCyan, colorReset)
		for _, p := range providers {
			state := " "
			if !p.IsEnabled {
				state = "disabled"
			}
			fmt.Printf("  %-24s %-18s %s %s\n", p.Name, p.Kind, p.ID, state)
		}
		return
	}

	cfg, err := r.findProvider(ctx, args[0])
	if err != nil {
		r.printError(err)
		return
	}

	if r.conversationID == "" {
		r.app.Selection.SetPendingProvider(cfg.ID, "")
		fmt.Printf("%s✓ Provider for next conversation: %s%s\n", colorCyan, cfg.Name, colorReset)
		return
	}
	// Takes effect on the next turn; an in-flight one finishes where it
	// started.
	if err := r.app.Orchestrator.SwitchProvider(ctx, r.conversationID, cfg.ID, ""); err != nil {
		r.printError(err)
		return
	}
	fmt.Printf("%s✓ Switched to %s%s\n", colorCyan, cfg.Name, colorReset)
}

func (r *REPL) cmdModel(ctx context.Context, args []string) {
	if len(args) == 0 {
		fmt.Printf("%sUsage: /model <name>%s\n", colorYellow, colorReset)
		return
	}
	model := args[0]

	if r.conversationID == "" {
		pending := r.app.Selection.Pending()
		r.app.Selection.SetPendingProvider(pending.ProviderID, model)
		fmt.Printf("%s✓ Model for next conversation: %s%s\n", colorCyan, model, colorReset)
		return
	}

	conv, err := r.app.Conversations.FindByID(ctx, r.conversationID)
	if err != nil {
		r.printError(err)
		return
	}
	if err := r.app.Orchestrator.SwitchProvider(ctx, r.conversationID, conv.ActiveProviderID, model); err != nil {
		r.printError(err)
		return
	}
	fmt.Printf("%s✓ Model switched to %s%s\n", colorCyan, model, colorReset)
}

func (r *REPL) cmdPersona(ctx context.Context, args []string) {
	if len(args) == 0 {
		personas, err := r.app.Personas.FindAll(ctx)
		if err != nil {
			r.printError(err)
			return
		}
		fmt.Printf("%s── Personas ──%s\n", colorCyan, colorReset)
		for _, p := range personas {
			mark := " "
			if p.IsDefault {
				mark = "*"
			}
			fmt.Printf(" %s %-24s %s\n", mark, p.Name, p.ID)
		}
		return
	}

	if r.conversationID != "" {
		fmt.Printf("%sPersona is fixed for the life of a conversation; /new first.%s\n", colorYellow, colorReset)
		return
	}

	name := strings.Join(args, " ")
	personas, err := r.app.Personas.FindAll(ctx)
	if err != nil {
		r.printError(err)
		return
	}
	for _, p := range personas {
		if p.Name == name || p.ID == name {
			r.app.Selection.SetPendingPersona(p.ID)
			fmt.Printf("%s✓ Persona for next conversation: %s%s\n", colorCyan, p.Name, colorReset)
			return
		}
	}
	fmt.Printf("%sNo persona named %q%s\n", colorYellow, name, colorReset)
}

func (r *REPL) cmdModels(ctx context.Context, args []string) {
	if len(args) > 0 {
		switch args[0] {
		case "rm":
			if len(args) < 2 {
				fmt.Printf("%sUsage: /models rm <name>%s\n", colorYellow, colorReset)
				return
			}
			if err := r.app.DeleteModel(ctx, args[1]); err != nil {
				r.printError(err)
				return
			}
			fmt.Printf("%s✓ Model %s deleted%s\n", colorCyan, args[1], colorReset)
			return
		case "import":
			if len(args) < 3 {
				fmt.Printf("%sUsage: /models import <name> <path>%s\n", colorYellow, colorReset)
				return
			}
			m, err := r.app.ImportModel(ctx, args[1], args[2], entity.ModelTypeLLM)
			if err != nil {
				r.printError(err)
				return
			}
			fmt.Printf("%s✓ Model %s imported (%s)%s\n", colorCyan, m.Name, m.ModelPath, colorReset)
			return
		default:
			fmt.Printf("%sUsage: /models [rm <name> | import <name> <path>]%s\n", colorYellow, colorReset)
			return
		}
	}

	cfg, err := r.activeProvider(ctx)
	if err != nil {
		r.printError(err)
		return
	}
	provider, err := r.app.Registry.ForKind(cfg.Kind)
	if err != nil {
		r.printError(err)
		return
	}
	models, err := provider.FetchModels(ctx, cfg)
	if err != nil {
		r.printError(err)
		return
	}
	fmt.Printf("%s── Models (%s) ──%s\n", colorCyan, cfg.Name, colorReset)
	for _, m := range models {
		fmt.Printf("  %s\n", m)
	}
}

func (r *REPL) cmdPing(ctx context.Context, args []string) {
	var cfg *entity.ProviderConfig
	var err error
	if len(args) > 0 {
		cfg, err = r.findProvider(ctx, args[0])
	} else {
		cfg, err = r.activeProvider(ctx)
	}
	if err != nil {
		r.printError(err)
		return
	}

	if r.app.Registry.Probe(ctx, cfg) {
		fmt.Printf("%s✓ %s is reachable%s\n", colorCyan, cfg.Name, colorReset)
	} else {
		fmt.Printf("%s✗ %s is not reachable%s\n", colorYellow, cfg.Name, colorReset)
	}
}

func (r *REPL) cmdExport(ctx context.Context, args []string) {
	if len(args) == 0 {
		fmt.Printf("%sUsage: /export <file>%s\n", colorYellow, colorReset)
		return
	}
	if err := r.app.Porter.ExportToFile(ctx, args[0]); err != nil {
		r.printError(err)
		return
	}
	fmt.Printf("%s✓ Exported to %s (API keys stripped)%s\n", colorCyan, args[0], colorReset)
}

func (r *REPL) cmdImport(ctx context.Context, args []string) {
	if len(args) == 0 {
		fmt.Printf("%sUsage: /import <file> [merge|replace]%s\n", colorYellow, colorReset)
		return
	}
	mode := application.ImportMerge
	if len(args) > 1 && args[1] == "replace" {
		mode = application.ImportReplace
	}
	if err := r.app.Porter.ImportFromFile(ctx, args[0], mode); err != nil {
		r.printError(err)
		return
	}
	fmt.Printf("%s✓ Imported %s (%s)%s\n", colorCyan, args[0], mode, colorReset)
}

// --- Helpers ---

func (r *REPL) activeProvider(ctx context.Context) (*entity.ProviderConfig, error) {
	if r.conversationID != "" {
		conv, err := r.app.Conversations.FindByID(ctx, r.conversationID)
		if err != nil {
			return nil, err
		}
		return r.app.Providers.FindByID(ctx, conv.ActiveProviderID)
	}
	if pending := r.app.Selection.Pending(); pending.ProviderID != "" {
		return r.app.Providers.FindByID(ctx, pending.ProviderID)
	}
	settings, err := r.app.Settings.Load(ctx)
	if err != nil {
		return nil, err
	}
	if settings.DefaultProviderID != "" {
		return r.app.Providers.FindByID(ctx, settings.DefaultProviderID)
	}
	return nil, service.ErrNoProviderAvailable
}

func (r *REPL) findProvider(ctx context.Context, idOrName string) (*entity.ProviderConfig, error) {
	if p, err := r.app.Providers.FindByID(ctx, idOrName); err == nil {
		return p, nil
	}
	all, err := r.app.Providers.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range all {
		if p.Name == idOrName {
			return p, nil
		}
	}
	return nil, fmt.Errorf("no provider named %q", idOrName)
}

func (r *REPL) printError(err error) {
	var chatErr *service.ChatError
	if errors.As(err, &chatErr) {
		fmt.Printf("%sError (%s): %s%s\n", colorYellow, chatErr.Kind, chatErr.Message, colorReset)
		return
	}
	fmt.Printf("%sError: %v%s\n", colorYellow, err, colorReset)
}

func (r *REPL) printBanner() {
	fmt.Printf("\n%s%s╔══════════════════════════════════╗%s\n", colorBold, colorCyan, colorReset)
	fmt.Printf("%s%s║            Quill Chat            ║%s\n", colorBold, colorCyan, colorReset)
	fmt.Printf("%s%s╚══════════════════════════════════╝%s\n", colorBold, colorCyan, colorReset)
	fmt.Printf("%sType a message to chat, /help for commands%s\n\n", colorGray, colorReset)
}

func (r *REPL) printHelp() {
	fmt.Printf("\n%s── Commands ──%s\n", colorCyan, colorReset)
	fmt.Println("  /provider [name]        List providers or pick one")
	fmt.Println("  /model <name>           Switch model")
	fmt.Println("  /persona [name]         List personas or pick one (before first send)")
	fmt.Println("  /models                 List the active provider's models")
	fmt.Println("  /models rm <name>       Delete an on-device model")
	fmt.Println("  /models import <n> <p>  Register an on-device model file")
	fmt.Println("  /ping [name]            Check provider reachability")
	fmt.Println("  /new                    Start a new conversation")
	fmt.Println("  /stop                   Interrupt the streaming reply")
	fmt.Println("  /export <file>          Export conversations and providers")
	fmt.Println("  /import <file> [mode]   Import an archive (merge|replace)")
	fmt.Println("  /help                   Show this help")
	fmt.Println("  /exit                   Quit")
	fmt.Println()
}
