package commands

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/rmaranhao/citabot/pkg/citabot/bot"
	"github.com/rmaranhao/citabot/pkg/citabot/config"
	"github.com/rmaranhao/citabot/pkg/citabot/handoff"
	"github.com/rmaranhao/citabot/pkg/citabot/llm"
	"github.com/rmaranhao/citabot/pkg/citabot/scheduling"
	"github.com/rmaranhao/citabot/pkg/citabot/session"
)

// consoleOperator stands in for the operator directory so the handoff tool
// stays usable in the REPL.
type consoleOperator struct{}

func (consoleOperator) HasOperator() bool { return true }

func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Talk to the assistant from the terminal",
		Long: `Open a local conversation with the assistant, without WhatsApp.
Uses the configured model and clinic backend with an in-memory session,
useful for trying prompts and tool behavior before going live.`,
		RunE: runChat,
	}
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)

	llmKey, err := config.ResolveSecret(cfg.LLM.APIKey)
	if err != nil {
		return fmt.Errorf("LLM API key: %w", err)
	}
	clinicKey := ""
	if cfg.Clinic.APIKey != "" {
		if clinicKey, err = config.ResolveSecret(cfg.Clinic.APIKey); err != nil {
			return fmt.Errorf("clinic API key: %w", err)
		}
	}

	store := session.NewStore(session.NewMemoryBackend(), cfg.SessionTTL(), logger)
	handoffs := handoff.NewManager(handoff.NewMemoryStore(), nil, logger)
	clinic := scheduling.NewClient(cfg.Clinic.BaseURL, clinicKey, logger)
	completer := llm.NewClient(cfg.LLM.BaseURL, llmKey, cfg.LLM.Model, logger)
	orch := bot.NewOrchestrator(completer, clinic, store, handoffs, consoleOperator{}, cfg.Clinic.Name, cfg.Session.MaxTurns, logger)

	rl, err := readline.New("tú> ")
	if err != nil {
		return fmt.Errorf("failed to open terminal: %w", err)
	}
	defer rl.Close()

	fmt.Println("CitaBot en modo consola. Escribe /salir para terminar.")
	const key = "consola@local"
	ctx := context.Background()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "/salir" {
			return nil
		}

		reply, err := orch.HandleBatch(ctx, key, line)
		if err != nil {
			logger.Debug("batch error", "error", err)
		}
		if reply != "" {
			fmt.Println("citabot>", reply)
		}
		if h, _ := handoffs.ActiveFor(key); h != nil {
			fmt.Println("(la conversación pasaría a un operador humano; /salir para terminar)")
		}
	}
}
