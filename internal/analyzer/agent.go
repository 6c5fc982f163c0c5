package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/agent-api/core/pkg/agent"
	"github.com/agent-api/core/types"
	"github.com/agent-api/ollama"

	"github.com/bdougie/stagecut/internal/extractor"
)

const labelSystemPrompt = "You are a QA assistant that analyses screen recordings of apps. " +
	"You describe what the user does in each phase and always answer in the JSON format you are asked for."

// AgentConfig configures an AgentLabeler. BaseURL and Port locate the Ollama
// server; CellWidth is the contact sheet cell width in pixels.
type AgentConfig struct {
	BaseURL string // e.g. http://localhost
	Port    int
	Model   string
	Logger  *slog.Logger

	// CellWidth is the contact sheet cell width in pixels.
	CellWidth int
}

// AgentLabeler labels keyframes with a vision model behind an Ollama agent.
// The keyframes are sent as one contact sheet image.
type AgentLabeler struct {
	agent     *agent.DefaultAgent
	cellWidth int
	logger    *slog.Logger
}

// NewAgentLabeler checks that Ollama is reachable and sets up the agent.
func NewAgentLabeler(ctx context.Context, cfg AgentConfig) (*AgentLabeler, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if err := ping(ctx, cfg.BaseURL+":"+strconv.Itoa(cfg.Port)); err != nil {
		return nil, fmt.Errorf("ollama is not reachable: %w", err)
	}

	provider := ollama.NewProvider(&ollama.ProviderOpts{
		Logger:  cfg.Logger,
		BaseURL: cfg.BaseURL,
		Port:    cfg.Port,
	})
	provider.UseModel(ctx, &types.Model{
		ID: cfg.Model,
	})

	a := agent.NewAgent(&agent.NewAgentConfig{
		Provider:     provider,
		Logger:       cfg.Logger,
		SystemPrompt: labelSystemPrompt,
	})

	return &AgentLabeler{
		agent:     a,
		cellWidth: cfg.CellWidth,
		logger:    cfg.Logger,
	}, nil
}

// Label renders the keyframes into a contact sheet, writes it to a temporary
// JPEG and makes one agent call with it. The reply is returned unparsed.
func (l *AgentLabeler) Label(ctx context.Context, req LabelRequest) (string, error) {
	sheet, err := ContactSheet(req.Frames, l.cellWidth)
	if err != nil {
		return "", err
	}
	data, err := extractor.EncodeJPEG(sheet, 0)
	if err != nil {
		return "", err
	}

	f, err := os.CreateTemp("", "stagecut-sheet-*.jpg")
	if err != nil {
		return "", fmt.Errorf("create contact sheet file: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(data); err != nil {
		f.Close()
		return "", fmt.Errorf("write contact sheet: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("write contact sheet: %w", err)
	}

	l.logger.Debug("labeling keyframes", "frames", len(req.Frames), "sheet", f.Name())

	response := l.agent.Run(
		ctx,
		agent.WithInput(BuildPrompt(req)),
		agent.WithImagePath(f.Name()),
	)
	if response.Err != nil {
		return "", response.Err
	}
	if len(response.Messages) == 0 {
		return "", fmt.Errorf("no response messages received from model")
	}

	// The last message is the model's reply.
	return response.Messages[len(response.Messages)-1].Content, nil
}

func ping(ctx context.Context, baseURL string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
