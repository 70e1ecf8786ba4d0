package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/assistd/internal/config"
	"github.com/tjfontaine/assistd/internal/domain"
	"github.com/tjfontaine/assistd/internal/wire"
)

var (
	askURL     string
	askModel   string
	askFile    string
	askJSON    bool
	askNoColor bool
)

var askCmd = &cobra.Command{
	Use:   "ask <prompt>",
	Short: "Send a prompt to a running server and stream the answer",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

func init() {
	askCmd.Flags().StringVar(&askURL, "url", "", "Server URL (default from config)")
	askCmd.Flags().StringVarP(&askModel, "model", "m", "", "Model override")
	askCmd.Flags().StringVarP(&askFile, "file", "f", "", "Send this file as the current editor file")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "Print raw events as JSON lines")
	askCmd.Flags().BoolVar(&askNoColor, "no-color", false, "Disable colour output")
}

func runAsk(cmd *cobra.Command, args []string) error {
	req := domain.ChatRequest{
		Messages: []domain.Message{{Role: "user", Content: strings.Join(args, " ")}},
		Stream:   true,
		Model:    askModel,
	}
	if askFile != "" {
		content, err := os.ReadFile(askFile)
		if err != nil {
			return err
		}
		req.Context = &domain.ChatContext{CurrentFile: &domain.FileContext{
			Path:     askFile,
			Language: languageFor(askFile),
			Content:  string(content),
		}}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL()+"/v1/chat", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		var errBody struct {
			Error *domain.APIError `json:"error"`
		}
		if json.Unmarshal(data, &errBody) == nil && errBody.Error != nil {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, errBody.Error.Message)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	r := newRenderer(cmd.OutOrStdout(), cmd.ErrOrStderr(), askNoColor, askJSON)
	return wire.ReadSSE(resp.Body, r.Event)
}

func serverURL() string {
	if askURL != "" {
		return strings.TrimRight(askURL, "/")
	}
	if cfg, err := config.Load(configPath); err == nil {
		return "http://" + cfg.Addr()
	}
	return "http://127.0.0.1:8765"
}

var languages = map[string]string{
	".go":   "go",
	".py":   "python",
	".js":   "javascript",
	".ts":   "typescript",
	".tsx":  "tsx",
	".rs":   "rust",
	".java": "java",
	".rb":   "ruby",
	".c":    "c",
	".h":    "c",
	".cpp":  "cpp",
	".md":   "markdown",
	".sh":   "bash",
	".yaml": "yaml",
	".yml":  "yaml",
	".json": "json",
}

func languageFor(path string) string {
	return languages[strings.ToLower(filepath.Ext(path))]
}
