package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/aixgo-dev/gameserver/pkg/emulator"
)

var (
	consoleURL     string
	consoleHistory string
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive console for a running game server",
	Long: `Open a line-editing console against a running game server.
Type button names (A B UP START ...) to press them, or one of:
  status, screenshots [n] [dir], reset, help, quit`,
	// The console only talks HTTP and needs no configuration
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE:              runConsole,
}

func init() {
	rootCmd.AddCommand(consoleCmd)

	home, _ := os.UserHomeDir()
	consoleCmd.Flags().StringVar(&consoleURL, "url", "http://localhost:8080", "Game server base URL")
	consoleCmd.Flags().StringVar(&consoleHistory, "history", filepath.Join(home, ".gameserver_history"), "History file")
}

var errQuit = errors.New("quit")

var consoleCommands = []string{"status", "screenshots", "reset", "help", "quit"}

// consoleClient runs console commands against the game server HTTP API.
type consoleClient struct {
	baseURL string
	http    *http.Client
	out     io.Writer
}

func newConsoleClient(baseURL string, out io.Writer) *consoleClient {
	return &consoleClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		out:     out,
	}
}

func runConsole(cmd *cobra.Command, args []string) error {
	client := newConsoleClient(consoleURL, cmd.OutOrStdout())

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(complete)

	if f, err := os.Open(consoleHistory); err == nil {
		_, _ = line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(consoleHistory); err == nil {
			_, _ = line.WriteHistory(f)
			f.Close()
		}
	}()

	fmt.Fprintf(cmd.OutOrStdout(), "Connected to %s. Type help for commands.\n", client.baseURL)
	for {
		input, err := line.Prompt("game> ")
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		err = client.exec(cmd.Context(), input)
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "error: %v\n", err)
		}
	}
}

func complete(line string) []string {
	upper := strings.ToUpper(line)
	var out []string
	for _, c := range consoleCommands {
		if strings.HasPrefix(c, strings.ToLower(line)) {
			out = append(out, c)
		}
	}
	// Complete the last word of a button sequence
	prefix, last := "", upper
	if i := strings.LastIndexByte(upper, ' '); i >= 0 {
		prefix, last = line[:i+1], upper[i+1:]
	}
	for _, b := range emulator.Vocabulary() {
		if strings.HasPrefix(b, last) {
			out = append(out, prefix+b)
		}
	}
	return out
}

// exec runs one console line.
func (c *consoleClient) exec(ctx context.Context, input string) error {
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return nil
	}

	switch strings.ToLower(fields[0]) {
	case "quit", "exit":
		return errQuit
	case "help":
		fmt.Fprintln(c.out, "Buttons: "+strings.Join(emulator.Vocabulary(), " "))
		fmt.Fprintln(c.out, "Commands: status | screenshots [n] [dir] | reset | quit")
		return nil
	case "status":
		return c.status(ctx)
	case "reset":
		var resp struct {
			Message string `json:"message"`
		}
		if err := c.do(ctx, http.MethodPost, "/reset", nil, &resp); err != nil {
			return err
		}
		fmt.Fprintln(c.out, resp.Message)
		return nil
	case "screenshots":
		n, dir := 1, ""
		if len(fields) > 1 {
			v, err := strconv.Atoi(fields[1])
			if err != nil {
				return fmt.Errorf("screenshots: count must be a number")
			}
			n = v
		}
		if len(fields) > 2 {
			dir = fields[2]
		}
		return c.screenshots(ctx, n, dir)
	default:
		return c.actions(ctx, fields)
	}
}

func (c *consoleClient) status(ctx context.Context) error {
	var st struct {
		State           string `json:"state"`
		Step            int    `json:"step"`
		Running         bool   `json:"running"`
		ScreenshotCount int    `json:"screenshot_history_count"`
		EpisodeID       string `json:"episode_id"`
		LastCheckpoint  string `json:"last_checkpoint"`
	}
	if err := c.do(ctx, http.MethodGet, "/status", nil, &st); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "episode %s  state %s  step %d  running %v  frames %d\n",
		st.EpisodeID, st.State, st.Step, st.Running, st.ScreenshotCount)
	if st.LastCheckpoint != "" {
		fmt.Fprintf(c.out, "last checkpoint %s\n", st.LastCheckpoint)
	}
	return nil
}

func (c *consoleClient) actions(ctx context.Context, tokens []string) error {
	for i, t := range tokens {
		tokens[i] = strings.ToUpper(t)
	}
	body, err := sonic.Marshal(map[string][]string{"actions": tokens})
	if err != nil {
		return err
	}

	var resp struct {
		Success   bool   `json:"success"`
		FinalStep int    `json:"final_step"`
		Error     string `json:"error"`
		Results   []struct {
			Action  string `json:"action"`
			Success bool   `json:"success"`
		} `json:"results"`
	}
	if err := c.do(ctx, http.MethodPost, "/actions", body, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("stopped at step %d after %d action(s): %s", resp.FinalStep, max(len(resp.Results)-1, 0), resp.Error)
	}
	fmt.Fprintf(c.out, "ok, step %d\n", resp.FinalStep)
	return nil
}

func (c *consoleClient) screenshots(ctx context.Context, n int, dir string) error {
	var resp struct {
		Screenshots []string `json:"screenshots"`
		CurrentStep int      `json:"current_step"`
	}
	if err := c.do(ctx, http.MethodGet, "/screenshots?count="+strconv.Itoa(n), nil, &resp); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%d screenshot(s) at step %d\n", len(resp.Screenshots), resp.CurrentStep)
	if dir == "" {
		return nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	first := resp.CurrentStep - len(resp.Screenshots) + 1
	for i, s := range resp.Screenshots {
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("decode screenshot %d: %w", i, err)
		}
		path := filepath.Join(dir, fmt.Sprintf("step_%06d.png", max(first+i, 0)))
		if err := os.WriteFile(path, raw, 0o644); err != nil {
			return err
		}
		fmt.Fprintln(c.out, path)
	}
	return nil
}

// do sends a request and decodes the JSON response into out. Non-2xx
// responses carrying an error field become errors.
func (c *consoleClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if sonic.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", e.Error, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return sonic.Unmarshal(data, out)
}
