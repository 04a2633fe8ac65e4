package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/attache/internal/api"
	"github.com/kalambet/attache/internal/config"
	"github.com/kalambet/attache/internal/ingest"
	"github.com/kalambet/attache/internal/instruction"
	"github.com/kalambet/attache/internal/notify"
	"github.com/kalambet/attache/internal/orchestrator"
	"github.com/kalambet/attache/internal/retrieval"
	"github.com/kalambet/attache/internal/task"
)

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Send a message and wait for the reply",
	Long: `Send a message to the assistant and wait for its reply.

The turn runs on the server; tool calls are shown as they happen.

Examples:
  attache chat "Who mentioned baseball last week?"
  attache chat "Email Sam about Tuesday"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		message := strings.Join(args, " ")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		reply, err := runChat(ctx, client, message, printToolEvent)
		if err != nil {
			return err
		}
		fmt.Println(reply)
		return nil
	},
}

func init() {
	chatCmd.Flags().Duration("timeout", 5*time.Minute, "how long to wait for the reply")
}

// runChat subscribes to the owner's events, posts the turn and waits for its
// outcome. Subscribing first means a fast turn cannot finish unseen.
func runChat(ctx context.Context, client *apiClient, message string, onProgress func(notify.Event)) (string, error) {
	stream, err := client.events(ctx)
	if err != nil {
		return "", err
	}
	defer stream.Body.Close()

	resp, err := client.post(ctx, "/v1/turns", map[string]string{"message": message})
	if err != nil {
		return "", err
	}
	var accepted struct {
		TurnID string `json:"turn_id"`
	}
	if err := decodeJSON(resp, &accepted); err != nil {
		return "", err
	}

	ev, err := waitForTurn(stream.Body, accepted.TurnID, onProgress)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("no reply for turn %s: %w", accepted.TurnID, ctx.Err())
		}
		return "", err
	}
	if ev.Type == notify.TurnFailed {
		return "", fmt.Errorf("turn failed: %s", ev.Error)
	}
	return ev.Content, nil
}

// waitForTurn reads server-sent events until turnID completes or fails.
func waitForTurn(r io.Reader, turnID string, onProgress func(notify.Event)) (notify.Event, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var ev notify.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return notify.Event{}, fmt.Errorf("decoding event: %w", err)
		}
		if ev.TurnID != turnID {
			continue
		}
		switch ev.Type {
		case notify.TurnComplete, notify.TurnFailed:
			return ev, nil
		default:
			if onProgress != nil {
				onProgress(ev)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return notify.Event{}, err
	}
	return notify.Event{}, errors.New("event stream closed before the turn finished")
}

// --- tasks ---

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect deferred work",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks (open ones by default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		all, _ := cmd.Flags().GetBool("all")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/v1/tasks"
		if !all {
			path += "?status=" + url.QueryEscape(status)
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var tasks []task.Task
		if err := decodeJSON(resp, &tasks); err != nil {
			return err
		}

		if len(tasks) == 0 {
			fmt.Println("No tasks found.")
			return nil
		}
		for _, t := range tasks {
			writeTaskRow(os.Stdout, t)
		}
		return nil
	},
}

var tasksShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a task with its context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/tasks/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var t task.Task
		if err := decodeJSON(resp, &t); err != nil {
			return err
		}
		return printJSON(t)
	},
}

func init() {
	tasksListCmd.Flags().String("status", "in_progress,waiting", "comma-separated statuses")
	tasksListCmd.Flags().Bool("all", false, "list tasks in every status")
	tasksCmd.AddCommand(tasksListCmd, tasksShowCmd)
}

// --- instructions ---

var instructionsCmd = &cobra.Command{
	Use:   "instructions",
	Short: "Manage standing instructions",
}

var instructionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List instructions",
	RunE: func(cmd *cobra.Command, args []string) error {
		activeOnly, _ := cmd.Flags().GetBool("active")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/v1/instructions"
		if activeOnly {
			path += "?active=true"
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var list []instruction.Instruction
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}

		if len(list) == 0 {
			fmt.Println("No instructions found.")
			return nil
		}
		for _, in := range list {
			state := colorize(colorGreen, "active  ")
			if !in.Active {
				state = colorize(colorYellow, "inactive")
			}
			fmt.Printf("%s  %s  %s\n", colorize(colorCyan, shortID(in.ID)), state, in.Description)
		}
		return nil
	},
}

var instructionsAddCmd = &cobra.Command{
	Use:   "add <description>",
	Short: "Add a standing instruction",
	Long: `Add a standing instruction the assistant checks on every orchestration pass.

Example:
  attache instructions add "When someone new emails me, add them to the CRM"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/instructions", map[string]string{"description": strings.Join(args, " ")})
		if err != nil {
			return err
		}
		var in instruction.Instruction
		if err := decodeJSON(resp, &in); err != nil {
			return err
		}
		printSuccess("Added instruction %s", shortID(in.ID))
		return nil
	},
}

func setInstructionActive(active bool) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.patch(cmd.Context(), "/v1/instructions/"+url.PathEscape(args[0]), map[string]bool{"active": active})
		if err != nil {
			return err
		}
		var in instruction.Instruction
		if err := decodeJSON(resp, &in); err != nil {
			return err
		}
		verb := "Disabled"
		if in.Active {
			verb = "Enabled"
		}
		printSuccess("%s instruction %s", verb, shortID(in.ID))
		return nil
	}
}

var instructionsEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Activate an instruction",
	Args:  cobra.ExactArgs(1),
	RunE:  setInstructionActive(true),
}

var instructionsDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Deactivate an instruction",
	Args:  cobra.ExactArgs(1),
	RunE:  setInstructionActive(false),
}

func init() {
	instructionsListCmd.Flags().Bool("active", false, "only list active instructions")
	instructionsCmd.AddCommand(instructionsListCmd, instructionsAddCmd, instructionsEnableCmd, instructionsDisableCmd)
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Add content to the assistant's memory",
	Long: `Add content to the assistant's memory.

Examples:
  attache ingest --text "Jane's kid plays baseball" --source notes
  attache ingest --url https://example.com/offsite-agenda
  attache ingest --file ./contract.pdf`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		rawURL, _ := cmd.Flags().GetString("url")
		file, _ := cmd.Flags().GetString("file")
		source, _ := cmd.Flags().GetString("source")

		req, err := buildIngestRequest(text, rawURL, file, source)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/ingest", req)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Queued ingest job %s", result["id"])
		return nil
	},
}

func buildIngestRequest(text, rawURL, file, source string) (ingest.Request, error) {
	set := 0
	for _, v := range []string{text, rawURL, file} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return ingest.Request{}, errors.New("exactly one of --text, --url or --file is required")
	}

	req := ingest.Request{Source: source, Text: text, URL: rawURL}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return ingest.Request{}, fmt.Errorf("reading file: %w", err)
		}
		req.Data = data
		req.ContentType = mime.TypeByExtension(filepath.Ext(file))
		if req.ContentType == "" {
			req.ContentType = http.DetectContentType(data)
		}
		if req.Source == "" {
			req.Source = filepath.Base(file)
		}
	}
	return req, nil
}

func init() {
	ingestCmd.Flags().String("text", "", "text content to ingest")
	ingestCmd.Flags().String("url", "", "URL to fetch and ingest")
	ingestCmd.Flags().String("file", "", "file to ingest (text, HTML or PDF)")
	ingestCmd.Flags().String("source", "", "source tag for the stored chunks (default: manual, or the file name)")
}

// --- recall ---

var recallCmd = &cobra.Command{
	Use:   "recall <query>",
	Short: "Semantic search over the assistant's memory",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		k, _ := cmd.Flags().GetInt("k")
		sources, _ := cmd.Flags().GetStringSlice("source")
		body := map[string]any{
			"query":   strings.Join(args, " "),
			"k":       k,
			"sources": sources,
		}
		if cmd.Flags().Changed("min-similarity") {
			minSim, _ := cmd.Flags().GetFloat32("min-similarity")
			body["min_similarity"] = minSim
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/recall", body)
		if err != nil {
			return err
		}
		var hits []retrieval.Hit
		if err := decodeJSON(resp, &hits); err != nil {
			return err
		}

		if len(hits) == 0 {
			fmt.Println("No results found.")
			return nil
		}
		for i, h := range hits {
			fmt.Printf("\n%s [%s, similarity %.3f]\n", colorize(colorBold, fmt.Sprintf("Result %d", i+1)), h.Source, h.Similarity)
			fmt.Printf("  %s\n", truncate(h.Content, 500))
		}
		return nil
	},
}

func init() {
	recallCmd.Flags().Int("k", 5, "maximum number of results")
	recallCmd.Flags().StringSlice("source", nil, "restrict to these sources")
	recallCmd.Flags().Float32("min-similarity", 0, "minimum cosine similarity (default: server setting)")
}

// --- link ---

var linkCmd = &cobra.Command{
	Use:   "link [capability]",
	Short: "Link a capability (mail, calendar, crm) or list links",
	Long: `Link a capability to the owner so orchestration passes include them.
Without an argument, lists the current links.

Examples:
  attache link mail
  attache link crm --remove
  attache link`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		remove, _ := cmd.Flags().GetBool("remove")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		switch {
		case len(args) == 0:
			resp, err := client.get(ctx, "/v1/links")
			if err != nil {
				return err
			}
			var links []struct {
				Capability string    `json:"capability"`
				LinkedAt   time.Time `json:"linked_at"`
			}
			if err := decodeJSON(resp, &links); err != nil {
				return err
			}
			if len(links) == 0 {
				fmt.Println("No capabilities linked.")
				return nil
			}
			for _, l := range links {
				fmt.Printf("%-9s linked %s\n", l.Capability, l.LinkedAt.Local().Format("2006-01-02 15:04"))
			}
		case remove:
			resp, err := client.delete(ctx, "/v1/links/"+url.PathEscape(args[0]))
			if err != nil {
				return err
			}
			if err := expectStatus(resp, http.StatusNoContent); err != nil {
				return err
			}
			printSuccess("Unlinked %s", args[0])
		default:
			resp, err := client.post(ctx, "/v1/links", map[string]string{"capability": args[0]})
			if err != nil {
				return err
			}
			if err := expectStatus(resp, http.StatusCreated); err != nil {
				return err
			}
			printSuccess("Linked %s", args[0])
		}
		return nil
	},
}

func init() {
	linkCmd.Flags().Bool("remove", false, "remove the link instead")
}

// --- orchestrate ---

var orchestrateCmd = &cobra.Command{
	Use:   "orchestrate",
	Short: "Run an orchestration pass for the owner now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/orchestrate", nil)
		if err != nil {
			return err
		}
		var rep orchestrator.OwnerReport
		if err := decodeJSON(resp, &rep); err != nil {
			return err
		}

		printStatus("Pass", "%s", rep.PassID)
		printStatus("Events", "%d", rep.Events)
		printStatus("Tasks created", "%d", len(rep.TasksCreated))
		printStatus("Tasks reviewed", "%d", rep.TasksReviewed)
		if rep.Summary != "" {
			fmt.Println()
			fmt.Println(rep.Summary)
		}
		if rep.Error != "" {
			printWarning("pass finished with errors: %s", rep.Error)
		}
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		printStatus("Stored in", "%s", config.Location())
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "("+k.EnvVar+")"))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return fmt.Errorf("%w\nvalid keys: %s", err, strings.Join(config.ValidKeys(), ", "))
		}
		printSuccess("Set %s", key)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a stored value so the default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd, configUnsetCmd)
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the assistant's tools over MCP (stdio)",
	Long: `Serve the assistant's tools to an MCP client over stdin/stdout.
Every call acts for mcp.owner (or --owner).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

func runMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level, cfg.Log.Format)

	o := owner
	if o == "" {
		o = cfg.MCP.Owner
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// stdout carries the protocol; progress goes to stderr.
	a, err := buildApp(ctx, cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		a.close(closeCtx)
	}()

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Owner:    o,
		Registry: a.registry,
		Chat:     a.chat,
		Tasks:    a.tasks,
		Version:  version,
	})
	slog.Info("MCP server started (stdio transport)", "owner", o)
	if err := server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}
