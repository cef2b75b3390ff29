package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/spf13/cobra"
)

var (
	executorURL string
	contentURL  string
	dryRun      bool
)

var rootCmd = &cobra.Command{
	Use:           "visioner",
	Short:         "Client for the rules executor.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&executorURL, "executor", "http://localhost:26860", "Executor base URL")
	pf.StringVar(&contentURL, "content", "", "Content server base URL; when set the request carries its catalog ETag")
	pf.BoolVar(&dryRun, "dry-run", false, "Dry run, validate and plan only, no side effects")

	rootCmd.AddCommand(
		pairCommand("resolve OBSERVER TARGET", "Resolve how OBSERVER perceives TARGET", "visibility.resolve", "observer", "target"),
		pairCommand("cover ATTACKER DEFENDER", "Resolve the cover DEFENDER has against ATTACKER", "cover.resolve", "attacker", "defender"),
		hideCommand(),
		sneakCommand(),
		tokenCommand("lighting TOKEN", "Resolve the effective lighting at TOKEN", "lighting.resolve"),
		tokenCommand("sources TOKEN", "List the sources and rule elements held on TOKEN", "sources.list"),
		offGuardCommand(),
		applyCommand(),
		removeCommand(),
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func pairCommand(use, short, op, first, second string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, op, map[string]any{first: args[0], second: args[1]})
		},
	}
}

func tokenCommand(use, short, op string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, op, map[string]any{"token": args[0]})
		},
	}
}

func hideCommand() *cobra.Command {
	var observer string
	cmd := &cobra.Command{
		Use:   "hide TOKEN",
		Short: "Check whether TOKEN's concealment or cover qualifies for Hide",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := map[string]any{"token": args[0]}
			if observer != "" {
				input["observer"] = observer
			}
			return run(cmd, "hide.check", input)
		},
	}
	cmd.Flags().StringVar(&observer, "observer", "", "Limit the check to one observer")
	return cmd
}

func sneakCommand() *cobra.Command {
	var observer, position string
	cmd := &cobra.Command{
		Use:   "sneak TOKEN",
		Short: "Check whether a Sneak start or end position qualifies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := map[string]any{"token": args[0], "position": position}
			if observer != "" {
				input["observer"] = observer
			}
			return run(cmd, "sneak.check", input)
		},
	}
	cmd.Flags().StringVar(&observer, "observer", "", "Limit the check to one observer")
	cmd.Flags().StringVar(&position, "position", "end", "Sneak checkpoint: start or end")
	return cmd
}

func offGuardCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "offguard TOKEN STATE",
		Short: "Check whether perceiving TOKEN as STATE is kept from making it off-guard",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, "offguard.check", map[string]any{"token": args[0], "state": args[1]})
		},
	}
}

func applyCommand() *cobra.Command {
	var id, effect, file string
	var update bool
	cmd := &cobra.Command{
		Use:   "apply OWNER",
		Short: "Apply a catalog effect or a rule element file to OWNER",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := map[string]any{"owner": args[0]}
			if id != "" {
				input["id"] = id
			}
			switch {
			case effect != "" && file != "":
				return fmt.Errorf("--effect and --file are mutually exclusive")
			case effect != "":
				input["effect"] = effect
			case file != "":
				re, err := readRuleElement(file)
				if err != nil {
					return err
				}
				input["ruleElement"] = re
			default:
				return fmt.Errorf("one of --effect or --file is required")
			}
			op := "effect.create"
			if update {
				op = "effect.update"
			}
			return run(cmd, op, input)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Effect id (minted by the executor when omitted)")
	cmd.Flags().StringVar(&effect, "effect", "", "Catalog effect name")
	cmd.Flags().StringVar(&file, "file", "", "Rule element file (.json or .cue)")
	cmd.Flags().BoolVar(&update, "update", false, "Replace an existing effect instead of creating one")
	return cmd
}

func removeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove OWNER ID",
		Short: "Remove an applied effect",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, "effect.delete", map[string]any{"owner": args[0], "id": args[1]})
		},
	}
}

// readRuleElement loads a rule element file as JSON. CUE files are
// evaluated first so they can use CUE syntax.
func readRuleElement(path string) (json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if filepath.Ext(path) != ".cue" {
		if !json.Valid(data) {
			return nil, fmt.Errorf("%s is not valid JSON", path)
		}
		return data, nil
	}
	v := cuecontext.New().CompileBytes(data, cue.Filename(path))
	if v.Err() != nil {
		return nil, fmt.Errorf("compile %s: %w", path, v.Err())
	}
	return v.MarshalJSON()
}

func run(cmd *cobra.Command, op string, input map[string]any) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	req := map[string]any{
		"operation": op,
		"input":     input,
		"dry_run":   dryRun,
	}
	if contentURL != "" {
		disc, err := fetchDiscovery(ctx, contentURL)
		if err != nil {
			return fmt.Errorf("content server unreachable: %w", err)
		}
		req["catalog_etag"] = disc.CatalogETag
	}

	resp, err := execute(ctx, executorURL, req)
	if err != nil {
		return fmt.Errorf("executor error: %w", err)
	}
	printResponse(cmd.OutOrStdout(), resp)
	return nil
}

type discoveryDoc struct {
	Service     string `json:"service"`
	CatalogETag string `json:"catalog_etag"`
}

func fetchDiscovery(ctx context.Context, baseURL string) (*discoveryDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(baseURL, "/")+"/.well-known/visioner", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var d discoveryDoc
	return &d, json.NewDecoder(resp.Body).Decode(&d)
}

func execute(ctx context.Context, baseURL string, body map[string]any) (map[string]any, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(baseURL, "/")+"/execute", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var result map[string]any
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w (body: %s)", err, raw)
	}
	return result, nil
}

func printResponse(w io.Writer, resp map[string]any) {
	outcome, _ := resp["outcome"].(string)

	switch outcome {
	case "executed", "would_execute":
		if outcome == "executed" {
			fmt.Fprintln(w, "✓ Executed")
		} else {
			fmt.Fprintln(w, "Dry-run outcome: would_execute")
		}
		if out, ok := resp["output"]; ok {
			pretty, _ := json.MarshalIndent(out, "  ", "  ")
			fmt.Fprintf(w, "  Output: %s\n", pretty)
		}

	case "rejected", "would_reject":
		fmt.Fprintf(w, "✗ %s\n", strings.ToUpper(outcome[:1])+outcome[1:])
		if e, ok := resp["error"].(map[string]any); ok {
			fmt.Fprintf(w, "  Code:    %v\n", e["code"])
			fmt.Fprintf(w, "  Message: %v\n", e["message"])
			if s, ok := e["suggestion"]; ok && s != "" {
				fmt.Fprintf(w, "  Hint:    %v\n", s)
			}
		}

	default:
		fmt.Fprintf(w, "Outcome: %s\n", outcome)
		if e, ok := resp["error"].(map[string]any); ok {
			fmt.Fprintf(w, "  Error: %v\n", e["message"])
		}
	}
}
