package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kalambet/comfyrelay/internal/api"
	"github.com/kalambet/comfyrelay/internal/comfy"
	"github.com/kalambet/comfyrelay/internal/config"
	"github.com/kalambet/comfyrelay/internal/diagnose"
	"github.com/kalambet/comfyrelay/internal/provision"
)

// --- generate ---

var generateCmd = &cobra.Command{
	Use:   "generate <prompt>",
	Short: "Generate an image through a running relay",
	Long: `Generate an image through a running relay and write it to disk.

Examples:
  comfyrelay generate "a red fox in fresh snow"
  comfyrelay generate "city skyline at night" --aspect-ratio 16:9 --output skyline.png`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		aspect, _ := cmd.Flags().GetString("aspect-ratio")
		output, _ := cmd.Flags().GetString("output")

		req := api.GenerateRequest{
			Prompt:      strings.Join(args, " "),
			AspectRatio: aspect,
		}
		if cmd.Flags().Changed("seed") {
			seed, _ := cmd.Flags().GetInt64("seed")
			req.Seed = &seed
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Generating %q", req.Prompt)
		resp, err := client.post(cmd.Context(), "/generate", req)
		if err != nil {
			return err
		}
		img, err := readImage(resp)
		if err != nil {
			return err
		}

		if output == "" {
			output = outputName(img.PromptID, img.ContentType)
		}
		if err := os.WriteFile(output, img.Data, 0o644); err != nil {
			return fmt.Errorf("writing image: %w", err)
		}
		printSuccess("Wrote %s (%s) in %ss", output, humanize.Bytes(uint64(len(img.Data))), img.Elapsed)
		return nil
	},
}

func init() {
	generateCmd.Flags().String("aspect-ratio", "", "aspect ratio preset such as 1:1, 16:9 or 9:16")
	generateCmd.Flags().String("output", "", "output file (default: <prompt_id>.<ext>)")
	generateCmd.Flags().Int64("seed", 0, "sampler seed")
}

// outputName picks a file name for an image of the given content type.
func outputName(promptID, contentType string) string {
	name := promptID
	if name == "" {
		name = "comfyrelay"
	}
	switch contentType {
	case "image/jpeg":
		return name + ".jpg"
	case "image/webp":
		return name + ".webp"
	case "image/gif":
		return name + ".gif"
	default:
		return name + ".png"
	}
}

// --- diagnose ---

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose [prompt_id]",
	Short: "Probe ComfyUI, its models and the relay ports",
	Long: `Probe the ComfyUI install and API, the model folders, the queue and
recent history, and submit a minimal test workflow.

With a prompt id, the history check inspects that prompt's status, messages
and outputs instead of listing recent prompts.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		noSubmit, _ := cmd.Flags().GetBool("no-submit")

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		opts := diagnose.Options{
			Client:    comfy.New(cfg.Comfy.BaseURL),
			Layout:    provision.Layout{Root: cfg.Comfy.Dir},
			NoSubmit:  noSubmit,
			ComfyPort: cfg.Comfy.Port,
			RelayPort: cfg.Server.Port,
			Assets:    provision.DefaultManifest(),
		}
		if len(args) == 1 {
			opts.PromptID = args[0]
		}

		report := diagnose.Run(cmd.Context(), opts)
		printReport(report)

		if !report.Healthy() {
			return fmt.Errorf("%d of %d checks failed", len(report.Failed()), len(report.Checks))
		}
		printSuccess("All checks passed")
		return nil
	},
}

func init() {
	diagnoseCmd.Flags().Bool("no-submit", false, "skip the test workflow submission")
}

func printReport(r diagnose.Report) {
	for _, c := range r.Checks {
		printCheck(c.OK, c.Name, c.Detail)
		for _, line := range c.Lines {
			fmt.Fprintf(stderr, "    %s\n", line)
		}
		if !c.OK && c.Hint != "" {
			printStatus("hint", "%s", c.Hint)
		}
	}
}

// --- provision ---

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Download, relocate and verify model files",
}

var provisionDownloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download the model files into comfy.dir/models",
	Long: `Download the model files into comfy.dir/models.

Files already present are skipped. Gated repositories need a Hugging Face
token: comfyrelay config set-secret provision.hf_token <token>.

Examples:
  comfyrelay provision download
  comfyrelay provision download --only ae,clip_l`,
	RunE: func(cmd *cobra.Command, args []string) error {
		only, _ := cmd.Flags().GetString("only")

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		assets, err := provision.Select(provision.DefaultManifest(), splitList(only))
		if err != nil {
			return err
		}

		layout := provision.Layout{Root: cfg.Comfy.Dir}
		if err := checkDiskSpace(layout, assets); err != nil {
			return err
		}
		if cfg.Provision.HFToken == "" {
			printWarning("no Hugging Face token set; gated downloads will fail")
		}

		d := &provision.Downloader{Layout: layout, Token: cfg.Provision.HFToken}
		results, err := d.Fetch(cmd.Context(), assets, stderr)
		if err != nil {
			return err
		}

		var fetched, skipped int
		var total int64
		for _, r := range results {
			if r.Skipped {
				skipped++
				continue
			}
			fetched++
			total += r.Bytes
		}
		printSuccess("Downloaded %d files (%s), %d already present", fetched, humanize.Bytes(uint64(total)), skipped)
		return nil
	},
}

var provisionRelocateCmd = &cobra.Command{
	Use:   "relocate",
	Short: "Move model files that landed in checkpoints/ to their proper folder",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		moves, err := provision.Relocate(provision.Layout{Root: cfg.Comfy.Dir}, provision.DefaultManifest(), stderr)
		if err != nil {
			return err
		}
		if len(moves) == 0 {
			printSuccess("Nothing to relocate")
			return nil
		}
		for _, m := range moves {
			if m.Moved {
				printSuccess("Moved %s to %s", m.Name, m.To)
			} else {
				printWarning("Left %s in place: %s", m.Name, m.Reason)
			}
		}
		return nil
	},
}

var provisionVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check that every model file is in place",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		missing := 0
		for _, st := range provision.Verify(provision.Layout{Root: cfg.Comfy.Dir}, provision.DefaultManifest()) {
			if st.Present {
				printSuccess("%s (%s)", st.Path, humanize.Bytes(uint64(st.Size)))
				continue
			}
			missing++
			printError("%s missing", st.Path)
		}
		if missing > 0 {
			return fmt.Errorf("%d model files missing; run `comfyrelay provision download`", missing)
		}
		return nil
	},
}

func init() {
	provisionDownloadCmd.Flags().String("only", "", "comma-separated asset names to download")
	provisionCmd.AddCommand(provisionDownloadCmd)
	provisionCmd.AddCommand(provisionRelocateCmd)
	provisionCmd.AddCommand(provisionVerifyCmd)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// checkDiskSpace refuses to start a download that cannot fit on disk.
// Platforms without statfs skip the check.
func checkDiskSpace(l provision.Layout, assets []provision.Asset) error {
	var pending []provision.Asset
	for _, st := range provision.Verify(l, assets) {
		if !st.Present {
			pending = append(pending, st.Asset)
		}
	}
	need := provision.TotalSize(pending)
	if need == 0 {
		return nil
	}

	free, err := provision.FreeSpace(l.Root)
	if errors.Is(err, errors.ErrUnsupported) {
		return nil
	}
	if err != nil {
		printWarning("could not check free space: %v", err)
		return nil
	}
	if free < need {
		return fmt.Errorf("not enough disk space in %s: need about %s, have %s", l.Root, humanize.Bytes(need), humanize.Bytes(free))
	}
	printStep("Need about %s, %s free", humanize.Bytes(need), humanize.Bytes(free))
	return nil
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

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
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
			return fmt.Errorf("%w (valid keys: %s)", err, strings.Join(config.ValidKeys(), ", "))
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configSetSecretCmd = &cobra.Command{
	Use:   "set-secret <key> <value>",
	Short: "Store a secret (tunnel.auth_token, notify.discord_webhook, provision.hf_token)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if !config.IsSecret(key) {
			return fmt.Errorf("%q is not a secret; use `comfyrelay config set`", key)
		}
		if err := config.SetSecret(key, value); err != nil {
			return err
		}
		printSuccess("Stored %s", key)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configSetSecretCmd)
}
