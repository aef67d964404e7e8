// Package diagnose probes a ComfyUI installation and its HTTP API and
// reports what is wrong in operator terms.
package diagnose

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/kalambet/comfyrelay/internal/comfy"
	"github.com/kalambet/comfyrelay/internal/provision"
)

// Check is the result of one probe.
type Check struct {
	Name   string
	OK     bool
	Detail string
	// Hint suggests a fix when OK is false.
	Hint string
	// Lines carries extra detail such as per-prompt history rows.
	Lines []string
}

// Report collects every check in the order they ran.
type Report struct {
	Checks []Check
}

// Healthy reports whether every check passed.
func (r Report) Healthy() bool {
	for _, c := range r.Checks {
		if !c.OK {
			return false
		}
	}
	return true
}

// Failed returns the checks that did not pass.
func (r Report) Failed() []Check {
	var out []Check
	for _, c := range r.Checks {
		if !c.OK {
			out = append(out, c)
		}
	}
	return out
}

const recentHistory = 5

type Options struct {
	Client *comfy.Client
	Layout provision.Layout
	// PromptID selects one history entry to inspect. Empty lists recent ones.
	PromptID string
	// NoSubmit skips the test workflow submission.
	NoSubmit bool
	// ComfyPort and RelayPort are checked for availability; zero skips.
	ComfyPort int
	RelayPort int
	// Assets are the provisioned files expected on disk; nil skips.
	Assets []provision.Asset
}

// Run executes every probe. Probes that need the API are skipped when
// ComfyUI is unreachable.
func Run(ctx context.Context, opts Options) Report {
	var r Report
	r.Checks = append(r.Checks, checkInstall(opts.Layout.Root))

	reach := checkReachable(ctx, opts.Client)
	r.Checks = append(r.Checks, reach)

	r.Checks = append(r.Checks, checkModels(opts.Layout)...)
	if opts.Assets != nil {
		r.Checks = append(r.Checks, checkAssets(opts.Layout, opts.Assets))
	}

	if reach.OK {
		r.Checks = append(r.Checks, checkQueue(ctx, opts.Client))
		r.Checks = append(r.Checks, checkHistory(ctx, opts.Client, opts.PromptID))
		if !opts.NoSubmit {
			r.Checks = append(r.Checks, checkTestWorkflow(ctx, opts.Client, opts.Layout))
		}
	}

	if opts.ComfyPort > 0 {
		r.Checks = append(r.Checks, checkPort("comfyui port", opts.ComfyPort, reach.OK))
	}
	if opts.RelayPort > 0 {
		r.Checks = append(r.Checks, checkPort("relay port", opts.RelayPort, false))
	}
	return r
}

func checkInstall(root string) Check {
	c := Check{Name: "comfyui install"}
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		c.Detail = fmt.Sprintf("directory %s not found", root)
		c.Hint = "git clone https://github.com/comfyanonymous/ComfyUI.git " + root
		return c
	}
	if _, err := os.Stat(filepath.Join(root, "main.py")); err != nil {
		c.Detail = "main.py not found in " + root
		c.Hint = "check comfy.dir points at a ComfyUI checkout"
		return c
	}
	c.OK = true
	c.Detail = root
	return c
}

func checkReachable(ctx context.Context, client *comfy.Client) Check {
	c := Check{Name: "comfyui api"}
	stats, err := client.SystemStats(ctx)
	if err != nil {
		c.Detail = fmt.Sprintf("cannot reach %s: %v", client.BaseURL(), err)
		c.Hint = "start ComfyUI: python main.py --listen 0.0.0.0 --port 8188 (or comfyrelay start --launch)"
		return c
	}
	c.OK = true
	c.Detail = client.BaseURL()
	if sys, ok := stats["system"].(map[string]any); ok {
		if v, ok := sys["comfyui_version"].(string); ok {
			c.Detail += ", version " + v
		}
	}
	if devices, ok := stats["devices"].([]any); ok {
		for _, d := range devices {
			dev, ok := d.(map[string]any)
			if !ok {
				continue
			}
			line := fmt.Sprint(dev["name"])
			if free, ok := dev["vram_free"].(float64); ok {
				line += fmt.Sprintf(", %s VRAM free", humanize.Bytes(uint64(free)))
			}
			c.Lines = append(c.Lines, line)
		}
	}
	return c
}

func checkModels(l provision.Layout) []Check {
	var out []Check
	for _, k := range provision.Kinds() {
		c := Check{Name: "models/" + string(k), OK: true}
		models, err := l.Models(k)
		switch {
		case err != nil:
			c.OK = false
			c.Detail = err.Error()
		case len(models) == 0:
			c.Detail = "none"
		default:
			c.Detail = fmt.Sprintf("%d file(s)", len(models))
			for _, m := range models {
				line := m
				if info, err := os.Stat(filepath.Join(l.Dir(k), m)); err == nil {
					line += " (" + humanize.Bytes(uint64(info.Size())) + ")"
				}
				c.Lines = append(c.Lines, line)
			}
		}
		out = append(out, c)
	}
	return out
}

func checkAssets(l provision.Layout, assets []provision.Asset) Check {
	c := Check{Name: "provisioned assets", OK: true}
	missing := 0
	for _, st := range provision.Verify(l, assets) {
		if st.Present {
			c.Lines = append(c.Lines, fmt.Sprintf("%s/%s (%s)", st.Asset.Kind, st.Asset.Name, humanize.Bytes(uint64(st.Size))))
			continue
		}
		missing++
		c.Lines = append(c.Lines, fmt.Sprintf("%s/%s missing", st.Asset.Kind, st.Asset.Name))
	}
	if missing > 0 {
		c.OK = false
		c.Detail = fmt.Sprintf("%d of %d missing", missing, len(assets))
		c.Hint = "comfyrelay provision relocate, then comfyrelay provision download"
		return c
	}
	c.Detail = fmt.Sprintf("all %d present", len(assets))
	return c
}

func checkQueue(ctx context.Context, client *comfy.Client) Check {
	c := Check{Name: "queue"}
	q, err := client.Queue(ctx)
	if err != nil {
		c.Detail = err.Error()
		return c
	}
	c.OK = true
	c.Detail = fmt.Sprintf("%d running, %d pending", len(q.Running), len(q.Pending))
	for _, item := range q.Running {
		c.Lines = append(c.Lines, "running: "+item.PromptID())
	}
	return c
}

func checkHistory(ctx context.Context, client *comfy.Client, promptID string) Check {
	c := Check{Name: "history"}
	if promptID != "" {
		return checkPrompt(ctx, client, promptID)
	}

	history, err := client.RecentHistory(ctx, recentHistory)
	if err != nil {
		c.Detail = err.Error()
		return c
	}
	c.OK = true
	if len(history) == 0 {
		c.Detail = "empty, ComfyUI may have just started"
		return c
	}
	c.Detail = fmt.Sprintf("%d recent prompt(s), newest first", len(history))

	// The history object's own order is lost in decoding; message
	// timestamps restore it. Prompts without any sort last, by id.
	ids := make([]string, 0, len(history))
	for id := range history {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ti, tj := history[ids[i]].Status.LastTimestamp(), history[ids[j]].Status.LastTimestamp()
		if ti != tj {
			return ti > tj
		}
		return ids[i] < ids[j]
	})
	for _, id := range ids {
		status := history[id].Status.StatusStr
		if status == "" {
			status = "unknown"
		}
		c.Lines = append(c.Lines, id+": "+status)
	}
	return c
}

func checkPrompt(ctx context.Context, client *comfy.Client, promptID string) Check {
	c := Check{Name: "history " + promptID}
	entry, found, err := client.History(ctx, promptID)
	if err != nil {
		c.Detail = err.Error()
		return c
	}
	if !found {
		c.Detail = "not found in history"
		c.Hint = "the prompt may still be queued, or ComfyUI restarted since it ran"
		return c
	}

	c.Detail = "status " + entry.Status.StatusStr
	for _, m := range entry.Status.Messages {
		c.Lines = append(c.Lines, "message: "+string(m))
	}
	ids := make([]string, 0, len(entry.Outputs))
	for id := range entry.Outputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		names := make([]string, 0, len(entry.Outputs[id].Images))
		for _, img := range entry.Outputs[id].Images {
			names = append(names, img.Filename)
		}
		c.Lines = append(c.Lines, fmt.Sprintf("output node %s: %s", id, strings.Join(names, ", ")))
	}

	switch {
	case entry.Status.Failed():
		c.Hint = "see the execution_error message above; often a missing or misplaced model file"
	case len(entry.Outputs) == 0:
		c.Detail += ", no outputs"
	default:
		c.OK = true
	}
	return c
}

func checkTestWorkflow(ctx context.Context, client *comfy.Client, l provision.Layout) Check {
	c := Check{Name: "test workflow"}
	models, err := l.Models(provision.Checkpoints)
	if err != nil || len(models) == 0 {
		c.OK = true
		c.Detail = "skipped, no checkpoint to load"
		return c
	}

	wf := comfy.Workflow{
		"4": {ClassType: "CheckpointLoaderSimple", Inputs: map[string]any{"ckpt_name": models[0]}},
	}
	res, err := client.Submit(ctx, wf, "diagnose")
	var rej *comfy.RejectedError
	switch {
	case errors.As(err, &rej):
		c.Detail = fmt.Sprintf("rejected loading %s", models[0])
		c.Lines = append(c.Lines, rej.Body)
		c.Hint = "node errors usually name the missing file or wrong folder"
	case err != nil:
		c.Detail = err.Error()
	default:
		c.OK = true
		c.Detail = fmt.Sprintf("queued %s loading %s", res.PromptID, models[0])
	}
	return c
}

func checkPort(name string, port int, expectInUse bool) Check {
	c := Check{Name: name + " " + strconv.Itoa(port)}
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err == nil {
		ln.Close()
		c.OK = true
		c.Detail = "available"
		return c
	}
	c.Detail = "in use"
	if expectInUse {
		c.OK = true
		c.Detail = "in use by ComfyUI"
		return c
	}
	c.Hint = "another process holds this port; a relay may already be running"
	return c
}
