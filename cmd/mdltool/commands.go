package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/docker/model-store/pkg/distribution/distribution"
)

func requireArgs(name, usage string, n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) < n {
			return fmt.Errorf(
				"'mdltool %s' requires at least %d argument(s).\n\n"+
					"Usage:  mdltool %s\n\n"+
					"See 'mdltool %s --help' for more information",
				name, n, usage, name,
			)
		}
		return nil
	}
}

func newPullCmd(a *app) *cobra.Command {
	var jsonFormat bool
	c := &cobra.Command{
		Use:   "pull MODEL...",
		Short: "Download models into the store",
		Long: "Download models into the store. MODEL is a reference such as hf://org/repo:rev, ms://org/repo, " +
			"ollama://name:tag, oci://registry/repo:tag or an http, https or file URL.",
		Args: requireArgs("pull", "pull MODEL...", 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, ref := range args {
				var w io.Writer = &messageWriter{out: cmd.OutOrStdout()}
				if jsonFormat {
					w = cmd.OutOrStdout()
				}
				res, err := a.client.PullModel(cmd.Context(), ref, w)
				if err != nil {
					return errors.Wrap(err, "Failed to pull model")
				}
				if !jsonFormat {
					cmd.Printf("Pulled %s (%s)\n", res.Reference.Name, shortDigest(res.Snapshot.ID.String()))
				}
			}
			return nil
		},
	}
	c.Flags().BoolVar(&jsonFormat, "json", false, "Write progress as JSON lines")
	return c
}

func newListCmd(a *app) *cobra.Command {
	var jsonFormat bool
	c := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List the models in the store",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := a.client.ListModels()
			if err != nil {
				return errors.Wrap(err, "Failed to list models")
			}
			for _, sk := range report.Skipped {
				fmt.Fprintf(cmd.ErrOrStderr(), "Warning: skipped %s: %v\n", sk.Path, sk.Err)
			}
			if jsonFormat {
				return writeJSON(cmd.OutOrStdout(), report.Models)
			}
			cmd.Print(modelTable(report.Models, time.Now()))
			return nil
		},
	}
	c.Flags().BoolVar(&jsonFormat, "json", false, "List models in a JSON format")
	return c
}

func modelTable(models []distribution.Model, now time.Time) string {
	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)

	table.SetHeader([]string{"MODEL", "SNAPSHOT", "TRANSPORT", "SIZE", "MODIFIED"})

	table.SetBorder(false)
	table.SetColumnSeparator("")
	table.SetHeaderLine(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	for _, m := range models {
		table.Append([]string{
			m.Name,
			shortDigest(m.Snapshot.String()),
			m.Transport,
			units.HumanSize(float64(m.Size)),
			units.HumanDuration(now.Sub(m.Modified)) + " ago",
		})
	}
	table.Render()
	return buf.String()
}

// inspection is what inspect prints for one model.
type inspection struct {
	Model    distribution.Model     `json:"model"`
	ID       string                 `json:"id"`
	Snapshot *distribution.Snapshot `json:"snapshot"`
	Paths    map[string]string      `json:"paths"`
}

func newInspectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect MODEL",
		Short: "Show the files of a stored model and where they live",
		Args:  requireArgs("inspect", "inspect MODEL", 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.client.GetModel(args[0])
			if err != nil {
				return errors.Wrap(err, "Failed to inspect model")
			}
			snap, err := a.client.InspectModel(m.ID())
			if err != nil {
				return errors.Wrap(err, "Failed to inspect model")
			}
			paths, err := a.client.ResolveModel(m.ID())
			if err != nil {
				return errors.Wrap(err, "Failed to inspect model")
			}
			return writeJSON(cmd.OutOrStdout(), inspection{Model: *m, ID: m.ID(), Snapshot: snap, Paths: paths})
		},
	}
}

func newVerifyCmd(a *app) *cobra.Command {
	var deep bool
	c := &cobra.Command{
		Use:   "verify MODEL...",
		Short: "Check that the files of stored models are present and intact",
		Args:  requireArgs("verify", "verify [--deep] MODEL...", 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, ref := range args {
				report, err := a.client.VerifyModel(ref, deep)
				if err != nil {
					return errors.Wrap(err, "Failed to verify model")
				}
				if report.OK() {
					cmd.Printf("%s: OK\n", ref)
					continue
				}
				failed++
				for _, d := range report.Missing {
					cmd.Printf("%s: missing %s\n", ref, d)
				}
				for _, ie := range report.Corrupt {
					cmd.Printf("%s: corrupt %s (expected %s, got %s)\n", ref, ie.Path, ie.Expected, ie.Actual)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d model(s) failed verification", failed)
			}
			return nil
		},
	}
	c.Flags().BoolVar(&deep, "deep", false, "Re-hash every file instead of checking presence")
	return c
}

func newRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rm MODEL...",
		Short: "Remove models and the files only they use",
		Args:  requireArgs("rm", "rm MODEL...", 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, ref := range args {
				removed, err := a.client.DeleteModel(cmd.Context(), ref)
				if err != nil {
					return errors.Wrap(err, "Failed to remove model")
				}
				if removed {
					cmd.Printf("Removed %s\n", ref)
				} else {
					cmd.Printf("%s is not in the store\n", ref)
				}
			}
			return nil
		},
	}
}

func newGCCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Delete unreferenced files, snapshots and abandoned downloads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := a.client.GC(cmd.Context())
			if err != nil {
				return errors.Wrap(err, "Failed to collect garbage")
			}
			cmd.Printf("Removed %d blob(s), %d snapshot(s) and %d partial download(s), reclaimed %s\n",
				len(report.Blobs), report.Snapshots, report.Partials, units.HumanSize(float64(report.ReclaimedBytes)))
			return nil
		},
	}
}

// messageWriter prints the message of each JSON progress line. Repeated
// progress messages of one object are printed once.
type messageWriter struct {
	out  io.Writer
	buf  []byte
	last map[string]string
}

func (w *messageWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			return len(p), nil
		}
		line := w.buf[:i]
		w.buf = w.buf[i+1:]
		if err := w.print(line); err != nil {
			return len(p), err
		}
	}
}

func (w *messageWriter) print(line []byte) error {
	var msg struct {
		Type    string `json:"type"`
		Message string `json:"message"`
		Layer   struct {
			ID string `json:"id"`
		} `json:"layer"`
	}
	if err := json.Unmarshal(line, &msg); err != nil {
		return err
	}
	if w.last == nil {
		w.last = make(map[string]string)
	}
	if msg.Type == "progress" {
		if w.last[msg.Layer.ID] == msg.Message {
			return nil
		}
		w.last[msg.Layer.ID] = msg.Message
	}
	_, err := fmt.Fprintln(w.out, msg.Message)
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	return enc.Encode(v)
}

func shortDigest(d string) string {
	if _, hex, ok := strings.Cut(d, ":"); ok {
		d = hex
	}
	if len(d) > 12 {
		return d[:12]
	}
	return d
}
