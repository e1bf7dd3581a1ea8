package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	diffpatch "github.com/sergi/go-diff/diffmatchpatch"
	"github.com/spf13/cobra"

	"github.com/alimasry/go-patch-history/patch"
)

func newDiffCmd() *cobra.Command {
	var pretty bool
	cmd := &cobra.Command{
		Use:   "diff <old.json> <new.json>",
		Short: "Print the changes between two JSON documents",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			old, err := readTree(args[0])
			if err != nil {
				return err
			}
			next, err := readTree(args[1])
			if err != nil {
				return err
			}
			changes := patch.Compute(old, next)
			if pretty {
				return renderChanges(cmd.OutOrStdout(), changes)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if changes == nil {
				changes = []patch.Change{}
			}
			return enc.Encode(changes)
		},
	}
	cmd.Flags().BoolVar(&pretty, "pretty", false, "render changes as colored lines")
	return cmd
}

func readTree(path string) (any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var tree any
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return tree, nil
}

var (
	addedColor   = color.New(color.FgGreen)
	deletedColor = color.New(color.FgRed)
	editedColor  = color.New(color.FgYellow)
	arrayColor   = color.New(color.FgCyan)
)

func renderChanges(w io.Writer, changes []patch.Change) error {
	if len(changes) == 0 {
		_, err := fmt.Fprintln(w, "no changes")
		return err
	}
	for _, c := range changes {
		if _, err := fmt.Fprintln(w, renderChange(c.Path.String(), c)); err != nil {
			return err
		}
	}
	return nil
}

func renderChange(at string, c patch.Change) string {
	switch c.Kind {
	case patch.Added:
		return addedColor.Sprintf("+ %s = %s", at, literal(c.RHS))
	case patch.Deleted:
		return deletedColor.Sprintf("- %s (was %s)", at, literal(c.LHS))
	case patch.Edited:
		from, fromStr := c.LHS.(string)
		to, toStr := c.RHS.(string)
		if fromStr && toStr {
			return editedColor.Sprintf("~ %s: ", at) + stringDiff(from, to)
		}
		return editedColor.Sprintf("~ %s: %s -> %s", at, literal(c.LHS), literal(c.RHS))
	case patch.ArrayChange:
		elem := fmt.Sprintf("%s[%d]", at, c.Index)
		if c.Item == nil {
			return arrayColor.Sprintf("A %s", elem)
		}
		return arrayColor.Sprint("A ") + renderChange(elem, *c.Item)
	}
	return c.String()
}

// stringDiff marks deleted runs red and inserted runs green.
func stringDiff(from, to string) string {
	dmp := diffpatch.New()
	diffs := dmp.DiffMain(from, to, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	var sb strings.Builder
	sb.WriteByte('"')
	for _, d := range diffs {
		switch d.Type {
		case diffpatch.DiffInsert:
			sb.WriteString(addedColor.Sprintf("{+%s+}", d.Text))
		case diffpatch.DiffDelete:
			sb.WriteString(deletedColor.Sprintf("[-%s-]", d.Text))
		case diffpatch.DiffEqual:
			sb.WriteString(d.Text)
		}
	}
	sb.WriteByte('"')
	return sb.String()
}

func literal(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
