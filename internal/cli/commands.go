package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/nidhogg/crystalline/internal/memory"
	"github.com/spf13/cobra"
)

func newSubmitCmd(o *options) *cobra.Command {
	var (
		file       string
		expType    string
		insights   []string
		emotions   map[string]string
		relational map[string]string
		context    string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an experience",
		Long: `Submit an experience for an owner, either from flags or from a JSON file.

Examples:
  crystalctl submit -o alice --type learning --insight "memory should be intrinsic" --emotion curiosity=0.8
  crystalctl submit -o alice --file experience.json
  cat experience.json | crystalctl submit -o alice --file -`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := o.requireOwner(); err != nil {
				return err
			}
			var rec memory.ExperienceRecord
			if file != "" {
				if err := readRecord(cmd.InOrStdin(), file, &rec); err != nil {
					return err
				}
			} else {
				rec = memory.ExperienceRecord{
					Type:       expType,
					Insights:   insights,
					Relational: relational,
					Context:    context,
					Emotions:   make(map[string]float64, len(emotions)),
				}
				for name, raw := range emotions {
					v, err := strconv.ParseFloat(raw, 64)
					if err != nil {
						return fmt.Errorf("emotion %s: %w", name, err)
					}
					rec.Emotions[name] = v
				}
			}

			ctx, cancel := o.context(cmd)
			defer cancel()
			res, err := o.client().Submit(ctx, o.owner, rec)
			if err != nil {
				return fmt.Errorf("submit: %w", err)
			}
			out := cmd.OutOrStdout()
			if done, err := o.printJSON(out, res); done {
				return err
			}
			if res.CreatedCrystal {
				fmt.Fprintf(out, "Crystallized %s (potential %.3f, category %s)\n", res.CrystalID, res.Potential, res.IdentityDelta.Category)
			} else {
				fmt.Fprintf(out, "Not crystallized (potential %.3f)\n", res.Potential)
			}
			if !res.Durable {
				fmt.Fprintf(out, "Warning: not yet saved: %s\n", res.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the experience from a JSON file (- for stdin)")
	cmd.Flags().StringVarP(&expType, "type", "t", "", "experience type")
	cmd.Flags().StringArrayVarP(&insights, "insight", "i", nil, "insight text (repeatable)")
	cmd.Flags().StringToStringVarP(&emotions, "emotion", "e", nil, "emotion=intensity pairs")
	cmd.Flags().StringToStringVar(&relational, "relational", nil, "relational key=value pairs")
	cmd.Flags().StringVar(&context, "context", "", "free-form context")
	return cmd
}

func readRecord(stdin io.Reader, path string, rec *memory.ExperienceRecord) error {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer f.Close()
		r = f
	}
	if err := json.NewDecoder(r).Decode(rec); err != nil {
		return fmt.Errorf("decode experience: %w", err)
	}
	return nil
}

func printViews(w io.Writer, views []memory.CrystalView) {
	if len(views) == 0 {
		fmt.Fprintln(w, "No crystals found.")
		return
	}
	for i, v := range views {
		fmt.Fprintf(w, "%d. %s [%s] activation=%.2f depth=%.2f\n   %s\n",
			i+1, v.ID, v.Category, v.Activation, v.IntegrationDepth, v.EssenceSummary)
	}
}

func newRecallCmd(o *options) *cobra.Command {
	var topN int
	cmd := &cobra.Command{
		Use:   "recall <query>",
		Short: "Recall crystals relevant to a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.requireOwner(); err != nil {
				return err
			}
			ctx, cancel := o.context(cmd)
			defer cancel()
			views, err := o.client().Recall(ctx, o.owner, args[0], topN)
			if err != nil {
				return fmt.Errorf("recall: %w", err)
			}
			if done, err := o.printJSON(cmd.OutOrStdout(), views); done {
				return err
			}
			printViews(cmd.OutOrStdout(), views)
			return nil
		},
	}
	cmd.Flags().IntVarP(&topN, "top-n", "n", 0, "max results (server default when 0)")
	return cmd
}

func newStateCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Show an owner's identity essence",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := o.requireOwner(); err != nil {
				return err
			}
			ctx, cancel := o.context(cmd)
			defer cancel()
			state, err := o.client().State(ctx, o.owner)
			if err != nil {
				return fmt.Errorf("state: %w", err)
			}
			out := cmd.OutOrStdout()
			if done, err := o.printJSON(out, state); done {
				return err
			}
			fmt.Fprintf(out, "Owner:       %s\n", state.OwnerID)
			fmt.Fprintf(out, "Crystals:    %d\n", state.CrystalCount)
			fmt.Fprintf(out, "Working set: %d\n", state.WorkingMemory)
			fmt.Fprintf(out, "Coherence:   %.3f\n", state.Coherence)
			fmt.Fprintf(out, "Stability:   %.3f\n", state.Stability)
			fmt.Fprintf(out, "Evolution:   %.3f\n", state.EvolutionRate)

			cats := make([]memory.Category, 0, len(state.CorePatterns))
			for c := range state.CorePatterns {
				cats = append(cats, c)
			}
			sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })
			for _, c := range cats {
				fmt.Fprintf(out, "  %-20s pattern=%.3f resonance=%.3f\n", c, state.CorePatterns[c], state.MemoryResonance[c])
			}
			return nil
		},
	}
}

func newRelatedCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "related <crystal-id>",
		Short: "List the crystals a crystal is related to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.requireOwner(); err != nil {
				return err
			}
			ctx, cancel := o.context(cmd)
			defer cancel()
			rel, err := o.client().Related(ctx, o.owner, args[0])
			if err != nil {
				return fmt.Errorf("related: %w", err)
			}
			out := cmd.OutOrStdout()
			if done, err := o.printJSON(out, rel); done {
				return err
			}
			printViews(out, rel.Found)
			if len(rel.Missing) > 0 {
				fmt.Fprintf(out, "Missing: %s\n", strings.Join(rel.Missing, ", "))
			}
			return nil
		},
	}
}

func newAssociationsCmd(o *options) *cobra.Command {
	var depth int
	cmd := &cobra.Command{
		Use:   "associations <crystal-id>",
		Short: "Walk the crystal graph from a crystal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.requireOwner(); err != nil {
				return err
			}
			ctx, cancel := o.context(cmd)
			defer cancel()
			assoc, err := o.client().Associations(ctx, o.owner, args[0], depth)
			if err != nil {
				return fmt.Errorf("associations: %w", err)
			}
			out := cmd.OutOrStdout()
			if done, err := o.printJSON(out, assoc); done {
				return err
			}
			if len(assoc) == 0 {
				fmt.Fprintln(out, "No associations found.")
			}
			for _, a := range assoc {
				fmt.Fprintf(out, "%s [%s] hops=%d activation=%.2f\n   %s\n", a.ID, a.Category, a.Hops, a.Activation, a.Summary)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&depth, "depth", "d", 2, "max hops (1-3)")
	return cmd
}

func newCollectiveCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "collective <category>",
		Short: "Show what other owners shared in a category",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.requireOwner(); err != nil {
				return err
			}
			cat, err := memory.ParseCategory(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := o.context(cmd)
			defer cancel()
			entries, err := o.client().Collective(ctx, o.owner, cat)
			if err != nil {
				return fmt.Errorf("collective: %w", err)
			}
			out := cmd.OutOrStdout()
			if done, err := o.printJSON(out, entries); done {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(out, "Nothing shared yet.")
			}
			for _, e := range entries {
				fmt.Fprintf(out, "%s relevance=%.2f %s\n   %s\n", e.ID, e.CollectiveRelevance,
					e.Timestamp.Format("2006-01-02 15:04"), strings.Join(e.Summary.Insights, "; "))
			}
			return nil
		},
	}
}

func newSimilarCmd(o *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "similar <query>",
		Short: "Semantic search over an owner's crystals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.requireOwner(); err != nil {
				return err
			}
			ctx, cancel := o.context(cmd)
			defer cancel()
			hits, err := o.client().Similar(ctx, o.owner, args[0], limit)
			if err != nil {
				return fmt.Errorf("similar: %w", err)
			}
			out := cmd.OutOrStdout()
			if done, err := o.printJSON(out, hits); done {
				return err
			}
			if len(hits) == 0 {
				fmt.Fprintln(out, "No crystals found.")
			}
			for i, h := range hits {
				fmt.Fprintf(out, "%d. %s [%s] score=%.3f\n   %s\n", i+1, h.ID, h.Category, h.Score, h.EssenceSummary)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "max results")
	return cmd
}

func newHealthCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the server and its dependencies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := o.context(cmd)
			defer cancel()
			report, err := o.client().Health(ctx)
			if err != nil {
				return fmt.Errorf("health: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
}
