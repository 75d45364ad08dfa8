package main

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"datanet/pkg/payload"
	"datanet/pkg/persistence"
	"datanet/pkg/storage"
	"datanet/pkg/types"

	"github.com/spf13/cobra"
)

type storeSummary struct {
	StoreType string         `json:"store_type"`
	StoreKey  string         `json:"store_key"`
	ClassName string         `json:"class_name"`
	Entries   int            `json:"entries"`
	Removed   int            `json:"removed"`
	Newest    time.Time      `json:"newest"`
	Items     []entrySummary `json:"items,omitempty"`
}

type entrySummary struct {
	Hash     string    `json:"hash"`
	Kind     string    `json:"kind"`
	Sequence int32     `json:"sequence"`
	Created  time.Time `json:"created"`
}

func inspectCmd() *cobra.Command {
	var (
		dataDir     string
		showEntries bool
		asJSON      bool
	)

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Summarize the persisted stores of a data directory",
		Long:  `Read the store files below <data-dir>/db/network without starting a node.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dataDir == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				dataDir = cfg.DataDir
			}

			summaries, err := collectSummaries(dataDir, payload.NewRegistry(), showEntries)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(summaries)
			}
			renderSummaries(cmd.OutOrStdout(), dataDir, summaries, showEntries)
			return nil
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "data directory (default: the configured one)")
	cmd.Flags().BoolVar(&showEntries, "entries", false, "list every entry")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

func collectSummaries(dataDir string, registry *storage.Registry, withEntries bool) ([]storeSummary, error) {
	var out []storeSummary
	for _, st := range types.StoreTypes {
		dir := storage.StoreDir(dataDir, st)
		keys, err := persistence.List(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", dir, err)
		}
		sort.Strings(keys)

		for _, key := range keys {
			meta, entries, err := storage.ReadStoreFile(filepath.Join(dir, key+persistence.Extension), registry)
			if err != nil {
				return nil, err
			}
			out = append(out, summarize(st, key, meta, entries, withEntries))
		}
	}
	return out, nil
}

func summarize(st types.StoreType, key string, meta storage.MetaData, entries map[types.Hash]storage.DataRequest, withEntries bool) storeSummary {
	s := storeSummary{
		StoreType: st.String(),
		StoreKey:  key,
		ClassName: meta.ClassName,
		Entries:   len(entries),
	}
	for hash, req := range entries {
		created := time.UnixMilli(req.CreatedAt()).UTC()
		if created.After(s.Newest) {
			s.Newest = created
		}
		kind := "add"
		if _, ok := req.(storage.RemoveDataRequest); ok {
			kind = "removed"
			s.Removed++
		}
		if withEntries {
			s.Items = append(s.Items, entrySummary{
				Hash:     hash.String(),
				Kind:     kind,
				Sequence: req.SequenceNumber(),
				Created:  created,
			})
		}
	}
	sort.Slice(s.Items, func(i, j int) bool {
		return s.Items[i].Created.After(s.Items[j].Created)
	})
	return s
}

func renderSummaries(w io.Writer, dataDir string, summaries []storeSummary, showEntries bool) {
	fmt.Fprintln(w, titleStyle.Render("Stores in "+dataDir))
	if len(summaries) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("No persisted stores."))
		return
	}

	t := newTable("TYPE", "STORE", "CLASS", "ENTRIES", "REMOVED", "NEWEST")
	for _, s := range summaries {
		newest := "-"
		if !s.Newest.IsZero() {
			newest = s.Newest.Format(time.RFC3339)
		}
		t.Row(s.StoreType, s.StoreKey, s.ClassName, strconv.Itoa(s.Entries), strconv.Itoa(s.Removed), newest)
	}
	fmt.Fprintln(w, t.Render())

	if !showEntries {
		return
	}
	for _, s := range summaries {
		if len(s.Items) == 0 {
			continue
		}
		et := newTable("HASH", "KIND", "SEQ", "CREATED")
		for _, item := range s.Items {
			et.Row(item.Hash[:16], item.Kind, strconv.Itoa(int(item.Sequence)), item.Created.Format(time.RFC3339))
		}
		fmt.Fprintln(w, panelStyle.Render(valueStyle.Render(s.StoreKey)+"\n"+et.Render()))
	}
}
