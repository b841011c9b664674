package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/wudi/epubkit/extractor"
	"github.com/wudi/epubkit/layout"
	"github.com/wudi/epubkit/parser"
	"github.com/wudi/epubkit/structure"
)

var probePassword string

var probeCmd = &cobra.Command{
	Use:   "probe <input.pdf>",
	Short: "Inspect a PDF and report structure statistics without converting",
	Args:  cobra.ExactArgs(1),
	RunE:  runProbe,
}

func init() {
	probeCmd.Flags().StringVar(&probePassword, "password", "", "password for encrypted inputs")
	rootCmd.AddCommand(probeCmd)
}

type probeReport struct {
	Version         string          `json:"version"`
	Pages           int             `json:"pages"`
	Encrypted       bool            `json:"encrypted"`
	Repaired        bool            `json:"repaired"`
	ScanProbability float64         `json:"scan_probability"`
	ScannedPages    []int           `json:"scanned_pages,omitempty"`
	Metadata        parser.Metadata `json:"metadata"`
	Bookmarks       int             `json:"bookmarks"`
	Blocks          int             `json:"blocks"`
	AmbiguousBlocks int             `json:"ambiguous_blocks"`
	BodyFontSize    float64         `json:"body_font_size"`
	Chapters        int             `json:"chapters"`
	Warnings        []string        `json:"warnings,omitempty"`
}

func runProbe(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	log := newLogger()

	pdoc, err := parser.Parse(data, parser.Config{Password: probePassword, Logger: log})
	if err != nil {
		return err
	}
	doc, err := extractor.Extract(pdoc, extractor.Config{Logger: log})
	if err != nil {
		return err
	}
	res := layout.Analyze(doc, layout.Config{Logger: log})
	tree := structure.Build(res.Blocks, doc.Metadata, structure.Config{Outline: doc.Outline, Logger: log})

	report := probeReport{
		Version:         pdoc.Version,
		Pages:           len(doc.Pages),
		Encrypted:       pdoc.Encrypted,
		Repaired:        pdoc.Repaired,
		ScanProbability: doc.ScanProbability,
		Metadata:        doc.Metadata,
		Bookmarks:       len(doc.Outline),
		Blocks:          res.TotalBlocks,
		AmbiguousBlocks: res.AmbiguousBlocks,
		BodyFontSize:    res.BodyFontSize,
		Chapters:        len(tree.Chapters()),
	}
	for _, p := range doc.Pages {
		if p.Scanned {
			report.ScannedPages = append(report.ScannedPages, p.Number)
		}
	}
	report.Warnings = append(report.Warnings, doc.Warnings...)
	report.Warnings = append(report.Warnings, res.Warnings...)
	report.Warnings = append(report.Warnings, tree.Warnings...)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
