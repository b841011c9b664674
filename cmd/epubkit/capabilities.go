package main

import (
	"encoding/json"
	"os"

	"github.com/otiai10/gosseract/v2"
	"github.com/spf13/cobra"

	"github.com/wudi/epubkit/calibre"
)

var capabilitiesCmd = &cobra.Command{
	Use:   "capabilities",
	Short: "Report which external tools are reachable",
	Args:  cobra.NoArgs,
	RunE:  runCapabilities,
}

func init() {
	rootCmd.AddCommand(capabilitiesCmd)
}

type capabilityReport struct {
	Calibre struct {
		Available bool   `json:"available"`
		Version   string `json:"version,omitempty"`
	} `json:"calibre"`
	Tesseract struct {
		Available bool     `json:"available"`
		Languages []string `json:"languages,omitempty"`
	} `json:"tesseract"`
	Gemini struct {
		Configured bool `json:"configured"`
	} `json:"gemini"`
}

func runCapabilities(cmd *cobra.Command, args []string) error {
	var report capabilityReport

	runner := calibre.NewExecRunner(calibre.Config{Logger: newLogger()})
	report.Calibre.Available = runner.Available(cmd.Context())
	report.Calibre.Version = runner.Version(cmd.Context())

	if langs, err := gosseract.GetAvailableLanguages(); err == nil {
		report.Tesseract.Available = true
		report.Tesseract.Languages = langs
	}

	report.Gemini.Configured = os.Getenv("GEMINI_API_KEY") != ""

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
