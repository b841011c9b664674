package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wudi/epubkit/calibre"
	"github.com/wudi/epubkit/enhance/gemini"
	"github.com/wudi/epubkit/observability"
	"github.com/wudi/epubkit/ocr/tesseract"
	"github.com/wudi/epubkit/pipeline"
	"github.com/wudi/epubkit/raster"
)

var (
	convertOutput    string
	convertFormat    string
	convertQuality   string
	convertPassword  string
	convertLangs     []string
	convertEnhance   bool
	convertThreshold float64
)

var convertCmd = &cobra.Command{
	Use:   "convert <input.pdf>",
	Short: "Convert a PDF to EPUB or markdown",
	Args:  cobra.ExactArgs(1),
	RunE:  runConvert,
}

func init() {
	convertCmd.Flags().StringVarP(&convertOutput, "output", "o", "", "output path (default: input name with new extension)")
	convertCmd.Flags().StringVarP(&convertFormat, "format", "f", "", "target format: epub, md, or any format the external converter supports")
	convertCmd.Flags().StringVarP(&convertQuality, "quality", "q", "", "quality level: fast, standard, high")
	convertCmd.Flags().StringVar(&convertPassword, "password", "", "password for encrypted inputs")
	convertCmd.Flags().StringSliceVar(&convertLangs, "ocr-lang", nil, "OCR language hints, e.g. eng,deu")
	convertCmd.Flags().BoolVar(&convertEnhance, "enhance", false, "enable AI content enhancement (needs GEMINI_API_KEY)")
	convertCmd.Flags().Float64Var(&convertThreshold, "threshold", 0, "confidence threshold for the fallback gate")
	rootCmd.AddCommand(convertCmd)
}

func runConvert(cmd *cobra.Command, args []string) error {
	input := args[0]
	data, err := os.ReadFile(input)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if convertFormat != "" {
		cfg.TargetFormat = convertFormat
	}
	if convertQuality != "" {
		cfg.Quality = pipeline.Quality(convertQuality)
	}
	if convertPassword != "" {
		cfg.Password = convertPassword
	}
	if len(convertLangs) > 0 {
		cfg.OCRLanguages = convertLangs
	}
	if convertEnhance {
		cfg.EnableEnhancement = true
	}
	if convertThreshold != 0 {
		cfg.ConfidenceThreshold = convertThreshold
	}
	log := newLogger()
	cfg.Logger = log

	caps := pipeline.Capabilities{
		OCR:     tesseract.New(),
		Raster:  raster.OpenFitz,
		Calibre: calibre.NewExecRunner(calibre.Config{Logger: log}),
	}
	if cfg.EnableEnhancement {
		key := os.Getenv("GEMINI_API_KEY")
		if key == "" {
			log.Warn("enhancement enabled but GEMINI_API_KEY is not set")
		} else {
			client, err := gemini.New(cmd.Context(), key, "")
			if err != nil {
				log.Warn("enhancer unavailable", observability.Error("err", err))
			} else {
				caps.Enhance = client
			}
		}
	}

	job := pipeline.NewJob(cfg, caps)
	out, err := job.Convert(cmd.Context(), data)
	if err != nil {
		return err
	}

	outPath := convertOutput
	if outPath == "" {
		base := strings.TrimSuffix(input, filepath.Ext(input))
		outPath = base + "." + job.OutputFormat
	}
	if err := os.WriteFile(outPath, out, 0o644); err != nil {
		return err
	}

	fmt.Printf("wrote %s (%d bytes)\n", outPath, len(out))
	fmt.Printf("confidence: %.2f\n", job.Confidence)
	if job.FallbackUsed {
		fmt.Println("output produced by the external converter")
	}
	if len(job.Diagnostics) > 0 {
		fmt.Printf("%d diagnostic(s):\n", len(job.Diagnostics))
		for _, d := range job.Diagnostics {
			if d.Page > 0 {
				fmt.Printf("  [%s] %s (page %d): %s\n", d.Stage, d.Kind, d.Page, d.Message)
			} else {
				fmt.Printf("  [%s] %s: %s\n", d.Stage, d.Kind, d.Message)
			}
		}
	}
	return nil
}

func loadConfig() (pipeline.Config, error) {
	if cfgFile == "" {
		return pipeline.Config{}, nil
	}
	return pipeline.LoadConfig(cfgFile)
}
