package ocr

import "strconv"

// InputOption mutates an Input before submission.
type InputOption func(*Input)

// WithLanguages sets language hints on the input.
func WithLanguages(langs ...string) InputOption {
	return func(in *Input) { in.Languages = append([]string(nil), langs...) }
}

// WithRegion restricts recognition to a subsection of the image.
func WithRegion(region Region) InputOption {
	return func(in *Input) {
		if region.IsEmpty() {
			in.Region = nil
			return
		}
		in.Region = &region
	}
}

// WithDPI overrides the raster resolution on the input.
func WithDPI(dpi int) InputOption {
	return func(in *Input) { in.DPI = dpi }
}

// WithMetadata replaces the provider-specific variables on the input.
func WithMetadata(metadata map[string]string) InputOption {
	return func(in *Input) {
		if len(metadata) == 0 {
			in.Metadata = nil
			return
		}
		in.Metadata = make(map[string]string, len(metadata))
		for k, v := range metadata {
			in.Metadata[k] = v
		}
	}
}

// WithTesseractPSM sets the Tesseract page segmentation mode variable.
func WithTesseractPSM(mode int) InputOption {
	return setVariable("tessedit_pageseg_mode", strconv.Itoa(mode))
}

// WithTesseractWhitelist restricts recognition to the given characters.
func WithTesseractWhitelist(chars string) InputOption {
	return setVariable("tessedit_char_whitelist", chars)
}

func setVariable(key, value string) InputOption {
	return func(in *Input) {
		if in.Metadata == nil {
			in.Metadata = make(map[string]string)
		}
		in.Metadata[key] = value
	}
}
