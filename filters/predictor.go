package filters

import "fmt"

// undoPredictor reverses TIFF (predictor 2) and PNG (predictors 10-15)
// pre-compression filtering. Xref streams almost always arrive with PNG Up
// filtering.
func undoPredictor(data []byte, p Params) ([]byte, error) {
	switch {
	case p.Predictor == 2:
		return undoTIFFPredictor(data, p)
	case p.Predictor >= 10 && p.Predictor <= 15:
		return undoPNGPredictor(data, p)
	default:
		return nil, fmt.Errorf("unknown predictor %d", p.Predictor)
	}
}

func bytesPerPixel(p Params) int {
	bpp := (p.Colors*p.BitsPerComponent + 7) / 8
	if bpp < 1 {
		bpp = 1
	}
	return bpp
}

func rowLength(p Params) int {
	return (p.Colors*p.BitsPerComponent*p.Columns + 7) / 8
}

func undoTIFFPredictor(data []byte, p Params) ([]byte, error) {
	if p.BitsPerComponent != 8 {
		return nil, fmt.Errorf("tiff predictor with %d bits per component not supported", p.BitsPerComponent)
	}
	rowLen := rowLength(p)
	bpp := bytesPerPixel(p)
	if rowLen == 0 || len(data)%rowLen != 0 {
		return nil, fmt.Errorf("data length %d not a multiple of row length %d", len(data), rowLen)
	}
	out := make([]byte, len(data))
	copy(out, data)
	for row := 0; row < len(out); row += rowLen {
		for i := bpp; i < rowLen; i++ {
			out[row+i] += out[row+i-bpp]
		}
	}
	return out, nil
}

func undoPNGPredictor(data []byte, p Params) ([]byte, error) {
	rowLen := rowLength(p)
	bpp := bytesPerPixel(p)
	stride := rowLen + 1 // leading filter-type byte per row
	if stride == 1 || len(data)%stride != 0 {
		return nil, fmt.Errorf("data length %d not a multiple of row stride %d", len(data), stride)
	}
	rows := len(data) / stride
	out := make([]byte, 0, rows*rowLen)
	prev := make([]byte, rowLen)
	cur := make([]byte, rowLen)
	for r := 0; r < rows; r++ {
		ft := data[r*stride]
		copy(cur, data[r*stride+1:(r+1)*stride])
		switch ft {
		case 0: // None
		case 1: // Sub
			for i := bpp; i < rowLen; i++ {
				cur[i] += cur[i-bpp]
			}
		case 2: // Up
			for i := 0; i < rowLen; i++ {
				cur[i] += prev[i]
			}
		case 3: // Average
			for i := 0; i < rowLen; i++ {
				var left byte
				if i >= bpp {
					left = cur[i-bpp]
				}
				cur[i] += byte((int(left) + int(prev[i])) / 2)
			}
		case 4: // Paeth
			for i := 0; i < rowLen; i++ {
				var left, upLeft byte
				if i >= bpp {
					left = cur[i-bpp]
					upLeft = prev[i-bpp]
				}
				cur[i] += paeth(left, prev[i], upLeft)
			}
		default:
			return nil, fmt.Errorf("unknown PNG filter type %d in row %d", ft, r)
		}
		out = append(out, cur...)
		prev, cur = cur, prev
	}
	return out, nil
}

func paeth(a, b, c byte) byte {
	p := int(a) + int(b) - int(c)
	pa, pb, pc := abs(p-int(a)), abs(p-int(b)), abs(p-int(c))
	if pa <= pb && pa <= pc {
		return a
	}
	if pb <= pc {
		return b
	}
	return c
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
