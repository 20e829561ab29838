package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/kenneth/secure-ocr-client/internal/crop"
	"github.com/kenneth/secure-ocr-client/internal/lifecycle"
)

// parseRect parses "x,y,width,height".
func parseRect(s string) (crop.Rect, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return crop.Rect{}, fmt.Errorf("crop must be x,y,width,height, got %q", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return crop.Rect{}, fmt.Errorf("invalid crop value %q: %w", p, err)
		}
		v[i] = f
	}
	return crop.Rect{X: v[0], Y: v[1], Width: v[2], Height: v[3]}, nil
}

// parseSize parses "WIDTHxHEIGHT".
func parseSize(s string) (crop.Size, error) {
	w, h, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return crop.Size{}, fmt.Errorf("size must be WIDTHxHEIGHT, got %q", s)
	}
	width, err := strconv.ParseFloat(strings.TrimSpace(w), 64)
	if err != nil {
		return crop.Size{}, fmt.Errorf("invalid width %q: %w", w, err)
	}
	height, err := strconv.ParseFloat(strings.TrimSpace(h), 64)
	if err != nil {
		return crop.Size{}, fmt.Errorf("invalid height %q: %w", h, err)
	}
	size := crop.Size{Width: width, Height: height}
	if !size.Valid() {
		return crop.Size{}, fmt.Errorf("size must be positive, got %q", s)
	}
	return size, nil
}

// printNotifier renders lifecycle notices as one line each.
type printNotifier struct {
	out io.Writer
}

func (p printNotifier) Notify(n lifecycle.Notice) {
	switch n.Kind {
	case lifecycle.NoticeProgress:
		fmt.Fprintf(p.out, "%s: %d%%\n", n.Message, n.Progress)
	case lifecycle.NoticeError, lifecycle.NoticeValidation:
		if n.Err != nil {
			fmt.Fprintf(p.out, "%s: %v\n", n.Message, n.Err)
			return
		}
		fmt.Fprintln(p.out, n.Message)
	default:
		fmt.Fprintln(p.out, n.Message)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
