package runner

import (
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"strings"
)

// saveImages decodes base64 data URLs into temp files the CLI can take as
// path arguments. The returned cleanup removes every written file and must
// run unconditionally when the run ends, whatever the outcome. Undecodable
// images are skipped, not fatal.
func saveImages(dataURLs []string) (paths []string, cleanup func()) {
	for i, dataURL := range dataURLs {
		path, err := saveImage(dataURL)
		if err != nil {
			log.Printf("[runner] skipping image %d: %v", i, err)
			continue
		}
		paths = append(paths, path)
	}
	return paths, func() {
		for _, p := range paths {
			os.Remove(p)
		}
	}
}

func saveImage(dataURL string) (string, error) {
	data := dataURL
	ext := "png"

	// data:image/png;base64,xxxx
	if strings.HasPrefix(dataURL, "data:") {
		header, payload, ok := strings.Cut(dataURL, ",")
		if !ok {
			return "", fmt.Errorf("malformed data URL")
		}
		data = payload
		mime := strings.TrimPrefix(strings.SplitN(header, ";", 2)[0], "data:")
		if _, sub, ok := strings.Cut(mime, "/"); ok && sub != "" {
			ext = sub
		}
		if ext == "jpeg" {
			ext = "jpg"
		}
	}

	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return "", fmt.Errorf("decoding image: %w", err)
	}

	// CreateTemp keeps paths unique across concurrent runs in one process.
	f, err := os.CreateTemp("", "agentdeck_img_*."+ext)
	if err != nil {
		return "", fmt.Errorf("creating image file: %w", err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("writing image: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("writing image: %w", err)
	}
	return f.Name(), nil
}
