package mirror

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"lukechampine.com/blake3"
)

// allowedFormats are the raster types the mirror will rehost (spec.md
// section 4.C step 2).
var allowedFormats = map[string]struct{}{
	"jpeg": {},
	"png":  {},
	"gif":  {},
	"webp": {},
}

func allowedFormat(format string) bool {
	_, ok := allowedFormats[format]
	return ok
}

// probe decodes just the image header to recover its format and width,
// without decoding pixel data (spec.md: "transforming image pixel data...
// is a Non-goal").
func probe(body []byte) (format string, width int, err error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(body))
	if err != nil {
		return "", 0, err
	}
	return format, cfg.Width, nil
}

func extensionFor(format string) string {
	switch format {
	case "jpeg":
		return "jpg"
	case "png":
		return "png"
	case "gif":
		return "gif"
	case "webp":
		return "webp"
	default:
		return "bin"
	}
}

func contentTypeFor(format string) string {
	switch format {
	case "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

// contentHash computes the blake3 digest of body, hex-encoded, used as the
// content-addressed object key (spec.md section 4.C step 3).
func contentHash(body []byte) string {
	sum := blake3.Sum256(body)
	const hex = "0123456789abcdef"
	out := make([]byte, len(sum)*2)
	for i, b := range sum {
		out[i*2] = hex[b>>4]
		out[i*2+1] = hex[b&0x0f]
	}
	return string(out)
}
