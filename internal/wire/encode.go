package wire

import (
	"encoding/base64"
	"strings"
)

// encodeChunkBytes bounds how many raw bytes a single base64 coercion
// handles, keeping peak working memory small for large blocks. It must
// stay a multiple of 3 so chunk outputs concatenate without padding.
const encodeChunkBytes = 3 * 1024

// EncodeAudio converts one PCM block to its transport-safe base64 form.
func EncodeAudio(pcm []byte) string {
	if len(pcm) <= encodeChunkBytes {
		return base64.StdEncoding.EncodeToString(pcm)
	}

	var b strings.Builder
	b.Grow(base64.StdEncoding.EncodedLen(len(pcm)))
	for len(pcm) > 0 {
		n := len(pcm)
		if n > encodeChunkBytes {
			n = encodeChunkBytes
		}
		b.WriteString(base64.StdEncoding.EncodeToString(pcm[:n]))
		pcm = pcm[n:]
	}
	return b.String()
}
