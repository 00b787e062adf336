package cursor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Digest fingerprints a tool call for cursor binding.
//
// The digest covers the tool name, the arguments, and the token encoding
// name. The "cursor" and "deadline_ms" arguments are excluded so a
// continuation call digests identically to the call that minted the
// cursor. encoding/json emits map keys in sorted order, which keeps the
// digest deterministic.
func Digest(toolName string, args map[string]interface{}, encoding string) string {
	filtered := args
	_, hasCursor := args["cursor"]
	_, hasDeadline := args["deadline_ms"]
	if hasCursor || hasDeadline {
		filtered = make(map[string]interface{}, len(args))
		for k, v := range args {
			if k == "cursor" || k == "deadline_ms" {
				continue
			}
			filtered[k] = v
		}
	}

	payload, err := json.Marshal(filtered)
	if err != nil {
		// Arguments already survived one decode, so this is unreachable
		// for wire input. Fall back to an empty body.
		payload = []byte("{}")
	}

	h := sha256.New()
	h.Write([]byte(toolName))
	h.Write([]byte{0})
	h.Write(payload)
	h.Write([]byte{0})
	h.Write([]byte(encoding))
	return hex.EncodeToString(h.Sum(nil))
}
