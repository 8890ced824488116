package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/fathima-sithara/realtime-service/internal/apperror"
	"github.com/fathima-sithara/realtime-service/internal/protocol"
)

const (
	MaxPayloadBytes = 5000
	MaxPayloadChars = 10000
	minContentRatio = 0.1
)

var forbiddenPatterns = []string{
	"<script",
	"</script>",
	"javascript:",
	"onload=",
	"onerror=",
	"eval(",
	"document.cookie",
	"window.location",
	"alert(",
}

// Validator rejects SEND payloads that are oversized, carry script
// injection markers or control characters, or are mostly whitespace.
// Rejection is whole-frame; content is never rewritten.
type Validator struct{}

func NewValidator() *Validator { return &Validator{} }

func (v *Validator) Name() string { return "validator" }

func (v *Validator) Inspect(_ context.Context, in *Inbound) error {
	if in.Frame.Command != protocol.CommandSend {
		return nil
	}
	return v.Check(in.Frame.Payload)
}

// Check validates a raw payload. JSON payloads are also checked value by
// value so that escaped markers such as <script are caught.
func (v *Validator) Check(payload []byte) error {
	if len(payload) > MaxPayloadBytes {
		return apperror.Validation("payload exceeds %d bytes", MaxPayloadBytes)
	}
	if !utf8.Valid(payload) {
		return apperror.Validation("payload is not valid UTF-8")
	}
	raw := string(payload)
	if utf8.RuneCountInString(raw) > MaxPayloadChars {
		return apperror.Validation("payload exceeds %d characters", MaxPayloadChars)
	}
	if err := checkText(raw); err != nil {
		return err
	}
	if err := checkDensity(raw); err != nil {
		return err
	}

	var decoded any
	if json.Unmarshal(payload, &decoded) == nil {
		for _, s := range collectStrings(decoded, nil) {
			if err := checkText(s); err != nil {
				return err
			}
		}
	}
	return nil
}

// CheckContent applies the frame rules to message text that arrives outside
// the socket pipeline, such as REST sends and edits.
func CheckContent(s string) error {
	if err := checkText(s); err != nil {
		return err
	}
	return checkDensity(s)
}

func checkText(s string) error {
	lower := strings.ToLower(s)
	for _, p := range forbiddenPatterns {
		if strings.Contains(lower, p) {
			return apperror.Validation("payload contains forbidden content")
		}
	}
	for _, r := range s {
		if r == '\t' || r == '\n' || r == '\r' {
			continue
		}
		if unicode.IsControl(r) {
			return apperror.Validation("payload contains control characters")
		}
	}
	return nil
}

func checkDensity(s string) error {
	total, visible := 0, 0
	for _, r := range s {
		total++
		if !unicode.IsSpace(r) {
			visible++
		}
	}
	if visible == 0 {
		return apperror.Validation("payload is empty")
	}
	if float64(visible) < minContentRatio*float64(total) {
		return apperror.Validation("payload is mostly whitespace")
	}
	return nil
}

func collectStrings(v any, out []string) []string {
	switch t := v.(type) {
	case string:
		out = append(out, t)
	case []any:
		for _, e := range t {
			out = collectStrings(e, out)
		}
	case map[string]any:
		for k, e := range t {
			out = append(out, k)
			out = collectStrings(e, out)
		}
	}
	return out
}
