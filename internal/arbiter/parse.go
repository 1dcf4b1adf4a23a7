package arbiter

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// Models are asked for strict JSON but routinely wrap it in fences, prose, or
// sloppy syntax. The parser peels those layers in order: fence strip, largest
// brace-delimited substring, loose unmarshal with type coercion, and finally
// a regex scan for the decision tokens alone.

var (
	completedTokenRe = regexp.MustCompile(`(?i)"completed"\s*:\s*(true|false)`)
	failedTokenRe    = regexp.MustCompile(`(?i)"failed"\s*:\s*(true|false)`)
)

// looseVerdict tolerates models that emit booleans as strings or 0/1 numbers.
type looseVerdict struct {
	Completed  any    `json:"completed"`
	Failed     any    `json:"failed"`
	Reason     string `json:"reason"`
	Confidence any    `json:"confidence"`
}

// parseVerdict extracts a decision from raw model output. The second return
// is false when no decision could be extracted by any path; the verdict is
// then a zero-confidence continue.
//
// "completed" and "failed" are mutually exclusive: completed wins when a
// model reports both.
func parseVerdict(raw string) (Verdict, bool) {
	cleaned := braceSubstring(stripFences(raw))

	var loose looseVerdict
	if err := json.Unmarshal([]byte(cleaned), &loose); err == nil {
		v := Verdict{
			Decision:   DecisionContinue,
			Reason:     loose.Reason,
			Confidence: coerceFloat(loose.Confidence),
		}
		switch {
		case coerceBool(loose.Completed):
			v.Decision = DecisionWin
		case coerceBool(loose.Failed):
			v.Decision = DecisionFail
		}
		return v, true
	}

	// JSON was hopeless; scan for the bare decision tokens.
	completed, cok := regexBool(completedTokenRe, raw)
	failed, fok := regexBool(failedTokenRe, raw)
	switch {
	case cok && completed:
		return Verdict{Decision: DecisionWin}, true
	case fok && failed:
		return Verdict{Decision: DecisionFail}, true
	case cok || fok:
		return Verdict{Decision: DecisionContinue}, true
	}

	return Verdict{Decision: DecisionContinue}, false
}

// stripFences removes optional markdown code fences (```json ... ```) that
// some models wrap JSON output in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}

// braceSubstring cuts s down to the largest brace-delimited substring,
// dropping prose before the first "{" and after the last "}".
func braceSubstring(s string) string {
	first := strings.IndexByte(s, '{')
	last := strings.LastIndexByte(s, '}')
	if first < 0 || last <= first {
		return s
	}
	return s[first : last+1]
}

func coerceBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return strings.EqualFold(strings.TrimSpace(b), "true")
	case float64:
		return b != 0
	default:
		return false
	}
}

func coerceFloat(v any) float64 {
	switch f := v.(type) {
	case float64:
		return f
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return 0
		}
		return parsed
	default:
		return 0
	}
}

func regexBool(re *regexp.Regexp, s string) (value, ok bool) {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return false, false
	}
	return strings.EqualFold(m[1], "true"), true
}
