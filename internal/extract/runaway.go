package extract

import "strings"

// Caps for one aspect generation. Degenerate models loop; past these
// bounds the tail is noise, not signal.
const (
	maxGenerationBytes = 16 << 10
	repeatThreshold    = 3
)

var repeatWindows = []int{50, 20}

// TruncateRunaway trims looping output. A generation whose trailing
// window already occurred earlier several times is cut at the end of the
// first occurrence; over-length output is cut at the byte cap first.
func TruncateRunaway(s string) (string, bool) {
	truncated := false
	if len(s) > maxGenerationBytes {
		s = s[:maxGenerationBytes]
		truncated = true
	}
	for _, w := range repeatWindows {
		if len(s) < w*repeatThreshold {
			continue
		}
		tail := s[len(s)-w:]
		if strings.Count(s, tail) < repeatThreshold {
			continue
		}
		first := strings.Index(s, tail)
		if first >= 0 && first+w < len(s) {
			s = s[:first+w]
			truncated = true
		}
	}
	return s, truncated
}
