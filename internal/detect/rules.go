package detect

import (
	"slices"
	"strings"
)

// DefaultPeakThreshold is the audio-session peak above which a known process
// counts as being in a call.
const DefaultPeakThreshold = 0.02

var (
	defaultWindowKeywords = []string{"teams", "zoom", "google meet", "meet.google.com", "snapmobile", "webphone"}
	defaultProcessNames   = []string{"zoom", "teams", "ms-teams", "chrome", "msedge"}
)

// Rules decides which observations count as a meeting. Matching is
// case-insensitive throughout.
type Rules struct {
	// WindowKeywords match as substrings of visible window titles.
	WindowKeywords []string
	// ProcessNames match whole process names. A trailing ".exe" is ignored
	// on both sides.
	ProcessNames []string
	// PeakThreshold is compared against the peak level of audio sessions
	// owned by one of ProcessNames.
	PeakThreshold float64
}

// DefaultRules returns the built-in meeting keywords and process names.
func DefaultRules() Rules {
	return Rules{
		WindowKeywords: slices.Clone(defaultWindowKeywords),
		ProcessNames:   slices.Clone(defaultProcessNames),
		PeakThreshold:  DefaultPeakThreshold,
	}
}

// withDefaults fills empty fields from [DefaultRules] and normalises every
// entry for matching.
func (r Rules) withDefaults() Rules {
	d := DefaultRules()
	out := Rules{PeakThreshold: r.PeakThreshold}
	if out.PeakThreshold <= 0 {
		out.PeakThreshold = d.PeakThreshold
	}

	kw := r.WindowKeywords
	if len(kw) == 0 {
		kw = d.WindowKeywords
	}
	for _, k := range kw {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			out.WindowKeywords = append(out.WindowKeywords, k)
		}
	}

	names := r.ProcessNames
	if len(names) == 0 {
		names = d.ProcessNames
	}
	for _, n := range names {
		if n = normalizeProcessName(n); n != "" && !slices.Contains(out.ProcessNames, n) {
			out.ProcessNames = append(out.ProcessNames, n)
		}
	}
	return out
}

func (r Rules) clone() Rules {
	return Rules{
		WindowKeywords: slices.Clone(r.WindowKeywords),
		ProcessNames:   slices.Clone(r.ProcessNames),
		PeakThreshold:  r.PeakThreshold,
	}
}

func normalizeProcessName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.TrimSuffix(name, ".exe")
}

// matchTitle reports whether title contains one of the window keywords.
// r must be normalised.
func (r Rules) matchTitle(title string) bool {
	if strings.TrimSpace(title) == "" {
		return false
	}
	lower := strings.ToLower(title)
	for _, k := range r.WindowKeywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

func (r Rules) knownProcess(name string) bool {
	n := normalizeProcessName(name)
	return n != "" && slices.Contains(r.ProcessNames, n)
}

// match checks the signals in a fixed order: windows, processes, audio
// sessions. The first hit wins.
func (r Rules) match(s snapshot) (Detection, bool) {
	for _, t := range s.titles {
		if r.matchTitle(t) {
			return Detection{Signal: SignalWindow, Match: t}, true
		}
	}
	for _, p := range s.processes {
		if r.knownProcess(p.Name) {
			return Detection{Signal: SignalProcess, Match: p.Name}, true
		}
	}
	for _, a := range s.sessions {
		if a.PID != 0 && r.knownProcess(a.ProcessName) && a.Peak > r.PeakThreshold {
			return Detection{Signal: SignalAudioSession, Match: a.ProcessName}, true
		}
	}
	return Detection{}, false
}
