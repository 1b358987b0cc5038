package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
)

// loopGuardWindow is the length of the identical-result streak for one call
// fingerprint that raises a warning; twice that streak is critical.
const loopGuardWindow = 4

// toolLoopState detects a tool call stuck producing no forward progress:
// the same tool invoked with the same arguments, repeatedly returning the
// same result. It is scoped to a single turn loop run and discarded after.
type toolLoopState struct {
	// counts maps a call fingerprint (name + canonicalized args) to how many
	// times it has been seen this loop.
	counts map[string]int
	// results maps a fingerprint to the last result text seen for it, so a
	// repeat can be distinguished from a call that is actually converging.
	results map[string]string
	// identicalResultRun counts consecutive identical results per fingerprint.
	identicalResultRun map[string]int
}

// record fingerprints one call (by name and canonical argument ordering) and
// returns the fingerprint hash, bumping its seen count.
func (s *toolLoopState) record(name string, args map[string]interface{}) string {
	if s.counts == nil {
		s.counts = make(map[string]int)
		s.results = make(map[string]string)
		s.identicalResultRun = make(map[string]int)
	}
	hash := fingerprint(name, args)
	s.counts[hash]++
	return hash
}

// recordResult tracks whether the result for a fingerprint is identical to
// the previous one, incrementing a no-progress streak.
func (s *toolLoopState) recordResult(hash, result string) {
	if s.results[hash] == result && s.counts[hash] > 1 {
		s.identicalResultRun[hash]++
	} else {
		s.identicalResultRun[hash] = 0
	}
	s.results[hash] = result
}

// detect returns a severity level ("warning", "critical", or "" for none)
// and a human-readable explanation once a fingerprint has repeated with an
// unchanging result past the guard window.
func (s *toolLoopState) detect(name, hash string) (level string, msg string) {
	run := s.identicalResultRun[hash]
	switch {
	case run >= loopGuardWindow*2:
		return "critical", name + " has returned the same result " + strconv.Itoa(run+1) + " times in a row — stop retrying and either change your approach or report the problem to the user"
	case run >= loopGuardWindow:
		return "warning", name + " is returning the same result repeatedly; consider a different argument or strategy"
	default:
		return "", ""
	}
}

func fingerprint(name string, args map[string]interface{}) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make(map[string]interface{}, len(args))
	for _, k := range keys {
		ordered[k] = args[k]
	}
	b, _ := json.Marshal(ordered)
	sum := sha256.Sum256(append([]byte(name+":"), b...))
	return hex.EncodeToString(sum[:])
}

