package monitor

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// Role identifies who spoke a transcript turn.
type Role string

const (
	// RoleAI is the voice assistant's side of the conversation.
	RoleAI Role = "ai"
	// RoleCounterparty is the human on the phone.
	RoleCounterparty Role = "counterparty"
)

// Turn is one reconstructed utterance.
type Turn struct {
	Role   Role
	Text   string
	TimeMS int64
}

// speakerLine matches one line of a flattened transcript blob: a speaker
// label, a colon, then the utterance.
var speakerLine = regexp.MustCompile(`(?i)^(AI|Assistant|User|Broker|Customer)\s*:\s*(.*)$`)

// aiRoles and counterpartyRoles normalize the role vocabulary seen across
// provider event shapes.
var aiRoles = map[string]bool{
	"assistant": true,
	"ai":        true,
	"agent":     true,
	"bot":       true,
}

var counterpartyRoles = map[string]bool{
	"user":     true,
	"customer": true,
	"caller":   true,
	"human":    true,
	"broker":   true,
}

// NormalizeRole maps a provider role string onto the two roles the UI
// renders. Unrecognized roles (system, tool, function) report false; their
// turns are not conversation and must not render as broker speech.
func NormalizeRole(raw string) (Role, bool) {
	r := strings.ToLower(strings.TrimSpace(raw))
	if aiRoles[r] {
		return RoleAI, true
	}
	if counterpartyRoles[r] {
		return RoleCounterparty, true
	}
	return "", false
}

// Transcript rebuilds an ordered, deduplicated conversation from the two
// overlapping feeds the provider sends: structured conversation snapshots
// (which repeat all prior turns on every update) and flattened text blobs
// (which repeat lines across partial and final transcripts).
type Transcript struct {
	mu sync.Mutex

	turns []Turn

	// seenTurns keys structured turns, seenLines keys blob lines. Two
	// spaces because the same utterance has different shapes in each
	// feed and must dedup within its own feed only.
	seenTurns map[string]bool
	seenLines map[string]bool

	open   bool
	unread int
}

// NewTranscript creates an empty transcript with the panel closed.
func NewTranscript() *Transcript {
	return &Transcript{
		seenTurns: make(map[string]bool),
		seenLines: make(map[string]bool),
	}
}

// turnKey identifies a structured turn. Text head and tail are included so
// a turn that grows as the speaker continues is treated as new content,
// while an exact resend is not.
func turnKey(role Role, timeMS int64, text string) string {
	head := text
	if len(head) > 48 {
		head = head[:48]
	}
	tail := text
	if len(tail) > 48 {
		tail = tail[len(tail)-48:]
	}
	return string(role) + "|" + strconv.FormatInt(timeMS, 10) + "|" + head + "|" + tail
}

// AddStructured ingests one turn from a conversation snapshot. Turns with
// an unrecognized role or empty text are dropped. Returns true when the
// turn was new.
func (t *Transcript) AddStructured(role string, timeMS int64, text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	r, ok := NormalizeRole(role)
	if !ok {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := turnKey(r, timeMS, text)
	if t.seenTurns[key] {
		return false
	}
	t.seenTurns[key] = true
	t.append(Turn{Role: r, Text: text, TimeMS: timeMS})
	return true
}

// AddBlob ingests a flattened transcript blob, one turn per speaker-labeled
// line, each stamped with timeMS. A blob with no labeled line at all is one
// counterparty turn. Returns how many new turns were added.
func (t *Transcript) AddBlob(blob string, timeMS int64) int {
	blob = strings.TrimSpace(blob)
	if blob == "" {
		return 0
	}

	lines := splitBlob(blob, timeMS)

	t.mu.Lock()
	defer t.mu.Unlock()

	added := 0
	for _, line := range lines {
		key := string(line.Role) + "::" + line.Text
		if t.seenLines[key] {
			continue
		}
		t.seenLines[key] = true
		t.append(line)
		added++
	}
	return added
}

// splitBlob cuts a blob into role-attributed turns line by line. Once any
// line carries a speaker label, unlabeled lines are noise and are skipped.
func splitBlob(blob string, timeMS int64) []Turn {
	var lines []string
	for _, l := range strings.Split(strings.ReplaceAll(blob, "\r\n", "\n"), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}

	labeled := false
	for _, l := range lines {
		if speakerLine.MatchString(l) {
			labeled = true
			break
		}
	}
	if !labeled {
		return []Turn{{Role: RoleCounterparty, Text: blob, TimeMS: timeMS}}
	}

	turns := make([]Turn, 0, len(lines))
	for _, l := range lines {
		m := speakerLine.FindStringSubmatch(l)
		if m == nil {
			continue
		}
		text := strings.TrimSpace(m[2])
		if text == "" {
			continue
		}
		role, ok := NormalizeRole(m[1])
		if !ok {
			continue
		}
		turns = append(turns, Turn{Role: role, Text: text, TimeMS: timeMS})
	}
	return turns
}

// append assumes t.mu is held.
func (t *Transcript) append(turn Turn) {
	t.turns = append(t.turns, turn)
	if !t.open {
		t.unread++
	}
}

// Turns returns a copy of the reconstructed conversation in arrival order.
func (t *Transcript) Turns() []Turn {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Turn, len(t.turns))
	copy(out, t.turns)
	return out
}

// Open marks the transcript panel visible and clears the unread counter.
func (t *Transcript) Open() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.open = true
	t.unread = 0
}

// Close marks the panel hidden; turns arriving now count as unread.
func (t *Transcript) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.open = false
}

// Unread reports how many turns arrived while the panel was closed.
func (t *Transcript) Unread() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unread
}

// Text renders the conversation as the plain text export the UI offers
// for copying into dispatch notes.
func (t *Transcript) Text() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var b strings.Builder
	for i, turn := range t.turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		if turn.Role == RoleAI {
			b.WriteString("AI Dispatcher: ")
		} else {
			b.WriteString("Broker: ")
		}
		b.WriteString(turn.Text)
	}
	return b.String()
}
