package conversation

import (
	"fmt"
	"strings"
)

// ArchivePlan describes the prefix of a log that archival will replace.
type ArchivePlan struct {
	// Count is the number of leading messages to remove.
	Count    int
	FirstSeq uint64
	LastSeq  uint64

	// Messages is a copy of the prefix, used to build the summary prompt.
	Messages []Message
}

// SummaryContent formats the text of the synthetic summary message.
func SummaryContent(summary string) string {
	return "[Previous conversation summary: " + summary + "]"
}

// PlanArchive returns the prefix to collapse when the log holds more than
// threshold messages, keeping the most recent keep messages. A keep outside
// (0, threshold) falls back to threshold/2. It returns false when nothing
// needs archiving or a turn is in progress.
func (l *Log) PlanArchive(threshold, keep int) (ArchivePlan, bool) {
	if threshold <= 0 || len(l.messages) <= threshold {
		return ArchivePlan{}, false
	}
	if keep <= 0 || keep >= threshold {
		keep = threshold / 2
	}
	return l.PlanKeep(keep)
}

// PlanKeep returns the prefix to collapse so that only the most recent keep
// messages remain, regardless of any threshold. It returns false when a turn
// is in progress or fewer than two messages would be collapsed, since a
// one-message prefix would not shrink the log.
func (l *Log) PlanKeep(keep int) (ArchivePlan, bool) {
	if keep < 0 {
		keep = 0
	}
	if l.InProgress() || len(l.messages) <= keep {
		return ArchivePlan{}, false
	}
	count := len(l.messages) - keep
	if count < 2 {
		return ArchivePlan{}, false
	}
	prefix := make([]Message, count)
	copy(prefix, l.messages[:count])

	return ArchivePlan{
		Count:    count,
		FirstSeq: prefix[0].Seq,
		LastSeq:  prefix[count-1].Seq,
		Messages: prefix,
	}, true
}

// ApplyArchive replaces the planned prefix with a single system message
// carrying summary. It fails with ErrInvalidState if the log no longer starts
// with the planned prefix.
func (l *Log) ApplyArchive(plan ArchivePlan, summary string) error {
	if plan.Count <= 0 || plan.Count > len(l.messages) {
		return fmt.Errorf("%w: archive plan covers %d of %d messages", ErrInvalidState, plan.Count, len(l.messages))
	}
	if l.messages[0].Seq != plan.FirstSeq || l.messages[plan.Count-1].Seq != plan.LastSeq {
		return fmt.Errorf("%w: log changed since archive was planned", ErrInvalidState)
	}

	synthetic := Message{
		Seq:       plan.LastSeq,
		Role:      RoleSystem,
		Content:   SummaryContent(summary),
		CreatedAt: l.now().UTC(),
		Summary:   true,
	}

	rest := l.messages[plan.Count:]
	messages := make([]Message, 0, len(rest)+1)
	messages = append(messages, synthetic)
	messages = append(messages, rest...)

	l.messages = messages
	l.summary = summary
	l.archives++
	return nil
}

// Transcript renders messages as "role: content" lines for a summary prompt.
func Transcript(messages []Message) string {
	var b strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return b.String()
}
