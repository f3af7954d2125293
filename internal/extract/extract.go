// Package extract classifies moderation-log embeds into candidate facts.
//
// Classification is a pure function of one embed payload plus the message
// timestamp; there is no cross-message state. Malformed or irrelevant
// payloads are never an error — they classify as "not applicable" so the
// backfill scan degrades to skipping the message.
package extract

import (
	"regexp"
	"strings"
	"time"
)

// Kind discriminates the two candidate fact shapes.
type Kind string

const (
	KindJoin Kind = "join"
	KindBan  Kind = "ban"
)

// Fact is a candidate lifecycle fact mined from one historical message.
// Moderator is set only for KindBan.
type Fact struct {
	Kind       Kind
	OffenderID string
	Timestamp  time.Time
	Moderator  string
}

// Embed is the structured payload a moderation-log message may carry.
type Embed struct {
	Title       string
	Description string
	FooterText  string
}

const (
	// banTitlePrefix marks a ban case embed, matched case-insensitively.
	banTitlePrefix = "ban | case"

	// joinPhrase is the substring a join embed's description carries.
	joinPhrase = "joined the server"

	// footerIDPrefix labels the offender id in a join embed's footer. The
	// trailing space is part of the format.
	footerIDPrefix = "ID: "
)

// banDescriptionRE pulls the offender mention and the moderator label out
// of a ban embed body. The moderator runs to end of line or the next
// mention token.
var banDescriptionRE = regexp.MustCompile(
	`(?s)\*\*Offender:\*\*.*?<@!?(\d+)>.*?\*\*Responsible moderator:\*\*\s*([^\n<]+)`)

// Classify turns one embed plus its message timestamp into zero or one
// candidate fact. The second return is false when the message is not
// applicable. A ban-titled embed is only ever a ban candidate: when its
// body does not parse it is not applicable, never reconsidered as a join.
func Classify(embed *Embed, createdAt time.Time) (Fact, bool) {
	if embed == nil {
		return Fact{}, false
	}

	if strings.HasPrefix(strings.ToLower(embed.Title), banTitlePrefix) {
		return classifyBan(embed, createdAt)
	}
	return classifyJoin(embed, createdAt)
}

func classifyBan(embed *Embed, createdAt time.Time) (Fact, bool) {
	m := banDescriptionRE.FindStringSubmatch(embed.Description)
	if m == nil {
		return Fact{}, false
	}

	return Fact{
		Kind:       KindBan,
		OffenderID: m[1],
		Timestamp:  createdAt,
		Moderator:  strings.ToLower(strings.TrimSpace(m[2])),
	}, true
}

func classifyJoin(embed *Embed, createdAt time.Time) (Fact, bool) {
	if !strings.Contains(strings.ToLower(embed.Description), joinPhrase) {
		return Fact{}, false
	}
	if !strings.HasPrefix(embed.FooterText, footerIDPrefix) {
		return Fact{}, false
	}

	// The id is the second colon-segment, so a footer carrying further
	// colon-separated fields keeps only the id.
	parts := strings.Split(embed.FooterText, ":")
	if len(parts) < 2 {
		return Fact{}, false
	}
	offenderID := strings.TrimSpace(parts[1])
	if offenderID == "" {
		return Fact{}, false
	}

	return Fact{
		Kind:       KindJoin,
		OffenderID: offenderID,
		Timestamp:  createdAt,
	}, true
}
