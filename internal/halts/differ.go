package halts

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"time"

	"market-alerts/internal/fetcher"
	"market-alerts/internal/storage"
)

const feedTimeLayout = "01/02/2006 15:04:05"

// Parser turns raw feed entries into halt records.
type Parser struct {
	loc   *time.Location
	codes ReasonCodes
}

// NewParser builds a parser for feed times in loc.
func NewParser(loc *time.Location, codes ReasonCodes) *Parser {
	if loc == nil {
		loc = time.UTC
	}
	return &Parser{loc: loc, codes: codes}
}

// ParseEntries parses entries, dropping malformed ones and those whose
// resumption is not after now. It returns the records and the drop count.
func (p *Parser) ParseEntries(entries []fetcher.HaltEntry, now time.Time) ([]storage.HaltRecord, int) {
	records := make([]storage.HaltRecord, 0, len(entries))
	dropped := 0
	for _, entry := range entries {
		record, ok := p.parse(entry)
		if !ok {
			dropped++
			continue
		}
		if record.ResumesAt != nil && !record.ResumesAt.After(now) {
			dropped++
			continue
		}
		records = append(records, record)
	}
	return records, dropped
}

func (p *Parser) parse(entry fetcher.HaltEntry) (storage.HaltRecord, bool) {
	symbol := strings.ToUpper(strings.TrimSpace(entry.Symbol))
	code := strings.ToUpper(strings.TrimSpace(entry.ReasonCode))
	if symbol == "" || code == "" {
		return storage.HaltRecord{}, false
	}
	haltedAt, err := p.parseTime(entry.HaltDate, entry.HaltTime)
	if err != nil {
		return storage.HaltRecord{}, false
	}

	var resumesAt *time.Time
	if entry.ResumptionDate != "" && entry.ResumptionTime != "" {
		t, err := p.parseTime(entry.ResumptionDate, entry.ResumptionTime)
		if err != nil {
			return storage.HaltRecord{}, false
		}
		resumesAt = &t
	} else if reason, ok := p.codes.Lookup(code); ok && reason.ResumeAfter > 0 {
		t := haltedAt.Add(reason.ResumeAfter)
		resumesAt = &t
	}

	return storage.HaltRecord{
		Symbol:    symbol,
		Name:      strings.TrimSpace(entry.Name),
		Market:    strings.TrimSpace(entry.Market),
		Code:      code,
		HaltedAt:  haltedAt,
		ResumesAt: resumesAt,
		Hash:      contentHash(symbol, entry.HaltDate, entry.HaltTime, code, resumesAt),
	}, true
}

func (p *Parser) parseTime(date, clock string) (time.Time, error) {
	t, err := time.ParseInLocation(feedTimeLayout, strings.TrimSpace(date)+" "+strings.TrimSpace(clock), p.loc)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func contentHash(symbol, date, clock, code string, resumesAt *time.Time) string {
	resumption := "none"
	if resumesAt != nil {
		resumption = fmt.Sprintf("%d", resumesAt.Unix())
	}
	h := sha256.Sum256([]byte(symbol + strings.TrimSpace(date) + strings.TrimSpace(clock) + code + resumption))
	return fmt.Sprintf("%x", h)[:16]
}

// BuildSnapshot indexes records by symbol. On a collision the record with
// the later halt time wins; equal times keep the first seen.
func BuildSnapshot(records []storage.HaltRecord, takenAt time.Time) (storage.HaltSnapshot, []string) {
	snapshot := storage.HaltSnapshot{TakenAt: takenAt, Halts: make(map[string]storage.HaltRecord, len(records))}
	var duplicates []string
	for _, record := range records {
		existing, ok := snapshot.Halts[record.Symbol]
		if ok {
			duplicates = append(duplicates, record.Symbol)
			if !record.HaltedAt.After(existing.HaltedAt) {
				continue
			}
		}
		snapshot.Halts[record.Symbol] = record
	}
	return snapshot, duplicates
}

// Changes is the classified difference between two snapshots.
type Changes struct {
	// New holds added symbols and symbols whose content hash changed.
	New []storage.HaltRecord
	// Resumed holds the previous records of symbols that disappeared.
	Resumed []storage.HaltRecord
}

// Empty reports whether nothing changed.
func (c Changes) Empty() bool {
	return len(c.New) == 0 && len(c.Resumed) == 0
}

// Diff classifies cur against prev. A nil prev is a baseline run and
// classifies nothing.
func Diff(prev *storage.HaltSnapshot, cur storage.HaltSnapshot) Changes {
	var changes Changes
	if prev == nil {
		return changes
	}
	for symbol, record := range cur.Halts {
		before, ok := prev.Halts[symbol]
		if !ok || before.Hash != record.Hash {
			changes.New = append(changes.New, record)
		}
	}
	for symbol, record := range prev.Halts {
		if _, ok := cur.Halts[symbol]; !ok {
			changes.Resumed = append(changes.Resumed, record)
		}
	}
	sort.Slice(changes.New, func(i, j int) bool { return changes.New[i].Symbol < changes.New[j].Symbol })
	sort.Slice(changes.Resumed, func(i, j int) bool { return changes.Resumed[i].Symbol < changes.Resumed[j].Symbol })
	return changes
}
