// Package notify turns the plain-text notification sockets into typed signals
// and user-facing notices.
package notify

import "strings"

// Level 表示通知的展示级别。
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

type keywordBucket struct {
	level    Level
	keywords []string
}

// Buckets are checked in order; the first hit wins.
var keywordBuckets = []keywordBucket{
	{level: LevelError, keywords: []string{"fail", "error"}},
	{level: LevelSuccess, keywords: []string{"success", "completed"}},
}

// Classify infers a notice level from free text, case-insensitively.
func Classify(text string) Level {
	normalized := strings.ToLower(text)
	for _, bucket := range keywordBuckets {
		for _, word := range bucket.keywords {
			if strings.Contains(normalized, word) {
				return bucket.level
			}
		}
	}
	return LevelInfo
}
