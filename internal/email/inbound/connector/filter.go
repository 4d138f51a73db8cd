package connector

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
)

// ErrInvalidFilter is returned for search filters the parser does not know.
var ErrInvalidFilter = errors.New("invalid search filter")

const searchDateLayout = "02-Jan-2006"

// ParseFilter converts a textual IMAP search filter such as "(UNSEEN)" or
// `UNSEEN FROM "alice@test.com"` into search criteria. Keys are ANDed.
func ParseFilter(filter string) (*imap.SearchCriteria, error) {
	tokens, err := tokenizeFilter(filter)
	if err != nil {
		return nil, err
	}
	criteria := &imap.SearchCriteria{}
	for i := 0; i < len(tokens); i++ {
		key := strings.ToUpper(tokens[i])
		switch key {
		case "ALL":
		case "SEEN":
			criteria.Flag = append(criteria.Flag, imap.FlagSeen)
		case "UNSEEN":
			criteria.NotFlag = append(criteria.NotFlag, imap.FlagSeen)
		case "FLAGGED":
			criteria.Flag = append(criteria.Flag, imap.FlagFlagged)
		case "UNFLAGGED":
			criteria.NotFlag = append(criteria.NotFlag, imap.FlagFlagged)
		case "ANSWERED":
			criteria.Flag = append(criteria.Flag, imap.FlagAnswered)
		case "UNANSWERED":
			criteria.NotFlag = append(criteria.NotFlag, imap.FlagAnswered)
		case "DELETED":
			criteria.Flag = append(criteria.Flag, imap.FlagDeleted)
		case "UNDELETED":
			criteria.NotFlag = append(criteria.NotFlag, imap.FlagDeleted)
		case "FROM", "TO", "CC", "SUBJECT", "BODY", "TEXT", "SINCE", "BEFORE":
			if i+1 >= len(tokens) {
				return nil, fmt.Errorf("%w: %s needs a value", ErrInvalidFilter, key)
			}
			i++
			if err := applyValueKey(criteria, key, tokens[i]); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: unsupported key %q", ErrInvalidFilter, tokens[i])
		}
	}
	return criteria, nil
}

func applyValueKey(c *imap.SearchCriteria, key, value string) error {
	switch key {
	case "FROM", "TO", "CC", "SUBJECT":
		name := strings.ToUpper(key[:1]) + strings.ToLower(key[1:])
		c.Header = append(c.Header, imap.SearchCriteriaHeaderField{Key: name, Value: value})
	case "BODY":
		c.Body = append(c.Body, value)
	case "TEXT":
		c.Text = append(c.Text, value)
	case "SINCE", "BEFORE":
		t, err := time.Parse(searchDateLayout, value)
		if err != nil {
			return fmt.Errorf("%w: %s date %q: %v", ErrInvalidFilter, key, value, err)
		}
		if key == "SINCE" {
			c.Since = t
		} else {
			c.Before = t
		}
	}
	return nil
}

func tokenizeFilter(filter string) ([]string, error) {
	s := strings.TrimSpace(filter)
	if strings.HasPrefix(s, "(") {
		if !strings.HasSuffix(s, ")") {
			return nil, fmt.Errorf("%w: unbalanced parentheses in %q", ErrInvalidFilter, filter)
		}
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	var (
		tokens  []string
		current strings.Builder
		quoted  bool
		pending bool
	)
	flush := func() {
		if pending {
			tokens = append(tokens, current.String())
			current.Reset()
			pending = false
		}
	}
	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
			pending = true
		case !quoted && (r == ' ' || r == '\t'):
			flush()
		default:
			current.WriteRune(r)
			pending = true
		}
	}
	if quoted {
		return nil, fmt.Errorf("%w: unterminated quote in %q", ErrInvalidFilter, filter)
	}
	flush()
	return tokens, nil
}
