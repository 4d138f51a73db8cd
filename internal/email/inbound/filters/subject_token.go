package filters

import (
	"context"
	"log"
	"regexp"
	"strings"
)

var subjectTagRegexp = regexp.MustCompile(`\[\s*([^\[\]]+?)\s*\]`)

// SubjectTokenFilter extracts "[tag]" tokens from the decoded Subject header.
type SubjectTokenFilter struct {
	logger *log.Logger
}

// NewSubjectTokenFilter constructs the filter instance.
func NewSubjectTokenFilter(logger *log.Logger) *SubjectTokenFilter {
	return &SubjectTokenFilter{logger: logger}
}

// ID implements Filter.
func (f *SubjectTokenFilter) ID() string { return "subject_token" }

// Apply stores the bracketed subject tokens, in order, as a []string.
func (f *SubjectTokenFilter) Apply(ctx context.Context, m *MessageContext) error {
	if m == nil || !m.Message.Valid() {
		return nil
	}
	tags := findSubjectTags(m.Message.Subject())
	if len(tags) == 0 {
		return nil
	}
	m.Annotate(AnnotationSubjectTags, tags)
	f.logf("subject_token: detected tags %s", strings.Join(tags, ","))
	return nil
}

func findSubjectTags(subject string) []string {
	matches := subjectTagRegexp.FindAllStringSubmatch(subject, -1)
	if len(matches) == 0 {
		return nil
	}
	tags := make([]string, 0, len(matches))
	for _, match := range matches {
		if tag := strings.TrimSpace(match[1]); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}

func (f *SubjectTokenFilter) logf(format string, args ...any) {
	if f == nil || f.logger == nil {
		return
	}
	f.logger.Printf(format, args...)
}
