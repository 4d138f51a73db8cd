package filters

const (
	AnnotationIgnoreMessage = "mailproc.ignore_message"
	AnnotationSubjectTags   = "mailproc.subject_tags"
	AnnotationDuplicateOf   = "mailproc.duplicate_of"
	AnnotationHeaderPrefix  = "header."
)
