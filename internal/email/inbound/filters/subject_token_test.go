package filters

import (
	"context"
	"reflect"
	"testing"
)

func TestSubjectTokenFilterSetsAnnotation(t *testing.T) {
	filter := NewSubjectTokenFilter(nil)
	ctx := &MessageContext{Message: mustMessage(t, "Subject: Re: [urgent] [ billing ] Invoice", "", "Body")}

	if err := filter.Apply(context.Background(), ctx); err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	got, ok := ctx.Annotations[AnnotationSubjectTags].([]string)
	if !ok {
		t.Fatalf("expected subject tags annotation, got %+v", ctx.Annotations)
	}
	if !reflect.DeepEqual(got, []string{"urgent", "billing"}) {
		t.Fatalf("unexpected tags %v", got)
	}
}

func TestSubjectTokenFilterDecodesEncodedHeader(t *testing.T) {
	filter := NewSubjectTokenFilter(nil)
	ctx := &MessageContext{Message: mustMessage(t, "Subject: =?UTF-8?Q?Re=3A_[r=C3=A9sum=C3=A9]_hi?=", "", "Body")}

	if err := filter.Apply(context.Background(), ctx); err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	got, _ := ctx.Annotations[AnnotationSubjectTags].([]string)
	if !reflect.DeepEqual(got, []string{"résumé"}) {
		t.Fatalf("expected decoded tag, got %v", got)
	}
}

func TestSubjectTokenFilterIgnoresMissingToken(t *testing.T) {
	filter := NewSubjectTokenFilter(nil)
	ctx := &MessageContext{Message: mustMessage(t, "Subject: Hello world", "", "Body")}

	if err := filter.Apply(context.Background(), ctx); err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if _, ok := ctx.Annotations[AnnotationSubjectTags]; ok {
		t.Fatalf("expected no subject tags")
	}
}
