package core

import (
	"context"
	"fmt"
)

// Context key for the study currently being processed by the pipeline.
type StudyIDKey struct{}

// Context key for the SDTM domain currently being processed.
type DomainKey struct{}

// WithStudyID attaches a study identifier to ctx.
func WithStudyID(ctx context.Context, studyID string) context.Context {
	return context.WithValue(ctx, StudyIDKey{}, studyID)
}

// StudyID extracts the study identifier from ctx.
func StudyID(ctx context.Context) (string, error) {
	studyID, ok := ctx.Value(StudyIDKey{}).(string)
	if !ok || studyID == "" {
		return "", fmt.Errorf("study id not found in context")
	}
	return studyID, nil
}

// WithDomain attaches the SDTM domain under processing to ctx.
func WithDomain(ctx context.Context, domain string) context.Context {
	return context.WithValue(ctx, DomainKey{}, domain)
}

// Domain extracts the SDTM domain from ctx.
func Domain(ctx context.Context) (string, error) {
	domain, ok := ctx.Value(DomainKey{}).(string)
	if !ok || domain == "" {
		return "", fmt.Errorf("domain not found in context")
	}
	return domain, nil
}
