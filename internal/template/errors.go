package template

import (
	"fmt"

	"github.com/John-Robertt/vortex-go/internal/model"
)

const stage = "validate_template"

// TemplateError reports a base template the composer cannot inject into.
type TemplateError struct {
	AppError model.AppError
	Cause    error
}

func (e *TemplateError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *TemplateError) Unwrap() error { return e.Cause }

func templateError(templateURL, code, msg string) *TemplateError {
	return &TemplateError{AppError: model.AppError{Code: code, Message: msg, Stage: stage, URL: templateURL}}
}

func anchorMissing(templateURL, anchor string) error {
	e := templateError(templateURL, "TEMPLATE_ANCHOR_MISSING", fmt.Sprintf("缺少锚点 %s", anchor))
	e.AppError.Hint = "add a standalone line: " + anchor
	return e
}

func anchorNotStandalone(templateURL, line, anchor string) error {
	e := templateError(templateURL, "TEMPLATE_SECTION_ERROR", "锚点必须独占一行")
	e.AppError.Snippet = line
	e.AppError.Hint = anchor
	return e
}

func anchorDup(templateURL, anchor string) error {
	return templateError(templateURL, "TEMPLATE_ANCHOR_DUP", fmt.Sprintf("锚点 %s 重复出现", anchor))
}

func sectionError(templateURL, msg string) error {
	return templateError(templateURL, "TEMPLATE_SECTION_ERROR", msg)
}
